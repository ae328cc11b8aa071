package grid

import "github.com/shopspring/decimal"

var (
	one = decimal.NewFromInt(1)
	two = decimal.NewFromInt(2)
)

// FeeFactor 1 - maker 手续费
func FeeFactor(makerFee decimal.Decimal) decimal.Decimal {
	return one.Sub(makerFee)
}

// AvgTargetProfit (1+min + 1+max) / 2
func AvgTargetProfit(minProfit, maxProfit decimal.Decimal) decimal.Decimal {
	return one.Add(minProfit).Add(one).Add(maxProfit).Div(two)
}

// MidPrice (bid + ask) / 2
func MidPrice(bid, ask decimal.Decimal) decimal.Decimal {
	return bid.Add(ask).Div(two)
}

// Step 网格步长：相邻两档一买一卖扣除两次手续费后，收益接近利润区间中点。
func Step(avgPrice, minProfit, maxProfit, fee decimal.Decimal) decimal.Decimal {
	target := AvgTargetProfit(minProfit, maxProfit)
	return avgPrice.Mul(target.Div(fee.Mul(fee)).Sub(one))
}

// LevelPrice avg + delta*m，m 的符号决定方向
func LevelPrice(avgPrice, delta decimal.Decimal, multiplier int) decimal.Decimal {
	return avgPrice.Add(delta.Mul(decimal.NewFromInt(int64(multiplier))))
}

// CycleProfit 以第 m 档为零点时一个来回的收益率：fee²*(delta/zero + 1) - 1
func CycleProfit(avgPrice, delta, fee decimal.Decimal, multiplier int) decimal.Decimal {
	zero := LevelPrice(avgPrice, delta, multiplier)
	return fee.Mul(fee).Mul(delta.Div(zero).Add(one)).Sub(one)
}

// InBand min <= p <= max
func InBand(p, minProfit, maxProfit decimal.Decimal) bool {
	return p.GreaterThanOrEqual(minProfit) && p.LessThanOrEqual(maxProfit)
}
