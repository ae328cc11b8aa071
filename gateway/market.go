package gateway

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Market 交易对精度与限制。
type Market struct {
	Symbol          string
	Base            string
	Quote           string
	PricePrecision  int32
	AmountPrecision int32
	MinQty          decimal.Decimal
	MaxQty          decimal.Decimal
	MinPrice        decimal.Decimal
	MaxPrice        decimal.Decimal
	MinNotional     decimal.Decimal
	MakerFee        decimal.Decimal // 比例，例如 0.002
}

// Normalize 唯一的有损精度转换：价格四舍五入到 PricePrecision，数量截断到 AmountPrecision。
func (m Market) Normalize(price, amount decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	return m.RoundPrice(price), m.RoundAmount(amount)
}

// RoundPrice 价格四舍五入
func (m Market) RoundPrice(price decimal.Decimal) decimal.Decimal {
	return price.Round(m.PricePrecision)
}

// RoundAmount 数量向零截断，避免超出余额
func (m Market) RoundAmount(amount decimal.Decimal) decimal.Decimal {
	return amount.Truncate(m.AmountPrecision)
}

// Validate 检查已归一化的订单是否满足交易对限制。
func (m Market) Validate(price, amount decimal.Decimal) error {
	if !price.IsPositive() {
		return m.reject("price %s must be positive", price)
	}
	if !amount.IsPositive() {
		return m.reject("amount %s must be positive", amount)
	}
	if m.MinQty.IsPositive() && amount.LessThan(m.MinQty) {
		return m.reject("amount %s < minQty %s", amount, m.MinQty)
	}
	if m.MaxQty.IsPositive() && amount.GreaterThan(m.MaxQty) {
		return m.reject("amount %s > maxQty %s", amount, m.MaxQty)
	}
	if m.MinPrice.IsPositive() && price.LessThan(m.MinPrice) {
		return m.reject("price %s < minPrice %s", price, m.MinPrice)
	}
	if m.MaxPrice.IsPositive() && price.GreaterThan(m.MaxPrice) {
		return m.reject("price %s > maxPrice %s", price, m.MaxPrice)
	}
	if notional := price.Mul(amount); m.MinNotional.IsPositive() && notional.LessThan(m.MinNotional) {
		return m.reject("notional %s < minNotional %s", notional, m.MinNotional)
	}
	return nil
}

func (m Market) reject(format string, args ...interface{}) error {
	return &ExchangeError{Op: "validate " + m.Symbol, Message: fmt.Sprintf(format, args...)}
}
