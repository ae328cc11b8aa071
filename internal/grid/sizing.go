package grid

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrUnknownAccumulate 未配置或非法的 accumulate 模式，致命错误
var ErrUnknownAccumulate = errors.New("unknown accumulate mode")

// AccumulateMode 买单数量策略
type AccumulateMode string

const (
	// AccumulateAll 利润在 base 和 quote 之间平分
	AccumulateAll AccumulateMode = "all"
	// AccumulateCrypto 利润全部以 base 形式买回
	AccumulateCrypto AccumulateMode = "crypto"
	// AccumulateFiat 买卖数量相同，利润留在 quote
	AccumulateFiat AccumulateMode = "fiat"
)

// ParseAccumulate 校验配置值
func ParseAccumulate(s string) (AccumulateMode, error) {
	switch m := AccumulateMode(s); m {
	case AccumulateAll, AccumulateCrypto, AccumulateFiat:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAccumulate, s)
	}
}

// BuyAmount 根据卖单数量与买入价格计算对应买单数量
func BuyAmount(mode AccumulateMode, sellAmount, fee, delta, price decimal.Decimal) (decimal.Decimal, error) {
	switch mode {
	case AccumulateAll:
		gross := fee.Mul(fee).Mul(delta.Div(price).Add(one))
		return sellAmount.Mul(gross.Add(one)).Div(two), nil
	case AccumulateCrypto:
		return sellAmount.Mul(fee).Mul(fee).Mul(delta.Div(price).Add(one)), nil
	case AccumulateFiat:
		return sellAmount, nil
	default:
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownAccumulate, string(mode))
	}
}
