package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientFunds 余额不足，ExchangeError 的一种
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrNoLiquidity 盘口缺少买一或卖一
	ErrNoLiquidity = errors.New("no liquidity")
	// ErrUnknownMarket 未加载或不存在的交易对
	ErrUnknownMarket = errors.New("unknown market")
)

// NetworkError 传输层/超时/5xx，可重试
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ExchangeError 交易所拒绝（参数错误、余额不足等），不重试
type ExchangeError struct {
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *ExchangeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: exchange error %s: %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: exchange error: %s", e.Op, e.Message)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// IsNetwork 是否网络错误
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsExchange 是否交易所拒绝
func IsExchange(err error) bool {
	var ee *ExchangeError
	return errors.As(err, &ee)
}

// IsInsufficientFunds 是否余额不足
func IsInsufficientFunds(err error) bool {
	return errors.Is(err, ErrInsufficientFunds)
}
