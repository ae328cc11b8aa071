package gateway

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Side 订单方向
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Order 交易所侧的挂单
type Order struct {
	ID     string
	Symbol string
	Side   Side
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// Exchange 网格引擎依赖的交易所能力。
// 价格/数量以 decimal 传入，精度转换只在实现内部通过 Market.Normalize 完成。
type Exchange interface {
	Name() string
	LoadMarkets(ctx context.Context) error
	Market(symbol string) (Market, error)
	// BestBidAsk 任一侧为空时返回 ErrNoLiquidity
	BestBidAsk(ctx context.Context, symbol string) (bid, ask decimal.Decimal, err error)
	PlaceLimit(ctx context.Context, symbol string, side Side, amount, price decimal.Decimal) (string, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	OpenOrders(ctx context.Context, symbol string) ([]Order, error)
	Balances(ctx context.Context) (map[string]decimal.Decimal, error)
}

// CachePurger 可选能力：清理本地订单缓存中早于 before 的已关闭订单，返回清理数量。
type CachePurger interface {
	PurgeCache(before time.Time) int
}

// OrderIDs 转成集合
func OrderIDs(orders []Order) map[string]struct{} {
	set := make(map[string]struct{}, len(orders))
	for _, o := range orders {
		set[o.ID] = struct{}{}
	}
	return set
}
