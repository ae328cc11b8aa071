package grid

import (
	"fmt"

	"github.com/shopspring/decimal"

	"grid-maker-go/internal/store"
)

// 持久化键
const (
	KeyAvgPrice   = "avg_price"
	KeyDelta      = "delta"
	KeySellOrders = "sell_orders"
	KeyBuyOrders  = "buy_orders"
	KeyStale      = "stale_orders"
)

// GridOrder 一档挂单。Multiplier 为相对中心的偏移，卖正买负。
type GridOrder struct {
	Multiplier int    `json:"multiplier"`
	ID         string `json:"id"`
}

// State 网格状态，两个序列都按离中心由近到远排列。
type State struct {
	AvgPrice decimal.Decimal `json:"avg_price"`
	Delta    decimal.Decimal `json:"delta"`
	Sell     []GridOrder     `json:"sell_orders"`
	Buy      []GridOrder     `json:"buy_orders"`
	// Stale 重新居中时被替换但还没撤掉的旧单，下一轮开始时先撤
	Stale []GridOrder `json:"stale_orders,omitempty"`
}

// Empty 两侧都没有挂单
func (s State) Empty() bool {
	return len(s.Sell) == 0 && len(s.Buy) == 0
}

// Clone 深拷贝，供外部只读
func (s State) Clone() State {
	c := s
	c.Sell = append([]GridOrder(nil), s.Sell...)
	c.Buy = append([]GridOrder(nil), s.Buy...)
	c.Stale = append([]GridOrder(nil), s.Stale...)
	return c
}

// Owned 所有受管订单 id
func (s State) Owned() map[string]struct{} {
	ids := make(map[string]struct{}, len(s.Sell)+len(s.Buy)+len(s.Stale))
	for _, seq := range [][]GridOrder{s.Sell, s.Buy, s.Stale} {
		for _, o := range seq {
			ids[o.ID] = struct{}{}
		}
	}
	return ids
}

// CheckOrdering 卖单倍数严格递增，买单严格递减
func (s State) CheckOrdering() error {
	for i := 1; i < len(s.Sell); i++ {
		if s.Sell[i].Multiplier <= s.Sell[i-1].Multiplier {
			return fmt.Errorf("sell multipliers not increasing at %d: %d after %d", i, s.Sell[i].Multiplier, s.Sell[i-1].Multiplier)
		}
	}
	for i := 1; i < len(s.Buy); i++ {
		if s.Buy[i].Multiplier >= s.Buy[i-1].Multiplier {
			return fmt.Errorf("buy multipliers not decreasing at %d: %d after %d", i, s.Buy[i].Multiplier, s.Buy[i-1].Multiplier)
		}
	}
	return nil
}

// LoadState 从存储读取，缺失的键取零值
func LoadState(st store.Store) (State, error) {
	var s State
	var err error
	if s.AvgPrice, err = store.GetOrDefault(st, KeyAvgPrice, decimal.Zero); err != nil {
		return State{}, err
	}
	if s.Delta, err = store.GetOrDefault(st, KeyDelta, decimal.Zero); err != nil {
		return State{}, err
	}
	if s.Sell, err = store.GetOrDefault(st, KeySellOrders, []GridOrder{}); err != nil {
		return State{}, err
	}
	if s.Buy, err = store.GetOrDefault(st, KeyBuyOrders, []GridOrder{}); err != nil {
		return State{}, err
	}
	if s.Stale, err = store.GetOrDefault(st, KeyStale, []GridOrder{}); err != nil {
		return State{}, err
	}
	return s, nil
}

// Save 暂存到存储，由调用方 Commit
func (s State) Save(st store.Store) error {
	sell, buy, stale := s.Sell, s.Buy, s.Stale
	if sell == nil {
		sell = []GridOrder{}
	}
	if buy == nil {
		buy = []GridOrder{}
	}
	if stale == nil {
		stale = []GridOrder{}
	}
	for _, kv := range []struct {
		key   string
		value interface{}
	}{
		{KeyAvgPrice, s.AvgPrice},
		{KeyDelta, s.Delta},
		{KeySellOrders, sell},
		{KeyBuyOrders, buy},
		{KeyStale, stale},
	} {
		if err := st.Set(kv.key, kv.value); err != nil {
			return fmt.Errorf("save %s: %w", kv.key, err)
		}
	}
	return nil
}
