package grid

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-maker-go/gateway"
)

// reconcile 对账：撤孤儿单，弹出已成交档位，必要时重新居中
func (e *Engine) reconcile(ctx context.Context, cur State, fee decimal.Decimal, rep *Report) error {
	orders, err := e.openOrders(ctx)
	if err != nil {
		return fmt.Errorf("open orders: %w", err)
	}
	open := gateway.OrderIDs(orders)

	owned := cur.Owned()
	for _, o := range orders {
		if _, ok := owned[o.ID]; !ok {
			rep.Orphans++
			e.cancelOrphan(ctx, o)
		}
	}

	next := cur.Clone()
	closedSell, sellClosed := popClosed(&next.Sell, open)
	closedBuy, buyClosed := popClosed(&next.Buy, open)
	gaps := make(map[string]struct{})
	e.detectGaps(gateway.Sell, next.Sell, open, gaps, rep)
	e.detectGaps(gateway.Buy, next.Buy, open, gaps, rep)
	e.gaps = gaps

	if !sellClosed && !buyClosed {
		rep.Action = ActionIdle
		// 上一轮停止过程被打断
		if e.haltPending {
			return e.halt(ctx, next, rep)
		}
		return nil
	}
	if sellClosed {
		rep.ClosedSell = intPtr(closedSell)
	}
	if buyClosed {
		rep.ClosedBuy = intPtr(closedBuy)
	}
	e.log.Info("grid orders closed",
		zap.Any("last_closed_sell", rep.ClosedSell),
		zap.Any("last_closed_buy", rep.ClosedBuy),
		zap.Int("sells_left", len(next.Sell)),
		zap.Int("buys_left", len(next.Buy)))
	// 先保存弹出后的状态
	if err := e.commitState(next); err != nil {
		return err
	}

	// 只有一侧成交时另一侧跟随
	if !sellClosed {
		closedSell = closedBuy
	}
	if !buyClosed {
		closedBuy = closedSell
	}

	if closedSell == closedBuy {
		if profit, ok := e.cycleProfit(next, fee, closedSell); ok {
			rep.CycleProfit = &profit
			if InBand(profit, e.params.MinimalProfit, e.params.MaximalProfit) {
				rep.Action = ActionHold
				e.log.Debug("cycle profit within band, keeping grid",
					zap.Int("multiplier", closedSell), zap.Stringer("profit", profit))
				return nil
			}
			e.log.Info("cycle profit outside band, recentering",
				zap.Int("multiplier", closedSell),
				zap.Stringer("profit", profit),
				zap.Stringer("min", e.params.MinimalProfit),
				zap.Stringer("max", e.params.MaximalProfit))
		}
	}

	e.logBalances(ctx)
	return e.recenter(ctx, next, closedSell, closedBuy, fee, rep)
}

// cycleProfit 零点价格不为正时视为超出区间
func (e *Engine) cycleProfit(st State, fee decimal.Decimal, multiplier int) (decimal.Decimal, bool) {
	if !LevelPrice(st.AvgPrice, st.Delta, multiplier).IsPositive() {
		return decimal.Zero, false
	}
	return CycleProfit(st.AvgPrice, st.Delta, fee, multiplier), true
}

// recenter 以成交档位为新中心重建两侧，能复用的旧单直接保留
func (e *Engine) recenter(ctx context.Context, cur State, closedSell, closedBuy int, fee decimal.Decimal, rep *Report) error {
	oldSell := append([]GridOrder(nil), cur.Sell...)
	oldBuy := append([]GridOrder(nil), cur.Buy...)
	next := State{
		AvgPrice: cur.AvgPrice,
		Delta:    cur.Delta,
		Sell:     []GridOrder{},
		Buy:      []GridOrder{},
		Stale:    append([]GridOrder(nil), cur.Stale...),
	}

	var skip sideSkip
	for i := 1; i <= e.params.OrdersCount; i++ {
		for _, lvl := range []struct {
			side gateway.Side
			m    int
			old  *[]GridOrder
			seq  *[]GridOrder
		}{
			{gateway.Sell, closedSell + i, &oldSell, &next.Sell},
			{gateway.Buy, closedBuy - i, &oldBuy, &next.Buy},
		} {
			if old := *lvl.old; len(old) > 0 && old[0].Multiplier == lvl.m {
				*lvl.seq = append(*lvl.seq, old[0])
				*lvl.old = old[1:]
				rep.Reused++
				e.log.Debug("reusing grid order", zap.String("side", string(lvl.side)), zap.Int("multiplier", lvl.m), zap.String("id", old[0].ID))
				continue
			}
			o, ok, err := e.placeLevel(ctx, next, lvl.side, lvl.m, fee, &skip, rep)
			if err != nil {
				// 新下的单没有记录，下一轮作为孤儿撤销
				return err
			}
			if ok {
				*lvl.seq = append(*lvl.seq, o)
			}
		}
	}

	// 没撤掉的旧单（ctx 取消）留在 Stale 中继续跟踪
	leftSell, n := e.drain(ctx, oldSell, "replaced")
	rep.Canceled += n
	leftBuy, n := e.drain(ctx, oldBuy, "replaced")
	rep.Canceled += n
	next.Stale = append(append(next.Stale, leftSell...), leftBuy...)
	if err := e.commitState(next); err != nil {
		return err
	}
	rep.Action = ActionRecenter
	if err := ctx.Err(); err != nil {
		e.haltPending = e.params.StopAfterPump && len(next.Sell) == 0
		e.log.Warn("recenter interrupted, replaced orders kept for next cycle", zap.Int("stale", len(next.Stale)))
		return fmt.Errorf("recenter: %w", err)
	}
	e.log.Info("grid recentered",
		zap.Int("sell_center", closedSell),
		zap.Int("buy_center", closedBuy),
		zap.Int("placed", rep.Placed),
		zap.Int("reused", rep.Reused),
		zap.Int("canceled", rep.Canceled))

	if e.params.StopAfterPump && len(next.Sell) == 0 {
		return e.halt(ctx, next, rep)
	}
	return nil
}

// halt 卖单耗尽：撤掉所有订单并停止。撤单被 ctx 打断时不停止，剩余订单继续跟踪。
func (e *Engine) halt(ctx context.Context, st State, rep *Report) error {
	e.log.Warn("stop after pump triggered, canceling all orders and halting")
	next := st.Clone()
	var n int
	next.Sell, n = e.drain(ctx, next.Sell, "halt")
	rep.Canceled += n
	next.Buy, n = e.drain(ctx, next.Buy, "halt")
	rep.Canceled += n
	next.Stale, n = e.drain(ctx, next.Stale, "halt")
	rep.Canceled += n
	if err := e.commitState(next); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		e.haltPending = true
		return fmt.Errorf("halt: %w", err)
	}
	e.haltPending = false
	e.mu.Lock()
	e.halted = true
	e.mu.Unlock()
	rep.Action = ActionHalt
	return nil
}

// popClosed 从队首弹出不在 open 中的订单，遇到仍在挂的订单停止。
// 返回最后一个弹出的倍数以及是否有弹出。
func popClosed(seq *[]GridOrder, open map[string]struct{}) (int, bool) {
	last, popped := 0, false
	for len(*seq) > 0 {
		front := (*seq)[0]
		if _, ok := open[front.ID]; ok {
			break
		}
		last, popped = front.Multiplier, true
		*seq = (*seq)[1:]
	}
	return last, popped
}

// detectGaps 队首仍在挂时，其后的已关闭订单无法处理，只报告不弹出。
// 同一订单只在第一次发现时报告，current 收集本轮仍存在的缺口。
func (e *Engine) detectGaps(side gateway.Side, seq []GridOrder, open, current map[string]struct{}, rep *Report) {
	for i := 1; i < len(seq); i++ {
		if _, ok := open[seq[i].ID]; ok {
			continue
		}
		current[seq[i].ID] = struct{}{}
		gap := &GapError{Side: side, Multiplier: seq[i].Multiplier, ID: seq[i].ID}
		if _, seen := e.gaps[seq[i].ID]; seen {
			e.log.Debug("order still closed behind an open order", zap.Error(gap))
			continue
		}
		rep.anomaly(gap)
		e.rec.NonContiguousFill(side)
		e.log.Error("order closed behind an open order", zap.Error(gap))
	}
}

// openOrders 查询挂单，网络错误等待 timeout 后重试
func (e *Engine) openOrders(ctx context.Context) ([]gateway.Order, error) {
	var orders []gateway.Order
	err := e.onRetry(e.retries.Orders, "open_orders").Do(ctx, func(ctx context.Context) error {
		var err error
		orders, err = e.ex.OpenOrders(ctx, e.params.Symbol)
		return err
	}, queryDecision)
	return orders, err
}
