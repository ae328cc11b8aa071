package grid

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-maker-go/gateway"
	"grid-maker-go/internal/retry"
)

// sideSkip 本轮余额不足的方向，不再尝试同方向下单
type sideSkip struct {
	sell, buy bool
}

func (s *sideSkip) skipped(side gateway.Side) bool {
	if side == gateway.Sell {
		return s.sell
	}
	return s.buy
}

func (s *sideSkip) mark(side gateway.Side) {
	if side == gateway.Sell {
		s.sell = true
	} else {
		s.buy = true
	}
}

// build 两侧都为空时以当前盘口中间价为中心建网格
func (e *Engine) build(ctx context.Context, fee decimal.Decimal, rep *Report) error {
	e.logBalances(ctx)

	bid, ask, err := e.bestBidAsk(ctx)
	if err != nil {
		return fmt.Errorf("best bid/ask: %w", err)
	}
	avg := MidPrice(bid, ask)
	delta := Step(avg, e.params.MinimalProfit, e.params.MaximalProfit, fee)
	if !delta.IsPositive() {
		return fmt.Errorf("%w: delta=%s", ErrDegenerateGrid, delta)
	}
	e.log.Info("building grid",
		zap.Stringer("bid", bid),
		zap.Stringer("ask", ask),
		zap.Stringer("avg_price", avg),
		zap.Stringer("delta", delta),
		zap.Int("orders_count", e.params.OrdersCount))

	next := State{AvgPrice: avg, Delta: delta, Sell: []GridOrder{}, Buy: []GridOrder{}}
	var skip sideSkip
	for i := 1; i <= e.params.OrdersCount; i++ {
		for _, lvl := range []struct {
			side gateway.Side
			m    int
			seq  *[]GridOrder
		}{
			{gateway.Sell, i, &next.Sell},
			{gateway.Buy, -i, &next.Buy},
		} {
			o, ok, err := e.placeLevel(ctx, next, lvl.side, lvl.m, fee, &skip, rep)
			if err != nil {
				// 已下的单保留在状态里
				if cerr := e.commitState(next); cerr != nil {
					return errors.Join(err, cerr)
				}
				return err
			}
			if ok {
				*lvl.seq = append(*lvl.seq, o)
			}
		}
	}
	rep.Action = ActionBuild
	return e.commitState(next)
}

// placeLevel 在 multiplier 档位按 st 的中心和步长下单。
// 只有 ctx 取消或策略错误才返回 error，交易所拒绝和余额不足只记录。
func (e *Engine) placeLevel(ctx context.Context, st State, side gateway.Side, multiplier int, fee decimal.Decimal, skip *sideSkip, rep *Report) (GridOrder, bool, error) {
	if skip.skipped(side) {
		return GridOrder{}, false, nil
	}
	price := LevelPrice(st.AvgPrice, st.Delta, multiplier)
	if !price.IsPositive() {
		rep.Rejected++
		e.rec.OrderRejected(side, "price")
		e.log.Warn("level price not positive, skipping level",
			zap.String("side", string(side)), zap.Int("multiplier", multiplier), zap.Stringer("price", price))
		return GridOrder{}, false, nil
	}
	amount := e.params.TradeAmount
	if side == gateway.Buy {
		var err error
		if amount, err = BuyAmount(e.params.Accumulate, e.params.TradeAmount, fee, st.Delta, price); err != nil {
			return GridOrder{}, false, err
		}
	}

	var id string
	err := e.onRetry(e.retries.Network, "place").Do(ctx, func(ctx context.Context) error {
		var err error
		id, err = e.ex.PlaceLimit(ctx, e.params.Symbol, side, amount, price)
		return err
	}, networkOnly)

	fields := []zap.Field{
		zap.String("side", string(side)),
		zap.Int("multiplier", multiplier),
		zap.Stringer("price", price),
		zap.Stringer("amount", amount),
	}
	switch {
	case err == nil:
		rep.Placed++
		e.rec.OrderPlaced(side)
		e.log.LogOrder("placed", id, map[string]interface{}{
			"side":       string(side),
			"multiplier": multiplier,
			"price":      price.String(),
			"amount":     amount.String(),
		})
		return GridOrder{Multiplier: multiplier, ID: id}, true, nil
	case ctx.Err() != nil:
		return GridOrder{}, false, ctx.Err()
	case gateway.IsInsufficientFunds(err):
		skip.mark(side)
		rep.SkippedSides = append(rep.SkippedSides, side)
		e.rec.FundsExhausted(side)
		e.log.Warn("insufficient funds, skipping side for this cycle", append(fields, zap.Error(err))...)
	case errors.Is(err, retry.ErrExhausted):
		rep.Rejected++
		e.rec.OrderRejected(side, "network")
		e.log.Error("placement abandoned after retries", append(fields, zap.Error(err))...)
	default:
		rep.Rejected++
		e.rec.OrderRejected(side, "exchange")
		e.log.Error("placement rejected", append(fields, zap.Error(err))...)
	}
	return GridOrder{}, false, nil
}

// bestBidAsk 盘口任一侧缺失时等待后重试，不使用不完整的数据
func (e *Engine) bestBidAsk(ctx context.Context) (bid, ask decimal.Decimal, err error) {
	err = e.onRetry(e.retries.Market, "best_bid_ask").Do(ctx, func(ctx context.Context) error {
		var err error
		bid, ask, err = e.ex.BestBidAsk(ctx, e.params.Symbol)
		return err
	}, queryDecision)
	return bid, ask, err
}

// logBalances 诊断用，失败忽略
func (e *Engine) logBalances(ctx context.Context) {
	if !e.requestBalances.Load() {
		return
	}
	balances, err := e.ex.Balances(ctx)
	if err != nil {
		e.log.Warn("balance request failed, ignoring", zap.Error(err))
		return
	}
	assets := make([]string, 0, len(balances))
	for asset, v := range balances {
		if v.IsPositive() {
			assets = append(assets, asset)
		}
	}
	sort.Strings(assets)
	parts := make([]string, len(assets))
	for i, asset := range assets {
		parts[i] = asset + "=" + balances[asset].String()
	}
	e.log.Info("balances", zap.String("total", strings.Join(parts, " | ")))
}
