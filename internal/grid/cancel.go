package grid

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"grid-maker-go/gateway"
	"grid-maker-go/internal/retry"
)

// drain 从前往后撤单。网络错误重试；交易所错误或重试耗尽时不再跟踪该订单，
// 无法区分它是否已成交或已撤销。ctx 取消时返回尚未处理的订单。
func (e *Engine) drain(ctx context.Context, orders []GridOrder, reason string) ([]GridOrder, int) {
	canceled := 0
	for len(orders) > 0 {
		o := orders[0]
		err := e.onRetry(e.retries.Network, "cancel").Do(ctx, func(ctx context.Context) error {
			return e.ex.CancelOrder(ctx, e.params.Symbol, o.ID)
		}, networkOnly)
		switch {
		case err == nil:
			canceled++
			e.rec.OrderCanceled(reason)
			e.log.LogOrder("canceled", o.ID, map[string]interface{}{"multiplier": o.Multiplier, "reason": reason})
		case ctx.Err() != nil:
			return orders, canceled
		case errors.Is(err, retry.ErrExhausted):
			e.log.Error("cancel abandoned after retries, dropping order",
				zap.String("id", o.ID), zap.Int("multiplier", o.Multiplier), zap.Error(err))
		default:
			e.log.Warn("cancel failed, dropping order",
				zap.String("id", o.ID), zap.Int("multiplier", o.Multiplier), zap.Error(err))
		}
		orders = orders[1:]
	}
	return []GridOrder{}, canceled
}

// cancelOrphan 非网格订单只尝试撤一次
func (e *Engine) cancelOrphan(ctx context.Context, o gateway.Order) {
	e.rec.OrphanFound()
	e.log.Info("found orphan order, canceling", zap.String("id", o.ID), zap.String("side", string(o.Side)))
	if err := e.ex.CancelOrder(ctx, e.params.Symbol, o.ID); err != nil {
		e.log.Warn("orphan cancel failed, leaving it", zap.String("id", o.ID), zap.Error(err))
		return
	}
	e.rec.OrderCanceled("orphan")
}
