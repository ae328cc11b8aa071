package alert

import (
	"context"
	"errors"

	"grid-maker-go/internal/grid"
)

// CycleAlerts 从一次周期报告中提取需要人工关注的事件
func CycleAlerts(symbol string, rep grid.Report, err error) []Alert {
	var out []Alert
	base := func() map[string]interface{} {
		return map[string]interface{}{"symbol": symbol, "action": string(rep.Action)}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		f := base()
		f["error"] = err.Error()
		level := LevelError
		if errors.Is(err, grid.ErrUnknownAccumulate) {
			level = LevelCritical
		}
		out = append(out, Alert{Level: level, Message: "grid cycle failed", Fields: f})
	}
	if rep.Action == grid.ActionHalt {
		f := base()
		f["buys"] = rep.Buys
		out = append(out, Alert{Level: LevelCritical, Message: "sell side exhausted, agent halted", Fields: f})
	}
	for _, a := range rep.Anomalies {
		var gap *grid.GapError
		if errors.As(a, &gap) {
			f := base()
			f["side"] = string(gap.Side)
			f["multiplier"] = gap.Multiplier
			f["order_id"] = gap.ID
			out = append(out, Alert{Level: LevelWarning, Message: "non-contiguous fill", Fields: f})
		}
	}
	if len(rep.SkippedSides) > 0 {
		f := base()
		sides := make([]string, 0, len(rep.SkippedSides))
		for _, s := range rep.SkippedSides {
			sides = append(sides, string(s))
		}
		f["sides"] = sides
		out = append(out, Alert{Level: LevelWarning, Message: "insufficient funds, grid side truncated", Fields: f})
	}
	return out
}

// Notify 发送周期告警，返回发送失败的错误
func (m *Manager) Notify(symbol string, rep grid.Report, err error) error {
	var errs []error
	for _, a := range CycleAlerts(symbol, rep, err) {
		if sendErr := m.Send(a); sendErr != nil {
			errs = append(errs, sendErr)
		}
	}
	return errors.Join(errs...)
}
