// Package engine 按固定周期驱动网格引擎，每个周期结束后提交状态。
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"grid-maker-go/gateway"
	"grid-maker-go/infrastructure/logger"
	"grid-maker-go/internal/grid"
	"grid-maker-go/internal/retry"
	"grid-maker-go/internal/store"
)

// EngineState 循环状态
type EngineState int

const (
	// StateIdle 未启动
	StateIdle EngineState = iota
	// StateStarting 加载市场信息
	StateStarting
	// StateRunning 运行中
	StateRunning
	// StateHalted stopAfterPump 触发
	StateHalted
	// StateStopped 已停止
	StateStopped
)

// String 返回状态名称
func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateHalted:
		return "HALTED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Cycler 网格引擎
type Cycler interface {
	RunCycle(ctx context.Context) (grid.Report, error)
	Halted() bool
}

// Recorder 周期指标
type Recorder interface {
	RecordCycle(action string, d time.Duration, err error)
	SetHalted(bool)
}

// Notifier 服务管理器通知（systemd）
type Notifier interface {
	Ready()
	Watchdog()
	Stopping()
}

// Config 循环配置
type Config struct {
	Symbol string
	Period time.Duration // 周期，超时不补偿
}

// Components 循环依赖组件
type Components struct {
	Engine      Cycler
	Exchange    gateway.Exchange
	Store       store.Store
	Logger      *logger.Logger
	Recorder    Recorder
	Notifier    Notifier
	MarketRetry retry.Policy
	// Publish 可选，每个周期结束后回调报告和错误（状态推送、告警）
	Publish func(grid.Report, error)
}

// Statistics 循环统计信息
type Statistics struct {
	StartTime     time.Time     `json:"start_time"`
	Cycles        int64         `json:"cycles"`
	Errors        int64         `json:"errors"`
	LastCycleTime time.Time     `json:"last_cycle_time"`
	LastDuration  time.Duration `json:"last_duration"`
	LastAction    grid.Action   `json:"last_action"`
	LastError     string        `json:"last_error,omitempty"`
}

// Loop 控制循环
type Loop struct {
	config Config
	comps  Components
	log    *logger.Logger

	now   func() time.Time
	sleep retry.Sleeper

	mu       sync.RWMutex
	state    EngineState
	stats    Statistics
	stopOnce sync.Once
	stopChan chan struct{}
}

// New 创建控制循环
func New(cfg Config, comps Components) (*Loop, error) {
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("invalid period %v", cfg.Period)
	}
	if comps.Engine == nil || comps.Exchange == nil || comps.Store == nil {
		return nil, errors.New("engine, exchange and store are required")
	}
	if comps.Logger == nil {
		comps.Logger = logger.NewNop()
	}
	if comps.Recorder == nil {
		comps.Recorder = nopRecorder{}
	}
	if comps.Notifier == nil {
		comps.Notifier = nopNotifier{}
	}
	return &Loop{
		config:   cfg,
		comps:    comps,
		log:      comps.Logger,
		now:      time.Now,
		sleep:    retry.SleepContext,
		stopChan: make(chan struct{}),
	}, nil
}

// Run 阻塞运行，直到 ctx 取消、Stop 被调用、引擎停机或出现致命错误。
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateIdle {
		l.mu.Unlock()
		return fmt.Errorf("loop already started (state: %s)", l.state)
	}
	l.state = StateStarting
	l.stats.StartTime = l.now()
	l.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	select {
	case <-l.stopChan:
		cancel()
	default:
	}
	go func() {
		select {
		case <-l.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	defer func() {
		l.comps.Notifier.Stopping()
		l.mu.Lock()
		if l.state != StateHalted {
			l.state = StateStopped
		}
		l.mu.Unlock()
	}()

	if err := l.reloadMarkets(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	l.setState(StateRunning)
	l.comps.Notifier.Ready()
	l.log.Info("control loop started",
		zap.String("symbol", l.config.Symbol),
		zap.Duration("period", l.config.Period))

	for ctx.Err() == nil {
		next := l.now().Add(l.config.Period)

		rep, err := l.comps.Engine.RunCycle(ctx)
		l.afterCycle(rep, err)

		if purger, ok := l.comps.Exchange.(gateway.CachePurger); ok {
			if n := purger.PurgeCache(l.now()); n > 0 {
				l.log.Debug("purged order cache", zap.Int("orders", n))
			}
		}
		// 关闭过程中也要提交
		if cerr := l.comps.Store.Commit(context.WithoutCancel(ctx)); cerr != nil {
			l.log.Error("state commit failed", zap.Error(cerr))
		}
		l.comps.Notifier.Watchdog()

		if errors.Is(err, grid.ErrUnknownAccumulate) {
			return fmt.Errorf("fatal policy error: %w", err)
		}
		if l.comps.Engine.Halted() {
			l.setState(StateHalted)
			l.comps.Recorder.SetHalted(true)
			l.log.Warn("grid halted, control loop exiting")
			return nil
		}

		wait := next.Sub(l.now())
		if wait <= 0 {
			if wait < 0 {
				l.log.Warn("cycle overran its period", zap.Duration("overrun", -wait))
			}
			continue
		}
		if err := l.sleep(ctx, wait); err != nil {
			break
		}
	}
	l.log.Info("control loop stopped")
	return nil
}

// Stop 请求停止，Run 在当前周期结束后返回
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopChan) })
}

func (l *Loop) reloadMarkets(ctx context.Context) error {
	p := l.comps.MarketRetry
	p.OnRetry = func(attempt int, err error) {
		l.log.Warn("market reload failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
	}
	err := p.Do(ctx, l.comps.Exchange.LoadMarkets, func(error) retry.Decision { return retry.Backoff })
	if err != nil {
		return fmt.Errorf("load markets: %w", err)
	}
	if _, err := l.comps.Exchange.Market(l.config.Symbol); err != nil {
		return fmt.Errorf("load markets: %w", err)
	}
	return nil
}

func (l *Loop) afterCycle(rep grid.Report, err error) {
	l.mu.Lock()
	l.stats.Cycles++
	l.stats.LastCycleTime = rep.StartedAt
	l.stats.LastDuration = rep.Duration
	l.stats.LastAction = rep.Action
	l.stats.LastError = ""
	if err != nil {
		l.stats.Errors++
		l.stats.LastError = err.Error()
	}
	l.mu.Unlock()

	l.comps.Recorder.RecordCycle(string(rep.Action), rep.Duration, err)
	if l.comps.Publish != nil {
		l.comps.Publish(rep, err)
	}

	fields := []zap.Field{
		zap.String("action", string(rep.Action)),
		zap.Duration("duration", rep.Duration),
		zap.Int("sells", rep.Sells),
		zap.Int("buys", rep.Buys),
		zap.Int("placed", rep.Placed),
		zap.Int("canceled", rep.Canceled),
	}
	switch {
	case err != nil && !errors.Is(err, context.Canceled):
		l.log.Error("cycle failed", append(fields, zap.Error(err))...)
	case rep.Action == grid.ActionIdle || rep.Action == grid.ActionHold:
		l.log.Debug("cycle done", fields...)
	default:
		l.log.Info("cycle done", fields...)
	}
}

func (l *Loop) setState(s EngineState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// GetState 当前状态
func (l *Loop) GetState() EngineState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Stats 统计信息快照
func (l *Loop) Stats() Statistics {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stats
}

type nopRecorder struct{}

func (nopRecorder) RecordCycle(string, time.Duration, error) {}
func (nopRecorder) SetHalted(bool)                          {}

type nopNotifier struct{}

func (nopNotifier) Ready()    {}
func (nopNotifier) Watchdog() {}
func (nopNotifier) Stopping() {}
