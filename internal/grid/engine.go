// Package grid 实现网格做市的核心循环：建网格、对账、重新居中。
package grid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-maker-go/gateway"
	"grid-maker-go/infrastructure/logger"
	"grid-maker-go/internal/retry"
	"grid-maker-go/internal/store"
)

var (
	// ErrNonContiguousFill 仍在挂单的近档后面出现了已关闭的远档，算法不处理这种情况
	ErrNonContiguousFill = errors.New("non-contiguous fill")
	// ErrDegenerateGrid 计算出的步长不为正
	ErrDegenerateGrid = errors.New("grid step is not positive")
)

// Params 网格参数，启动时校验，运行期间只读
type Params struct {
	Symbol        string
	OrdersCount   int
	TradeAmount   decimal.Decimal
	MinimalProfit decimal.Decimal
	MaximalProfit decimal.Decimal
	Accumulate    AccumulateMode
	StopAfterPump bool
}

func (p Params) validate() error {
	if p.Symbol == "" {
		return errors.New("symbol is required")
	}
	if p.OrdersCount <= 0 {
		return fmt.Errorf("orders count must be > 0, got %d", p.OrdersCount)
	}
	if !p.TradeAmount.IsPositive() {
		return fmt.Errorf("trade amount must be > 0, got %s", p.TradeAmount)
	}
	if p.MaximalProfit.LessThan(p.MinimalProfit) {
		return fmt.Errorf("maximal profit %s < minimal profit %s", p.MaximalProfit, p.MinimalProfit)
	}
	_, err := ParseAccumulate(string(p.Accumulate))
	return err
}

// Retries 各类交易所调用的重试策略
type Retries struct {
	Network retry.Policy // 下单、撤单：只重试网络错误
	Orders  retry.Policy // 查询挂单：网络错误等待后重试，交易所错误立即重试
	Market  retry.Policy // 盘口：无流动性或网络错误等待后重试
}

// Action 一次周期的结果
type Action string

const (
	ActionBuild    Action = "build"
	ActionIdle     Action = "idle"     // 没有成交
	ActionHold     Action = "hold"     // 有成交但利润仍在区间内
	ActionRecenter Action = "recenter" // 重新居中
	ActionHalt     Action = "halt"     // stopAfterPump 触发
	ActionAbort    Action = "abort"    // 查询失败，状态未变
)

// Report 单次周期的摘要，用于日志、指标和状态推送
type Report struct {
	Action       Action           `json:"action"`
	StartedAt    time.Time        `json:"started_at"`
	Duration     time.Duration    `json:"duration"`
	ClosedSell   *int             `json:"closed_sell,omitempty"`
	ClosedBuy    *int             `json:"closed_buy,omitempty"`
	CycleProfit  *decimal.Decimal `json:"cycle_profit,omitempty"`
	Placed       int              `json:"placed"`
	Reused       int              `json:"reused"`
	Canceled     int              `json:"canceled"`
	Rejected     int              `json:"rejected"`
	Orphans      int              `json:"orphans"`
	SkippedSides []gateway.Side   `json:"skipped_sides,omitempty"`
	Anomalies    []error          `json:"-"`
	Warnings     []string         `json:"warnings,omitempty"`
	AvgPrice     decimal.Decimal  `json:"avg_price"`
	Delta        decimal.Decimal  `json:"delta"`
	Sells        int              `json:"sells"`
	Buys         int              `json:"buys"`
}

func (r *Report) anomaly(err error) {
	r.Anomalies = append(r.Anomalies, err)
	r.Warnings = append(r.Warnings, err.Error())
}

// GapError 描述一次非连续成交
type GapError struct {
	Side       gateway.Side
	Multiplier int
	ID         string
}

func (e *GapError) Error() string {
	return fmt.Sprintf("%v: %s order %s (multiplier %d) closed behind an open order", ErrNonContiguousFill, e.Side, e.ID, e.Multiplier)
}

func (e *GapError) Unwrap() error { return ErrNonContiguousFill }

// Recorder 指标回调
type Recorder interface {
	OrderPlaced(side gateway.Side)
	OrderRejected(side gateway.Side, reason string)
	OrderCanceled(reason string)
	FundsExhausted(side gateway.Side)
	OrphanFound()
	NonContiguousFill(side gateway.Side)
	RetryAttempt(op string)
	GridUpdated(avgPrice, delta decimal.Decimal, sells, buys int)
}

type nopRecorder struct{}

func (nopRecorder) OrderPlaced(gateway.Side) {}
func (nopRecorder) OrderRejected(gateway.Side, string) {}
func (nopRecorder) OrderCanceled(string) {}
func (nopRecorder) FundsExhausted(gateway.Side) {}
func (nopRecorder) OrphanFound() {}
func (nopRecorder) NonContiguousFill(gateway.Side) {}
func (nopRecorder) RetryAttempt(string) {}
func (nopRecorder) GridUpdated(decimal.Decimal, decimal.Decimal, int, int) {}

// Options 构造参数
type Options struct {
	Exchange        gateway.Exchange
	Store           store.Store
	Logger          *logger.Logger
	Recorder        Recorder
	Params          Params
	Retries         Retries
	RequestBalances bool
}

// Engine 网格引擎。RunCycle 串行执行，State 可并发读取。
type Engine struct {
	ex      gateway.Exchange
	st      store.Store
	log     *logger.Logger
	rec     Recorder
	params  Params
	retries Retries

	requestBalances atomic.Bool

	cycleMu sync.Mutex
	// 以下两项只在 cycleMu 内访问
	haltPending bool                // 停止过程被打断，下一轮继续
	gaps        map[string]struct{} // 已报告的非连续成交

	mu      sync.RWMutex
	state   State
	halted  bool
}

// New 校验参数并从存储恢复网格状态
func New(opts Options) (*Engine, error) {
	if opts.Exchange == nil || opts.Store == nil {
		return nil, errors.New("grid: exchange and store are required")
	}
	if err := opts.Params.validate(); err != nil {
		return nil, fmt.Errorf("grid params: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	st, err := LoadState(opts.Store)
	if err != nil {
		return nil, fmt.Errorf("load grid state: %w", err)
	}
	e := &Engine{
		ex:      opts.Exchange,
		st:      opts.Store,
		log:     opts.Logger,
		rec:     opts.Recorder,
		params:  opts.Params,
		retries: opts.Retries,
		state:   st,
		gaps:    make(map[string]struct{}),
	}
	e.requestBalances.Store(opts.RequestBalances)
	if err := st.CheckOrdering(); err != nil {
		e.log.Warn("persisted grid out of order", zap.Error(err))
	}
	e.log.Info("grid engine ready",
		zap.String("symbol", opts.Params.Symbol),
		zap.Int("sells", len(st.Sell)),
		zap.Int("buys", len(st.Buy)),
		zap.Stringer("avg_price", st.AvgPrice),
		zap.Stringer("delta", st.Delta))
	return e, nil
}

// State 当前网格快照
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Clone()
}

// Halted stopAfterPump 是否已触发
func (e *Engine) Halted() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.halted
}

// SetRequestBalances 运行时开关余额诊断日志
func (e *Engine) SetRequestBalances(v bool) {
	e.requestBalances.Store(v)
}

// RunCycle 执行一次完整的网格周期
func (e *Engine) RunCycle(ctx context.Context) (rep Report, err error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	rep.StartedAt = time.Now()
	defer func() {
		st := e.State()
		rep.Duration = time.Since(rep.StartedAt)
		rep.AvgPrice, rep.Delta = st.AvgPrice, st.Delta
		rep.Sells, rep.Buys = len(st.Sell), len(st.Buy)
	}()

	if e.Halted() {
		rep.Action = ActionHalt
		return rep, nil
	}
	market, err := e.ex.Market(e.params.Symbol)
	if err != nil {
		rep.Action = ActionAbort
		return rep, fmt.Errorf("market %s: %w", e.params.Symbol, err)
	}
	fee := FeeFactor(market.MakerFee)

	cur := e.State()
	if len(cur.Stale) > 0 {
		if err := e.drainStale(ctx, cur, &rep); err != nil {
			rep.Action = ActionAbort
			return rep, err
		}
		cur = e.State()
	}
	if cur.Empty() {
		err = e.build(ctx, fee, &rep)
	} else {
		err = e.reconcile(ctx, cur, fee, &rep)
	}
	if err != nil && rep.Action == "" {
		rep.Action = ActionAbort
	}
	return rep, err
}

// Reset 撤销所有受管订单（维护入口），中心价与步长保留
func (e *Engine) Reset(ctx context.Context) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	cur := e.State()
	e.log.Info("reset: canceling all grid orders", zap.Int("sells", len(cur.Sell)), zap.Int("buys", len(cur.Buy)))
	next := cur.Clone()
	next.Sell, _ = e.drain(ctx, next.Sell, "reset")
	next.Buy, _ = e.drain(ctx, next.Buy, "reset")
	next.Stale, _ = e.drain(ctx, next.Stale, "reset")
	if err := e.commitState(next); err != nil {
		return err
	}
	return ctx.Err()
}

// drainStale 撤掉上一轮重新居中时遗留的旧单
func (e *Engine) drainStale(ctx context.Context, cur State, rep *Report) error {
	e.log.Info("canceling replaced orders left by previous cycle", zap.Int("stale", len(cur.Stale)))
	next := cur.Clone()
	var n int
	next.Stale, n = e.drain(ctx, next.Stale, "replaced")
	rep.Canceled += n
	if err := e.commitState(next); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("stale orders: %w", err)
	}
	return nil
}

// commitState 替换内存状态并暂存到存储
func (e *Engine) commitState(next State) error {
	e.mu.Lock()
	e.state = next
	e.mu.Unlock()
	e.rec.GridUpdated(next.AvgPrice, next.Delta, len(next.Sell), len(next.Buy))
	if err := next.Save(e.st); err != nil {
		return fmt.Errorf("persist grid state: %w", err)
	}
	return nil
}

func (e *Engine) onRetry(p retry.Policy, op string) retry.Policy {
	p.OnRetry = func(attempt int, err error) {
		e.rec.RetryAttempt(op)
		e.log.Warn("retrying exchange call", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
	}
	return p
}

// networkOnly 下单与撤单只重试网络错误
func networkOnly(err error) retry.Decision {
	if gateway.IsNetwork(err) {
		return retry.Backoff
	}
	return retry.Abort
}

// queryDecision 查询类调用：网络错误等待，交易所错误立即重试
func queryDecision(err error) retry.Decision {
	switch {
	case errors.Is(err, gateway.ErrNoLiquidity), gateway.IsNetwork(err):
		return retry.Backoff
	case gateway.IsExchange(err):
		return retry.Retry
	default:
		return retry.Abort
	}
}

func intPtr(v int) *int { return &v }
