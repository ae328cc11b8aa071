package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-maker-go/gateway"
	"grid-maker-go/internal/grid"
	"grid-maker-go/internal/retry"
	"grid-maker-go/internal/store"
)

type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	c.advance(d)
	return nil
}

type step struct {
	took   time.Duration
	action grid.Action
	err    error
	halt   bool
}

// fakeCycler 按脚本执行周期，脚本用完后取消 ctx
type fakeCycler struct {
	clock  *fakeClock
	steps  []step
	cancel context.CancelFunc
	calls  int
	halted bool
}

func (f *fakeCycler) RunCycle(ctx context.Context) (grid.Report, error) {
	if f.calls >= len(f.steps) {
		f.cancel()
		return grid.Report{Action: grid.ActionAbort}, ctx.Err()
	}
	s := f.steps[f.calls]
	f.calls++
	start := f.clock.now()
	f.clock.advance(s.took)
	f.halted = s.halt
	return grid.Report{Action: s.action, StartedAt: start, Duration: s.took}, s.err
}

func (f *fakeCycler) Halted() bool { return f.halted }

type flakyMarkets struct {
	*gateway.PaperExchange
	failures int
	loads    int
}

func (f *flakyMarkets) LoadMarkets(ctx context.Context) error {
	f.loads++
	if f.loads <= f.failures {
		return &gateway.NetworkError{Op: "pair_settings", Err: errors.New("timeout")}
	}
	return f.PaperExchange.LoadMarkets(ctx)
}

type countingNotifier struct {
	ready, watchdog, stopping int
}

func (n *countingNotifier) Ready()    { n.ready++ }
func (n *countingNotifier) Watchdog() { n.watchdog++ }
func (n *countingNotifier) Stopping() { n.stopping++ }

type cycleRecorder struct {
	actions []string
	errs    int
	halted  bool
}

func (r *cycleRecorder) RecordCycle(action string, _ time.Duration, err error) {
	r.actions = append(r.actions, action)
	if err != nil {
		r.errs++
	}
}
func (r *cycleRecorder) SetHalted(v bool) { r.halted = v }

type harness struct {
	loop     *Loop
	clock    *fakeClock
	cycler   *fakeCycler
	exchange *flakyMarkets
	store    *store.MemoryStore
	notifier *countingNotifier
	recorder *cycleRecorder
	ctx      context.Context
}

func newHarness(t *testing.T, period time.Duration, steps ...step) *harness {
	t.Helper()
	paper, err := gateway.NewPaperExchange(gateway.PaperOptions{
		Symbol: "BTC/USD",
		Bid:    decimal.NewFromInt(100),
		Ask:    decimal.NewFromInt(102),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	h := &harness{
		clock:    clock,
		cycler:   &fakeCycler{clock: clock, steps: steps, cancel: cancel},
		exchange: &flakyMarkets{PaperExchange: paper},
		store:    store.NewMemoryStore(),
		notifier: &countingNotifier{},
		recorder: &cycleRecorder{},
		ctx:      ctx,
	}
	loop, err := New(Config{Symbol: "BTC/USD", Period: period}, Components{
		Engine:      h.cycler,
		Exchange:    h.exchange,
		Store:       h.store,
		Recorder:    h.recorder,
		Notifier:    h.notifier,
		MarketRetry: retry.Policy{MaxAttempts: 100, Delay: time.Second, Sleep: clock.sleep},
	})
	require.NoError(t, err)
	loop.now = clock.now
	loop.sleep = clock.sleep
	h.loop = loop
	return h
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Period: 0}, Components{})
	assert.Error(t, err)

	_, err = New(Config{Period: time.Second}, Components{})
	assert.Error(t, err)
}

func TestLoopSleepsRemainderOfPeriod(t *testing.T) {
	h := newHarness(t, 10*time.Second,
		step{took: 2 * time.Second, action: grid.ActionBuild},
		step{took: 3 * time.Second, action: grid.ActionIdle},
	)

	require.NoError(t, h.loop.Run(h.ctx))

	assert.Equal(t, []time.Duration{8 * time.Second, 7 * time.Second}, h.clock.sleeps)
	assert.Equal(t, 3, h.cycler.calls) // 第三次调用触发取消
	assert.Equal(t, StateStopped, h.loop.GetState())
	assert.Equal(t, 1, h.notifier.ready)
	assert.Equal(t, 1, h.notifier.stopping)
}

func TestLoopDoesNotCatchUpAfterOverrun(t *testing.T) {
	h := newHarness(t, 5*time.Second,
		step{took: 12 * time.Second, action: grid.ActionRecenter},
		step{took: time.Second, action: grid.ActionIdle},
	)

	require.NoError(t, h.loop.Run(h.ctx))

	// 超时的周期之后立即开始下一个，不补跑错过的周期
	assert.Equal(t, []time.Duration{4 * time.Second}, h.clock.sleeps)
	assert.Equal(t, []string{"recenter", "idle", "abort"}, h.recorder.actions)
}

func TestLoopCommitsAndPingsWatchdogEveryCycle(t *testing.T) {
	h := newHarness(t, time.Second,
		step{took: 0, action: grid.ActionBuild},
		step{took: 0, action: grid.ActionIdle},
	)

	require.NoError(t, h.loop.Run(h.ctx))

	assert.Equal(t, 3, h.store.Commits())
	assert.Equal(t, 3, h.notifier.watchdog)
}

func TestLoopExitsWhenHalted(t *testing.T) {
	h := newHarness(t, time.Second,
		step{took: 0, action: grid.ActionBuild},
		step{took: 0, action: grid.ActionHalt, halt: true},
		step{took: 0, action: grid.ActionIdle},
	)

	require.NoError(t, h.loop.Run(h.ctx))

	assert.Equal(t, 2, h.cycler.calls)
	assert.Equal(t, StateHalted, h.loop.GetState())
	assert.True(t, h.recorder.halted)
	assert.NoError(t, h.ctx.Err())
}

func TestLoopStopsOnPolicyError(t *testing.T) {
	h := newHarness(t, time.Second,
		step{took: 0, action: grid.ActionAbort, err: grid.ErrUnknownAccumulate},
		step{took: 0, action: grid.ActionIdle},
	)

	err := h.loop.Run(h.ctx)

	require.Error(t, err)
	assert.ErrorIs(t, err, grid.ErrUnknownAccumulate)
	assert.Equal(t, 1, h.cycler.calls)
	assert.Equal(t, 1, h.store.Commits())
}

func TestLoopContinuesAfterCycleError(t *testing.T) {
	h := newHarness(t, time.Second,
		step{took: 0, action: grid.ActionAbort, err: errors.New("order book unavailable")},
		step{took: 0, action: grid.ActionBuild},
	)

	require.NoError(t, h.loop.Run(h.ctx))

	stats := h.loop.Stats()
	assert.EqualValues(t, 3, stats.Cycles)
	assert.EqualValues(t, 2, stats.Errors) // 最后一次是取消
	assert.Equal(t, 2, h.recorder.errs)
}

func TestLoopRetriesMarketReload(t *testing.T) {
	h := newHarness(t, time.Second, step{took: 0, action: grid.ActionBuild})
	h.exchange.failures = 3

	require.NoError(t, h.loop.Run(h.ctx))

	assert.Equal(t, 4, h.exchange.loads)
	assert.Equal(t, 1, h.notifier.ready)
	// 三次重试等待 + 一次周期间隔
	assert.Len(t, h.clock.sleeps, 4)
}

func TestLoopUnknownSymbolIsFatal(t *testing.T) {
	h := newHarness(t, time.Second, step{took: 0, action: grid.ActionBuild})
	h.loop.config.Symbol = "ETH/EUR"

	err := h.loop.Run(h.ctx)

	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrUnknownMarket)
	assert.Equal(t, 0, h.cycler.calls)
	assert.Equal(t, 0, h.notifier.ready)
}

func TestLoopPublishesReports(t *testing.T) {
	h := newHarness(t, time.Second,
		step{took: time.Millisecond, action: grid.ActionBuild},
	)
	var got []grid.Action
	h.loop.comps.Publish = func(rep grid.Report, _ error) { got = append(got, rep.Action) }

	require.NoError(t, h.loop.Run(h.ctx))

	assert.Equal(t, []grid.Action{grid.ActionBuild, grid.ActionAbort}, got)
}

func TestLoopStopBeforeRun(t *testing.T) {
	h := newHarness(t, time.Second, step{took: 0, action: grid.ActionBuild})
	h.loop.Stop()
	h.loop.Stop()

	require.NoError(t, h.loop.Run(h.ctx))
	assert.LessOrEqual(t, h.cycler.calls, 1)
	assert.Equal(t, StateStopped, h.loop.GetState())

	assert.Error(t, h.loop.Run(h.ctx))
}

func TestEngineStateString(t *testing.T) {
	assert.Equal(t, "RUNNING", StateRunning.String())
	assert.Equal(t, "HALTED", StateHalted.String())
	assert.Equal(t, "UNKNOWN", EngineState(42).String())
}
