package grid

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"grid-maker-go/gateway"
	"grid-maker-go/internal/retry"
	"grid-maker-go/internal/store"
)

type placed struct {
	ID     string
	Side   gateway.Side
	Amount decimal.Decimal
	Price  decimal.Decimal
}

// fakeExchange 可编排失败的交易所，不做精度处理
type fakeExchange struct {
	mu       sync.Mutex
	market   gateway.Market
	bid, ask decimal.Decimal
	open     map[string]gateway.Order
	seq      int

	placed   []placed
	canceled []string
	attempts map[gateway.Side]int

	bidAskErrs []error
	openErrs   []error
	// placeErr 返回非 nil 时本次下单失败，n 为该方向第 n 次尝试（从 1 开始）
	placeErr  func(side gateway.Side, n int, price decimal.Decimal) error
	cancelErr func(id string) error
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		market: gateway.Market{
			Symbol:          "BTC/USD",
			Base:            "BTC",
			Quote:           "USD",
			PricePrecision:  8,
			AmountPrecision: 8,
			MakerFee:        decimal.RequireFromString("0.001"),
		},
		bid:      decimal.NewFromInt(100),
		ask:      decimal.NewFromInt(102),
		open:     make(map[string]gateway.Order),
		attempts: make(map[gateway.Side]int),
	}
}

func (f *fakeExchange) Name() string { return "fake" }

func (f *fakeExchange) LoadMarkets(ctx context.Context) error { return nil }

func (f *fakeExchange) Market(symbol string) (gateway.Market, error) {
	if symbol != f.market.Symbol {
		return gateway.Market{}, gateway.ErrUnknownMarket
	}
	return f.market, nil
}

func (f *fakeExchange) BestBidAsk(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.bidAskErrs) > 0 {
		err := f.bidAskErrs[0]
		f.bidAskErrs = f.bidAskErrs[1:]
		return decimal.Zero, decimal.Zero, err
	}
	return f.bid, f.ask, nil
}

func (f *fakeExchange) PlaceLimit(ctx context.Context, symbol string, side gateway.Side, amount, price decimal.Decimal) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[side]++
	if f.placeErr != nil {
		if err := f.placeErr(side, f.attempts[side], price); err != nil {
			return "", err
		}
	}
	f.seq++
	id := fmt.Sprintf("o%d", f.seq)
	f.open[id] = gateway.Order{ID: id, Symbol: symbol, Side: side, Price: price, Amount: amount}
	f.placed = append(f.placed, placed{ID: id, Side: side, Amount: amount, Price: price})
	return id, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, symbol, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		if err := f.cancelErr(id); err != nil {
			return err
		}
	}
	if _, ok := f.open[id]; !ok {
		return &gateway.ExchangeError{Op: "cancel", Message: "order not found"}
	}
	delete(f.open, id)
	f.canceled = append(f.canceled, id)
	return nil
}

func (f *fakeExchange) OpenOrders(ctx context.Context, symbol string) ([]gateway.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.openErrs) > 0 {
		err := f.openErrs[0]
		f.openErrs = f.openErrs[1:]
		return nil, err
	}
	ids := make([]string, 0, len(f.open))
	for id := range f.open {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]gateway.Order, len(ids))
	for i, id := range ids {
		out[i] = f.open[id]
	}
	return out, nil
}

func (f *fakeExchange) Balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	return map[string]decimal.Decimal{"BTC": decimal.NewFromInt(1), "USD": decimal.NewFromInt(1000)}, nil
}

// fill 模拟成交：从挂单中移除
func (f *fakeExchange) fill(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.open, id)
	}
}

// inject 模拟一个不属于网格的挂单
func (f *fakeExchange) inject(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open[id] = gateway.Order{ID: id, Symbol: f.market.Symbol, Side: gateway.Buy}
}

func (f *fakeExchange) isOpen(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.open[id]
	return ok
}

type sleepRecorder struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.calls = append(s.calls, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func testRetries(s *sleepRecorder, attempts int) Retries {
	return Retries{
		Network: retry.Policy{MaxAttempts: attempts, Sleep: s.sleep},
		Orders:  retry.Policy{MaxAttempts: attempts, Delay: 10 * time.Second, Sleep: s.sleep},
		Market:  retry.Policy{MaxAttempts: attempts, Delay: time.Second, Sleep: s.sleep},
	}
}

func testParams(n int, minProfit, maxProfit string) Params {
	return Params{
		Symbol:        "BTC/USD",
		OrdersCount:   n,
		TradeAmount:   decimal.RequireFromString("0.01"),
		MinimalProfit: decimal.RequireFromString(minProfit),
		MaximalProfit: decimal.RequireFromString(maxProfit),
		Accumulate:    AccumulateAll,
	}
}

type harness struct {
	ex     *fakeExchange
	st     *store.MemoryStore
	sleeps *sleepRecorder
	rec    *countingRecorder
	engine *Engine
}

func newHarness(t *testing.T, p Params) *harness {
	t.Helper()
	h := &harness{
		ex:     newFakeExchange(),
		st:     store.NewMemoryStore(),
		sleeps: &sleepRecorder{},
		rec:    &countingRecorder{},
	}
	e, err := New(Options{
		Exchange: h.ex,
		Store:    h.st,
		Recorder: h.rec,
		Params:   p,
		Retries:  testRetries(h.sleeps, 5),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	h.engine = e
	return h
}

type countingRecorder struct {
	mu            sync.Mutex
	placed        int
	rejected      int
	canceled      map[string]int
	fundsSkips    int
	orphans       int
	gaps          int
	retries       map[string]int
	lastSells     int
	lastBuys      int
	gridUpdateCnt int
}

func (c *countingRecorder) OrderPlaced(gateway.Side) { c.mu.Lock(); c.placed++; c.mu.Unlock() }
func (c *countingRecorder) OrderRejected(gateway.Side, string) {
	c.mu.Lock()
	c.rejected++
	c.mu.Unlock()
}
func (c *countingRecorder) OrderCanceled(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.canceled == nil {
		c.canceled = make(map[string]int)
	}
	c.canceled[reason]++
}
func (c *countingRecorder) FundsExhausted(gateway.Side) { c.mu.Lock(); c.fundsSkips++; c.mu.Unlock() }
func (c *countingRecorder) OrphanFound()                { c.mu.Lock(); c.orphans++; c.mu.Unlock() }
func (c *countingRecorder) NonContiguousFill(gateway.Side) {
	c.mu.Lock()
	c.gaps++
	c.mu.Unlock()
}
func (c *countingRecorder) RetryAttempt(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retries == nil {
		c.retries = make(map[string]int)
	}
	c.retries[op]++
}
func (c *countingRecorder) GridUpdated(_, _ decimal.Decimal, sells, buys int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSells, c.lastBuys = sells, buys
	c.gridUpdateCnt++
}
