package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaperOptions 内存模拟交易所参数
type PaperOptions struct {
	Symbol          string
	Bid             decimal.Decimal
	Ask             decimal.Decimal
	MakerFee        decimal.Decimal
	PricePrecision  int32
	AmountPrecision int32
	Balances        map[string]decimal.Decimal // nil 表示不检查余额
}

// PaperExchange 撮合逻辑极简：卖单价格 <= bid 或买单价格 >= ask 时在 SetBidAsk 中全部成交。
// 下单冻结资金，不足时返回 ErrInsufficientFunds。
type PaperExchange struct {
	mu        sync.Mutex
	market    Market
	bid       decimal.Decimal
	ask       decimal.Decimal
	free      map[string]decimal.Decimal
	open      map[string]paperOrder
	closed    map[string]time.Time
	seq       int
	now       func() time.Time
	newID     func() string
	marketOK  bool
	unlimited bool
}

type paperOrder struct {
	Order
	seq int
}

// NewPaperExchange 创建模拟交易所
func NewPaperExchange(opts PaperOptions) (*PaperExchange, error) {
	base, quote, err := splitSymbol(opts.Symbol)
	if err != nil {
		return nil, err
	}
	if opts.PricePrecision <= 0 {
		opts.PricePrecision = 8
	}
	if opts.AmountPrecision <= 0 {
		opts.AmountPrecision = 8
	}
	free := make(map[string]decimal.Decimal, len(opts.Balances))
	for k, v := range opts.Balances {
		free[k] = v
	}
	return &PaperExchange{
		market: Market{
			Symbol:          opts.Symbol,
			Base:            base,
			Quote:           quote,
			PricePrecision:  opts.PricePrecision,
			AmountPrecision: opts.AmountPrecision,
			MakerFee:        opts.MakerFee,
		},
		bid:       opts.Bid,
		ask:       opts.Ask,
		free:      free,
		open:      make(map[string]paperOrder),
		closed:    make(map[string]time.Time),
		now:       time.Now,
		newID:     uuid.NewString,
		unlimited: opts.Balances == nil,
	}, nil
}

func splitSymbol(symbol string) (string, string, error) {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '/' {
			return symbol[:i], symbol[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("%w: %s", ErrUnknownMarket, symbol)
}

func (p *PaperExchange) Name() string { return "paper" }

func (p *PaperExchange) LoadMarkets(ctx context.Context) error {
	p.mu.Lock()
	p.marketOK = true
	p.mu.Unlock()
	return ctx.Err()
}

func (p *PaperExchange) Market(symbol string) (Market, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.marketOK || symbol != p.market.Symbol {
		return Market{}, fmt.Errorf("%w: %s", ErrUnknownMarket, symbol)
	}
	return p.market, nil
}

func (p *PaperExchange) BestBidAsk(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.bid.IsPositive() || !p.ask.IsPositive() {
		return decimal.Zero, decimal.Zero, ErrNoLiquidity
	}
	return p.bid, p.ask, nil
}

func (p *PaperExchange) PlaceLimit(ctx context.Context, symbol string, side Side, amount, price decimal.Decimal) (string, error) {
	m, err := p.Market(symbol)
	if err != nil {
		return "", err
	}
	price, amount = m.Normalize(price, amount)
	if err := m.Validate(price, amount); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	asset, cost := p.reservation(side, amount, price)
	if !p.unlimited && p.free[asset].LessThan(cost) {
		return "", &ExchangeError{
			Op:      "place " + string(side),
			Message: fmt.Sprintf("need %s %s, free %s", cost, asset, p.free[asset]),
			Err:     ErrInsufficientFunds,
		}
	}
	p.free[asset] = p.free[asset].Sub(cost)
	p.seq++
	id := p.newID()
	p.open[id] = paperOrder{
		Order: Order{ID: id, Symbol: symbol, Side: side, Price: price, Amount: amount},
		seq:   p.seq,
	}
	return id, nil
}

func (p *PaperExchange) reservation(side Side, amount, price decimal.Decimal) (string, decimal.Decimal) {
	if side == Sell {
		return p.market.Base, amount
	}
	return p.market.Quote, amount.Mul(price)
}

func (p *PaperExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.open[orderID]
	if !ok {
		return &ExchangeError{Op: "cancel", Message: fmt.Sprintf("order %s not found", orderID)}
	}
	asset, cost := p.reservation(o.Side, o.Amount, o.Price)
	p.free[asset] = p.free[asset].Add(cost)
	delete(p.open, orderID)
	p.closed[orderID] = p.now()
	return nil
}

func (p *PaperExchange) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := make([]paperOrder, 0, len(p.open))
	for _, o := range p.open {
		if o.Symbol == symbol {
			list = append(list, o)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	out := make([]Order, len(list))
	for i, o := range list {
		out[i] = o.Order
	}
	return out, nil
}

func (p *PaperExchange) Balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(p.free))
	for k, v := range p.free {
		out[k] = v
	}
	return out, nil
}

// SetBidAsk 移动盘口并撮合穿价挂单，返回成交的订单 id
func (p *PaperExchange) SetBidAsk(bid, ask decimal.Decimal) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bid, p.ask = bid, ask
	var filled []string
	for id, o := range p.open {
		if (o.Side == Sell && o.Price.LessThanOrEqual(bid)) || (o.Side == Buy && o.Price.GreaterThanOrEqual(ask)) {
			p.fillLocked(id)
			filled = append(filled, id)
		}
	}
	sort.Strings(filled)
	return filled
}

// Fill 强制成交指定订单
func (p *PaperExchange) Fill(orderID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.open[orderID]; !ok {
		return false
	}
	p.fillLocked(orderID)
	return true
}

func (p *PaperExchange) fillLocked(id string) {
	o := p.open[id]
	keep := decimal.NewFromInt(1).Sub(p.market.MakerFee)
	if o.Side == Sell {
		p.free[p.market.Quote] = p.free[p.market.Quote].Add(o.Amount.Mul(o.Price).Mul(keep))
	} else {
		p.free[p.market.Base] = p.free[p.market.Base].Add(o.Amount.Mul(keep))
	}
	delete(p.open, id)
	p.closed[id] = p.now()
}

// PurgeCache 清理早于 before 的已关闭订单记录
func (p *PaperExchange) PurgeCache(before time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for id, at := range p.closed {
		if at.Before(before) {
			delete(p.closed, id)
			n++
		}
	}
	return n
}
