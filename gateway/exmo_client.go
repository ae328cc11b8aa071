package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const DefaultExmoBaseURL = "https://api.exmo.com/v1.1"

// NonceSource 返回严格递增的 nonce，通常由持久化存储提供
type NonceSource func(ctx context.Context) (int64, error)

// ExmoClient EXMO v1.1 REST 客户端。私有接口使用 form POST + nonce，
// Key/Sign 头，Sign 为 HMAC-SHA512(secret, body) 的 hex。
type ExmoClient struct {
	BaseURL         string
	APIKey          string
	Secret          string
	HTTPClient      *http.Client
	Nonce           NonceSource
	Limiter         RateLimiter
	AmountPrecision int32 // 交易所不返回数量精度时使用
	// Observe 可选，每次请求结束后回调（指标）
	Observe func(op string, d time.Duration, err error)

	mu      sync.RWMutex
	markets map[string]Market
	cache   map[string]cachedOrder
}

type cachedOrder struct {
	order  Order
	open   bool
	seenAt time.Time
}

// NewExmoClient 创建客户端
func NewExmoClient(baseURL, key, secret string, timeout time.Duration, nonce NonceSource, limiter RateLimiter) *ExmoClient {
	if baseURL == "" {
		baseURL = DefaultExmoBaseURL
	}
	if limiter == nil {
		limiter = noopLimiter{}
	}
	return &ExmoClient{
		BaseURL:         strings.TrimRight(baseURL, "/"),
		APIKey:          key,
		Secret:          secret,
		HTTPClient:      &http.Client{Timeout: timeout},
		Nonce:           nonce,
		Limiter:         limiter,
		AmountPrecision: 8,
		markets:         make(map[string]Market),
		cache:           make(map[string]cachedOrder),
	}
}

func (c *ExmoClient) Name() string { return "exmo" }

// PairOf BTC/USD -> BTC_USD
func PairOf(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "_")
}

// pair_settings 缺少 price_precision 时使用
const defaultPricePrecision int32 = 8

type pairSettings struct {
	MinQuantity    decimal.Decimal `json:"min_quantity"`
	MaxQuantity    decimal.Decimal `json:"max_quantity"`
	MinPrice       decimal.Decimal `json:"min_price"`
	MaxPrice       decimal.Decimal `json:"max_price"`
	MinAmount      decimal.Decimal `json:"min_amount"`
	PricePrecision *int32          `json:"price_precision"`
	MakerPercent   decimal.Decimal `json:"commission_maker_percent"`
}

// LoadMarkets 拉取 pair_settings
func (c *ExmoClient) LoadMarkets(ctx context.Context) error {
	var settings map[string]pairSettings
	if err := c.public(ctx, "pair_settings", nil, &settings); err != nil {
		return err
	}
	markets := make(map[string]Market, len(settings))
	hundred := decimal.NewFromInt(100)
	for pair, s := range settings {
		parts := strings.SplitN(pair, "_", 2)
		if len(parts) != 2 {
			continue
		}
		symbol := parts[0] + "/" + parts[1]
		pricePrecision := defaultPricePrecision
		if s.PricePrecision != nil {
			pricePrecision = *s.PricePrecision
		}
		markets[symbol] = Market{
			Symbol:          symbol,
			Base:            parts[0],
			Quote:           parts[1],
			PricePrecision:  pricePrecision,
			AmountPrecision: c.AmountPrecision,
			MinQty:          s.MinQuantity,
			MaxQty:          s.MaxQuantity,
			MinPrice:        s.MinPrice,
			MaxPrice:        s.MaxPrice,
			MinNotional:     s.MinAmount,
			MakerFee:        s.MakerPercent.Div(hundred),
		}
	}
	c.mu.Lock()
	c.markets = markets
	c.mu.Unlock()
	return nil
}

func (c *ExmoClient) Market(symbol string) (Market, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.markets[symbol]
	if !ok {
		return Market{}, fmt.Errorf("%w: %s", ErrUnknownMarket, symbol)
	}
	return m, nil
}

type bookSide [][]decimal.Decimal

type orderBook struct {
	Ask bookSide `json:"ask"`
	Bid bookSide `json:"bid"`
}

// BestBidAsk order_book limit=1
func (c *ExmoClient) BestBidAsk(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	pair := PairOf(symbol)
	var books map[string]orderBook
	q := url.Values{"pair": {pair}, "limit": {"1"}}
	if err := c.public(ctx, "order_book", q, &books); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	book, ok := books[pair]
	if !ok || len(book.Bid) == 0 || len(book.Ask) == 0 || len(book.Bid[0]) == 0 || len(book.Ask[0]) == 0 {
		return decimal.Zero, decimal.Zero, ErrNoLiquidity
	}
	return book.Bid[0][0], book.Ask[0][0], nil
}

// PlaceLimit order_create
func (c *ExmoClient) PlaceLimit(ctx context.Context, symbol string, side Side, amount, price decimal.Decimal) (string, error) {
	m, err := c.Market(symbol)
	if err != nil {
		return "", err
	}
	price, amount = m.Normalize(price, amount)
	if err := m.Validate(price, amount); err != nil {
		return "", err
	}
	params := url.Values{
		"pair":     {PairOf(symbol)},
		"quantity": {amount.String()},
		"price":    {price.String()},
		"type":     {string(side)},
	}
	var resp struct {
		OrderID flexString `json:"order_id"`
	}
	if err := c.private(ctx, "order_create", params, &resp); err != nil {
		return "", err
	}
	id := string(resp.OrderID)
	if id == "" || id == "0" {
		return "", &ExchangeError{Op: "order_create", Message: "empty order_id"}
	}
	c.remember(Order{ID: id, Symbol: symbol, Side: side, Price: price, Amount: amount}, true)
	return id, nil
}

// CancelOrder order_cancel
func (c *ExmoClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := c.private(ctx, "order_cancel", url.Values{"order_id": {orderID}}, nil); err != nil {
		return err
	}
	c.remember(Order{ID: orderID, Symbol: symbol}, false)
	return nil
}

type openOrder struct {
	OrderID  flexString      `json:"order_id"`
	Type     string          `json:"type"`
	Pair     string          `json:"pair"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OpenOrders user_open_orders，只返回 symbol 对应交易对
func (c *ExmoClient) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	var byPair map[string][]openOrder
	if err := c.private(ctx, "user_open_orders", url.Values{}, &byPair); err != nil {
		return nil, err
	}
	raw := byPair[PairOf(symbol)]
	orders := make([]Order, 0, len(raw))
	open := make(map[string]struct{}, len(raw))
	for _, o := range raw {
		order := Order{
			ID:     string(o.OrderID),
			Symbol: symbol,
			Side:   Side(o.Type),
			Price:  o.Price,
			Amount: o.Quantity,
		}
		orders = append(orders, order)
		open[order.ID] = struct{}{}
	}
	c.syncCache(symbol, orders, open)
	return orders, nil
}

// Balances user_info
func (c *ExmoClient) Balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	var resp struct {
		Balances map[string]decimal.Decimal `json:"balances"`
	}
	if err := c.private(ctx, "user_info", url.Values{}, &resp); err != nil {
		return nil, err
	}
	return resp.Balances, nil
}

// PurgeCache 清理已关闭且早于 before 的缓存订单
func (c *ExmoClient) PurgeCache(before time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	purged := 0
	for id, co := range c.cache {
		if !co.open && co.seenAt.Before(before) {
			delete(c.cache, id)
			purged++
		}
	}
	return purged
}

// CachedOrders 缓存中的订单数量
func (c *ExmoClient) CachedOrders() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

func (c *ExmoClient) remember(o Order, open bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.cache[o.ID]; ok && !open {
		o = prev.order
	}
	c.cache[o.ID] = cachedOrder{order: o, open: open, seenAt: time.Now()}
}

func (c *ExmoClient) syncCache(symbol string, orders []Order, open map[string]struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for id, co := range c.cache {
		if _, ok := open[id]; !ok && co.open && co.order.Symbol == symbol {
			co.open = false
			co.seenAt = now
			c.cache[id] = co
		}
	}
	for _, o := range orders {
		c.cache[o.ID] = cachedOrder{order: o, open: true, seenAt: now}
	}
}

func (c *ExmoClient) public(ctx context.Context, method string, q url.Values, out interface{}) error {
	endpoint := c.BaseURL + "/" + method
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &NetworkError{Op: method, Err: err}
	}
	return c.do(req, method, out)
}

func (c *ExmoClient) private(ctx context.Context, method string, params url.Values, out interface{}) error {
	if c.Nonce == nil {
		return &ExchangeError{Op: method, Message: "nonce source not configured"}
	}
	nonce, err := c.Nonce(ctx)
	if err != nil {
		return fmt.Errorf("%s: nonce: %w", method, err)
	}
	params.Set("nonce", strconv.FormatInt(nonce, 10))
	body := params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/"+method, bytes.NewBufferString(body))
	if err != nil {
		return &NetworkError{Op: method, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Key", c.APIKey)
	req.Header.Set("Sign", Sign(body, c.Secret))
	return c.do(req, method, out)
}

// Sign hex(HMAC-SHA512(secret, body))
func Sign(body, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *ExmoClient) do(req *http.Request, op string, out interface{}) (err error) {
	if err := c.Limiter.Wait(req.Context()); err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	if c.Observe != nil {
		start := time.Now()
		defer func() { c.Observe(op, time.Since(start), err) }()
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &NetworkError{Op: op, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 300 {
		return &ExchangeError{Op: op, Code: strconv.Itoa(resp.StatusCode), Message: strings.TrimSpace(string(raw))}
	}
	if err := checkResult(op, raw); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ExchangeError{Op: op, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}

// checkResult 解析 {"result":false,"error":"Error 50052: Insufficient funds"}
func checkResult(op string, raw []byte) error {
	var envelope struct {
		Result *bool  `json:"result"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		// 非对象响应（如数组）交给调用方解码
		return nil
	}
	if envelope.Error == "" && (envelope.Result == nil || *envelope.Result) {
		return nil
	}
	code, msg := splitExmoError(envelope.Error)
	ee := &ExchangeError{Op: op, Code: code, Message: msg}
	if code == "50052" || strings.Contains(strings.ToLower(msg), "insufficient funds") {
		ee.Err = ErrInsufficientFunds
	}
	return ee
}

func splitExmoError(s string) (code, msg string) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "Error ") {
		return "", s
	}
	rest := strings.TrimPrefix(s, "Error ")
	idx := strings.Index(rest, ":")
	if idx < 0 {
		return "", s
	}
	return rest[:idx], strings.TrimSpace(rest[idx+1:])
}

// flexString 兼容数字或字符串形式的 id
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.New("order id is neither string nor number")
	}
	*f = flexString(n.String())
	return nil
}
