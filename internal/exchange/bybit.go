package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/atlas-desktop/breakout-engine/internal/ratelimiter"
	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"go.uber.org/zap"
)

// BybitConfig configures the REST client's credentials and venue.
type BybitConfig struct {
	APIKey    string
	APISecret string
	BaseURL   string // e.g. https://api.bybit.com or https://api-testnet.bybit.com
	Category  string // bybit v5 product category: "linear" for USDT perpetuals
}

// DefaultBybitConfig returns the linear-perpetual mainnet defaults.
func DefaultBybitConfig() BybitConfig {
	return BybitConfig{
		BaseURL:  "https://api.bybit.com",
		Category: "linear",
	}
}

// BybitClient is the concrete REST implementation of Client against Bybit's v5 API:
// an http.Client with timeout, HMAC-SHA256 request signing over
// timestamp+apiKey+recvWindow+payload, and per-category rate-limiter pacing on
// every request.
type BybitClient struct {
	logger  *zap.Logger
	cfg     BybitConfig
	http    *http.Client
	limiter *ratelimiter.RateLimiter
}

// NewBybit constructs a BybitClient. limiter paces every request by the category
// ratelimiter.ClassifyPath assigns its endpoint to.
func NewBybit(logger *zap.Logger, cfg BybitConfig, limiter *ratelimiter.RateLimiter) *BybitClient {
	return &BybitClient{
		logger:  logger.Named("bybit"),
		cfg:     cfg,
		http:    &http.Client{Timeout: 15 * time.Second},
		limiter: limiter,
	}
}

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (c *BybitClient) sign(payload string) string {
	h := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// do executes a request with the given method, query params and body, signed when signed is set.
func (c *BybitClient) do(ctx context.Context, method, path string, query url.Values, body []byte, signed bool) (json.RawMessage, error) {
	category := ratelimiter.ClassifyPath(path)
	if err := c.limiter.WaitIfNeeded(ctx, category, path); err != nil {
		return nil, err
	}

	reqURL := c.cfg.BaseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = newBytesReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
		recvWindow := "5000"
		payload := ts + c.cfg.APIKey + recvWindow + query.Encode() + string(body)
		req.Header.Set("X-BAPI-API-KEY", c.cfg.APIKey)
		req.Header.Set("X-BAPI-TIMESTAMP", ts)
		req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
		req.Header.Set("X-BAPI-SIGN", c.sign(payload))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bybit %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("bybit %s %s: read body: %w", method, path, err)
	}

	var env bybitEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("bybit %s %s: decode envelope: %w", method, path, err)
	}
	if env.RetCode != 0 {
		return nil, fmt.Errorf("bybit %s %s: retCode=%d retMsg=%s", method, path, env.RetCode, env.RetMsg)
	}
	return env.Result, nil
}

func newBytesReader(b []byte) io.Reader { return &byteReader{b: b} }

type byteReader struct {
	b []byte
	i int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}

var _ Client = (*BybitClient)(nil)

// FetchOHLCV fetches recent klines, oldest first.
func (c *BybitClient) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int, since *int64) ([]types.Candle, error) {
	q := url.Values{}
	q.Set("category", c.cfg.Category)
	q.Set("symbol", symbol)
	q.Set("interval", bybitInterval(timeframe))
	q.Set("limit", strconv.Itoa(limit))
	if since != nil {
		q.Set("start", strconv.FormatInt(*since, 10))
	}

	raw, err := c.do(ctx, http.MethodGet, "/v5/market/kline", q, nil, false)
	if err != nil {
		return nil, err
	}

	var body struct {
		List [][]string `json:"list"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode kline: %w", err)
	}

	candles := make([]types.Candle, 0, len(body.List))
	for i := len(body.List) - 1; i >= 0; i-- { // bybit returns newest-first
		row := body.List[i]
		if len(row) < 6 {
			continue
		}
		ts, _ := strconv.ParseInt(row[0], 10, 64)
		candles = append(candles, types.Candle{
			Ts:     ts,
			Open:   parseFloat(row[1]),
			High:   parseFloat(row[2]),
			Low:    parseFloat(row[3]),
			Close:  parseFloat(row[4]),
			Volume: parseFloat(row[5]),
		})
	}
	return candles, nil
}

// FetchOrderBook fetches a depth snapshot and aggregates it into the normalized
// ±0.3%/±0.5% notional bands.
func (c *BybitClient) FetchOrderBook(ctx context.Context, symbol string, limit int) (*types.L2Depth, error) {
	q := url.Values{}
	q.Set("category", c.cfg.Category)
	q.Set("symbol", symbol)
	q.Set("limit", strconv.Itoa(limit))

	raw, err := c.do(ctx, http.MethodGet, "/v5/market/orderbook", q, nil, false)
	if err != nil {
		return nil, err
	}

	var body struct {
		Bids [][2]string `json:"b"`
		Asks [][2]string `json:"a"`
		Ts   int64       `json:"ts"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode orderbook: %w", err)
	}
	return aggregateDepth(body.Bids, body.Asks, body.Ts), nil
}

func aggregateDepth(bids, asks [][2]string, tsMs int64) *types.L2Depth {
	d := &types.L2Depth{Timestamp: tsMs}
	if len(bids) > 0 {
		d.BestBid = parseFloat(bids[0][0])
	}
	if len(asks) > 0 {
		d.BestAsk = parseFloat(asks[0][0])
	}
	if d.BestBid > 0 && d.BestAsk > 0 {
		mid := (d.BestBid + d.BestAsk) / 2
		d.SpreadBps = (d.BestAsk - d.BestBid) / mid * 10000

		bid3, bid5 := bandNotional(bids, mid, -0.003), bandNotional(bids, mid, -0.005)
		ask3, ask5 := bandNotional(asks, mid, 0.003), bandNotional(asks, mid, 0.005)
		d.BidUSD0_3Pct, d.AskUSD0_3Pct = bid3, ask3
		d.BidUSD0_5Pct, d.AskUSD0_5Pct = bid5, ask5
		if bid3+ask3 > 0 {
			d.Imbalance = (bid3 - ask3) / (bid3 + ask3)
		}
	}
	return d
}

// bandNotional sums price*size notional for levels within pct of mid (pct negative
// for the bid side, positive for the ask side).
func bandNotional(levels [][2]string, mid, pct float64) float64 {
	bound := mid * (1 + pct)
	total := 0.0
	for _, lvl := range levels {
		price := parseFloat(lvl[0])
		size := parseFloat(lvl[1])
		if pct < 0 && price < bound {
			break
		}
		if pct > 0 && price > bound {
			break
		}
		total += price * size
	}
	return total
}

// FetchTicker fetches the normalized 24h ticker.
func (c *BybitClient) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	q := url.Values{}
	q.Set("category", c.cfg.Category)
	q.Set("symbol", symbol)

	raw, err := c.do(ctx, http.MethodGet, "/v5/market/tickers", q, nil, false)
	if err != nil {
		return nil, err
	}

	var body struct {
		List []struct {
			LastPrice    string `json:"lastPrice"`
			Bid1Price    string `json:"bid1Price"`
			Ask1Price    string `json:"ask1Price"`
			Turnover24h  string `json:"turnover24h"`
			Price24hPcnt string `json:"price24hPcnt"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode ticker: %w", err)
	}
	if len(body.List) == 0 {
		return nil, fmt.Errorf("bybit ticker: no data for %s", symbol)
	}
	row := body.List[0]
	bid, ask, vol, pct := parseFloat(row.Bid1Price), parseFloat(row.Ask1Price), parseFloat(row.Turnover24h), parseFloat(row.Price24hPcnt)
	return &Ticker{
		Last:        parseFloat(row.LastPrice),
		Bid:         &bid,
		Ask:         &ask,
		QuoteVolume: &vol,
		Percentage:  &pct,
	}, nil
}

// FetchOpenInterest fetches the latest open-interest value.
func (c *BybitClient) FetchOpenInterest(ctx context.Context, symbol string) (*OpenInterest, error) {
	q := url.Values{}
	q.Set("category", c.cfg.Category)
	q.Set("symbol", symbol)
	q.Set("intervalTime", "5min")
	q.Set("limit", "1")

	raw, err := c.do(ctx, http.MethodGet, "/v5/market/open-interest", q, nil, false)
	if err != nil {
		return nil, err
	}

	var body struct {
		List []struct {
			OpenInterest string `json:"openInterest"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode open interest: %w", err)
	}
	if len(body.List) == 0 {
		return &OpenInterest{}, nil
	}
	oi := parseFloat(body.List[0].OpenInterest)
	return &OpenInterest{OpenInterestValue: &oi}, nil
}

// FetchMarkets fetches the instrument universe for c.cfg.Category.
func (c *BybitClient) FetchMarkets(ctx context.Context) ([]MarketMeta, error) {
	q := url.Values{}
	q.Set("category", c.cfg.Category)

	raw, err := c.do(ctx, http.MethodGet, "/v5/market/instruments-info", q, nil, false)
	if err != nil {
		return nil, err
	}

	var body struct {
		List []struct {
			Symbol     string `json:"symbol"`
			Status     string `json:"status"`
			LotSizeFilter struct {
				MinOrderQty string `json:"minOrderQty"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode instruments: %w", err)
	}

	markets := make([]MarketMeta, 0, len(body.List))
	for _, m := range body.List {
		markets = append(markets, MarketMeta{
			Symbol:       m.Symbol,
			Contract:     true,
			Linear:       c.cfg.Category == "linear",
			ContractSize: 1,
			Active:       m.Status == "Trading",
			Status:       m.Status,
		})
	}
	return markets, nil
}

// FetchBalance fetches available balance for currency in the unified trading account.
func (c *BybitClient) FetchBalance(ctx context.Context, currency string) (float64, error) {
	q := url.Values{}
	q.Set("accountType", "UNIFIED")
	q.Set("coin", currency)

	raw, err := c.do(ctx, http.MethodGet, "/v5/account/wallet-balance", q, nil, true)
	if err != nil {
		return 0, err
	}

	var body struct {
		List []struct {
			Coin []struct {
				Coin            string `json:"coin"`
				WalletBalance   string `json:"walletBalance"`
				AvailableToWithdraw string `json:"availableToWithdraw"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return 0, fmt.Errorf("decode wallet balance: %w", err)
	}
	for _, acct := range body.List {
		for _, coin := range acct.Coin {
			if coin.Coin == currency {
				return parseFloat(coin.AvailableToWithdraw), nil
			}
		}
	}
	return 0, fmt.Errorf("bybit balance: %s not found", currency)
}

// CreateOrder places an order, defaulting to one-way mode (positionIdx=0).
func (c *BybitClient) CreateOrder(ctx context.Context, symbol string, orderType types.OrderType, side types.OrderSide, amount float64, price *float64, params CreateOrderParams) (*RawOrder, error) {
	body := map[string]any{
		"category":    c.cfg.Category,
		"symbol":      symbol,
		"side":        bybitSide(side),
		"orderType":   bybitOrderType(orderType),
		"qty":         strconv.FormatFloat(amount, 'f', -1, 64),
		"positionIdx": 0,
	}
	if price != nil {
		body["price"] = strconv.FormatFloat(*price, 'f', -1, 64)
	}
	if params.ReduceOnly {
		body["reduceOnly"] = true
	}
	if params.PostOnly {
		body["timeInForce"] = "PostOnly"
	} else if params.TimeInForce != "" {
		body["timeInForce"] = bybitTIF(params.TimeInForce)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	raw, err := c.do(ctx, http.MethodPost, "/v5/order/create", nil, payload, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode create-order: %w", err)
	}

	return &RawOrder{
		ExchangeID: resp.OrderID,
		Status:     types.OrderOpen,
	}, nil
}

// CancelOrder cancels orderID. Returns true on success; any exchange error, including
// one for an order that is already gone, is returned as (false, err).
func (c *BybitClient) CancelOrder(ctx context.Context, orderID, symbol string) (bool, error) {
	body := map[string]any{
		"category": c.cfg.Category,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return false, err
	}

	_, err = c.do(ctx, http.MethodPost, "/v5/order/cancel", nil, payload, true)
	if err != nil {
		return false, err
	}
	return true, nil
}

func bybitInterval(timeframe string) string {
	switch timeframe {
	case "1m":
		return "1"
	case "5m":
		return "5"
	case "15m":
		return "15"
	case "1h":
		return "60"
	case "4h":
		return "240"
	case "1d":
		return "D"
	default:
		return timeframe
	}
}

func bybitSide(side types.OrderSide) string {
	if side == types.OrderSell {
		return "Sell"
	}
	return "Buy"
}

func bybitOrderType(t types.OrderType) string {
	if t == types.OrderLimit || t == types.OrderStopLimit {
		return "Limit"
	}
	return "Market"
}

func bybitTIF(tif string) string {
	switch tif {
	case "IOC":
		return "IOC"
	case "FOK":
		return "FOK"
	default:
		return "GTC"
	}
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
