package marketdata

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/atlas-desktop/breakout-engine/internal/exchange"
	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"go.uber.org/zap"
)

type fakeClient struct {
	candles    map[string][]types.Candle
	depth      *types.L2Depth
	ticker     *exchange.Ticker
	tickerErr  error
	oiCalls    atomic.Int64
	oi         *exchange.OpenInterest
}

func (f *fakeClient) FetchOHLCV(_ context.Context, symbol, _ string, _ int, _ *int64) ([]types.Candle, error) {
	return f.candles[symbol], nil
}
func (f *fakeClient) FetchOrderBook(context.Context, string, int) (*types.L2Depth, error) {
	return f.depth, nil
}
func (f *fakeClient) FetchTicker(context.Context, string) (*exchange.Ticker, error) {
	return f.ticker, f.tickerErr
}
func (f *fakeClient) FetchOpenInterest(context.Context, string) (*exchange.OpenInterest, error) {
	f.oiCalls.Add(1)
	return f.oi, nil
}
func (f *fakeClient) FetchMarkets(context.Context) ([]exchange.MarketMeta, error) { return nil, nil }
func (f *fakeClient) FetchBalance(context.Context, string) (float64, error)       { return 0, nil }
func (f *fakeClient) CreateOrder(context.Context, string, types.OrderType, types.OrderSide, float64, *float64, exchange.CreateOrderParams) (*exchange.RawOrder, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeClient) CancelOrder(context.Context, string, string) (bool, error) { return true, nil }

type fakeStreamer struct {
	depth map[string]types.DepthSnapshot
	stats map[string]types.TradeStats
}

func (f *fakeStreamer) EnsureSymbol(string) {}
func (f *fakeStreamer) GetDepthSnapshot(symbol string) (types.DepthSnapshot, bool) {
	d, ok := f.depth[symbol]
	return d, ok
}
func (f *fakeStreamer) GetTradeStats(symbol string) (types.TradeStats, bool) {
	s, ok := f.stats[symbol]
	return s, ok
}
func (f *fakeStreamer) Stop() {}

func candleSeries(symbol string, n int) []types.Candle {
	out := make([]types.Candle, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, types.Candle{
			Ts:     1_700_000_000_000 + int64(i)*5*60*1000,
			Open:   100,
			High:   101 + float64(i%3),
			Low:    99,
			Close:  100 + float64(i%5)*0.2,
			Volume: 10000,
		})
	}
	return out
}

func healthyClient() *fakeClient {
	vol := 8_000_000.0
	return &fakeClient{
		candles: map[string][]types.Candle{
			"ETH/USDT": candleSeries("ETH/USDT", 150),
			"BTC/USDT": candleSeries("BTC/USDT", 150),
		},
		depth: &types.L2Depth{
			BestBid: 99.9, BestAsk: 100.1,
			BidUSD0_3Pct: 50000, AskUSD0_3Pct: 50000,
			BidUSD0_5Pct: 80000, AskUSD0_5Pct: 80000,
			SpreadBps: 10,
		},
		ticker: &exchange.Ticker{Last: 100, QuoteVolume: &vol},
	}
}

func TestGetAssemblesMarketData(t *testing.T) {
	client := healthyClient()
	oiValue := 3_000_000.0
	client.oi = &exchange.OpenInterest{OpenInterestValue: &oiValue}
	p := New(zap.NewNop(), client, nil, DefaultConfig())

	md, ok := p.Get(context.Background(), "ETH/USDT")
	if !ok {
		t.Fatalf("expected market data for a healthy symbol")
	}
	if md.Price != 100 {
		t.Fatalf("price = %v, want 100", md.Price)
	}
	if md.ATR5m <= 0 {
		t.Fatalf("atr_5m should be positive, got %v", md.ATR5m)
	}
	if md.ATR15m != md.ATR5m*1.5 {
		t.Fatalf("atr_15m = %v, want 1.5x atr_5m %v", md.ATR15m, md.ATR5m*1.5)
	}
	if md.OIUSD == nil || *md.OIUSD != oiValue {
		t.Fatalf("oi = %v, want %v", md.OIUSD, oiValue)
	}
	if md.TradesPerMinute <= 0 {
		t.Fatalf("trades/min should be estimated from candle volume")
	}
	if md.MarketType != types.MarketFutures {
		t.Fatalf("market type = %s, want futures", md.MarketType)
	}
}

func TestGetSkipsOnInsufficientCandles(t *testing.T) {
	client := healthyClient()
	client.candles["ETH/USDT"] = candleSeries("ETH/USDT", 10)
	p := New(zap.NewNop(), client, nil, DefaultConfig())

	if _, ok := p.Get(context.Background(), "ETH/USDT"); ok {
		t.Fatalf("symbol with <20 candles must be skipped")
	}
}

func TestGetSkipsWithoutDepth(t *testing.T) {
	client := healthyClient()
	client.depth = nil
	p := New(zap.NewNop(), client, nil, DefaultConfig())

	if _, ok := p.Get(context.Background(), "ETH/USDT"); ok {
		t.Fatalf("symbol without depth must be skipped")
	}
}

func TestGetSkipsWithoutPrice(t *testing.T) {
	client := healthyClient()
	client.ticker = &exchange.Ticker{Last: 0}
	p := New(zap.NewNop(), client, nil, DefaultConfig())

	if _, ok := p.Get(context.Background(), "ETH/USDT"); ok {
		t.Fatalf("symbol without a last price must be skipped")
	}
}

func TestGetPrefersWSDepthAndTradeStats(t *testing.T) {
	client := healthyClient()
	streamer := &fakeStreamer{
		depth: map[string]types.DepthSnapshot{
			"ETH/USDT": {
				Symbol: "ETH/USDT", BestBid: 99.95, BestAsk: 100.05, SpreadBps: 5, Imbalance: 0.4,
				Depth03: types.L2Depth{BidUSD0_3Pct: 70000, AskUSD0_3Pct: 71000},
				Depth05: types.L2Depth{BidUSD0_5Pct: 90000, AskUSD0_5Pct: 91000},
			},
		},
		stats: map[string]types.TradeStats{
			"ETH/USDT": {Symbol: "ETH/USDT", TradesPerMinute: 42, LastPrice: 100},
		},
	}
	p := New(zap.NewNop(), client, streamer, DefaultConfig())

	md, ok := p.Get(context.Background(), "ETH/USDT")
	if !ok {
		t.Fatalf("expected market data")
	}
	if md.L2Depth.BidUSD0_3Pct != 70000 || md.L2Depth.SpreadBps != 5 {
		t.Fatalf("WS depth should replace REST depth, got %+v", md.L2Depth)
	}
	if md.TradesPerMinute != 42 {
		t.Fatalf("trades/min = %v, want WS-reported 42", md.TradesPerMinute)
	}
}

func TestOpenInterestCached(t *testing.T) {
	client := healthyClient()
	p := New(zap.NewNop(), client, nil, DefaultConfig())

	p.Get(context.Background(), "ETH/USDT")
	p.Get(context.Background(), "ETH/USDT")

	if n := client.oiCalls.Load(); n != 1 {
		t.Fatalf("OI fetched %d times, want 1 within the TTL", n)
	}
}

func TestGetMultipleSkipsFailedSymbols(t *testing.T) {
	client := healthyClient()
	client.candles["THIN/USDT"] = candleSeries("THIN/USDT", 5)
	p := New(zap.NewNop(), client, nil, DefaultConfig())

	out := p.GetMultiple(context.Background(), []string{"ETH/USDT", "THIN/USDT"})
	if _, ok := out["ETH/USDT"]; !ok {
		t.Fatalf("healthy symbol missing from batch result")
	}
	if _, ok := out["THIN/USDT"]; ok {
		t.Fatalf("thin symbol must be skipped, not failed")
	}
}
