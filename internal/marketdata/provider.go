// Package marketdata aggregates REST and websocket sources into the engine's
// MarketData snapshot: ticker, order book and OHLCV fetched in parallel per
// symbol, live WS depth preferred over the REST book, ATR/Bollinger/correlation
// derived on the spot, with TTL caches for open interest and BTC reference
// candles. Multi-symbol fetches fan out through a bounded worker pool.
package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/atlas-desktop/breakout-engine/internal/exchange"
	"github.com/atlas-desktop/breakout-engine/internal/indicators"
	"github.com/atlas-desktop/breakout-engine/internal/workers"
	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"github.com/atlas-desktop/breakout-engine/pkg/utils"
	"go.uber.org/zap"
)

// Config configures the provider's caching and concurrency behavior.
type Config struct {
	OITTL            time.Duration
	FetchConcurrency int
	CandleLimit      int
}

// DefaultConfig returns the provider defaults.
func DefaultConfig() Config {
	return Config{
		OITTL:            60 * time.Second,
		FetchConcurrency: 10,
		CandleLimit:      150,
	}
}

type oiCacheEntry struct {
	at    time.Time
	value *exchange.OpenInterest
}

// Provider aggregates market data for one or many symbols.
type Provider struct {
	logger   *zap.Logger
	client   exchange.Client
	streamer exchange.Streamer
	cfg      Config

	oiMu    sync.Mutex
	oiCache map[string]oiCacheEntry

	btcMu      sync.Mutex
	btcCandles []types.Candle
	btcAt      time.Time
}

// New constructs a Provider. streamer may be nil to force REST-only depth/trades.
func New(logger *zap.Logger, client exchange.Client, streamer exchange.Streamer, cfg Config) *Provider {
	return &Provider{
		logger:   logger.Named("marketdata"),
		client:   client,
		streamer: streamer,
		cfg:      cfg,
		oiCache:  make(map[string]oiCacheEntry),
	}
}

// Get assembles a MarketData snapshot for one symbol. Returns (nil, false) if any
// required input is unavailable — the caller skips this symbol for the cycle
// rather than failing the whole scan.
func (p *Provider) Get(ctx context.Context, symbol string) (*types.MarketData, bool) {
	if p.streamer != nil {
		p.streamer.EnsureSymbol(symbol)
	}

	var (
		wg                             sync.WaitGroup
		ticker                         *exchange.Ticker
		l2Depth                        *types.L2Depth
		candles                        []types.Candle
		tickerErr, depthErr, candleErr error
	)

	wg.Add(3)
	go func() { defer wg.Done(); ticker, tickerErr = p.client.FetchTicker(ctx, symbol) }()
	go func() { defer wg.Done(); l2Depth, depthErr = p.client.FetchOrderBook(ctx, symbol, 50) }()
	go func() {
		defer wg.Done()
		candles, candleErr = p.client.FetchOHLCV(ctx, symbol, "5m", p.cfg.CandleLimit, nil)
	}()
	wg.Wait()

	if tickerErr != nil || ticker == nil || ticker.Last <= 0 {
		p.logger.Debug("skipping symbol: ticker unavailable", zap.String("symbol", symbol))
		return nil, false
	}
	if depthErr != nil {
		l2Depth = nil
	}
	if candleErr != nil {
		candles = nil
	}

	if p.streamer != nil {
		if snap, ok := p.streamer.GetDepthSnapshot(symbol); ok {
			l2Depth = &types.L2Depth{
				BestBid:      snap.BestBid,
				BestAsk:      snap.BestAsk,
				BidUSD0_3Pct: snap.Depth03.BidUSD0_3Pct,
				AskUSD0_3Pct: snap.Depth03.AskUSD0_3Pct,
				BidUSD0_5Pct: snap.Depth05.BidUSD0_5Pct,
				AskUSD0_5Pct: snap.Depth05.AskUSD0_5Pct,
				SpreadBps:    snap.SpreadBps,
				Imbalance:    snap.Imbalance,
				Timestamp:    snap.Timestamp,
			}
		}
	}
	if l2Depth == nil {
		p.logger.Debug("skipping symbol: depth unavailable", zap.String("symbol", symbol))
		return nil, false
	}

	if len(candles) < 20 {
		p.logger.Debug("skipping symbol: insufficient candle history", zap.String("symbol", symbol))
		return nil, false
	}

	atr5m := indicators.ATR(candles, 14)
	bbWidth := indicators.BollingerWidthPct(candles, 20, 2.0)
	atr15m := atr5m * 1.5
	if atr5m == 0 && ticker.Percentage != nil {
		dailyChangePct := abs(*ticker.Percentage) / 100
		atr15m = dailyChangePct * ticker.Last * 0.1
	}

	tradesPerMinute := p.tradesPerMinute(symbol, candles)
	if tradesPerMinute <= 0 {
		p.logger.Debug("skipping symbol: trades per minute unavailable", zap.String("symbol", symbol))
		return nil, false
	}

	oi := p.cachedOpenInterest(ctx, symbol)
	var oiUSD *float64
	if oi != nil && oi.OpenInterestValue != nil {
		v := *oi.OpenInterestValue
		oiUSD = &v
	}

	btcCorrelation := p.btcCorrelation(ctx, symbol, candles)

	volume24h := 0.0
	if ticker.QuoteVolume != nil {
		volume24h = *ticker.QuoteVolume
	}

	md := &types.MarketData{
		Symbol:          symbol,
		Price:           ticker.Last,
		Volume24hUSD:    volume24h,
		OIUSD:           oiUSD,
		TradesPerMinute: tradesPerMinute,
		ATR5m:           atr5m,
		ATR15m:          atr15m,
		BBWidthPct:      bbWidth,
		BTCCorrelation:  btcCorrelation,
		L2Depth:         l2Depth,
		Candles5m:       candles,
		Timestamp:       time.Now().UnixMilli(),
		MarketType:      types.MarketFutures,
	}
	return md, true
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func (p *Provider) tradesPerMinute(symbol string, candles []types.Candle) float64 {
	if p.streamer != nil {
		if stats, ok := p.streamer.GetTradeStats(symbol); ok && stats.TradesPerMinute > 0 {
			return stats.TradesPerMinute
		}
	}
	if len(candles) == 0 {
		return 0
	}
	recent := candles
	if len(recent) > 12 {
		recent = recent[len(recent)-12:]
	}
	var volume float64
	for _, c := range recent {
		volume += c.Volume
	}
	windowMinutes := float64(len(recent)) * 5
	estimate := utils.SafeDivide(volume, windowMinutes, 0) * 0.001
	if estimate > 0 && estimate < 1 {
		estimate = 1
	}
	return estimate
}

// cachedOpenInterest returns open interest, refreshing the cache entry if it's
// older than the configured TTL.
func (p *Provider) cachedOpenInterest(ctx context.Context, symbol string) *exchange.OpenInterest {
	p.oiMu.Lock()
	entry, ok := p.oiCache[symbol]
	p.oiMu.Unlock()

	if ok && time.Since(entry.at) < p.cfg.OITTL {
		return entry.value
	}

	oi, err := p.client.FetchOpenInterest(ctx, symbol)
	if err != nil {
		oi = nil
	}

	p.oiMu.Lock()
	p.oiCache[symbol] = oiCacheEntry{at: time.Now(), value: oi}
	p.oiMu.Unlock()

	return oi
}

// btcCorrelation computes the Pearson correlation between symbol's and BTC's close
// series over min(20, n) points, caching BTC's own candle fetch for the cycle.
func (p *Provider) btcCorrelation(ctx context.Context, symbol string, candles []types.Candle) float64 {
	const btcSymbol = "BTC/USDT"
	if symbol == btcSymbol {
		return 0
	}

	p.btcMu.Lock()
	stale := time.Since(p.btcAt) > 30*time.Second || len(p.btcCandles) == 0
	p.btcMu.Unlock()

	if stale {
		fresh, err := p.client.FetchOHLCV(ctx, btcSymbol, "5m", p.cfg.CandleLimit, nil)
		if err == nil && len(fresh) > 0 {
			p.btcMu.Lock()
			p.btcCandles = fresh
			p.btcAt = time.Now()
			p.btcMu.Unlock()
		}
	}

	p.btcMu.Lock()
	btcCandles := p.btcCandles
	p.btcMu.Unlock()

	if len(btcCandles) == 0 {
		return 0.6 // default assumed correlation for crypto majors
	}
	return indicators.Correlation(candles, btcCandles, 20)
}

// GetMultiple fetches market data for all symbols concurrently, bounded by
// cfg.FetchConcurrency.
func (p *Provider) GetMultiple(ctx context.Context, symbols []string) map[string]types.MarketData {
	out := make(map[string]types.MarketData, len(symbols))
	var mu sync.Mutex

	pool := workers.NewPool(p.logger, &workers.PoolConfig{
		Name:            "marketdata-fetch",
		NumWorkers:      p.cfg.FetchConcurrency,
		QueueSize:       len(symbols) + 1,
		TaskTimeout:     15 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		PanicRecovery:   true,
	})
	pool.Start()
	defer pool.Stop()

	var wg sync.WaitGroup
	for _, symbol := range symbols {
		symbol := symbol
		wg.Add(1)
		_ = pool.SubmitFunc(func() error {
			defer wg.Done()
			if md, ok := p.Get(ctx, symbol); ok {
				mu.Lock()
				out[symbol] = *md
				mu.Unlock()
			}
			return nil
		})
	}
	wg.Wait()

	p.logger.Info("fetched market data", zap.Int("symbols_requested", len(symbols)), zap.Int("symbols_fetched", len(out)))
	return out
}
