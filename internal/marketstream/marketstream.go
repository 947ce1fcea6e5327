// Package marketstream maintains live depth and trade-tape state per symbol from a
// single Bybit v5 public websocket connection. Depth snapshots replace the local
// book side, deltas apply price->size updates (size zero deletes the level), and
// every applied message recomputes a DepthSnapshot from the top-50 levels per side.
// Trades feed a rolling 60s window per symbol. A reconnect monitor re-dials and
// re-subscribes after any connection loss.
package marketstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Config configures the streamer's connection and band parameters.
type Config struct {
	WSURL             string
	ReconnectInterval time.Duration
	DepthLevels       int
	TradeWindow       time.Duration
}

// DefaultConfig returns the streamer defaults for Bybit's linear-perpetual feed.
func DefaultConfig() Config {
	return Config{
		WSURL:             "wss://stream.bybit.com/v5/public/linear",
		ReconnectInterval: 5 * time.Second,
		DepthLevels:       50,
		TradeWindow:       60 * time.Second,
	}
}

// maxTradeEvents bounds each symbol's trade ring regardless of window width.
const maxTradeEvents = 1000

type tradeEvent struct {
	ts    int64
	price float64
	qty   float64
}

type tradeWindow struct {
	mu     sync.Mutex
	events []tradeEvent
}

func (w *tradeWindow) add(ev tradeEvent, window time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, ev)
	cutoff := ev.ts - window.Milliseconds()
	i := 0
	for i < len(w.events) && w.events[i].ts < cutoff {
		i++
	}
	if i > 0 {
		w.events = w.events[i:]
	}
	if len(w.events) > maxTradeEvents {
		w.events = w.events[len(w.events)-maxTradeEvents:]
	}
}

func (w *tradeWindow) stats(symbol string, window time.Duration) types.TradeStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.events) == 0 {
		return types.TradeStats{Symbol: symbol}
	}
	var volume float64
	last := w.events[len(w.events)-1]
	for _, ev := range w.events {
		volume += ev.qty
	}
	minutes := window.Minutes()
	return types.TradeStats{
		Symbol:          symbol,
		TradesPerMinute: float64(len(w.events)) / minutes,
		VolumePerMinute: volume / minutes,
		LastPrice:       last.price,
		Timestamp:       last.ts,
	}
}

// orderBook is the locally replayed book for one symbol.
type orderBook struct {
	mu   sync.Mutex
	bids map[float64]float64 // price -> size
	asks map[float64]float64
}

func newOrderBook() *orderBook {
	return &orderBook{bids: make(map[float64]float64), asks: make(map[float64]float64)}
}

// Streamer is a single-connection WS market data client implementing
// exchange.Streamer.
type Streamer struct {
	logger *zap.Logger
	cfg    Config

	connMu  sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	subMu      sync.Mutex
	subscribed map[string]bool

	booksMu sync.Mutex
	books   map[string]*orderBook

	depthMu sync.RWMutex
	depth   map[string]types.DepthSnapshot

	tradesMu sync.RWMutex
	trades   map[string]*tradeWindow

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	runMu   sync.Mutex
}

// New constructs a Streamer.
func New(logger *zap.Logger, cfg Config) *Streamer {
	return &Streamer{
		logger:     logger.Named("marketstream"),
		cfg:        cfg,
		subscribed: make(map[string]bool),
		books:      make(map[string]*orderBook),
		depth:      make(map[string]types.DepthSnapshot),
		trades:     make(map[string]*tradeWindow),
	}
}

// Start connects and launches the read loop and reconnect monitor. It returns once
// the initial connection succeeds.
func (s *Streamer) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.runMu.Lock()
	s.running = true
	s.runMu.Unlock()

	if err := s.connect(); err != nil {
		return fmt.Errorf("marketstream: initial connect: %w", err)
	}

	go s.readLoop()
	go s.reconnectMonitor()

	s.logger.Info("market stream started", zap.String("url", s.cfg.WSURL))
	return nil
}

// Stop tears down the connection and background loops.
func (s *Streamer) Stop() {
	s.runMu.Lock()
	s.running = false
	s.runMu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.connMu.Unlock()

	s.logger.Info("market stream stopped")
}

func (s *Streamer) isRunning() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

func (s *Streamer) connect() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	u, err := url.Parse(s.cfg.WSURL)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

// writeJSON serializes writes: subscribe requests, pongs and the read loop's pong
// replies share one connection.
func (s *Streamer) writeJSON(v any) error {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("marketstream: not connected")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// EnsureSymbol subscribes to the orderbook and public-trade topics for symbol if
// not already subscribed. Idempotent. Symbols are Bybit-native (e.g. "BTCUSDT").
func (s *Streamer) EnsureSymbol(symbol string) {
	s.subMu.Lock()
	if s.subscribed[symbol] {
		s.subMu.Unlock()
		return
	}
	s.subscribed[symbol] = true
	s.subMu.Unlock()

	msg := map[string]any{
		"op": "subscribe",
		"args": []string{
			fmt.Sprintf("orderbook.%d.%s", s.cfg.DepthLevels, symbol),
			fmt.Sprintf("publicTrade.%s", symbol),
		},
	}
	if err := s.writeJSON(msg); err != nil {
		s.logger.Warn("subscribe failed", zap.String("symbol", symbol), zap.Error(err))
	}
}

func (s *Streamer) readLoop() {
	for s.isRunning() {
		s.connMu.RLock()
		conn := s.conn
		s.connMu.RUnlock()

		if conn == nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.isRunning() {
				s.logger.Warn("websocket read error", zap.Error(err))
				s.connMu.Lock()
				s.conn = nil
				s.connMu.Unlock()
			}
			continue
		}
		s.handleMessage(message)
	}
}

func (s *Streamer) reconnectMonitor() {
	ticker := time.NewTicker(s.cfg.ReconnectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.connMu.RLock()
			conn := s.conn
			s.connMu.RUnlock()
			if conn != nil || !s.isRunning() {
				continue
			}
			s.logger.Info("reconnecting to market stream")
			if err := s.connect(); err != nil {
				s.logger.Warn("reconnect failed", zap.Error(err))
				continue
			}
			s.subMu.Lock()
			symbols := make([]string, 0, len(s.subscribed))
			for sym := range s.subscribed {
				symbols = append(symbols, sym)
				s.subscribed[sym] = false
			}
			s.subMu.Unlock()
			for _, sym := range symbols {
				s.EnsureSymbol(sym)
			}
		}
	}
}

// wsMessage is the Bybit v5 public-stream envelope: control frames carry `op`,
// data frames carry `topic`/`type`/`ts`/`data`.
type wsMessage struct {
	Op    string          `json:"op"`
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Ts    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

func (s *Streamer) handleMessage(raw []byte) {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}

	if msg.Op == "ping" {
		if err := s.writeJSON(map[string]any{"op": "pong"}); err != nil {
			s.logger.Debug("pong write failed", zap.Error(err))
		}
		return
	}

	switch {
	case strings.HasPrefix(msg.Topic, "orderbook."):
		s.handleDepth(msg)
	case strings.HasPrefix(msg.Topic, "publicTrade."):
		s.handleTrade(msg)
	}
}

// depthData is the orderbook topic payload: price/size string pairs per side.
type depthData struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
}

func parseLevel(pair []string) (price, size float64, ok bool) {
	if len(pair) < 2 {
		return 0, 0, false
	}
	price, err1 := strconv.ParseFloat(pair[0], 64)
	size, err2 := strconv.ParseFloat(pair[1], 64)
	if err1 != nil || err2 != nil || price <= 0 {
		return 0, 0, false
	}
	return price, size, true
}

func (s *Streamer) book(symbol string) *orderBook {
	s.booksMu.Lock()
	defer s.booksMu.Unlock()
	b, ok := s.books[symbol]
	if !ok {
		b = newOrderBook()
		s.books[symbol] = b
	}
	return b
}

// handleDepth replays one orderbook message into the symbol's local book: a
// snapshot replaces both sides, a delta applies per-level updates with size zero
// meaning deletion. The refreshed DepthSnapshot is derived afterwards.
func (s *Streamer) handleDepth(msg wsMessage) {
	var data depthData
	if err := json.Unmarshal(msg.Data, &data); err != nil || data.Symbol == "" {
		return
	}

	book := s.book(data.Symbol)
	book.mu.Lock()
	if msg.Type == "snapshot" {
		book.bids = make(map[float64]float64, len(data.Bids))
		book.asks = make(map[float64]float64, len(data.Asks))
	}
	applySide := func(side map[float64]float64, levels [][]string) {
		for _, pair := range levels {
			price, size, ok := parseLevel(pair)
			if !ok {
				continue
			}
			if size == 0 {
				delete(side, price)
			} else {
				side[price] = size
			}
		}
	}
	applySide(book.bids, data.Bids)
	applySide(book.asks, data.Asks)
	snapshot, ok := book.deriveLocked(data.Symbol, msg.Ts, s.cfg.DepthLevels)
	book.mu.Unlock()

	if !ok {
		return
	}
	s.depthMu.Lock()
	s.depth[data.Symbol] = snapshot
	s.depthMu.Unlock()
}

type bookLevel struct {
	price float64
	size  float64
}

// deriveLocked recomputes the DepthSnapshot from the top maxLevels per side:
// best bid/ask, spread bps, 0.3%/0.5% band notionals from each side's own
// top-of-book, and imbalance over the top-10 levels by notional. Caller holds
// the book mutex. Returns false on a one-sided or empty book.
func (b *orderBook) deriveLocked(symbol string, ts int64, maxLevels int) (types.DepthSnapshot, bool) {
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return types.DepthSnapshot{}, false
	}

	bids := sortedLevels(b.bids, true, maxLevels)
	asks := sortedLevels(b.asks, false, maxLevels)

	bestBid := bids[0].price
	bestAsk := asks[0].price
	if bestBid <= 0 || bestAsk <= 0 {
		return types.DepthSnapshot{}, false
	}

	mid := (bestBid + bestAsk) / 2
	spreadBps := (bestAsk - bestBid) / mid * 10000

	bidUSD3 := bandNotional(bids, func(p float64) bool { return p >= bestBid*(1-0.003) })
	askUSD3 := bandNotional(asks, func(p float64) bool { return p <= bestAsk*(1+0.003) })
	bidUSD5 := bandNotional(bids, func(p float64) bool { return p >= bestBid*(1-0.005) })
	askUSD5 := bandNotional(asks, func(p float64) bool { return p <= bestAsk*(1+0.005) })

	bidTop10 := topNotional(bids, 10)
	askTop10 := topNotional(asks, 10)
	imbalance := 0.0
	if denom := bidTop10 + askTop10; denom > 0 {
		imbalance = (bidTop10 - askTop10) / denom
	}

	d03 := types.L2Depth{BestBid: bestBid, BestAsk: bestAsk, BidUSD0_3Pct: bidUSD3, AskUSD0_3Pct: askUSD3, SpreadBps: spreadBps, Imbalance: imbalance, Timestamp: ts}
	d05 := types.L2Depth{BestBid: bestBid, BestAsk: bestAsk, BidUSD0_5Pct: bidUSD5, AskUSD0_5Pct: askUSD5, SpreadBps: spreadBps, Imbalance: imbalance, Timestamp: ts}

	return types.DepthSnapshot{
		Symbol:    symbol,
		BestBid:   bestBid,
		BestAsk:   bestAsk,
		SpreadBps: spreadBps,
		Depth03:   d03,
		Depth05:   d05,
		Imbalance: imbalance,
		Timestamp: ts,
	}, true
}

func sortedLevels(side map[float64]float64, descending bool, limit int) []bookLevel {
	out := make([]bookLevel, 0, len(side))
	for price, size := range side {
		out = append(out, bookLevel{price: price, size: size})
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].price > out[j].price
		}
		return out[i].price < out[j].price
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func bandNotional(levels []bookLevel, inBand func(float64) bool) float64 {
	var notional float64
	for _, l := range levels {
		if !inBand(l.price) {
			break
		}
		notional += l.price * l.size
	}
	return notional
}

func topNotional(levels []bookLevel, n int) float64 {
	if len(levels) > n {
		levels = levels[:n]
	}
	var notional float64
	for _, l := range levels {
		notional += l.price * l.size
	}
	return notional
}

// tradeData is one entry of the publicTrade topic's data array.
type tradeData struct {
	Timestamp int64  `json:"T"`
	Symbol    string `json:"s"`
	Side      string `json:"S"` // exact match for "S" so it never lands in Symbol
	Price     string `json:"p"`
	Qty       string `json:"v"`
}

func (s *Streamer) handleTrade(msg wsMessage) {
	var trades []tradeData
	if err := json.Unmarshal(msg.Data, &trades); err != nil {
		return
	}

	for _, tr := range trades {
		if tr.Symbol == "" {
			continue
		}
		price, err1 := strconv.ParseFloat(tr.Price, 64)
		qty, err2 := strconv.ParseFloat(tr.Qty, 64)
		if err1 != nil || err2 != nil {
			continue
		}

		s.tradesMu.Lock()
		w, ok := s.trades[tr.Symbol]
		if !ok {
			w = &tradeWindow{}
			s.trades[tr.Symbol] = w
		}
		s.tradesMu.Unlock()

		w.add(tradeEvent{ts: tr.Timestamp, price: price, qty: qty}, s.cfg.TradeWindow)
	}
}

// GetDepthSnapshot returns the latest depth snapshot for symbol.
func (s *Streamer) GetDepthSnapshot(symbol string) (types.DepthSnapshot, bool) {
	s.depthMu.RLock()
	defer s.depthMu.RUnlock()
	d, ok := s.depth[symbol]
	return d, ok
}

// GetTradeStats returns the rolling trade-tape summary for symbol.
func (s *Streamer) GetTradeStats(symbol string) (types.TradeStats, bool) {
	s.tradesMu.RLock()
	w, ok := s.trades[symbol]
	s.tradesMu.RUnlock()
	if !ok {
		return types.TradeStats{}, false
	}
	return w.stats(symbol, s.cfg.TradeWindow), true
}
