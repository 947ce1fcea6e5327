// Package types defines the core domain model shared across the breakout engine:
// candles, depth, market data, levels, scan results, signals, orders and positions.
// All numeric fields are float64 per the engine's data model; the execution ledger
// keeps decimal.Decimal internally but marshals results back into this model.
package types

import "math"

// MarketType classifies the venue a symbol trades on.
type MarketType string

const (
	MarketSpot    MarketType = "spot"
	MarketFutures MarketType = "futures"
	MarketUnknown MarketType = "unknown"
)

// Side is a trade/signal direction.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// OrderSide is the exchange-facing buy/sell direction.
type OrderSide string

const (
	OrderBuy  OrderSide = "buy"
	OrderSell OrderSide = "sell"
)

type OrderType string

const (
	OrderMarket    OrderType = "market"
	OrderLimit     OrderType = "limit"
	OrderStop      OrderType = "stop"
	OrderStopLimit OrderType = "stop_limit"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderOpen      OrderStatus = "open"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderRejected  OrderStatus = "rejected"
)

type SignalStrategy string

const (
	StrategyMomentum SignalStrategy = "momentum"
	StrategyRetest   SignalStrategy = "retest"
)

type SignalStatus string

const (
	SignalPending  SignalStatus = "pending"
	SignalActive   SignalStatus = "active"
	SignalExecuted SignalStatus = "executed"
	SignalFailed   SignalStatus = "failed"
	SignalExpired  SignalStatus = "expired"
	SignalRemoved  SignalStatus = "removed"
)

type LevelType string

const (
	LevelSupport    LevelType = "support"
	LevelResistance LevelType = "resistance"
)

type PositionStatus string

const (
	PositionOpen            PositionStatus = "open"
	PositionClosed          PositionStatus = "closed"
	PositionPartiallyClosed PositionStatus = "partially_closed"
)

// Candle is a single OHLCV bar. Timestamps are integer milliseconds since epoch.
type Candle struct {
	Ts     int64
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Typical returns (h+l+c)/3.
func (c Candle) Typical() float64 { return (c.High + c.Low + c.Close) / 3 }

// HL2 returns (h+l)/2.
func (c Candle) HL2() float64 { return (c.High + c.Low) / 2 }

// OHLC4 returns (o+h+l+c)/4.
func (c Candle) OHLC4() float64 { return (c.Open + c.High + c.Low + c.Close) / 4 }

// Valid reports whether the candle satisfies the data-model invariants.
func (c Candle) Valid() bool {
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 || c.Volume < 0 {
		return false
	}
	if c.Low > math.Min(c.Open, math.Min(c.Close, c.High)) {
		return false
	}
	if c.High < math.Max(c.Open, math.Max(c.Close, c.Low)) {
		return false
	}
	return true
}

// L2Depth is aggregated order-book notional within percentage bands of top-of-book.
type L2Depth struct {
	BestBid      float64
	BestAsk      float64
	BidUSD0_3Pct float64
	AskUSD0_3Pct float64
	BidUSD0_5Pct float64
	AskUSD0_5Pct float64
	SpreadBps    float64
	Imbalance    float64 // (bidVol-askVol)/(bidVol+askVol) over top-N notional, in [-1,1]
	Timestamp    int64
}

// TotalUSD0_3Pct sums both sides of the ±0.3% band.
func (d L2Depth) TotalUSD0_3Pct() float64 { return d.BidUSD0_3Pct + d.AskUSD0_3Pct }

// TotalUSD0_5Pct sums both sides of the ±0.5% band.
func (d L2Depth) TotalUSD0_5Pct() float64 { return d.BidUSD0_5Pct + d.AskUSD0_5Pct }

// DepthSnapshot is the streamer's live view of the book, refreshed on every applied
// depth message.
type DepthSnapshot struct {
	Symbol    string
	BestBid   float64
	BestAsk   float64
	SpreadBps float64
	Depth03   L2Depth
	Depth05   L2Depth
	Imbalance float64
	Timestamp int64
}

// TradeStats is a rolling 60s trade-tape summary.
type TradeStats struct {
	Symbol          string
	TradesPerMinute float64
	VolumePerMinute float64
	LastPrice       float64
	Timestamp       int64
}

// MarketData is the aggregated, per-symbol snapshot consumed by the scanner, level
// detector and signal generator.
type MarketData struct {
	Symbol          string
	Price           float64
	Volume24hUSD    float64
	OIUSD           *float64
	OIChange24h     *float64
	TradesPerMinute float64
	ATR5m           float64
	ATR15m          float64
	BBWidthPct      float64
	BTCCorrelation  float64
	L2Depth         *L2Depth
	Candles5m       []Candle
	Timestamp       int64
	MarketType      MarketType
}

// ATRRatio returns atr_15m/atr_5m, guarded against division by zero.
func (m MarketData) ATRRatio() float64 {
	if m.ATR5m == 0 {
		return 0
	}
	return m.ATR15m / m.ATR5m
}

// TradingLevel is a validated horizontal support/resistance level.
type TradingLevel struct {
	Price      float64
	Type       LevelType
	TouchCount int
	Strength   float64
	FirstTouch int64
	LastTouch  int64
	BaseHeight *float64
}

// FilterDetail records one scanner filter's outcome for diagnostics.
type FilterDetail struct {
	Passed    bool
	Value     float64
	Threshold float64
	Reason    string
}

// ScanResult is the scanner's per-symbol ranked output.
type ScanResult struct {
	Symbol          string
	Score           float64
	Rank            int
	MarketData      MarketData
	FilterResults   map[string]bool
	FilterDetails   map[string]FilterDetail
	ScoreComponents map[string]float64
	Levels          []TradingLevel
	Timestamp       int64
	CorrelationID   string
}

// PassedAllFilters is true iff every recorded filter result is true.
func (r ScanResult) PassedAllFilters() bool {
	for _, v := range r.FilterResults {
		if !v {
			return false
		}
	}
	return true
}

// SignalMeta carries the typed escape-hatch fields a signal's producer attaches;
// Extra is reserved for genuinely open-ended metadata only.
type SignalMeta struct {
	ScanScore      float64
	BTCCorrelation float64
	Conditions     map[string]float64
	Extra          map[string]any
}

// Signal is a candidate trade emitted by the signal generator.
type Signal struct {
	Symbol        string
	Side          Side
	Strategy      SignalStrategy
	Reason        string
	Entry         float64
	Level         float64
	SL            float64
	Confidence    float64
	Timestamp     int64
	Status        SignalStatus
	CorrelationID string
	TP1           *float64
	TP2           *float64
	Meta          SignalMeta
}

// R is the risk unit: absolute distance from entry to stop-loss.
func (s Signal) R() float64 {
	return math.Abs(s.Entry - s.SL)
}

// RiskReward returns reward(tp1)/R, or 0 if R is zero or tp1 is unset.
func (s Signal) RiskReward() float64 {
	r := s.R()
	if r == 0 || s.TP1 == nil {
		return 0
	}
	return math.Abs(*s.TP1-s.Entry) / r
}

// Valid checks the long/short stop-loss ordering invariant.
func (s Signal) Valid() bool {
	if s.Entry <= 0 || s.SL <= 0 || s.Confidence < 0 || s.Confidence > 1 {
		return false
	}
	if s.Side == SideLong {
		return s.SL < s.Entry
	}
	return s.SL > s.Entry
}

// Order is a single exchange order, or the synthetic composite parent aggregating
// TWAP/iceberg child fills.
type Order struct {
	ID           string
	Symbol       string
	Side         OrderSide
	OrderType    OrderType
	Qty          float64
	Price        *float64
	StopPrice    *float64
	Status       OrderStatus
	FilledQty    float64
	AvgFillPrice *float64
	FeesUSD      float64
	CreatedAt    int64
	UpdatedAt    int64
	ExchangeID   *string
	Metadata     map[string]any
}

// Remaining returns max(0, qty-filled_qty).
func (o Order) Remaining() float64 {
	r := o.Qty - o.FilledQty
	if r < 0 {
		return 0
	}
	return r
}

// Position is an open or closed holding managed by the engine.
type Position struct {
	ID       string
	Symbol   string
	Side     Side
	Strategy SignalStrategy
	Qty      float64
	Entry    float64
	SL       float64
	TP       *float64
	Status   PositionStatus
	PnLUSD   float64
	PnLR     float64
	FeesUSD  float64
	OpenedAt int64
	ClosedAt *int64
	Meta     map[string]any
}

// DurationHours returns the position's age (or lifetime, if closed) in hours.
func (p Position) DurationHours(nowMs int64) float64 {
	end := nowMs
	if p.ClosedAt != nil {
		end = *p.ClosedAt
	}
	return float64(end-p.OpenedAt) / 3_600_000
}

// PositionTracker is the engine's runtime-only wrapper around a Position, holding
// derived management flags. It is created when a position opens and discarded once
// the position reaches a terminal status.
type PositionTracker struct {
	Position       Position
	TP1Executed    bool
	TP2Executed    bool
	BreakevenMoved bool
	TrailingActive bool
	AddOnExecuted  bool
}
