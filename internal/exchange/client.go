// Package exchange defines the two adapter contracts the core engine depends on —
// Client (REST) and Streamer (WS) — plus a paper-trading decorator that simulates
// fills against a USDT ledger. Venue wire formats beyond these normalized shapes
// are an adapter concern, not the core's.
package exchange

import (
	"context"

	"github.com/atlas-desktop/breakout-engine/pkg/types"
)

// Ticker is the normalized REST ticker shape.
type Ticker struct {
	Last         float64
	Bid          *float64
	Ask          *float64
	QuoteVolume  *float64
	Percentage   *float64 // 24h percent change
	Info         map[string]any
}

// OpenInterest is the normalized open-interest response.
type OpenInterest struct {
	OpenInterestValue *float64
}

// MarketMeta is exchange metadata about a tradable market, used to normalize L2
// notional (linear multiplies by ContractSize; inverse converts size/price*ContractSize).
type MarketMeta struct {
	Symbol       string
	Contract     bool
	Linear       bool
	ContractSize float64
	Active       bool
	Status       string
}

// CreateOrderParams carries the optional order flags the execution manager sets for
// reduce-only exits and post-only iceberg slices.
type CreateOrderParams struct {
	ReduceOnly  bool
	PostOnly    bool
	TimeInForce string // "GTC", "IOC", "FOK"
}

// RawOrder is what CreateOrder returns before the core maps it onto types.Order.
type RawOrder struct {
	ExchangeID   string
	Status       types.OrderStatus
	FilledQty    float64
	AvgFillPrice float64
	FeesUSD      float64
}

// Client is the REST contract the core depends on. All methods pass through the
// rate limiter, classified by endpoint category, at the concrete implementation.
type Client interface {
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int, since *int64) ([]types.Candle, error)
	FetchOrderBook(ctx context.Context, symbol string, limit int) (*types.L2Depth, error)
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)
	FetchOpenInterest(ctx context.Context, symbol string) (*OpenInterest, error)
	FetchMarkets(ctx context.Context) ([]MarketMeta, error)
	FetchBalance(ctx context.Context, currency string) (float64, error)
	CreateOrder(ctx context.Context, symbol string, orderType types.OrderType, side types.OrderSide, amount float64, price *float64, params CreateOrderParams) (*RawOrder, error)
	CancelOrder(ctx context.Context, orderID, symbol string) (bool, error)
}

// Streamer is the WS contract the core depends on (§4.2/§6).
type Streamer interface {
	EnsureSymbol(symbol string)
	GetDepthSnapshot(symbol string) (types.DepthSnapshot, bool)
	GetTradeStats(symbol string) (types.TradeStats, bool)
	Stop()
}
