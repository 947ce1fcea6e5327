// Package execution converts an approved signal or position update into one or more
// exchange orders, respecting book depth, and aggregates the child fills into a
// single composite Order. Large orders are TWAP-sliced against the 5bps depth
// envelope; tight-spread slices go out as post-only limits, the rest as markets.
package execution

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/atlas-desktop/breakout-engine/internal/exchange"
	"github.com/atlas-desktop/breakout-engine/pkg/config"
	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"github.com/atlas-desktop/breakout-engine/pkg/utils"
	"go.uber.org/zap"
)

// Intent describes why the execution manager was asked to trade.
type Intent string

const (
	IntentEntry Intent = "entry"
	IntentExit  Intent = "exit"
	IntentAddOn Intent = "add_on"
)

// Request describes one execution ask: convert a desired quantity into fills.
type Request struct {
	Symbol     string
	Side       types.OrderSide
	TotalQty   float64
	MarketData types.MarketData
	ReduceOnly bool
	Intent     Intent
}

// DepthEnvelope is the normalized view of book liquidity the execution manager
// reasons about, whether sourced from a live WS DepthSnapshot or a REST L2Depth.
type DepthEnvelope struct {
	BestBid        float64
	BestAsk        float64
	SpreadBps      float64
	DepthAt5BpsBid float64
	DepthAt5BpsAsk float64
}

// depthEnvelopeFromL2 derives a DepthEnvelope from MarketData's L2Depth,
// approximating depth_at_5_bps as depth_0_3pct * (5/30).
func depthEnvelopeFromL2(d *types.L2Depth) *DepthEnvelope {
	if d == nil {
		return nil
	}
	const ratio = 5.0 / 30.0
	return &DepthEnvelope{
		BestBid:        d.BestBid,
		BestAsk:        d.BestAsk,
		SpreadBps:      d.SpreadBps,
		DepthAt5BpsBid: d.BidUSD0_3Pct * ratio,
		DepthAt5BpsAsk: d.AskUSD0_3Pct * ratio,
	}
}

// aggressorDepth returns the depth on the side the order consumes liquidity from:
// buys consume ask depth, sells consume bid depth.
func (e *DepthEnvelope) aggressorDepth(side types.OrderSide) float64 {
	if side == types.OrderBuy {
		return e.DepthAt5BpsAsk
	}
	return e.DepthAt5BpsBid
}

// Manager is the depth-aware execution manager.
type Manager struct {
	logger *zap.Logger
	client exchange.Client
	cfg    config.ExecutionConfig
}

// New constructs an execution Manager.
func New(logger *zap.Logger, client exchange.Client, cfg config.ExecutionConfig) *Manager {
	return &Manager{logger: logger.Named("execution"), client: client, cfg: cfg}
}

// Execute converts req into one or more exchange orders and returns the synthetic
// composite parent Order. Returns (nil, nil) on zero fills — no fill is not
// itself an error.
func (m *Manager) Execute(ctx context.Context, req Request) (*types.Order, error) {
	envelope := depthEnvelopeFromL2(req.MarketData.L2Depth)

	notional := req.TotalQty * req.MarketData.Price
	allowedQty := req.TotalQty

	if envelope != nil {
		allowed := envelope.aggressorDepth(req.Side) * m.cfg.MaxDepthFraction
		if notional > allowed {
			if allowed < 0.3*notional {
				return nil, fmt.Errorf("execution: depth guard rejected order: allowed=$%.2f notional=$%.2f", allowed, notional)
			}
			allowedQty = utils.SafeDivide(allowed, req.MarketData.Price, 0)
		}
	}

	slices := m.computeSlices(envelope, req.Side, allowedQty, req.MarketData.Price)

	deadline := time.Now().Add(time.Duration(m.cfg.DeadmanTimeoutMs) * time.Millisecond)
	sliceQty := allowedQty / float64(slices)

	composite := &types.Order{
		ID:        utils.GenerateOrderID(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		OrderType: types.OrderMarket,
		Qty:       req.TotalQty,
		CreatedAt: req.MarketData.Timestamp,
		Metadata: map[string]any{
			"intent":      string(req.Intent),
			"slices":      slices,
			"order_types": []string{},
			"reference_price": req.MarketData.Price,
		},
	}

	var filledQty, valueSum, feesSum float64
	var childIDs []string
	var orderTypesUsed []string

sliceLoop:
	for i := 0; i < slices; i++ {
		if time.Now().After(deadline) {
			m.logger.Warn("execution deadman timeout, aborting remaining slices", zap.String("symbol", req.Symbol), zap.Int("completed", i), zap.Int("total", slices))
			break
		}

		orderType, limitPrice, postOnly := m.slicePolicy(envelope, req.Side)

		raw, err := m.client.CreateOrder(ctx, req.Symbol, orderType, req.Side, sliceQty, limitPrice, exchange.CreateOrderParams{
			ReduceOnly:  req.ReduceOnly,
			PostOnly:    postOnly,
			TimeInForce: "GTC",
		})
		if err != nil {
			m.logger.Warn("slice failed, aborting remaining slices", zap.Error(err), zap.String("symbol", req.Symbol), zap.Int("slice", i))
			break
		}

		fees := raw.FeesUSD
		if fees == 0 {
			feeBps := m.cfg.TakerFeeBps
			if postOnly {
				feeBps = m.cfg.MakerFeeBps
			}
			fees = feeBps * raw.AvgFillPrice * raw.FilledQty / 10000
		}

		filledQty += raw.FilledQty
		valueSum += raw.AvgFillPrice * raw.FilledQty
		feesSum += fees
		childIDs = append(childIDs, raw.ExchangeID)
		orderTypesUsed = append(orderTypesUsed, string(orderType))

		if i < slices-1 {
			select {
			case <-ctx.Done():
				m.logger.Warn("execution context cancelled mid-TWAP, aborting remaining slices", zap.String("symbol", req.Symbol), zap.Int("completed", i+1), zap.Int("total", slices))
				break sliceLoop
			case <-time.After(time.Duration(m.cfg.TWAPIntervalSeconds * float64(time.Second))):
			}
		}
	}

	if filledQty == 0 {
		return nil, nil
	}

	composite.FilledQty = filledQty
	avgPrice := utils.SafeDivide(valueSum, filledQty, req.MarketData.Price)
	composite.AvgFillPrice = &avgPrice
	composite.FeesUSD = feesSum
	composite.UpdatedAt = req.MarketData.Timestamp

	if filledQty >= 0.999*req.TotalQty {
		composite.Status = types.OrderFilled
	} else {
		composite.Status = types.OrderOpen
	}

	slippageBps := utils.SafeDivide(avgPrice-req.MarketData.Price, req.MarketData.Price, 0) * 10000
	composite.Metadata["order_types"] = orderTypesUsed
	composite.Metadata["child_order_ids"] = childIDs
	composite.Metadata["slippage_bps"] = slippageBps
	if req.MarketData.L2Depth != nil {
		composite.Metadata["depth_snapshot"] = *req.MarketData.L2Depth
	}

	return composite, nil
}

// computeSlices returns the TWAP slice count, or 1 if TWAP is disabled or no depth
// envelope is available.
func (m *Manager) computeSlices(envelope *DepthEnvelope, side types.OrderSide, qty, price float64) int {
	if !m.cfg.EnableTWAP || envelope == nil {
		return 1
	}
	notional := qty * price
	perSliceCap := envelope.aggressorDepth(side) * m.cfg.MaxDepthFraction
	if perSliceCap <= 0 {
		return 1
	}
	desired := int(math.Ceil(notional / perSliceCap))
	if desired < m.cfg.TWAPMinSlices {
		desired = m.cfg.TWAPMinSlices
	}
	if desired > m.cfg.TWAPMaxSlices {
		desired = m.cfg.TWAPMaxSlices
	}
	if desired < 1 {
		desired = 1
	}
	return desired
}

// slicePolicy decides market vs. post-only limit per slice based on the spread.
func (m *Manager) slicePolicy(envelope *DepthEnvelope, side types.OrderSide) (orderType types.OrderType, limitPrice *float64, postOnly bool) {
	if !m.cfg.EnableIceberg || envelope == nil || envelope.SpreadBps > m.cfg.SpreadWidenBps {
		return types.OrderMarket, nil, false
	}
	offset := m.cfg.LimitOffsetBps / 10000
	var price float64
	if side == types.OrderBuy {
		price = envelope.BestBid * (1 - offset)
	} else {
		price = envelope.BestAsk * (1 + offset)
	}
	return types.OrderLimit, &price, true
}
