// Package position tracks open positions' management state — stop trailing,
// take-profit ladders, breakeven moves, add-ons and closeout conditions. A
// tracker per position carries the latched flags (tp1/tp2 done, breakeven moved,
// add-on used) across cycles; each cycle emits zero or more Updates the engine
// turns into orders.
package position

import (
	"sync"
	"time"

	"github.com/atlas-desktop/breakout-engine/internal/indicators"
	"github.com/atlas-desktop/breakout-engine/pkg/config"
	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"go.uber.org/zap"
)

// Action identifies what an Update instructs the engine to do.
type Action string

const (
	ActionUpdateStop Action = "update_stop"
	ActionTakeProfit Action = "take_profit"
	ActionClose      Action = "close"
	ActionAddOn      Action = "add_on"
)

// Update is an instruction the engine must apply to a position.
type Update struct {
	PositionID string
	Action     Action
	Price      float64
	Quantity   float64
	Reason     string
	Meta       map[string]any
}

// ActivityTracker reports whether recent trading activity for a symbol has
// dropped relative to its own baseline, feeding the panic-exit check.
type ActivityTracker interface {
	IsActivityDropping(symbol string, dropFrac float64) bool
}

// tracker holds one position's management state across cycles.
type tracker struct {
	position       types.Position
	tp1Executed    bool
	tp2Executed    bool
	breakevenMoved bool
	trailingActive bool
	addOnExecuted  bool
	rDistance      float64 // |entry - initial stop|, latched on first take-profit check
}

func (t *tracker) shouldUpdateStop(cfg config.PositionConfig, candles []types.Candle) (float64, bool) {
	if len(candles) == 0 {
		return 0, false
	}

	if t.tp1Executed && !t.breakevenMoved {
		if t.position.Side == types.SideLong {
			newStop := t.position.Entry * 1.001
			if newStop > t.position.SL {
				t.breakevenMoved = true
				return newStop, true
			}
		} else {
			newStop := t.position.Entry * 0.999
			if newStop < t.position.SL {
				t.breakevenMoved = true
				return newStop, true
			}
		}
	}

	if t.breakevenMoved && len(candles) >= cfg.ChandelierMinCandles {
		newStop := indicators.ChandelierExit(candles, cfg.ChandelierMinCandles, cfg.ChandelierATRMult, t.position.Side == types.SideLong)
		if newStop != 0 {
			t.trailingActive = true
			if t.position.Side == types.SideLong && newStop > t.position.SL {
				return newStop, true
			}
			if t.position.Side == types.SideShort && newStop < t.position.SL {
				return newStop, true
			}
		}
	}

	return 0, false
}

// tpResult is the outcome of a take-profit check.
type tpResult struct {
	kind  string // "tp1" | "tp2"
	price float64
	qty   float64
}

func (t *tracker) shouldTakeProfit(cfg config.PositionConfig, tp1R, tp2R, currentPrice float64) (tpResult, bool) {
	entry, stop := t.position.Entry, t.position.SL
	if t.rDistance == 0 {
		d := entry - stop
		if d < 0 {
			d = -d
		}
		t.rDistance = d
	}
	rDistance := t.rDistance

	long := t.position.Side == types.SideLong
	sign := 1.0
	if !long {
		sign = -1.0
	}

	tp1Price := entry + sign*rDistance*tp1R
	if !t.tp1Executed && ((long && currentPrice >= tp1Price) || (!long && currentPrice <= tp1Price)) {
		return tpResult{kind: "tp1", price: tp1Price, qty: t.position.Qty * cfg.TP1SizePct}, true
	}

	tp2Price := entry + sign*rDistance*tp2R
	if t.tp1Executed && !t.tp2Executed && ((long && currentPrice >= tp2Price) || (!long && currentPrice <= tp2Price)) {
		return tpResult{kind: "tp2", price: tp2Price, qty: t.position.Qty * cfg.TP2SizePct}, true
	}

	return tpResult{}, false
}

func (t *tracker) shouldClose(cfg config.PositionConfig, nowMs int64, activity ActivityTracker) string {
	ageHours := float64(nowMs-t.position.OpenedAt) / 3_600_000
	if ageHours > cfg.MaxHoldTimeHours {
		return "maximum hold time exceeded"
	}

	if cfg.TimeStopMinutes != nil {
		ageMinutes := float64(nowMs-t.position.OpenedAt) / 60_000
		if ageMinutes > *cfg.TimeStopMinutes {
			return "time stop triggered"
		}
	}

	if cfg.ActivityPanicEnabled && activity != nil {
		if activity.IsActivityDropping(t.position.Symbol, cfg.ActivityDropThreshold) {
			return "panic exit: activity drop detected"
		}
	}

	if !t.tp1Executed && ageHours > cfg.NoProgressHours && t.position.PnLR < cfg.NoProgressMaxPnLR {
		return "no progress, closing"
	}

	return ""
}

func (t *tracker) shouldAddOn(cfg config.PositionConfig, currentPrice float64, candles []types.Candle) (float64, bool) {
	if !cfg.AddOnEnabled || t.addOnExecuted {
		return 0, false
	}
	if t.position.PnLR < cfg.AddOnMinPnLR {
		return 0, false
	}
	if len(candles) < cfg.AddOnMinCandles {
		return 0, false
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	ema9 := indicators.EMASeries(closes, 9)
	emaPrice := ema9[len(ema9)-1]
	if emaPrice == 0 {
		return 0, false
	}

	proximity := cfg.AddOnEMAProximityPct
	if t.position.Side == types.SideLong {
		ratio := currentPrice / emaPrice
		if ratio >= 1-proximity && ratio <= 1+proximity {
			return emaPrice, true
		}
	} else {
		ratio := emaPrice / currentPrice
		if ratio >= 1-proximity && ratio <= 1+proximity {
			return emaPrice, true
		}
	}
	return 0, false
}

// Metrics summarizes position management activity across the tracked set.
type Metrics struct {
	TotalPositions      int
	OpenPositions       int
	ClosedPositions     int
	AvgHoldTimeHours    float64
	TP1HitRate          float64
	TP2HitRate          float64
	AvgRRealized        float64
	BreakevenMovedCount int
	TrailingActiveCount int
	AddOnCount          int
}

// Status is the detailed per-position snapshot returned by Status.
type Status struct {
	PositionID     string
	Symbol         string
	Side           types.Side
	Qty            float64
	Entry          float64
	CurrentSL      float64
	CurrentPnLR    float64
	TP1Executed    bool
	TP2Executed    bool
	BreakevenMoved bool
	TrailingActive bool
	AddOnExecuted  bool
	AgeHours       float64
	PositionStatus types.PositionStatus
}

// Manager coordinates management state for every open position.
type Manager struct {
	logger   *zap.Logger
	cfg      config.SignalConfig
	posCfg   config.PositionConfig
	activity ActivityTracker

	mu       sync.Mutex
	trackers map[string]*tracker

	recentMu sync.Mutex
	recent   []types.Position
}

// New constructs a Manager. activity may be nil to disable panic-exit checks.
func New(logger *zap.Logger, signalCfg config.SignalConfig, posCfg config.PositionConfig, activity ActivityTracker) *Manager {
	return &Manager{
		logger:   logger.Named("position"),
		cfg:      signalCfg,
		posCfg:   posCfg,
		activity: activity,
		trackers: make(map[string]*tracker),
	}
}

// Add begins tracking a position.
func (m *Manager) Add(position types.Position) {
	m.mu.Lock()
	m.trackers[position.ID] = &tracker{position: position}
	m.mu.Unlock()

	m.recentMu.Lock()
	m.recent = append(m.recent, position)
	if len(m.recent) > 100 {
		m.recent = m.recent[len(m.recent)-100:]
	}
	m.recentMu.Unlock()

	m.logger.Info("added position to management", zap.String("id", position.ID), zap.String("symbol", position.Symbol))
}

// Remove stops tracking a position.
func (m *Manager) Remove(positionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trackers[positionID]; ok {
		delete(m.trackers, positionID)
		m.logger.Info("removed position from management", zap.String("id", positionID))
	}
}

// Sync refreshes a tracked position's data without resetting its management
// state (tp1/tp2/breakeven/add-on flags survive).
func (m *Manager) Sync(position types.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.trackers[position.ID]; ok {
		t.position = position
	}
}

// ProcessUpdates evaluates every open position against current market data and
// returns the instructions the engine must apply.
func (m *Manager) ProcessUpdates(positions []types.Position, marketData map[string]types.MarketData) []Update {
	var updates []Update
	nowMs := time.Now().UnixMilli()

	for _, p := range positions {
		// A TP1 partial fill leaves the position partially_closed with remaining
		// quantity that still needs breakeven/trailing/TP2/time-stop management;
		// only a fully closed position is done.
		if p.Status == types.PositionClosed {
			continue
		}
		md, ok := marketData[p.Symbol]
		if !ok {
			continue
		}

		m.mu.Lock()
		t, ok := m.trackers[p.ID]
		if !ok {
			t = &tracker{position: p}
			m.trackers[p.ID] = t
		} else {
			t.position = p
		}
		m.mu.Unlock()

		updates = append(updates, m.processOne(t, md, nowMs)...)
	}

	if len(updates) > 0 {
		m.logger.Info("generated position updates", zap.Int("count", len(updates)))
	}
	return updates
}

func (m *Manager) processOne(t *tracker, md types.MarketData, nowMs int64) []Update {
	var updates []Update
	currentPrice := md.Price
	candles := md.Candles5m

	if newStop, ok := t.shouldUpdateStop(m.posCfg, candles); ok && newStop != t.position.SL {
		updates = append(updates, Update{
			PositionID: t.position.ID,
			Action:     ActionUpdateStop,
			Price:      newStop,
			Reason:     "stop update",
			Meta:       map[string]any{"old_stop": t.position.SL},
		})
	}

	if tp, ok := t.shouldTakeProfit(m.posCfg, m.cfg.TP1R, m.cfg.TP2R, currentPrice); ok {
		updates = append(updates, Update{
			PositionID: t.position.ID,
			Action:     ActionTakeProfit,
			Price:      tp.price,
			Quantity:   tp.qty,
			Reason:     tp.kind + " execution",
			Meta:       map[string]any{"tp_type": tp.kind},
		})
		if tp.kind == "tp1" {
			t.tp1Executed = true
		} else {
			t.tp2Executed = true
		}
	}

	if reason := t.shouldClose(m.posCfg, nowMs, m.activity); reason != "" {
		updates = append(updates, Update{
			PositionID: t.position.ID,
			Action:     ActionClose,
			Price:      currentPrice,
			Quantity:   t.position.Qty,
			Reason:     reason,
		})
	}

	if m.posCfg.AddOnEnabled {
		if addOnPrice, ok := t.shouldAddOn(m.posCfg, currentPrice, candles); ok {
			updates = append(updates, Update{
				PositionID: t.position.ID,
				Action:     ActionAddOn,
				Price:      addOnPrice,
				Quantity:   t.position.Qty * m.posCfg.AddOnMaxSizePct,
				Reason:     "add-on at EMA pullback",
				Meta:       map[string]any{"parent_position": t.position.ID},
			})
			t.addOnExecuted = true
		}
	}

	return updates
}

// Metrics computes aggregate management statistics over the given positions.
func (m *Manager) Metrics(positions []types.Position) Metrics {
	var metrics Metrics
	metrics.TotalPositions = len(positions)

	var totalHoldHours float64
	var validClosed int
	var tp1Hits, tp2Hits int
	var sumR float64

	for _, p := range positions {
		switch p.Status {
		case types.PositionOpen:
			metrics.OpenPositions++
		case types.PositionClosed, types.PositionPartiallyClosed:
			metrics.ClosedPositions++
			if p.ClosedAt != nil {
				totalHoldHours += float64(*p.ClosedAt-p.OpenedAt) / 3_600_000
				validClosed++
			}
			if p.PnLR >= 1.0 {
				tp1Hits++
			}
			if p.PnLR >= 2.0 {
				tp2Hits++
			}
			sumR += p.PnLR
		}
	}

	if validClosed > 0 {
		metrics.AvgHoldTimeHours = totalHoldHours / float64(validClosed)
	}
	if metrics.ClosedPositions > 0 {
		metrics.TP1HitRate = float64(tp1Hits) / float64(metrics.ClosedPositions)
		metrics.TP2HitRate = float64(tp2Hits) / float64(metrics.ClosedPositions)
		metrics.AvgRRealized = sumR / float64(metrics.ClosedPositions)
	}

	m.mu.Lock()
	for _, t := range m.trackers {
		if t.breakevenMoved {
			metrics.BreakevenMovedCount++
		}
		if t.trailingActive {
			metrics.TrailingActiveCount++
		}
		if t.addOnExecuted {
			metrics.AddOnCount++
		}
	}
	m.mu.Unlock()

	return metrics
}

// Status returns the detailed snapshot for one tracked position.
func (m *Manager) Status(positionID string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trackers[positionID]
	if !ok {
		return Status{}, false
	}
	p := t.position
	return Status{
		PositionID:     positionID,
		Symbol:         p.Symbol,
		Side:           p.Side,
		Qty:            p.Qty,
		Entry:          p.Entry,
		CurrentSL:      p.SL,
		CurrentPnLR:    p.PnLR,
		TP1Executed:    t.tp1Executed,
		TP2Executed:    t.tp2Executed,
		BreakevenMoved: t.breakevenMoved,
		TrailingActive: t.trailingActive,
		AddOnExecuted:  t.addOnExecuted,
		AgeHours:       p.DurationHours(time.Now().UnixMilli()),
		PositionStatus: p.Status,
	}, true
}

// Cleanup removes trackers for fully closed positions. Partially closed
// positions keep their trackers: the remaining quantity is still managed.
func (m *Manager) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int
	for id, t := range m.trackers {
		if t.position.Status == types.PositionClosed {
			delete(m.trackers, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("cleaned up closed position trackers", zap.Int("count", removed))
	}
	return removed
}

// Recent returns up to `limit` most-recently-added positions.
func (m *Manager) Recent(limit int) []types.Position {
	m.recentMu.Lock()
	defer m.recentMu.Unlock()

	if limit > len(m.recent) {
		limit = len(m.recent)
	}
	out := make([]types.Position, limit)
	copy(out, m.recent[len(m.recent)-limit:])
	return out
}

// Active returns the positions currently tracked as open or partially closed.
func (m *Manager) Active() []types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.Position
	for _, t := range m.trackers {
		if t.position.Status != types.PositionClosed {
			out = append(out, t.position)
		}
	}
	return out
}
