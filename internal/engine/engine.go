// Package engine runs the trading cycle: scan the universe, build levels, generate
// signals, size and execute them, then manage open positions, over and over until
// stopped or emergency-flattened. The cycle is an explicit state machine
// (SCANNING -> LEVEL_BUILDING -> SIGNAL_WAIT -> SIZING -> EXECUTION -> MANAGING ->
// SCANNING, or EMERGENCY -> STOPPED) driven by a ticker; subsystems fan out
// internally but state transitions are serialized.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/breakout-engine/internal/execution"
	"github.com/atlas-desktop/breakout-engine/internal/exchange"
	"github.com/atlas-desktop/breakout-engine/internal/levels"
	"github.com/atlas-desktop/breakout-engine/internal/marketdata"
	"github.com/atlas-desktop/breakout-engine/internal/position"
	"github.com/atlas-desktop/breakout-engine/internal/risk"
	"github.com/atlas-desktop/breakout-engine/internal/scanner"
	"github.com/atlas-desktop/breakout-engine/internal/signals"
	"github.com/atlas-desktop/breakout-engine/internal/workers"
	"github.com/atlas-desktop/breakout-engine/pkg/config"
	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"github.com/atlas-desktop/breakout-engine/pkg/utils"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// State is one phase of the engine's per-cycle state machine.
type State string

const (
	StateInitializing  State = "INITIALIZING"
	StateScanning      State = "SCANNING"
	StateLevelBuilding State = "LEVEL_BUILDING"
	StateSignalWait    State = "SIGNAL_WAIT"
	StateSizing        State = "SIZING"
	StateExecution     State = "EXECUTION"
	StateManaging      State = "MANAGING"
	StateEmergency     State = "EMERGENCY"
	StateStopped       State = "STOPPED"
)

// Event is one diagnostics-sink record.
type Event struct {
	TimestampMs   int64
	Component     string
	Stage         string
	Symbol        string
	CorrelationID string
	Metric        string
	Value         float64
	Threshold     float64
	Passed        *bool
	Reason        string
	Metadata      map[string]any
}

// Tracer is the diagnostics-sink contract the engine emits tracing events to. A nil
// Tracer disables tracing entirely.
type Tracer interface {
	Trace(Event)
}

// Config tunes the cycle loop's pacing and fault tolerance. The per-filter/strategy
// thresholds all live in config.Preset; this Config is engine-loop-only.
type Config struct {
	MaxConsecutiveErrors    int
	BackoffBase             time.Duration
	BackoffMax              time.Duration
	UniverseRefreshInterval time.Duration
	MetricsInterval         time.Duration
	QuoteCurrency           string
}

// DefaultConfig returns the engine loop defaults.
func DefaultConfig() Config {
	return Config{
		MaxConsecutiveErrors:    5,
		BackoffBase:             time.Second,
		BackoffMax:              2 * time.Minute,
		UniverseRefreshInterval: time.Hour,
		MetricsInterval:         30 * time.Second,
		QuoteCurrency:           "USDT",
	}
}

// Metrics is the engine's live snapshot, polled by internal/api.
type Metrics struct {
	State               State
	CycleCount          int64
	ErrorCount          int
	LastCycleDurationMs int64
	LastCycleAt         int64
	Equity              float64
	OpenPositions       int
}

// Engine wires every subsystem together and drives the trading cycle.
type Engine struct {
	logger *zap.Logger
	cfg    config.Preset
	engCfg Config

	client   exchange.Client
	streamer exchange.Streamer
	tracer   Tracer

	marketdata *marketdata.Provider
	scanner    *scanner.Scanner
	levels     *levels.Detector
	signals    *signals.Generator
	execution  *execution.Manager
	position   *position.Manager
	activity   *position.TradeActivityTracker

	mu      sync.RWMutex
	risk    *risk.Manager
	state   State
	running bool
	stopCh  chan struct{}
	symbols []string

	metricsMu sync.Mutex
	metrics   Metrics

	errMu      sync.Mutex
	errorCount int
	backoff    time.Duration

	indicatorPool *workers.Pool
}

// New constructs an Engine. The risk manager is created lazily in Start, once the
// starting equity is known.
func New(logger *zap.Logger, cfg config.Preset, engCfg Config, client exchange.Client, streamer exchange.Streamer, tracer Tracer) *Engine {
	log := logger.Named("engine")
	activity := position.NewTradeActivityTracker()
	pool := workers.NewPool(log.Named("indicators"), workers.DefaultPoolConfig("indicators"))
	pool.Start()
	return &Engine{
		logger:        log,
		cfg:           cfg,
		engCfg:        engCfg,
		client:        client,
		streamer:      streamer,
		tracer:        tracer,
		marketdata:    marketdata.New(log, client, streamer, marketdata.DefaultConfig()),
		scanner:       scanner.New(log, cfg),
		levels:        levels.New(cfg.Levels),
		indicatorPool: pool,
		signals:       signals.New(log, cfg.Signal, cfg.Levels),
		execution:     execution.New(log, client, cfg.Execution),
		position:      position.New(log, cfg.Signal, cfg.Position, activity),
		activity:      activity,
		state:         StateInitializing,
	}
}

// State returns the engine's current phase.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// PositionManager exposes the engine's position manager for read-only reporting
// (internal/api's positions endpoints).
func (e *Engine) PositionManager() *position.Manager {
	return e.position
}

// Metrics returns a snapshot of the engine's live counters.
func (e *Engine) Metrics() Metrics {
	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()
	return e.metrics
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()

	e.metricsMu.Lock()
	e.metrics.State = s
	e.metricsMu.Unlock()
}

func (e *Engine) trace(component, stage, symbol, correlationID, reason string, meta map[string]any) {
	if e.tracer == nil {
		return
	}
	e.tracer.Trace(Event{
		TimestampMs:   time.Now().UnixMilli(),
		Component:     component,
		Stage:         stage,
		Symbol:        symbol,
		CorrelationID: correlationID,
		Reason:        reason,
		Metadata:      meta,
	})
}

// Start fetches the starting equity and symbol universe, then launches the cycle
// loop and its background refresh loops. Returns an error if already running.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine: already running")
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.mu.Unlock()

	e.setState(StateInitializing)

	equity, err := e.client.FetchBalance(ctx, e.engCfg.QuoteCurrency)
	if err != nil {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		return fmt.Errorf("engine: fetch starting balance: %w", err)
	}
	e.mu.Lock()
	e.risk = risk.New(e.logger, e.cfg.Risk, e.cfg.Scanner.MaxCorrelation, equity)
	e.mu.Unlock()

	universe, err := e.discoverUniverse(ctx)
	if err != nil {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		return fmt.Errorf("engine: discover universe: %w", err)
	}
	e.mu.Lock()
	e.symbols = universe
	e.mu.Unlock()

	e.logger.Info("engine starting", zap.Int("symbols", len(universe)), zap.Float64("equity", equity))
	e.setState(StateScanning)

	go e.cycleLoop(ctx)
	go e.universeLoop(ctx)
	go e.metricsLoop(ctx)

	return nil
}

// Stop signals every background loop to exit. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()
	stats := e.indicatorPool.Stats()
	if err := e.indicatorPool.Stop(); err != nil {
		e.logger.Warn("indicator pool shutdown error", zap.Error(err))
	}
	e.logger.Info("engine stopped",
		zap.Int64("level_tasks_submitted", stats.TasksSubmitted),
		zap.Int64("level_tasks_completed", stats.TasksCompleted),
	)
}

func (e *Engine) discoverUniverse(ctx context.Context) ([]string, error) {
	if len(e.cfg.Scanner.Whitelist) > 0 {
		return append([]string(nil), e.cfg.Scanner.Whitelist...), nil
	}
	markets, err := e.client.FetchMarkets(ctx)
	if err != nil {
		return nil, err
	}
	blacklist := make(map[string]bool, len(e.cfg.Scanner.Blacklist))
	for _, s := range e.cfg.Scanner.Blacklist {
		blacklist[s] = true
	}
	var out []string
	for _, m := range markets {
		if !m.Active || !m.Contract || !m.Linear || blacklist[m.Symbol] {
			continue
		}
		out = append(out, m.Symbol)
	}
	return out, nil
}

func (e *Engine) universeLoop(ctx context.Context) {
	interval := e.engCfg.UniverseRefreshInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			universe, err := e.discoverUniverse(ctx)
			if err != nil {
				e.logger.Warn("universe refresh failed, keeping previous list", zap.Error(err))
				continue
			}
			e.mu.Lock()
			e.symbols = universe
			e.mu.Unlock()
		}
	}
}

func (e *Engine) metricsLoop(ctx context.Context) {
	interval := e.engCfg.MetricsInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.mu.RLock()
			riskMgr := e.risk
			e.mu.RUnlock()
			if riskMgr == nil {
				continue
			}
			open := e.position.Active()
			m := riskMgr.ComputeMetrics(0, open, nil)
			e.metricsMu.Lock()
			e.metrics.OpenPositions = len(open)
			e.metrics.Equity = m.TotalEquity
			e.metricsMu.Unlock()
		}
	}
}

func (e *Engine) cycleLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.runCycleSafely(ctx)
		}
	}
}

// runCycleSafely recovers panics from the cycle body, mapping them onto the error
// counter and retry backoff; subsystem failures never escape the cycle loop.
func (e *Engine) runCycleSafely(ctx context.Context) {
	e.mu.RLock()
	riskMgr := e.risk
	e.mu.RUnlock()
	if riskMgr != nil && riskMgr.IsDisabled() {
		e.emergency(ctx, "kill switch active")
		return
	}

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("engine: cycle panic: %v", r)
			}
		}()
		return e.runCycle(ctx)
	}()
	duration := time.Since(start)

	e.metricsMu.Lock()
	e.metrics.LastCycleDurationMs = duration.Milliseconds()
	e.metrics.LastCycleAt = time.Now().UnixMilli()
	e.metricsMu.Unlock()

	if err == nil {
		e.errMu.Lock()
		e.errorCount = 0
		e.backoff = 0
		e.errMu.Unlock()
		e.metricsMu.Lock()
		e.metrics.CycleCount++
		e.metricsMu.Unlock()
		if rc, ok := e.tracer.(interface{ RecordCycle(time.Duration) }); ok {
			rc.RecordCycle(duration)
		}
		return
	}

	e.logger.Error("cycle failed", zap.Error(err))
	e.errMu.Lock()
	e.errorCount++
	count := e.errorCount
	if e.backoff == 0 {
		e.backoff = e.engCfg.BackoffBase
	} else {
		e.backoff *= 2
		if e.backoff > e.engCfg.BackoffMax {
			e.backoff = e.engCfg.BackoffMax
		}
	}
	backoff := e.backoff
	e.errMu.Unlock()

	e.metricsMu.Lock()
	e.metrics.ErrorCount = count
	e.metricsMu.Unlock()

	if count >= e.engCfg.MaxConsecutiveErrors {
		e.emergency(ctx, fmt.Sprintf("exceeded max consecutive cycle errors (%d)", count))
		return
	}
	time.Sleep(backoff)
}

// runCycle executes one full SCANNING -> MANAGING pass.
func (e *Engine) runCycle(ctx context.Context) error {
	e.mu.RLock()
	symbols := append([]string(nil), e.symbols...)
	riskMgr := e.risk
	e.mu.RUnlock()
	if len(symbols) == 0 || riskMgr == nil {
		return nil
	}

	// SCANNING
	e.setState(StateScanning)
	marketData := e.marketdata.GetMultiple(ctx, symbols)
	for symbol, md := range marketData {
		e.activity.Record(symbol, md.TradesPerMinute)
	}
	mdSlice := make([]types.MarketData, 0, len(marketData))
	for _, md := range marketData {
		mdSlice = append(mdSlice, md)
	}
	ranked := e.scanner.Scan(mdSlice)
	maxCandidates := e.cfg.Scanner.MaxCandidates
	if maxCandidates > 0 && len(ranked) > maxCandidates {
		ranked = ranked[:maxCandidates]
	}
	for _, r := range ranked {
		e.trace("scanner", "scanning", r.Symbol, r.CorrelationID, "", map[string]any{"score": r.Score, "rank": r.Rank})
	}

	// LEVEL_BUILDING. Level detection (support/resistance/cascade scoring) is the
	// longest per-symbol computation, so it goes through the bounded worker pool
	// instead of running serially in the cycle goroutine.
	e.setState(StateLevelBuilding)
	filtered := make([]types.ScanResult, 0, len(ranked))
	for _, r := range ranked {
		if r.PassedAllFilters() {
			filtered = append(filtered, r)
		}
	}
	candidates := make([]types.ScanResult, len(filtered))
	var wg sync.WaitGroup
	for i, r := range filtered {
		i, r := i, r
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := e.indicatorPool.SubmitWait(workers.TaskFunc(func() error {
				r.Levels = e.levels.Detect(r.MarketData.Candles5m)
				return nil
			}))
			if err != nil {
				// Pool stopped or queue full: fall back to computing inline so a
				// symbol never drops out of the cycle solely because of backpressure.
				r.Levels = e.levels.Detect(r.MarketData.Candles5m)
			}
			candidates[i] = r
		}()
	}
	wg.Wait()

	// SIGNAL_WAIT
	e.setState(StateSignalWait)
	candidateSignals := e.signals.Generate(candidates)
	for _, s := range candidateSignals {
		e.trace("signals", "signal_wait", s.Symbol, s.CorrelationID, "", map[string]any{"strategy": s.Strategy, "confidence": s.Confidence})
	}

	// SIZING
	e.setState(StateSizing)
	openPositions := e.position.Active()
	equity, err := e.client.FetchBalance(ctx, e.engCfg.QuoteCurrency)
	if err != nil {
		e.logger.Warn("fetch balance failed, skipping cycle's sizing/execution", zap.Error(err))
		return nil
	}
	correlations := make(map[string]float64, len(marketData))
	for symbol, md := range marketData {
		correlations[symbol] = md.BTCCorrelation
	}

	type sized struct {
		signal types.Signal
		size   risk.PositionSize
	}
	var approved []sized
	for _, s := range candidateSignals {
		md, ok := marketData[s.Symbol]
		if !ok {
			continue
		}
		result := riskMgr.Evaluate(s, equity, openPositions, correlations, md)
		e.trace("risk", "sizing", s.Symbol, s.CorrelationID, result.Reason, map[string]any{"approved": result.Approved})
		if !result.Approved {
			continue
		}
		approved = append(approved, sized{signal: s, size: result.Size})
	}

	// EXECUTION
	e.setState(StateExecution)
	for _, a := range approved {
		md := marketData[a.signal.Symbol]
		side := types.OrderBuy
		if a.signal.Side == types.SideShort {
			side = types.OrderSell
		}
		order, err := e.execution.Execute(ctx, execution.Request{
			Symbol:     a.signal.Symbol,
			Side:       side,
			TotalQty:   a.size.Qty,
			MarketData: md,
			Intent:     execution.IntentEntry,
		})
		if err != nil {
			e.logger.Warn("entry execution failed", zap.String("symbol", a.signal.Symbol), zap.Error(err))
			e.trace("execution", "execution", a.signal.Symbol, a.signal.CorrelationID, err.Error(), nil)
			continue
		}
		if order == nil || order.FilledQty <= 0 {
			continue
		}
		pos := types.Position{
			ID:       utils.GeneratePositionID(),
			Symbol:   a.signal.Symbol,
			Side:     a.signal.Side,
			Strategy: a.signal.Strategy,
			Qty:      order.FilledQty,
			Entry:    derefOr(order.AvgFillPrice, a.signal.Entry),
			SL:       a.signal.SL,
			TP:       a.signal.TP1,
			Status:   types.PositionOpen,
			FeesUSD:  order.FeesUSD,
			OpenedAt: time.Now().UnixMilli(),
			Meta: map[string]any{
				"correlation_id": a.signal.CorrelationID,
				"confidence":     a.signal.Confidence,
			},
		}
		e.position.Add(pos)
		e.trace("execution", "execution", pos.Symbol, a.signal.CorrelationID, "", map[string]any{"qty": pos.Qty, "entry": pos.Entry})
	}

	// MANAGING
	e.setState(StateManaging)
	open := e.position.Active()
	byID := make(map[string]types.Position, len(open))
	for _, p := range open {
		byID[p.ID] = p
	}
	updates := e.position.ProcessUpdates(open, marketData)
	for _, u := range updates {
		e.applyUpdate(ctx, u, byID, marketData)
	}
	e.position.Cleanup()

	return nil
}

func derefOr(p *float64, fallback float64) float64 {
	if p != nil {
		return *p
	}
	return fallback
}

// applyUpdate converts one position.Update into an execution request and reconciles
// the resulting fill back into the position manager.
func (e *Engine) applyUpdate(ctx context.Context, u position.Update, byID map[string]types.Position, marketData map[string]types.MarketData) {
	pos, ok := byID[u.PositionID]
	if !ok {
		return
	}
	md, ok := marketData[pos.Symbol]
	if !ok {
		return
	}

	if u.Action == position.ActionUpdateStop {
		pos.SL = u.Price
		e.position.Sync(pos)
		e.trace("position", "managing", pos.Symbol, "", u.Reason, map[string]any{"new_stop": u.Price})
		return
	}

	exitSide := types.OrderSell
	if pos.Side == types.SideShort {
		exitSide = types.OrderBuy
	}
	qty := u.Quantity
	if qty <= 0 || qty > pos.Qty {
		qty = pos.Qty
	}

	switch u.Action {
	case position.ActionTakeProfit, position.ActionClose:
		order, err := e.execution.Execute(ctx, execution.Request{
			Symbol:     pos.Symbol,
			Side:       exitSide,
			TotalQty:   qty,
			MarketData: md,
			ReduceOnly: true,
			Intent:     execution.IntentExit,
		})
		if err != nil || order == nil || order.FilledQty <= 0 {
			if err != nil {
				e.logger.Warn("exit execution failed", zap.String("symbol", pos.Symbol), zap.Error(err))
			}
			return
		}
		e.settleExit(pos, order, u.Reason)
	case position.ActionAddOn:
		side := types.OrderBuy
		if pos.Side == types.SideShort {
			side = types.OrderSell
		}
		order, err := e.execution.Execute(ctx, execution.Request{
			Symbol:     pos.Symbol,
			Side:       side,
			TotalQty:   qty,
			MarketData: md,
			Intent:     execution.IntentAddOn,
		})
		if err != nil || order == nil || order.FilledQty <= 0 {
			if err != nil {
				e.logger.Warn("add-on execution failed", zap.String("symbol", pos.Symbol), zap.Error(err))
			}
			return
		}
		fillPrice := derefOr(order.AvgFillPrice, md.Price)
		totalQty := pos.Qty + order.FilledQty
		pos.Entry = (pos.Entry*pos.Qty + fillPrice*order.FilledQty) / totalQty
		pos.Qty = totalQty
		pos.FeesUSD += order.FeesUSD
		e.position.Sync(pos)
		e.trace("position", "managing", pos.Symbol, "", "add-on filled", map[string]any{"qty": order.FilledQty})
	}
}

// settleExit realizes PnL for a (possibly partial) reduce-only fill and updates the
// position manager's bookkeeping.
func (e *Engine) settleExit(pos types.Position, order *types.Order, reason string) {
	fillPrice := derefOr(order.AvgFillPrice, pos.Entry)
	sign := 1.0
	if pos.Side == types.SideShort {
		sign = -1.0
	}
	closedQty := order.FilledQty
	realizedUSD := (fillPrice-pos.Entry)*closedQty*sign - order.FeesUSD
	stopDistance := pos.Entry - pos.SL
	if stopDistance < 0 {
		stopDistance = -stopDistance
	}
	realizedR := 0.0
	if stopDistance > 0 {
		realizedR = utils.SafeDivide(realizedUSD, stopDistance*closedQty, 0)
	}

	pos.PnLUSD += realizedUSD
	pos.FeesUSD += order.FeesUSD
	remaining := pos.Qty - closedQty
	if remaining <= 1e-9 {
		pos.Qty = 0
		pos.Status = types.PositionClosed
		now := time.Now().UnixMilli()
		pos.ClosedAt = &now
		pos.PnLR = realizedR
		e.position.Sync(pos)
		e.position.Remove(pos.ID)
	} else {
		pos.Qty = remaining
		pos.Status = types.PositionPartiallyClosed
		pos.PnLR = realizedR
		e.position.Sync(pos)
	}
	e.trace("position", "managing", pos.Symbol, "", reason, map[string]any{"realized_usd": realizedUSD, "closed_qty": closedQty})
}

// emergency flattens every open position with reduce-only market exits and stops the
// engine; a kill switch or fatal subsystem error never leaves a position unmanaged.
func (e *Engine) emergency(ctx context.Context, reason string) {
	e.setState(StateEmergency)
	e.logger.Error("entering emergency state", zap.String("reason", reason))
	e.trace("engine", "emergency", "", "", reason, nil)

	open := e.position.Active()
	var errs error
	for _, p := range open {
		side := types.OrderSell
		if p.Side == types.SideShort {
			side = types.OrderBuy
		}
		md, ok := e.marketdata.Get(ctx, p.Symbol)
		if !ok || md == nil {
			errs = multierr.Append(errs, fmt.Errorf("emergency flatten %s: no market data", p.Symbol))
			continue
		}
		order, err := e.execution.Execute(ctx, execution.Request{
			Symbol:     p.Symbol,
			Side:       side,
			TotalQty:   p.Qty,
			MarketData: *md,
			ReduceOnly: true,
			Intent:     execution.IntentExit,
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("emergency flatten %s: %w", p.Symbol, err))
			continue
		}
		if order != nil && order.FilledQty > 0 {
			e.settleExit(p, order, "emergency flatten")
		}
	}
	if errs != nil {
		e.logger.Error("emergency flatten encountered errors", zap.Error(errs))
	}

	e.setState(StateStopped)
	e.Stop()
}
