package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/atlas-desktop/breakout-engine/pkg/config"
	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"github.com/atlas-desktop/breakout-engine/pkg/utils"
	"go.uber.org/zap"
)

// Severity classifies a risk violation.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
	SeverityBlock    Severity = "block"
)

// Violation is a recorded risk-rule breach.
type Violation struct {
	Rule      string
	Severity  Severity
	Value     float64
	Limit     float64
	Message   string
	Timestamp time.Time
}

// Event is a risk-manager lifecycle event (kill switch trips, resets).
type Event struct {
	Type      string
	Message   string
	Timestamp time.Time
}

// Metrics is the portfolio-level risk snapshot computed each evaluation.
type Metrics struct {
	TotalEquity         float64
	UsedEquity          float64
	AvailableEquity     float64
	TotalRiskUSD        float64
	DailyPnL            float64
	DailyRiskUsed       float64
	MaxDrawdown         float64
	OpenPositionsCount  int
	CorrelationExposure map[string]float64 // buckets: "high" (>0.7), "medium" (0.3-0.7], "low" (<=0.3)
}

// EvaluationResult is what Evaluate returns for a candidate signal.
type EvaluationResult struct {
	Approved bool
	Reason   string
	Size     PositionSize
}

// Manager is the portfolio risk monitor and kill switch.
type Manager struct {
	logger *zap.Logger
	cfg    config.RiskConfig

	// maxCorrelation is the scanner's configured correlation coefficient threshold
	// (pkg/config.ScannerConfig.MaxCorrelation), not a risk-config field — threaded
	// through at construction so Evaluate gates on the operator's actual setting
	// instead of a hardcoded constant.
	maxCorrelation float64

	mu               sync.Mutex
	dailyStartEquity float64
	dailyStartDate   time.Time
	highWaterMark    float64
	killSwitchActive bool
	violations       []Violation
	events           chan Event
}

// New constructs a risk Manager seeded with the starting equity. maxCorrelation is
// the scanner's configured correlation limit (config.ScannerConfig.MaxCorrelation),
// used to gate signal correlation exposure in Evaluate.
func New(logger *zap.Logger, cfg config.RiskConfig, maxCorrelation float64, startEquity float64) *Manager {
	now := time.Now()
	return &Manager{
		logger:           logger.Named("risk"),
		cfg:              cfg,
		maxCorrelation:   maxCorrelation,
		dailyStartEquity: startEquity,
		dailyStartDate:   now,
		highWaterMark:    startEquity,
		events:           make(chan Event, 256),
	}
}

// Events returns the channel risk lifecycle events are published on.
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) emit(eventType, message string) {
	select {
	case m.events <- Event{Type: eventType, Message: message, Timestamp: time.Now()}:
	default:
		m.logger.Warn("risk event channel full, dropping event", zap.String("type", eventType))
	}
}

// maybeResetDaily resets the daily baseline on a date change, or when equity jumps
// more than 10% above the recorded start (a deposit, not trading P&L). Losses never
// reset the baseline: a drawdown must stay visible to the kill switch.
func (m *Manager) maybeResetDaily(equity float64, now time.Time) {
	dayChanged := now.YearDay() != m.dailyStartDate.YearDay() || now.Year() != m.dailyStartDate.Year()
	jumped := utils.SafeDivide(equity-m.dailyStartEquity, m.dailyStartEquity, 0) > 0.10
	if dayChanged || jumped {
		m.dailyStartEquity = equity
		m.dailyStartDate = now
	}
}

// ComputeMetrics builds the current RiskMetrics from equity, open positions, and a
// per-symbol BTC-correlation map.
func (m *Manager) ComputeMetrics(equity float64, positions []types.Position, correlations map[string]float64) Metrics {
	now := time.Now()

	m.mu.Lock()
	m.maybeResetDaily(equity, now)
	if equity > m.highWaterMark {
		m.highWaterMark = equity
	}
	dailyStart := m.dailyStartEquity
	m.mu.Unlock()

	var usedEquity, totalRiskUSD float64
	bucket := map[string]float64{"high": 0, "medium": 0, "low": 0}
	var totalOpenNotional float64

	for _, p := range positions {
		if p.Status == types.PositionClosed {
			continue
		}
		notional := p.Qty * p.Entry
		usedEquity += notional
		totalOpenNotional += notional
		if p.PnLUSD < 0 {
			totalRiskUSD += math.Abs(p.PnLUSD)
		}
		rho := math.Abs(correlations[p.Symbol])
		switch {
		case rho > 0.7:
			bucket["high"] += notional
		case rho > 0.3:
			bucket["medium"] += notional
		default:
			bucket["low"] += notional
		}
	}

	dailyPnL := equity - dailyStart
	maxDrawdown := 0.0
	if equity < dailyStart {
		maxDrawdown = utils.SafeDivide(dailyStart-equity, dailyStart, 0)
	}

	// Correlated exposure above half the book is a warning, not a block.
	correlatedNotional := bucket["high"] + bucket["medium"]
	if totalOpenNotional > 0 {
		share := utils.SafeDivide(correlatedNotional, totalOpenNotional, 0)
		if share > 0.5 {
			m.recordViolation(Violation{
				Rule:      "correlation_exposure",
				Severity:  SeverityWarning,
				Value:     share,
				Limit:     0.5,
				Message:   fmt.Sprintf("correlated exposure %.0f%% of open notional", share*100),
				Timestamp: now,
			})
		}
	}

	return Metrics{
		TotalEquity:         equity,
		UsedEquity:          usedEquity,
		AvailableEquity:     equity - usedEquity,
		TotalRiskUSD:        totalRiskUSD,
		DailyPnL:            dailyPnL,
		DailyRiskUsed:       utils.SafeDivide(math.Abs(dailyPnL), dailyStart, 0),
		MaxDrawdown:         maxDrawdown,
		OpenPositionsCount:  len(openOnly(positions)),
		CorrelationExposure: bucket,
	}
}

func openOnly(positions []types.Position) []types.Position {
	var out []types.Position
	for _, p := range positions {
		if p.Status != types.PositionClosed {
			out = append(out, p)
		}
	}
	return out
}

// ShouldReduceRisk reports whether new sizes should be halved this cycle.
func (m *Manager) shouldReduceRisk(metrics Metrics) bool {
	return metrics.DailyRiskUsed > 0.8*m.cfg.DailyRiskLimit ||
		metrics.MaxDrawdown > 0.5*m.cfg.KillSwitchLossLimit ||
		metrics.OpenPositionsCount >= m.cfg.MaxConcurrentPositions
}

// checkKillSwitch evaluates and, if tripped, latches the kill switch. Only
// evaluated when daily pnl is negative.
func (m *Manager) checkKillSwitch(metrics Metrics) bool {
	if metrics.DailyPnL >= 0 {
		return m.IsDisabled()
	}
	tripped := metrics.MaxDrawdown >= m.cfg.KillSwitchLossLimit ||
		utils.SafeDivide(math.Abs(metrics.DailyPnL), metrics.TotalEquity, 0) > 3*m.cfg.DailyRiskLimit
	if tripped {
		m.mu.Lock()
		wasDisabled := m.killSwitchActive
		m.killSwitchActive = true
		m.mu.Unlock()
		if !wasDisabled {
			m.logger.Error("kill switch triggered", zap.Float64("drawdown", metrics.MaxDrawdown), zap.Float64("daily_pnl", metrics.DailyPnL))
			m.emit("kill_switch_triggered", "drawdown or daily loss threshold breached")
		}
	}
	return m.IsDisabled()
}

// maxViolations bounds the recorded-violation history.
const maxViolations = 100

// recordViolation appends a violation to the bounded history and publishes a
// warning event so operators see it without polling.
func (m *Manager) recordViolation(v Violation) {
	m.mu.Lock()
	m.violations = append(m.violations, v)
	if len(m.violations) > maxViolations {
		m.violations = m.violations[len(m.violations)-maxViolations:]
	}
	m.mu.Unlock()

	m.logger.Warn("risk violation", zap.String("rule", v.Rule), zap.Float64("value", v.Value), zap.Float64("limit", v.Limit))
	m.emit("violation_"+v.Rule, v.Message)
}

// IsDisabled reports whether the kill switch is currently active.
func (m *Manager) IsDisabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.killSwitchActive
}

// ManualKillSwitch force-activates the kill switch (operator action).
func (m *Manager) ManualKillSwitch(reason string) {
	m.mu.Lock()
	m.killSwitchActive = true
	m.mu.Unlock()
	m.emit("kill_switch_manual", reason)
}

// DisableKillSwitch clears the kill switch (operator action, after review).
func (m *Manager) DisableKillSwitch() {
	m.mu.Lock()
	m.killSwitchActive = false
	m.mu.Unlock()
	m.emit("kill_switch_cleared", "operator cleared kill switch")
}

// correlationEffectiveLimit floors the operator's configured limit: the effective
// correlation limit is never tighter than 0.85.
func correlationEffectiveLimit(configured float64) float64 {
	return math.Max(configured, 0.85)
}

// Evaluate checks a candidate signal against kill-switch, daily/position limits and
// correlation exposure, then sizes it.
func (m *Manager) Evaluate(signal types.Signal, equity float64, positions []types.Position, correlations map[string]float64, md types.MarketData) EvaluationResult {
	metrics := m.ComputeMetrics(equity, positions, correlations)

	if m.checkKillSwitch(metrics) {
		return EvaluationResult{Approved: false, Reason: "Kill switch triggered"}
	}
	if metrics.DailyRiskUsed > m.cfg.DailyRiskLimit {
		return EvaluationResult{Approved: false, Reason: "daily risk limit breached"}
	}
	if metrics.OpenPositionsCount > m.cfg.MaxConcurrentPositions {
		return EvaluationResult{Approved: false, Reason: "max concurrent positions breached"}
	}

	// CorrelationExposureLimitPct is an exposure-share limit, not a correlation
	// coefficient threshold; the coefficient threshold itself is the scanner's
	// configured max_correlation, silently floored at 0.85.
	symbolRho := math.Abs(correlations[signal.Symbol])
	limit := correlationEffectiveLimit(m.maxCorrelation)
	if symbolRho > limit {
		return EvaluationResult{Approved: false, Reason: "signal correlation exceeds limit"}
	}

	size := CalculateSize(signal, equity, md, m.cfg)
	if !size.IsValid {
		return EvaluationResult{Approved: false, Reason: size.Reason, Size: size}
	}

	var totalOpenNotional, correlatedNotional float64
	for _, p := range openOnly(positions) {
		notional := p.Qty * p.Entry
		totalOpenNotional += notional
		if math.Abs(correlations[p.Symbol]) > 0.3 {
			correlatedNotional += notional
		}
	}
	projectedCorrelated := correlatedNotional
	if symbolRho > 0.3 {
		projectedCorrelated += size.NotionalUSD
	}
	// The share check only bites once other positions exist; a lone first entry is
	// always 100% of its own book.
	projectedTotal := totalOpenNotional + size.NotionalUSD
	if totalOpenNotional > 0 && utils.SafeDivide(projectedCorrelated, projectedTotal, 0) > 0.6 {
		return EvaluationResult{Approved: false, Reason: "correlated exposure would exceed 60% of total"}
	}

	if m.shouldReduceRisk(metrics) {
		size.Qty /= 2
		size.NotionalUSD /= 2
		size.RiskUSD /= 2
	}

	return EvaluationResult{Approved: true, Reason: "ok", Size: size}
}

// RecordTrade is a no-op: it takes no trade data and keeps no state, and nothing in
// the engine calls it. Realized P&L reaches the metrics only through the equity and
// open positions that ComputeMetrics reads on each call.
func (m *Manager) RecordTrade() {
	// Equity-based metrics are recomputed from live positions/equity each cycle;
	// no separate ledger is kept here.
}

// Violations returns a copy of recorded violations for diagnostics.
func (m *Manager) Violations() []Violation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Violation, len(m.violations))
	copy(out, m.violations)
	return out
}
