// Package signals turns scanner output and detected levels into candidate
// trades. Two strategies are implemented: momentum (confirmed breakout through a
// level) and retest (return to a previously broken level). Every gate's outcome
// is recorded into a conditions map that feeds both rejection diagnostics and the
// final confidence blend.
package signals

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/breakout-engine/internal/indicators"
	"github.com/atlas-desktop/breakout-engine/internal/levels"
	"github.com/atlas-desktop/breakout-engine/pkg/config"
	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"github.com/atlas-desktop/breakout-engine/pkg/utils"
	"go.uber.org/zap"
)

// conditions captures a strategy's gate evaluation for diagnostics and
// confidence scoring.
type conditions struct {
	passed  map[string]bool
	details map[string]float64
}

func newConditions() conditions {
	return conditions{passed: make(map[string]bool), details: make(map[string]float64)}
}

func (c conditions) allPassed(required ...string) bool {
	for _, name := range required {
		if !c.passed[name] {
			return false
		}
	}
	return true
}

// breakout records a momentum breakout for later retest matching.
type breakout struct {
	levelPrice float64
	side       types.Side
	timestamp  int64
}

// Generator produces momentum and retest signals from scan results and
// detected levels.
type Generator struct {
	logger *zap.Logger
	cfg    config.SignalConfig
	levels *levels.Detector // gates retest approach quality
	prefer string           // strategy_priority: "momentum" or "retest"

	mu        sync.Mutex
	breakouts map[string][]breakout // symbol -> recent breakouts
}

// New constructs a Generator. levelCfg is the same level-detection config the
// engine's levels.Detector uses, so retest approach-quality gating matches the
// levels that produced the candidate.
func New(logger *zap.Logger, cfg config.SignalConfig, levelCfg config.LevelConfig) *Generator {
	return &Generator{
		logger:    logger.Named("signals"),
		cfg:       cfg,
		levels:    levels.New(levelCfg),
		prefer:    cfg.StrategyPriority,
		breakouts: make(map[string][]breakout),
	}
}

// RecordBreakout adds a momentum breakout to the per-symbol history so a later
// retest can be matched to it. Entries older than the retention window are pruned.
func (g *Generator) RecordBreakout(symbol string, levelPrice float64, side types.Side, timestamp int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := timestamp - 7*24*3600*1000 // 7-day retention

	history := append(g.breakouts[symbol], breakout{levelPrice: levelPrice, side: side, timestamp: timestamp})
	kept := history[:0]
	for _, b := range history {
		if b.timestamp >= cutoff {
			kept = append(kept, b)
		}
	}
	g.breakouts[symbol] = kept
}

func (g *Generator) findBreakout(symbol string, levelPrice float64) *breakout {
	g.mu.Lock()
	defer g.mu.Unlock()

	history := g.breakouts[symbol]
	for i := len(history) - 1; i >= 0; i-- {
		b := history[i]
		if math.Abs(b.levelPrice-levelPrice)/levelPrice <= 0.01 {
			return &b
		}
	}
	return nil
}

// Generate produces one signal per qualifying scan result, trying up to the
// two strongest levels, preferring the configured strategy and falling back
// to the other. Results are sorted by confidence descending.
func (g *Generator) Generate(results []types.ScanResult) []types.Signal {
	var signals []types.Signal

	for _, result := range results {
		if !result.PassedAllFilters() || len(result.Levels) == 0 {
			continue
		}

		levels := append([]types.TradingLevel(nil), result.Levels...)
		sort.Slice(levels, func(i, j int) bool { return levels[i].Strength > levels[j].Strength })
		if len(levels) > 2 {
			levels = levels[:2]
		}

		for _, level := range levels {
			if signal, ok := g.generateForLevel(result, level); ok {
				signals = append(signals, signal)
				break // one signal per symbol per cycle
			}
		}
	}

	sort.Slice(signals, func(i, j int) bool { return signals[i].Confidence > signals[j].Confidence })
	g.logger.Info("generated signals", zap.Int("count", len(signals)), zap.Int("scan_results", len(results)))
	return signals
}

func (g *Generator) generateForLevel(result types.ScanResult, level types.TradingLevel) (types.Signal, bool) {
	first, second := g.momentumSignal, g.retestSignal
	if g.prefer == "retest" {
		first, second = g.retestSignal, g.momentumSignal
	}
	if signal, ok := first(result, level); ok {
		return signal, true
	}
	return second(result, level)
}

// momentumSignal implements the momentum breakout strategy.
func (g *Generator) momentumSignal(result types.ScanResult, level types.TradingLevel) (types.Signal, bool) {
	md := result.MarketData
	candles := md.Candles5m
	if len(candles) < 20 {
		return types.Signal{}, false
	}
	current := candles[len(candles)-1]

	c := newConditions()

	var breakoutPrice float64
	if level.Type == types.LevelResistance {
		breakoutPrice = level.Price * (1 + g.cfg.MomentumEpsilon)
		c.passed["price_breakout"] = current.Close > breakoutPrice
	} else {
		breakoutPrice = level.Price * (1 - g.cfg.MomentumEpsilon)
		c.passed["price_breakout"] = current.Close < breakoutPrice
	}

	volumes := make([]float64, len(candles))
	for i, cd := range candles {
		volumes[i] = cd.Volume
	}
	medianVol := utils.Median(volumes[max(0, len(volumes)-20) : len(volumes)-1])
	volumeRatio := utils.SafeDivide(volumes[len(volumes)-1], medianVol, 0)
	c.passed["volume_surge"] = volumeRatio >= g.cfg.MomentumVolumeMultiplier
	c.details["volume_ratio"] = volumeRatio

	candleRange := current.High - current.Low
	bodyRatio := 0.0
	if candleRange > 0 {
		bodyRatio = math.Abs(current.Close-current.Open) / candleRange
	}
	c.passed["body_ratio"] = bodyRatio >= g.cfg.MomentumBodyRatioMin
	c.details["body_ratio"] = bodyRatio

	atr := indicators.ATR(candles, 14)
	vwap := indicators.VWAP(candles)
	currentPrice := md.Price
	vwapGap := utils.SafeDivide(math.Abs(currentPrice-vwap), currentPrice, 0)
	c.passed["vwap_gap"] = vwapGap <= utils.SafeDivide(atr, currentPrice, 0)*g.cfg.VWAPGapMaxATR
	c.details["vwap_gap"] = vwapGap

	requiredConditions := []string{"price_breakout", "volume_surge", "body_ratio", "vwap_gap"}
	if md.L2Depth != nil {
		imbalance := math.Abs(md.L2Depth.Imbalance)
		c.passed["l2_imbalance"] = imbalance >= g.cfg.L2ImbalanceThreshold
		c.details["l2_imbalance"] = md.L2Depth.Imbalance
		requiredConditions = append(requiredConditions, "l2_imbalance")
	}

	if !c.allPassed(requiredConditions...) {
		return types.Signal{}, false
	}

	var side types.Side
	var entry float64
	if level.Type == types.LevelResistance {
		side = types.SideLong
		entry = breakoutPrice
	} else {
		side = types.SideShort
		entry = breakoutPrice
	}
	stopLoss := g.momentumStopLoss(candles, entry, side)

	confidence := g.momentumConfidence(result, bodyRatio, volumeRatio, c.details["l2_imbalance"])

	tp1 := entry + (entry-stopLoss)*g.cfg.TP1R
	tp2 := entry + (entry-stopLoss)*g.cfg.TP2R

	signal := types.Signal{
		Symbol:        md.Symbol,
		Side:          side,
		Strategy:      types.StrategyMomentum,
		Reason:        "momentum breakout of " + string(level.Type),
		Entry:         entry,
		Level:         level.Price,
		SL:            stopLoss,
		Confidence:    confidence,
		Timestamp:     time.Now().UnixMilli(),
		Status:        types.SignalPending,
		CorrelationID: result.CorrelationID,
		TP1:           &tp1,
		TP2:           &tp2,
		Meta: types.SignalMeta{
			ScanScore:      result.Score,
			BTCCorrelation: md.BTCCorrelation,
			Conditions:     c.details,
		},
	}

	g.RecordBreakout(md.Symbol, level.Price, side, signal.Timestamp)
	return signal, true
}

func (g *Generator) momentumStopLoss(candles []types.Candle, entry float64, side types.Side) float64 {
	atr := indicators.ATR(candles, 14)
	if atr == 0 {
		atr = 0.01
	}
	recent := candles
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}

	if side == types.SideLong {
		swingLow := recent[0].Low
		for _, cd := range recent {
			if cd.Low < swingLow {
				swingLow = cd.Low
			}
		}
		atrStop := entry - 1.2*atr
		return math.Max(swingLow, atrStop)
	}
	swingHigh := recent[0].High
	for _, cd := range recent {
		if cd.High > swingHigh {
			swingHigh = cd.High
		}
	}
	atrStop := entry + 1.2*atr
	return math.Min(swingHigh, atrStop)
}

func (g *Generator) momentumConfidence(result types.ScanResult, bodyRatio, volumeRatio, l2Imbalance float64) float64 {
	scanConfidence := utils.Clamp((result.Score+2)/4, 0, 1)
	volumeStrength := utils.Clamp(volumeRatio/5.0, 0, 1)
	bodyStrength := utils.Clamp(bodyRatio/0.8, 0, 1)
	imbalanceStrength := utils.Clamp(math.Abs(l2Imbalance)/0.5, 0, 1)

	confidence := scanConfidence*0.4 + volumeStrength*0.3 + bodyStrength*0.2 + imbalanceStrength*0.1
	return utils.Clamp(confidence, 0.1, 1.0)
}

// retestSignal implements the retest-of-broken-level strategy.
func (g *Generator) retestSignal(result types.ScanResult, level types.TradingLevel) (types.Signal, bool) {
	md := result.MarketData
	candles := md.Candles5m
	if len(candles) < 20 {
		return types.Signal{}, false
	}
	current := candles[len(candles)-1]
	currentPrice := md.Price

	c := newConditions()

	distance := math.Abs(currentPrice-level.Price) / level.Price
	c.passed["level_retest"] = distance <= 0.005
	c.details["distance_from_level"] = distance

	atr := indicators.ATR(candles, 14)
	if atr == 0 {
		atr = 0.01
	}
	maxPierce := atr * g.cfg.RetestMaxPierceATR
	var pierceAmount float64
	if level.Type == types.LevelResistance {
		pierceAmount = math.Max(0, level.Price-current.Low)
	} else {
		pierceAmount = math.Max(0, current.High-level.Price)
	}
	c.passed["pierce_tolerance"] = pierceAmount <= maxPierce
	c.details["pierce_amount"] = pierceAmount

	approach := g.levels.CheckApproachQuality(candles, level.Price, 10)
	c.passed["approach_quality"] = approach.IsValid
	c.details["approach_slope_pct_per_bar"] = approach.SlopePctPerBar

	requiredConditions := []string{"level_retest", "pierce_tolerance", "trading_activity", "approach_quality"}
	if md.L2Depth != nil {
		imbalance := math.Abs(md.L2Depth.Imbalance)
		c.passed["l2_imbalance"] = imbalance >= g.cfg.L2ImbalanceThreshold
		c.details["l2_imbalance"] = md.L2Depth.Imbalance
		requiredConditions = append(requiredConditions, "l2_imbalance")
	}

	activityRatio := 0.0
	if len(candles) >= 20 {
		recentVols := volumeSlice(candles[len(candles)-5:])
		historicalVols := volumeSlice(candles[len(candles)-20 : len(candles)-5])
		activityRatio = utils.SafeDivide(mean(recentVols), mean(historicalVols), 0)
		c.passed["trading_activity"] = activityRatio >= 0.8
		c.details["volume_activity_ratio"] = activityRatio
	}

	prevBreakout := g.findBreakout(md.Symbol, level.Price)
	hoursSinceBreakout := 12.0
	if prevBreakout != nil {
		hoursSinceBreakout = float64(current.Ts-prevBreakout.timestamp) / (1000 * 3600)
	}
	c.details["hours_since_breakout"] = hoursSinceBreakout

	if !c.allPassed(requiredConditions...) {
		return types.Signal{}, false
	}

	side := types.SideLong
	switch {
	case prevBreakout != nil:
		side = prevBreakout.side
	case level.Type == types.LevelResistance:
		side = types.SideShort
	}

	var entry, stopLoss float64
	if side == types.SideLong {
		entry = level.Price * (1 + g.cfg.RetestPierceTolerance)
		stopLoss = level.Price - atr
	} else {
		entry = level.Price * (1 - g.cfg.RetestPierceTolerance)
		stopLoss = level.Price + atr
	}

	confidence := g.retestConfidence(result, level, prevBreakout, hoursSinceBreakout, activityRatio)

	tp1 := entry + (entry-stopLoss)*g.cfg.TP1R
	tp2 := entry + (entry-stopLoss)*g.cfg.TP2R

	signal := types.Signal{
		Symbol:        md.Symbol,
		Side:          side,
		Strategy:      types.StrategyRetest,
		Reason:        "retest of " + string(level.Type),
		Entry:         entry,
		Level:         level.Price,
		SL:            stopLoss,
		Confidence:    confidence,
		Timestamp:     time.Now().UnixMilli(),
		Status:        types.SignalPending,
		CorrelationID: result.CorrelationID,
		TP1:           &tp1,
		TP2:           &tp2,
		Meta: types.SignalMeta{
			ScanScore:      result.Score,
			BTCCorrelation: md.BTCCorrelation,
			Conditions:     c.details,
		},
	}
	return signal, true
}

func (g *Generator) retestConfidence(result types.ScanResult, level types.TradingLevel, prevBreakout *breakout, hoursSinceBreakout, activityRatio float64) float64 {
	scanConfidence := utils.Clamp((result.Score+2)/4, 0, 1)
	breakoutFactor := 0.5
	if prevBreakout != nil {
		breakoutFactor = 0.8
	}
	timeFactor := math.Max(0.3, 1.0-hoursSinceBreakout/24)
	levelFactor := utils.Clamp(float64(level.TouchCount)/5.0, 0, 1)
	activityFactor := utils.Clamp(activityRatio, 0, 1)

	confidence := scanConfidence*0.3 + breakoutFactor*0.3 + timeFactor*0.2 + levelFactor*0.1 + activityFactor*0.1
	return utils.Clamp(confidence, 0.1, 1.0)
}

func volumeSlice(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Volume
	}
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
