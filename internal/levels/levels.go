// Package levels detects, validates and scores horizontal support/resistance
// levels from 5m candles: Donchian, swing and high-volume candidate generation,
// merge-by-tolerance, touch validation, strength scoring, round-number/cascade
// enhancement and overlap removal, in that pipeline order.
package levels

import (
	"math"
	"sort"

	"github.com/atlas-desktop/breakout-engine/internal/indicators"
	"github.com/atlas-desktop/breakout-engine/pkg/config"
	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"github.com/atlas-desktop/breakout-engine/pkg/utils"
)

type touch struct {
	ts    int64
	price float64
}

type candidate struct {
	price        float64
	levelType    types.LevelType
	firstTouchTs int64
	touches      []touch
}

// Detector finds and validates trading levels in a candle series.
type Detector struct {
	cfg config.LevelConfig
}

// New constructs a level Detector.
func New(cfg config.LevelConfig) *Detector {
	return &Detector{cfg: cfg}
}

// Detect runs the full candidate-generation/merge/validate pipeline. Returns nil
// if fewer than 20 candles are available.
func (d *Detector) Detect(candles []types.Candle) []types.TradingLevel {
	if len(candles) < 20 {
		return nil
	}

	currentATR := indicators.ATR(candles, 14)
	if currentATR == 0 {
		currentATR = 0.01
	}

	var candidates []candidate
	candidates = append(candidates, d.donchianCandidates(candles)...)
	candidates = append(candidates, d.swingCandidates(candles)...)
	candidates = append(candidates, d.volumeCandidates(candles)...)

	merged := d.mergeSimilar(candidates, currentATR)
	validated := d.validate(merged, candles, currentATR)
	final := d.removeOverlapping(validated, currentATR)
	return d.applyEnhancements(final)
}

// applyEnhancements overlays round-number and cascade bonuses onto each level's base
// touch/time/volume/pierce strength, then re-ranks by the enhanced strength since
// bonuses can reorder close levels.
func (d *Detector) applyEnhancements(levels []types.TradingLevel) []types.TradingLevel {
	for i := range levels {
		levels[i].Strength = d.EnhanceScoring(levels[i], levels)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].Strength > levels[j].Strength })
	return levels
}

func (d *Detector) donchianCandidates(candles []types.Candle) []candidate {
	var out []candidate
	for _, period := range []int{10, 15, 20, 30} {
		if len(candles) < period {
			continue
		}
		lookback := 10
		if lookback > len(candles) {
			lookback = len(candles)
		}
		for i := len(candles) - lookback; i < len(candles); i++ {
			window := candles[:i+1]
			upper, lower := indicators.DonchianUpperLower(window, period)
			if upper == 0 && lower == 0 {
				continue
			}
			ts := candles[i].Ts
			out = append(out, candidate{price: upper, levelType: types.LevelResistance, firstTouchTs: ts, touches: []touch{{ts, upper}}})
			out = append(out, candidate{price: lower, levelType: types.LevelSupport, firstTouchTs: ts, touches: []touch{{ts, lower}}})
		}
	}
	return out
}

func (d *Detector) swingCandidates(candles []types.Candle) []candidate {
	var out []candidate
	for _, sp := range indicators.SwingHighsLows(candles, 2) {
		ts := candles[sp.Index].Ts
		if sp.High {
			out = append(out, candidate{price: sp.Price, levelType: types.LevelResistance, firstTouchTs: ts, touches: []touch{{ts, sp.Price}}})
		} else {
			out = append(out, candidate{price: sp.Price, levelType: types.LevelSupport, firstTouchTs: ts, touches: []touch{{ts, sp.Price}}})
		}
	}
	return out
}

func (d *Detector) volumeCandidates(candles []types.Candle) []candidate {
	if len(candles) < 20 {
		return nil
	}
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		volumes[i] = c.Volume
	}
	threshold := percentile(volumes, 85)

	var out []candidate
	for _, c := range candles {
		if c.Volume < threshold {
			continue
		}
		out = append(out, candidate{price: c.High, levelType: types.LevelResistance, firstTouchTs: c.Ts, touches: []touch{{c.Ts, c.High}}})
		out = append(out, candidate{price: c.Low, levelType: types.LevelSupport, firstTouchTs: c.Ts, touches: []touch{{c.Ts, c.Low}}})
	}
	return out
}

func percentile(values []float64, pct float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := pct / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func (d *Detector) mergeSimilar(candidates []candidate, atr float64) []candidate {
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].price < candidates[j].price })
	tolerance := atr * d.cfg.TouchToleranceATR

	var merged []candidate
	for _, c := range candidates {
		found := false
		for i := range merged {
			if merged[i].levelType == c.levelType && math.Abs(merged[i].price-c.price) <= tolerance {
				merged[i].touches = append(merged[i].touches, c.touches...)
				var sum float64
				for _, t := range merged[i].touches {
					sum += t.price
				}
				merged[i].price = sum / float64(len(merged[i].touches))
				if c.firstTouchTs < merged[i].firstTouchTs {
					merged[i].firstTouchTs = c.firstTouchTs
				}
				found = true
				break
			}
		}
		if !found {
			merged = append(merged, c)
		}
	}
	return merged
}

func (d *Detector) validate(candidates []candidate, candles []types.Candle, atr float64) []types.TradingLevel {
	var out []types.TradingLevel
	for _, c := range candidates {
		touches := d.countTouches(c, candles, atr)
		if len(touches) < d.cfg.MinTouches {
			continue
		}

		strength := d.levelStrength(c, touches, candles)
		first, last := touches[0].ts, touches[0].ts
		for _, t := range touches {
			if t.ts < first {
				first = t.ts
			}
			if t.ts > last {
				last = t.ts
			}
		}

		out = append(out, types.TradingLevel{
			Price:      c.price,
			Type:       c.levelType,
			TouchCount: len(touches),
			Strength:   strength,
			FirstTouch: first,
			LastTouch:  last,
			BaseHeight: d.baseHeight(c, candles),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Strength > out[j].Strength })
	return out
}

func (d *Detector) countTouches(c candidate, candles []types.Candle, atr float64) []touch {
	tolerance := atr * d.cfg.TouchToleranceATR
	seen := make(map[int64]float64)
	for _, candle := range candles {
		var price float64
		if c.levelType == types.LevelResistance {
			price = candle.High
		} else {
			price = candle.Low
		}
		if price >= c.price-tolerance && price <= c.price+tolerance {
			if _, ok := seen[candle.Ts]; !ok {
				seen[candle.Ts] = price
			}
		}
	}
	out := make([]touch, 0, len(seen))
	for ts, price := range seen {
		out = append(out, touch{ts: ts, price: price})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ts < out[j].ts })
	return out
}

func (d *Detector) levelStrength(c candidate, touches []touch, candles []types.Candle) float64 {
	if len(touches) == 0 {
		return 0
	}

	touchStrength := math.Min(1.0, float64(len(touches))/5.0)

	first, last := touches[0].ts, touches[0].ts
	for _, t := range touches {
		if t.ts < first {
			first = t.ts
		}
		if t.ts > last {
			last = t.ts
		}
	}
	timeSpanHours := float64(last-first) / (1000 * 60 * 60)
	timeStrength := math.Min(1.0, timeSpanHours/168)

	volumeStrength := 0.5
	touchTs := make(map[int64]bool, len(touches))
	for _, t := range touches {
		touchTs[t.ts] = true
	}
	var touchVolSum, touchVolCount, overallVolSum float64
	for _, candle := range candles {
		overallVolSum += candle.Volume
		if touchTs[candle.Ts] {
			touchVolSum += candle.Volume
			touchVolCount++
		}
	}
	if touchVolCount > 0 && len(candles) > 0 {
		avgTouchVol := touchVolSum / touchVolCount
		overallAvgVol := overallVolSum / float64(len(candles))
		volumeStrength = utils.Clamp(utils.SafeDivide(avgTouchVol, overallAvgVol, 0.5), 0, 1)
	}

	piercePenalty := d.piercePenalty(c, candles)

	final := touchStrength*0.4 + timeStrength*0.2 + volumeStrength*0.2 + (1-piercePenalty)*0.2
	return utils.Clamp(final, 0, 1)
}

func (d *Detector) piercePenalty(c candidate, candles []types.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	var pierces int
	for _, candle := range candles {
		if c.levelType == types.LevelResistance {
			if candle.Close > c.price*(1+d.cfg.MaxPiercePct) {
				pierces++
			}
		} else {
			if candle.Close < c.price*(1-d.cfg.MaxPiercePct) {
				pierces++
			}
		}
	}
	ratio := float64(pierces) / float64(len(candles))
	return math.Min(1.0, ratio*5)
}

func (d *Detector) baseHeight(c candidate, candles []types.Candle) *float64 {
	if len(candles) < 10 {
		return nil
	}
	recent := candles
	if len(recent) > 20 {
		recent = recent[len(recent)-20:]
	}

	if c.levelType == types.LevelResistance {
		var best float64
		found := false
		for _, candle := range recent {
			if candle.Low < c.price*0.95 && (!found || candle.Low > best) {
				best = candle.Low
				found = true
			}
		}
		if !found {
			return nil
		}
		h := c.price - best
		return &h
	}

	var best float64
	found := false
	for _, candle := range recent {
		if candle.High > c.price*1.05 && (!found || candle.High < best) {
			best = candle.High
			found = true
		}
	}
	if !found {
		return nil
	}
	h := best - c.price
	return &h
}

func (d *Detector) removeOverlapping(levels []types.TradingLevel, atr float64) []types.TradingLevel {
	if len(levels) == 0 {
		return nil
	}
	minSeparation := atr * d.cfg.MinLevelSeparationATR

	var out []types.TradingLevel
	for _, lvl := range levels {
		tooClose := false
		for _, existing := range out {
			if existing.Type == lvl.Type && math.Abs(existing.Price-lvl.Price) < minSeparation {
				tooClose = true
				break
			}
		}
		if !tooClose {
			out = append(out, lvl)
		}
	}
	return out
}

// IsRoundNumber reports whether price sits within 0.5% of one of the configured
// round-number steps, and the scoring bonus that round-ness earns.
func (d *Detector) IsRoundNumber(price float64) (bool, float64) {
	var best float64
	bestOK := false
	for _, step := range d.cfg.RoundNumberSteps {
		remainder := math.Mod(price, step)
		minRemainder := math.Min(remainder, step-remainder)
		if utils.SafeDivide(minRemainder, price, 1) < 0.005 {
			bonus := math.Min(0.1+0.05*math.Log10(step+1), 0.3)
			if !bestOK || bonus > best {
				best = bonus
				bestOK = true
			}
		}
	}
	return bestOK, best
}

// Cascade describes a cluster of levels near a target price.
type Cascade struct {
	HasCascade bool
	Count      int
	Levels     []types.TradingLevel
	Bonus      float64
}

// DetectCascade finds levels within cascade_radius_bps of targetPrice.
func (d *Detector) DetectCascade(levels []types.TradingLevel, targetPrice float64) Cascade {
	radius := targetPrice * (d.cfg.CascadeRadiusBps / 10000)
	var nearby []types.TradingLevel
	for _, lvl := range levels {
		if math.Abs(lvl.Price-targetPrice) <= radius {
			nearby = append(nearby, lvl)
		}
	}
	hasCascade := len(nearby) >= d.cfg.CascadeMinLevels
	bonus := 0.0
	if hasCascade {
		bonus = math.Min(0.2, 0.05*float64(len(nearby)))
	}
	return Cascade{HasCascade: hasCascade, Count: len(nearby), Levels: nearby, Bonus: bonus}
}

// ApproachQuality describes the price approach to a level.
type ApproachQuality struct {
	IsValid           bool
	SlopePctPerBar    float64
	ConsolidationBars int
	Reason            string
}

// CheckApproachQuality rejects vertical approaches and requires a minimum amount of
// consolidation near the level.
func (d *Detector) CheckApproachQuality(candles []types.Candle, levelPrice float64, lookbackBars int) ApproachQuality {
	if len(candles) < lookbackBars {
		return ApproachQuality{Reason: "not enough candles"}
	}
	recent := candles[len(candles)-lookbackBars:]
	startPrice := recent[0].Close
	endPrice := recent[len(recent)-1].Close
	if startPrice <= 0 {
		return ApproachQuality{Reason: "invalid start price"}
	}

	totalMovePct := math.Abs(endPrice-startPrice) / startPrice * 100
	slope := totalMovePct / float64(lookbackBars)
	if slope > d.cfg.ApproachSlopeMaxPctPerBar {
		return ApproachQuality{SlopePctPerBar: slope, Reason: "approach too steep"}
	}

	tolerance := levelPrice * 0.005
	consolidationWindow := recent
	if len(consolidationWindow) > d.cfg.PrebreakoutConsolidationMinBars {
		consolidationWindow = consolidationWindow[len(consolidationWindow)-d.cfg.PrebreakoutConsolidationMinBars:]
	}
	var bars int
	for _, c := range consolidationWindow {
		if math.Abs(c.Close-levelPrice) <= tolerance {
			bars++
		}
	}

	valid := bars >= d.cfg.PrebreakoutConsolidationMinBars
	reason := "valid approach"
	if !valid {
		reason = "insufficient consolidation"
	}
	return ApproachQuality{IsValid: valid, SlopePctPerBar: slope, ConsolidationBars: bars, Reason: reason}
}

// EnhanceScoring applies round-number and cascade bonuses on top of a level's base
// strength. Approach quality informs gating elsewhere, not this score.
func (d *Detector) EnhanceScoring(level types.TradingLevel, allLevels []types.TradingLevel) float64 {
	bonus := 0.0
	if isRound, roundBonus := d.IsRoundNumber(level.Price); isRound {
		bonus += roundBonus
	}
	if cascade := d.DetectCascade(allLevels, level.Price); cascade.HasCascade {
		bonus += cascade.Bonus
	}
	return utils.Clamp(level.Strength+bonus, 0, 1)
}

// StrongestLevels returns up to maxLevels levels ordered by strength descending.
func StrongestLevels(levels []types.TradingLevel, maxLevels int) []types.TradingLevel {
	sorted := append([]types.TradingLevel(nil), levels...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Strength > sorted[j].Strength })
	if maxLevels < len(sorted) {
		sorted = sorted[:maxLevels]
	}
	return sorted
}

// RecentLevels returns levels last touched within maxAgeHours of referenceTsMs.
func RecentLevels(levels []types.TradingLevel, maxAgeHours float64, referenceTsMs int64) []types.TradingLevel {
	cutoff := referenceTsMs - int64(maxAgeHours*60*60*1000)
	var out []types.TradingLevel
	for _, lvl := range levels {
		if lvl.LastTouch >= cutoff {
			out = append(out, lvl)
		}
	}
	return out
}
