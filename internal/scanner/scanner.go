// Package scanner ranks a batch of market snapshots into breakout candidates:
// liquidity/volatility/correlation/data-health filters first, every outcome
// recorded per filter for diagnostics, then a weighted score over normalized
// components and a descending rank assignment.
package scanner

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/breakout-engine/internal/indicators"
	"github.com/atlas-desktop/breakout-engine/pkg/config"
	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"github.com/atlas-desktop/breakout-engine/pkg/utils"
	"go.uber.org/zap"
)

// Scanner filters and scores a batch of MarketData snapshots.
type Scanner struct {
	logger *zap.Logger
	cfg    config.Preset
}

// New constructs a Scanner.
func New(logger *zap.Logger, cfg config.Preset) *Scanner {
	s := &Scanner{logger: logger.Named("scanner"), cfg: cfg}
	s.checkWeightSum()
	return s
}

// checkWeightSum warns if the configured score weights drift far from summing to 1.0;
// an operator typo here silently reweights the whole ranking.
func (s *Scanner) checkWeightSum() {
	var sum float64
	for _, w := range s.cfg.Scanner.ScoreWeights {
		sum += w
	}
	if sum < 0.8 || sum > 1.2 {
		s.logger.Warn("scanner score weights do not sum close to 1.0", zap.Float64("sum", sum))
	}
}

// Scan filters, scores and ranks market data, returning ScanResults sorted by score
// descending with Rank assigned 1..N.
func (s *Scanner) Scan(marketData []types.MarketData) []types.ScanResult {
	filtered := s.applySymbolFilters(marketData)
	if s.cfg.Scanner.TopNByVolume > 0 {
		filtered = topNByVolume(filtered, s.cfg.Scanner.TopNByVolume)
	}

	results := make([]types.ScanResult, 0, len(filtered))
	for _, md := range filtered {
		results = append(results, s.scanOne(md))
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	for i := range results {
		results[i].Rank = i + 1
	}
	return results
}

func (s *Scanner) applySymbolFilters(marketData []types.MarketData) []types.MarketData {
	whitelist := toSet(s.cfg.Scanner.Whitelist)
	blacklist := toSet(s.cfg.Scanner.Blacklist)

	out := marketData[:0:0]
	for _, md := range marketData {
		if len(whitelist) > 0 && !whitelist[md.Symbol] {
			continue
		}
		if blacklist[md.Symbol] {
			continue
		}
		out = append(out, md)
	}
	return out
}

func toSet(vals []string) map[string]bool {
	m := make(map[string]bool, len(vals))
	for _, v := range vals {
		m[v] = true
	}
	return m
}

func topNByVolume(marketData []types.MarketData, n int) []types.MarketData {
	sorted := append([]types.MarketData(nil), marketData...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Volume24hUSD > sorted[j].Volume24hUSD })
	if n < len(sorted) {
		sorted = sorted[:n]
	}
	return sorted
}

func (s *Scanner) scanOne(md types.MarketData) types.ScanResult {
	correlationID := fmt.Sprintf("%s:%d", md.Symbol, time.Now().UnixMilli())

	filterResults := make(map[string]bool)
	filterDetails := make(map[string]types.FilterDetail)

	for name, fd := range s.liquidityFilters(md) {
		filterResults[name] = fd.Passed
		filterDetails[name] = fd
	}
	volSurge1h, volSurge5m := s.volumeSurges(md)
	for name, fd := range s.volatilityFilters(md, volSurge1h, volSurge5m) {
		filterResults[name] = fd.Passed
		filterDetails[name] = fd
	}
	corrFilter := s.correlationFilter(md)
	filterResults["correlation"] = corrFilter.Passed
	filterDetails["correlation"] = corrFilter

	healthFilter := s.dataHealthFilter(md)
	filterResults["data_health"] = healthFilter.Passed
	filterDetails["data_health"] = healthFilter

	score, components := s.score(md, volSurge1h, volSurge5m)

	return types.ScanResult{
		Symbol:          md.Symbol,
		Score:           score,
		MarketData:      md,
		FilterResults:   filterResults,
		FilterDetails:   filterDetails,
		ScoreComponents: components,
		Timestamp:       time.Now().UnixMilli(),
		CorrelationID:   correlationID,
	}
}

func (s *Scanner) liquidityFilters(md types.MarketData) map[string]types.FilterDetail {
	f := s.cfg.Liquidity
	out := map[string]types.FilterDetail{
		"min_24h_volume": {
			Passed: md.Volume24hUSD >= f.Min24hVolumeUSD, Value: md.Volume24hUSD, Threshold: f.Min24hVolumeUSD,
			Reason: fmt.Sprintf("24h volume: $%.0f", md.Volume24hUSD),
		},
		"min_trades_per_minute": {
			Passed: md.TradesPerMinute >= f.MinTradesPerMinute, Value: md.TradesPerMinute, Threshold: f.MinTradesPerMinute,
			Reason: fmt.Sprintf("trades/min: %.1f", md.TradesPerMinute),
		},
	}

	if f.MinOIUSD != nil && md.MarketType != types.MarketSpot {
		if md.OIUSD != nil {
			out["min_oi"] = types.FilterDetail{
				Passed: *md.OIUSD >= *f.MinOIUSD, Value: *md.OIUSD, Threshold: *f.MinOIUSD,
				Reason: fmt.Sprintf("OI: $%.0f", *md.OIUSD),
			}
		}
	}

	if md.L2Depth != nil {
		out["max_spread"] = types.FilterDetail{
			Passed: md.L2Depth.SpreadBps <= f.MaxSpreadBps, Value: md.L2Depth.SpreadBps, Threshold: f.MaxSpreadBps,
			Reason: fmt.Sprintf("spread: %.1f bps", md.L2Depth.SpreadBps),
		}
		out["min_depth_0_3pct"] = types.FilterDetail{
			Passed: md.L2Depth.TotalUSD0_3Pct() >= f.MinDepth0_3PctUSD, Value: md.L2Depth.TotalUSD0_3Pct(), Threshold: f.MinDepth0_3PctUSD,
			Reason: fmt.Sprintf("depth 0.3%%: $%.0f", md.L2Depth.TotalUSD0_3Pct()),
		}
		out["min_depth_0_5pct"] = types.FilterDetail{
			Passed: md.L2Depth.TotalUSD0_5Pct() >= f.MinDepth0_5PctUSD, Value: md.L2Depth.TotalUSD0_5Pct(), Threshold: f.MinDepth0_5PctUSD,
			Reason: fmt.Sprintf("depth 0.5%%: $%.0f", md.L2Depth.TotalUSD0_5Pct()),
		}
	} else {
		out["max_spread"] = types.FilterDetail{Passed: true, Reason: "no L2 depth available"}
		out["min_depth_0_3pct"] = types.FilterDetail{Passed: true, Reason: "no L2 depth available"}
		out["min_depth_0_5pct"] = types.FilterDetail{Passed: true, Reason: "no L2 depth available"}
	}

	return out
}

func (s *Scanner) volatilityFilters(md types.MarketData, volSurge1h, volSurge5m float64) map[string]types.FilterDetail {
	f := s.cfg.Volatility
	atrRatio := utils.SafeDivide(md.ATR15m, md.Price, 0)

	out := map[string]types.FilterDetail{
		"atr_range": {
			Passed: atrRatio >= f.ATRRangeMin && atrRatio <= f.ATRRangeMax, Value: atrRatio,
			Reason: fmt.Sprintf("ATR ratio: %.4f", atrRatio),
		},
		"bb_width": {
			Passed: md.BBWidthPct <= f.BBWidthPercentileMax, Value: md.BBWidthPct, Threshold: f.BBWidthPercentileMax,
			Reason: fmt.Sprintf("BB width: %.1f%%", md.BBWidthPct),
		},
		"volume_surge_1h": {
			Passed: volSurge1h >= f.VolSurge1hMin, Value: volSurge1h, Threshold: f.VolSurge1hMin,
			Reason: fmt.Sprintf("vol surge 1h: %.2fx", volSurge1h),
		},
		"volume_surge_5m": {
			Passed: volSurge5m >= f.VolSurge5mMin, Value: volSurge5m, Threshold: f.VolSurge5mMin,
			Reason: fmt.Sprintf("vol surge 5m: %.2fx", volSurge5m),
		},
	}

	if md.OIChange24h != nil && f.OIDelta24hMin != nil {
		out["oi_delta"] = types.FilterDetail{
			Passed: math.Abs(*md.OIChange24h) >= *f.OIDelta24hMin, Value: *md.OIChange24h, Threshold: *f.OIDelta24hMin,
			Reason: fmt.Sprintf("OI delta: %.3f", *md.OIChange24h),
		}
	}

	return out
}

// correlationFilter applies the floored effective limit: the configured
// max_correlation is never enforced tighter than 0.85.
func (s *Scanner) correlationFilter(md types.MarketData) types.FilterDetail {
	effectiveLimit := math.Max(s.cfg.Scanner.MaxCorrelation, 0.85)
	absCorr := math.Abs(md.BTCCorrelation)
	return types.FilterDetail{
		Passed: absCorr <= effectiveLimit, Value: absCorr, Threshold: effectiveLimit,
		Reason: fmt.Sprintf("BTC correlation: %.2f (limit %.2f)", md.BTCCorrelation, effectiveLimit),
	}
}

func (s *Scanner) dataHealthFilter(md types.MarketData) types.FilterDetail {
	var issues []string

	if len(md.Candles5m) == 0 {
		issues = append(issues, "no_candles")
	} else {
		expectedInterval := int64(5 * 60 * 1000)
		var gaps, dupes int
		for i := 1; i < len(md.Candles5m); i++ {
			delta := md.Candles5m[i].Ts - md.Candles5m[i-1].Ts
			switch {
			case delta == 0:
				dupes++
			case delta > int64(float64(expectedInterval)*1.2):
				gaps++
			}
		}
		if gaps > 0 {
			issues = append(issues, fmt.Sprintf("gaps:%d", gaps))
		}
		if dupes > 0 {
			issues = append(issues, fmt.Sprintf("duplicates:%d", dupes))
		}
	}

	if md.L2Depth == nil {
		issues = append(issues, "no_depth")
	} else {
		if md.L2Depth.SpreadBps > math.Max(s.cfg.Liquidity.MaxSpreadBps*2, 20) {
			issues = append(issues, "wide_spread")
		}
		if md.L2Depth.TotalUSD0_3Pct() <= 0 && md.L2Depth.TotalUSD0_5Pct() <= 0 {
			issues = append(issues, "zero_depth")
		}
	}

	if md.TradesPerMinute <= 0 {
		issues = append(issues, "no_trades")
	}

	reason := "ok"
	if len(issues) > 0 {
		reason = joinIssues(issues)
	}
	return types.FilterDetail{Passed: len(issues) == 0, Value: float64(len(issues)), Reason: reason}
}

func joinIssues(issues []string) string {
	out := issues[0]
	for _, i := range issues[1:] {
		out += ";" + i
	}
	return out
}

// volumeSurges computes 1h (last 12 candles median vs. previous 12) and 5m (last
// candle vs. median of previous 20) volume surge ratios.
func (s *Scanner) volumeSurges(md types.MarketData) (surge1h, surge5m float64) {
	candles := md.Candles5m
	if len(candles) >= 24 {
		recent := medianVolumes(candles[len(candles)-12:])
		older := medianVolumes(candles[len(candles)-24 : len(candles)-12])
		surge1h = utils.SafeDivide(recent, older, 0)
	}
	surge5m = indicators.VolumeSurge(candles, 20)
	return
}

func medianVolumes(candles []types.Candle) float64 {
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		volumes[i] = c.Volume
	}
	return utils.Median(volumes)
}

// score computes the weighted scanner score and its named components.
func (s *Scanner) score(md types.MarketData, volSurge1h, volSurge5m float64) (float64, map[string]float64) {
	weights := s.cfg.Scanner.ScoreWeights
	components := make(map[string]float64, len(weights))

	if w, ok := weights["vol_surge"]; ok {
		components["vol_surge"] = normalizeVolumeSurge(volSurge1h, volSurge5m) * w
	}
	if w, ok := weights["oi_delta"]; ok {
		var delta float64
		if md.OIChange24h != nil {
			delta = *md.OIChange24h
		}
		components["oi_delta"] = clamp(math.Abs(delta)/0.05, -3, 3) * w
	}
	if w, ok := weights["atr_quality"]; ok {
		atrRatio := utils.SafeDivide(md.ATR15m, md.Price, 0)
		components["atr_quality"] = atrQuality(atrRatio) * w
	}
	if w, ok := weights["correlation"]; ok {
		components["correlation"] = normalizeCorrelation(md.BTCCorrelation) * w
	}
	if w, ok := weights["trades_per_minute"]; ok {
		components["trades_per_minute"] = normalizeTradesPerMinute(md.TradesPerMinute) * w
	}

	var total float64
	for _, v := range components {
		total += v
	}
	return total, components
}

func normalizeVolumeSurge(surge1h, surge5m float64) float64 {
	combined := surge1h*0.6 + surge5m*0.4
	return clamp((combined-1.5)/1.0, -3, 3)
}

func atrQuality(ratio float64) float64 {
	const optimalMin, optimalMax = 0.015, 0.035
	mid := (optimalMin + optimalMax) / 2
	if ratio >= optimalMin && ratio <= optimalMax {
		return 1.0 - math.Abs(ratio-mid)/(optimalMax-optimalMin)
	}
	if ratio < optimalMin {
		return math.Max(0, 1.0-(optimalMin-ratio)/optimalMin)
	}
	return math.Max(0, 1.0-(ratio-optimalMax)/optimalMax)
}

func normalizeCorrelation(corr float64) float64 {
	if math.IsNaN(corr) {
		return 0
	}
	abs := math.Abs(corr)
	var score float64
	switch {
	case abs <= 0.3:
		score = 1.0 - (abs/0.3)*0.5
	case abs <= 0.7:
		score = 1.0
	default:
		score = 1.0 - ((abs-0.7)/0.3)*1.5
	}
	return clamp(score, -3, 3)
}

func normalizeTradesPerMinute(tpm float64) float64 {
	if tpm <= 0 {
		return -3
	}
	return clamp((math.Log(tpm)-2.0)/1.0, -3, 3)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
