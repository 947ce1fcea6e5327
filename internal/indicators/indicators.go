// Package indicators provides the technical-analysis building blocks shared by the
// market-data provider, scanner, level detector, signal generator and position
// manager: ATR, Bollinger width, VWAP, Donchian channels, swing points and EMA-based
// chandelier exits. All functions operate on ascending-time Candle slices and never
// panic on short input — they return 0/false and let the caller decide how to react,
// per the engine's "skip, don't fail the cycle" error policy.
package indicators

import (
	"math"

	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"github.com/atlas-desktop/breakout-engine/pkg/utils"
)

// TrueRange returns the true-range series for the given candles, same length as
// input; the first element uses its own close as "previous close".
func TrueRange(candles []types.Candle) []float64 {
	tr := make([]float64, len(candles))
	for i, c := range candles {
		prevClose := c.Close
		if i > 0 {
			prevClose = candles[i-1].Close
		}
		tr1 := c.High - c.Low
		tr2 := math.Abs(c.High - prevClose)
		tr3 := math.Abs(c.Low - prevClose)
		tr[i] = math.Max(tr1, math.Max(tr2, tr3))
	}
	return tr
}

// EMASeries returns the period-EMA series over values, NaN-free: the series is seeded
// with values[0] and the EMA recursion runs from index 1, so there is no warm-up gap.
func EMASeries(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	mult := 2.0 / float64(period+1)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = (values[i]-out[i-1])*mult + out[i-1]
	}
	return out
}

// ATR returns ATR(period) over candles, or 0 if fewer than period+1 candles are
// available.
func ATR(candles []types.Candle, period int) float64 {
	if len(candles) < period+1 {
		return 0
	}
	tr := TrueRange(candles)
	ema := EMASeries(tr, period)
	return ema[len(ema)-1]
}

// BollingerWidthPct returns (upper-lower)/middle*100 over the last `period` closes
// using a population standard deviation, or 0 if insufficient data.
func BollingerWidthPct(candles []types.Candle, period int, stdDevMult float64) float64 {
	if len(candles) < period {
		return 0
	}
	window := candles[len(candles)-period:]
	var sum float64
	for _, c := range window {
		sum += c.Close
	}
	mean := sum / float64(period)

	var variance float64
	for _, c := range window {
		d := c.Close - mean
		variance += d * d
	}
	variance /= float64(period)
	std := math.Sqrt(variance)

	upper := mean + stdDevMult*std
	lower := mean - stdDevMult*std
	return utils.SafeDivide(upper-lower, mean, 0) * 100
}

// VWAP returns the cumulative volume-weighted average price over candles.
func VWAP(candles []types.Candle) float64 {
	var pv, v float64
	for _, c := range candles {
		pv += c.Typical() * c.Volume
		v += c.Volume
	}
	return utils.SafeDivide(pv, v, 0)
}

// DonchianUpperLower returns the highest high and lowest low over the last `period`
// candles, or (0,0) if insufficient data.
func DonchianUpperLower(candles []types.Candle, period int) (upper, lower float64) {
	if len(candles) < period {
		return 0, 0
	}
	window := candles[len(candles)-period:]
	upper, lower = window[0].High, window[0].Low
	for _, c := range window[1:] {
		if c.High > upper {
			upper = c.High
		}
		if c.Low < lower {
			lower = c.Low
		}
	}
	return upper, lower
}

// SwingPoint is a local extreme detected with symmetric left/right lookback.
type SwingPoint struct {
	Index int
	Price float64
	High  bool // true for swing high, false for swing low
}

// SwingHighsLows finds swing points with left==right==lookback bars of confirmation
// on each side.
func SwingHighsLows(candles []types.Candle, lookback int) []SwingPoint {
	var out []SwingPoint
	for i := lookback; i < len(candles)-lookback; i++ {
		isHigh, isLow := true, true
		for j := i - lookback; j <= i+lookback; j++ {
			if j == i {
				continue
			}
			if candles[j].High >= candles[i].High {
				isHigh = false
			}
			if candles[j].Low <= candles[i].Low {
				isLow = false
			}
		}
		if isHigh {
			out = append(out, SwingPoint{Index: i, Price: candles[i].High, High: true})
		}
		if isLow {
			out = append(out, SwingPoint{Index: i, Price: candles[i].Low, High: false})
		}
	}
	return out
}

// SwingLow returns the lowest low over the last n candles (for momentum stop-loss).
func SwingLow(candles []types.Candle, n int) float64 {
	if len(candles) == 0 {
		return 0
	}
	if n > len(candles) {
		n = len(candles)
	}
	window := candles[len(candles)-n:]
	low := window[0].Low
	for _, c := range window[1:] {
		if c.Low < low {
			low = c.Low
		}
	}
	return low
}

// SwingHigh returns the highest high over the last n candles (for momentum stop-loss
// and chandelier exit).
func SwingHigh(candles []types.Candle, n int) float64 {
	if len(candles) == 0 {
		return 0
	}
	if n > len(candles) {
		n = len(candles)
	}
	window := candles[len(candles)-n:]
	high := window[0].High
	for _, c := range window[1:] {
		if c.High > high {
			high = c.High
		}
	}
	return high
}

// VolumeSurge returns v[-1]/median(v[-(lookback+1):-1]), the ratio the signal
// generator and scanner use for 5m volume-surge detection.
func VolumeSurge(candles []types.Candle, lookback int) float64 {
	if len(candles) < lookback+1 {
		return 0
	}
	last := candles[len(candles)-1].Volume
	window := candles[len(candles)-lookback-1 : len(candles)-1]
	volumes := make([]float64, len(window))
	for i, c := range window {
		volumes[i] = c.Volume
	}
	return utils.SafeDivide(last, utils.Median(volumes), 0)
}

// ChandelierExit returns the current trailing-stop level: the last `period`-bar highest
// high (long) or lowest low (short), offset by atrMultiplier times the period-EMA of
// the true range. Returns 0 if fewer than period candles are available.
func ChandelierExit(candles []types.Candle, period int, atrMultiplier float64, long bool) float64 {
	if len(candles) < period || period <= 0 {
		return 0
	}
	tr := TrueRange(candles)
	atrVal := EMASeries(tr, period)[len(tr)-1]
	if atrVal == 0 {
		return 0
	}
	if long {
		return SwingHigh(candles, period) - atrMultiplier*atrVal
	}
	return SwingLow(candles, period) + atrMultiplier*atrVal
}

// Correlation returns the Pearson correlation of two close-price series over the
// last period points, capped at the shorter series' length.
func Correlation(a, b []types.Candle, period int) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if period < n {
		n = period
	}
	if n < 2 {
		return 0
	}
	closesA := make([]float64, n)
	closesB := make([]float64, n)
	for i := 0; i < n; i++ {
		closesA[i] = a[len(a)-n+i].Close
		closesB[i] = b[len(b)-n+i].Close
	}
	return utils.PearsonCorrelation(closesA, closesB)
}
