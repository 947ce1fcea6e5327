// Package risk implements R-based position sizing and the portfolio risk monitor
// with kill-switch: each trade risks a fixed fraction of equity against its stop
// distance, capped by book depth and position-size limits, and the monitor bans
// new entries once daily loss or drawdown thresholds are breached.
package risk

import (
	"math"

	"github.com/atlas-desktop/breakout-engine/pkg/config"
	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"github.com/atlas-desktop/breakout-engine/pkg/utils"
)

// PositionSize is the sizer's output for one signal.
type PositionSize struct {
	Qty               float64
	NotionalUSD       float64
	RiskUSD           float64
	RiskR             float64
	StopDistance      float64
	IsValid           bool
	Reason            string
	PrecisionAdjusted bool
}

// precisionPlaces returns the decimal rounding precision for a price tier:
// 8 if price<0.001, 6 default, 5 if >100, 4 if >1000.
func precisionPlaces(price float64) int {
	switch {
	case price < 0.001:
		return 8
	case price > 1000:
		return 4
	case price > 100:
		return 5
	default:
		return 6
	}
}

func roundToPlaces(v float64, places int) float64 {
	mult := math.Pow(10, float64(places))
	return math.Floor(v*mult) / mult
}

// CalculateSize computes the R-model position size for signal against the given
// equity: qty = equity*risk_per_trade / |entry-sl|, then capped and rounded.
func CalculateSize(signal types.Signal, equity float64, md types.MarketData, cfg config.RiskConfig) PositionSize {
	stopDistance := math.Abs(signal.Entry - signal.SL)
	if stopDistance == 0 || !utils.IsFinite(stopDistance) {
		return PositionSize{IsValid: false, Reason: "invalid stop distance"}
	}

	rDollars := equity * cfg.RiskPerTrade
	rawQty := rDollars / stopDistance

	if cfg.MaxPositionSizeUSD != nil && *cfg.MaxPositionSizeUSD > 0 {
		capQty := *cfg.MaxPositionSizeUSD / signal.Entry
		if rawQty > capQty {
			rawQty = capQty
		}
	}

	precisionAdjusted := false
	if md.L2Depth != nil {
		aggressorUSD := md.L2Depth.AskUSD0_3Pct
		if signal.Side == types.SideShort {
			aggressorUSD = md.L2Depth.BidUSD0_3Pct
		}
		depthCapQty := utils.SafeDivide(aggressorUSD*0.8, signal.Entry, rawQty)
		if depthCapQty < rawQty {
			rawQty = depthCapQty
			precisionAdjusted = true
		}
	}

	places := precisionPlaces(signal.Entry)
	qty := roundToPlaces(rawQty, places)
	if qty != rawQty {
		precisionAdjusted = true
	}

	notional := qty * signal.Entry
	minNotional := cfg.MinNotionalUSD
	if minNotional <= 0 {
		minNotional = 10
	}
	if notional < minNotional {
		qty = 0
		notional = 0
	}

	riskUSD := qty * stopDistance
	riskR := utils.SafeDivide(riskUSD, rDollars, 0)

	result := PositionSize{
		Qty:               qty,
		NotionalUSD:       notional,
		RiskUSD:           riskUSD,
		RiskR:             riskR,
		StopDistance:      stopDistance,
		PrecisionAdjusted: precisionAdjusted,
	}

	if qty <= 0 {
		result.Reason = "notional below minimum"
		return result
	}
	if cfg.MaxPositionSizeUSD != nil && notional > *cfg.MaxPositionSizeUSD {
		result.Reason = "notional exceeds max_position_size_usd"
		return result
	}
	riskPct := utils.SafeDivide(riskUSD, equity, 0)
	if riskPct > cfg.RiskPerTrade*1.1 {
		result.Reason = "risk_pct exceeds tolerance"
		return result
	}

	result.IsValid = true
	result.Reason = "ok"
	return result
}
