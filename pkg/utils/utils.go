// Package utils provides small shared helpers used across the engine: ID
// generation, symbol formatting, decimal rounding for the execution ledger, and
// float64 EMA/SMA streaming calculators.
package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// GenerateID generates a unique ID with optional prefix.
func GenerateID(prefix string) string {
	bytes := make([]byte, 16)
	rand.Read(bytes)
	id := hex.EncodeToString(bytes)
	if prefix != "" {
		return fmt.Sprintf("%s_%s", prefix, id)
	}
	return id
}

// GenerateOrderID generates a unique order ID.
func GenerateOrderID() string { return GenerateID("ord") }

// GenerateSignalID generates a unique signal ID.
func GenerateSignalID() string { return GenerateID("sig") }

// GeneratePositionID generates a unique position ID.
func GeneratePositionID() string { return GenerateID("pos") }

// FormatSymbol normalizes a trading symbol to BASE/QUOTE form.
func FormatSymbol(symbol string) string {
	symbol = strings.TrimSpace(symbol)
	symbol = strings.ToUpper(symbol)
	symbol = strings.ReplaceAll(symbol, "-", "/")
	symbol = strings.ReplaceAll(symbol, "_", "/")

	if !strings.Contains(symbol, "/") {
		quotes := []string{"USDT", "USDC", "USD", "BTC", "ETH", "BNB"}
		for _, quote := range quotes {
			if strings.HasSuffix(symbol, quote) {
				base := strings.TrimSuffix(symbol, quote)
				return base + "/" + quote
			}
		}
	}
	return symbol
}

// ParseSymbol extracts base and quote from a symbol.
func ParseSymbol(symbol string) (base, quote string) {
	parts := strings.Split(symbol, "/")
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return symbol, ""
}

// RoundToTickSize rounds a price down to the nearest tick size (execution ledger).
func RoundToTickSize(price, tickSize decimal.Decimal) decimal.Decimal {
	if tickSize.IsZero() {
		return price
	}
	return price.Div(tickSize).Floor().Mul(tickSize)
}

// RoundToStepSize rounds a quantity down to the nearest step size (execution ledger).
func RoundToStepSize(qty, stepSize decimal.Decimal) decimal.Decimal {
	if stepSize.IsZero() {
		return qty
	}
	return qty.Div(stepSize).Floor().Mul(stepSize)
}

// FormatMoney formats a decimal as money for log/diagnostics output.
func FormatMoney(d decimal.Decimal, currency string) string {
	switch strings.ToUpper(currency) {
	case "USD", "USDT", "USDC":
		return "$" + d.StringFixed(2)
	case "BTC":
		return d.StringFixed(8) + " BTC"
	default:
		return d.String() + " " + currency
	}
}

// EMA is a streaming exponential moving average over float64 values.
type EMA struct {
	period     int
	multiplier float64
	current    float64
	count      int
}

// NewEMA creates an EMA calculator with the given period.
func NewEMA(period int) *EMA {
	return &EMA{period: period, multiplier: 2.0 / float64(period+1)}
}

// Add feeds a value and returns the updated EMA.
func (e *EMA) Add(value float64) float64 {
	e.count++
	if e.count == 1 {
		e.current = value
		return e.current
	}
	e.current = (value-e.current)*e.multiplier + e.current
	return e.current
}

// Current returns the last computed EMA value.
func (e *EMA) Current() float64 { return e.current }

// Count returns the number of values fed so far.
func (e *EMA) Count() int { return e.count }

// SMA is a streaming simple moving average over float64 values, bounded to period.
type SMA struct {
	period int
	values []float64
	sum    float64
}

// NewSMA creates an SMA calculator with the given period.
func NewSMA(period int) *SMA {
	return &SMA{period: period, values: make([]float64, 0, period)}
}

// Add feeds a value and returns the updated SMA.
func (s *SMA) Add(value float64) float64 {
	s.values = append(s.values, value)
	s.sum += value
	if len(s.values) > s.period {
		s.sum -= s.values[0]
		s.values = s.values[1:]
	}
	return s.sum / float64(len(s.values))
}

// Current returns the last computed SMA value.
func (s *SMA) Current() float64 {
	if len(s.values) == 0 {
		return 0
	}
	return s.sum / float64(len(s.values))
}
