package position

import "sync"

// baselineWindow caps how many trades-per-minute samples each symbol's rolling
// baseline tracks before the oldest is evicted.
const baselineWindow = 60

// TradeActivityTracker implements ActivityTracker over a rolling
// trades-per-minute baseline per symbol: a drop is flagged when the latest
// sample falls at least dropFrac below the symbol's recent peak.
type TradeActivityTracker struct {
	mu      sync.Mutex
	samples map[string][]float64
}

// NewTradeActivityTracker constructs a tracker with no history.
func NewTradeActivityTracker() *TradeActivityTracker {
	return &TradeActivityTracker{samples: make(map[string][]float64)}
}

// Record appends a trades-per-minute observation for symbol, called once per
// engine cycle from the market-data snapshot.
func (t *TradeActivityTracker) Record(symbol string, tradesPerMinute float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	history := append(t.samples[symbol], tradesPerMinute)
	if len(history) > baselineWindow {
		history = history[len(history)-baselineWindow:]
	}
	t.samples[symbol] = history
}

// IsActivityDropping reports whether the latest sample sits at least dropFrac
// below the symbol's peak over its tracked history. Needs at least 5 samples
// to avoid false positives on a cold start.
func (t *TradeActivityTracker) IsActivityDropping(symbol string, dropFrac float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	history := t.samples[symbol]
	if len(history) < 5 {
		return false
	}

	peak := history[0]
	for _, v := range history[:len(history)-1] {
		if v > peak {
			peak = v
		}
	}
	if peak <= 0 {
		return false
	}

	latest := history[len(history)-1]
	return (peak-latest)/peak >= dropFrac
}
