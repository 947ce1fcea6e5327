package types

import "testing"

func TestCandleValid(t *testing.T) {
	cases := []struct {
		name   string
		candle Candle
		want   bool
	}{
		{"ok", Candle{Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 10}, true},
		{"zero volume ok", Candle{Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 0}, true},
		{"negative volume", Candle{Open: 100, High: 101, Low: 99, Close: 100.5, Volume: -1}, false},
		{"low above open", Candle{Open: 100, High: 101, Low: 100.5, Close: 100.8, Volume: 1}, false},
		{"high below close", Candle{Open: 100, High: 100.2, Low: 99, Close: 100.5, Volume: 1}, false},
		{"zero price", Candle{Open: 0, High: 101, Low: 99, Close: 100, Volume: 1}, false},
	}
	for _, tc := range cases {
		if got := tc.candle.Valid(); got != tc.want {
			t.Fatalf("%s: Valid() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestSignalInvariants(t *testing.T) {
	long := Signal{Side: SideLong, Entry: 100, SL: 98, Confidence: 0.5}
	if !long.Valid() {
		t.Fatalf("long with sl<entry should be valid")
	}
	long.SL = 101
	if long.Valid() {
		t.Fatalf("long with sl>entry must be invalid")
	}

	short := Signal{Side: SideShort, Entry: 100, SL: 102, Confidence: 0.5}
	if !short.Valid() {
		t.Fatalf("short with sl>entry should be valid")
	}
	short.SL = 99
	if short.Valid() {
		t.Fatalf("short with sl<entry must be invalid")
	}
}

func TestSignalRiskReward(t *testing.T) {
	tp1 := 104.0
	s := Signal{Side: SideLong, Entry: 100, SL: 98, TP1: &tp1}
	if s.R() != 2 {
		t.Fatalf("R = %v, want 2", s.R())
	}
	if s.RiskReward() != 2 {
		t.Fatalf("risk_reward = %v, want 2", s.RiskReward())
	}

	degenerate := Signal{Side: SideLong, Entry: 100, SL: 100, TP1: &tp1}
	if degenerate.RiskReward() != 0 {
		t.Fatalf("risk_reward with R=0 must be 0, not a division")
	}
}

func TestOrderRemaining(t *testing.T) {
	o := Order{Qty: 10, FilledQty: 4}
	if o.Remaining() != 6 {
		t.Fatalf("remaining = %v, want 6", o.Remaining())
	}
	o.FilledQty = 12
	if o.Remaining() != 0 {
		t.Fatalf("overfilled remaining = %v, want clamped 0", o.Remaining())
	}
}

func TestL2DepthTotals(t *testing.T) {
	d := L2Depth{BidUSD0_3Pct: 100, AskUSD0_3Pct: 200, BidUSD0_5Pct: 300, AskUSD0_5Pct: 400}
	if d.TotalUSD0_3Pct() != 300 || d.TotalUSD0_5Pct() != 700 {
		t.Fatalf("band totals = %v/%v, want 300/700", d.TotalUSD0_3Pct(), d.TotalUSD0_5Pct())
	}
}

func TestScanResultPassedAllFilters(t *testing.T) {
	r := ScanResult{FilterResults: map[string]bool{"a": true, "b": true}}
	if !r.PassedAllFilters() {
		t.Fatalf("all-true map should pass")
	}
	r.FilterResults["c"] = false
	if r.PassedAllFilters() {
		t.Fatalf("any false entry must fail the conjunction")
	}
}

func TestPositionDurationHours(t *testing.T) {
	p := Position{OpenedAt: 0}
	if got := p.DurationHours(3_600_000); got != 1 {
		t.Fatalf("duration = %v, want 1h", got)
	}
	closedAt := int64(7_200_000)
	p.ClosedAt = &closedAt
	if got := p.DurationHours(999_999_999); got != 2 {
		t.Fatalf("closed duration = %v, want 2h (uses closed_at)", got)
	}
}
