package position

import (
	"testing"
	"time"

	"github.com/atlas-desktop/breakout-engine/pkg/config"
	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"go.uber.org/zap"
)

func newTestManager(posCfg config.PositionConfig) *Manager {
	cfg := config.Default()
	cfg.Signal.TP1R = 1
	cfg.Signal.TP2R = 2
	return New(zap.NewNop(), cfg.Signal, posCfg, nil)
}

func testPositionConfig() config.PositionConfig {
	cfg := config.Default().Position
	cfg.TP1SizePct = 0.5
	cfg.TP2SizePct = 0.5
	return cfg
}

func openLong(id string, qty, entry, sl float64, openedAt int64) types.Position {
	return types.Position{
		ID:       id,
		Symbol:   "ETH/USDT",
		Side:     types.SideLong,
		Strategy: types.StrategyMomentum,
		Qty:      qty,
		Entry:    entry,
		SL:       sl,
		Status:   types.PositionOpen,
		OpenedAt: openedAt,
	}
}

// trailCandles builds n bars whose highest high is `peak` with a constant 2.0
// true range, so ATR(22) is exactly 2 and the chandelier stop is peak - mult*2.
func trailCandles(n int, peak float64) []types.Candle {
	out := make([]types.Candle, 0, n)
	for i := 0; i < n; i++ {
		high := peak - 1
		if i == n-2 {
			high = peak
		}
		out = append(out, types.Candle{
			Ts:     1_700_000_000_000 + int64(i)*5*60*1000,
			Open:   high - 1,
			High:   high,
			Low:    high - 2,
			Close:  high - 1,
			Volume: 100,
		})
	}
	return out
}

func marketDataAt(price float64, candles []types.Candle) map[string]types.MarketData {
	return map[string]types.MarketData{
		"ETH/USDT": {Symbol: "ETH/USDT", Price: price, Candles5m: candles},
	}
}

func TestTP1ThenBreakevenThenTP2(t *testing.T) {
	m := newTestManager(testPositionConfig())
	nowMs := time.Now().UnixMilli()
	p := openLong("p1", 10, 100, 98, nowMs)

	// Price crosses tp1 = entry + R*1 = 102.
	updates := m.ProcessUpdates([]types.Position{p}, marketDataAt(102.5, trailCandles(10, 103)))
	if len(updates) != 1 {
		t.Fatalf("got %d updates, want 1 (tp1), %+v", len(updates), updates)
	}
	u := updates[0]
	if u.Action != ActionTakeProfit || u.Price != 102 || u.Quantity != 5 {
		t.Fatalf("tp1 update = %+v, want take_profit price=102 qty=5", u)
	}

	// Next cycle at a quieter price: breakeven move to entry*1.001.
	p.Qty = 5
	updates = m.ProcessUpdates([]types.Position{p}, marketDataAt(102.5, trailCandles(10, 103)))
	var sawBreakeven bool
	for _, u := range updates {
		if u.Action == ActionUpdateStop {
			sawBreakeven = true
			if u.Price != 100*1.001 {
				t.Fatalf("breakeven stop = %v, want %v", u.Price, 100*1.001)
			}
		}
	}
	if !sawBreakeven {
		t.Fatalf("expected a breakeven update_stop, got %+v", updates)
	}

	// Engine applies the stop; price then crosses tp2 = entry + R*2 = 104.
	p.SL = 100.1
	updates = m.ProcessUpdates([]types.Position{p}, marketDataAt(104.5, trailCandles(10, 104)))
	var sawTP2 bool
	for _, u := range updates {
		if u.Action == ActionTakeProfit {
			sawTP2 = true
			if u.Price != 104 || u.Quantity != 2.5 {
				t.Fatalf("tp2 update = %+v, want price=104 qty=2.5", u)
			}
		}
	}
	if !sawTP2 {
		t.Fatalf("expected a tp2 take_profit, got %+v", updates)
	}
}

func TestChandelierTrailMovesStopUpOnly(t *testing.T) {
	cfg := testPositionConfig()
	m := newTestManager(cfg)
	nowMs := time.Now().UnixMilli()
	p := openLong("p1", 10, 100, 98, nowMs)

	// Walk the tracker into breakeven-moved state: tp1, then breakeven.
	m.ProcessUpdates([]types.Position{p}, marketDataAt(102.5, trailCandles(10, 103)))
	m.ProcessUpdates([]types.Position{p}, marketDataAt(102.5, trailCandles(10, 103)))

	// 22+ candles, highest high 110, ATR 2, mult 3 => chandelier stop 104.
	p.SL = 100.1
	updates := m.ProcessUpdates([]types.Position{p}, marketDataAt(106, trailCandles(25, 110)))
	var trail *Update
	for i := range updates {
		if updates[i].Action == ActionUpdateStop {
			trail = &updates[i]
		}
	}
	if trail == nil {
		t.Fatalf("expected a chandelier update_stop, got %+v", updates)
	}
	if trail.Price != 104 {
		t.Fatalf("chandelier stop = %v, want 104", trail.Price)
	}

	// With the stop already above the chandelier price, no downward move.
	p.SL = 105
	updates = m.ProcessUpdates([]types.Position{p}, marketDataAt(106, trailCandles(25, 110)))
	for _, u := range updates {
		if u.Action == ActionUpdateStop {
			t.Fatalf("stop must never move down, got %+v", u)
		}
	}
}

func TestCloseOnMaxHoldTime(t *testing.T) {
	cfg := testPositionConfig()
	cfg.MaxHoldTimeHours = 72
	m := newTestManager(cfg)

	opened := time.Now().Add(-80 * time.Hour).UnixMilli()
	p := openLong("p1", 10, 100, 98, opened)
	p.PnLR = 0.5 // avoid the no-progress path claiming credit

	updates := m.ProcessUpdates([]types.Position{p}, marketDataAt(100.5, trailCandles(10, 101)))
	var closed bool
	for _, u := range updates {
		if u.Action == ActionClose {
			closed = true
			if u.Quantity != p.Qty {
				t.Fatalf("close qty = %v, want full %v", u.Quantity, p.Qty)
			}
		}
	}
	if !closed {
		t.Fatalf("expected a close after max hold time, got %+v", updates)
	}
}

func TestCloseOnNoProgress(t *testing.T) {
	cfg := testPositionConfig()
	m := newTestManager(cfg)

	opened := time.Now().Add(-9 * time.Hour).UnixMilli()
	p := openLong("p1", 10, 100, 98, opened)
	p.PnLR = 0.1 // below 0.3 with no tp1 after >8h

	updates := m.ProcessUpdates([]types.Position{p}, marketDataAt(100.1, trailCandles(10, 101)))
	var closed bool
	for _, u := range updates {
		if u.Action == ActionClose {
			closed = true
		}
	}
	if !closed {
		t.Fatalf("expected a no-progress close, got %+v", updates)
	}
}

func TestTimeStop(t *testing.T) {
	cfg := testPositionConfig()
	minutes := 30.0
	cfg.TimeStopMinutes = &minutes
	m := newTestManager(cfg)

	opened := time.Now().Add(-45 * time.Minute).UnixMilli()
	p := openLong("p1", 10, 100, 98, opened)
	p.PnLR = 0.4

	updates := m.ProcessUpdates([]types.Position{p}, marketDataAt(100.5, trailCandles(10, 101)))
	var closed bool
	for _, u := range updates {
		if u.Action == ActionClose && u.Reason == "time stop triggered" {
			closed = true
		}
	}
	if !closed {
		t.Fatalf("expected a time-stop close, got %+v", updates)
	}
}

func TestAddOnAtEMAPullback(t *testing.T) {
	cfg := testPositionConfig()
	cfg.AddOnEnabled = true
	m := newTestManager(cfg)

	nowMs := time.Now().UnixMilli()
	p := openLong("p1", 10, 100, 98, nowMs)
	p.PnLR = 0.8

	// Flat candles: EMA(9) of closes equals the close, so price==close sits
	// inside the proximity band.
	candles := make([]types.Candle, 12)
	for i := range candles {
		candles[i] = types.Candle{
			Ts:     nowMs + int64(i)*5*60*1000,
			Open:   101,
			High:   101.2,
			Low:    100.8,
			Close:  101,
			Volume: 100,
		}
	}
	updates := m.ProcessUpdates([]types.Position{p}, marketDataAt(101, candles))
	var addOn *Update
	for i := range updates {
		if updates[i].Action == ActionAddOn {
			addOn = &updates[i]
		}
	}
	if addOn == nil {
		t.Fatalf("expected an add-on update, got %+v", updates)
	}
	if addOn.Quantity != 10*cfg.AddOnMaxSizePct {
		t.Fatalf("add-on qty = %v, want %v", addOn.Quantity, 10*cfg.AddOnMaxSizePct)
	}

	// Executed flag latches: a second cycle emits no further add-on.
	updates = m.ProcessUpdates([]types.Position{p}, marketDataAt(101, candles))
	for _, u := range updates {
		if u.Action == ActionAddOn {
			t.Fatalf("add-on must only execute once per position")
		}
	}
}

func TestAddRemoveIsNoOpOnTrackerMap(t *testing.T) {
	m := newTestManager(testPositionConfig())
	before := len(m.trackers)

	p := openLong("p1", 10, 100, 98, time.Now().UnixMilli())
	m.Add(p)
	m.Remove(p.ID)

	if len(m.trackers) != before {
		t.Fatalf("tracker map size %d after add+remove, want %d", len(m.trackers), before)
	}
}

func TestPartiallyClosedStaysManaged(t *testing.T) {
	m := newTestManager(testPositionConfig())
	nowMs := time.Now().UnixMilli()
	p := openLong("p1", 10, 100, 98, nowMs)

	// TP1 fires; the engine reduces the position to half and marks it
	// partially_closed.
	m.ProcessUpdates([]types.Position{p}, marketDataAt(102.5, trailCandles(10, 103)))
	p.Qty = 5
	p.Status = types.PositionPartiallyClosed
	m.Sync(p)

	if removed := m.Cleanup(); removed != 0 {
		t.Fatalf("cleanup removed %d trackers, partial closes must survive", removed)
	}
	if len(m.Active()) != 1 {
		t.Fatalf("partially closed position missing from Active()")
	}

	// Next cycle the remaining half still gets its breakeven move.
	updates := m.ProcessUpdates([]types.Position{p}, marketDataAt(102.5, trailCandles(10, 103)))
	var sawBreakeven bool
	for _, u := range updates {
		if u.Action == ActionUpdateStop && u.Price == 100*1.001 {
			sawBreakeven = true
		}
	}
	if !sawBreakeven {
		t.Fatalf("expected breakeven update_stop on the remaining quantity, got %+v", updates)
	}
}

func TestCleanupDropsTerminalTrackers(t *testing.T) {
	m := newTestManager(testPositionConfig())
	p := openLong("p1", 10, 100, 98, time.Now().UnixMilli())
	m.Add(p)

	p.Status = types.PositionClosed
	m.Sync(p)

	if removed := m.Cleanup(); removed != 1 {
		t.Fatalf("cleanup removed %d trackers, want 1", removed)
	}
	if len(m.Active()) != 0 {
		t.Fatalf("no positions should remain active")
	}
}

func TestSyncPreservesManagementFlags(t *testing.T) {
	m := newTestManager(testPositionConfig())
	nowMs := time.Now().UnixMilli()
	p := openLong("p1", 10, 100, 98, nowMs)

	// TP1 fires, latching the flag.
	m.ProcessUpdates([]types.Position{p}, marketDataAt(102.5, trailCandles(10, 103)))

	p.Qty = 5
	m.Sync(p)

	status, ok := m.Status("p1")
	if !ok {
		t.Fatalf("tracker missing after sync")
	}
	if !status.TP1Executed {
		t.Fatalf("tp1 flag lost across Sync")
	}
	if status.Qty != 5 {
		t.Fatalf("qty = %v, want 5 after sync", status.Qty)
	}
}

func TestActivityTrackerFlagsDrop(t *testing.T) {
	tr := NewTradeActivityTracker()
	for i := 0; i < 10; i++ {
		tr.Record("ETH/USDT", 100)
	}
	tr.Record("ETH/USDT", 20) // 80% below the peak

	if !tr.IsActivityDropping("ETH/USDT", 0.5) {
		t.Fatalf("expected an activity drop at 80%% below peak")
	}
	if tr.IsActivityDropping("ETH/USDT", 0.9) {
		t.Fatalf("an 80%% drop must not trip a 90%% threshold")
	}
	if tr.IsActivityDropping("BTC/USDT", 0.1) {
		t.Fatalf("unknown symbol must not flag")
	}
}
