package levels

import (
	"testing"

	"github.com/atlas-desktop/breakout-engine/pkg/config"
	"github.com/atlas-desktop/breakout-engine/pkg/types"
)

func testConfig() config.LevelConfig {
	return config.LevelConfig{
		TouchToleranceATR:               0.25,
		MinTouches:                      2,
		MaxPiercePct:                    0.003,
		RoundNumberSteps:                []float64{1000, 100, 10},
		CascadeMinLevels:                2,
		CascadeRadiusBps:                20,
		ApproachSlopeMaxPctPerBar:       0.01,
		PrebreakoutConsolidationMinBars: 3,
		MinLevelSeparationATR:           1.0,
	}
}

// flatCandles builds a series that oscillates around a level so it accumulates
// touches without trending, good for exercising the merge/validate pipeline.
func flatCandles(n int, base float64, ts0 int64) []types.Candle {
	out := make([]types.Candle, 0, n)
	for i := 0; i < n; i++ {
		wobble := 0.0
		if i%4 == 0 {
			wobble = 2
		}
		out = append(out, types.Candle{
			Ts:     ts0 + int64(i)*5*60*1000,
			Open:   base,
			High:   base + wobble + 1,
			Low:    base - wobble - 1,
			Close:  base,
			Volume: 100,
		})
	}
	return out
}

func TestIsRoundNumber(t *testing.T) {
	d := New(testConfig())

	ok, bonus := d.IsRoundNumber(50000)
	if !ok || bonus <= 0 {
		t.Fatalf("expected 50000 to be flagged round with positive bonus, got ok=%v bonus=%v", ok, bonus)
	}

	ok, _ = d.IsRoundNumber(123.45)
	if ok {
		t.Fatalf("expected 123.45 not to be flagged round")
	}
}

func TestDetectCascade(t *testing.T) {
	d := New(testConfig())
	levels := []types.TradingLevel{
		{Price: 100.0, Type: types.LevelResistance},
		{Price: 100.1, Type: types.LevelResistance},
		{Price: 100.05, Type: types.LevelSupport},
		{Price: 150.0, Type: types.LevelResistance},
	}

	cascade := d.DetectCascade(levels, 100.0)
	if !cascade.HasCascade {
		t.Fatalf("expected a cascade near 100.0, got %+v", cascade)
	}
	if cascade.Count < d.cfg.CascadeMinLevels {
		t.Fatalf("cascade count %d below configured minimum %d", cascade.Count, d.cfg.CascadeMinLevels)
	}
	if cascade.Bonus <= 0 {
		t.Fatalf("expected a positive cascade bonus, got %v", cascade.Bonus)
	}

	isolated := d.DetectCascade(levels, 150.0)
	if isolated.HasCascade {
		t.Fatalf("expected no cascade near an isolated level, got %+v", isolated)
	}
}

func TestCheckApproachQualityRejectsSteepMove(t *testing.T) {
	d := New(testConfig())
	candles := make([]types.Candle, 10)
	price := 100.0
	for i := range candles {
		price *= 1.02 // steady 2%/bar climb, well past the configured slope max
		candles[i] = types.Candle{Ts: int64(i) * 300000, Open: price, High: price, Low: price, Close: price}
	}

	q := d.CheckApproachQuality(candles, price, 10)
	if q.IsValid {
		t.Fatalf("expected a steep approach to be rejected, got %+v", q)
	}
}

func TestCheckApproachQualityAcceptsConsolidation(t *testing.T) {
	d := New(testConfig())
	levelPrice := 100.0
	candles := make([]types.Candle, 10)
	for i := range candles {
		candles[i] = types.Candle{Ts: int64(i) * 300000, Open: levelPrice, High: levelPrice + 0.1, Low: levelPrice - 0.1, Close: levelPrice}
	}

	q := d.CheckApproachQuality(candles, levelPrice, 10)
	if !q.IsValid {
		t.Fatalf("expected a flat consolidating approach to be valid, got %+v", q)
	}
}

func TestEnhanceScoringAddsRoundNumberAndCascadeBonus(t *testing.T) {
	d := New(testConfig())
	base := types.TradingLevel{Price: 50000, Type: types.LevelResistance, Strength: 0.5}
	all := []types.TradingLevel{
		base,
		{Price: 50010, Type: types.LevelResistance, Strength: 0.4},
	}

	enhanced := d.EnhanceScoring(base, all)
	if enhanced <= base.Strength {
		t.Fatalf("expected EnhanceScoring to raise strength above base %v, got %v", base.Strength, enhanced)
	}
	if enhanced > 1.0 {
		t.Fatalf("expected EnhanceScoring to stay clamped to [0,1], got %v", enhanced)
	}
}

func TestDetectReturnsNilBelowMinimumCandles(t *testing.T) {
	d := New(testConfig())
	if got := d.Detect(flatCandles(5, 100, 0)); got != nil {
		t.Fatalf("expected nil for fewer than 20 candles, got %v", got)
	}
}

func TestDetectProducesSortedDescendingByStrength(t *testing.T) {
	d := New(testConfig())
	candles := flatCandles(40, 100, 1_700_000_000_000)
	got := d.Detect(candles)

	for i := 1; i < len(got); i++ {
		if got[i-1].Strength < got[i].Strength {
			t.Fatalf("levels not sorted by descending strength at index %d: %+v", i, got)
		}
	}
}

func TestMergeSimilarAveragesPriceWithinTolerance(t *testing.T) {
	d := New(testConfig())
	atr := 1.0
	candidates := []candidate{
		{price: 100.0, levelType: types.LevelResistance, firstTouchTs: 1, touches: []touch{{1, 100.0}}},
		{price: 100.1, levelType: types.LevelResistance, firstTouchTs: 2, touches: []touch{{2, 100.1}}},
		{price: 120.0, levelType: types.LevelResistance, firstTouchTs: 3, touches: []touch{{3, 120.0}}},
	}

	merged := d.mergeSimilar(candidates, atr)
	if len(merged) != 2 {
		t.Fatalf("expected the two close candidates to merge into one, got %d groups: %+v", len(merged), merged)
	}
}

func TestRemoveOverlappingDropsCloseLevels(t *testing.T) {
	d := New(testConfig())
	levels := []types.TradingLevel{
		{Price: 100.0, Type: types.LevelSupport, Strength: 0.9},
		{Price: 100.2, Type: types.LevelSupport, Strength: 0.5},
		{Price: 200.0, Type: types.LevelSupport, Strength: 0.8},
	}

	out := d.removeOverlapping(levels, 1.0)
	if len(out) != 2 {
		t.Fatalf("expected the overlapping pair to collapse to one level, got %d: %+v", len(out), out)
	}
}

func TestStrongestLevelsCapsAndOrders(t *testing.T) {
	levels := []types.TradingLevel{
		{Price: 1, Strength: 0.2},
		{Price: 2, Strength: 0.9},
		{Price: 3, Strength: 0.5},
	}
	top := StrongestLevels(levels, 2)
	if len(top) != 2 || top[0].Strength < top[1].Strength {
		t.Fatalf("expected top 2 sorted descending, got %+v", top)
	}
}

func TestRecentLevelsFiltersByAge(t *testing.T) {
	now := int64(1_700_000_000_000)
	levels := []types.TradingLevel{
		{Price: 1, LastTouch: now - 1000},
		{Price: 2, LastTouch: now - 48*3600*1000},
	}
	recent := RecentLevels(levels, 24, now)
	if len(recent) != 1 || recent[0].Price != 1 {
		t.Fatalf("expected only the recent level to survive, got %+v", recent)
	}
}
