package execution

import (
	"context"
	"errors"
	"testing"

	"github.com/atlas-desktop/breakout-engine/internal/exchange"
	"github.com/atlas-desktop/breakout-engine/pkg/config"
	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"go.uber.org/zap"
)

// stubClient records CreateOrder calls and plays back scripted fills.
type stubClient struct {
	calls  []stubCall
	fill   func(call stubCall) (*exchange.RawOrder, error)
	nextID int
}

type stubCall struct {
	Symbol    string
	OrderType types.OrderType
	Side      types.OrderSide
	Amount    float64
	Price     *float64
	Params    exchange.CreateOrderParams
}

func (s *stubClient) CreateOrder(_ context.Context, symbol string, orderType types.OrderType, side types.OrderSide, amount float64, price *float64, params exchange.CreateOrderParams) (*exchange.RawOrder, error) {
	call := stubCall{Symbol: symbol, OrderType: orderType, Side: side, Amount: amount, Price: price, Params: params}
	s.calls = append(s.calls, call)
	s.nextID++
	if s.fill != nil {
		return s.fill(call)
	}
	return &exchange.RawOrder{
		ExchangeID:   "stub",
		Status:       types.OrderFilled,
		FilledQty:    amount,
		AvgFillPrice: 100,
	}, nil
}

func (s *stubClient) FetchOHLCV(context.Context, string, string, int, *int64) ([]types.Candle, error) {
	return nil, nil
}
func (s *stubClient) FetchOrderBook(context.Context, string, int) (*types.L2Depth, error) {
	return nil, nil
}
func (s *stubClient) FetchTicker(context.Context, string) (*exchange.Ticker, error) { return nil, nil }
func (s *stubClient) FetchOpenInterest(context.Context, string) (*exchange.OpenInterest, error) {
	return nil, nil
}
func (s *stubClient) FetchMarkets(context.Context) ([]exchange.MarketMeta, error) { return nil, nil }
func (s *stubClient) FetchBalance(context.Context, string) (float64, error)       { return 0, nil }
func (s *stubClient) CancelOrder(context.Context, string, string) (bool, error)   { return true, nil }

func execConfig() config.ExecutionConfig {
	cfg := config.Default().Execution
	cfg.TWAPIntervalSeconds = 0 // keep tests fast
	return cfg
}

func depthMD(price, bidUSD, askUSD, spreadBps float64) types.MarketData {
	return types.MarketData{
		Symbol: "ETH/USDT",
		Price:  price,
		L2Depth: &types.L2Depth{
			BestBid:      price * 0.9995,
			BestAsk:      price * 1.0005,
			BidUSD0_3Pct: bidUSD,
			AskUSD0_3Pct: askUSD,
			SpreadBps:    spreadBps,
		},
		Timestamp: 1_700_000_000_000,
	}
}

func TestDepthGuardRejectsOversizedOrder(t *testing.T) {
	client := &stubClient{}
	m := New(zap.NewNop(), client, execConfig())

	// depth_at_5bps(ask) = 6000*(5/30) = 1000; allowed = 250. Notional 100*100 =
	// 10000: allowed is 2.5% of notional, far under the 30% floor => reject.
	md := depthMD(100, 60000, 6000, 10)
	_, err := m.Execute(context.Background(), Request{
		Symbol: "ETH/USDT", Side: types.OrderBuy, TotalQty: 100, MarketData: md, Intent: IntentEntry,
	})
	if err == nil {
		t.Fatalf("expected depth-guard rejection")
	}
	if len(client.calls) != 0 {
		t.Fatalf("no order should reach the exchange after a depth-guard reject")
	}
}

func TestDepthGuardScalesDownWithinTolerance(t *testing.T) {
	client := &stubClient{}
	cfg := execConfig()
	cfg.EnableTWAP = false
	cfg.EnableIceberg = false
	m := New(zap.NewNop(), client, cfg)

	// allowed = 24000*(5/30)*0.25 = 1000; notional 2000 => scale to qty 10,
	// since allowed (50% of notional) clears the 30% floor.
	md := depthMD(100, 60000, 24000, 10)
	order, err := m.Execute(context.Background(), Request{
		Symbol: "ETH/USDT", Side: types.OrderBuy, TotalQty: 20, MarketData: md, Intent: IntentEntry,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(client.calls) != 1 {
		t.Fatalf("got %d child orders, want 1", len(client.calls))
	}
	if client.calls[0].Amount != 10 {
		t.Fatalf("slice qty = %v, want depth-scaled 10", client.calls[0].Amount)
	}
	if order.FilledQty != 10 || order.Qty != 20 {
		t.Fatalf("composite qty/filled = %v/%v, want 20/10", order.Qty, order.FilledQty)
	}
	if order.Status != types.OrderOpen {
		t.Fatalf("status = %s, want open on a partial fill", order.Status)
	}
}

func TestTWAPSliceCountClamped(t *testing.T) {
	cfg := execConfig()
	cfg.TWAPMinSlices = 2
	cfg.TWAPMaxSlices = 4
	m := New(zap.NewNop(), &stubClient{}, cfg)

	envelope := depthEnvelopeFromL2(depthMD(100, 60000, 60000, 10).L2Depth)

	// Tiny notional still gets the configured minimum.
	if n := m.computeSlices(envelope, types.OrderBuy, 1, 100); n != 2 {
		t.Fatalf("slices = %d, want min 2", n)
	}
	// Huge notional is clamped at the maximum.
	if n := m.computeSlices(envelope, types.OrderBuy, 10000, 100); n != 4 {
		t.Fatalf("slices = %d, want max 4", n)
	}
	// No envelope or TWAP disabled: single slice.
	if n := m.computeSlices(nil, types.OrderBuy, 10000, 100); n != 1 {
		t.Fatalf("slices without envelope = %d, want 1", n)
	}
}

func TestIcebergPolicyBySpread(t *testing.T) {
	cfg := execConfig()
	m := New(zap.NewNop(), &stubClient{}, cfg)

	tight := depthEnvelopeFromL2(depthMD(100, 60000, 60000, 10).L2Depth)
	orderType, price, postOnly := m.slicePolicy(tight, types.OrderBuy)
	if orderType != types.OrderLimit || !postOnly || price == nil {
		t.Fatalf("tight spread should yield a post-only limit, got %s postOnly=%v", orderType, postOnly)
	}
	wantPrice := tight.BestBid * (1 - cfg.LimitOffsetBps/10000)
	if *price != wantPrice {
		t.Fatalf("buy limit price = %v, want %v", *price, wantPrice)
	}

	_, sellPrice, _ := m.slicePolicy(tight, types.OrderSell)
	if *sellPrice != tight.BestAsk*(1+cfg.LimitOffsetBps/10000) {
		t.Fatalf("sell limit price = %v, want offset above best ask", *sellPrice)
	}

	wide := depthEnvelopeFromL2(depthMD(100, 60000, 60000, 50).L2Depth)
	orderType, price, postOnly = m.slicePolicy(wide, types.OrderBuy)
	if orderType != types.OrderMarket || postOnly || price != nil {
		t.Fatalf("wide spread should fall back to market, got %s", orderType)
	}
}

func TestCompositeAggregatesFillsAndFees(t *testing.T) {
	cfg := execConfig()
	cfg.EnableTWAP = true
	cfg.TWAPMinSlices = 2
	cfg.TWAPMaxSlices = 2
	cfg.EnableIceberg = false
	client := &stubClient{}
	prices := []float64{100, 102}
	client.fill = func(call stubCall) (*exchange.RawOrder, error) {
		p := prices[len(client.calls)-1]
		return &exchange.RawOrder{
			ExchangeID:   "child",
			Status:       types.OrderFilled,
			FilledQty:    call.Amount,
			AvgFillPrice: p,
			// FeesUSD zero: the manager must fall back to the taker-fee formula.
		}, nil
	}
	m := New(zap.NewNop(), client, cfg)

	md := depthMD(100, 1e9, 1e9, 10)
	order, err := m.Execute(context.Background(), Request{
		Symbol: "ETH/USDT", Side: types.OrderBuy, TotalQty: 10, MarketData: md, Intent: IntentEntry,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(client.calls) != 2 {
		t.Fatalf("got %d slices, want 2", len(client.calls))
	}
	if order.FilledQty != 10 {
		t.Fatalf("filled = %v, want 10", order.FilledQty)
	}
	if order.Status != types.OrderFilled {
		t.Fatalf("status = %s, want filled at full size", order.Status)
	}
	if *order.AvgFillPrice != 101 {
		t.Fatalf("avg fill = %v, want 101", *order.AvgFillPrice)
	}
	// taker fee 5 bps on each slice: (100*5 + 102*5) * 5/10000 = 0.505
	wantFees := (100*5 + 102*5) * cfg.TakerFeeBps / 10000
	if diff := order.FeesUSD - wantFees; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("fees = %v, want %v", order.FeesUSD, wantFees)
	}
	if order.FilledQty > order.Qty {
		t.Fatalf("filled %v exceeds qty %v", order.FilledQty, order.Qty)
	}
}

func TestSliceErrorKeepsPartialFills(t *testing.T) {
	cfg := execConfig()
	cfg.EnableTWAP = true
	cfg.TWAPMinSlices = 3
	cfg.TWAPMaxSlices = 3
	cfg.EnableIceberg = false
	client := &stubClient{}
	client.fill = func(call stubCall) (*exchange.RawOrder, error) {
		if len(client.calls) >= 2 {
			return nil, errors.New("exchange glitch")
		}
		return &exchange.RawOrder{ExchangeID: "child", Status: types.OrderFilled, FilledQty: call.Amount, AvgFillPrice: 100}, nil
	}
	m := New(zap.NewNop(), client, cfg)

	md := depthMD(100, 1e9, 1e9, 10)
	order, err := m.Execute(context.Background(), Request{
		Symbol: "ETH/USDT", Side: types.OrderBuy, TotalQty: 9, MarketData: md, Intent: IntentEntry,
	})
	if err != nil {
		t.Fatalf("partial failure must still report fills, got err %v", err)
	}
	if order == nil {
		t.Fatalf("expected a composite order for the filled slice")
	}
	if order.FilledQty != 3 {
		t.Fatalf("filled = %v, want 3 (one slice)", order.FilledQty)
	}
	if order.Status != types.OrderOpen {
		t.Fatalf("status = %s, want open", order.Status)
	}
}

func TestZeroFillsReturnsNoOrder(t *testing.T) {
	client := &stubClient{}
	client.fill = func(stubCall) (*exchange.RawOrder, error) {
		return nil, errors.New("rejected")
	}
	cfg := execConfig()
	cfg.EnableTWAP = false
	cfg.EnableIceberg = false
	m := New(zap.NewNop(), client, cfg)

	order, err := m.Execute(context.Background(), Request{
		Symbol: "ETH/USDT", Side: types.OrderBuy, TotalQty: 1, MarketData: depthMD(100, 1e9, 1e9, 10), Intent: IntentEntry,
	})
	if err != nil {
		t.Fatalf("zero fills is not an error, got %v", err)
	}
	if order != nil {
		t.Fatalf("expected no order on zero fills, got %+v", order)
	}
}

func TestReduceOnlyPropagates(t *testing.T) {
	client := &stubClient{}
	cfg := execConfig()
	cfg.EnableTWAP = false
	cfg.EnableIceberg = false
	m := New(zap.NewNop(), client, cfg)

	_, err := m.Execute(context.Background(), Request{
		Symbol: "ETH/USDT", Side: types.OrderSell, TotalQty: 1, MarketData: depthMD(100, 1e9, 1e9, 10),
		ReduceOnly: true, Intent: IntentExit,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !client.calls[0].Params.ReduceOnly {
		t.Fatalf("reduce-only flag must reach the exchange order")
	}
}
