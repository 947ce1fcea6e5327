package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/atlas-desktop/breakout-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaperConfig configures the paper-trading simulator's slippage/fee model.
type PaperConfig struct {
	SlippageBps      float64
	TakerFeeBps      float64
	MakerFeeBps      float64
	StartingBalance  decimal.Decimal
}

// DefaultPaperConfig returns the simulator defaults.
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		SlippageBps:     5,
		TakerFeeBps:     5,
		MakerFeeBps:     2,
		StartingBalance: decimal.NewFromInt(10000),
	}
}

// Paper wraps a live Client, delegating every read-only market-data method through
// unchanged and locally simulating CreateOrder/CancelOrder fills against a USDT
// ledger — it refuses buys that would exceed the available balance. Settlement math
// uses decimal.Decimal to avoid float drift in the ledger; everything it returns to
// the core is converted back to the engine's float64 data model.
type Paper struct {
	Client
	logger *zap.Logger
	cfg    PaperConfig

	mu      sync.Mutex
	balance decimal.Decimal
	nextID  int64
}

// NewPaper wraps an underlying live client for paper-mode execution.
func NewPaper(logger *zap.Logger, underlying Client, cfg PaperConfig) *Paper {
	return &Paper{
		Client:  underlying,
		logger:  logger.Named("paper-exchange"),
		cfg:     cfg,
		balance: cfg.StartingBalance,
	}
}

// Balance returns the current simulated USDT balance.
func (p *Paper) Balance() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance
}

// CreateOrder simulates an immediate fill at the last ticker price (or at the given
// price for non-market orders) plus configured slippage/fees, adjusting the internal ledger.
func (p *Paper) CreateOrder(ctx context.Context, symbol string, orderType types.OrderType, side types.OrderSide, amount float64, price *float64, params CreateOrderParams) (*RawOrder, error) {
	ticker, err := p.Client.FetchTicker(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("paper exchange: fetch reference ticker: %w", err)
	}
	ref := ticker.Last
	if price != nil && orderType != types.OrderMarket {
		ref = *price
	}

	slip := decimal.NewFromFloat(p.cfg.SlippageBps / 10000)
	refD := decimal.NewFromFloat(ref)
	var fillPrice decimal.Decimal
	switch side {
	case types.OrderBuy:
		fillPrice = refD.Mul(decimal.NewFromInt(1).Add(slip))
	default:
		fillPrice = refD.Mul(decimal.NewFromInt(1).Sub(slip))
	}

	amountD := decimal.NewFromFloat(amount)
	notional := fillPrice.Mul(amountD)

	feeBps := p.cfg.TakerFeeBps
	if params.PostOnly {
		feeBps = p.cfg.MakerFeeBps
	}
	fees := notional.Mul(decimal.NewFromFloat(feeBps / 10000))

	p.mu.Lock()
	defer p.mu.Unlock()

	if side == types.OrderBuy && !params.ReduceOnly {
		cost := notional.Add(fees)
		if cost.GreaterThan(p.balance) {
			return nil, fmt.Errorf("paper exchange: insufficient balance: need %s, have %s", cost, p.balance)
		}
		p.balance = p.balance.Sub(cost)
	} else {
		p.balance = p.balance.Add(notional.Sub(fees))
	}

	p.nextID++
	id := fmt.Sprintf("paper-%d", p.nextID)

	fillPriceF, _ := fillPrice.Float64()
	feesF, _ := fees.Float64()

	return &RawOrder{
		ExchangeID:   id,
		Status:       types.OrderFilled,
		FilledQty:    amount,
		AvgFillPrice: fillPriceF,
		FeesUSD:      feesF,
	}, nil
}

// CancelOrder is a no-op success: paper orders fill synchronously in CreateOrder, so
// there is never an outstanding order to cancel.
func (p *Paper) CancelOrder(ctx context.Context, orderID, symbol string) (bool, error) {
	return true, nil
}

// FetchBalance returns the simulated ledger balance for the given currency, ignoring
// the argument (single-currency USDT ledger).
func (p *Paper) FetchBalance(ctx context.Context, currency string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, _ := p.balance.Float64()
	return f, nil
}
