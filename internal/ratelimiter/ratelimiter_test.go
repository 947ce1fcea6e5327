package ratelimiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestClassifyPath(t *testing.T) {
	cases := []struct {
		path string
		want Category
	}{
		{"/v5/order/create", CategoryTrading},
		{"/v5/trade/history", CategoryTrading},
		{"/v5/account/wallet-balance", CategoryAccount},
		{"/v5/position/list", CategoryAccount},
		{"/v5/market/tickers", CategoryMarketData},
		{"/v5/market/kline", CategoryMarketData},
		{"/v5/market/orderbook", CategoryMarketData},
		{"/v5/announcements", CategoryPublic},
	}
	for _, tc := range cases {
		if got := ClassifyPath(tc.path); got != tc.want {
			t.Fatalf("ClassifyPath(%q) = %s, want %s", tc.path, got, tc.want)
		}
	}
}

func newTestLimiter(perSec float64) *RateLimiter {
	cfg := DefaultConfig()
	cfg.PerSec[CategoryMarketData] = perSec
	cfg.MinInterval = 0
	return New(zap.NewNop(), cfg)
}

func TestExecuteWithRetrySingleCallOnSuccess(t *testing.T) {
	r := newTestLimiter(50)
	calls := 0
	result, err := ExecuteWithRetry(context.Background(), r, CategoryMarketData, "/v5/market/tickers", func(context.Context) (int, error) {
		calls++
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 42 || calls != 1 {
		t.Fatalf("result=%d calls=%d, want exactly one invocation returning 42", result, calls)
	}
}

func TestExecuteWithRetryPropagatesOtherErrorsImmediately(t *testing.T) {
	r := newTestLimiter(50)
	calls := 0
	boom := errors.New("insufficient margin")
	_, err := ExecuteWithRetry(context.Background(), r, CategoryTrading, "/v5/order/create", func(context.Context) (int, error) {
		calls++
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want the original", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, non-rate-limit errors must not retry", calls)
	}
}

func TestExecuteWithRetryRespectsCancellationDuringBackoff(t *testing.T) {
	r := newTestLimiter(50)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	calls := 0
	start := time.Now()
	_, err := ExecuteWithRetry(ctx, r, CategoryMarketData, "/v5/market/tickers", func(context.Context) (int, error) {
		calls++
		return 0, errors.New("too many visits")
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded from the backoff sleep", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 before cancellation", calls)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("cancellation should cut the 2-3s backoff short")
	}
}

func TestIsRateLimitError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("too many visits"), true},
		{errors.New("Access Too Frequent, try later"), true},
		{errors.New("rate limit exceeded"), true},
		{ErrRateLimited, true},
		{errors.New("insufficient balance"), false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := IsRateLimitError(tc.err); got != tc.want {
			t.Fatalf("IsRateLimitError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestReserveBlocksWhenWindowFull(t *testing.T) {
	r := newTestLimiter(3)
	for i := 0; i < 3; i++ {
		if wait := r.reserve(CategoryMarketData); wait > 0 {
			t.Fatalf("request %d should pass immediately, got wait %v", i, wait)
		}
	}
	wait := r.reserve(CategoryMarketData)
	if wait <= 0 {
		t.Fatalf("4th request within a second should wait, got %v", wait)
	}
	if wait > time.Second {
		t.Fatalf("wait %v exceeds the rolling window", wait)
	}
}

func TestMinIntervalSpacing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinInterval = 20 * time.Millisecond
	r := New(zap.NewNop(), cfg)

	if wait := r.reserve(CategoryPublic); wait > 0 {
		t.Fatalf("first request should pass, got wait %v", wait)
	}
	wait := r.reserve(CategoryPublic)
	if wait <= 0 || wait > 20*time.Millisecond {
		t.Fatalf("second immediate request should wait up to the min interval, got %v", wait)
	}
}

func TestStatusReportsUsageAndHeaders(t *testing.T) {
	r := newTestLimiter(50)
	_ = r.reserve(CategoryMarketData)
	_ = r.reserve(CategoryMarketData)
	r.UpdateFromHeaders("/v5/market/tickers", 600, 598, time.Now().Add(time.Minute))

	status := r.GetStatus()
	if status.CategoryUsage[CategoryMarketData] != 2 {
		t.Fatalf("usage = %d, want 2", status.CategoryUsage[CategoryMarketData])
	}
	info, ok := status.Endpoints["/v5/market/tickers"]
	if !ok || info.Limit != 600 || info.Remaining != 598 {
		t.Fatalf("endpoint info = %+v, want limit 600 remaining 598", info)
	}
}
