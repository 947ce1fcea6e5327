// Package ratelimiter paces outbound REST calls to the exchange so they never
// exceed per-category budgets, and retries on recognizable rate-limit responses
// with jittered backoff. Endpoints are classified into four categories (market
// data, trading, account, public), each with its own rolling one-second window.
package ratelimiter

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Category is a REST endpoint classification with its own rolling-window budget.
type Category string

const (
	CategoryMarketData Category = "market_data"
	CategoryTrading    Category = "trading"
	CategoryAccount    Category = "account"
	CategoryPublic     Category = "public"
)

// ClassifyPath maps a request path to its rate-limit category, falling back to
// public.
func ClassifyPath(path string) Category {
	switch {
	case strings.Contains(path, "/order/") || strings.Contains(path, "/trade/"):
		return CategoryTrading
	case strings.Contains(path, "/account/") || strings.Contains(path, "/position/"):
		return CategoryAccount
	case strings.Contains(path, "/market/"), strings.Contains(path, "kline"),
		strings.Contains(path, "ticker"), strings.Contains(path, "orderbook"):
		return CategoryMarketData
	default:
		return CategoryPublic
	}
}

// Config holds the per-category budgets and retry/pacing parameters.
type Config struct {
	PerSec      map[Category]float64
	MinInterval time.Duration
	MaxRetries  int
}

// DefaultConfig returns the per-category budgets for Bybit's v5 API.
func DefaultConfig() Config {
	return Config{
		PerSec: map[Category]float64{
			CategoryMarketData: 50,
			CategoryTrading:    20,
			CategoryAccount:    30,
			CategoryPublic:     50,
		},
		MinInterval: 20 * time.Millisecond,
		MaxRetries:  3,
	}
}

// EndpointLimitInfo records the exchange's own reported limit/remaining/reset for an
// endpoint, parsed from response headers when present.
type EndpointLimitInfo struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
	UpdatedAt time.Time
}

// RateLimiter enforces a rolling 1-second request window per category plus a
// minimum inter-request spacing, and retries rate-limit-class errors with jitter.
type RateLimiter struct {
	logger *zap.Logger
	cfg    Config

	mu        sync.Mutex
	windows   map[Category][]time.Time
	endpoints map[string]EndpointLimitInfo
	lastAny   time.Time
}

// New constructs a RateLimiter from cfg.
func New(logger *zap.Logger, cfg Config) *RateLimiter {
	return &RateLimiter{
		logger:    logger.Named("ratelimiter"),
		cfg:       cfg,
		windows:   make(map[Category][]time.Time),
		endpoints: make(map[string]EndpointLimitInfo),
	}
}

// WaitIfNeeded blocks (respecting ctx cancellation) until the category's rolling
// window has room and the minimum inter-request spacing has elapsed.
func (r *RateLimiter) WaitIfNeeded(ctx context.Context, category Category, endpoint string) error {
	for {
		wait := r.reserve(category)
		if wait <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// reserve returns how long the caller must still wait, recording a slot if none is
// needed. A zero-or-negative return means the request may proceed now.
func (r *RateLimiter) reserve(category Category) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if since := now.Sub(r.lastAny); since < r.cfg.MinInterval {
		return r.cfg.MinInterval - since
	}

	budget := r.cfg.PerSec[category]
	if budget <= 0 {
		budget = r.cfg.PerSec[CategoryPublic]
	}
	window := r.windows[category]
	cutoff := now.Add(-time.Second)
	i := 0
	for i < len(window) && window[i].Before(cutoff) {
		i++
	}
	window = window[i:]

	if float64(len(window)) >= budget {
		oldest := window[0]
		r.windows[category] = window
		return oldest.Add(time.Second).Sub(now)
	}

	window = append(window, now)
	r.windows[category] = window
	r.lastAny = now
	return 0
}

// ErrRateLimited classifies an upstream error as retryable rate-limiting.
var ErrRateLimited = errors.New("rate limited")

// IsRateLimitError inspects an error message for the exchange's rate-limit phrasing.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "too many visits") ||
		strings.Contains(msg, "access too frequent") ||
		strings.Contains(msg, "rate limit") ||
		errors.Is(err, ErrRateLimited)
}

// ExecuteWithRetry paces fn via WaitIfNeeded, then invokes it; on a recognizable
// rate-limit error it sleeps 2-3s with jitter and retries up to maxRetries times.
// Other errors propagate immediately without retry.
func ExecuteWithRetry[T any](ctx context.Context, r *RateLimiter, category Category, endpoint string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	maxRetries := r.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	for attempt := 0; ; attempt++ {
		if err := r.WaitIfNeeded(ctx, category, endpoint); err != nil {
			return zero, err
		}
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if !IsRateLimitError(err) || attempt >= maxRetries {
			return zero, err
		}
		r.logger.Debug("rate limited, backing off", zap.String("endpoint", endpoint), zap.Int("attempt", attempt+1))
		backoff := 2*time.Second + time.Duration(rand.Int63n(int64(time.Second)))
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// UpdateFromHeaders records the exchange's reported limit/remaining/reset for an
// endpoint, used by GetStatus for operator-facing reporting.
func (r *RateLimiter) UpdateFromHeaders(endpoint string, limit, remaining int, resetAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[endpoint] = EndpointLimitInfo{Limit: limit, Remaining: remaining, ResetAt: resetAt, UpdatedAt: time.Now()}
}

// Status is a point-in-time snapshot of per-category usage and known endpoint limits.
type Status struct {
	CategoryUsage map[Category]int
	Endpoints     map[string]EndpointLimitInfo
}

// GetStatus returns the current per-category usage and known endpoint limits.
func (r *RateLimiter) GetStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	usage := make(map[Category]int, len(r.windows))
	now := time.Now()
	cutoff := now.Add(-time.Second)
	for cat, window := range r.windows {
		n := 0
		for _, ts := range window {
			if ts.After(cutoff) {
				n++
			}
		}
		usage[cat] = n
	}
	endpoints := make(map[string]EndpointLimitInfo, len(r.endpoints))
	for k, v := range r.endpoints {
		endpoints[k] = v
	}
	return Status{CategoryUsage: usage, Endpoints: endpoints}
}
