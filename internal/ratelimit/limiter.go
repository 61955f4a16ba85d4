package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/convoy/internal/audit"
	"github.com/mattjoyce/convoy/internal/config"
	"github.com/mattjoyce/convoy/internal/log"
)

// Options configures a Limiter. Store is required.
type Options struct {
	Store  Store
	Limits map[string]config.RateLimitConfig
	Audit  audit.Sink
	Logger *slog.Logger
	Now    func() time.Time
	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Limiter applies token buckets per operation category.
type Limiter struct {
	store  Store
	audit  audit.Sink
	logger *slog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	mu     sync.RWMutex
	limits map[string]config.RateLimitConfig
}

func New(opts Options) *Limiter {
	l := &Limiter{
		store:  opts.Store,
		audit:  opts.Audit,
		logger: opts.Logger,
		now:    opts.Now,
		sleep:  opts.Sleep,
	}
	if l.audit == nil {
		l.audit = audit.Nop{}
	}
	if l.logger == nil {
		l.logger = log.WithComponent("ratelimit")
	}
	if l.now == nil {
		l.now = func() time.Time { return time.Now().UTC() }
	}
	if l.sleep == nil {
		l.sleep = sleepCtx
	}
	l.SetLimits(opts.Limits)
	return l
}

// SetLimits replaces the configured categories, e.g. after a config reload.
func (l *Limiter) SetLimits(limits map[string]config.RateLimitConfig) {
	cp := make(map[string]config.RateLimitConfig, len(limits))
	for k, v := range limits {
		cp[k] = v
	}
	l.mu.Lock()
	l.limits = cp
	l.mu.Unlock()
}

// Check refills category's bucket for the time elapsed since its last refill
// and consumes one token if available. A denied check leaves the token count
// untouched and suggests waiting window/capacity.
func (l *Limiter) Check(ctx context.Context, category string, capacity int, window time.Duration) (Decision, error) {
	if category == "" {
		return Decision{}, fmt.Errorf("rate limit category is empty")
	}
	if capacity <= 0 || window <= 0 {
		return Decision{}, fmt.Errorf("rate limit %q: capacity and window must be positive", category)
	}

	capF := float64(capacity)
	hint := window / time.Duration(capacity)
	d := Decision{Category: category}

	_, err := l.store.Update(ctx, category, func(b Bucket, ok bool) (Bucket, error) {
		now := l.now()
		if !ok {
			b = newBucket(category, capF, now)
		}
		b = b.refill(now, capF, window)
		if b.Tokens >= 1 {
			b.Tokens--
			d.Allowed = true
		} else {
			d.WaitHint = hint
		}
		d.Remaining = b.Tokens
		return b, nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %q: %w", category, err)
	}

	if !d.Allowed {
		l.logger.Warn("rate limited", "category", category, "wait_hint", d.WaitHint)
		if err := l.audit.Record(ctx, audit.Entry{
			Kind: audit.KindRateLimited,
			Fields: map[string]any{
				"category":  category,
				"capacity":  capacity,
				"window":    window.String(),
				"wait_hint": d.WaitHint.String(),
			},
		}); err != nil {
			l.logger.Error("failed to write audit entry", "kind", audit.KindRateLimited, "error", err)
		}
	}
	return d, nil
}

// WaitForRateLimit retries Check, sleeping the suggested hint between
// attempts, up to maxAttempts. It returns the last Decision and a
// *RateLimitError when every attempt was denied.
func (l *Limiter) WaitForRateLimit(ctx context.Context, category string, capacity int, window time.Duration, maxAttempts int) (Decision, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var last Decision
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		d, err := l.Check(ctx, category, capacity, window)
		if err != nil {
			return d, err
		}
		if d.Allowed {
			return d, nil
		}
		last = d
		if attempt == maxAttempts {
			break
		}
		l.logger.Debug("waiting for rate limit", "category", category, "attempt", attempt, "wait", d.WaitHint)
		if err := l.sleep(ctx, d.WaitHint); err != nil {
			return last, err
		}
	}
	return last, last.Err()
}

// CheckConfigured runs Check with the configured limits for category.
func (l *Limiter) CheckConfigured(ctx context.Context, category string) (Decision, error) {
	rl, err := l.limit(category)
	if err != nil {
		return Decision{}, err
	}
	return l.Check(ctx, category, rl.Capacity, rl.Window.Std())
}

// WaitConfigured runs WaitForRateLimit with the configured limits.
func (l *Limiter) WaitConfigured(ctx context.Context, category string, maxAttempts int) (Decision, error) {
	rl, err := l.limit(category)
	if err != nil {
		return Decision{}, err
	}
	return l.WaitForRateLimit(ctx, category, rl.Capacity, rl.Window.Std(), maxAttempts)
}

// Buckets lists persisted bucket state.
func (l *Limiter) Buckets(ctx context.Context) ([]Bucket, error) {
	return l.store.List(ctx)
}

func (l *Limiter) limit(category string) (config.RateLimitConfig, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rl, ok := l.limits[category]
	if !ok {
		return rl, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	return rl, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
