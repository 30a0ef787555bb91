package security

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a request exceeds the rate limit.
var ErrRateLimited = errors.New("rate limit exceeded")

// Rate limit kinds.
const (
	KindExecute = "execute"
	KindAuth    = "auth"
)

// RateLimitConfig holds configurable rate limits. Zero values take the
// defaults below.
type RateLimitConfig struct {
	ExecutionsPerMin int `yaml:"executions_per_min"`
	AuthPerMin       int `yaml:"auth_per_min"`
	// MaxConcurrent caps sandboxes running at once.
	MaxConcurrent int `yaml:"max_concurrent"`
}

func rateLimitConfigDefaults() RateLimitConfig {
	return RateLimitConfig{
		ExecutionsPerMin: 60,
		AuthPerMin:       30,
		MaxConcurrent:    8,
	}
}

// RateLimiter combines per-kind token buckets with a concurrency cap.
// A nil *RateLimiter allows everything.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	slots    *semaphore.Weighted
	config   RateLimitConfig
	now      func() time.Time
}

// NewRateLimiter creates a rate limiter with the given config.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	defaults := rateLimitConfigDefaults()
	if cfg.ExecutionsPerMin <= 0 {
		cfg.ExecutionsPerMin = defaults.ExecutionsPerMin
	}
	if cfg.AuthPerMin <= 0 {
		cfg.AuthPerMin = defaults.AuthPerMin
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaults.MaxConcurrent
	}

	return &RateLimiter{
		config: cfg,
		now:    time.Now,
		slots:  semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		limiters: map[string]*rate.Limiter{
			KindExecute: perMinute(cfg.ExecutionsPerMin),
			KindAuth:    perMinute(cfg.AuthPerMin),
		},
	}
}

// perMinute allows n events per minute with a burst of n.
func perMinute(n int) *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n)
}

// Allow reports whether one event of kind may proceed now. Unknown kinds
// are unlimited.
func (rl *RateLimiter) Allow(kind string) error {
	if rl == nil {
		return nil
	}
	rl.mu.Lock()
	l, ok := rl.limiters[kind]
	now := rl.now()
	rl.mu.Unlock()
	if !ok {
		return nil
	}
	if !l.AllowN(now, 1) {
		return ErrRateLimited
	}
	return nil
}

// Acquire blocks until a sandbox slot is free or ctx is done. The returned
// function releases the slot and is safe to call more than once.
func (rl *RateLimiter) Acquire(ctx context.Context) (func(), error) {
	if rl == nil {
		return func() {}, nil
	}
	if err := rl.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { rl.slots.Release(1) }) }, nil
}

// MaxConcurrent returns the configured concurrency cap.
func (rl *RateLimiter) MaxConcurrent() int {
	return rl.config.MaxConcurrent
}
