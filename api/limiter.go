package api

import (
	"sync"

	"golang.org/x/time/rate"
)

// LimiterConfig defines the token bucket applied to each caller.
type LimiterConfig struct {
	// RateLimit is the sustained mutations per second per caller. Zero
	// disables limiting.
	RateLimit float64

	// RateBurst is the bucket size. Defaults to 1 if RateLimit is set but
	// RateBurst is zero.
	RateBurst int
}

// Limiter keeps one token bucket per caller. Requests without a caller
// share the anonymous bucket. It is safe for concurrent use.
type Limiter struct {
	cfg LimiterConfig

	mu      sync.Mutex
	callers map[string]*rate.Limiter
}

// NewLimiter creates a Limiter.
func NewLimiter(cfg LimiterConfig) *Limiter {
	if cfg.RateLimit > 0 && cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	return &Limiter{
		cfg:     cfg,
		callers: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether callerID may perform one more mutation now.
func (l *Limiter) Allow(callerID string) bool {
	if l.cfg.RateLimit <= 0 {
		return true
	}

	l.mu.Lock()
	lim, ok := l.callers[callerID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.cfg.RateLimit), l.cfg.RateBurst)
		l.callers[callerID] = lim
	}
	l.mu.Unlock()

	return lim.Allow()
}

// Callers returns the number of callers with a bucket.
func (l *Limiter) Callers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.callers)
}
