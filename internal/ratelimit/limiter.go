// Package ratelimit implements the per-caller fixed-window limiter with a
// penalty box.
//
// Each caller token gets a window of Limit requests. The request that
// exceeds the limit puts the token in a penalty for the configured duration,
// during which every request is rejected. A penalty outlives window resets
// and must fully elapse before counting resumes.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ninawilliansoc/cursor-api-reforged/internal/logging"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/metrics"
)

type Config struct {
	Limit   int
	Window  time.Duration
	Penalty time.Duration
}

func DefaultConfig() Config {
	return Config{Limit: 3, Window: time.Minute, Penalty: 5 * time.Minute}
}

// Decision is the outcome of a Check.
type Decision struct {
	Allowed bool

	// Limit and Remaining describe the current window. Remaining is 0 on
	// rejection.
	Limit     int
	Remaining int

	// ResetAt is when the current window ends.
	ResetAt time.Time

	// RetryAfter is set on rejection.
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (d Decision) RetryAfterSeconds() int {
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

type window struct {
	count        int
	resetAt      time.Time
	penaltyUntil time.Time
}

type Limiter struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

func New(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Limiter {
	def := DefaultConfig()
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Penalty <= 0 {
		cfg.Penalty = def.Penalty
	}
	return &Limiter{
		cfg:     cfg,
		logger:  logging.OrNop(logger).With(logging.Component("ratelimit")),
		metrics: m,
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

// SetClock replaces the limiter's time source.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Check counts one request for key. When enabled is false the request is
// allowed without touching any state.
func (l *Limiter) Check(key string, enabled bool) Decision {
	if !enabled {
		return Decision{Allowed: true, Limit: l.cfg.Limit, Remaining: l.cfg.Limit}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok {
		w = &window{resetAt: now.Add(l.cfg.Window)}
		l.windows[key] = w
	}

	if now.Before(w.penaltyUntil) {
		l.metrics.RecordRateLimit(false)
		return Decision{
			Limit:      l.cfg.Limit,
			ResetAt:    w.resetAt,
			RetryAfter: w.penaltyUntil.Sub(now),
		}
	}

	if now.After(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(l.cfg.Window)
	}

	w.count++
	if w.count > l.cfg.Limit {
		w.penaltyUntil = now.Add(l.cfg.Penalty)
		l.metrics.RecordRateLimit(false)
		l.logger.Info("rate limit exceeded, penalty applied",
			logging.Secret("token", key),
			zap.Duration("penalty", l.cfg.Penalty),
		)
		return Decision{
			Limit:      l.cfg.Limit,
			ResetAt:    w.resetAt,
			RetryAfter: l.cfg.Penalty,
		}
	}

	l.metrics.RecordRateLimit(true)
	return Decision{
		Allowed:   true,
		Limit:     l.cfg.Limit,
		Remaining: l.cfg.Limit - w.count,
		ResetAt:   w.resetAt,
	}
}

// Prune drops windows whose period and penalty have both elapsed. It
// returns the number of windows removed.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for k, w := range l.windows {
		if now.After(w.resetAt) && !now.Before(w.penaltyUntil) {
			delete(l.windows, k)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug("pruned rate limit windows", zap.Int("removed", removed), zap.Int("remaining", len(l.windows)))
	}
	return removed
}

// Len returns the number of tracked windows.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
