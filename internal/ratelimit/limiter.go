// ABOUTME: Per-connection fixed-window event counter with a background sweep
// ABOUTME: Bounds memory by reclaiming entries for dead or idle connections

package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Default limiter settings.
const (
	DefaultWindow        = 60 * time.Second
	DefaultMaxEvents     = 100
	DefaultSweepInterval = 5 * time.Minute
	DefaultIdleTTL       = 2 * time.Minute
)

// Config holds limiter settings. Zero values fall back to the defaults.
type Config struct {
	Window        time.Duration
	MaxEvents     int
	SweepInterval time.Duration
	IdleTTL       time.Duration

	// Clock is injectable for tests; nil means time.Now.
	Clock func() time.Time
}

func (c *Config) normalize() {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = DefaultMaxEvents
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = DefaultIdleTTL
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Decision is the outcome of a Check.
type Decision struct {
	Allowed bool
	// Notify is true only for the first denial inside a window.
	Notify bool
	Count  int
}

type entry struct {
	count       int
	windowStart time.Time
}

// Limiter counts inbound events per connection id.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	cfg     Config
	logger  *slog.Logger
}

// New creates a Limiter. Pass nil logger for default.
func New(cfg Config, logger *slog.Logger) *Limiter {
	cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		entries: make(map[string]*entry),
		cfg:     cfg,
		logger:  logger.With("component", "ratelimit"),
	}
}

// Check records one event for connID and reports whether it is allowed.
func (l *Limiter) Check(connID string) Decision {
	now := l.cfg.Clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[connID]
	if !ok || now.Sub(e.windowStart) > l.cfg.Window {
		l.entries[connID] = &entry{count: 1, windowStart: now}
		return Decision{Allowed: true, Count: 1}
	}

	e.count++
	if e.count <= l.cfg.MaxEvents {
		return Decision{Allowed: true, Count: e.count}
	}
	return Decision{
		Allowed: false,
		Notify:  e.count == l.cfg.MaxEvents+1,
		Count:   e.count,
	}
}

// Remove drops the entry for connID, if any.
func (l *Limiter) Remove(connID string) {
	l.mu.Lock()
	delete(l.entries, connID)
	l.mu.Unlock()
}

// Len returns the number of tracked entries.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Sweep removes entries whose connection is no longer live or whose window
// started more than IdleTTL ago. An entry whose window is still open is
// never treated as idle. Returns the number of removed entries.
func (l *Limiter) Sweep(isLive func(connID string) bool) int {
	now := l.cfg.Clock()
	idleAfter := max(l.cfg.IdleTTL, l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for connID, e := range l.entries {
		if now.Sub(e.windowStart) > idleAfter || (isLive != nil && !isLive(connID)) {
			delete(l.entries, connID)
			removed++
		}
	}
	return removed
}

// Run sweeps on every SweepInterval tick until ctx is done. onSweep, when
// non-nil, receives the number of entries removed by each pass.
func (l *Limiter) Run(ctx context.Context, isLive func(connID string) bool, onSweep func(removed int)) {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, ok := l.safeSweep(isLive)
			if !ok {
				continue
			}
			if removed > 0 {
				l.logger.Debug("rate limit sweep", "removed", removed, "remaining", l.Len())
			}
			if onSweep != nil {
				onSweep(removed)
			}
		}
	}
}

// safeSweep runs Sweep and converts a panic into a logged failure so the loop
// keeps ticking.
func (l *Limiter) safeSweep(isLive func(string) bool) (removed int, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("rate limit sweep failed", "panic", r)
			ok = false
		}
	}()
	return l.Sweep(isLive), true
}
