package decoder

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// WarnLimiter bounds how many malformed-frame warnings each source address
// may produce per window. Counts are kept per window and rotated when the
// window expires. A nil *WarnLimiter allows everything.
type WarnLimiter struct {
	mu           sync.Mutex
	current      map[netip.Addr]*atomic.Int64
	windowStart  time.Time
	windowSize   time.Duration
	maxPerWindow int64

	suppressed atomic.Int64
}

// WarnLimiterConfig configures per-source warning limits.
type WarnLimiterConfig struct {
	MaxPerSource int           // 0 = unlimited
	Window       time.Duration // default 1m
}

// NewWarnLimiter creates a limiter. Returns nil if disabled (MaxPerSource <= 0).
func NewWarnLimiter(cfg WarnLimiterConfig) *WarnLimiter {
	if cfg.MaxPerSource <= 0 {
		return nil
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &WarnLimiter{
		current:      make(map[netip.Addr]*atomic.Int64),
		windowStart:  time.Now(),
		windowSize:   cfg.Window,
		maxPerWindow: int64(cfg.MaxPerSource),
	}
}

// Allow reports whether src may log another warning at now.
func (l *WarnLimiter) Allow(src netip.Addr, now time.Time) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()

	if now.Sub(l.windowStart) >= l.windowSize {
		l.current = make(map[netip.Addr]*atomic.Int64)
		l.windowStart = now
	}

	counter, exists := l.current[src]
	if !exists {
		counter = &atomic.Int64{}
		l.current[src] = counter
	}
	l.mu.Unlock()

	if counter.Add(1) > l.maxPerWindow {
		l.suppressed.Add(1)
		return false
	}
	return true
}

// Suppressed returns the total number of suppressed warnings.
func (l *WarnLimiter) Suppressed() int64 {
	if l == nil {
		return 0
	}
	return l.suppressed.Load()
}

// ActiveSources returns the number of distinct sources in the current window.
func (l *WarnLimiter) ActiveSources() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.current)
}
