package decoder

import (
	"net/netip"
	"sync"
	"testing"
	"time"
)

func TestWarnLimiter_NilWhenDisabled(t *testing.T) {
	l := NewWarnLimiter(WarnLimiterConfig{MaxPerSource: 0})
	if l != nil {
		t.Fatal("expected nil when MaxPerSource = 0")
	}
	if !l.Allow(netip.MustParseAddr("192.0.2.1"), time.Now()) {
		t.Error("nil limiter must allow")
	}
	if l.Suppressed() != 0 || l.ActiveSources() != 0 {
		t.Error("nil limiter must report zero")
	}
}

func TestWarnLimiter_RejectsOverLimit(t *testing.T) {
	l := NewWarnLimiter(WarnLimiterConfig{MaxPerSource: 3, Window: 10 * time.Second})
	src := netip.MustParseAddr("2001:db8::1")
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !l.Allow(src, now) {
			t.Fatalf("warning %d should be allowed", i)
		}
	}
	if l.Allow(src, now) {
		t.Error("4th warning should be suppressed")
	}
	if l.Suppressed() != 1 {
		t.Errorf("expected 1 suppressed, got %d", l.Suppressed())
	}
}

func TestWarnLimiter_SourcesIndependent(t *testing.T) {
	l := NewWarnLimiter(WarnLimiterConfig{MaxPerSource: 1, Window: 10 * time.Second})
	a := netip.MustParseAddr("10.0.0.1")
	b := netip.MustParseAddr("10.0.0.2")
	now := time.Now()

	if !l.Allow(a, now) || !l.Allow(b, now) {
		t.Fatal("first warning of each source should be allowed")
	}
	if l.Allow(a, now) {
		t.Error("second warning of a should be suppressed")
	}
	if l.ActiveSources() != 2 {
		t.Errorf("expected 2 active sources, got %d", l.ActiveSources())
	}
}

func TestWarnLimiter_WindowRotation(t *testing.T) {
	l := NewWarnLimiter(WarnLimiterConfig{MaxPerSource: 1, Window: time.Second})
	src := netip.MustParseAddr("10.0.0.1")
	now := time.Now()

	l.Allow(src, now)
	if l.Allow(src, now.Add(500*time.Millisecond)) {
		t.Error("should be suppressed inside the window")
	}
	if !l.Allow(src, now.Add(2*time.Second)) {
		t.Error("should be allowed after rotation")
	}
}

func TestWarnLimiter_Concurrent(t *testing.T) {
	l := NewWarnLimiter(WarnLimiterConfig{MaxPerSource: 50, Window: time.Minute})
	src := netip.MustParseAddr("10.0.0.9")
	now := time.Now()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				if l.Allow(src, now) {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Errorf("expected exactly 50 allowed, got %d", allowed)
	}
	if l.Suppressed() != 150 {
		t.Errorf("expected 150 suppressed, got %d", l.Suppressed())
	}
}
