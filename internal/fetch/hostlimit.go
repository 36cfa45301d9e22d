package fetch

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HostLimiter enforces a minimum interval between requests to the same
// host. It is shared across concurrent site sessions and is safe for
// concurrent use; limiters are keyed by lowercased host.
type HostLimiter struct {
	defaultDelay time.Duration

	mu       sync.Mutex
	limiters map[string]*hostEntry
}

type hostEntry struct {
	delay   time.Duration
	limiter *rate.Limiter
}

// NewHostLimiter builds a HostLimiter with the configured default
// politeness interval.
func NewHostLimiter(defaultDelay time.Duration) *HostLimiter {
	return &HostLimiter{
		defaultDelay: defaultDelay,
		limiters:     make(map[string]*hostEntry),
	}
}

// SetMinDelay raises the interval for host to at least d. Used to apply a
// robots.txt crawl-delay that exceeds the default politeness interval.
func (l *HostLimiter) SetMinDelay(host string, d time.Duration) {
	key := strings.ToLower(host)
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := l.entryLocked(key)
	if d > entry.delay {
		entry.delay = d
		entry.limiter.SetLimit(rate.Every(d))
	}
}

// Wait blocks until a request to host is permitted or ctx is done.
func (l *HostLimiter) Wait(ctx context.Context, host string) error {
	key := strings.ToLower(host)
	l.mu.Lock()
	entry := l.entryLocked(key)
	l.mu.Unlock()
	return entry.limiter.Wait(ctx)
}

// Delay reports the current interval for host.
func (l *HostLimiter) Delay(host string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entryLocked(strings.ToLower(host)).delay
}

func (l *HostLimiter) entryLocked(key string) *hostEntry {
	entry, ok := l.limiters[key]
	if !ok {
		delay := l.defaultDelay
		lim := rate.NewLimiter(rate.Inf, 1)
		if delay > 0 {
			lim = rate.NewLimiter(rate.Every(delay), 1)
		}
		entry = &hostEntry{delay: delay, limiter: lim}
		l.limiters[key] = entry
	}
	return entry
}
