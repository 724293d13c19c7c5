package ws

import (
	"sync"
	"time"
)

// sendLimiter caps how often one event name may be sent within a sliding
// window, so a stuck UI control cannot flood a server.
type sendLimiter struct {
	mu       sync.Mutex
	history  map[string][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func newSendLimiter(limit int, interval time.Duration) *sendLimiter {
	return &sendLimiter{
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (l *sendLimiter) Allow(event string) bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	windowStart := now.Add(-l.interval)

	attempts := l.history[event]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= l.limit {
		l.history[event] = fresh
		return false
	}
	l.history[event] = append(fresh, now)
	return true
}
