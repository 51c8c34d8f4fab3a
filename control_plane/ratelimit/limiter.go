package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter decides whether a call identified by key may proceed.
type Limiter interface {
	Allow(key string) bool
}

// KeyedLimiter keeps one token bucket per key.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	r        rate.Limit
	b        int
	now      func() time.Time
}

type entry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// NewKeyedLimiter allows r events per second per key with burst b.
func NewKeyedLimiter(r float64, b int) *KeyedLimiter {
	return &KeyedLimiter{
		limiters: make(map[string]*entry),
		r:        rate.Limit(r),
		b:        b,
		now:      time.Now,
	}
}

func (l *KeyedLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.r, l.b)}
		l.limiters[key] = e
	}
	e.lastUsed = now
	return e.limiter.AllowN(now, 1)
}

// Forget drops the bucket for key, e.g. when an agent is deleted.
func (l *KeyedLimiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}

// Prune drops buckets unused for longer than idle and returns how many.
func (l *KeyedLimiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	n := 0
	for k, e := range l.limiters {
		if e.lastUsed.Before(cutoff) {
			delete(l.limiters, k)
			n++
		}
	}
	return n
}

func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Guard combines a global bucket with a per-key bucket. Heartbeat storms
// after a control-plane restart hit the global bucket first.
type Guard struct {
	global *rate.Limiter
	keyed  *KeyedLimiter
}

func NewGuard(globalRate float64, globalBurst int, perKeyRate float64, perKeyBurst int) *Guard {
	return &Guard{
		global: rate.NewLimiter(rate.Limit(globalRate), globalBurst),
		keyed:  NewKeyedLimiter(perKeyRate, perKeyBurst),
	}
}

func (g *Guard) Allow(key string) bool {
	if !g.keyed.Allow(key) {
		return false
	}
	return g.global.Allow()
}

func (g *Guard) Forget(key string) {
	g.keyed.Forget(key)
}

func (g *Guard) Prune(idle time.Duration) int {
	return g.keyed.Prune(idle)
}
