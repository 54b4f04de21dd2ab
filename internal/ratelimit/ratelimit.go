// Package ratelimit provides the per-client and per-peer token-bucket rate
// limiter the HTTP router (internal/httpapi) consults before every client
// and peer request (spec §5 Resource bounds: "the rate limiter
// (external)"). Grounded on the teacher's internal/network/limiter.go
// per-IP counting map+mutex idiom, generalized from connection/stream
// counting to a golang.org/x/time/rate token bucket keyed by client
// identity.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config sets the token-bucket rate and burst for one limiter class
// (client requests, peer requests).
type Config struct {
	RatePerSecond float64
	Burst         int
	IdleEvict     time.Duration // entries unused this long are pruned
}

type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter is a keyed collection of token buckets, one per client/peer
// identity, with idle entries pruned periodically so long-running nodes
// don't accumulate unbounded per-IP state.
type Limiter struct {
	cfg Config
	mu  sync.Mutex
	m   map[string]*entry
}

func New(cfg Config) *Limiter {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RatePerSecond)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}
	if cfg.IdleEvict <= 0 {
		cfg.IdleEvict = 10 * time.Minute
	}
	return &Limiter{cfg: cfg, m: make(map[string]*entry)}
}

// Allow reports whether key (a client pubkey hex or peer base32z address)
// may proceed now, consuming one token if so.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.m[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(l.cfg.RatePerSecond), l.cfg.Burst)}
		l.m[key] = e
	}
	e.lastAccess = time.Now()
	return e.limiter.Allow()
}

// Prune removes buckets idle longer than cfg.IdleEvict, intended to run
// from a periodic ticker on the primary loop.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	pruned := 0
	for k, e := range l.m {
		if now.Sub(e.lastAccess) > l.cfg.IdleEvict {
			delete(l.m, k)
			pruned++
		}
	}
	return pruned
}

// Len reports the number of tracked keys, used for metrics/diagnostics.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
