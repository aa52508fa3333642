// Package throttle implements admission control for the search entry point:
// one global token bucket protecting the service plus one bucket per client
// identity. Refill is continuous, not fixed-window.
package throttle

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Scope names which bucket denied a request.
const (
	ScopeGlobal = "global"
	ScopeClient = "client"
)

// Decision is the outcome of one admission check. A denial consumes tokens
// from neither bucket and carries the wait derived from the refill rate.
type Decision struct {
	Allowed    bool
	Scope      string
	RetryAfter time.Duration
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter guards the search entry point. Safe for concurrent use.
type Limiter struct {
	global      *rate.Limiter
	clientRate  rate.Limit
	clientBurst int
	idleTTL     time.Duration

	mu      sync.Mutex
	clients map[string]*clientBucket

	stop chan struct{}
}

// NewLimiter creates the dual-bucket limiter and starts the idle-bucket
// eviction loop. Call Close to stop it.
func NewLimiter(globalRate rate.Limit, globalBurst int, clientRate rate.Limit, clientBurst int, idleTTL time.Duration) *Limiter {
	l := &Limiter{
		global:      rate.NewLimiter(globalRate, globalBurst),
		clientRate:  clientRate,
		clientBurst: clientBurst,
		idleTTL:     idleTTL,
		clients:     make(map[string]*clientBucket),
		stop:        make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow decides admission for one request from the given client identity.
func (l *Limiter) Allow(identity string) Decision {
	return l.allowAt(time.Now(), identity)
}

func (l *Limiter) allowAt(now time.Time, identity string) Decision {
	global := l.global.ReserveN(now, 1)
	if !global.OK() {
		return Decision{Scope: ScopeGlobal, RetryAfter: time.Second}
	}
	if delay := global.DelayFrom(now); delay > 0 {
		global.CancelAt(now)
		return Decision{Scope: ScopeGlobal, RetryAfter: ceilSeconds(delay)}
	}

	client := l.bucket(identity, now).ReserveN(now, 1)
	if !client.OK() {
		global.CancelAt(now)
		return Decision{Scope: ScopeClient, RetryAfter: time.Second}
	}
	if delay := client.DelayFrom(now); delay > 0 {
		client.CancelAt(now)
		global.CancelAt(now)
		return Decision{Scope: ScopeClient, RetryAfter: ceilSeconds(delay)}
	}

	return Decision{Allowed: true}
}

// bucket returns the limiter for the identity, creating it on first sight.
func (l *Limiter) bucket(identity string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.clients[identity]; ok {
		b.lastSeen = now
		return b.limiter
	}

	limiter := rate.NewLimiter(l.clientRate, l.clientBurst)
	l.clients[identity] = &clientBucket{limiter: limiter, lastSeen: now}
	return limiter
}

// cleanupLoop evicts buckets idle for longer than the TTL.
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.idleTTL)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			for identity, b := range l.clients {
				if time.Since(b.lastSeen) > l.idleTTL {
					delete(l.clients, identity)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Close stops the eviction loop.
func (l *Limiter) Close() {
	close(l.stop)
}

// ceilSeconds rounds a wait up to whole seconds, suitable for a Retry-After
// header; never less than one second.
func ceilSeconds(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	rounded := d.Truncate(time.Second)
	if rounded < d {
		rounded += time.Second
	}
	return rounded
}
