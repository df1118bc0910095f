// Package ratelimit provides a keyed token-bucket limiter used for
// per-recipient notification limits and per-IP HTTP limits.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// Keyed holds one token bucket per key. Buckets idle longer than the idle
// timeout are dropped on the next sweep.
type Keyed struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	clock clockwork.Clock

	mu        sync.Mutex
	state     map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewKeyed allows perMinute events per key with bursts up to burst. A
// non-positive perMinute disables limiting.
func NewKeyed(perMinute, burst int, clock clockwork.Clock) *Keyed {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if burst <= 0 {
		burst = perMinute
	}
	l := rate.Inf
	if perMinute > 0 {
		l = rate.Every(time.Minute / time.Duration(perMinute))
	}
	return &Keyed{
		limit:     l,
		burst:     burst,
		idle:      10 * time.Minute,
		clock:     clock,
		state:     make(map[string]*bucket),
		lastSweep: clock.Now(),
	}
}

// Allow consumes one token for key if available.
func (k *Keyed) Allow(key string) bool {
	if k.limit == rate.Inf {
		return true
	}
	now := k.clock.Now()
	k.mu.Lock()
	defer k.mu.Unlock()
	k.sweep(now)
	b, ok := k.state[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.state[key] = b
	}
	b.seen = now
	return b.limiter.AllowN(now, 1)
}

func (k *Keyed) sweep(now time.Time) {
	if now.Sub(k.lastSweep) < k.idle {
		return
	}
	for key, b := range k.state {
		if now.Sub(b.seen) > k.idle {
			delete(k.state, key)
		}
	}
	k.lastSweep = now
}

// GinMiddleware enforces per-IP limits.
func (k *Keyed) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		if !k.Allow(ip) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "RATE_LIMITED"})
			return
		}
		c.Next()
	}
}
