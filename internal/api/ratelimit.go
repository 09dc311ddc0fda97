package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trustlab/clarion/internal/config"
)

// Operator mutations (triggering analysis, pinning or placing endpoints)
// are cheap to call and expensive to execute, so they ride behind a per-
// client token bucket. Edge sync traffic is never limited here; a congested
// switch must not lose batches to middleware.

// visitorIdleLimit is how long a client may go quiet before its bucket is
// reaped.
const visitorIdleLimit = 10 * time.Minute

// visitor is one client's bucket. Tokens refill continuously at ratePerSec
// up to burst.
type visitor struct {
	mu       sync.Mutex
	tokens   float64
	lastSeen time.Time
}

// RateLimiter applies a token bucket per client IP.
type RateLimiter struct {
	ratePerSec float64
	burst      float64

	mu       sync.Mutex
	visitors map[string]*visitor
}

// NewRateLimiter allows ratePerMin requests per minute per client with the
// given burst headroom.
func NewRateLimiter(ratePerMin, burst int) *RateLimiter {
	rl := &RateLimiter{
		ratePerSec: float64(ratePerMin) / 60.0,
		burst:      float64(burst),
		visitors:   make(map[string]*visitor),
	}
	go rl.reapIdle()
	return rl
}

// NewRateLimiterFromEnv builds the limiter from MUTATION_RATE_PER_MIN and
// MUTATION_BURST, with defaults sized for operator traffic.
func NewRateLimiterFromEnv() *RateLimiter {
	return NewRateLimiter(
		config.GetEnvInt("MUTATION_RATE_PER_MIN", 30),
		config.GetEnvInt("MUTATION_BURST", 10),
	)
}

// take spends one token for the client, reporting the wait on refusal.
func (rl *RateLimiter) take(ip string) (bool, time.Duration) {
	rl.mu.Lock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{tokens: rl.burst}
		rl.visitors[ip] = v
	}
	rl.mu.Unlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	now := time.Now()
	v.tokens += now.Sub(v.lastSeen).Seconds() * rl.ratePerSec
	if v.tokens > rl.burst {
		v.tokens = rl.burst
	}
	v.lastSeen = now

	if v.tokens >= 1 {
		v.tokens--
		return true, 0
	}
	wait := time.Duration((1 - v.tokens) / rl.ratePerSec * float64(time.Second))
	return false, wait
}

// Middleware rejects over-limit clients with 429 and a Retry-After hint.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := rl.take(c.ClientIP())
		if !ok {
			c.Header("Retry-After", wait.String())
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":      "Rate limit exceeded",
				"retryAfter": wait.String(),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// reapIdle drops buckets for clients that went quiet so transient IPs never
// accumulate.
func (rl *RateLimiter) reapIdle() {
	ticker := time.NewTicker(visitorIdleLimit)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-visitorIdleLimit)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			v.mu.Lock()
			idle := v.lastSeen.Before(cutoff)
			v.mu.Unlock()
			if idle {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}
