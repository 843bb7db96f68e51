package mw

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter stores a rate limiter for each client IP. Limiters idle for
// longer than idleTTL are dropped, at most once per idleTTL.
type IPRateLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	r         rate.Limit
	b         int
	idleTTL   time.Duration
	lastSweep time.Time
}

func NewIPRateLimiter(r rate.Limit, b int, idleTTL time.Duration) *IPRateLimiter {
	return &IPRateLimiter{
		visitors:  make(map[string]*visitor),
		r:         r,
		b:         b,
		idleTTL:   idleTTL,
		lastSweep: time.Now(),
	}
}

// GetLimiter returns the rate limiter for ip, creating it on first use.
func (i *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	now := time.Now()
	i.mu.Lock()
	defer i.mu.Unlock()

	if now.Sub(i.lastSweep) > i.idleTTL {
		i.sweep(now)
	}
	v, ok := i.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(i.r, i.b)}
		i.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter
}

// Cleanup forgets clients not seen since now-idleTTL and returns how many were dropped.
func (i *IPRateLimiter) Cleanup(now time.Time) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sweep(now)
}

func (i *IPRateLimiter) sweep(now time.Time) int {
	i.lastSweep = now
	dropped := 0
	for ip, v := range i.visitors {
		if now.Sub(v.lastSeen) > i.idleTTL {
			delete(i.visitors, ip)
			dropped++
		}
	}
	return dropped
}

// RateLimiter is a middleware for IP-based rate limiting.
func RateLimiter(limiter *IPRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.GetLimiter(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}
