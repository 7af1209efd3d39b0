package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Customers on the venue Wi-Fi share one NAT address, so the per-address budget covers a
// whole crowd of polling sessions.
const (
	defaultRatePerSecond = 100
	defaultRateBurst     = 200
	visitorIdleTimeout   = 10 * time.Minute
)

// RateLimitConfig bounds requests per client address.
type RateLimitConfig struct {
	PerSecond float64
	Burst     int
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	})
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter keeps one token bucket per client address and forgets idle addresses.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	clock    func() time.Time
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	perSecond := cfg.PerSecond
	if perSecond <= 0 {
		perSecond = defaultRatePerSecond
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultRateBurst
	}
	return &rateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		clock:    time.Now,
	}
}

func (rl *rateLimiter) allow(address string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock()
	for key, entry := range rl.visitors {
		if now.Sub(entry.lastSeen) > visitorIdleTimeout {
			delete(rl.visitors, key)
		}
	}

	entry, exists := rl.visitors[address]
	if !exists {
		entry = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[address] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (rl *rateLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"ok": false, "error": "rate_limited"})
			return
		}
		c.Next()
	}
}
