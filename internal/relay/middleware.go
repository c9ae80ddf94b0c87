package relay

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
	subjectKey      = "subject"
)

// RequestID tags every request with an X-Request-ID, reusing the caller's if
// it is a valid UUID.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// AccessLog writes one structured line per request.
func AccessLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("http",
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// CORS allows the configured origins; "*" allows any.
func CORS(origins []string) gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	cfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept", requestIDHeader}
	cfg.ExposeHeaders = []string{requestIDHeader}
	allowAll := len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
	}
	if allowAll {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter is a per-client-IP token bucket.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rps      rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
}

func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		rps:      rate.Limit(rps),
		burst:    burst,
		idle:     10 * time.Minute,
		now:      time.Now,
	}
}

func (rl *RateLimiter) get(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	e, ok := rl.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.limiters[key] = e
	}
	e.lastAccess = now
	return e.limiter
}

// Prune drops limiters idle for longer than the idle window.
func (rl *RateLimiter) Prune() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for k, e := range rl.limiters {
		if now.Sub(e.lastAccess) > rl.idle {
			delete(rl.limiters, k)
		}
	}
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.get(c.ClientIP()).Allow() {
			c.Header("Retry-After", "1")
			c.Header("X-RateLimit-Limit", strconv.Itoa(rl.burst))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "RateLimited",
				"message": "Too many requests. Please try again later.",
			})
			return
		}
		c.Next()
	}
}
