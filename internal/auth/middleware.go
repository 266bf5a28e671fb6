package auth

import (
	"log/slog"
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

// RateLimiter はクライアントIPごとのトークンバケットでリクエスト数を制限します。
// window あたり max 回まで連続で受け付け、その後は window/max ごとに1回分回復します。
type RateLimiter struct {
	name   string
	limit  rate.Limit
	burst  int
	idle   time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastPrune time.Time
}

// NewRateLimiter は RateLimiter を作成します。
func NewRateLimiter(name string, window time.Duration, max int, logger *slog.Logger) *RateLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		name:     name,
		limit:    rate.Every(window / time.Duration(max)),
		burst:    max,
		idle:     window,
		logger:   logger,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

// Allow は key のリクエストを1回分消費できれば true を返します。
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.pruneLocked(now)

	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// pruneLocked は window 以上アクセスのないクライアントを削除します。
func (rl *RateLimiter) pruneLocked(now time.Time) {
	if now.Sub(rl.lastPrune) < rl.idle {
		return
	}
	rl.lastPrune = now
	for key, v := range rl.visitors {
		if now.Sub(v.lastSeen) >= rl.idle {
			delete(rl.visitors, key)
		}
	}
}

// Middleware は制限超過時に 429 を返すミドルウェアです。
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !rl.Allow(ip) {
			rl.logger.Warn("Rate limit exceeded", "limiter", rl.name, "ip", ip, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "RATE_LIMITED",
				"message": "リクエストが多すぎます。しばらくしてから再度お試しください",
			})
			return
		}
		c.Next()
	}
}
