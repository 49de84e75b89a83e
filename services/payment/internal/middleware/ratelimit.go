package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"example.com/payment-service/pkg/logger"
)

// rateLimitScript атомарно увеличивает счётчик окна и ставит TTL при первом запросе.
var rateLimitScript = redis.NewScript(`
	local current = redis.call("INCR", KEYS[1])
	if current == 1 then
		redis.call("EXPIRE", KEYS[1], ARGV[1])
	end
	return current
`)

// RateLimitConfig — конфигурация rate limiter.
type RateLimitConfig struct {
	Redis  *redis.Client
	Limit  int           // По умолчанию 100
	Window time.Duration // По умолчанию 1 минута
	Prefix string        // Префикс ключей, по умолчанию "payment:rate"
}

// RateLimiter ограничивает число запросов с одного IP (fixed window в Redis).
type RateLimiter struct {
	redis  *redis.Client
	limit  int
	window time.Duration
	prefix string
}

// NewRateLimiter создаёт rate limiter.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	if cfg.Window < time.Second {
		cfg.Window = time.Minute
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "payment:rate"
	}

	return &RateLimiter{
		redis:  cfg.Redis,
		limit:  cfg.Limit,
		window: cfg.Window,
		prefix: cfg.Prefix,
	}
}

// Handle возвращает gin handler. Ошибки Redis не блокируют запросы.
func (m *RateLimiter) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()

		count, err := rateLimitScript.Run(c.Request.Context(), m.redis,
			[]string{fmt.Sprintf("%s:%s", m.prefix, clientIP)},
			int(m.window.Seconds()),
		).Int()
		if err != nil {
			logger.Ctx(c.Request.Context()).Warn().Err(err).Msg("Ошибка проверки rate limit")
			c.Next()
			return
		}

		remaining := max(m.limit-count, 0)

		c.Header("X-RateLimit-Limit", strconv.Itoa(m.limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if count > m.limit {
			logger.Ctx(c.Request.Context()).Warn().
				Str("client_ip", clientIP).
				Int("limit", m.limit).
				Msg("Rate limit превышен")

			c.Header("Retry-After", strconv.Itoa(int(m.window.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": fmt.Sprintf("Превышен лимит запросов. Попробуйте через %d секунд", int(m.window.Seconds())),
			})
			return
		}

		c.Next()
	}
}
