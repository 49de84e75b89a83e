package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func newLimitedRouter(t *testing.T, limit int) (*gin.Engine, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter := NewRateLimiter(RateLimitConfig{Redis: client, Limit: limit, Window: time.Minute})

	router := gin.New()
	router.Use(limiter.Handle())
	router.GET("/api/payment", func(c *gin.Context) { c.Status(http.StatusOK) })
	return router, mr
}

func doGet(router *gin.Engine, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/payment", nil)
	req.RemoteAddr = ip + ":12345"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRateLimiter_BlocksExcessRequests(t *testing.T) {
	router, mr := newLimitedRouter(t, 3)

	for i := 0; i < 3; i++ {
		w := doGet(router, "10.0.0.1")
		assert.Equal(t, http.StatusOK, w.Code, "запрос %d должен пройти", i+1)
	}

	w := doGet(router, "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	// Другой IP считается отдельно
	assert.Equal(t, http.StatusOK, doGet(router, "10.0.0.2").Code)

	// После окна счётчик сбрасывается
	mr.FastForward(time.Minute + time.Second)
	assert.Equal(t, http.StatusOK, doGet(router, "10.0.0.1").Code)
}

func TestRateLimiter_FailOpen(t *testing.T) {
	router, mr := newLimitedRouter(t, 1)
	mr.Close()

	w := doGet(router, "10.0.0.1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
}

func TestNewRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{})

	assert.Equal(t, 100, rl.limit)
	assert.Equal(t, time.Minute, rl.window)
	assert.Equal(t, "payment:rate", rl.prefix)
}
