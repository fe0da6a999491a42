package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
)

// newRateLimitRouter 搭一个只挂限流中间件的路由
func newRateLimitRouter(rdb *redis.Client, max int, window time.Duration) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/probe", RateLimit(rdb, "test:", max, window), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
	return router
}

func hit(router *gin.Engine, ip string) int {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.RemoteAddr = ip + ":12345"
	router.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimit_EnforcesWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	router := newRateLimitRouter(rdb, 2, time.Minute)

	assert.Equal(t, http.StatusOK, hit(router, "10.0.0.1"))
	assert.Equal(t, http.StatusOK, hit(router, "10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, hit(router, "10.0.0.1"))

	// 其他来源不受影响
	assert.Equal(t, http.StatusOK, hit(router, "10.0.0.2"))

	// 窗口过期后计数清零
	mr.FastForward(61 * time.Second)
	assert.Equal(t, http.StatusOK, hit(router, "10.0.0.1"))
}

func TestRateLimit_WindowDoesNotSlide(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	router := newRateLimitRouter(rdb, 2, time.Minute)

	// 每 40 秒一次请求，频率始终低于上限；
	// 若每次请求都续期窗口，计数器永不清零
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, hit(router, "10.0.0.3"), "低频调用者不应被累积限流")
		mr.FastForward(40 * time.Second)
	}
}
