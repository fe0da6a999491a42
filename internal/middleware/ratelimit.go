package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// RateLimit 返回一个 Gin 中间件，基于客户端 IP 做 API 整体限流。
// 这是防滥用的外围闸门；执行提交有独立的每用户限流，在服务层判定。
func RateLimit(redisClient *redis.Client, keyPrefix string, maxRequests int, window time.Duration) gin.HandlerFunc {
	// 启动时检查依赖
	if redisClient == nil {
		panic("Redis client cannot be nil for RateLimit middleware")
	}
	if maxRequests <= 0 || window <= 0 {
		panic("RateLimit middleware requires positive maxRequests and window")
	}

	return func(c *gin.Context) {
		// 反向代理后面时 ClientIP 依赖正确配置的转发头
		key := keyPrefix + "ratelimit:ip:" + c.ClientIP()

		count, err := redisClient.Incr(c.Request.Context(), key).Result()
		if err != nil {
			logrus.WithError(err).Error("RateLimit: Redis INCR failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Rate limiting error"})
			c.Abort()
			return
		}
		// 过期只在窗口首次计数时设置，续期会让计数器永不清零
		if count == 1 {
			if err := redisClient.Expire(c.Request.Context(), key, window).Err(); err != nil {
				logrus.WithError(err).Warn("RateLimit: Failed to set window expiry")
			}
		}

		if count > int64(maxRequests) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
			c.Abort()
			return
		}

		c.Next()
	}
}
