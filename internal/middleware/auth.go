package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus"

	"github.com/Gurprince/dev-deck/internal/domain"
)

// identityKey 是 Gin 上下文里存放已验证身份的键
const identityKey = "identity"

// Auth 返回一个 Gin 中间件，用于验证 JWT token 并提取调用者身份。
// jwtSecret: 用于验证签名的密钥，必须提供。
func Auth(jwtSecret string) gin.HandlerFunc {
	// 在创建中间件时就进行检查，避免运行时 panic
	if jwtSecret == "" {
		panic("JWT secret cannot be empty for Auth middleware")
	}

	return func(c *gin.Context) {
		// 1. 从请求头（或 WebSocket 握手的查询参数）提取 Token
		tokenStr, err := extractToken(c)
		if err != nil {
			if errors.Is(err, ErrMissingAuthHeader) {
				logrus.Warn("Auth middleware: Missing credentials")
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header is required"})
			} else {
				logrus.WithError(err).Warn("Auth middleware: Error extracting token")
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token format"})
			}
			c.Abort()
			return
		}

		// 2. 验证 Token
		claims, err := validateToken(tokenStr, jwtSecret)
		if err != nil {
			logCtx := logrus.WithError(err)
			logCtx.Warn("Auth middleware: Invalid token")

			var validationError *jwt.ValidationError
			if errors.As(err, &validationError) {
				if validationError.Errors&jwt.ValidationErrorExpired != 0 {
					logCtx.Warn("Reason: Token is expired")
				}
				if validationError.Errors&jwt.ValidationErrorSignatureInvalid != 0 {
					logCtx.Warn("Reason: Token signature is invalid")
				}
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		// 3. 从 Claims 中提取身份信息并设置到 Context
		ident, err := identityFromClaims(claims)
		if err != nil {
			logrus.WithError(err).Error("Auth middleware: Bad identity claims")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Token is missing identity claims"})
			c.Abort()
			return
		}

		c.Set(identityKey, ident)
		c.Set("user_id", ident.UserID)
		logrus.WithField("user_id", ident.UserID).Debug("Auth middleware: User authenticated via JWT")

		c.Next()
	}
}

// IdentityFromContext 取出 Auth 中间件放入上下文的身份
func IdentityFromContext(c *gin.Context) (domain.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return domain.Identity{}, false
	}
	ident, ok := v.(domain.Identity)
	return ident, ok
}

// ErrMissingAuthHeader 表示请求没有携带任何凭证
var ErrMissingAuthHeader = errors.New("missing Authorization header")

// extractToken 从 Gin 上下文中提取 Bearer Token。
// 浏览器的 WebSocket API 无法自定义请求头，握手请求退化为 ?token= 查询参数。
func extractToken(c *gin.Context) (string, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if token := c.Query("token"); token != "" {
			return token, nil
		}
		return "", ErrMissingAuthHeader
	}
	// Authorization header 格式应为 "Bearer <token>"
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", jwt.ErrTokenMalformed
	}
	return parts[1], nil
}

// validateToken 解析并验证 JWT token 字符串
func validateToken(tokenStr string, secret string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		// 验证签名方法是否为 HMAC (HS256)
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token or claims type")
}

// identityFromClaims 把 JWT claims 转换为领域身份。
// user_id 必须存在且为正整数；display_name 缺失时退化为 user_id 的字符串形式。
func identityFromClaims(claims jwt.MapClaims) (domain.Identity, error) {
	userIDClaim, ok := claims["user_id"]
	if !ok {
		return domain.Identity{}, errors.New("'user_id' claim missing in token")
	}
	// JWT 数字默认为 float64，需要安全转换为 uint
	userIDFloat, ok := userIDClaim.(float64)
	if !ok || userIDFloat <= 0 || userIDFloat != float64(uint(userIDFloat)) {
		return domain.Identity{}, fmt.Errorf("'user_id' claim is not a valid positive integer: %v", userIDClaim)
	}

	ident := domain.Identity{UserID: uint(userIDFloat)}
	if name, ok := claims["display_name"].(string); ok && name != "" {
		ident.DisplayName = name
	} else {
		ident.DisplayName = fmt.Sprintf("user-%d", ident.UserID)
	}
	if email, ok := claims["email"].(string); ok {
		ident.Email = email
	}
	return ident, nil
}
