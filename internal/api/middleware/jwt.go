package middleware

import (
	"net/http"

	"relister/internal/api/auth"

	"github.com/gin-gonic/gin"
)

const (
	ctxSessionID = "sessionID"
	ctxActor     = "actor"
)

// AuthMiddleware 校验会话令牌并将 sessionID 与 actor 写入上下文。
func AuthMiddleware(jwtSecret string) gin.HandlerFunc {
	secret := []byte(jwtSecret)
	return func(c *gin.Context) {
		tokenStr := auth.TokenFromRequest(c)
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauth", "detail": "missing token"})
			return
		}
		claims, err := auth.ParseToken(secret, tokenStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauth", "detail": "invalid token"})
			return
		}
		actor := claims.Subject
		if actor == "" {
			actor = "web"
		}
		c.Set(ctxSessionID, claims.SessionID)
		c.Set(ctxActor, actor)
		c.Next()
	}
}

// RequireSessionParam 要求路径参数 param 与令牌中的会话一致。
func RequireSessionParam(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Param(param) != SessionID(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauth", "detail": "session mismatch"})
			return
		}
		c.Next()
	}
}

// SessionID 返回令牌中的会话 ID。
func SessionID(c *gin.Context) string {
	return c.GetString(ctxSessionID)
}

// Actor 返回令牌中的操作员标识。
func Actor(c *gin.Context) string {
	return c.GetString(ctxActor)
}
