package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cybertemp/agent/internal/auth"
)

// ContextClient 上下文中保存客户端名称的键
const ContextClient = "client"

// TokenValidator 校验客户端令牌，由 auth.Manager 实现
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// RequireToken 要求请求携带代理签发的令牌
func RequireToken(validator TokenValidator, log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}

	return func(c *gin.Context) {
		claims, err := validator.Validate(auth.TokenFromRequest(c.Request))
		if err != nil {
			msg := "invalid or expired token"
			if errors.Is(err, auth.ErrMissingToken) {
				msg = "authentication required"
			}
			log.Warn("rejected unauthenticated request",
				zap.Error(err),
				zap.String("path", c.Request.URL.Path),
				zap.String("origin", c.GetHeader("Origin")),
			)
			c.JSON(http.StatusUnauthorized, gin.H{
				"code": http.StatusUnauthorized,
				"msg":  msg,
			})
			c.Abort()
			return
		}

		c.Set(ContextClient, claims.Client)
		c.Next()
	}
}
