// Package middleware содержит gin middleware Payment Service.
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"example.com/payment-service/pkg/jwt"
	"example.com/payment-service/pkg/logger"
)

// Ключи gin.Context с данными администратора.
const (
	ContextUserID = "user_id"
	ContextRole   = "role"
)

// TokenVerifier проверяет JWT и возвращает claims.
// Реализуется *jwt.Verifier.
type TokenVerifier interface {
	ValidateToken(tokenString string) (*jwt.Claims, error)
}

// AdminAuth пропускает только запросы с валидным токеном и ролью role.
// Используется на ручном изменении статуса платежа.
type AdminAuth struct {
	verifier TokenVerifier
	role     string
}

// NewAdminAuth создаёт middleware административного доступа.
func NewAdminAuth(verifier TokenVerifier, role string) *AdminAuth {
	return &AdminAuth{verifier: verifier, role: role}
}

// Handle возвращает gin handler.
func (m *AdminAuth) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		log := logger.FromContext(c.Request.Context())

		token := ExtractBearerToken(c)
		if token == "" {
			log.Debug().Msg("Отсутствует токен авторизации")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Требуется авторизация",
			})
			return
		}

		claims, err := m.verifier.ValidateToken(token)
		if err != nil {
			if !errors.Is(err, jwt.ErrInvalidToken) {
				log.Error().Err(err).Msg("Ошибка проверки токена")
			} else {
				log.Warn().Err(err).Msg("Невалидный токен")
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Невалидный токен",
			})
			return
		}

		if !claims.HasRole(m.role) {
			log.Warn().
				Str("user_id", claims.UserID).
				Str("role", claims.Role).
				Msg("Недостаточно прав для изменения платежа")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Недостаточно прав",
			})
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextRole, claims.Role)

		c.Next()
	}
}

// ExtractBearerToken извлекает токен из Authorization header.
// Префикс Bearer регистронезависимый.
func ExtractBearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if auth == "" {
		return ""
	}

	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
