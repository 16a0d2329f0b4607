package middleware

import (
	"strings"

	"boardnet/internal/core/domain"
	"boardnet/internal/core/services"
	"boardnet/pkg/logger"
	"boardnet/pkg/tracing"

	"github.com/gin-gonic/gin"
)

const userContextKey = "user"

// BearerToken returns the token of an "Authorization: Bearer <token>"
// header, or "".
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// AuthMiddleware rejects requests without a valid bearer token and stores
// the signed-in user for handlers.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.Error(domain.ErrUnauthenticated)
			c.Abort()
			return
		}

		user, err := authService.ValidateToken(token)
		if err != nil {
			c.Error(err)
			c.Abort()
			return
		}

		c.Set(userContextKey, user)
		ctx := logger.WithUser(c.Request.Context(), string(user.ID))
		tracing.AddSpanAttributes(ctx, tracing.UserIDKey.String(string(user.ID)))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// CurrentUser returns the user stored by AuthMiddleware.
func CurrentUser(c *gin.Context) (*domain.User, bool) {
	v, ok := c.Get(userContextKey)
	if !ok {
		return nil, false
	}
	user, ok := v.(*domain.User)
	return user, ok && user != nil
}
