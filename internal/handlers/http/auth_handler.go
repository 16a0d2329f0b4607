package http

import (
	"net/http"

	"boardnet/internal/core/services"
	"boardnet/internal/infrastructure/middleware"
	"boardnet/pkg/errors"
	"boardnet/pkg/validation"

	"github.com/gin-gonic/gin"
)

// AuthHandler issues the signed identities the rest of the API and the
// relay accept.
type AuthHandler struct {
	authService services.AuthService
}

func NewAuthHandler(authService services.AuthService) *AuthHandler {
	return &AuthHandler{
		authService: authService,
	}
}

// SetupRoutes registers the session endpoints. Refreshing needs a still
// valid token, so it sits behind the auth middleware.
func (h *AuthHandler) SetupRoutes(api *gin.RouterGroup) {
	auth := api.Group("/auth")
	{
		auth.POST("/session", h.CreateSession)
		auth.POST("/refresh", middleware.AuthMiddleware(h.authService), h.RefreshSession)
	}
}

type CreateSessionRequest struct {
	DisplayName string `json:"displayName" binding:"required"`
}

func (h *AuthHandler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if err := validation.ValidateDisplayName(req.DisplayName); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	session, err := h.authService.IssueSession(req.DisplayName)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *AuthHandler) RefreshSession(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.Error(errors.NewUnauthorizedError("authentication required"))
		return
	}

	session, err := h.authService.RenewSession(*user)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, session)
}
