package middleware

import (
	"context"
	stderrors "errors"
	"net/http"

	"boardnet/internal/core/domain"
	"boardnet/internal/core/services"
	"boardnet/pkg/circuitbreaker"
	"boardnet/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": errorBody{Code: code, Message: message}})
}

var sentinelErrors = []struct {
	err    error
	code   errors.ErrorCode
	status int
}{
	{domain.ErrRoomNotFound, errors.ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrElementNotFound, errors.ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrRoomAccessDenied, errors.ErrCodeForbidden, http.StatusForbidden},
	{domain.ErrNotRoomOwner, errors.ErrCodeForbidden, http.StatusForbidden},
	{domain.ErrForeignElement, errors.ErrCodeForbidden, http.StatusForbidden},
	{domain.ErrPermissionDenied, errors.ErrCodePermissionDenied, http.StatusForbidden},
	{domain.ErrInvalidRoom, errors.ErrCodeInvalidInput, http.StatusBadRequest},
	{domain.ErrInvalidElement, errors.ErrCodeInvalidInput, http.StatusBadRequest},
	{domain.ErrEmptyPrompt, errors.ErrCodeInvalidInput, http.StatusBadRequest},
	{services.ErrInvalidDisplayName, errors.ErrCodeInvalidInput, http.StatusBadRequest},
	{domain.ErrUnauthenticated, errors.ErrCodeUnauthorized, http.StatusUnauthorized},
	{domain.ErrInvalidToken, errors.ErrCodeUnauthorized, http.StatusUnauthorized},
	{services.ErrExpiredToken, errors.ErrCodeUnauthorized, http.StatusUnauthorized},
	{domain.ErrMalformedAssistantOutput, errors.ErrCodeMalformedOutput, http.StatusBadGateway},
	{domain.ErrAssistantDisabled, errors.ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
	{circuitbreaker.ErrOpen, errors.ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
	{context.DeadlineExceeded, errors.ErrCodeTimeout, http.StatusGatewayTimeout},
}

// ToAppError maps err onto the AppError the API reports for it. Errors that
// are neither AppErrors nor known domain failures become INTERNAL_ERROR
// with a generic message.
func ToAppError(err error) *errors.AppError {
	if appErr := errors.GetAppError(err); appErr != nil {
		return appErr
	}
	for _, s := range sentinelErrors {
		if stderrors.Is(err, s.err) {
			return errors.WrapError(err, s.code, s.err.Error(), s.status)
		}
	}
	return errors.WrapError(err, errors.ErrCodeInternal, "internal server error", http.StatusInternalServerError)
}

// ErrorHandlerMiddleware writes the last error a handler pushed with
// c.Error as {"error":{"code","message"}}.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		appErr := ToAppError(err)

		fields := []interface{}{
			"code", appErr.Code,
			"status", appErr.HTTPStatus,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
			"error", err,
		}
		if len(appErr.Context) > 0 {
			fields = append(fields, "context", appErr.Context)
		}
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			logger.Errorw("request failed", fields...)
		} else {
			logger.Debugw("request rejected", fields...)
		}

		abortWithError(c, appErr.HTTPStatus, string(appErr.Code), appErr.Message)
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				appErr := errors.NewInternalError("internal server error")
				abortWithError(c, appErr.HTTPStatus, string(appErr.Code), appErr.Message)
			}
		}()

		c.Next()
	}
}
