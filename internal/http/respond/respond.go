// Package respond writes the JSON envelopes shared by handlers and middleware.
package respond

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/bookstore-auth/internal/domain"
	domainoauth "github.com/smallbiznis/bookstore-auth/internal/domain/oauth"
)

const internalMessage = "An unexpected error occurred."

// OK writes the success envelope.
func OK(c *gin.Context, status int, message string, payload any) {
	c.JSON(status, gin.H{
		"isSuccess": true,
		"message":   message,
		"payload":   payload,
	})
}

// Error translates err into the error envelope and aborts the chain. Errors of
// unknown kind are logged and reported as a generic 500.
func Error(c *gin.Context, err error) {
	var derr *domain.Error
	if !errors.As(err, &derr) {
		derr = fromOAuth(err)
	}
	if derr == nil {
		logger(c).Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		write(c, http.StatusInternalServerError, domain.CodeInternalServerError, internalMessage)
		return
	}
	write(c, StatusFor(derr.Code), derr.Code, derr.Message)
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code domain.ErrorCode) int {
	switch code {
	case domain.CodeDuplicateEmail:
		return http.StatusConflict
	case domain.CodeInvalidCredentials, domain.CodeInvalidToken, domain.CodeTokenExpired, domain.CodeUnauthorized:
		return http.StatusUnauthorized
	case domain.CodeTooManyRequests:
		return http.StatusTooManyRequests
	case domain.CodeForbidden:
		return http.StatusForbidden
	case domain.CodeValidationFailed:
		return http.StatusBadRequest
	case domain.CodeUserNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func fromOAuth(err error) *domain.Error {
	switch {
	case errors.Is(err, domainoauth.ErrInvalidRequest):
		return domain.NewError(domain.CodeValidationFailed, "Both state and code are required.")
	case errors.Is(err, domainoauth.ErrInvalidState):
		return domain.NewError(domain.CodeInvalidToken, "OAuth state is invalid or expired.")
	case errors.Is(err, domainoauth.ErrTokenInvalid):
		return domain.NewError(domain.CodeInvalidToken, "Identity provider rejected the sign-in.")
	case errors.Is(err, domainoauth.ErrProviderDisabled):
		return domain.NewError(domain.CodeForbidden, "Sign-in provider is not enabled.")
	default:
		return nil
	}
}

func write(c *gin.Context, status int, code domain.ErrorCode, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"status":    status,
		"code":      code,
		"message":   message,
		"path":      c.Request.URL.Path,
	})
}

func logger(c *gin.Context) *zap.Logger {
	l := zap.L()
	if id, ok := c.Get("request_id"); ok {
		if s, ok := id.(string); ok {
			l = l.With(zap.String("request_id", s))
		}
	}
	return l
}
