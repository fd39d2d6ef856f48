package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/bookstore-auth/internal/domain"
	"github.com/smallbiznis/bookstore-auth/internal/http/respond"
	"github.com/smallbiznis/bookstore-auth/internal/jwt"
)

const accessClaimsKey = "accessClaims"

// TokenAuthenticator validates bearer access tokens.
type TokenAuthenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*jwt.Claims, error)
}

// Auth validates Authorization header and attaches claims.
type Auth struct {
	Authenticator TokenAuthenticator
}

// NewAuth builds the bearer middleware.
func NewAuth(authenticator TokenAuthenticator) *Auth {
	return &Auth{Authenticator: authenticator}
}

// ValidateJWT ensures the request has a valid bearer token.
func (m *Auth) ValidateJWT(c *gin.Context) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		respond.Error(c, domain.ErrUnauthorized)
		return
	}
	claims, err := m.Authenticator.Authenticate(c.Request.Context(), strings.TrimSpace(parts[1]))
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.Set(accessClaimsKey, claims)
	c.Next()
}

// RequireRole rejects authenticated callers without the given role. It must
// run after ValidateJWT.
func RequireRole(role domain.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetAccessClaims(c)
		if !ok {
			respond.Error(c, domain.ErrUnauthorized)
			return
		}
		if claims.Role != role {
			respond.Error(c, domain.ErrForbidden)
			return
		}
		c.Next()
	}
}

// GetAccessClaims exposes validated access token claims to handlers.
func GetAccessClaims(c *gin.Context) (*jwt.Claims, bool) {
	value, ok := c.Get(accessClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := value.(*jwt.Claims)
	return claims, ok && claims != nil
}
