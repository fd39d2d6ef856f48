package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/smallbiznis/bookstore-auth/internal/config"
	"github.com/smallbiznis/bookstore-auth/internal/domain"
	"github.com/smallbiznis/bookstore-auth/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/bookstore-auth/internal/http/middleware"
	"github.com/smallbiznis/bookstore-auth/internal/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, authHandler *handler.AuthHandler, authMiddleware *httpmiddleware.Auth, rateLimiter *middleware.RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(nil))
	r.Use(rateLimiter.Handler())
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/health", authHandler.Health)

	api := r.Group("/api")

	users := api.Group("/users")
	{
		users.POST("", authHandler.SignUp)
		users.GET("/me", authMiddleware.ValidateJWT, authHandler.Me)
		users.PUT("/me/password", authMiddleware.ValidateJWT, authHandler.SetPassword)
	}

	authGroup := api.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/refresh", authHandler.Refresh)
		authGroup.POST("/logout", authMiddleware.ValidateJWT, authHandler.Logout)
		authGroup.POST("/firebase", authHandler.FirebaseLogin)
		authGroup.GET("/oauth/:provider", authHandler.OAuthStart)
		authGroup.GET("/oauth/:provider/callback", authHandler.OAuthCallback)
	}

	admin := api.Group("/admin", authMiddleware.ValidateJWT, httpmiddleware.RequireRole(domain.RoleAdmin))
	{
		admin.POST("/users/:id/sessions/revoke", authHandler.RevokeSessions)
	}

	return r
}
