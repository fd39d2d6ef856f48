package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/smallbiznis/bookstore-auth/internal/adapter/cache"
	"github.com/smallbiznis/bookstore-auth/internal/adapter/firebase"
	oauthadapter "github.com/smallbiznis/bookstore-auth/internal/adapter/oauth"
	"github.com/smallbiznis/bookstore-auth/internal/bootstrap"
	"github.com/smallbiznis/bookstore-auth/internal/clock"
	"github.com/smallbiznis/bookstore-auth/internal/config"
	httptransport "github.com/smallbiznis/bookstore-auth/internal/http"
	"github.com/smallbiznis/bookstore-auth/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/bookstore-auth/internal/http/middleware"
	"github.com/smallbiznis/bookstore-auth/internal/jwt"
	apimiddleware "github.com/smallbiznis/bookstore-auth/internal/middleware"
	"github.com/smallbiznis/bookstore-auth/internal/repository"
	"github.com/smallbiznis/bookstore-auth/internal/server"
	"github.com/smallbiznis/bookstore-auth/internal/service"
	authservice "github.com/smallbiznis/bookstore-auth/internal/service/auth"
	"github.com/smallbiznis/bookstore-auth/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newTracerProvider,
			newSnowflake,
			clock.System,
			newStorage,
			newOAuthStateStore,
			newOAuthProviders,
			newFirebaseVerifier,
			newRateLimiter,
			newKeyManager,
			newTokenGenerator,
			service.NewAuthService,
			newSessionIssuer,
			authservice.NewOAuthService,
			handler.NewAuthHandler,
			newAuthMiddleware,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(bootstrap.EnsureAdmin, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger.With(zap.String("service", cfg.ServiceName)), nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newTracerProvider(provider *telemetry.Provider) trace.TracerProvider {
	return provider.TracerProvider()
}

func newSnowflake() (*snowflake.Node, error) {
	node, err := snowflake.NewNode(1)
	return node, err
}

type storage struct {
	fx.Out

	Users  repository.UserRepository
	Tokens repository.RefreshTokenRepository
	Keys   repository.KeyRepository
}

func newStorage(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (storage, error) {
	if cfg.StorageDriver == config.StorageDriverMemory {
		logger.Warn("using in-memory storage, data is lost on restart")
		return storage{
			Users:  repository.NewMemoryUserRepo(),
			Tokens: repository.NewMemoryRefreshTokenRepo(),
			Keys:   repository.NewMemoryKeyRepo(),
		}, nil
	}

	pool, err := newPGXPool(lc, cfg)
	if err != nil {
		return storage{}, err
	}
	return storage{
		Users:  repository.NewPostgresUserRepo(pool),
		Tokens: repository.NewPostgresRefreshTokenRepo(pool),
		Keys:   repository.NewPostgresKeyRepo(pool),
	}, nil
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newOAuthStateStore(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (repository.OAuthStateStore, error) {
	if cfg.RedisAddr == "" {
		logger.Info("no REDIS_ADDR configured, keeping OAuth state in memory")
		return cacheadapter.NewMemoryStateStore(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return cacheadapter.NewRedisStateStore(client), nil
}

func newOAuthProviders(cfg config.Config) []oauthadapter.ProviderClient {
	if !cfg.GoogleEnabled() {
		return nil
	}
	return []oauthadapter.ProviderClient{
		oauthadapter.NewGoogleClient(oauthadapter.GoogleOptions{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		}),
	}
}

func newFirebaseVerifier(cfg config.Config, clk clock.Clock) service.FederationVerifier {
	if cfg.FirebaseProjectID == "" {
		return nil
	}
	return firebase.NewVerifier(firebase.Options{
		ProjectID: cfg.FirebaseProjectID,
		CertsURL:  cfg.FirebaseCertsURL,
		Clock:     clk,
	})
}

func newRateLimiter(lc fx.Lifecycle, cfg config.Config, clk clock.Clock) *apimiddleware.RateLimiter {
	limiter := apimiddleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow, cfg.RateLimitExemptPath, clk)
	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, stop := context.WithCancel(context.Background())
			cancel = stop
			go limiter.Run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			if cancel != nil {
				cancel()
			}
			return nil
		},
	})
	return limiter
}

func newKeyManager(lc fx.Lifecycle, cfg config.Config, repo repository.KeyRepository) (*jwt.KeyManager, error) {
	if cfg.JWTSecret != "" {
		return jwt.NewStaticKeyManager([]byte(cfg.JWTSecret))
	}
	manager := jwt.NewKeyManager(repo)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			_, err := manager.EnsureSigningKey(ctx)
			return err
		},
	})
	return manager, nil
}

func newTokenGenerator(manager *jwt.KeyManager, cfg config.Config, clk clock.Clock) *jwt.Generator {
	return jwt.NewGenerator(manager, jwt.Options{
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
		Issuer:     cfg.TokenIssuer,
		Clock:      clk,
	})
}

func newSessionIssuer(authService *service.AuthService) authservice.SessionIssuer {
	return authService
}

func newAuthMiddleware(authService *service.AuthService) *httpmiddleware.Auth {
	return httpmiddleware.NewAuth(authService)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}
