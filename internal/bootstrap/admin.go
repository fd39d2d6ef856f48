package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/bookstore-auth/internal/config"
	"github.com/smallbiznis/bookstore-auth/internal/domain"
	"github.com/smallbiznis/bookstore-auth/internal/password"
	"github.com/smallbiznis/bookstore-auth/internal/repository"
)

// EnsureAdmin creates the configured admin account on start if it is missing.
func EnsureAdmin(lc fx.Lifecycle, cfg config.Config, users repository.UserRepository, node *snowflake.Node, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return ensureAdmin(ctx, cfg, users, node, logger)
		},
	})
}

func ensureAdmin(ctx context.Context, cfg config.Config, users repository.UserRepository, node *snowflake.Node, logger *zap.Logger) error {
	email := strings.ToLower(strings.TrimSpace(cfg.AdminEmail))
	if email == "" || strings.TrimSpace(cfg.AdminPassword) == "" {
		return nil
	}

	if existing, err := users.GetByEmail(ctx, email); err == nil {
		if existing.Role != domain.RoleAdmin && logger != nil {
			logger.Warn("bootstrap admin email belongs to a non-admin account", zap.Int64("user_id", existing.ID))
		}
		return nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("bootstrap lookup user: %w", err)
	}

	hashed, err := password.Hash(cfg.AdminPassword)
	if err != nil {
		return fmt.Errorf("bootstrap hash password: %w", err)
	}

	created, err := users.Create(ctx, domain.User{
		ID:           node.Generate().Int64(),
		Email:        email,
		PasswordHash: hashed,
		Name:         "Admin",
		Role:         domain.RoleAdmin,
	})
	if err != nil {
		// Another instance won the race.
		if errors.Is(err, repository.ErrDuplicate) {
			return nil
		}
		return fmt.Errorf("bootstrap create user: %w", err)
	}

	if logger != nil {
		logger.Info("bootstrap admin user created",
			zap.String("email", created.Email),
			zap.Int64("user_id", created.ID),
		)
	}
	return nil
}
