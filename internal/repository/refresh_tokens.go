package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallbiznis/bookstore-auth/internal/domain"
)

// PostgresRefreshTokenRepo implements RefreshTokenRepository. Writes that touch
// more than one row take the owning user's row lock first so concurrent
// logins and refreshes for one user are serialized.
type PostgresRefreshTokenRepo struct {
	db *pgxpool.Pool
}

func NewPostgresRefreshTokenRepo(pool *pgxpool.Pool) *PostgresRefreshTokenRepo {
	return &PostgresRefreshTokenRepo{db: pool}
}

const insertRefreshTokenSQL = `INSERT INTO refresh_tokens (id, token, user_id, expires_at, revoked, created_at)
VALUES ($1, $2, $3, $4, false, $5)`

const selectRefreshTokenSQL = `SELECT id, token, user_id, expires_at, revoked, created_at
FROM refresh_tokens WHERE token = $1 AND NOT revoked`

const revokeRefreshTokenSQL = `UPDATE refresh_tokens SET revoked = true WHERE token = $1 AND NOT revoked`

const consumeRefreshTokenSQL = `UPDATE refresh_tokens SET revoked = true
WHERE token = $1 AND user_id = $2 AND NOT revoked AND expires_at > $3`

const revokeAllRefreshTokensSQL = `UPDATE refresh_tokens SET revoked = true WHERE user_id = $1 AND NOT revoked`

const lockUserSQL = `SELECT id FROM users WHERE id = $1 FOR UPDATE`

const countActiveRefreshTokensSQL = `SELECT COUNT(*) FROM refresh_tokens
WHERE user_id = $1 AND NOT revoked AND expires_at > $2`

func (r *PostgresRefreshTokenRepo) Store(ctx context.Context, token domain.RefreshToken) error {
	if _, err := r.db.Exec(ctx, insertRefreshTokenSQL, token.ID, token.Token, token.UserID, token.ExpiresAt, token.CreatedAt); err != nil {
		return mapError("store refresh token", err)
	}
	return nil
}

func (r *PostgresRefreshTokenRepo) FindActive(ctx context.Context, token string, now time.Time) (domain.RefreshToken, error) {
	var rt domain.RefreshToken
	if err := r.db.QueryRow(ctx, selectRefreshTokenSQL, token).Scan(
		&rt.ID,
		&rt.Token,
		&rt.UserID,
		&rt.ExpiresAt,
		&rt.Revoked,
		&rt.CreatedAt,
	); err != nil {
		return domain.RefreshToken{}, mapError("find refresh token", err)
	}
	if rt.Expired(now) {
		return rt, fmt.Errorf("find refresh token: %w", ErrExpired)
	}
	return rt, nil
}

func (r *PostgresRefreshTokenRepo) Revoke(ctx context.Context, token string) error {
	if _, err := r.db.Exec(ctx, revokeRefreshTokenSQL, token); err != nil {
		return mapError("revoke refresh token", err)
	}
	return nil
}

func (r *PostgresRefreshTokenRepo) RevokeAll(ctx context.Context, userID int64) error {
	if _, err := r.db.Exec(ctx, revokeAllRefreshTokensSQL, userID); err != nil {
		return mapError("revoke user refresh tokens", err)
	}
	return nil
}

func (r *PostgresRefreshTokenRepo) ReplaceAll(ctx context.Context, next domain.RefreshToken) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if err := lockUser(ctx, tx, next.UserID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, revokeAllRefreshTokensSQL, next.UserID); err != nil {
			return mapError("revoke user refresh tokens", err)
		}
		if _, err := tx.Exec(ctx, insertRefreshTokenSQL, next.ID, next.Token, next.UserID, next.ExpiresAt, next.CreatedAt); err != nil {
			return mapError("store refresh token", err)
		}
		return nil
	})
}

func (r *PostgresRefreshTokenRepo) Rotate(ctx context.Context, presented string, next domain.RefreshToken) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if err := lockUser(ctx, tx, next.UserID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, consumeRefreshTokenSQL, presented, next.UserID, next.CreatedAt)
		if err != nil {
			return mapError("consume refresh token", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("consume refresh token: %w", ErrNotFound)
		}
		if _, err := tx.Exec(ctx, revokeAllRefreshTokensSQL, next.UserID); err != nil {
			return mapError("revoke user refresh tokens", err)
		}
		if _, err := tx.Exec(ctx, insertRefreshTokenSQL, next.ID, next.Token, next.UserID, next.ExpiresAt, next.CreatedAt); err != nil {
			return mapError("store refresh token", err)
		}
		return nil
	})
}

func (r *PostgresRefreshTokenRepo) ActiveCount(ctx context.Context, userID int64, now time.Time) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, countActiveRefreshTokensSQL, userID, now).Scan(&n); err != nil {
		return 0, mapError("count refresh tokens", err)
	}
	return n, nil
}

func lockUser(ctx context.Context, tx pgx.Tx, userID int64) error {
	var id int64
	if err := tx.QueryRow(ctx, lockUserSQL, userID).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("lock user: %w", ErrNotFound)
		}
		return fmt.Errorf("lock user: %w", err)
	}
	return nil
}
