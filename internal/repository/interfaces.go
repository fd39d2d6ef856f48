package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/bookstore-auth/internal/domain"
	"github.com/smallbiznis/bookstore-auth/internal/domain/oauth"
)

var (
	// ErrNotFound is returned when no row matches. Revoked refresh tokens are reported as not found.
	ErrNotFound = errors.New("repository: not found")
	// ErrDuplicate signals a unique constraint violation.
	ErrDuplicate = errors.New("repository: duplicate")
	// ErrExpired is returned with the row when a refresh token is unrevoked but past expiry.
	ErrExpired = errors.New("repository: expired")
	// ErrUnverifiedLink is returned when an identity with an unverified email
	// would be attached to an account that has a password.
	ErrUnverifiedLink = errors.New("repository: unverified email cannot link password account")
)

// UserRepository is the credential store.
type UserRepository interface {
	GetByEmail(ctx context.Context, email string) (domain.User, error)
	GetByID(ctx context.Context, userID int64) (domain.User, error)
	Create(ctx context.Context, user domain.User) (domain.User, error)
	// UpsertFederated finds the user by email, attaching provider fields when the
	// account has none yet, or creates it. newID is used only on insert. An
	// unverified identity may not enter a password account it is not already
	// bound to; that case returns ErrUnverifiedLink.
	UpsertFederated(ctx context.Context, newID int64, identity domain.FederatedIdentity) (domain.UpsertResult, error)
	UpdatePassword(ctx context.Context, userID int64, hash string) error
	Count(ctx context.Context) (int64, error)
}

// RefreshTokenRepository is the refresh token ledger.
type RefreshTokenRepository interface {
	Store(ctx context.Context, token domain.RefreshToken) error
	// FindActive returns ErrNotFound for missing or revoked tokens and the row
	// together with ErrExpired for expired ones.
	FindActive(ctx context.Context, token string, now time.Time) (domain.RefreshToken, error)
	Revoke(ctx context.Context, token string) error
	RevokeAll(ctx context.Context, userID int64) error
	// ReplaceAll revokes every token of next.UserID and stores next atomically.
	ReplaceAll(ctx context.Context, next domain.RefreshToken) error
	// Rotate revokes presented if still active, revokes the rest of the user's
	// tokens and stores next atomically. ErrNotFound means presented was
	// already consumed.
	Rotate(ctx context.Context, presented string, next domain.RefreshToken) error
	ActiveCount(ctx context.Context, userID int64, now time.Time) (int, error)
}

// KeyRepository stores signing keys.
type KeyRepository interface {
	GetActiveKey(ctx context.Context) (domain.SigningKey, error)
	// CreateKey stores key unless an active key already exists and returns the
	// key that is active afterwards, which may be one written by another caller.
	CreateKey(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error)
}

// OAuthStateStore persists short-lived authorization state structures.
type OAuthStateStore interface {
	SaveState(ctx context.Context, key string, data oauth.OAuthState, ttl time.Duration) error
	// ConsumeState loads and removes the key in one step, so a state can be used
	// once. Unknown or expired keys return nil without error.
	ConsumeState(ctx context.Context, key string) (*oauth.OAuthState, error)
}
