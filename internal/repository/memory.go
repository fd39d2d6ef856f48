package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/smallbiznis/bookstore-auth/internal/domain"
)

var (
	_ UserRepository         = (*MemoryUserRepo)(nil)
	_ RefreshTokenRepository = (*MemoryRefreshTokenRepo)(nil)
	_ KeyRepository          = (*MemoryKeyRepo)(nil)
)

// MemoryUserRepo is a process-local UserRepository for tests and local runs.
type MemoryUserRepo struct {
	mu      sync.Mutex
	byID    map[int64]domain.User
	byEmail map[string]int64
	now     func() time.Time
}

func NewMemoryUserRepo() *MemoryUserRepo {
	return &MemoryUserRepo{
		byID:    make(map[int64]domain.User),
		byEmail: make(map[string]int64),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryUserRepo) GetByEmail(_ context.Context, email string) (domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byEmail[email]
	if !ok {
		return domain.User{}, fmt.Errorf("get user: %w", ErrNotFound)
	}
	return r.byID[id], nil
}

func (r *MemoryUserRepo) GetByID(_ context.Context, userID int64) (domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.byID[userID]
	if !ok {
		return domain.User{}, fmt.Errorf("get user by id: %w", ErrNotFound)
	}
	return user, nil
}

func (r *MemoryUserRepo) Create(_ context.Context, user domain.User) (domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byEmail[user.Email]; exists {
		return domain.User{}, fmt.Errorf("create user: %w", ErrDuplicate)
	}
	if _, exists := r.byID[user.ID]; exists {
		return domain.User{}, fmt.Errorf("create user: %w", ErrDuplicate)
	}
	now := r.now()
	user.CreatedAt, user.UpdatedAt = now, now
	r.byID[user.ID] = user
	r.byEmail[user.Email] = user.ID
	return user, nil
}

func (r *MemoryUserRepo) UpsertFederated(_ context.Context, newID int64, identity domain.FederatedIdentity) (domain.UpsertResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if id, ok := r.byEmail[identity.Email]; ok {
		user := r.byID[id]
		if !identity.EmailVerified && user.HasPassword() && !boundTo(user, identity) {
			return domain.UpsertResult{}, fmt.Errorf("upsert federated user: %w", ErrUnverifiedLink)
		}
		if user.Provider == "" {
			user.Provider = identity.Provider
			user.ProviderID = identity.Subject
		}
		if user.Name == "" {
			user.Name = identity.Name
		}
		user.UpdatedAt = now
		r.byID[id] = user
		return domain.UpsertResult{User: user}, nil
	}

	user := domain.User{
		ID:         newID,
		Email:      identity.Email,
		Name:       identity.Name,
		Role:       domain.RoleUser,
		Provider:   identity.Provider,
		ProviderID: identity.Subject,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r.byID[user.ID] = user
	r.byEmail[user.Email] = user.ID
	return domain.UpsertResult{User: user, Created: true}, nil
}

func boundTo(user domain.User, identity domain.FederatedIdentity) bool {
	return user.Provider == identity.Provider && user.ProviderID == identity.Subject
}

func (r *MemoryUserRepo) UpdatePassword(_ context.Context, userID int64, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.byID[userID]
	if !ok {
		return fmt.Errorf("update password: %w", ErrNotFound)
	}
	user.PasswordHash = hash
	user.UpdatedAt = r.now()
	r.byID[userID] = user
	return nil
}

func (r *MemoryUserRepo) Count(context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.byID)), nil
}

// MemoryRefreshTokenRepo is a process-local ledger. A single lock covers the
// whole ledger, which also serializes multi-row writes per user.
type MemoryRefreshTokenRepo struct {
	mu     sync.Mutex
	tokens map[string]domain.RefreshToken
}

func NewMemoryRefreshTokenRepo() *MemoryRefreshTokenRepo {
	return &MemoryRefreshTokenRepo{tokens: make(map[string]domain.RefreshToken)}
}

func (r *MemoryRefreshTokenRepo) Store(_ context.Context, token domain.RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.storeLocked(token)
}

func (r *MemoryRefreshTokenRepo) FindActive(_ context.Context, token string, now time.Time) (domain.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.tokens[token]
	if !ok || rt.Revoked {
		return domain.RefreshToken{}, fmt.Errorf("find refresh token: %w", ErrNotFound)
	}
	if rt.Expired(now) {
		return rt, fmt.Errorf("find refresh token: %w", ErrExpired)
	}
	return rt, nil
}

func (r *MemoryRefreshTokenRepo) Revoke(_ context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rt, ok := r.tokens[token]; ok {
		rt.Revoked = true
		r.tokens[token] = rt
	}
	return nil
}

func (r *MemoryRefreshTokenRepo) RevokeAll(_ context.Context, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revokeAllLocked(userID)
	return nil
}

func (r *MemoryRefreshTokenRepo) ReplaceAll(_ context.Context, next domain.RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tokens[next.Token]; exists {
		return fmt.Errorf("store refresh token: %w", ErrDuplicate)
	}
	r.revokeAllLocked(next.UserID)
	return r.storeLocked(next)
}

func (r *MemoryRefreshTokenRepo) Rotate(_ context.Context, presented string, next domain.RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.tokens[presented]
	if !ok || rt.Revoked || rt.UserID != next.UserID || rt.Expired(next.CreatedAt) {
		return fmt.Errorf("consume refresh token: %w", ErrNotFound)
	}
	if _, exists := r.tokens[next.Token]; exists {
		return fmt.Errorf("store refresh token: %w", ErrDuplicate)
	}
	r.revokeAllLocked(next.UserID)
	return r.storeLocked(next)
}

func (r *MemoryRefreshTokenRepo) ActiveCount(_ context.Context, userID int64, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rt := range r.tokens {
		if rt.UserID == userID && !rt.Revoked && !rt.Expired(now) {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRefreshTokenRepo) storeLocked(token domain.RefreshToken) error {
	if _, exists := r.tokens[token.Token]; exists {
		return fmt.Errorf("store refresh token: %w", ErrDuplicate)
	}
	token.Revoked = false
	r.tokens[token.Token] = token
	return nil
}

func (r *MemoryRefreshTokenRepo) revokeAllLocked(userID int64) {
	for key, rt := range r.tokens {
		if rt.UserID == userID && !rt.Revoked {
			rt.Revoked = true
			r.tokens[key] = rt
		}
	}
}

// MemoryKeyRepo holds a single active signing key.
type MemoryKeyRepo struct {
	mu  sync.Mutex
	key *domain.SigningKey
}

func NewMemoryKeyRepo() *MemoryKeyRepo {
	return &MemoryKeyRepo{}
}

func (r *MemoryKeyRepo) GetActiveKey(context.Context) (domain.SigningKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.key == nil {
		return domain.SigningKey{}, fmt.Errorf("get active key: %w", ErrNotFound)
	}
	return *r.key, nil
}

func (r *MemoryKeyRepo) CreateKey(_ context.Context, key domain.SigningKey) (domain.SigningKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.key != nil {
		return *r.key, nil
	}
	key.ID = 1
	key.CreatedAt = time.Now().UTC()
	r.key = &key
	return key, nil
}
