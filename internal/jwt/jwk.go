package jwt

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/smallbiznis/bookstore-auth/internal/domain"
	"github.com/smallbiznis/bookstore-auth/internal/repository"
)

const (
	staticKID       = "static"
	minStaticSecret = 32
	secretSize      = 64
)

// ErrWeakSecret is returned when a configured static secret is too short for HS256.
var ErrWeakSecret = errors.New("jwt: static secret must be at least 32 bytes")

// KeyManager resolves the active signing key. A configured static secret takes
// precedence over keys in the repository. The resolved key is cached for the
// life of the process.
type KeyManager struct {
	repo   repository.KeyRepository
	static []byte

	mu     sync.Mutex
	active *domain.SigningKey
}

// NewKeyManager creates a KeyManager backed by repo.
func NewKeyManager(repo repository.KeyRepository) *KeyManager {
	return &KeyManager{repo: repo}
}

// NewStaticKeyManager creates a KeyManager that always signs with secret.
func NewStaticKeyManager(secret []byte) (*KeyManager, error) {
	if len(secret) < minStaticSecret {
		return nil, ErrWeakSecret
	}
	return &KeyManager{static: secret}, nil
}

// EnsureSigningKey returns the active key or creates a new one if missing.
func (m *KeyManager) EnsureSigningKey(ctx context.Context) (domain.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return *m.active, nil
	}
	if m.static != nil {
		m.active = &domain.SigningKey{KID: staticKID, Secret: m.static, Algorithm: string(jose.HS256), IsActive: true}
		return *m.active, nil
	}

	key, err := m.repo.GetActiveKey(ctx)
	if err == nil {
		m.active = &key
		return key, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return domain.SigningKey{}, fmt.Errorf("ensure signing key: %w", err)
	}

	secret := make([]byte, secretSize)
	if _, randErr := rand.Read(secret); randErr != nil {
		return domain.SigningKey{}, fmt.Errorf("generate secret: %w", randErr)
	}

	created, err := m.repo.CreateKey(ctx, domain.SigningKey{
		KID:       uuid.NewString(),
		Secret:    secret,
		Algorithm: string(jose.HS256),
		IsActive:  true,
	})
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("persist signing key: %w", err)
	}

	m.active = &created
	return created, nil
}
