package cache

import (
	"context"
	"sync"
	"time"

	"github.com/smallbiznis/bookstore-auth/internal/domain/oauth"
	"github.com/smallbiznis/bookstore-auth/internal/repository"
)

// MemoryStateStore keeps OAuth state in process memory. Used when no Redis
// address is configured.
type MemoryStateStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	state     oauth.OAuthState
	expiresAt time.Time
}

var _ repository.OAuthStateStore = (*MemoryStateStore)(nil)

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (s *MemoryStateStore) SaveState(_ context.Context, key string, data oauth.OAuthState, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{state: data, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStateStore) ConsumeState(_ context.Context, key string) (*oauth.OAuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.lookupLocked(key)
	delete(s.entries, key)
	return state, nil
}

func (s *MemoryStateStore) lookupLocked(key string) *oauth.OAuthState {
	entry, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !s.now().Before(entry.expiresAt) {
		delete(s.entries, key)
		return nil
	}
	state := entry.state
	return &state
}
