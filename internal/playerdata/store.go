package playerdata

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrProfileNotFound is returned by a Store with no profile for a player.
var ErrProfileNotFound = errors.New("player profile not found")

// Store persists player profiles.
type Store interface {
	// Load returns the stored profile for player, or ErrProfileNotFound.
	Load(ctx context.Context, player string) (*Node, error)
	// Save replaces the stored profile for player.
	Save(ctx context.Context, player string, profile *Node) (time.Time, error)
}

// MemoryStore is a Store that keeps profiles in process memory.
// All methods are safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*Node
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]*Node)}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, player string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.profiles[player]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return n.Clone(), nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, player string, profile *Node) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[player] = profile.Clone()
	return time.Now(), nil
}
