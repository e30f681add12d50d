package memory

import (
	"context"
	"sync"

	"github.com/dataspace-connector/connector/internal/domain/dataplane"
)

// TokenStore implements dataplane.TokenStore.
type TokenStore struct {
	mu     sync.RWMutex
	tokens map[string]dataplane.Claims
}

func NewTokenStore() *TokenStore {
	return &TokenStore{tokens: map[string]dataplane.Claims{}}
}

func (s *TokenStore) Save(_ context.Context, tokenHash string, claims dataplane.Claims) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tokenHash] = claims
	return nil
}

func (s *TokenStore) Find(_ context.Context, tokenHash string) (*dataplane.Claims, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.tokens[tokenHash]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *TokenStore) RevokeProcess(_ context.Context, processID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, c := range s.tokens {
		if c.ProcessID == processID {
			delete(s.tokens, hash)
		}
	}
	return nil
}

var _ dataplane.TokenStore = (*TokenStore)(nil)
