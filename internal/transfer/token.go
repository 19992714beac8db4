package transfer

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/takemura/backhaul/internal/errors"
)

// ErrTokenNotFound is returned when a resume token is unknown or expired.
var ErrTokenNotFound = apperrors.New(apperrors.TypeValidation, "resume token not found",
	"The token may have expired or was cleaned up after a completed transfer.")

// TokenStore persists resume tokens so an interrupted transfer survives a
// process restart. Implementations must be safe for concurrent use.
type TokenStore interface {
	SaveToken(ctx context.Context, token *ResumeToken) error
	LoadToken(ctx context.Context, id string) (*ResumeToken, error)
	DeleteToken(ctx context.Context, id string) error
	DeleteExpiredTokens(ctx context.Context, before time.Time) (int, error)
}

// MemoryTokenStore keeps tokens in memory. Useful for tests and for
// receivers that accept losing resume state on restart.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]*ResumeToken
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]*ResumeToken)}
}

func (s *MemoryTokenStore) SaveToken(ctx context.Context, token *ResumeToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *token
	cp.Completed = make(map[int]string, len(token.Completed))
	for k, v := range token.Completed {
		cp.Completed[k] = v
	}
	s.tokens[token.ID] = &cp
	return nil
}

func (s *MemoryTokenStore) LoadToken(ctx context.Context, id string) (*ResumeToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[id]
	if !ok {
		return nil, ErrTokenNotFound
	}
	cp := *t
	cp.Completed = make(map[int]string, len(t.Completed))
	for k, v := range t.Completed {
		cp.Completed[k] = v
	}
	return &cp, nil
}

func (s *MemoryTokenStore) DeleteToken(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, id)
	return nil
}

func (s *MemoryTokenStore) DeleteExpiredTokens(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, t := range s.tokens {
		if t.LastActivity.Before(before) {
			delete(s.tokens, id)
			n++
		}
	}
	return n, nil
}
