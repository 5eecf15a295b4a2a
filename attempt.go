package oauth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const DefaultAttemptTTL = 10 * time.Minute

var ErrAttemptNotFound = errors.New("authorization attempt not found")

// AttemptStore holds authorization attempts between the redirect to the
// authorization server and the callback. TakeAttempt must return a given
// attempt at most once, and ErrAttemptNotFound for unknown or expired state.
type AttemptStore interface {
	PutAttempt(ctx context.Context, attempt *AuthorizationAttempt) error
	TakeAttempt(ctx context.Context, state string) (*AuthorizationAttempt, error)
}

type MemoryAttemptStore struct {
	mu       sync.Mutex
	attempts *expirable.LRU[string, *AuthorizationAttempt]
}

func NewMemoryAttemptStore(ttl time.Duration) *MemoryAttemptStore {
	if ttl <= 0 {
		ttl = DefaultAttemptTTL
	}

	return &MemoryAttemptStore{
		attempts: expirable.NewLRU[string, *AuthorizationAttempt](10_000, nil, ttl),
	}
}

func (s *MemoryAttemptStore) PutAttempt(ctx context.Context, attempt *AuthorizationAttempt) error {
	if attempt == nil || attempt.State == "" {
		return errors.New("attempt has no state")
	}

	s.attempts.Add(attempt.State, attempt)
	return nil
}

func (s *MemoryAttemptStore) TakeAttempt(ctx context.Context, state string) (*AuthorizationAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempt, ok := s.attempts.Get(state)
	if !ok {
		return nil, ErrAttemptNotFound
	}

	s.attempts.Remove(state)
	return attempt, nil
}
