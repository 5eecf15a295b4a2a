package tokens

import (
	"context"
	"slices"
	"sync"

	"github.com/streamplace/atproto-oauth-core/internal/helpers"
)

// MemoryStore is a Store for tests and single-process deployments.
type MemoryStore struct {
	mu      sync.Mutex
	records map[int64]Record
	locks   helpers.KeyedMutex[int64]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: map[int64]Record{},
	}
}

func (s *MemoryStore) load(userID int64) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if !ok {
		return nil, false
	}
	return &rec, true
}

func (s *MemoryStore) save(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.UserID] = rec
}

func (s *MemoryStore) Get(ctx context.Context, userID int64) (*Record, error) {
	rec, ok := s.load(userID)
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, rec *Record) error {
	defer s.locks.Lock(rec.UserID)()

	next := *rec
	if prev, ok := s.load(rec.UserID); ok {
		next.CreatedAt = prev.CreatedAt
	}
	s.save(next)
	return nil
}

func (s *MemoryStore) ClearTokens(ctx context.Context, userID int64) error {
	defer s.locks.Lock(userID)()

	rec, ok := s.load(userID)
	if !ok {
		return ErrRecordNotFound
	}

	rec.AccessToken = ""
	rec.RefreshToken = ""
	rec.ExpiresAt = 0
	s.save(*rec)
	return nil
}

func (s *MemoryStore) FindUserByDID(ctx context.Context, did string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, rec := range s.records {
		if rec.DID == did {
			return id, nil
		}
	}
	return 0, ErrRecordNotFound
}

func (s *MemoryStore) UserIDs(ctx context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *MemoryStore) Lease(ctx context.Context, userID int64, fn LeaseFunc) error {
	defer s.locks.Lock(userID)()

	rec, ok := s.load(userID)
	if !ok {
		return ErrRecordNotFound
	}

	updated, err := fn(ctx, rec)
	if err != nil {
		return err
	}

	if updated != nil {
		updated.UserID = userID
		s.save(*updated)
	}
	return nil
}
