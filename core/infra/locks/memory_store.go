package locks

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for single-node deployments and tests.
type MemoryStore struct {
	mu    sync.Mutex
	locks map[string]Lock
	now   func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locks: make(map[string]Lock), now: time.Now}
}

func (s *MemoryStore) liveLocked(resource string) (Lock, bool) {
	lock, ok := s.locks[resource]
	if !ok {
		return Lock{}, false
	}
	if !s.now().Before(lock.ExpiresAt) {
		delete(s.locks, resource)
		return Lock{}, false
	}
	return lock, true
}

func (s *MemoryStore) Acquire(_ context.Context, resource, owner string, ttl time.Duration) (*Lock, bool, error) {
	resource, owner, err := normalizeArgs(resource, owner)
	if err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.liveLocked(resource); held {
		return nil, false, nil
	}
	now := s.now().UTC()
	lock := Lock{Resource: resource, Owner: owner, AcquiredAt: now, ExpiresAt: now.Add(normalizeTTL(ttl))}
	s.locks[resource] = lock
	return &lock, true, nil
}

func (s *MemoryStore) Release(_ context.Context, resource, owner string) error {
	resource, owner, err := normalizeArgs(resource, owner)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, held := s.liveLocked(resource)
	if !held || lock.Owner != owner {
		return ErrNotHeld
	}
	delete(s.locks, resource)
	return nil
}

func (s *MemoryStore) Renew(_ context.Context, resource, owner string, ttl time.Duration) error {
	resource, owner, err := normalizeArgs(resource, owner)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, held := s.liveLocked(resource)
	if !held || lock.Owner != owner {
		return ErrNotHeld
	}
	lock.ExpiresAt = s.now().UTC().Add(normalizeTTL(ttl))
	s.locks[resource] = lock
	return nil
}

func (s *MemoryStore) Get(_ context.Context, resource string) (*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, held := s.liveLocked(resource)
	if !held {
		return nil, nil
	}
	return &lock, nil
}
