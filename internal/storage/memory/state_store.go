package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/portfolio-rebalancer/internal/storage"
)

// StateStore is an in-memory implementation of storage.StateStore.
type StateStore struct {
	mu     sync.RWMutex
	values map[string]string
}

var _ storage.StateStore = (*StateStore)(nil)

// NewStateStore creates a new in-memory state store.
func NewStateStore() *StateStore {
	return &StateStore{values: make(map[string]string)}
}

// GetState returns the value under key.
func (s *StateStore) GetState(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

// SetState stores value under key.
func (s *StateStore) SetState(_ context.Context, key, value string) error {
	if key == "" {
		return storage.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

// Locker is an in-memory implementation of storage.Locker.
type Locker struct {
	mu    sync.Mutex
	now   func() time.Time
	locks map[string]heldLock
}

type heldLock struct {
	token   string
	expires time.Time
}

var _ storage.Locker = (*Locker)(nil)

// NewLocker creates a new in-memory locker.
func NewLocker() *Locker {
	return &Locker{now: time.Now, locks: make(map[string]heldLock)}
}

// TryLock acquires key unless a live lock holds it.
func (l *Locker) TryLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if held, ok := l.locks[key]; ok && now.Before(held.expires) {
		return "", false, nil
	}
	token := uuid.New().String()
	l.locks[key] = heldLock{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

// Unlock releases key if token owns it.
func (l *Locker) Unlock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := l.locks[key]; ok && held.token == token {
		delete(l.locks, key)
	}
	return nil
}
