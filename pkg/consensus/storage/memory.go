package storage

import (
	"context"
	"sync"
)

// MemoryStore keeps the encoded snapshot in memory. It is the default store for
// nodes that do not need to survive a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	data   []byte
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load decodes the last saved snapshot.
func (s *MemoryStore) Load(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewStorageErrorWithCause(ErrorTypeRetrieval, "load cancelled", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.data == nil {
		return nil, NewStorageError(ErrorTypeNotFound, "no snapshot saved")
	}
	return DecodeSnapshot(s.data)
}

// Save replaces the stored snapshot.
func (s *MemoryStore) Save(ctx context.Context, snapshot *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return NewStorageErrorWithCause(ErrorTypePersistence, "save cancelled", err)
	}
	if snapshot == nil || snapshot.State == nil {
		return NewStorageError(ErrorTypeInvalidData, "snapshot cannot be empty")
	}

	data, err := snapshot.Encode()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.data = data
	return nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
