// Package storage provides durable state stores for the agreement engine.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	cstorage "itbft/pkg/consensus/storage"
)

var (
	stateBucket = []byte("itbft-state")
	snapshotKey = []byte("snapshot")
)

// BoltStore keeps the latest snapshot in a bbolt database. Every Save runs in
// its own write transaction, so a crash leaves either the old or the new
// snapshot on disk.
type BoltStore struct {
	mu     sync.RWMutex
	db     *bolt.DB
	closed bool
}

// OpenBoltStore opens or creates the database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		return nil, fmt.Errorf("bolt store: path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), DirPermissions); err != nil {
		return nil, fmt.Errorf("bolt store: mkdir: %w", err)
	}
	db, err := bolt.Open(path, FilePermissions, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt store: open: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("bolt store: init bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Load decodes the stored snapshot.
func (s *BoltStore) Load(ctx context.Context) (*cstorage.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, cstorage.NewStorageErrorWithCause(cstorage.ErrorTypeRetrieval, "load cancelled", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, cstorage.ErrClosed
	}

	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(stateBucket)
		if b == nil {
			return nil
		}
		if v := b.Get(snapshotKey); v != nil {
			// v is only valid for the lifetime of the transaction.
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, cstorage.NewStorageErrorWithCause(cstorage.ErrorTypeRetrieval, "read snapshot", err)
	}
	if data == nil {
		return nil, cstorage.NewStorageError(cstorage.ErrorTypeNotFound, "no snapshot saved")
	}
	return cstorage.DecodeSnapshot(data)
}

// Save replaces the stored snapshot.
func (s *BoltStore) Save(ctx context.Context, snapshot *cstorage.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return cstorage.NewStorageErrorWithCause(cstorage.ErrorTypePersistence, "save cancelled", err)
	}
	if snapshot == nil || snapshot.State == nil {
		return cstorage.NewStorageError(cstorage.ErrorTypeInvalidData, "snapshot cannot be empty")
	}
	data, err := snapshot.Encode()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return cstorage.ErrClosed
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(stateBucket)
		if err != nil {
			return err
		}
		return b.Put(snapshotKey, data)
	})
	if err != nil {
		return cstorage.NewStorageErrorWithCause(cstorage.ErrorTypePersistence, "write snapshot", err)
	}
	return nil
}

// Close closes the database. Further calls fail with ErrClosed.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Path returns the database file path.
func (s *BoltStore) Path() string {
	return s.db.Path()
}
