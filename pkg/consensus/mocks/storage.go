package mocks

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"itbft/pkg/consensus/storage"
)

// StorageFailureConfig contains failure injection parameters for store operations.
type StorageFailureConfig struct {
	// WriteFailureRate is the probability of Save failing
	WriteFailureRate float64
	// ReadFailureRate is the probability of Load failing
	ReadFailureRate float64
	// FailNextSaves makes the next N Save calls fail deterministically
	FailNextSaves int
}

// DefaultStorageFailureConfig returns a failure configuration with no failures.
func DefaultStorageFailureConfig() StorageFailureConfig {
	return StorageFailureConfig{}
}

// MockStore implements storage.StateStore in memory with failure injection.
type MockStore struct {
	mu       sync.Mutex
	data     []byte
	failures StorageFailureConfig
	rand     *rand.Rand
	closed   bool

	saveCount   uint64
	loadCount   uint64
	failedSaves uint64
}

// NewMockStore creates a new MockStore.
func NewMockStore(failures StorageFailureConfig) *MockStore {
	return &MockStore{
		failures: failures,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Load returns the last saved snapshot.
func (ms *MockStore) Load(ctx context.Context) (*storage.Snapshot, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.loadCount++
	if ms.closed {
		return nil, storage.ErrClosed
	}
	if ms.rand.Float64() < ms.failures.ReadFailureRate {
		return nil, storage.NewStorageError(storage.ErrorTypeRetrieval, "simulated read failure")
	}
	if ms.data == nil {
		return nil, storage.NewStorageError(storage.ErrorTypeNotFound, "no snapshot saved")
	}
	return storage.DecodeSnapshot(ms.data)
}

// Save stores the snapshot unless a failure is injected.
func (ms *MockStore) Save(ctx context.Context, snapshot *storage.Snapshot) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.saveCount++
	if ms.closed {
		return storage.ErrClosed
	}
	if ms.failures.FailNextSaves > 0 {
		ms.failures.FailNextSaves--
		ms.failedSaves++
		return storage.NewStorageError(storage.ErrorTypePersistence, "simulated write failure")
	}
	if ms.rand.Float64() < ms.failures.WriteFailureRate {
		ms.failedSaves++
		return storage.NewStorageError(storage.ErrorTypePersistence, "simulated write failure")
	}

	data, err := snapshot.Encode()
	if err != nil {
		return err
	}
	ms.data = data
	return nil
}

// Close marks the store closed.
func (ms *MockStore) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.closed = true
	return nil
}

// FailNextSaves makes the next n Save calls fail.
func (ms *MockStore) FailNextSaves(n int) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.failures.FailNextSaves = n
}

// StorageStats contains operation counters.
type StorageStats struct {
	Saves       uint64
	Loads       uint64
	FailedSaves uint64
}

// GetStats returns the operation counters.
func (ms *MockStore) GetStats() StorageStats {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return StorageStats{Saves: ms.saveCount, Loads: ms.loadCount, FailedSaves: ms.failedSaves}
}
