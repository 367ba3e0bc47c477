package storage

import (
	"fmt"

	"itbft/internal/types"
	cstorage "itbft/pkg/consensus/storage"
)

// Open builds the state store selected by the storage config.
func Open(config *types.StorageConfig) (cstorage.StateStore, error) {
	if config == nil {
		return nil, fmt.Errorf("storage config cannot be nil")
	}
	switch config.Backend {
	case types.StorageMemory:
		return cstorage.NewMemoryStore(), nil
	case types.StorageBolt:
		return OpenBoltStore(config.Path)
	case types.StorageFile:
		return NewFileStore(config.Path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", config.Backend)
	}
}
