package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	cstorage "itbft/pkg/consensus/storage"
)

const (
	TempFileSuffix   = ".tmp"
	BackupFileSuffix = ".bak"
	FilePermissions  = 0600
	DirPermissions   = 0755
)

// FileStore writes the encoded snapshot to a single file, replacing it with a
// temp file and rename. The previous snapshot is kept next to it as a backup
// and is used when the primary file fails to decode.
type FileStore struct {
	mu       sync.RWMutex
	filePath string
	closed   bool
}

// NewFileStore creates a store backed by filePath. The file is created on the
// first Save.
func NewFileStore(filePath string) (*FileStore, error) {
	if filePath == "" {
		return nil, fmt.Errorf("file store: path required")
	}
	return &FileStore{filePath: filePath}, nil
}

// Load decodes the stored snapshot, falling back to the backup copy when the
// primary file is corrupt.
func (fs *FileStore) Load(ctx context.Context) (*cstorage.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, cstorage.NewStorageErrorWithCause(cstorage.ErrorTypeRetrieval, "load cancelled", err)
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.closed {
		return nil, cstorage.ErrClosed
	}

	snap, err := fs.readSnapshot(fs.filePath)
	if err == nil || !errors.Is(err, cstorage.ErrCorruption) {
		return snap, err
	}
	backup, berr := fs.readSnapshot(fs.filePath + BackupFileSuffix)
	if berr != nil {
		return nil, err
	}
	return backup, nil
}

// Save replaces the stored snapshot.
func (fs *FileStore) Save(ctx context.Context, snapshot *cstorage.Snapshot) error {
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

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return cstorage.ErrClosed
	}

	if err := fs.createBackup(); err != nil {
		return cstorage.NewStorageErrorWithCause(cstorage.ErrorTypePersistence, "backup snapshot", err)
	}
	if err := fs.writeFileAtomic(data); err != nil {
		return cstorage.NewStorageErrorWithCause(cstorage.ErrorTypePersistence, "write snapshot", err)
	}
	return nil
}

// Close marks the store closed.
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.closed = true
	return nil
}

// Path returns the snapshot file path.
func (fs *FileStore) Path() string {
	return fs.filePath
}

func (fs *FileStore) readSnapshot(path string) (*cstorage.Snapshot, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, cstorage.NewStorageError(cstorage.ErrorTypeNotFound, "no snapshot saved")
	}
	if err != nil {
		return nil, cstorage.NewStorageErrorWithCause(cstorage.ErrorTypeRetrieval, "read snapshot", err)
	}
	return cstorage.DecodeSnapshot(data)
}

// writeFileAtomic writes data to a temp file in the same directory, syncs it
// and renames it over the snapshot file.
func (fs *FileStore) writeFileAtomic(data []byte) error {
	dir := filepath.Dir(fs.filePath)
	if err := os.MkdirAll(dir, DirPermissions); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempFile := fs.filePath + TempFileSuffix
	file, err := os.OpenFile(tempFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, FilePermissions)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if file != nil {
			file.Close()
			os.Remove(tempFile)
		}
	}()

	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	file = nil

	if err := os.Rename(tempFile, fs.filePath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// createBackup hard-links the current snapshot to the backup path. Rename
// replaces the primary afterwards, so the backup keeps the old contents.
func (fs *FileStore) createBackup() error {
	if _, err := os.Stat(fs.filePath); os.IsNotExist(err) {
		return nil
	}
	backupPath := fs.filePath + BackupFileSuffix
	if err := os.Remove(backupPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.Link(fs.filePath, backupPath)
}
