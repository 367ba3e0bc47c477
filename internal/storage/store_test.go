package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"itbft/internal/types"
	cstorage "itbft/pkg/consensus/storage"
	ctypes "itbft/pkg/consensus/types"
)

func testSnapshot(t *testing.T, view ctypes.ViewNumber) *cstorage.Snapshot {
	t.Helper()
	cfg, err := ctypes.NewConsensusConfig(2, 4, 1)
	require.NoError(t, err)
	state := ctypes.NewNodeState(cfg, "A", time.Unix(1700000000, 0))
	state.EnterView(view, cfg.GetPrimaryForView(view), time.Unix(1700000100, 0))

	return &cstorage.Snapshot{
		State:          state,
		Started:        true,
		HighestRequest: map[ctypes.NodeID]ctypes.ViewNumber{1: view, 2: view, 3: ctypes.NoView, 4: ctypes.NoView},
		HighestAbort:   map[ctypes.NodeID]ctypes.ViewNumber{1: ctypes.NoView, 2: ctypes.NoView, 3: ctypes.NoView, 4: ctypes.NoView},
		Channels:       map[ctypes.ChannelID]ctypes.NodeID{"peer-1": 1},
	}
}

func exerciseStore(t *testing.T, store cstorage.StateStore) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Load(ctx)
	assert.True(t, errors.Is(err, cstorage.ErrNotFound))

	require.NoError(t, store.Save(ctx, testSnapshot(t, 1)))
	require.NoError(t, store.Save(ctx, testSnapshot(t, 3)))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, ctypes.ViewNumber(3), loaded.State.View)
	assert.Equal(t, ctypes.NodeID(2), loaded.State.Self)
	assert.Equal(t, ctypes.NodeID(1), loaded.Channels["peer-1"])

	assert.True(t, cstorage.IsStorageError(store.Save(ctx, nil), cstorage.ErrorTypeInvalidData))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.True(t, errors.Is(store.Save(cancelled, testSnapshot(t, 4)), context.Canceled))

	require.NoError(t, store.Close())
	_, err = store.Load(ctx)
	assert.True(t, errors.Is(err, cstorage.ErrClosed))
	assert.True(t, errors.Is(store.Save(ctx, testSnapshot(t, 5)), cstorage.ErrClosed))
}

func TestBoltStore(t *testing.T) {
	store, err := OpenBoltStore(filepath.Join(t.TempDir(), "state", "itbft.db"))
	require.NoError(t, err)
	exerciseStore(t, store)
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "itbft.db")
	ctx := context.Background()

	store, err := OpenBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, testSnapshot(t, 2)))
	require.NoError(t, store.Close())
	require.NoError(t, store.Close(), "close is idempotent")

	reopened, err := OpenBoltStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, ctypes.ViewNumber(2), loaded.State.View)
	assert.Equal(t, path, reopened.Path())
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "nested", "state.cbor"))
	require.NoError(t, err)
	exerciseStore(t, store)
}

func TestFileStoreFallsBackToBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.cbor")
	ctx := context.Background()

	store, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, testSnapshot(t, 1)))
	require.NoError(t, store.Save(ctx, testSnapshot(t, 2)))

	_, err = os.Stat(path + TempFileSuffix)
	assert.True(t, os.IsNotExist(err), "temp file is renamed away")

	require.NoError(t, os.WriteFile(path, []byte{0xff, 0x00}, FilePermissions))
	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, ctypes.ViewNumber(1), loaded.State.View)

	require.NoError(t, os.WriteFile(path+BackupFileSuffix, []byte{0xff}, FilePermissions))
	_, err = store.Load(ctx)
	assert.True(t, errors.Is(err, cstorage.ErrCorruption))
}

func TestOpenSelectsBackend(t *testing.T) {
	dir := t.TempDir()

	mem, err := Open(&types.StorageConfig{Backend: types.StorageMemory})
	require.NoError(t, err)
	assert.IsType(t, &cstorage.MemoryStore{}, mem)

	bolt, err := Open(&types.StorageConfig{Backend: types.StorageBolt, Path: filepath.Join(dir, "a.db")})
	require.NoError(t, err)
	assert.IsType(t, &BoltStore{}, bolt)
	require.NoError(t, bolt.Close())

	file, err := Open(&types.StorageConfig{Backend: types.StorageFile, Path: filepath.Join(dir, "b.cbor")})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, file)

	_, err = Open(&types.StorageConfig{Backend: "tape"})
	assert.Error(t, err)
	_, err = Open(nil)
	assert.Error(t, err)
	_, err = OpenBoltStore("")
	assert.Error(t, err)
	_, err = NewFileStore("")
	assert.Error(t, err)
}
