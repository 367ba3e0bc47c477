package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"itbft/pkg/consensus/messages"
	"itbft/pkg/consensus/types"
)

func testSnapshot(t *testing.T) *Snapshot {
	t.Helper()
	cfg, err := types.NewConsensusConfig(1, 4, 1)
	require.NoError(t, err)
	state := types.NewNodeState(cfg, "A", time.Unix(1700000000, 0))
	state.Suggestions = []types.Suggestion{{Key: 0, Value: "A"}}

	return &Snapshot{
		State:          state,
		Started:        true,
		HighestRequest: map[types.NodeID]types.ViewNumber{1: 0, 2: 0, 3: types.NoView, 4: types.NoView},
		HighestAbort:   map[types.NodeID]types.ViewNumber{1: types.NoView, 2: types.NoView, 3: types.NoView, 4: types.NoView},
		Ledger: LedgerRecord{
			Votes:    map[types.MessageKind]map[types.Value][]types.NodeID{types.KindEcho: {"A": {1, 2}}},
			Received: map[types.MessageKind][]types.NodeID{types.KindSuggest: {1}},
			Sent:     []types.MessageKind{types.KindEcho, types.KindSuggest},
		},
		SendAllUpon: map[types.NodeID]*messages.MsgQueue{
			3: messages.NewMsgQueue(messages.NewProofMsg(state)),
		},
		Channels: map[types.ChannelID]types.NodeID{"peer-2": 2},
	}
}

func TestSnapshotEncodeDecode(t *testing.T) {
	snap := testSnapshot(t)

	data, err := snap.Encode()
	require.NoError(t, err)
	decoded, err := DecodeSnapshot(data)
	require.NoError(t, err)

	assert.Equal(t, snap.State.View, decoded.State.View)
	assert.Equal(t, snap.State.Suggestions, decoded.State.Suggestions)
	assert.True(t, snap.State.StartTime.Equal(decoded.State.StartTime))
	assert.True(t, decoded.Started)
	assert.Equal(t, snap.HighestRequest, decoded.HighestRequest)
	assert.Equal(t, snap.Ledger, decoded.Ledger)
	assert.Equal(t, snap.Channels, decoded.Channels)
	require.Contains(t, decoded.SendAllUpon, types.NodeID(3))
	assert.Equal(t, snap.SendAllUpon[3], decoded.SendAllUpon[3])
}

func TestDecodeSnapshotRejectsGarbage(t *testing.T) {
	_, err := DecodeSnapshot([]byte{0xff, 0x00})
	require.Error(t, err)
	assert.True(t, IsStorageError(err, ErrorTypeCorruption))

	empty, err := (&Snapshot{}).Encode()
	require.NoError(t, err)
	_, err = DecodeSnapshot(empty)
	assert.True(t, errors.Is(err, ErrCorruption), "a snapshot without state is corrupt")
}

func TestSnapshotClone(t *testing.T) {
	snap := testSnapshot(t)
	clone, err := snap.Clone()
	require.NoError(t, err)

	clone.Channels["peer-9"] = 3
	clone.State.View = 5
	assert.NotContains(t, snap.Channels, types.ChannelID("peer-9"))
	assert.Equal(t, types.ViewNumber(0), snap.State.View)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Load(ctx)
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, store.Save(ctx, testSnapshot(t)))
	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.NodeID(1), loaded.State.Self)

	// Loaded snapshots do not alias the stored bytes.
	loaded.State.View = 9
	again, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ViewNumber(0), again.State.View)

	assert.True(t, IsStorageError(store.Save(ctx, nil), ErrorTypeInvalidData))

	require.NoError(t, store.Close())
	assert.True(t, errors.Is(store.Save(ctx, testSnapshot(t)), ErrClosed))
	_, err = store.Load(ctx)
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestMemoryStoreHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := NewMemoryStore()
	err := store.Save(ctx, testSnapshot(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
