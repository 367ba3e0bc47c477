package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"itbft/pkg/consensus/types"
)

func TestQuorumLedgerRecordVoteIsIdempotent(t *testing.T) {
	ql := NewQuorumLedger()

	assert.Equal(t, 1, ql.RecordVote(types.KindEcho, "A", 2))
	assert.Equal(t, 1, ql.RecordVote(types.KindEcho, "A", 2), "same voter twice must not count twice")
	assert.Equal(t, 2, ql.RecordVote(types.KindEcho, "A", 3))
	assert.Equal(t, 1, ql.RecordVote(types.KindEcho, "B", 3), "values are tallied separately")

	assert.Equal(t, 2, ql.VoteCount(types.KindEcho, "A"))
	assert.Equal(t, 0, ql.VoteCount(types.KindKey1, "A"))
	assert.Equal(t, []types.NodeID{2, 3}, ql.Voters(types.KindEcho, "A"))
}

func TestQuorumLedgerTally(t *testing.T) {
	ql := NewQuorumLedger()
	ql.RecordVote(types.KindLock, "A", 4)
	ql.RecordVote(types.KindLock, "A", 1)
	ql.RecordVote(types.KindLock, "B", 2)

	tally := ql.Tally(types.KindLock)
	require.Len(t, tally, 2)
	assert.Equal(t, []types.NodeID{1, 4}, tally["A"])
	assert.Equal(t, []types.NodeID{2}, tally["B"])
	assert.Empty(t, ql.Tally(types.KindDone))
}

func TestQuorumLedgerSentAndReceived(t *testing.T) {
	ql := NewQuorumLedger()

	assert.False(t, ql.HasSent(types.KindPropose))
	ql.MarkSent(types.KindPropose)
	assert.True(t, ql.HasSent(types.KindPropose))

	assert.True(t, ql.MarkReceived(types.KindSuggest, 3))
	assert.False(t, ql.MarkReceived(types.KindSuggest, 3), "second receipt from the same sender is rejected")
	assert.True(t, ql.MarkReceived(types.KindProof, 3), "kinds are guarded independently")
	assert.Equal(t, []types.NodeID{3}, ql.Received(types.KindSuggest))

	ql.Reset()
	assert.False(t, ql.HasSent(types.KindPropose))
	assert.Empty(t, ql.Received(types.KindSuggest))
	assert.True(t, ql.MarkReceived(types.KindSuggest, 3))
}

func TestQuorumLedgerExportImport(t *testing.T) {
	ql := NewQuorumLedger()
	ql.RecordVote(types.KindEcho, "A", 1)
	ql.RecordVote(types.KindEcho, "A", 2)
	ql.MarkReceived(types.KindProof, 4)
	ql.MarkSent(types.KindEcho)
	ql.MarkSent(types.KindDone)

	record := ql.Export()
	assert.Equal(t, []types.MessageKind{types.KindDone, types.KindEcho}, record.Sent)

	restored := NewQuorumLedger()
	restored.MarkSent(types.KindLock)
	restored.Import(record)

	assert.Equal(t, 2, restored.VoteCount(types.KindEcho, "A"))
	assert.Equal(t, []types.NodeID{4}, restored.Received(types.KindProof))
	assert.True(t, restored.HasSent(types.KindEcho))
	assert.True(t, restored.HasSent(types.KindDone))
	assert.False(t, restored.HasSent(types.KindLock), "import replaces existing contents")

	// The export is a copy.
	ql.RecordVote(types.KindEcho, "A", 3)
	assert.Equal(t, 2, restored.VoteCount(types.KindEcho, "A"))
}
