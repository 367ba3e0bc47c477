package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"itbft/pkg/consensus/types"
)

func TestAcceptKey(t *testing.T) {
	tests := []struct {
		name   string
		key    types.ViewNumber
		value  types.Value
		proofs []types.ProofEntry
		want   bool
	}{
		{
			name:  "f entries are not enough",
			key:   2,
			value: "A",
			proofs: []types.ProofEntry{
				{Key: 2, Value: "A", PrevKey: 0},
			},
			want: false,
		},
		{
			name:  "f+1 entries on the same value",
			key:   2,
			value: "A",
			proofs: []types.ProofEntry{
				{Key: 2, Value: "A", PrevKey: 0},
				{Key: 3, Value: "A", PrevKey: 1},
			},
			want: true,
		},
		{
			name:  "entries on another value do not count",
			key:   2,
			value: "A",
			proofs: []types.ProofEntry{
				{Key: 2, Value: "B", PrevKey: 0},
				{Key: 3, Value: "A", PrevKey: 1},
			},
			want: false,
		},
		{
			name:  "a previous key above the suggestion counts for any value",
			key:   2,
			value: "A",
			proofs: []types.ProofEntry{
				{Key: 4, Value: "B", PrevKey: 3},
				{Key: 2, Value: "A", PrevKey: 1},
			},
			want: true,
		},
		{
			name:  "an older key does not count",
			key:   2,
			value: "A",
			proofs: []types.ProofEntry{
				{Key: 1, Value: "A", PrevKey: 0},
				{Key: 1, Value: "A", PrevKey: 0},
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AcceptKey(tt.key, tt.value, tt.proofs, 2))
		})
	}
}

func TestOpenLock(t *testing.T) {
	tests := []struct {
		name    string
		lock    types.ViewNumber
		lockVal types.Value
		proofs  []types.ProofEntry
		want    bool
	}{
		{
			name:    "f entries are not enough",
			lock:    1,
			lockVal: "A",
			proofs: []types.ProofEntry{
				{Key: 2, Value: "B", PrevKey: 0},
			},
			want: false,
		},
		{
			name:    "f+1 later keys on another value",
			lock:    1,
			lockVal: "A",
			proofs: []types.ProofEntry{
				{Key: 2, Value: "B", PrevKey: 0},
				{Key: 1, Value: "B", PrevKey: 0},
			},
			want: true,
		},
		{
			name:    "later keys on the locked value do not open",
			lock:    1,
			lockVal: "A",
			proofs: []types.ProofEntry{
				{Key: 2, Value: "A", PrevKey: 0},
				{Key: 2, Value: "A", PrevKey: 0},
			},
			want: false,
		},
		{
			name:    "a previous key at or above the lock opens",
			lock:    1,
			lockVal: "A",
			proofs: []types.ProofEntry{
				{Key: 3, Value: "A", PrevKey: 1},
				{Key: 4, Value: "A", PrevKey: 2},
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, OpenLock(tt.lock, tt.lockVal, tt.proofs, 2))
		})
	}
}

func newTestState(t *testing.T) *types.NodeState {
	t.Helper()
	cfg, err := types.NewConsensusConfig(1, 4, 1)
	require.NoError(t, err)
	return types.NewNodeState(cfg, "A", time.Unix(0, 0))
}

func TestSafetyRulesAcceptSuggestion(t *testing.T) {
	sr := NewSafetyRules(2)
	state := newTestState(t)
	state.EnterView(3, 4, time.Unix(0, 0))

	assert.True(t, sr.AcceptSuggestion(state, 0, "anything"), "a zero key3 is always kept")
	assert.False(t, sr.AcceptSuggestion(state, 2, "B"), "no key2 proofs yet")

	state.Key2Proofs = []types.ProofEntry{
		{Key: 2, Value: "B", PrevKey: 0},
		{Key: 2, Value: "B", PrevKey: 1},
	}
	assert.True(t, sr.AcceptSuggestion(state, 2, "B"))
	assert.False(t, sr.AcceptSuggestion(state, 3, "B"), "key3 must be below the current view")
}

func TestSafetyRulesCanEcho(t *testing.T) {
	sr := NewSafetyRules(2)
	state := newTestState(t)

	assert.True(t, sr.CanEcho(state, 0, "B"), "an unlocked node echoes anything")

	state.EnterView(3, 4, time.Unix(0, 0))
	state.Lock = 1
	state.LockVal = "A"

	assert.True(t, sr.CanEcho(state, 0, "A"), "the locked value is always echoed")
	assert.False(t, sr.CanEcho(state, 2, "B"), "a lock is kept without proofs")

	state.Proofs = []types.ProofEntry{
		{Key: 2, Value: "B", PrevKey: 0},
		{Key: 2, Value: "B", PrevKey: 0},
	}
	assert.True(t, sr.CanEcho(state, 2, "B"))
	assert.False(t, sr.CanEcho(state, 0, "B"), "the proposal key must not be below the lock")
	assert.False(t, sr.CanEcho(state, 3, "B"), "the proposal key must be below the view")
}

func TestNewSafetyRulesClampsThreshold(t *testing.T) {
	assert.Equal(t, 1, NewSafetyRules(0).Threshold())
	assert.Equal(t, 3, NewSafetyRules(3).Threshold())
}
