package messages

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"itbft/pkg/consensus/types"
)

var testTime = time.Unix(1700000000, 0)

func TestMessageTypeKinds(t *testing.T) {
	assert.Equal(t, types.KindEcho, MsgTypeEcho.Kind())
	assert.Equal(t, types.KindSelfAbort, MsgTypeSelfAbort.Kind())
	assert.True(t, MsgTypeMsgQueue.IsValid())
	assert.False(t, MessageType(0).IsValid())
	assert.Equal(t, "Unknown", MessageType(200).String())
}

func TestViewOf(t *testing.T) {
	view, ok := ViewOf(NewRequestMsg(4, 1))
	assert.True(t, ok)
	assert.Equal(t, types.ViewNumber(4), view)

	lock, err := NewPhaseVote(MsgTypeLock, "A", 7)
	require.NoError(t, err)
	view, ok = ViewOf(lock)
	assert.True(t, ok)
	assert.Equal(t, types.ViewNumber(7), view)

	_, ok = ViewOf(NewDoneMsg("A"))
	assert.False(t, ok, "Done carries no view")
	_, ok = ViewOf(NewWhoAmIMsg(1))
	assert.False(t, ok)
}

func TestNewPhaseVoteRejectsOtherTypes(t *testing.T) {
	_, err := NewPhaseVote(MsgTypeRequest, "A", 0)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := types.NewConsensusConfig(1, 4, 1)
	require.NoError(t, err)

	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{"valid request", NewRequestMsg(0, 2), false},
		{"request from outside the membership", NewRequestMsg(0, 5), true},
		{"negative view", NewAbortMsg(-1, 2), true},
		{"propose with negative key", NewProposeMsg(1, -1, "A", 0), true},
		{"suggest with invalid prev key", &SuggestMsg{ChainID: 2, PrevKey2: -2}, true},
		{"proof with fresh registers", &ProofMsg{PrevKey1: types.NoView}, false},
		{"whoami outside the membership", NewWhoAmIMsg(0), true},
		{"nested queue", NewMsgQueue(NewMsgQueue()), true},
		{"nil entry", &MsgQueue{Messages: []Message{nil}}, true},
		{"flat queue", NewMsgQueue(NewDoneMsg("A")), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate(cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSuggestAndProofCarryRegisters(t *testing.T) {
	cfg, err := types.NewConsensusConfig(3, 4, 1)
	require.NoError(t, err)
	state := types.NewNodeState(cfg, "A", testTime)
	state.EnterView(2, 3, testTime)
	state.Key2, state.Key2Val, state.PrevKey2 = 1, "B", 0
	state.Key1, state.Key1Val, state.PrevKey1 = 1, "B", 0

	suggest := NewSuggestMsg(state)
	assert.Equal(t, types.NodeID(3), suggest.ChainID)
	assert.Equal(t, types.ProofEntry{Key: 1, Value: "B", PrevKey: 0}, suggest.Key2Proof())
	assert.True(t, suggest.Key2Proof().IsWellFormed(2))

	proof := NewProofMsg(state)
	assert.Equal(t, types.ViewNumber(2), proof.View)
	assert.Equal(t, types.ProofEntry{Key: 1, Value: "B", PrevKey: 0}, proof.Entry())
}

func TestDescribe(t *testing.T) {
	assert.Contains(t, Describe(NewRequestMsg(1, 2)), "Request")
	assert.Contains(t, Describe(NewDoneMsg("A")), "Done")
}
