package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"itbft/pkg/consensus/messages"
	"itbft/pkg/consensus/types"
)

type recordedDelivery struct {
	sender types.NodeID
	msg    messages.Message
}

func newTestRouter(deliver DeliverFunc) *MessageRouter {
	return NewMessageRouter(1, []types.NodeID{2, 3, 4}, deliver)
}

func TestMessageRouterSendAllDeliversToSelfAndPeers(t *testing.T) {
	var delivered []recordedDelivery
	r := newTestRouter(func(sender types.NodeID, msg messages.Message) error {
		delivered = append(delivered, recordedDelivery{sender, msg})
		return nil
	})

	done := messages.NewDoneMsg("A")
	require.NoError(t, r.SendAll(done))

	require.Len(t, delivered, 1)
	assert.Equal(t, types.NodeID(1), delivered[0].sender)
	assert.Same(t, done, delivered[0].msg)

	batch := r.Flush()
	require.Len(t, batch, 3)
	for _, p := range []types.NodeID{2, 3, 4} {
		require.Equal(t, 1, batch[p].Len())
		assert.Same(t, done, batch[p].Messages[0])
	}
	assert.Empty(t, r.Flush(), "flush clears the batches")
}

func TestMessageRouterSendTo(t *testing.T) {
	selfDelivered := 0
	r := newTestRouter(func(types.NodeID, messages.Message) error {
		selfDelivered++
		return nil
	})

	require.NoError(t, r.SendTo(3, messages.NewRequestMsg(0, 1)))
	require.NoError(t, r.SendTo(1, messages.NewRequestMsg(0, 1)))

	assert.Equal(t, 1, selfDelivered)
	batch := r.Flush()
	require.Len(t, batch, 1)
	assert.Equal(t, 1, batch[3].Len())
}

func TestMessageRouterBatchesPreserveOrder(t *testing.T) {
	r := newTestRouter(func(types.NodeID, messages.Message) error { return nil })

	first := messages.NewRequestMsg(0, 1)
	second := messages.NewDoneMsg("A")
	r.Enqueue(2, first)
	r.Enqueue(2, second)

	batch := r.Flush()
	require.Equal(t, 2, batch[2].Len())
	assert.Same(t, first, batch[2].Messages[0])
	assert.Same(t, second, batch[2].Messages[1])
}

func TestMessageRouterConditionalBroadcastHoldsForAbsentPeers(t *testing.T) {
	r := newTestRouter(func(types.NodeID, messages.Message) error { return nil })
	joined := map[types.NodeID]bool{2: true}

	echo, err := messages.NewPhaseVote(messages.MsgTypeEcho, "A", 0)
	require.NoError(t, err)
	require.NoError(t, r.ConditionalBroadcast(echo, func(p types.NodeID) bool { return joined[p] }))

	batch := r.Flush()
	require.Len(t, batch, 1)
	assert.Equal(t, 1, batch[2].Len())

	pending := r.Pending()
	assert.Len(t, pending[3], 1)
	assert.Len(t, pending[4], 1)

	assert.Equal(t, 1, r.ReleasePending(3))
	assert.Equal(t, 0, r.ReleasePending(3), "released messages are not released twice")
	batch = r.Flush()
	require.Len(t, batch, 1)
	assert.Same(t, echo, batch[3].Messages[0])

	r.ResetPending()
	assert.Empty(t, r.Pending())
}

func TestMessageRouterPendingExportImport(t *testing.T) {
	r := newTestRouter(func(types.NodeID, messages.Message) error { return nil })
	require.NoError(t, r.ConditionalBroadcast(messages.NewDoneMsg("A"), func(types.NodeID) bool { return false }))

	exported := r.ExportPending()
	require.Len(t, exported, 3)

	other := newTestRouter(func(types.NodeID, messages.Message) error { return nil })
	other.ImportPending(exported)
	assert.Len(t, other.Pending(), 3)
	assert.Equal(t, 1, other.ReleasePending(4))
}

func TestMessageRouterDiscardOutbound(t *testing.T) {
	r := newTestRouter(func(types.NodeID, messages.Message) error { return nil })
	r.Enqueue(2, messages.NewDoneMsg("A"))
	r.DiscardOutbound()
	assert.Empty(t, r.Flush())
}

func TestMessageRouterBoundsSelfDeliveryDepth(t *testing.T) {
	var r *MessageRouter
	calls := 0
	r = newTestRouter(func(types.NodeID, messages.Message) error {
		calls++
		return r.SelfDeliver(messages.NewDoneMsg("A"))
	})

	err := r.SelfDeliver(messages.NewDoneMsg("A"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "self-delivery depth")
	assert.Equal(t, maxDeliveryDepth, calls)
	assert.Equal(t, maxDeliveryDepth, r.MaxDepth())
}
