package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"itbft/pkg/consensus/messages"
	"itbft/pkg/consensus/mocks"
	"itbft/pkg/consensus/network"
	"itbft/pkg/consensus/types"
)

type testNetwork struct {
	nodes      map[types.NodeID]*Node
	transports map[types.NodeID]*mocks.MockTransport
	stores     map[types.NodeID]*mocks.MockStore
}

func testNodeConfig(t *testing.T, self types.NodeID, n, f uint32, viewTimeout time.Duration) *NodeConfig {
	t.Helper()
	cc, err := types.NewConsensusConfig(self, n, f)
	require.NoError(t, err)
	cc.ViewTimeout = viewTimeout

	cfg := DefaultNodeConfig(cc)
	cfg.PacketTimeout = 500 * time.Millisecond
	cfg.RetryBackoff = 10 * time.Millisecond
	cfg.AbortCheckInterval = 10 * time.Millisecond
	return cfg
}

// newTestNetwork creates nodes for the given members over a mock mesh. Members of
// the configuration that are not listed are never created.
func newTestNetwork(t *testing.T, n, f uint32, members []types.NodeID, viewTimeout time.Duration) *testNetwork {
	t.Helper()
	tn := &testNetwork{
		nodes:      make(map[types.NodeID]*Node),
		transports: make(map[types.NodeID]*mocks.MockTransport),
		stores:     make(map[types.NodeID]*mocks.MockStore),
	}
	for _, id := range members {
		tn.transports[id] = mocks.NewMockTransport(id, mocks.DefaultNetworkConfig(), mocks.DefaultNetworkFailureConfig())
		tn.stores[id] = mocks.NewMockStore(mocks.DefaultStorageFailureConfig())
	}
	mocks.ConnectMesh(tn.transports)

	for _, id := range members {
		node, err := NewNode(testNodeConfig(t, id, n, f, viewTimeout), tn.transports[id], tn.stores[id], nil)
		require.NoError(t, err)
		tn.nodes[id] = node
	}
	t.Cleanup(func() {
		for _, node := range tn.nodes {
			_ = node.Stop()
		}
	})
	return tn
}

func (tn *testNetwork) startAll(t *testing.T) {
	t.Helper()
	for _, node := range tn.nodes {
		require.NoError(t, node.Start())
	}
}

func (tn *testNetwork) proposeAll(t *testing.T, input types.Value) {
	t.Helper()
	for _, node := range tn.nodes {
		require.NoError(t, node.Propose(context.Background(), input))
	}
}

func (tn *testNetwork) waitAll(t *testing.T, timeout time.Duration) map[types.NodeID]types.Value {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	decisions := make(map[types.NodeID]types.Value)
	for id, node := range tn.nodes {
		val, err := node.WaitDecision(ctx)
		require.NoError(t, err, "node %d did not decide", id)
		decisions[id] = val
	}
	return decisions
}

func TestNodesReachAgreement(t *testing.T) {
	tn := newTestNetwork(t, 4, 1, []types.NodeID{1, 2, 3, 4}, 5*time.Second)
	tn.startAll(t)
	tn.proposeAll(t, "A")

	decisions := tn.waitAll(t, 5*time.Second)
	for id, val := range decisions {
		assert.Equal(t, types.Value("A"), val, "node %d", id)
	}
	for id, node := range tn.nodes {
		assert.Equal(t, types.ViewNumber(0), node.Engine().CurrentView(), "node %d", id)
		assert.Eventually(t, func() bool {
			return len(node.Engine().Channels()) == 3
		}, 2*time.Second, 5*time.Millisecond, "node %d binds every peer", id)
	}
}

func TestLateProposerCatchesUp(t *testing.T) {
	tn := newTestNetwork(t, 4, 1, []types.NodeID{1, 2, 3, 4}, 5*time.Second)
	tn.startAll(t)

	for _, id := range []types.NodeID{2, 3, 4} {
		require.NoError(t, tn.nodes[id].Propose(context.Background(), "B"))
	}
	require.Eventually(t, func() bool {
		return tn.nodes[1].processor.Buffered() > 0
	}, 2*time.Second, 5*time.Millisecond, "the primary holds packets until it starts")

	require.NoError(t, tn.nodes[1].Propose(context.Background(), "B"))
	decisions := tn.waitAll(t, 5*time.Second)
	for _, val := range decisions {
		assert.Equal(t, types.Value("B"), val)
	}
	assert.Zero(t, tn.nodes[1].processor.Buffered())
}

func TestMissingPrimaryIsReplaced(t *testing.T) {
	tn := newTestNetwork(t, 4, 1, []types.NodeID{2, 3, 4}, 300*time.Millisecond)
	tn.startAll(t)
	tn.proposeAll(t, "A")

	decisions := tn.waitAll(t, 10*time.Second)
	for id, val := range decisions {
		assert.Equal(t, types.Value("A"), val, "node %d", id)
		assert.GreaterOrEqual(t, int64(tn.nodes[id].Engine().CurrentView()), int64(1))
	}
}

func TestPartitionedNodeDoesNotBlockQuorum(t *testing.T) {
	tn := newTestNetwork(t, 4, 1, []types.NodeID{1, 2, 3, 4}, 5*time.Second)
	tn.transports[4].SetPartitioned(true)
	tn.startAll(t)
	tn.proposeAll(t, "A")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range []types.NodeID{1, 2, 3} {
		val, err := tn.nodes[id].WaitDecision(ctx)
		require.NoError(t, err, "node %d did not decide", id)
		assert.Equal(t, types.Value("A"), val)
	}
	assert.Zero(t, tn.transports[4].GetStats().PacketsSent)
}

func TestRestartedNodeKeepsDecision(t *testing.T) {
	tn := newTestNetwork(t, 4, 1, []types.NodeID{1, 2, 3, 4}, 5*time.Second)
	tn.startAll(t)
	tn.proposeAll(t, "A")
	tn.waitAll(t, 5*time.Second)
	require.NoError(t, tn.nodes[3].Stop())

	transport := mocks.NewMockTransport(3, mocks.DefaultNetworkConfig(), mocks.DefaultNetworkFailureConfig())
	restarted, err := NewNode(testNodeConfig(t, 3, 4, 1, 5*time.Second), transport, tn.stores[3], nil)
	require.NoError(t, err)
	require.NoError(t, restarted.Start())
	defer restarted.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	val, err := restarted.WaitDecision(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.Value("A"), val)
	assert.True(t, restarted.Engine().Started())
}

func TestNodeLifecycleErrors(t *testing.T) {
	tn := newTestNetwork(t, 4, 1, []types.NodeID{1}, time.Second)
	node := tn.nodes[1]

	assert.Error(t, node.Propose(context.Background(), "A"), "propose before start")
	require.NoError(t, node.Start())
	assert.Error(t, node.Start(), "double start")
	require.NoError(t, node.Stop())
	require.NoError(t, node.Stop(), "stop is idempotent")
	assert.Error(t, node.Start(), "a stopped node cannot restart")
}

func TestValidateNodeConfig(t *testing.T) {
	base := func() *NodeConfig { return testNodeConfig(t, 1, 4, 1, time.Second) }

	tests := []struct {
		name   string
		mutate func(*NodeConfig)
	}{
		{"nil consensus", func(c *NodeConfig) { c.Consensus = nil }},
		{"zero packet timeout", func(c *NodeConfig) { c.PacketTimeout = 0 }},
		{"zero abort interval", func(c *NodeConfig) { c.AbortCheckInterval = 0 }},
		{"negative retries", func(c *NodeConfig) { c.SendRetries = -1 }},
		{"zero dedupe size", func(c *NodeConfig) { c.DedupeSize = 0 }},
		{"nil tracer", func(c *NodeConfig) { c.EventTracer = nil }},
		{"channel for non-member", func(c *NodeConfig) { c.Channels[9] = "peer-9" }},
	}

	assert.NoError(t, validateNodeConfig(base()))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, validateNodeConfig(cfg))
		})
	}

	_, err := NewNode(base(), nil, nil, nil)
	assert.Error(t, err, "transport is required")
}

// replyRecorder captures the acknowledgements of hand-built inbound packets.
type replyRecorder struct {
	acks []messages.Acknowledgement
}

func (r *replyRecorder) packet(channel types.ChannelID, packet *messages.Packet) network.InboundPacket {
	return network.InboundPacket{
		Channel:    channel,
		Packet:     packet,
		ReceivedAt: time.Now(),
		Reply:      func(ack messages.Acknowledgement) { r.acks = append(r.acks, ack) },
	}
}

func (r *replyRecorder) last() messages.Acknowledgement {
	return r.acks[len(r.acks)-1]
}

func TestProcessorBuffersAndDeduplicates(t *testing.T) {
	transport := mocks.NewMockTransport(2, mocks.DefaultNetworkConfig(), mocks.DefaultNetworkFailureConfig())
	node, err := NewNode(testNodeConfig(t, 2, 4, 1, time.Second), transport, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	rec := &replyRecorder{}
	channel := mocks.ChannelFor(1)
	hello := messages.NewPacket(messages.NewMsgQueue(messages.NewWhoAmIMsg(1), messages.NewRequestMsg(0, 1)))

	node.processor.HandlePacket(ctx, rec.packet(channel, hello))
	require.Len(t, rec.acks, 1)
	assert.True(t, rec.last().OK)
	assert.Equal(t, 1, node.processor.Buffered())

	node.processor.HandlePacket(ctx, rec.packet(channel, hello))
	require.Len(t, rec.acks, 2)
	assert.True(t, rec.last().OK)
	assert.Equal(t, 1, node.processor.Buffered(), "a retransmission is not held twice")

	require.NoError(t, node.processor.StartView(ctx, "A"))
	assert.Zero(t, node.processor.Buffered())
	assert.Equal(t, map[types.ChannelID]types.NodeID{channel: 1}, node.Engine().Channels())
	assert.Equal(t, types.ViewNumber(0), node.Engine().HighestRequests()[1])

	node.processor.HandlePacket(ctx, rec.packet(channel, &messages.Packet{ID: "empty"}))
	assert.False(t, rec.last().OK)
}

func TestProcessorRetriesAfterStoreFailure(t *testing.T) {
	transport := mocks.NewMockTransport(2, mocks.DefaultNetworkConfig(), mocks.DefaultNetworkFailureConfig())
	store := mocks.NewMockStore(mocks.DefaultStorageFailureConfig())
	node, err := NewNode(testNodeConfig(t, 2, 4, 1, time.Second), transport, store, nil)
	require.NoError(t, err)

	ctx := context.Background()
	rec := &replyRecorder{}
	channel := mocks.ChannelFor(3)
	require.NoError(t, node.processor.StartView(ctx, "A"))
	node.processor.HandlePacket(ctx, rec.packet(channel, messages.NewPacket(messages.NewMsgQueue(messages.NewWhoAmIMsg(3)))))
	require.True(t, rec.last().OK)

	request := messages.NewPacket(messages.NewMsgQueue(messages.NewRequestMsg(0, 3)))
	store.FailNextSaves(1)
	node.processor.HandlePacket(ctx, rec.packet(channel, request))
	assert.False(t, rec.last().OK)
	assert.Equal(t, types.NoView, node.Engine().HighestRequests()[3], "the failed packet was rolled back")

	node.processor.HandlePacket(ctx, rec.packet(channel, request))
	assert.True(t, rec.last().OK, "the retransmission is applied again")
	assert.Equal(t, types.ViewNumber(0), node.Engine().HighestRequests()[3])
}

func TestProcessorRejectsUnboundChannel(t *testing.T) {
	transport := mocks.NewMockTransport(2, mocks.DefaultNetworkConfig(), mocks.DefaultNetworkFailureConfig())
	node, err := NewNode(testNodeConfig(t, 2, 4, 1, time.Second), transport, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	rec := &replyRecorder{}
	require.NoError(t, node.processor.StartView(ctx, "A"))

	node.processor.HandlePacket(ctx, rec.packet("stranger", messages.NewPacket(messages.NewMsgQueue(messages.NewDoneMsg("A")))))
	require.Len(t, rec.acks, 1)
	assert.False(t, rec.last().OK)
	assert.Contains(t, rec.last().Errors[0], "message 0")
}
