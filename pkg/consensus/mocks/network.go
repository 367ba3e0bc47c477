package mocks

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"itbft/pkg/consensus/events"
	"itbft/pkg/consensus/messages"
	"itbft/pkg/consensus/network"
	"itbft/pkg/consensus/types"
)

// NetworkConfig contains configuration parameters for MockTransport behavior.
type NetworkConfig struct {
	// BaseDelay is the base delay for packet delivery
	BaseDelay time.Duration
	// DelayVariation is the random variation added to base delay
	DelayVariation time.Duration
	// PacketLossRate is the probability (0.0-1.0) of packets being dropped
	PacketLossRate float64
	// DuplicationRate is the probability (0.0-1.0) of packets being delivered twice
	DuplicationRate float64
	// MessageQueueSize is the buffer size for the inbound queue
	MessageQueueSize int
}

// DefaultNetworkConfig returns a configuration suitable for most tests.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		BaseDelay:        time.Millisecond,
		DelayVariation:   time.Millisecond,
		PacketLossRate:   0.0,
		DuplicationRate:  0.0,
		MessageQueueSize: 256,
	}
}

// NetworkFailureConfig contains failure injection parameters.
type NetworkFailureConfig struct {
	// PartitionedNodes contains node IDs that are isolated from the network
	PartitionedNodes map[types.NodeID]bool
	// FailingSendRate is the probability of Send failing before delivery
	FailingSendRate float64
}

// DefaultNetworkFailureConfig returns a failure configuration with no failures.
func DefaultNetworkFailureConfig() NetworkFailureConfig {
	return NetworkFailureConfig{
		PartitionedNodes: make(map[types.NodeID]bool),
	}
}

// NetworkStats contains delivery counters.
type NetworkStats struct {
	PacketsSent       uint64
	PacketsDelivered  uint64
	PacketsDropped    uint64
	PacketsDuplicated uint64
	NegativeAcks      uint64
}

// MockTransport implements network.Transport over in-process channels.
// Every packet is encoded and decoded with the wire codec on the way.
type MockTransport struct {
	nodeID   types.NodeID
	config   NetworkConfig
	failures NetworkFailureConfig

	mu      sync.RWMutex
	peers   map[types.NodeID]*MockTransport
	inbound chan network.InboundPacket
	done    chan struct{}
	closed  bool
	rand    *rand.Rand
	randMu  sync.Mutex
	stats   NetworkStats
	tracer  events.EventTracer
}

// ChannelFor returns the channel id a mock transport uses for node id.
func ChannelFor(id types.NodeID) types.ChannelID {
	return types.ChannelID(fmt.Sprintf("mock-%d", id))
}

// NewMockTransport creates a new MockTransport instance.
func NewMockTransport(nodeID types.NodeID, config NetworkConfig, failures NetworkFailureConfig) *MockTransport {
	if config.MessageQueueSize <= 0 {
		config.MessageQueueSize = DefaultNetworkConfig().MessageQueueSize
	}
	if failures.PartitionedNodes == nil {
		failures.PartitionedNodes = make(map[types.NodeID]bool)
	}
	return &MockTransport{
		nodeID:   nodeID,
		config:   config,
		failures: failures,
		peers:    make(map[types.NodeID]*MockTransport),
		inbound:  make(chan network.InboundPacket, config.MessageQueueSize),
		done:     make(chan struct{}),
		rand:     rand.New(rand.NewSource(time.Now().UnixNano() + int64(nodeID))),
		tracer:   &events.NoOpEventTracer{},
	}
}

// SetEventTracer sets the event tracer for the transport.
func (mt *MockTransport) SetEventTracer(tracer events.EventTracer) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.tracer = tracer
}

// SetPeers sets the transports reachable from this one.
func (mt *MockTransport) SetPeers(peers map[types.NodeID]*MockTransport) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.peers = make(map[types.NodeID]*MockTransport, len(peers))
	for id, peer := range peers {
		if id != mt.nodeID {
			mt.peers[id] = peer
		}
	}
}

// ConnectMesh wires every transport to every other.
func ConnectMesh(transports map[types.NodeID]*MockTransport) {
	for _, t := range transports {
		t.SetPeers(transports)
	}
}

func (mt *MockTransport) chance(p float64) bool {
	if p <= 0 {
		return false
	}
	mt.randMu.Lock()
	defer mt.randMu.Unlock()
	return mt.rand.Float64() < p
}

func (mt *MockTransport) delay() time.Duration {
	d := mt.config.BaseDelay
	if mt.config.DelayVariation > 0 {
		mt.randMu.Lock()
		d += time.Duration(mt.rand.Int63n(int64(mt.config.DelayVariation)))
		mt.randMu.Unlock()
	}
	return d
}

// Send delivers packet to dest and waits for its acknowledgement.
func (mt *MockTransport) Send(ctx context.Context, dest types.NodeID, packet *messages.Packet) (messages.Acknowledgement, error) {
	mt.mu.RLock()
	closed := mt.closed
	target := mt.peers[dest]
	partitioned := mt.failures.PartitionedNodes[mt.nodeID] || mt.failures.PartitionedNodes[dest]
	tracer := mt.tracer
	mt.mu.RUnlock()

	if closed {
		return messages.Acknowledgement{}, network.ErrClosed
	}
	if target == nil {
		return messages.Acknowledgement{}, network.NewNetworkError(network.ErrorTypeNodeNotFound, fmt.Sprintf("node %d is not reachable", dest))
	}
	if partitioned {
		return messages.Acknowledgement{}, network.NewNetworkError(network.ErrorTypeConnection, fmt.Sprintf("node %d is partitioned", dest))
	}
	if mt.chance(mt.failures.FailingSendRate) {
		return messages.Acknowledgement{}, network.NewNetworkError(network.ErrorTypeMessageDelivery, "simulated send failure")
	}

	// Round-trip through the codec as a real transport would.
	data, err := messages.MarshalPacket(packet)
	if err != nil {
		return messages.Acknowledgement{}, network.NewNetworkErrorWithCause(network.ErrorTypeMessageDelivery, "failed to encode packet", err)
	}
	decoded, err := messages.UnmarshalPacket(data)
	if err != nil {
		return messages.Acknowledgement{}, network.NewNetworkErrorWithCause(network.ErrorTypeMessageDelivery, "failed to decode packet", err)
	}

	mt.mu.Lock()
	mt.stats.PacketsSent++
	mt.mu.Unlock()
	tracer.RecordMessage(uint16(mt.nodeID), events.MessageOutbound, "Packet", events.EventPayload{
		"to":   uint16(dest),
		"size": len(data),
	})

	if mt.chance(mt.config.PacketLossRate) {
		mt.mu.Lock()
		mt.stats.PacketsDropped++
		mt.mu.Unlock()
		return messages.Acknowledgement{}, network.NewNetworkError(network.ErrorTypeTimeout, "simulated packet loss")
	}

	select {
	case <-time.After(mt.delay()):
	case <-ctx.Done():
		return messages.Acknowledgement{}, network.NewNetworkErrorWithCause(network.ErrorTypeTimeout, "send cancelled", ctx.Err())
	}

	reply := make(chan messages.Acknowledgement, 1)
	in := network.InboundPacket{
		Channel:    ChannelFor(mt.nodeID),
		Packet:     decoded,
		ReceivedAt: time.Now(),
		Reply: func(ack messages.Acknowledgement) {
			select {
			case reply <- ack:
			default:
			}
		},
	}
	if !target.deliver(ctx, in) {
		return messages.Acknowledgement{}, network.NewNetworkError(network.ErrorTypeTimeout, fmt.Sprintf("node %d did not accept packet", dest))
	}

	if mt.chance(mt.config.DuplicationRate) {
		dup := in
		dup.Reply = func(messages.Acknowledgement) {}
		if target.deliver(ctx, dup) {
			mt.mu.Lock()
			mt.stats.PacketsDuplicated++
			mt.mu.Unlock()
		}
	}

	select {
	case ack := <-reply:
		mt.mu.Lock()
		mt.stats.PacketsDelivered++
		if !ack.OK {
			mt.stats.NegativeAcks++
		}
		mt.mu.Unlock()
		if !ack.OK {
			return ack, network.NewNetworkErrorWithCause(network.ErrorTypeRejected, fmt.Sprintf("node %d rejected packet %s", dest, packet.ID), ack.Err())
		}
		return ack, nil
	case <-ctx.Done():
		return messages.Acknowledgement{}, network.NewNetworkErrorWithCause(network.ErrorTypeTimeout, "waiting for acknowledgement", ctx.Err())
	}
}

func (mt *MockTransport) deliver(ctx context.Context, in network.InboundPacket) bool {
	select {
	case <-mt.done:
		return false
	default:
	}
	select {
	case mt.inbound <- in:
		return true
	case <-mt.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Receive returns the inbound packet stream.
func (mt *MockTransport) Receive() <-chan network.InboundPacket {
	return mt.inbound
}

// Close stops accepting packets.
func (mt *MockTransport) Close() error {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if !mt.closed {
		mt.closed = true
		close(mt.done)
	}
	return nil
}

// SetPartitioned isolates or reconnects this node.
func (mt *MockTransport) SetPartitioned(partitioned bool) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.failures.PartitionedNodes[mt.nodeID] = partitioned
}

// GetStats returns the delivery counters.
func (mt *MockTransport) GetStats() NetworkStats {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.stats
}
