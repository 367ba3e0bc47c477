// Package integration runs an agreement engine over a network.Transport.
package integration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"itbft/pkg/consensus/engine"
	"itbft/pkg/consensus/events"
	"itbft/pkg/consensus/messages"
	"itbft/pkg/consensus/network"
	"itbft/pkg/consensus/storage"
	"itbft/pkg/consensus/types"
)

// NodeConfig contains the configuration for creating an agreement node.
type NodeConfig struct {
	Consensus *types.ConsensusConfig

	// Channels binds members to transport channels up front. Members not listed
	// are bound when their WhoAmI arrives.
	Channels map[types.NodeID]types.ChannelID

	// PacketTimeout bounds one Send including its acknowledgement
	PacketTimeout time.Duration
	// SendRetries is the number of retransmissions after a failed Send
	SendRetries  int
	RetryBackoff time.Duration

	// AbortCheckInterval is how often the view timeout is polled
	AbortCheckInterval time.Duration

	// DedupeSize and DedupeTTL bound the cache of processed packet ids
	DedupeSize int
	DedupeTTL  time.Duration

	// MaxBufferedPackets bounds the packets held until the instance starts
	MaxBufferedPackets int
	OutboundQueueSize  int

	EventTracer events.EventTracer
	Logger      zerolog.Logger
}

// DefaultNodeConfig creates a node configuration with sensible defaults.
func DefaultNodeConfig(consensus *types.ConsensusConfig) *NodeConfig {
	return &NodeConfig{
		Consensus:          consensus,
		Channels:           make(map[types.NodeID]types.ChannelID),
		PacketTimeout:      5 * time.Second,
		SendRetries:        3,
		RetryBackoff:       200 * time.Millisecond,
		AbortCheckInterval: 100 * time.Millisecond,
		DedupeSize:         4096,
		DedupeTTL:          10 * time.Minute,
		MaxBufferedPackets: 1024,
		OutboundQueueSize:  256,
		EventTracer:        &events.NoOpEventTracer{},
		Logger:             zerolog.Nop(),
	}
}

// Node is one member of the agreement: an engine, its store and a transport.
type Node struct {
	config *NodeConfig
	self   types.NodeID

	engine    *engine.ConsensusEngine
	transport network.Transport
	processor *MessageProcessor
	senders   map[types.NodeID]*peerSender
	logger    zerolog.Logger

	decided     chan struct{}
	decidedOnce sync.Once

	// lastAbortView and lastAbortAt limit timeout aborts to one per view timeout
	lastAbortView types.ViewNumber
	lastAbortAt   time.Time

	mu      sync.RWMutex
	started bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode creates a node. A nil store keeps state in memory; a nil clock reads the wall clock.
func NewNode(config *NodeConfig, transport network.Transport, store storage.StateStore, clock engine.Clock) (*Node, error) {
	if config == nil {
		return nil, fmt.Errorf("node configuration cannot be nil")
	}
	if err := validateNodeConfig(config); err != nil {
		return nil, fmt.Errorf("invalid node configuration: %w", err)
	}
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}

	eng, err := engine.NewConsensusEngine(config.Consensus, store, clock)
	if err != nil {
		return nil, fmt.Errorf("failed to create consensus engine: %w", err)
	}
	eng.SetLogger(config.Logger)
	eng.SetEventTracer(config.EventTracer)

	self := config.Consensus.Self
	logger := config.Logger.With().Uint16("node_id", uint16(self)).Str("component", "node").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		config:        config,
		self:          self,
		engine:        eng,
		transport:     transport,
		senders:       make(map[types.NodeID]*peerSender),
		logger:        logger,
		decided:       make(chan struct{}),
		lastAbortView: types.NoView,
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, peer := range config.Consensus.Peers() {
		n.senders[peer] = newPeerSender(peer, transport, config, logger)
	}
	n.processor = NewMessageProcessor(eng, transport, config, n.dispatch, logger)
	return n, nil
}

// Start restores the committed state, starts the receive loop and the abort timer
// and announces this node's chain id to every peer.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return fmt.Errorf("node already started")
	}
	if n.stopped {
		return fmt.Errorf("node has been stopped")
	}

	restored, err := n.engine.Restore(n.ctx)
	if err != nil {
		return fmt.Errorf("failed to restore state: %w", err)
	}
	for id, channel := range n.config.Channels {
		if id == n.self {
			continue
		}
		if err := n.engine.Join(n.ctx, channel, id); err != nil {
			return fmt.Errorf("failed to bind member %d to %q: %w", id, channel, err)
		}
	}

	for _, sender := range n.senders {
		sender.start(n.ctx, &n.wg)
	}
	n.processor.Start(n.ctx, &n.wg, n.checkDecision)

	n.wg.Add(1)
	go n.abortLoop()

	n.started = true
	n.announce()
	n.checkDecision()

	n.logger.Info().
		Bool("restored", restored).
		Bool("running", n.engine.Started()).
		Int("peers", len(n.senders)).
		Str("action", "node_started").
		Msg("Agreement node started")
	return nil
}

// Stop shuts the node down and closes the transport.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.started {
		return nil
	}
	n.cancel()
	err := n.transport.Close()
	n.wg.Wait()

	n.started = false
	n.stopped = true
	n.logger.Info().Str("action", "node_stopped").Msg("Agreement node stopped")
	if err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	return nil
}

// Propose starts the instance in view 0 with input.
func (n *Node) Propose(ctx context.Context, input types.Value) error {
	if !n.IsStarted() {
		return fmt.Errorf("node not started")
	}
	if err := n.processor.StartView(ctx, input); err != nil {
		return err
	}
	n.checkDecision()
	return nil
}

// Decided returns the decided value, if any.
func (n *Node) Decided() (types.Value, bool) {
	return n.engine.Decided()
}

// WaitDecision blocks until the node decides or ctx expires.
func (n *Node) WaitDecision(ctx context.Context) (types.Value, error) {
	select {
	case <-n.decided:
		val, _ := n.engine.Decided()
		return val, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Engine returns the engine for queries.
func (n *Node) Engine() *engine.ConsensusEngine {
	return n.engine
}

// ID returns this node's chain id.
func (n *Node) ID() types.NodeID {
	return n.self
}

// IsStarted returns true if the node has been started.
func (n *Node) IsStarted() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.started
}

// announce sends WhoAmI to every peer so they can bind our channel.
func (n *Node) announce() {
	batch := make(engine.OutboundBatch, len(n.senders))
	for peer := range n.senders {
		batch[peer] = messages.NewMsgQueue(messages.NewWhoAmIMsg(n.self))
	}
	n.dispatch(batch)
}

// dispatch hands every non-empty batch to the sender of its destination.
func (n *Node) dispatch(batch engine.OutboundBatch) {
	for dest, queue := range batch {
		if queue.Len() == 0 {
			continue
		}
		sender, ok := n.senders[dest]
		if !ok {
			n.logger.Warn().
				Uint16("dest", uint16(dest)).
				Str("action", "dispatch_failed").
				Msg("No sender for destination")
			continue
		}
		sender.enqueue(messages.NewPacket(queue))
	}
}

func (n *Node) checkDecision() {
	val, ok := n.engine.Decided()
	if !ok {
		return
	}
	n.decidedOnce.Do(func() {
		close(n.decided)
		n.logger.Info().
			Str("value", string(val)).
			Int64("view", int64(n.engine.CurrentView())).
			Str("action", "decided").
			Msg("Agreement reached")
	})
}

func (n *Node) abortLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.AbortCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.checkAbort()
		}
	}
}

// checkAbort aborts the current view once its timeout has passed. A view is
// aborted again only after another full timeout without progress.
func (n *Node) checkAbort() {
	if !n.engine.Started() {
		return
	}
	info := n.engine.AbortInfo()
	if !info.ShouldAbort {
		return
	}
	view := n.engine.CurrentView()
	if view == n.lastAbortView && info.Now.Sub(n.lastAbortAt) < n.config.Consensus.ViewTimeout {
		return
	}

	if err := n.processor.Abort(n.ctx); err != nil {
		if engine.IsProtocolError(err, engine.ErrorTypeAbortTooEarly) || engine.IsProtocolError(err, engine.ErrorTypeAlreadyDone) {
			return
		}
		n.logger.Error().
			Err(err).
			Int64("view", int64(view)).
			Str("action", "abort_failed").
			Msg("Failed to abort view")
		return
	}
	n.lastAbortView = view
	n.lastAbortAt = info.Now
	n.checkDecision()
}

// validateNodeConfig checks if the node configuration is valid.
func validateNodeConfig(c *NodeConfig) error {
	if c.Consensus == nil {
		return fmt.Errorf("consensus configuration cannot be nil")
	}
	if err := c.Consensus.Validate(); err != nil {
		return err
	}
	if c.PacketTimeout <= 0 {
		return fmt.Errorf("packet timeout must be positive")
	}
	if c.AbortCheckInterval <= 0 {
		return fmt.Errorf("abort check interval must be positive")
	}
	if c.SendRetries < 0 {
		return fmt.Errorf("send retries cannot be negative")
	}
	if c.DedupeSize <= 0 {
		return fmt.Errorf("dedupe size must be positive")
	}
	if c.OutboundQueueSize <= 0 {
		return fmt.Errorf("outbound queue size must be positive")
	}
	if c.EventTracer == nil {
		return fmt.Errorf("event tracer cannot be nil")
	}
	for id := range c.Channels {
		if !c.Consensus.IsValidNodeID(id) {
			return fmt.Errorf("channel bound to invalid node ID %d", id)
		}
	}
	return nil
}
