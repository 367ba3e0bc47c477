// Package engine implements the view-based Byzantine agreement state machine.
//
// A ConsensusEngine runs one agreement instance. Each entry point (StartView,
// OnPacket, Abort, Join) applies its input, commits the resulting state to the
// StateStore and returns the per-peer batches the host must send. Votes are not
// authenticated: the engine trusts the transport channel a message arrives on.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"itbft/pkg/consensus/events"
	"itbft/pkg/consensus/messages"
	"itbft/pkg/consensus/storage"
	"itbft/pkg/consensus/types"
)

// OutboundBatch maps each destination to the ordered batch it must receive.
type OutboundBatch map[types.NodeID]*messages.MsgQueue

// Len returns the number of messages across every batch.
func (b OutboundBatch) Len() int {
	total := 0
	for _, q := range b {
		total += q.Len()
	}
	return total
}

// ConsensusEngine owns the state of one agreement instance.
// All entry points and queries are serialised by a single mutex.
type ConsensusEngine struct {
	mu sync.Mutex

	// config contains the membership and thresholds
	config *types.ConsensusConfig
	store  storage.StateStore
	clock  Clock
	tracer events.EventTracer
	logger zerolog.Logger

	// state is the protocol record of the instance
	state   *types.NodeState
	started bool
	phase   events.State

	// highestRequest holds, per member, the highest view it announced with Request
	highestRequest map[types.NodeID]types.ViewNumber

	ledger    *QuorumLedger
	guard     *ViewChangeGuard
	safety    *SafetyRules
	router    *MessageRouter
	directory *PeerDirectory
}

// NewConsensusEngine creates an engine for config. A nil store keeps state in memory;
// a nil clock reads the wall clock.
func NewConsensusEngine(config *types.ConsensusConfig, store storage.StateStore, clock Clock) (*ConsensusEngine, error) {
	if config == nil {
		return nil, fmt.Errorf("consensus configuration cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid consensus configuration: %w", err)
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}
	if clock == nil {
		clock = SystemClock{}
	}

	e := &ConsensusEngine{
		config:    config,
		store:     store,
		clock:     clock,
		tracer:    &events.NoOpEventTracer{},
		ledger:    NewQuorumLedger(),
		guard:     NewViewChangeGuard(config),
		safety:    NewSafetyRules(config.SmallQuorum()),
		directory: NewPeerDirectory(),
		phase:     events.StateIdle,
	}
	e.SetLogger(zerolog.Nop())
	e.router = NewMessageRouter(config.Self, config.Peers(), e.dispatch)
	e.state = types.NewNodeState(config, "", clock.Now())
	e.resetHighestRequest()
	return e, nil
}

// SetLogger sets the logger used by the engine.
func (e *ConsensusEngine) SetLogger(logger zerolog.Logger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logger = logger.With().Uint16("node_id", uint16(e.config.Self)).Str("component", "engine").Logger()
}

// SetEventTracer sets the event tracer for the engine.
func (e *ConsensusEngine) SetEventTracer(tracer events.EventTracer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if tracer == nil {
		tracer = &events.NoOpEventTracer{}
	}
	e.tracer = tracer
}

// Restore loads the last committed snapshot from the store.
// It returns false when the store holds no snapshot.
func (e *ConsensusEngine) Restore(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap, err := e.store.Load(ctx)
	if err != nil {
		if storage.IsStorageError(err, storage.ErrorTypeNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if snap.State.Self != e.config.Self || snap.State.N != e.config.Nodes || snap.State.F != e.config.FaultTolerance {
		return false, storage.NewStorageError(storage.ErrorTypeCorruption,
			fmt.Sprintf("snapshot belongs to node %d (n=%d f=%d)", snap.State.Self, snap.State.N, snap.State.F))
	}
	if err := snap.State.Validate(); err != nil {
		return false, storage.NewStorageErrorWithCause(storage.ErrorTypeCorruption, "snapshot state is invalid", err)
	}

	e.restore(snap)
	e.tracer.RecordEvent(uint16(e.config.Self), events.EventStateRestored, events.EventPayload{
		"view": int64(e.state.View),
		"done": e.state.IsDone(),
	})
	e.logger.Info().
		Int64("view", int64(e.state.View)).
		Bool("done", e.state.IsDone()).
		Str("action", "state_restored").
		Msg("Restored committed state")
	return true, nil
}

// Prepare resets the instance to view 0 seeded with input without sending anything.
func (e *ConsensusEngine) Prepare(ctx context.Context, input types.Value) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.snapshot()
	e.reset(input)
	e.tracer.RecordEvent(uint16(e.config.Self), events.EventInstancePrepared, events.EventPayload{"input": string(input)})

	_, err := e.finish(ctx, prev)
	return err
}

// StartView resets the instance to view 0 seeded with input and announces it.
func (e *ConsensusEngine) StartView(ctx context.Context, input types.Value) (OutboundBatch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.snapshot()
	e.reset(input)
	e.tracer.RecordEvent(uint16(e.config.Self), events.EventInstanceStarted, events.EventPayload{"input": string(input)})
	e.logger.Info().
		Str("input", string(input)).
		Str("action", "instance_started").
		Msg("Starting agreement instance")

	if err := e.beginView(); err != nil {
		e.rollback(prev)
		return nil, fmt.Errorf("failed to start view: %w", err)
	}
	return e.finish(ctx, prev)
}

// OnPacket processes one inbound batch received on channel.
// Messages that cannot be applied are rejected individually in the acknowledgement;
// the returned error is reserved for failures that abort the whole batch.
func (e *ConsensusEngine) OnPacket(ctx context.Context, channel types.ChannelID, queue *messages.MsgQueue) (OutboundBatch, messages.Acknowledgement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ack := messages.OKAck()
	if queue == nil {
		return OutboundBatch{}, ack, nil
	}

	prev := e.snapshot()
	for i, msg := range queue.Messages {
		err := e.apply(channel, msg)
		if err == nil {
			continue
		}
		var pe *ProtocolError
		if errors.As(err, &pe) {
			ack.Reject(i, err)
			e.tracer.RecordEvent(uint16(e.config.Self), events.EventMessageRejected, events.EventPayload{
				"index":   i,
				"channel": string(channel),
				"reason":  pe.Type.String(),
			})
			e.logger.Debug().
				Err(err).
				Str("channel", string(channel)).
				Int("index", i).
				Str("action", "message_rejected").
				Msg("Rejected inbound message")
			continue
		}
		e.rollback(prev)
		return nil, messages.Acknowledgement{}, fmt.Errorf("failed to process message %d: %w", i, err)
	}

	batch, err := e.finish(ctx, prev)
	if err != nil {
		return nil, messages.Acknowledgement{}, err
	}
	return batch, ack, nil
}

// apply validates one message of an inbound batch and dispatches it.
func (e *ConsensusEngine) apply(channel types.ChannelID, msg messages.Message) error {
	if msg == nil {
		return malformed("message is nil")
	}
	if _, nested := msg.(*messages.MsgQueue); nested {
		return malformed("nested MsgQueue")
	}
	if err := msg.Validate(e.config); err != nil {
		return NewProtocolErrorWithCause(ErrorTypeMalformedMessage, fmt.Sprintf("invalid %s", msg.Type()), err)
	}

	if who, ok := msg.(*messages.WhoAmIMsg); ok {
		return e.bind(channel, who.ChainID)
	}

	sender, ok := e.directory.ChainFor(channel)
	if !ok {
		return NewProtocolError(ErrorTypeUnknownChannel, fmt.Sprintf("channel %q is not bound to a chain id", channel))
	}
	if !e.started {
		return ErrNotStarted
	}
	return e.dispatch(sender, msg)
}

// Abort gives up on the current view once its timeout has passed.
func (e *ConsensusEngine) Abort(ctx context.Context) (OutboundBatch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return nil, ErrNotStarted
	}
	if err := e.guard.CheckAbort(e.state, e.clock.Now()); err != nil {
		return nil, err
	}

	prev := e.snapshot()
	if err := e.abortCurrentView("timeout"); err != nil {
		e.rollback(prev)
		return nil, fmt.Errorf("failed to abort view %d: %w", e.state.View, err)
	}
	return e.finish(ctx, prev)
}

// Join binds channel to chainID as if a WhoAmI had arrived on it.
func (e *ConsensusEngine) Join(ctx context.Context, channel types.ChannelID, chainID types.NodeID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.config.IsValidNodeID(chainID) {
		return malformed("invalid chain id %d", chainID)
	}
	prev := e.snapshot()
	if err := e.bind(channel, chainID); err != nil {
		return err
	}
	_, err := e.finish(ctx, prev)
	return err
}

// bind pairs a peer channel with a chain id. Our own id and pairings that would
// displace an existing binding are refused.
func (e *ConsensusEngine) bind(channel types.ChannelID, chainID types.NodeID) error {
	if chainID == e.config.Self {
		return malformed("chain id %d belongs to this node", chainID)
	}
	bound, err := e.directory.Bind(channel, chainID)
	if err != nil {
		e.logger.Warn().
			Err(err).
			Str("channel", string(channel)).
			Uint16("chain_id", uint16(chainID)).
			Str("action", "channel_bind_refused").
			Msg("Refused channel binding")
		return err
	}
	if bound {
		e.tracer.RecordEvent(uint16(e.config.Self), events.EventChannelBound, events.EventPayload{
			"channel":  string(channel),
			"chain_id": uint16(chainID),
		})
		e.logger.Debug().
			Str("channel", string(channel)).
			Uint16("chain_id", uint16(chainID)).
			Str("action", "channel_bound").
			Msg("Bound channel to chain id")
	}
	return nil
}

// finish flushes the outbound batches and commits the state. On a store failure the
// in-memory state is restored to prev and the batches are dropped.
func (e *ConsensusEngine) finish(ctx context.Context, prev *storage.Snapshot) (OutboundBatch, error) {
	batch := OutboundBatch(e.router.Flush())

	if err := e.store.Save(ctx, e.snapshot()); err != nil {
		e.restore(prev)
		e.tracer.RecordEvent(uint16(e.config.Self), events.EventStorageRollback, events.EventPayload{
			"view":      int64(e.state.View),
			"discarded": batch.Len(),
		})
		e.logger.Error().
			Err(err).
			Int("discarded", batch.Len()).
			Str("action", "storage_rollback").
			Msg("Failed to commit state, rolled back")
		return nil, err
	}

	e.tracer.RecordEvent(uint16(e.config.Self), events.EventStorageCommit, events.EventPayload{"view": int64(e.state.View)})
	if len(batch) > 0 {
		e.tracer.RecordEvent(uint16(e.config.Self), events.EventBatchFlushed, events.EventPayload{
			"peers": len(batch),
			"size":  batch.Len(),
		})
		for dest, queue := range batch {
			for _, msg := range queue.Messages {
				e.tracer.RecordMessage(uint16(e.config.Self), events.MessageOutbound, msg.Type().String(), events.EventPayload{
					"to": uint16(dest),
				})
			}
		}
	}
	return batch, nil
}

func (e *ConsensusEngine) rollback(prev *storage.Snapshot) {
	e.restore(prev)
	e.router.DiscardOutbound()
}

// reset starts a fresh instance at view 0.
func (e *ConsensusEngine) reset(input types.Value) {
	e.state.Reinit(input, e.clock.Now())
	e.started = true
	e.ledger.Reset()
	e.guard.Reset()
	e.router.ResetPending()
	e.router.DiscardOutbound()
	e.resetHighestRequest()
	e.setPhase(events.StateIdle, "reset")
}

func (e *ConsensusEngine) resetHighestRequest() {
	e.highestRequest = make(map[types.NodeID]types.ViewNumber, e.config.Nodes)
	for _, id := range e.config.Members() {
		e.highestRequest[id] = types.NoView
	}
}

// snapshot captures everything restore needs. Messages are shared; they are never mutated.
func (e *ConsensusEngine) snapshot() *storage.Snapshot {
	highest := make(map[types.NodeID]types.ViewNumber, len(e.highestRequest))
	for id, v := range e.highestRequest {
		highest[id] = v
	}
	return &storage.Snapshot{
		State:          e.state.Clone(),
		Started:        e.started,
		HighestRequest: highest,
		HighestAbort:   e.guard.HighestAborts(),
		Ledger:         e.ledger.Export(),
		SendAllUpon:    e.router.ExportPending(),
		Channels:       e.directory.Entries(),
	}
}

func (e *ConsensusEngine) restore(snap *storage.Snapshot) {
	e.state = snap.State.Clone()
	e.started = snap.Started
	e.resetHighestRequest()
	for id, v := range snap.HighestRequest {
		if _, ok := e.highestRequest[id]; ok {
			e.highestRequest[id] = v
		}
	}
	e.guard.Import(snap.HighestAbort)
	e.ledger.Import(snap.Ledger)
	e.router.ImportPending(snap.SendAllUpon)
	e.directory.Import(snap.Channels)
	e.phase = e.phaseOf()
}

// phaseOf derives the reported phase from the committed state and sent flags.
func (e *ConsensusEngine) phaseOf() events.State {
	switch {
	case !e.started:
		return events.StateIdle
	case e.state.IsDone():
		return events.StateDone
	case e.ledger.HasSent(types.KindLock):
		return events.StateLocked
	case e.ledger.HasSent(types.KindKey3):
		return events.StateKey3
	case e.ledger.HasSent(types.KindKey2):
		return events.StateKey2
	case e.ledger.HasSent(types.KindKey1):
		return events.StateKey1
	case e.ledger.HasSent(types.KindEcho):
		return events.StateEchoed
	default:
		return events.StateRequested
	}
}

func (e *ConsensusEngine) setPhase(to events.State, trigger string) {
	if e.phase == to {
		return
	}
	e.tracer.RecordTransition(uint16(e.config.Self), e.phase, to, trigger)
	e.phase = to
}
