package integration

import (
	"context"
	"sync"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"itbft/pkg/consensus/engine"
	"itbft/pkg/consensus/messages"
	"itbft/pkg/consensus/network"
	"itbft/pkg/consensus/types"
)

// MessageProcessor feeds inbound packets to the engine in a background goroutine.
// Every engine call that produces outbound batches goes through it so that batches
// reach the senders in the order the engine produced them.
type MessageProcessor struct {
	engine    *engine.ConsensusEngine
	transport network.Transport
	dispatch  func(engine.OutboundBatch)
	logger    zerolog.Logger

	// seen holds the acknowledgement of every packet id already applied
	seen        *expirable.LRU[string, messages.Acknowledgement]
	maxBuffered int

	mu       sync.Mutex
	buffered []network.InboundPacket
}

// NewMessageProcessor creates a processor for eng.
func NewMessageProcessor(eng *engine.ConsensusEngine, transport network.Transport, config *NodeConfig, dispatch func(engine.OutboundBatch), logger zerolog.Logger) *MessageProcessor {
	return &MessageProcessor{
		engine:      eng,
		transport:   transport,
		dispatch:    dispatch,
		logger:      logger.With().Str("component", "message_processor").Logger(),
		seen:        expirable.NewLRU[string, messages.Acknowledgement](config.DedupeSize, nil, config.DedupeTTL),
		maxBuffered: config.MaxBufferedPackets,
	}
}

// Start begins processing packets until ctx is cancelled. progress is called
// after every packet.
func (mp *MessageProcessor) Start(ctx context.Context, wg *sync.WaitGroup, progress func()) {
	wg.Add(1)
	go mp.processMessages(ctx, wg, progress)
}

func (mp *MessageProcessor) processMessages(ctx context.Context, wg *sync.WaitGroup, progress func()) {
	defer wg.Done()

	mp.logger.Debug().Str("action", "message_processing_started").Msg("Message processor started")
	for {
		select {
		case <-ctx.Done():
			mp.logger.Debug().Str("action", "message_processing_stopped").Msg("Message processor shutting down")
			return
		case in, ok := <-mp.transport.Receive():
			if !ok {
				return
			}
			mp.HandlePacket(ctx, in)
			progress()
		}
	}
}

// HandlePacket applies one inbound packet and replies with its acknowledgement.
// A retransmitted packet is answered from the cache without reapplying it.
// Packets that arrive before the instance starts are held and applied by StartView.
func (mp *MessageProcessor) HandlePacket(ctx context.Context, in network.InboundPacket) {
	if in.Packet == nil || in.Packet.Queue == nil {
		in.Reply(messages.Acknowledgement{Errors: []string{"empty packet"}})
		return
	}
	if ack, ok := mp.seen.Get(in.Packet.ID); ok {
		mp.logger.Debug().
			Str("packet_id", in.Packet.ID).
			Str("channel", string(in.Channel)).
			Str("action", "duplicate_packet").
			Msg("Answering retransmitted packet from cache")
		in.Reply(ack)
		return
	}

	mp.mu.Lock()
	defer mp.mu.Unlock()

	if !mp.engine.Started() && len(mp.buffered) < mp.maxBuffered {
		mp.buffered = append(mp.buffered, in)
		ack := messages.OKAck()
		mp.seen.Add(in.Packet.ID, ack)
		in.Reply(ack)
		return
	}
	in.Reply(mp.apply(ctx, in))
}

// apply runs the packet through the engine. A packet the engine failed to commit
// is not remembered, so a retransmission is applied again.
func (mp *MessageProcessor) apply(ctx context.Context, in network.InboundPacket) messages.Acknowledgement {
	batch, ack, err := mp.engine.OnPacket(ctx, in.Channel, in.Packet.Queue)
	if err != nil {
		mp.logger.Error().
			Err(err).
			Str("packet_id", in.Packet.ID).
			Str("channel", string(in.Channel)).
			Str("action", "packet_failed").
			Msg("Failed to apply packet")
		return messages.Acknowledgement{Errors: []string{err.Error()}}
	}
	if !ack.OK {
		mp.logger.Debug().
			Str("packet_id", in.Packet.ID).
			Strs("errors", ack.Errors).
			Str("action", "packet_rejected").
			Msg("Rejected messages in packet")
	}
	mp.seen.Add(in.Packet.ID, ack)
	mp.dispatch(batch)
	return ack
}

// StartView starts the instance with input and then applies the held packets.
func (mp *MessageProcessor) StartView(ctx context.Context, input types.Value) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	batch, err := mp.engine.StartView(ctx, input)
	if err != nil {
		return err
	}
	mp.dispatch(batch)

	held := mp.buffered
	mp.buffered = nil
	for _, in := range held {
		mp.apply(ctx, in)
	}
	if len(held) > 0 {
		mp.logger.Debug().
			Int("packets", len(held)).
			Str("action", "buffered_replayed").
			Msg("Applied packets received before start")
	}
	return nil
}

// Abort aborts the current view.
func (mp *MessageProcessor) Abort(ctx context.Context) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	batch, err := mp.engine.Abort(ctx)
	if err != nil {
		return err
	}
	mp.dispatch(batch)
	return nil
}

// Buffered returns the number of packets held until start.
func (mp *MessageProcessor) Buffered() int {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return len(mp.buffered)
}
