package integration

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"itbft/pkg/consensus/messages"
	"itbft/pkg/consensus/network"
	"itbft/pkg/consensus/types"
)

// peerSender delivers the packets for one destination in order.
type peerSender struct {
	dest      types.NodeID
	transport network.Transport
	timeout   time.Duration
	retries   int
	backoff   time.Duration
	queue     chan *messages.Packet
	logger    zerolog.Logger
}

func newPeerSender(dest types.NodeID, transport network.Transport, config *NodeConfig, logger zerolog.Logger) *peerSender {
	return &peerSender{
		dest:      dest,
		transport: transport,
		timeout:   config.PacketTimeout,
		retries:   config.SendRetries,
		backoff:   config.RetryBackoff,
		queue:     make(chan *messages.Packet, config.OutboundQueueSize),
		logger:    logger.With().Uint16("dest", uint16(dest)).Str("component", "peer_sender").Logger(),
	}
}

func (s *peerSender) start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case packet := <-s.queue:
				s.send(ctx, packet)
			}
		}
	}()
}

// enqueue never blocks the engine: a full queue drops the packet, which the
// protocol treats like any other lost packet.
func (s *peerSender) enqueue(packet *messages.Packet) {
	select {
	case s.queue <- packet:
	default:
		s.logger.Warn().
			Str("packet_id", packet.ID).
			Int("messages", packet.Queue.Len()).
			Str("action", "packet_dropped").
			Msg("Outbound queue full, dropping packet")
	}
}

// send retransmits packet with the same id until it is acknowledged, rejected or
// the retries are used up.
func (s *peerSender) send(ctx context.Context, packet *messages.Packet) {
	for attempt := 0; attempt <= s.retries; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
		_, err := s.transport.Send(sendCtx, s.dest, packet)
		cancel()
		if err == nil {
			return
		}
		if network.IsNetworkError(err, network.ErrorTypeRejected) {
			s.logger.Debug().
				Err(err).
				Str("packet_id", packet.ID).
				Str("action", "packet_rejected").
				Msg("Peer rejected packet")
			return
		}
		if ctx.Err() != nil {
			return
		}

		s.logger.Debug().
			Err(err).
			Str("packet_id", packet.ID).
			Int("attempt", attempt+1).
			Str("action", "send_failed").
			Msg("Failed to send packet")

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.backoff):
		}
	}
	s.logger.Warn().
		Str("packet_id", packet.ID).
		Int("messages", packet.Queue.Len()).
		Str("action", "packet_lost").
		Msg("Giving up on packet")
}
