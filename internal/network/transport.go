package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	libp2pnetwork "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"

	"itbft/internal/keys"
	"itbft/internal/types"
	"itbft/pkg/consensus/messages"
	cnet "itbft/pkg/consensus/network"
	ctypes "itbft/pkg/consensus/types"
)

// ProtocolID is the stream protocol carrying one packet and its acknowledgement.
const ProtocolID = protocol.ID("/itbft/msgqueue/1.0.0")

// TransportConfig contains the settings of a libp2p transport.
type TransportConfig struct {
	// Members lists the other participants. Only their peer ids may open streams.
	Members []types.Member
	// ConnectionTimeout bounds dialing a member that is not connected
	ConnectionTimeout time.Duration
	// ReplyTimeout bounds how long an inbound stream waits for the local acknowledgement
	ReplyTimeout time.Duration
	QueueSize    int
}

// Transport implements the consensus network.Transport on a libp2p host.
// The channel of an inbound packet is the remote peer id, which the libp2p
// security handshake authenticates.
type Transport struct {
	host   host.Host
	config TransportConfig
	logger zerolog.Logger

	members map[ctypes.NodeID]peer.AddrInfo
	byPeer  map[peer.ID]ctypes.NodeID

	inbound   chan cnet.InboundPacket
	done      chan struct{}
	closeOnce sync.Once
	notifiee  *connectionNotifiee
}

// NewTransport registers the stream handler on h. The transport owns h and closes it.
func NewTransport(h host.Host, config TransportConfig, logger zerolog.Logger) (*Transport, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: host is nil", ErrInvalidConfig)
	}
	if config.ConnectionTimeout <= 0 {
		config.ConnectionTimeout = 10 * time.Second
	}
	if config.ReplyTimeout <= 0 {
		config.ReplyTimeout = 5 * time.Second
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}

	t := &Transport{
		host:    h,
		config:  config,
		logger:  logger.With().Str("component", "transport").Logger(),
		members: make(map[ctypes.NodeID]peer.AddrInfo, len(config.Members)),
		byPeer:  make(map[peer.ID]ctypes.NodeID, len(config.Members)),
		inbound: make(chan cnet.InboundPacket, config.QueueSize),
		done:    make(chan struct{}),
	}

	km := keys.NewKeyManager()
	for _, m := range config.Members {
		id, err := km.PeerID(m.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("member %d: %w", m.ChainID, err)
		}
		if id == h.ID() {
			continue
		}
		addrs, err := m.Multiaddrs()
		if err != nil {
			return nil, fmt.Errorf("member %d: %w: %v", m.ChainID, ErrInvalidAddress, err)
		}
		h.Peerstore().AddAddrs(id, addrs, peerstore.PermanentAddrTTL)
		t.members[ctypes.NodeID(m.ChainID)] = peer.AddrInfo{ID: id, Addrs: addrs}
		t.byPeer[id] = ctypes.NodeID(m.ChainID)
	}

	t.notifiee = newConnectionNotifiee(t.byPeer, t.logger)
	h.Network().Notify(t.notifiee)
	h.SetStreamHandler(ProtocolID, t.handleStream)
	return t, nil
}

// Channels returns the channel every member's packets arrive on.
func (t *Transport) Channels() map[ctypes.NodeID]ctypes.ChannelID {
	channels := make(map[ctypes.NodeID]ctypes.ChannelID, len(t.members))
	for id, info := range t.members {
		channels[id] = ctypes.ChannelID(info.ID.String())
	}
	return channels
}

// Host returns the underlying libp2p host.
func (t *Transport) Host() host.Host {
	return t.host
}

// Addrs returns the full p2p addresses of this host.
func (t *Transport) Addrs() []multiaddr.Multiaddr {
	info := peer.AddrInfo{ID: t.host.ID(), Addrs: t.host.Addrs()}
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	return addrs
}

// Send writes packet to dest on a new stream and reads the acknowledgement.
func (t *Transport) Send(ctx context.Context, dest ctypes.NodeID, packet *messages.Packet) (messages.Acknowledgement, error) {
	select {
	case <-t.done:
		return messages.Acknowledgement{}, cnet.ErrClosed
	default:
	}

	info, ok := t.members[dest]
	if !ok {
		return messages.Acknowledgement{}, cnet.NewNetworkErrorWithCause(cnet.ErrorTypeNodeNotFound,
			fmt.Sprintf("node %d", dest), ErrUnknownMember)
	}

	if t.host.Network().Connectedness(info.ID) != libp2pnetwork.Connected {
		dialCtx, cancel := context.WithTimeout(ctx, t.config.ConnectionTimeout)
		err := t.host.Connect(dialCtx, info)
		cancel()
		if err != nil {
			return messages.Acknowledgement{}, cnet.NewNetworkErrorWithCause(cnet.ErrorTypeConnection,
				fmt.Sprintf("failed to connect to node %d", dest),
				NewOperationError("connect", err, map[string]interface{}{"peer_id": info.ID.String()}))
		}
	}

	stream, err := t.host.NewStream(ctx, info.ID, ProtocolID)
	if err != nil {
		return messages.Acknowledgement{}, cnet.NewNetworkErrorWithCause(cnet.ErrorTypeConnection,
			fmt.Sprintf("failed to open stream to node %d", dest), err)
	}
	defer stream.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}

	if err := messages.WritePacket(stream, packet); err != nil {
		_ = stream.Reset()
		return messages.Acknowledgement{}, cnet.NewNetworkErrorWithCause(cnet.ErrorTypeMessageDelivery,
			fmt.Sprintf("failed to write packet %s to node %d", packet.ID, dest), err)
	}
	if err := stream.CloseWrite(); err != nil {
		_ = stream.Reset()
		return messages.Acknowledgement{}, cnet.NewNetworkErrorWithCause(cnet.ErrorTypeMessageDelivery,
			"failed to close write side", err)
	}

	ack, err := messages.ReadAck(stream)
	if err != nil {
		_ = stream.Reset()
		errType := cnet.ErrorTypeMessageDelivery
		if ctx.Err() != nil || isTimeout(err) {
			errType = cnet.ErrorTypeTimeout
		}
		return messages.Acknowledgement{}, cnet.NewNetworkErrorWithCause(errType,
			fmt.Sprintf("no acknowledgement for packet %s from node %d", packet.ID, dest), err)
	}
	if !ack.OK {
		return ack, cnet.NewNetworkErrorWithCause(cnet.ErrorTypeRejected,
			fmt.Sprintf("node %d rejected packet %s", dest, packet.ID), ack.Err())
	}
	return ack, nil
}

func (t *Transport) handleStream(s libp2pnetwork.Stream) {
	defer s.Close()

	remote := s.Conn().RemotePeer()
	if _, ok := t.byPeer[remote]; !ok {
		t.logger.Warn().
			Err(ErrUnknownPeer).
			Str("peer_id", remote.String()).
			Str("action", "stream_refused").
			Msg("Refusing stream from non-member")
		_ = s.Reset()
		return
	}

	_ = s.SetReadDeadline(time.Now().Add(t.config.ReplyTimeout))
	packet, err := messages.ReadPacket(s)
	if err != nil {
		t.logger.Debug().
			Err(err).
			Str("peer_id", remote.String()).
			Str("action", "packet_unreadable").
			Msg("Failed to read packet")
		_ = s.Reset()
		return
	}

	reply := make(chan messages.Acknowledgement, 1)
	in := cnet.InboundPacket{
		Channel:    ctypes.ChannelID(remote.String()),
		Packet:     packet,
		ReceivedAt: time.Now(),
		Reply: func(ack messages.Acknowledgement) {
			select {
			case reply <- ack:
			default:
			}
		},
	}

	timer := time.NewTimer(t.config.ReplyTimeout)
	defer timer.Stop()

	select {
	case t.inbound <- in:
	case <-t.done:
		_ = s.Reset()
		return
	case <-timer.C:
		_ = s.Reset()
		return
	}

	select {
	case ack := <-reply:
		_ = s.SetWriteDeadline(time.Now().Add(t.config.ReplyTimeout))
		if err := messages.WriteAck(s, ack); err != nil {
			t.logger.Debug().
				Err(err).
				Str("packet_id", packet.ID).
				Str("action", "ack_failed").
				Msg("Failed to write acknowledgement")
			_ = s.Reset()
		}
	case <-t.done:
		_ = s.Reset()
	case <-timer.C:
		_ = s.Reset()
	}
}

// Receive returns the inbound packet stream.
func (t *Transport) Receive() <-chan cnet.InboundPacket {
	return t.inbound
}

// Close stops accepting streams and closes the host.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.host.RemoveStreamHandler(ProtocolID)
		t.host.Network().StopNotify(t.notifiee)
		err = t.host.Close()
	})
	return err
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
