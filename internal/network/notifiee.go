package network

import (
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"

	ctypes "itbft/pkg/consensus/types"
)

// connectionNotifiee logs member connections as they come and go.
type connectionNotifiee struct {
	network.NoopNotifiee
	members map[peer.ID]ctypes.NodeID
	logger  zerolog.Logger
}

func newConnectionNotifiee(members map[peer.ID]ctypes.NodeID, logger zerolog.Logger) *connectionNotifiee {
	return &connectionNotifiee{members: members, logger: logger}
}

// Connected implements network.Notifiee
func (n *connectionNotifiee) Connected(_ network.Network, conn network.Conn) {
	n.event(conn, "peer_connected").Msg("Connection established")
}

// Disconnected implements network.Notifiee
func (n *connectionNotifiee) Disconnected(_ network.Network, conn network.Conn) {
	n.event(conn, "peer_disconnected").Msg("Connection closed")
}

func (n *connectionNotifiee) event(conn network.Conn, action string) *zerolog.Event {
	remote := conn.RemotePeer()
	ev := n.logger.Debug().
		Str("peer_id", remote.String()).
		Str("address", conn.RemoteMultiaddr().String()).
		Str("direction", conn.Stat().Direction.String()).
		Str("action", action)
	if id, ok := n.members[remote]; ok {
		ev = ev.Uint16("chain_id", uint16(id))
	}
	return ev
}
