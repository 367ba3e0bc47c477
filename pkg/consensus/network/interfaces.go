// Package network defines the transport abstraction the agreement node sends batches over.
// A transport delivers one Packet per destination and returns the receiver's
// acknowledgement; it may drop packets, and the sender may retransmit them.
package network

import (
	"context"
	"time"

	"itbft/pkg/consensus/messages"
	"itbft/pkg/consensus/types"
)

// Transport moves packets between members.
type Transport interface {
	// Send delivers packet to dest and waits for the acknowledgement or ctx expiry.
	Send(ctx context.Context, dest types.NodeID, packet *messages.Packet) (messages.Acknowledgement, error)
	// Receive returns the stream of inbound packets.
	Receive() <-chan InboundPacket
	// Close stops the transport.
	Close() error
}

// InboundPacket is a packet received on a channel. The receiver must call Reply exactly once.
type InboundPacket struct {
	Channel    types.ChannelID
	Packet     *messages.Packet
	ReceivedAt time.Time
	Reply      func(messages.Acknowledgement)
}
