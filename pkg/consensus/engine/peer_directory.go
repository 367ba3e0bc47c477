package engine

import (
	"itbft/pkg/consensus/types"
)

// PeerDirectory maps transport channels to the chain id announced on them.
// A channel and a chain id are bound to each other at most once. Once bound,
// neither side can be paired with anything else.
type PeerDirectory struct {
	byChannel map[types.ChannelID]types.NodeID
	byNode    map[types.NodeID]types.ChannelID
}

// NewPeerDirectory creates an empty directory.
func NewPeerDirectory() *PeerDirectory {
	return &PeerDirectory{
		byChannel: make(map[types.ChannelID]types.NodeID),
		byNode:    make(map[types.NodeID]types.ChannelID),
	}
}

// Bind pairs channel with id. It returns false if the pairing already existed
// and an error if either side is already paired with something else.
func (d *PeerDirectory) Bind(channel types.ChannelID, id types.NodeID) (bool, error) {
	if current, ok := d.byChannel[channel]; ok {
		if current == id {
			return false, nil
		}
		return false, malformed("channel %q is already bound to chain id %d", channel, current)
	}
	if current, ok := d.byNode[id]; ok {
		return false, malformed("chain id %d is already bound to channel %q", id, current)
	}
	d.byChannel[channel] = id
	d.byNode[id] = channel
	return true, nil
}

// ChainFor returns the chain id bound to channel.
func (d *PeerDirectory) ChainFor(channel types.ChannelID) (types.NodeID, bool) {
	id, ok := d.byChannel[channel]
	return id, ok
}

// ChannelFor returns the channel bound to id.
func (d *PeerDirectory) ChannelFor(id types.NodeID) (types.ChannelID, bool) {
	channel, ok := d.byNode[id]
	return channel, ok
}

// Entries returns a copy of the channel bindings.
func (d *PeerDirectory) Entries() map[types.ChannelID]types.NodeID {
	out := make(map[types.ChannelID]types.NodeID, len(d.byChannel))
	for channel, id := range d.byChannel {
		out[channel] = id
	}
	return out
}

// Import replaces the bindings with entries.
func (d *PeerDirectory) Import(entries map[types.ChannelID]types.NodeID) {
	d.byChannel = make(map[types.ChannelID]types.NodeID, len(entries))
	d.byNode = make(map[types.NodeID]types.ChannelID, len(entries))
	for channel, id := range entries {
		d.byChannel[channel] = id
		d.byNode[id] = channel
	}
}
