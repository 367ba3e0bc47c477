package engine

import (
	"fmt"

	"itbft/pkg/consensus/messages"
	"itbft/pkg/consensus/types"
)

// PhaseChainDepth is the longest chain of self-deliveries one event triggers in a
// fault-free view: Request, Suggest, Propose, Echo, Key1, Key2, Key3, Lock, Done.
const PhaseChainDepth = 9

// maxDeliveryDepth bounds self-delivery recursion. An abort that moves the view
// starts a second phase chain on top of the first.
const maxDeliveryDepth = 2*PhaseChainDepth + 4

// DeliverFunc processes one message as if it arrived from sender.
type DeliverFunc func(sender types.NodeID, msg messages.Message) error

// MessageRouter buffers outbound messages per peer, holds messages for peers that
// have not joined the view yet and loops messages addressed to this node straight
// back into the engine.
type MessageRouter struct {
	self    types.NodeID
	peers   []types.NodeID
	deliver DeliverFunc

	// outbound is the per-peer batch built while processing one entry point
	outbound map[types.NodeID][]messages.Message
	// order keeps peers in first-enqueue order so flushes are deterministic
	order []types.NodeID

	// pending holds messages for peers whose Request for the current view is not yet seen
	pending map[types.NodeID][]messages.Message

	depth    int
	maxDepth int
}

// NewMessageRouter creates a router for self with the given peers.
func NewMessageRouter(self types.NodeID, peers []types.NodeID, deliver DeliverFunc) *MessageRouter {
	return &MessageRouter{
		self:     self,
		peers:    append([]types.NodeID(nil), peers...),
		deliver:  deliver,
		outbound: make(map[types.NodeID][]messages.Message),
		pending:  make(map[types.NodeID][]messages.Message),
	}
}

// Enqueue appends msg to the batch for dest.
func (r *MessageRouter) Enqueue(dest types.NodeID, msg messages.Message) {
	if _, ok := r.outbound[dest]; !ok {
		r.order = append(r.order, dest)
	}
	r.outbound[dest] = append(r.outbound[dest], msg)
}

// SelfDeliver hands msg to the engine with this node as sender.
func (r *MessageRouter) SelfDeliver(msg messages.Message) error {
	if r.depth >= maxDeliveryDepth {
		return fmt.Errorf("self-delivery depth %d exceeded while delivering %s", maxDeliveryDepth, msg.Type())
	}
	r.depth++
	if r.depth > r.maxDepth {
		r.maxDepth = r.depth
	}
	defer func() { r.depth-- }()
	return r.deliver(r.self, msg)
}

// SendAll enqueues msg for every peer and then delivers it to this node.
func (r *MessageRouter) SendAll(msg messages.Message) error {
	for _, p := range r.peers {
		r.Enqueue(p, msg)
	}
	return r.SelfDeliver(msg)
}

// SendTo sends msg to one node, delivering it directly when dest is this node.
func (r *MessageRouter) SendTo(dest types.NodeID, msg messages.Message) error {
	if dest == r.self {
		return r.SelfDeliver(msg)
	}
	r.Enqueue(dest, msg)
	return nil
}

// ConditionalBroadcast enqueues msg for every joined peer, holds it for the others
// and then delivers it to this node.
func (r *MessageRouter) ConditionalBroadcast(msg messages.Message, joined func(types.NodeID) bool) error {
	for _, p := range r.peers {
		if joined(p) {
			r.Enqueue(p, msg)
		} else {
			r.pending[p] = append(r.pending[p], msg)
		}
	}
	return r.SelfDeliver(msg)
}

// ReleasePending moves the messages held for p into its outbound batch.
func (r *MessageRouter) ReleasePending(p types.NodeID) int {
	held := r.pending[p]
	if len(held) == 0 {
		return 0
	}
	for _, msg := range held {
		r.Enqueue(p, msg)
	}
	delete(r.pending, p)
	return len(held)
}

// ResetPending drops every held message. It is called on view entry.
func (r *MessageRouter) ResetPending() {
	r.pending = make(map[types.NodeID][]messages.Message)
}

// Flush returns the outbound batches and clears them.
func (r *MessageRouter) Flush() map[types.NodeID]*messages.MsgQueue {
	batch := make(map[types.NodeID]*messages.MsgQueue, len(r.outbound))
	for _, dest := range r.order {
		batch[dest] = messages.NewMsgQueue(r.outbound[dest]...)
	}
	r.DiscardOutbound()
	return batch
}

// DiscardOutbound drops the outbound batches without returning them.
func (r *MessageRouter) DiscardOutbound() {
	r.outbound = make(map[types.NodeID][]messages.Message)
	r.order = nil
}

// Pending returns a copy of the held messages.
func (r *MessageRouter) Pending() map[types.NodeID][]messages.Message {
	out := make(map[types.NodeID][]messages.Message, len(r.pending))
	for p, held := range r.pending {
		out[p] = append([]messages.Message(nil), held...)
	}
	return out
}

// ExportPending returns the held messages as batches for persistence.
func (r *MessageRouter) ExportPending() map[types.NodeID]*messages.MsgQueue {
	out := make(map[types.NodeID]*messages.MsgQueue, len(r.pending))
	for p, held := range r.pending {
		out[p] = messages.NewMsgQueue(held...)
	}
	return out
}

// ImportPending replaces the held messages.
func (r *MessageRouter) ImportPending(pending map[types.NodeID]*messages.MsgQueue) {
	r.ResetPending()
	for p, queue := range pending {
		if queue.Len() > 0 {
			r.pending[p] = append([]messages.Message(nil), queue.Messages...)
		}
	}
}

// MaxDepth returns the deepest self-delivery recursion observed.
func (r *MessageRouter) MaxDepth() int {
	return r.maxDepth
}
