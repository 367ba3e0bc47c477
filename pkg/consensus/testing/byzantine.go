package testing

import (
	"itbft/pkg/consensus/messages"
	"itbft/pkg/consensus/types"
)

// Silent drops every batch sent by id.
func Silent(id types.NodeID) Interceptor {
	return func(d Delivery) (Delivery, bool) {
		return d, d.From != id
	}
}

// Isolate drops every batch sent to or by id.
func Isolate(id types.NodeID) Interceptor {
	return func(d Delivery) (Delivery, bool) {
		return d, d.From != id && d.To != id
	}
}

// Withhold removes messages of the given types sent by from.
func Withhold(from types.NodeID, kinds ...messages.MessageType) Interceptor {
	drop := make(map[messages.MessageType]bool, len(kinds))
	for _, k := range kinds {
		drop[k] = true
	}
	return rewrite(func(d Delivery, msg messages.Message) messages.Message {
		if d.From == from && drop[msg.Type()] {
			return nil
		}
		return msg
	})
}

// ConflictingProposal makes primary propose value to targets instead of its real proposal.
func ConflictingProposal(primary types.NodeID, value types.Value, targets ...types.NodeID) Interceptor {
	aimed := nodeSet(targets)
	return rewrite(func(d Delivery, msg messages.Message) messages.Message {
		p, ok := msg.(*messages.ProposeMsg)
		if !ok || d.From != primary || !aimed[d.To] {
			return msg
		}
		return messages.NewProposeMsg(p.ChainID, p.K, value, p.View)
	})
}

// ConflictingVotes makes id vote for value towards targets in every phase vote and Done.
func ConflictingVotes(id types.NodeID, value types.Value, targets ...types.NodeID) Interceptor {
	aimed := nodeSet(targets)
	return rewrite(func(d Delivery, msg messages.Message) messages.Message {
		if d.From != id || !aimed[d.To] {
			return msg
		}
		if done, ok := msg.(*messages.DoneMsg); ok && done.Val != value {
			return messages.NewDoneMsg(value)
		}
		view, ok := messages.ViewOf(msg)
		if !ok {
			return msg
		}
		vote, err := messages.NewPhaseVote(msg.Type(), value, view)
		if err != nil {
			return msg
		}
		return vote
	})
}

// rewrite applies fn to each message of a delivery, building a new batch.
// A nil result removes the message; an empty batch is dropped.
func rewrite(fn func(d Delivery, msg messages.Message) messages.Message) Interceptor {
	return func(d Delivery) (Delivery, bool) {
		out := make([]messages.Message, 0, d.Queue.Len())
		for _, msg := range d.Queue.Messages {
			if m := fn(d, msg); m != nil {
				out = append(out, m)
			}
		}
		if len(out) == 0 {
			return d, false
		}
		d.Queue = messages.NewMsgQueue(out...)
		return d, true
	}
}

func nodeSet(ids []types.NodeID) map[types.NodeID]bool {
	set := make(map[types.NodeID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
