package engine

import (
	"sort"

	"itbft/pkg/consensus/storage"
	"itbft/pkg/consensus/types"
)

// QuorumLedger records per-view votes, first-receipt guards and sent flags.
// Thresholds are supplied by the caller; the ledger only counts.
//
// Votes are not authenticated: a voter backing two values is counted in both sets.
type QuorumLedger struct {
	// votes maps kind -> value -> set of voters
	votes map[types.MessageKind]map[types.Value]map[types.NodeID]struct{}

	// received maps kind -> set of senders already processed (Suggest, Proof)
	received map[types.MessageKind]map[types.NodeID]struct{}

	// sent records which message kinds this node already broadcast in the view
	sent map[types.MessageKind]bool
}

// NewQuorumLedger creates an empty ledger.
func NewQuorumLedger() *QuorumLedger {
	ql := &QuorumLedger{}
	ql.Reset()
	return ql
}

// Reset clears every set. It is called on view entry.
func (ql *QuorumLedger) Reset() {
	ql.votes = make(map[types.MessageKind]map[types.Value]map[types.NodeID]struct{})
	ql.received = make(map[types.MessageKind]map[types.NodeID]struct{})
	ql.sent = make(map[types.MessageKind]bool)
}

// RecordVote adds voter to the set for (kind, value) and returns the set size.
// Recording the same triple twice does not change the count.
func (ql *QuorumLedger) RecordVote(kind types.MessageKind, value types.Value, voter types.NodeID) int {
	byValue, ok := ql.votes[kind]
	if !ok {
		byValue = make(map[types.Value]map[types.NodeID]struct{})
		ql.votes[kind] = byValue
	}
	voters, ok := byValue[value]
	if !ok {
		voters = make(map[types.NodeID]struct{})
		byValue[value] = voters
	}
	voters[voter] = struct{}{}
	return len(voters)
}

// VoteCount returns the number of distinct voters for (kind, value).
func (ql *QuorumLedger) VoteCount(kind types.MessageKind, value types.Value) int {
	return len(ql.votes[kind][value])
}

// Voters returns the voters for (kind, value) in ascending order.
func (ql *QuorumLedger) Voters(kind types.MessageKind, value types.Value) []types.NodeID {
	return sortedNodeIDs(ql.votes[kind][value])
}

// Tally returns every value voted for under kind with its voters.
func (ql *QuorumLedger) Tally(kind types.MessageKind) map[types.Value][]types.NodeID {
	result := make(map[types.Value][]types.NodeID, len(ql.votes[kind]))
	for value, voters := range ql.votes[kind] {
		result[value] = sortedNodeIDs(voters)
	}
	return result
}

// HasSent reports whether this node already broadcast kind in the current view.
func (ql *QuorumLedger) HasSent(kind types.MessageKind) bool {
	return ql.sent[kind]
}

// MarkSent records that kind was broadcast in the current view.
func (ql *QuorumLedger) MarkSent(kind types.MessageKind) {
	ql.sent[kind] = true
}

// MarkReceived records the first receipt of kind from sender.
// It returns false if sender was already recorded.
func (ql *QuorumLedger) MarkReceived(kind types.MessageKind, sender types.NodeID) bool {
	senders, ok := ql.received[kind]
	if !ok {
		senders = make(map[types.NodeID]struct{})
		ql.received[kind] = senders
	}
	if _, seen := senders[sender]; seen {
		return false
	}
	senders[sender] = struct{}{}
	return true
}

// Received returns the senders recorded for kind in ascending order.
func (ql *QuorumLedger) Received(kind types.MessageKind) []types.NodeID {
	return sortedNodeIDs(ql.received[kind])
}

// Export returns a deep copy of the ledger contents.
func (ql *QuorumLedger) Export() storage.LedgerRecord {
	snap := storage.LedgerRecord{
		Votes:    make(map[types.MessageKind]map[types.Value][]types.NodeID, len(ql.votes)),
		Received: make(map[types.MessageKind][]types.NodeID, len(ql.received)),
	}
	for kind := range ql.votes {
		snap.Votes[kind] = ql.Tally(kind)
	}
	for kind, senders := range ql.received {
		snap.Received[kind] = sortedNodeIDs(senders)
	}
	for kind, sent := range ql.sent {
		if sent {
			snap.Sent = append(snap.Sent, kind)
		}
	}
	sort.Slice(snap.Sent, func(i, j int) bool { return snap.Sent[i] < snap.Sent[j] })
	return snap
}

// Import replaces the ledger contents with snap.
func (ql *QuorumLedger) Import(snap storage.LedgerRecord) {
	ql.Reset()
	for kind, byValue := range snap.Votes {
		for value, voters := range byValue {
			for _, voter := range voters {
				ql.RecordVote(kind, value, voter)
			}
		}
	}
	for kind, senders := range snap.Received {
		for _, sender := range senders {
			ql.MarkReceived(kind, sender)
		}
	}
	for _, kind := range snap.Sent {
		ql.MarkSent(kind)
	}
}

func sortedNodeIDs(set map[types.NodeID]struct{}) []types.NodeID {
	ids := make([]types.NodeID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
