// Package types defines the fundamental data types used throughout the agreement protocol.
package types

import (
	"fmt"
	"strconv"
)

// ViewNumber represents a consensus view identifier.
// Each view corresponds to one attempt at agreement led by a single primary.
// It is signed so that NoView can mark registers that were never set.
type ViewNumber int64

// NoView is the sentinel for a view register that has never been set.
const NoView ViewNumber = -1

// IsSet reports whether the view register holds a real view.
func (v ViewNumber) IsSet() bool {
	return v >= 0
}

// NodeID represents a unique identifier for a consensus participant (its chain id).
// NodeIDs are 1-indexed: a configuration of n nodes uses IDs 1..n.
type NodeID uint16

// String returns a string representation of the NodeID.
func (n NodeID) String() string {
	return strconv.FormatUint(uint64(n), 10)
}

// Value is the opaque application payload the nodes agree on.
type Value string

// ChannelID identifies the transport channel a packet arrived on.
// The peer directory maps channels to the NodeID that announced itself on them.
type ChannelID string

// MessageKind names a message type for idempotency guards and vote tallies.
type MessageKind string

const (
	KindRequest   MessageKind = "Request"
	KindSuggest   MessageKind = "Suggest"
	KindProof     MessageKind = "Proof"
	KindPropose   MessageKind = "Propose"
	KindEcho      MessageKind = "Echo"
	KindKey1      MessageKind = "Key1"
	KindKey2      MessageKind = "Key2"
	KindKey3      MessageKind = "Key3"
	KindLock      MessageKind = "Lock"
	KindDone      MessageKind = "Done"
	KindAbort     MessageKind = "Abort"
	KindSelfAbort MessageKind = "SelfAbort"
)

// VoteKinds lists the kinds whose votes are counted per value.
var VoteKinds = []MessageKind{KindEcho, KindKey1, KindKey2, KindKey3, KindLock, KindDone}

// IsVoteKind returns true if votes of this kind are tallied per value.
func (k MessageKind) IsVoteKind() bool {
	for _, kind := range VoteKinds {
		if kind == k {
			return true
		}
	}
	return false
}

// Suggestion is a (key, value) candidate collected by the primary from Suggest messages.
type Suggestion struct {
	Key   ViewNumber `cbor:"1,keyasint" json:"key"`
	Value Value      `cbor:"2,keyasint" json:"value"`
}

// Less orders suggestions lexicographically by key, then value.
func (s Suggestion) Less(other Suggestion) bool {
	if s.Key != other.Key {
		return s.Key < other.Key
	}
	return s.Value < other.Value
}

// String returns a string representation of the suggestion.
func (s Suggestion) String() string {
	return fmt.Sprintf("Suggestion{Key: %d, Value: %q}", s.Key, s.Value)
}

// ProofEntry is a (key, value, previous key) triple reported by a peer.
// The primary collects them from Suggest (key2) and every node from Proof (key1).
type ProofEntry struct {
	Key     ViewNumber `cbor:"1,keyasint" json:"key"`
	Value   Value      `cbor:"2,keyasint" json:"value"`
	PrevKey ViewNumber `cbor:"3,keyasint" json:"prev_key"`
}

// IsWellFormed reports whether the entry satisfies prevKey < key < view.
func (p ProofEntry) IsWellFormed(view ViewNumber) bool {
	return p.PrevKey < p.Key && p.Key < view
}

// String returns a string representation of the proof entry.
func (p ProofEntry) String() string {
	return fmt.Sprintf("ProofEntry{Key: %d, Value: %q, PrevKey: %d}", p.Key, p.Value, p.PrevKey)
}
