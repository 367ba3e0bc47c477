package engine

import (
	"itbft/pkg/consensus/types"
)

// SafetyRules holds the certificate checks that keep two views from deciding different values.
// A certificate is a set of proof entries reported by distinct peers; a check passes
// once threshold entries support it.
type SafetyRules struct {
	// threshold is the number of supporting entries a certificate needs (f+1)
	threshold int
}

// NewSafetyRules creates the checks for the given certificate threshold.
func NewSafetyRules(threshold int) *SafetyRules {
	if threshold < 1 {
		threshold = 1
	}
	return &SafetyRules{threshold: threshold}
}

// AcceptKey reports whether the proofs justify (key, value) as a suggestion.
// An entry (k, v, pk) supports it when key < pk, or key <= k and value == v.
func AcceptKey(key types.ViewNumber, value types.Value, proofs []types.ProofEntry, threshold int) bool {
	supporting := 0
	for _, p := range proofs {
		if key < p.PrevKey || (key <= p.Key && value == p.Value) {
			supporting++
		}
	}
	return supporting >= threshold
}

// OpenLock reports whether the proofs show that a lock on (lock, lockVal) cannot have decided.
// An entry (k, v, pk) supports opening when lock <= pk, or lock <= k and v != lockVal.
func OpenLock(lock types.ViewNumber, lockVal types.Value, proofs []types.ProofEntry, threshold int) bool {
	supporting := 0
	for _, p := range proofs {
		if lock <= p.PrevKey || (lock <= p.Key && p.Value != lockVal) {
			supporting++
		}
	}
	return supporting >= threshold
}

// AcceptSuggestion decides whether the primary keeps a peer's key3 suggestion.
// A zero key3 carries the peer's input and is always kept.
func (sr *SafetyRules) AcceptSuggestion(state *types.NodeState, key3 types.ViewNumber, key3Val types.Value) bool {
	if key3 == 0 {
		return true
	}
	return key3 < state.View && AcceptKey(key3, key3Val, state.Key2Proofs, sr.threshold)
}

// CanEcho decides whether the node echoes the primary's proposal (k, v).
// An unlocked node, or one locked on v, echoes; otherwise the lock must be opened
// by proofs gathered in this view.
func (sr *SafetyRules) CanEcho(state *types.NodeState, k types.ViewNumber, v types.Value) bool {
	if state.Lock == 0 || v == state.LockVal {
		return true
	}
	return state.View > k && k >= state.Lock && OpenLock(state.Lock, state.LockVal, state.Proofs, sr.threshold)
}

// Threshold returns the number of supporting entries a certificate needs.
func (sr *SafetyRules) Threshold() int {
	return sr.threshold
}
