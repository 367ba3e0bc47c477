package types

import (
	"fmt"
	"time"
)

// NodeState is the mutable protocol record of one running instance.
type NodeState struct {
	N    uint32 `cbor:"1,keyasint" json:"n"`
	F    uint32 `cbor:"2,keyasint" json:"f"`
	Self NodeID `cbor:"3,keyasint" json:"chain_id"`

	View    ViewNumber `cbor:"4,keyasint" json:"view"`
	Primary NodeID     `cbor:"5,keyasint" json:"primary"`

	// Phase registers hold the view at which the phase last advanced.
	Key1    ViewNumber `cbor:"6,keyasint" json:"key1"`
	Key2    ViewNumber `cbor:"7,keyasint" json:"key2"`
	Key3    ViewNumber `cbor:"8,keyasint" json:"key3"`
	Lock    ViewNumber `cbor:"9,keyasint" json:"lock"`
	Key1Val Value      `cbor:"10,keyasint" json:"key1_val"`
	Key2Val Value      `cbor:"11,keyasint" json:"key2_val"`
	Key3Val Value      `cbor:"12,keyasint" json:"key3_val"`
	LockVal Value      `cbor:"13,keyasint" json:"lock_val"`

	PrevKey1 ViewNumber `cbor:"14,keyasint" json:"prev_key1"`
	PrevKey2 ViewNumber `cbor:"15,keyasint" json:"prev_key2"`

	Suggestions []Suggestion `cbor:"16,keyasint" json:"suggestions"`
	Key2Proofs  []ProofEntry `cbor:"17,keyasint" json:"key2_proofs"`
	Proofs      []ProofEntry `cbor:"18,keyasint" json:"proofs"`

	ReceivedPropose bool `cbor:"19,keyasint" json:"received_propose"`

	Done      *Value    `cbor:"20,keyasint" json:"done,omitempty"`
	StartTime time.Time `cbor:"21,keyasint" json:"start_time"`
}

// NewNodeState creates a fresh instance record seeded with the node's input.
func NewNodeState(config *ConsensusConfig, input Value, now time.Time) *NodeState {
	s := &NodeState{
		N:    config.Nodes,
		F:    config.FaultTolerance,
		Self: config.Self,
	}
	s.Reinit(input, now)
	return s
}

// Reinit resets every register to the start of a fresh instance at view 0.
func (s *NodeState) Reinit(input Value, now time.Time) {
	s.View = 0
	s.Primary = 1
	s.Key1, s.Key2, s.Key3, s.Lock = 0, 0, 0, 0
	s.Key1Val, s.Key2Val, s.Key3Val, s.LockVal = input, input, input, input
	s.PrevKey1, s.PrevKey2 = NoView, NoView
	s.Done = nil
	s.resetViewScoped(now)
}

// EnterView moves to a later view, keeping the phase registers and clearing per-view accumulators.
func (s *NodeState) EnterView(view ViewNumber, primary NodeID, now time.Time) {
	s.View = view
	s.Primary = primary
	s.resetViewScoped(now)
}

func (s *NodeState) resetViewScoped(now time.Time) {
	s.Suggestions = nil
	s.Key2Proofs = nil
	s.Proofs = nil
	s.ReceivedPropose = false
	s.StartTime = now
}

// IsDone returns true once a value has been decided.
func (s *NodeState) IsDone() bool {
	return s.Done != nil
}

// Decide records the decided value. It returns false if a value was already decided.
func (s *NodeState) Decide(val Value) bool {
	if s.Done != nil {
		return false
	}
	v := val
	s.Done = &v
	return true
}

// Clone returns a deep copy of the state.
func (s *NodeState) Clone() *NodeState {
	c := *s
	c.Suggestions = append([]Suggestion(nil), s.Suggestions...)
	c.Key2Proofs = append([]ProofEntry(nil), s.Key2Proofs...)
	c.Proofs = append([]ProofEntry(nil), s.Proofs...)
	if s.Done != nil {
		v := *s.Done
		c.Done = &v
	}
	return &c
}

// Validate checks the register invariants of the state.
func (s *NodeState) Validate() error {
	if s.PrevKey1.IsSet() && s.Key1.IsSet() && s.PrevKey1 >= s.Key1 {
		return fmt.Errorf("prev_key1 %d must be below key1 %d", s.PrevKey1, s.Key1)
	}
	if s.PrevKey2.IsSet() && s.Key2.IsSet() && s.PrevKey2 >= s.Key2 {
		return fmt.Errorf("prev_key2 %d must be below key2 %d", s.PrevKey2, s.Key2)
	}
	for name, reg := range map[string]ViewNumber{"key1": s.Key1, "key2": s.Key2, "key3": s.Key3, "lock": s.Lock} {
		if reg > s.View {
			return fmt.Errorf("%s %d is ahead of view %d", name, reg, s.View)
		}
	}
	return nil
}

// String returns a string representation of the state for debugging.
func (s *NodeState) String() string {
	return fmt.Sprintf("NodeState{Self: %d, View: %d, Primary: %d, Key1: %d, Key2: %d, Key3: %d, Lock: %d, Done: %v}",
		s.Self, s.View, s.Primary, s.Key1, s.Key2, s.Key3, s.Lock, s.Done != nil)
}
