// Package messages defines the message types exchanged by agreement nodes.
//
// Message is a closed sum type: only the variants declared in this package
// implement it, and handlers switch over them exhaustively.
package messages

import (
	"fmt"

	"itbft/pkg/consensus/types"
)

// MessageType represents the different types of protocol messages.
type MessageType uint8

const (
	// MsgTypeRequest announces that the sender started a view
	MsgTypeRequest MessageType = iota + 1
	// MsgTypeSuggest carries the sender's key2/key3 registers to the primary
	MsgTypeSuggest
	// MsgTypeProof carries the sender's key1 register to every node
	MsgTypeProof
	// MsgTypePropose is the primary's proposal for the view
	MsgTypePropose
	// MsgTypeEcho is the first phase vote
	MsgTypeEcho
	// MsgTypeKey1 is the second phase vote
	MsgTypeKey1
	// MsgTypeKey2 is the third phase vote
	MsgTypeKey2
	// MsgTypeKey3 is the fourth phase vote
	MsgTypeKey3
	// MsgTypeLock is the fifth phase vote
	MsgTypeLock
	// MsgTypeDone announces a decision
	MsgTypeDone
	// MsgTypeAbort reports the highest view the sender aborted
	MsgTypeAbort
	// MsgTypeSelfAbort is an abort raised without waiting for the view timeout
	MsgTypeSelfAbort
	// MsgTypeWhoAmI binds a transport channel to the sender's chain id
	MsgTypeWhoAmI
	// MsgTypeMsgQueue is the batched envelope carried by the transport
	MsgTypeMsgQueue
)

// String returns a human-readable representation of the message type.
func (mt MessageType) String() string {
	switch mt {
	case MsgTypeRequest:
		return "Request"
	case MsgTypeSuggest:
		return "Suggest"
	case MsgTypeProof:
		return "Proof"
	case MsgTypePropose:
		return "Propose"
	case MsgTypeEcho:
		return "Echo"
	case MsgTypeKey1:
		return "Key1"
	case MsgTypeKey2:
		return "Key2"
	case MsgTypeKey3:
		return "Key3"
	case MsgTypeLock:
		return "Lock"
	case MsgTypeDone:
		return "Done"
	case MsgTypeAbort:
		return "Abort"
	case MsgTypeSelfAbort:
		return "SelfAbort"
	case MsgTypeWhoAmI:
		return "WhoAmI"
	case MsgTypeMsgQueue:
		return "MsgQueue"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the message type is one of the declared variants.
func (mt MessageType) IsValid() bool {
	return mt >= MsgTypeRequest && mt <= MsgTypeMsgQueue
}

// Kind returns the idempotency/tally kind for the message type.
func (mt MessageType) Kind() types.MessageKind {
	return types.MessageKind(mt.String())
}

// Message defines the common interface for all protocol messages.
type Message interface {
	// Type returns the message type
	Type() MessageType
	// Validate performs basic validation on the message
	Validate(config *types.ConsensusConfig) error

	isMessage()
}

// ViewOf returns the view a message refers to, if it carries one.
func ViewOf(msg Message) (types.ViewNumber, bool) {
	switch m := msg.(type) {
	case *RequestMsg:
		return m.View, true
	case *SuggestMsg:
		return m.View, true
	case *ProofMsg:
		return m.View, true
	case *ProposeMsg:
		return m.View, true
	case *EchoMsg:
		return m.View, true
	case *Key1Msg:
		return m.View, true
	case *Key2Msg:
		return m.View, true
	case *Key3Msg:
		return m.View, true
	case *LockMsg:
		return m.View, true
	case *AbortMsg:
		return m.View, true
	case *SelfAbortMsg:
		return m.View, true
	default:
		return types.NoView, false
	}
}

func validateChainID(config *types.ConsensusConfig, id types.NodeID, field string) error {
	if config != nil && !config.IsValidNodeID(id) {
		return fmt.Errorf("invalid %s: %d", field, id)
	}
	return nil
}

func validateView(view types.ViewNumber) error {
	if view < 0 {
		return fmt.Errorf("view cannot be negative: %d", view)
	}
	return nil
}

// RequestMsg announces that ChainID started View.
type RequestMsg struct {
	View    types.ViewNumber `cbor:"1,keyasint"`
	ChainID types.NodeID     `cbor:"2,keyasint"`
}

// NewRequestMsg creates a new request message.
func NewRequestMsg(view types.ViewNumber, chainID types.NodeID) *RequestMsg {
	return &RequestMsg{View: view, ChainID: chainID}
}

func (m *RequestMsg) Type() MessageType { return MsgTypeRequest }
func (m *RequestMsg) isMessage()        {}

// Validate performs basic validation on the request message.
func (m *RequestMsg) Validate(config *types.ConsensusConfig) error {
	if err := validateView(m.View); err != nil {
		return err
	}
	return validateChainID(config, m.ChainID, "request chain id")
}

// SuggestMsg carries the sender's key2 and key3 registers to the primary.
type SuggestMsg struct {
	ChainID  types.NodeID     `cbor:"1,keyasint"`
	View     types.ViewNumber `cbor:"2,keyasint"`
	Key2     types.ViewNumber `cbor:"3,keyasint"`
	Key2Val  types.Value      `cbor:"4,keyasint"`
	PrevKey2 types.ViewNumber `cbor:"5,keyasint"`
	Key3     types.ViewNumber `cbor:"6,keyasint"`
	Key3Val  types.Value      `cbor:"7,keyasint"`
}

// NewSuggestMsg builds a suggest message from the sender's registers.
func NewSuggestMsg(state *types.NodeState) *SuggestMsg {
	return &SuggestMsg{
		ChainID:  state.Self,
		View:     state.View,
		Key2:     state.Key2,
		Key2Val:  state.Key2Val,
		PrevKey2: state.PrevKey2,
		Key3:     state.Key3,
		Key3Val:  state.Key3Val,
	}
}

func (m *SuggestMsg) Type() MessageType { return MsgTypeSuggest }
func (m *SuggestMsg) isMessage()        {}

// Validate performs basic validation on the suggest message.
func (m *SuggestMsg) Validate(config *types.ConsensusConfig) error {
	if err := validateView(m.View); err != nil {
		return err
	}
	if m.Key2 < 0 || m.Key3 < 0 {
		return fmt.Errorf("suggest keys cannot be negative: key2=%d key3=%d", m.Key2, m.Key3)
	}
	if m.PrevKey2 < types.NoView {
		return fmt.Errorf("invalid prev_key2: %d", m.PrevKey2)
	}
	return validateChainID(config, m.ChainID, "suggest chain id")
}

// Key2Proof returns the key2 triple carried by the message.
func (m *SuggestMsg) Key2Proof() types.ProofEntry {
	return types.ProofEntry{Key: m.Key2, Value: m.Key2Val, PrevKey: m.PrevKey2}
}

// ProofMsg carries the sender's key1 register.
type ProofMsg struct {
	Key1     types.ViewNumber `cbor:"1,keyasint"`
	Key1Val  types.Value      `cbor:"2,keyasint"`
	PrevKey1 types.ViewNumber `cbor:"3,keyasint"`
	View     types.ViewNumber `cbor:"4,keyasint"`
}

// NewProofMsg builds a proof message from the sender's registers.
func NewProofMsg(state *types.NodeState) *ProofMsg {
	return &ProofMsg{
		Key1:     state.Key1,
		Key1Val:  state.Key1Val,
		PrevKey1: state.PrevKey1,
		View:     state.View,
	}
}

func (m *ProofMsg) Type() MessageType { return MsgTypeProof }
func (m *ProofMsg) isMessage()        {}

// Validate performs basic validation on the proof message.
func (m *ProofMsg) Validate(config *types.ConsensusConfig) error {
	if err := validateView(m.View); err != nil {
		return err
	}
	if m.Key1 < 0 {
		return fmt.Errorf("proof key1 cannot be negative: %d", m.Key1)
	}
	if m.PrevKey1 < types.NoView {
		return fmt.Errorf("invalid prev_key1: %d", m.PrevKey1)
	}
	return nil
}

// Entry returns the key1 triple carried by the message.
func (m *ProofMsg) Entry() types.ProofEntry {
	return types.ProofEntry{Key: m.Key1, Value: m.Key1Val, PrevKey: m.PrevKey1}
}

// ProposeMsg is the primary's proposal (K, V) for View.
type ProposeMsg struct {
	ChainID types.NodeID     `cbor:"1,keyasint"`
	K       types.ViewNumber `cbor:"2,keyasint"`
	V       types.Value      `cbor:"3,keyasint"`
	View    types.ViewNumber `cbor:"4,keyasint"`
}

// NewProposeMsg creates a new propose message.
func NewProposeMsg(chainID types.NodeID, k types.ViewNumber, v types.Value, view types.ViewNumber) *ProposeMsg {
	return &ProposeMsg{ChainID: chainID, K: k, V: v, View: view}
}

func (m *ProposeMsg) Type() MessageType { return MsgTypePropose }
func (m *ProposeMsg) isMessage()        {}

// Validate performs basic validation on the propose message.
func (m *ProposeMsg) Validate(config *types.ConsensusConfig) error {
	if err := validateView(m.View); err != nil {
		return err
	}
	if m.K < 0 {
		return fmt.Errorf("propose key cannot be negative: %d", m.K)
	}
	return validateChainID(config, m.ChainID, "proposer")
}

// PhaseVote is the payload shared by the value-carrying phase votes.
type PhaseVote struct {
	Val  types.Value      `cbor:"1,keyasint"`
	View types.ViewNumber `cbor:"2,keyasint"`
}

// Validate performs basic validation on the vote payload.
func (v PhaseVote) Validate(config *types.ConsensusConfig) error {
	return validateView(v.View)
}

// EchoMsg is the Echo phase vote.
type EchoMsg struct{ PhaseVote }

// Key1Msg is the Key1 phase vote.
type Key1Msg struct{ PhaseVote }

// Key2Msg is the Key2 phase vote.
type Key2Msg struct{ PhaseVote }

// Key3Msg is the Key3 phase vote.
type Key3Msg struct{ PhaseVote }

// LockMsg is the Lock phase vote.
type LockMsg struct{ PhaseVote }

func (m *EchoMsg) Type() MessageType { return MsgTypeEcho }
func (m *Key1Msg) Type() MessageType { return MsgTypeKey1 }
func (m *Key2Msg) Type() MessageType { return MsgTypeKey2 }
func (m *Key3Msg) Type() MessageType { return MsgTypeKey3 }
func (m *LockMsg) Type() MessageType { return MsgTypeLock }

func (m *EchoMsg) isMessage() {}
func (m *Key1Msg) isMessage() {}
func (m *Key2Msg) isMessage() {}
func (m *Key3Msg) isMessage() {}
func (m *LockMsg) isMessage() {}

// NewPhaseVote builds the vote message of the given type.
func NewPhaseVote(mt MessageType, val types.Value, view types.ViewNumber) (Message, error) {
	vote := PhaseVote{Val: val, View: view}
	switch mt {
	case MsgTypeEcho:
		return &EchoMsg{vote}, nil
	case MsgTypeKey1:
		return &Key1Msg{vote}, nil
	case MsgTypeKey2:
		return &Key2Msg{vote}, nil
	case MsgTypeKey3:
		return &Key3Msg{vote}, nil
	case MsgTypeLock:
		return &LockMsg{vote}, nil
	default:
		return nil, fmt.Errorf("%s is not a phase vote", mt)
	}
}

// DoneMsg announces that the sender considers Val decided.
type DoneMsg struct {
	Val types.Value `cbor:"1,keyasint"`
}

// NewDoneMsg creates a new done message.
func NewDoneMsg(val types.Value) *DoneMsg {
	return &DoneMsg{Val: val}
}

func (m *DoneMsg) Type() MessageType { return MsgTypeDone }
func (m *DoneMsg) isMessage()        {}

// Validate performs basic validation on the done message.
func (m *DoneMsg) Validate(config *types.ConsensusConfig) error {
	return nil
}

// AbortMsg reports that ChainID aborted View.
type AbortMsg struct {
	View    types.ViewNumber `cbor:"1,keyasint"`
	ChainID types.NodeID     `cbor:"2,keyasint"`
}

// NewAbortMsg creates a new abort message.
func NewAbortMsg(view types.ViewNumber, chainID types.NodeID) *AbortMsg {
	return &AbortMsg{View: view, ChainID: chainID}
}

func (m *AbortMsg) Type() MessageType { return MsgTypeAbort }
func (m *AbortMsg) isMessage()        {}

// Validate performs basic validation on the abort message.
func (m *AbortMsg) Validate(config *types.ConsensusConfig) error {
	if err := validateView(m.View); err != nil {
		return err
	}
	return validateChainID(config, m.ChainID, "abort chain id")
}

// SelfAbortMsg is an abort a node raises on its own once it sees others ahead.
type SelfAbortMsg struct {
	View    types.ViewNumber `cbor:"1,keyasint"`
	ChainID types.NodeID     `cbor:"2,keyasint"`
}

// NewSelfAbortMsg creates a new self-abort message.
func NewSelfAbortMsg(view types.ViewNumber, chainID types.NodeID) *SelfAbortMsg {
	return &SelfAbortMsg{View: view, ChainID: chainID}
}

func (m *SelfAbortMsg) Type() MessageType { return MsgTypeSelfAbort }
func (m *SelfAbortMsg) isMessage()        {}

// Validate performs basic validation on the self-abort message.
func (m *SelfAbortMsg) Validate(config *types.ConsensusConfig) error {
	if err := validateView(m.View); err != nil {
		return err
	}
	return validateChainID(config, m.ChainID, "self-abort chain id")
}

// WhoAmIMsg binds the channel it arrives on to ChainID.
type WhoAmIMsg struct {
	ChainID types.NodeID `cbor:"1,keyasint"`
}

// NewWhoAmIMsg creates a new peer announcement.
func NewWhoAmIMsg(chainID types.NodeID) *WhoAmIMsg {
	return &WhoAmIMsg{ChainID: chainID}
}

func (m *WhoAmIMsg) Type() MessageType { return MsgTypeWhoAmI }
func (m *WhoAmIMsg) isMessage()        {}

// Validate performs basic validation on the announcement.
func (m *WhoAmIMsg) Validate(config *types.ConsensusConfig) error {
	return validateChainID(config, m.ChainID, "announced chain id")
}

// MsgQueue is the ordered batch sent to one peer as a single packet.
type MsgQueue struct {
	Messages []Message
}

// NewMsgQueue creates a batch from the given messages.
func NewMsgQueue(msgs ...Message) *MsgQueue {
	return &MsgQueue{Messages: append([]Message(nil), msgs...)}
}

func (m *MsgQueue) Type() MessageType { return MsgTypeMsgQueue }
func (m *MsgQueue) isMessage()        {}

// Validate performs basic validation on the batch.
func (m *MsgQueue) Validate(config *types.ConsensusConfig) error {
	for i, msg := range m.Messages {
		if msg == nil {
			return fmt.Errorf("message %d is nil", i)
		}
		if _, nested := msg.(*MsgQueue); nested {
			return fmt.Errorf("message %d: nested MsgQueue", i)
		}
	}
	return nil
}

// Len returns the number of messages in the batch.
func (m *MsgQueue) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Messages)
}

// Describe returns a short human-readable description of a message.
func Describe(msg Message) string {
	switch m := msg.(type) {
	case *RequestMsg:
		return fmt.Sprintf("Request{view: %d, from: %d}", m.View, m.ChainID)
	case *SuggestMsg:
		return fmt.Sprintf("Suggest{from: %d, view: %d, key2: %d, key3: %d}", m.ChainID, m.View, m.Key2, m.Key3)
	case *ProofMsg:
		return fmt.Sprintf("Proof{key1: %d, prev_key1: %d, view: %d}", m.Key1, m.PrevKey1, m.View)
	case *ProposeMsg:
		return fmt.Sprintf("Propose{from: %d, k: %d, v: %q, view: %d}", m.ChainID, m.K, m.V, m.View)
	case *EchoMsg, *Key1Msg, *Key2Msg, *Key3Msg, *LockMsg:
		view, _ := ViewOf(m)
		return fmt.Sprintf("%s{view: %d}", m.Type(), view)
	case *DoneMsg:
		return fmt.Sprintf("Done{val: %q}", m.Val)
	case *AbortMsg:
		return fmt.Sprintf("Abort{view: %d, from: %d}", m.View, m.ChainID)
	case *SelfAbortMsg:
		return fmt.Sprintf("SelfAbort{view: %d, from: %d}", m.View, m.ChainID)
	case *WhoAmIMsg:
		return fmt.Sprintf("WhoAmI{chain_id: %d}", m.ChainID)
	case *MsgQueue:
		return fmt.Sprintf("MsgQueue{len: %d}", m.Len())
	default:
		return "Unknown"
	}
}
