// Package events defines the event tracing abstraction for the agreement engine.
// The engine reports what it does through an EventTracer so that tests can collect
// events and the node binary can export them as metrics.
package events

import (
	"time"
)

// EventTracer provides production-safe event tracing for the agreement engine.
// Nodes without a collector use NoOpEventTracer.
type EventTracer interface {
	// RecordEvent records an engine event with associated payload
	RecordEvent(nodeID uint16, eventType EventType, payload EventPayload)

	// RecordTransition records a phase transition of the node
	RecordTransition(nodeID uint16, from, to State, trigger string)

	// RecordMessage records message sending/receiving for network analysis
	RecordMessage(nodeID uint16, direction MessageDirection, msgType string, payload EventPayload)
}

// EventType represents the type of engine event that occurred
type EventType string

const (
	// Instance lifecycle
	EventInstanceStarted  EventType = "instance_started"
	EventInstancePrepared EventType = "instance_prepared"
	EventStateRestored    EventType = "state_restored"

	// Proposal events
	EventSuggestAccepted EventType = "suggest_accepted"
	EventProposalCreated EventType = "proposal_created"
	EventProposalEchoed  EventType = "proposal_echoed"
	EventProposalIgnored EventType = "proposal_ignored"

	// Quorum events
	EventQuorumReached EventType = "quorum_reached"
	EventValueDecided  EventType = "value_decided"

	// View management
	EventAbortSent     EventType = "abort_sent"
	EventAbortReceived EventType = "abort_received"
	EventSelfAbort     EventType = "self_abort"
	EventViewChange    EventType = "view_change"

	// Peer management
	EventChannelBound EventType = "channel_bound"
	EventPeerJoined   EventType = "peer_joined"

	// Batch and storage
	EventMessageRejected EventType = "message_rejected"
	EventBatchFlushed    EventType = "batch_flushed"
	EventStorageCommit   EventType = "storage_commit"
	EventStorageRollback EventType = "storage_rollback"

	// State Events - Internal state transitions
	EventStateTransition EventType = "state_transition"
)

// EventPayload contains event-specific data as key-value pairs
type EventPayload map[string]interface{}

// State represents the phase a node has reached in the current view
type State string

const (
	StateIdle      State = "idle"
	StateRequested State = "requested"
	StateProposed  State = "proposed"
	StateEchoed    State = "echoed"
	StateKey1      State = "key1"
	StateKey2      State = "key2"
	StateKey3      State = "key3"
	StateLocked    State = "locked"
	StateDone      State = "done"
	StateAborting  State = "aborting"
)

// MessageDirection indicates whether a message is being sent or received
type MessageDirection string

const (
	MessageInbound  MessageDirection = "inbound"
	MessageOutbound MessageDirection = "outbound"
)

// ConsensusEvent represents a single recorded event
type ConsensusEvent struct {
	NodeID    uint16       `json:"node_id"`
	EventType EventType    `json:"event_type"`
	Payload   EventPayload `json:"payload"`
	Timestamp time.Time    `json:"timestamp"`

	// State transition specific fields
	FromState State  `json:"from_state,omitempty"`
	ToState   State  `json:"to_state,omitempty"`
	Trigger   string `json:"trigger,omitempty"`

	// Message specific fields
	Direction   MessageDirection `json:"direction,omitempty"`
	MessageType string           `json:"message_type,omitempty"`
}

// NoOpEventTracer discards every event.
type NoOpEventTracer struct{}

// RecordEvent does nothing
func (t *NoOpEventTracer) RecordEvent(nodeID uint16, eventType EventType, payload EventPayload) {}

// RecordTransition does nothing
func (t *NoOpEventTracer) RecordTransition(nodeID uint16, from, to State, trigger string) {}

// RecordMessage does nothing
func (t *NoOpEventTracer) RecordMessage(nodeID uint16, direction MessageDirection, msgType string, payload EventPayload) {
}
