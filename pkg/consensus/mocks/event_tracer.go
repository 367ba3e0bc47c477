// Package mocks provides mock implementations of the engine's collaborators for testing.
package mocks

import (
	"sync"
	"time"

	"itbft/pkg/consensus/events"
)

// ConsensusEventTracer collects every event for later assertions. It is safe for concurrent use.
type ConsensusEventTracer struct {
	events []events.ConsensusEvent
	mutex  sync.RWMutex
}

// NewConsensusEventTracer creates a new collecting tracer.
func NewConsensusEventTracer() *ConsensusEventTracer {
	return &ConsensusEventTracer{
		events: make([]events.ConsensusEvent, 0, 1000),
	}
}

// RecordEvent records an engine event with timestamp
func (t *ConsensusEventTracer) RecordEvent(nodeID uint16, eventType events.EventType, payload events.EventPayload) {
	t.append(events.ConsensusEvent{
		NodeID:    nodeID,
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}

// RecordTransition records a phase transition with context
func (t *ConsensusEventTracer) RecordTransition(nodeID uint16, from, to events.State, trigger string) {
	t.append(events.ConsensusEvent{
		NodeID:    nodeID,
		EventType: events.EventStateTransition,
		FromState: from,
		ToState:   to,
		Trigger:   trigger,
		Timestamp: time.Now(),
		Payload: events.EventPayload{
			"from_state": string(from),
			"to_state":   string(to),
			"trigger":    trigger,
		},
	})
}

// RecordMessage records message sending/receiving
func (t *ConsensusEventTracer) RecordMessage(nodeID uint16, direction events.MessageDirection, msgType string, payload events.EventPayload) {
	t.append(events.ConsensusEvent{
		NodeID:      nodeID,
		EventType:   events.EventType("message_" + string(direction)),
		Direction:   direction,
		MessageType: msgType,
		Payload:     payload,
		Timestamp:   time.Now(),
	})
}

func (t *ConsensusEventTracer) append(event events.ConsensusEvent) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.events = append(t.events, event)
}

// GetEvents returns a copy of all recorded events
func (t *ConsensusEventTracer) GetEvents() []events.ConsensusEvent {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	eventsCopy := make([]events.ConsensusEvent, len(t.events))
	copy(eventsCopy, t.events)
	return eventsCopy
}

// GetEventsByType returns all events of a specific type
func (t *ConsensusEventTracer) GetEventsByType(eventType events.EventType) []events.ConsensusEvent {
	return t.filter(func(e events.ConsensusEvent) bool { return e.EventType == eventType })
}

// GetEventsByNode returns all events for a specific node
func (t *ConsensusEventTracer) GetEventsByNode(nodeID uint16) []events.ConsensusEvent {
	return t.filter(func(e events.ConsensusEvent) bool { return e.NodeID == nodeID })
}

// GetEventsByNodeAndType returns events for a specific node and type
func (t *ConsensusEventTracer) GetEventsByNodeAndType(nodeID uint16, eventType events.EventType) []events.ConsensusEvent {
	return t.filter(func(e events.ConsensusEvent) bool { return e.NodeID == nodeID && e.EventType == eventType })
}

// GetTransitionsTo returns the transitions of nodeID into state.
func (t *ConsensusEventTracer) GetTransitionsTo(nodeID uint16, state events.State) []events.ConsensusEvent {
	return t.filter(func(e events.ConsensusEvent) bool {
		return e.NodeID == nodeID && e.EventType == events.EventStateTransition && e.ToState == state
	})
}

// GetMessages returns the messages of msgType nodeID sent or received.
func (t *ConsensusEventTracer) GetMessages(nodeID uint16, direction events.MessageDirection, msgType string) []events.ConsensusEvent {
	return t.filter(func(e events.ConsensusEvent) bool {
		return e.NodeID == nodeID && e.Direction == direction && e.MessageType == msgType
	})
}

func (t *ConsensusEventTracer) filter(keep func(events.ConsensusEvent) bool) []events.ConsensusEvent {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	var filtered []events.ConsensusEvent
	for _, event := range t.events {
		if keep(event) {
			filtered = append(filtered, event)
		}
	}
	return filtered
}

// Reset clears all recorded events
func (t *ConsensusEventTracer) Reset() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.events = t.events[:0]
}

// GetEventCount returns the total number of recorded events
func (t *ConsensusEventTracer) GetEventCount() int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return len(t.events)
}
