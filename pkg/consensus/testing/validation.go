package testing

import (
	"fmt"

	"itbft/pkg/consensus/events"
)

// ValidationRule examines a recorded event history and reports violations.
type ValidationRule interface {
	// Validate examines events and returns any violations found
	Validate(eventList []events.ConsensusEvent) []ValidationError

	// Description returns a human-readable description of what this rule validates
	Description() string
}

// ValidationError represents a rule violation found during event validation
type ValidationError struct {
	Rule            string                  `json:"rule"`
	RuleDescription string                  `json:"description"`
	Events          []events.ConsensusEvent `json:"events,omitempty"`
	Severity        Severity                `json:"severity"`
	NodeID          uint16                  `json:"node_id,omitempty"`
	View            int64                   `json:"view,omitempty"`
}

// Error implements the error interface
func (ve ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", ve.Severity, ve.Rule, ve.RuleDescription)
}

// Severity indicates how critical a validation error is
type Severity string

const (
	SeverityError   Severity = "error"   // Protocol violation - must not happen
	SeverityWarning Severity = "warning" // Unusual but allowed behavior
)

// MustHappenBeforeRule validates that, on every node, EventA occurs before the first EventB
type MustHappenBeforeRule struct {
	EventA          events.EventType
	EventB          events.EventType
	RuleDescription string
}

// Validate checks the per-node ordering
func (r *MustHappenBeforeRule) Validate(eventList []events.ConsensusEvent) []ValidationError {
	var errs []ValidationError
	for nodeID, nodeEvents := range groupEventsByNode(eventList) {
		firstA, firstB := -1, -1
		for i, event := range nodeEvents {
			if event.EventType == r.EventA && firstA == -1 {
				firstA = i
			}
			if event.EventType == r.EventB && firstB == -1 {
				firstB = i
			}
		}
		if firstB != -1 && (firstA == -1 || firstA > firstB) {
			errs = append(errs, ValidationError{
				Rule:            r.RuleDescription,
				RuleDescription: fmt.Sprintf("Node %d: %s must happen before %s", nodeID, r.EventA, r.EventB),
				Severity:        SeverityError,
				NodeID:          nodeID,
			})
		}
	}
	return errs
}

// Description returns rule description
func (r *MustHappenBeforeRule) Description() string {
	return r.RuleDescription
}

// MustNotHappenRule validates that an event never occurs under a condition
type MustNotHappenRule struct {
	EventType       events.EventType
	Condition       func(event events.ConsensusEvent) bool
	RuleDescription string
}

// Validate checks that forbidden events don't occur
func (r *MustNotHappenRule) Validate(eventList []events.ConsensusEvent) []ValidationError {
	var errs []ValidationError
	for _, event := range eventList {
		if event.EventType == r.EventType && (r.Condition == nil || r.Condition(event)) {
			errs = append(errs, ValidationError{
				Rule:            r.RuleDescription,
				RuleDescription: fmt.Sprintf("Forbidden event occurred: %s on node %d", r.EventType, event.NodeID),
				Events:          []events.ConsensusEvent{event},
				Severity:        SeverityError,
				NodeID:          event.NodeID,
			})
		}
	}
	return errs
}

// Description returns rule description
func (r *MustNotHappenRule) Description() string {
	return r.RuleDescription
}

// QuorumRule validates that at least MinNodes distinct nodes recorded an event
type QuorumRule struct {
	EventType       events.EventType
	MinNodes        int
	RuleDescription string
}

// Validate checks that enough nodes participate in the event
func (r *QuorumRule) Validate(eventList []events.ConsensusEvent) []ValidationError {
	nodes := make(map[uint16]bool)
	for _, event := range eventList {
		if event.EventType == r.EventType {
			nodes[event.NodeID] = true
		}
	}
	if len(nodes) < r.MinNodes {
		return []ValidationError{{
			Rule:            r.RuleDescription,
			RuleDescription: fmt.Sprintf("Only %d nodes had %s, minimum %d required", len(nodes), r.EventType, r.MinNodes),
			Severity:        SeverityError,
		}}
	}
	return nil
}

// Description returns rule description
func (r *QuorumRule) Description() string {
	return r.RuleDescription
}

// PrimaryOnlyRule validates that an event only occurs on the primary of the view in its payload
type PrimaryOnlyRule struct {
	EventType       events.EventType
	TotalNodes      int
	RuleDescription string
}

// Validate checks that events only occur on the view's primary
func (r *PrimaryOnlyRule) Validate(eventList []events.ConsensusEvent) []ValidationError {
	var errs []ValidationError
	for _, event := range eventList {
		if event.EventType != r.EventType {
			continue
		}
		view := getViewFromEvent(event)
		primary := calculatePrimary(view, r.TotalNodes)
		if event.NodeID != primary {
			errs = append(errs, ValidationError{
				Rule: r.RuleDescription,
				RuleDescription: fmt.Sprintf("Event %s occurred on node %d but primary for view %d is node %d",
					r.EventType, event.NodeID, view, primary),
				Events:   []events.ConsensusEvent{event},
				Severity: SeverityError,
				NodeID:   event.NodeID,
				View:     view,
			})
		}
	}
	return errs
}

// Description returns rule description
func (r *PrimaryOnlyRule) Description() string {
	return r.RuleDescription
}

// AgreementRule validates that every decision event carries the same value
type AgreementRule struct {
	RuleDescription string
}

// Validate checks that no two nodes decided differently
func (r *AgreementRule) Validate(eventList []events.ConsensusEvent) []ValidationError {
	var first *events.ConsensusEvent
	var errs []ValidationError
	for i, event := range eventList {
		if event.EventType != events.EventValueDecided {
			continue
		}
		if first == nil {
			first = &eventList[i]
			continue
		}
		if event.Payload["value"] != first.Payload["value"] {
			errs = append(errs, ValidationError{
				Rule: r.RuleDescription,
				RuleDescription: fmt.Sprintf("Node %d decided %v but node %d decided %v",
					event.NodeID, event.Payload["value"], first.NodeID, first.Payload["value"]),
				Events:   []events.ConsensusEvent{*first, event},
				Severity: SeverityError,
				NodeID:   event.NodeID,
			})
		}
	}
	return errs
}

// Description returns rule description
func (r *AgreementRule) Description() string {
	return r.RuleDescription
}

// GetHappyPathRules returns the rules a fault-free single-view run must satisfy.
func GetHappyPathRules(nodeCount, faultyNodes int) []ValidationRule {
	quorum := nodeCount - faultyNodes
	return []ValidationRule{
		&PrimaryOnlyRule{
			EventType:       events.EventProposalCreated,
			TotalNodes:      nodeCount,
			RuleDescription: "Only the primary proposes",
		},
		&MustHappenBeforeRule{
			EventA:          events.EventInstanceStarted,
			EventB:          events.EventProposalEchoed,
			RuleDescription: "Nodes echo only after starting",
		},
		&MustHappenBeforeRule{
			EventA:          events.EventProposalEchoed,
			EventB:          events.EventValueDecided,
			RuleDescription: "Nodes decide only after echoing in a fault-free view",
		},
		&QuorumRule{
			EventType:       events.EventValueDecided,
			MinNodes:        quorum,
			RuleDescription: "A quorum of nodes decides",
		},
		&MustNotHappenRule{
			EventType:       events.EventViewChange,
			RuleDescription: "No view change in a fault-free run",
		},
		&AgreementRule{RuleDescription: "All decisions agree"},
	}
}

// groupEventsByNode organizes events by node ID for easier analysis
func groupEventsByNode(eventList []events.ConsensusEvent) map[uint16][]events.ConsensusEvent {
	nodeEvents := make(map[uint16][]events.ConsensusEvent)
	for _, event := range eventList {
		nodeEvents[event.NodeID] = append(nodeEvents[event.NodeID], event)
	}
	return nodeEvents
}

// getViewFromEvent extracts the view number from an event payload
func getViewFromEvent(event events.ConsensusEvent) int64 {
	if view, ok := event.Payload["view"].(int64); ok {
		return view
	}
	return 0
}

// calculatePrimary returns the primary of view in an n-node system
func calculatePrimary(view int64, totalNodes int) uint16 {
	if totalNodes <= 0 || view < 0 {
		return 1
	}
	return uint16(view%int64(totalNodes)) + 1
}

// ValidateEvents runs all validation rules against a set of events
func ValidateEvents(eventList []events.ConsensusEvent, rules []ValidationRule) []ValidationError {
	var allErrors []ValidationError
	for _, rule := range rules {
		allErrors = append(allErrors, rule.Validate(eventList)...)
	}
	return allErrors
}
