package testing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"itbft/pkg/consensus/events"
	"itbft/pkg/consensus/messages"
	"itbft/pkg/consensus/mocks"
	"itbft/pkg/consensus/types"
)

func TestEventTracerBasicFunctionality(t *testing.T) {
	tracer := mocks.NewConsensusEventTracer()

	tracer.RecordEvent(1, events.EventProposalCreated, events.EventPayload{"view": int64(0), "value": "A"})
	tracer.RecordTransition(2, events.StateRequested, events.StateEchoed, "propose")
	tracer.RecordMessage(2, events.MessageInbound, "Propose", events.EventPayload{"from": uint16(1)})

	assert.Equal(t, 3, tracer.GetEventCount())
	assert.Len(t, tracer.GetEventsByType(events.EventProposalCreated), 1)
	assert.Len(t, tracer.GetEventsByNode(2), 2)
	assert.Len(t, tracer.GetTransitionsTo(2, events.StateEchoed), 1)
	assert.Len(t, tracer.GetMessages(2, events.MessageInbound, "Propose"), 1)

	tracer.Reset()
	assert.Zero(t, tracer.GetEventCount())
}

func TestPrimaryOnlyRule(t *testing.T) {
	rule := &PrimaryOnlyRule{EventType: events.EventProposalCreated, TotalNodes: 4, RuleDescription: "primary only"}

	ok := []events.ConsensusEvent{
		{NodeID: 1, EventType: events.EventProposalCreated, Payload: events.EventPayload{"view": int64(0)}},
		{NodeID: 2, EventType: events.EventProposalCreated, Payload: events.EventPayload{"view": int64(5)}},
	}
	assert.Empty(t, rule.Validate(ok))

	bad := []events.ConsensusEvent{
		{NodeID: 3, EventType: events.EventProposalCreated, Payload: events.EventPayload{"view": int64(1)}},
	}
	errs := rule.Validate(bad)
	require.Len(t, errs, 1)
	assert.Equal(t, uint16(3), errs[0].NodeID)
	assert.Equal(t, int64(1), errs[0].View)
	assert.Equal(t, SeverityError, errs[0].Severity)
}

func TestAgreementRule(t *testing.T) {
	rule := &AgreementRule{RuleDescription: "agreement"}
	decided := func(node uint16, v string) events.ConsensusEvent {
		return events.ConsensusEvent{NodeID: node, EventType: events.EventValueDecided, Payload: events.EventPayload{"value": v}}
	}

	assert.Empty(t, rule.Validate([]events.ConsensusEvent{decided(1, "A"), decided(2, "A")}))
	errs := rule.Validate([]events.ConsensusEvent{decided(1, "A"), decided(2, "B"), decided(3, "A")})
	require.Len(t, errs, 1)
	assert.Equal(t, uint16(2), errs[0].NodeID)
	assert.Contains(t, errs[0].Error(), "decided B")
}

func TestMustHappenBeforeRule(t *testing.T) {
	rule := &MustHappenBeforeRule{EventA: events.EventProposalEchoed, EventB: events.EventValueDecided, RuleDescription: "echo first"}

	ordered := []events.ConsensusEvent{
		{NodeID: 1, EventType: events.EventProposalEchoed},
		{NodeID: 1, EventType: events.EventValueDecided},
	}
	assert.Empty(t, rule.Validate(ordered))

	reversed := []events.ConsensusEvent{
		{NodeID: 1, EventType: events.EventValueDecided},
		{NodeID: 1, EventType: events.EventProposalEchoed},
	}
	assert.Len(t, rule.Validate(reversed), 1)
}

func TestQuorumAndMustNotHappenRules(t *testing.T) {
	quorum := &QuorumRule{EventType: events.EventValueDecided, MinNodes: 3, RuleDescription: "quorum decides"}
	never := &MustNotHappenRule{EventType: events.EventViewChange, RuleDescription: "no view change"}

	evts := []events.ConsensusEvent{
		{NodeID: 1, EventType: events.EventValueDecided},
		{NodeID: 1, EventType: events.EventValueDecided},
		{NodeID: 2, EventType: events.EventValueDecided},
		{NodeID: 3, EventType: events.EventViewChange},
	}
	assert.Len(t, quorum.Validate(evts), 1, "node 1 counts once")
	assert.Len(t, never.Validate(evts), 1)

	errs := ValidateEvents(evts, []ValidationRule{quorum, never})
	assert.Len(t, errs, 2)
}

func TestClusterRunsToDecision(t *testing.T) {
	c, err := NewCluster(4, 1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{1, 2, 3, 4}, c.Members())

	require.NoError(t, c.Start(map[types.NodeID]types.Value{1: "A", 2: "A", 3: "A", 4: "A"}))
	assert.Positive(t, c.InFlight())
	require.NoError(t, c.Run(5000))

	assert.Zero(t, c.InFlight())
	assert.Positive(t, c.Delivered())
	assert.Len(t, c.Decisions(), 4)
	assert.Empty(t, ValidateEvents(c.Tracer.GetEvents(), GetHappyPathRules(4, 1)))
}

func TestClusterRunStepLimit(t *testing.T) {
	c, err := NewCluster(4, 1, time.Second)
	require.NoError(t, err)
	require.NoError(t, c.Start(map[types.NodeID]types.Value{1: "A", 2: "A", 3: "A", 4: "A"}))

	err = c.Run(1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in flight")
}

func TestWithholdRewritesBatches(t *testing.T) {
	intercept := Withhold(1, messages.MsgTypeDone)

	d := Delivery{From: 1, To: 2, Queue: messages.NewMsgQueue(messages.NewDoneMsg("A"), messages.NewRequestMsg(0, 1))}
	out, keep := intercept(d)
	require.True(t, keep)
	require.Equal(t, 1, out.Queue.Len())
	assert.Equal(t, messages.MsgTypeRequest, out.Queue.Messages[0].Type())
	assert.Equal(t, 2, d.Queue.Len(), "the original batch is untouched")

	_, keep = intercept(Delivery{From: 1, To: 3, Queue: messages.NewMsgQueue(messages.NewDoneMsg("A"))})
	assert.False(t, keep, "an emptied batch is dropped")

	_, keep = intercept(Delivery{From: 2, To: 3, Queue: messages.NewMsgQueue(messages.NewDoneMsg("A"))})
	assert.True(t, keep, "other senders pass through")
}

func TestConflictingVotesRewritesPhaseVotes(t *testing.T) {
	intercept := ConflictingVotes(4, "Z", 1)

	echo, err := messages.NewPhaseVote(messages.MsgTypeEcho, "A", 2)
	require.NoError(t, err)
	d := Delivery{From: 4, To: 1, Queue: messages.NewMsgQueue(echo, messages.NewRequestMsg(2, 4), messages.NewDoneMsg("A"))}

	out, keep := intercept(d)
	require.True(t, keep)
	require.Equal(t, 3, out.Queue.Len())

	rewritten, ok := out.Queue.Messages[0].(*messages.EchoMsg)
	require.True(t, ok)
	assert.Equal(t, types.Value("Z"), rewritten.Val)
	assert.Equal(t, types.ViewNumber(2), rewritten.View)
	assert.Same(t, d.Queue.Messages[1], out.Queue.Messages[1], "non-vote messages are kept")
	assert.Equal(t, types.Value("Z"), out.Queue.Messages[2].(*messages.DoneMsg).Val)

	out, _ = intercept(Delivery{From: 4, To: 2, Queue: d.Queue})
	assert.Same(t, echo, out.Queue.Messages[0], "untargeted nodes see the honest vote")
}
