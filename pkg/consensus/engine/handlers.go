package engine

import (
	"sort"

	"itbft/pkg/consensus/events"
	"itbft/pkg/consensus/messages"
	"itbft/pkg/consensus/types"
)

// nextPhase maps each phase vote to the vote it triggers once a quorum backs it.
var nextPhase = map[messages.MessageType]messages.MessageType{
	messages.MsgTypeEcho: messages.MsgTypeKey1,
	messages.MsgTypeKey1: messages.MsgTypeKey2,
	messages.MsgTypeKey2: messages.MsgTypeKey3,
	messages.MsgTypeKey3: messages.MsgTypeLock,
}

var phaseState = map[messages.MessageType]events.State{
	messages.MsgTypeEcho: events.StateEchoed,
	messages.MsgTypeKey1: events.StateKey1,
	messages.MsgTypeKey2: events.StateKey2,
	messages.MsgTypeKey3: events.StateKey3,
	messages.MsgTypeLock: events.StateLocked,
}

// viewExempt lists the messages processed whatever view they name.
func viewExempt(mt messages.MessageType) bool {
	switch mt {
	case messages.MsgTypeRequest, messages.MsgTypeDone, messages.MsgTypeAbort,
		messages.MsgTypeSelfAbort, messages.MsgTypeWhoAmI:
		return true
	default:
		return false
	}
}

// dispatch applies one message from sender. It is the router's delivery target,
// so every self-addressed message passes through here too.
func (e *ConsensusEngine) dispatch(sender types.NodeID, msg messages.Message) error {
	e.tracer.RecordMessage(uint16(e.config.Self), events.MessageInbound, msg.Type().String(), events.EventPayload{
		"from": uint16(sender),
	})

	if view, ok := messages.ViewOf(msg); ok && view != e.state.View && !viewExempt(msg.Type()) {
		e.logger.Debug().
			Uint16("sender", uint16(sender)).
			Int64("view", int64(view)).
			Int64("current_view", int64(e.state.View)).
			Str("msg_type", msg.Type().String()).
			Str("action", "message_ignored").
			Msg("Ignoring message for another view")
		return nil
	}

	switch m := msg.(type) {
	case *messages.RequestMsg:
		if m.ChainID != sender {
			return malformed("request chain id %d does not match sender %d", m.ChainID, sender)
		}
		return e.onRequest(sender, m)
	case *messages.SuggestMsg:
		if m.ChainID != sender {
			return malformed("suggest chain id %d does not match sender %d", m.ChainID, sender)
		}
		return e.onSuggest(sender, m)
	case *messages.ProofMsg:
		return e.onProof(sender, m)
	case *messages.ProposeMsg:
		if m.ChainID != sender {
			return malformed("propose chain id %d does not match sender %d", m.ChainID, sender)
		}
		return e.onPropose(sender, m)
	case *messages.EchoMsg:
		return e.onPhaseVote(sender, m.Type(), m.PhaseVote)
	case *messages.Key1Msg:
		return e.onPhaseVote(sender, m.Type(), m.PhaseVote)
	case *messages.Key2Msg:
		return e.onPhaseVote(sender, m.Type(), m.PhaseVote)
	case *messages.Key3Msg:
		return e.onPhaseVote(sender, m.Type(), m.PhaseVote)
	case *messages.LockMsg:
		return e.onPhaseVote(sender, m.Type(), m.PhaseVote)
	case *messages.DoneMsg:
		return e.onDone(sender, m)
	case *messages.AbortMsg:
		if m.ChainID != sender {
			return malformed("abort chain id %d does not match sender %d", m.ChainID, sender)
		}
		return e.onAbort(sender, m.View)
	case *messages.SelfAbortMsg:
		if m.ChainID != sender {
			return malformed("self-abort chain id %d does not match sender %d", m.ChainID, sender)
		}
		return e.onSelfAbort(sender, m)
	case *messages.WhoAmIMsg:
		// Channel binding happens in OnPacket, which knows the channel.
		return nil
	case *messages.MsgQueue:
		return malformed("nested MsgQueue")
	default:
		return malformed("unsupported message %s", msg.Type())
	}
}

// joined reports whether p announced the current view.
func (e *ConsensusEngine) joined(p types.NodeID) bool {
	return e.highestRequest[p] == e.state.View
}

// beginView announces the current view and shares this node's key1 proof.
func (e *ConsensusEngine) beginView() error {
	view := e.state.View
	e.setPhase(events.StateRequested, "view_started")

	if err := e.router.SendAll(messages.NewRequestMsg(view, e.config.Self)); err != nil {
		return err
	}
	if e.state.View != view {
		return nil
	}

	// The primary may have announced this view before we entered it.
	primary := e.state.Primary
	if primary != e.config.Self && e.highestRequest[primary] == view && !e.ledger.HasSent(types.KindSuggest) {
		if err := e.sendSuggest(); err != nil {
			return err
		}
	}

	return e.router.ConditionalBroadcast(messages.NewProofMsg(e.state), e.joined)
}

func (e *ConsensusEngine) onRequest(sender types.NodeID, m *messages.RequestMsg) error {
	if m.View > e.highestRequest[sender] {
		e.highestRequest[sender] = m.View
	}

	if m.View == e.state.View {
		if released := e.router.ReleasePending(sender); released > 0 {
			e.tracer.RecordEvent(uint16(e.config.Self), events.EventPeerJoined, events.EventPayload{
				"peer":     uint16(sender),
				"view":     int64(m.View),
				"released": released,
			})
		}
		if sender == e.state.Primary && !e.ledger.HasSent(types.KindSuggest) {
			return e.sendSuggest()
		}
		return nil
	}

	if m.View > e.state.View {
		return e.maybeSelfAbort()
	}
	return nil
}

func (e *ConsensusEngine) sendSuggest() error {
	e.ledger.MarkSent(types.KindSuggest)
	return e.router.SendTo(e.state.Primary, messages.NewSuggestMsg(e.state))
}

// maybeSelfAbort aborts the current view without waiting for its timeout once
// f+1 peers have announced a later view.
func (e *ConsensusEngine) maybeSelfAbort() error {
	if e.state.IsDone() || e.ledger.HasSent(types.KindSelfAbort) {
		return nil
	}
	ahead := 0
	for _, p := range e.config.Peers() {
		if e.highestRequest[p] > e.state.View {
			ahead++
		}
	}
	if ahead < e.config.SmallQuorum() {
		return nil
	}

	e.ledger.MarkSent(types.KindSelfAbort)
	e.tracer.RecordEvent(uint16(e.config.Self), events.EventSelfAbort, events.EventPayload{
		"view":  int64(e.state.View),
		"ahead": ahead,
	})
	return e.router.SelfDeliver(messages.NewSelfAbortMsg(e.state.View, e.config.Self))
}

func (e *ConsensusEngine) onSuggest(sender types.NodeID, m *messages.SuggestMsg) error {
	if e.state.Primary != e.config.Self {
		return nil
	}
	if !e.ledger.MarkReceived(types.KindSuggest, sender) {
		return nil
	}

	if entry := m.Key2Proof(); entry.IsWellFormed(e.state.View) {
		e.state.Key2Proofs = append(e.state.Key2Proofs, entry)
	}
	if e.safety.AcceptSuggestion(e.state, m.Key3, m.Key3Val) {
		e.state.Suggestions = append(e.state.Suggestions, types.Suggestion{Key: m.Key3, Value: m.Key3Val})
		e.tracer.RecordEvent(uint16(e.config.Self), events.EventSuggestAccepted, events.EventPayload{
			"from": uint16(sender),
			"key":  int64(m.Key3),
		})
	}

	if len(e.state.Suggestions) < e.config.QuorumThreshold() || e.ledger.HasSent(types.KindPropose) {
		return nil
	}

	best := maxSuggestion(e.state.Suggestions)
	e.ledger.MarkSent(types.KindPropose)
	e.tracer.RecordEvent(uint16(e.config.Self), events.EventProposalCreated, events.EventPayload{
		"view":  int64(e.state.View),
		"key":   int64(best.Key),
		"value": string(best.Value),
	})
	e.logger.Info().
		Int64("view", int64(e.state.View)).
		Int64("key", int64(best.Key)).
		Str("value", string(best.Value)).
		Str("action", "proposal_created").
		Msg("Proposing value")
	e.setPhase(events.StateProposed, "suggest_quorum")

	propose := messages.NewProposeMsg(e.config.Self, best.Key, best.Value, e.state.View)
	return e.router.ConditionalBroadcast(propose, e.joined)
}

func maxSuggestion(suggestions []types.Suggestion) types.Suggestion {
	sorted := append([]types.Suggestion(nil), suggestions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })
	return sorted[len(sorted)-1]
}

func (e *ConsensusEngine) onPropose(sender types.NodeID, m *messages.ProposeMsg) error {
	if sender != e.state.Primary || e.state.ReceivedPropose {
		return nil
	}
	e.state.ReceivedPropose = true

	if !e.safety.CanEcho(e.state, m.K, m.V) {
		e.tracer.RecordEvent(uint16(e.config.Self), events.EventProposalIgnored, events.EventPayload{
			"view":     int64(e.state.View),
			"key":      int64(m.K),
			"lock":     int64(e.state.Lock),
			"proofs":   len(e.state.Proofs),
			"proposer": uint16(sender),
		})
		e.logger.Info().
			Int64("view", int64(e.state.View)).
			Int64("key", int64(m.K)).
			Int64("lock", int64(e.state.Lock)).
			Str("action", "proposal_ignored").
			Msg("Locked on another value, not echoing")
		return nil
	}
	if e.ledger.HasSent(types.KindEcho) {
		return nil
	}

	e.ledger.MarkSent(types.KindEcho)
	e.tracer.RecordEvent(uint16(e.config.Self), events.EventProposalEchoed, events.EventPayload{
		"view":  int64(e.state.View),
		"value": string(m.V),
	})
	e.setPhase(events.StateEchoed, "propose")

	echo, err := messages.NewPhaseVote(messages.MsgTypeEcho, m.V, e.state.View)
	if err != nil {
		return err
	}
	return e.router.ConditionalBroadcast(echo, e.joined)
}

func (e *ConsensusEngine) onPhaseVote(sender types.NodeID, mt messages.MessageType, vote messages.PhaseVote) error {
	count := e.ledger.RecordVote(mt.Kind(), vote.Val, sender)
	if count < e.config.QuorumThreshold() {
		return nil
	}

	if mt == messages.MsgTypeLock {
		if e.ledger.HasSent(types.KindDone) {
			return nil
		}
		e.ledger.MarkSent(types.KindDone)
		e.recordQuorum(mt, vote.Val, count)
		return e.router.SendAll(messages.NewDoneMsg(vote.Val))
	}

	next := nextPhase[mt]
	if e.ledger.HasSent(next.Kind()) {
		return nil
	}
	e.ledger.MarkSent(next.Kind())
	e.recordQuorum(mt, vote.Val, count)
	e.applyQuorum(mt, vote.Val)
	e.setPhase(phaseState[next], mt.String()+"_quorum")

	msg, err := messages.NewPhaseVote(next, vote.Val, e.state.View)
	if err != nil {
		return err
	}
	return e.router.ConditionalBroadcast(msg, e.joined)
}

// applyQuorum updates the phase registers for a quorum of mt votes on val.
func (e *ConsensusEngine) applyQuorum(mt messages.MessageType, val types.Value) {
	s := e.state
	switch mt {
	case messages.MsgTypeEcho:
		if s.Key1Val != val {
			if s.Key1 < s.View {
				s.PrevKey1 = s.Key1
			}
			s.Key1Val = val
		}
		s.Key1 = s.View
	case messages.MsgTypeKey1:
		if s.Key2Val != val {
			if s.Key2 < s.View {
				s.PrevKey2 = s.Key2
			}
			s.Key2Val = val
		}
		s.Key2 = s.View
	case messages.MsgTypeKey2:
		s.Key3 = s.View
		s.Key3Val = val
	case messages.MsgTypeKey3:
		s.Lock = s.View
		s.LockVal = val
	}
}

func (e *ConsensusEngine) recordQuorum(mt messages.MessageType, val types.Value, count int) {
	e.tracer.RecordEvent(uint16(e.config.Self), events.EventQuorumReached, events.EventPayload{
		"kind":  mt.String(),
		"view":  int64(e.state.View),
		"value": string(val),
		"votes": count,
	})
	e.logger.Debug().
		Int64("view", int64(e.state.View)).
		Str("msg_type", mt.String()).
		Int("votes", count).
		Str("action", "quorum_reached").
		Msg("Quorum reached")
}

func (e *ConsensusEngine) onDone(sender types.NodeID, m *messages.DoneMsg) error {
	count := e.ledger.RecordVote(types.KindDone, m.Val, sender)

	if count >= e.config.SmallQuorum() && !e.ledger.HasSent(types.KindDone) {
		e.ledger.MarkSent(types.KindDone)
		if err := e.router.SendAll(messages.NewDoneMsg(m.Val)); err != nil {
			return err
		}
	}

	if e.ledger.VoteCount(types.KindDone, m.Val) >= e.config.QuorumThreshold() && e.state.Decide(m.Val) {
		e.tracer.RecordEvent(uint16(e.config.Self), events.EventValueDecided, events.EventPayload{
			"view":  int64(e.state.View),
			"value": string(m.Val),
		})
		e.setPhase(events.StateDone, "done_quorum")
		e.logger.Info().
			Int64("view", int64(e.state.View)).
			Str("value", string(m.Val)).
			Str("action", "value_decided").
			Msg("Decided value")
	}
	return nil
}

func (e *ConsensusEngine) onProof(sender types.NodeID, m *messages.ProofMsg) error {
	if !e.ledger.MarkReceived(types.KindProof, sender) {
		return nil
	}
	if entry := m.Entry(); entry.IsWellFormed(e.state.View) {
		e.state.Proofs = append(e.state.Proofs, entry)
	}
	return nil
}

// abortCurrentView tells every node that this node gave up on its current view.
func (e *ConsensusEngine) abortCurrentView(trigger string) error {
	view := e.state.View
	e.setPhase(events.StateAborting, trigger)
	e.tracer.RecordEvent(uint16(e.config.Self), events.EventAbortSent, events.EventPayload{
		"view":    int64(view),
		"trigger": trigger,
	})
	e.logger.Info().
		Int64("view", int64(view)).
		Str("trigger", trigger).
		Str("action", "abort_sent").
		Msg("Aborting view")
	return e.router.SendAll(messages.NewAbortMsg(view, e.config.Self))
}

func (e *ConsensusEngine) onSelfAbort(sender types.NodeID, m *messages.SelfAbortMsg) error {
	if sender != e.config.Self {
		return e.onAbort(sender, m.View)
	}
	if m.View != e.state.View || e.state.IsDone() {
		return nil
	}
	return e.abortCurrentView("peers_ahead")
}

func (e *ConsensusEngine) onAbort(sender types.NodeID, view types.ViewNumber) error {
	target, changed := e.guard.OnAbort(sender, view, e.state.View)
	e.tracer.RecordEvent(uint16(e.config.Self), events.EventAbortReceived, events.EventPayload{
		"from": uint16(sender),
		"view": int64(view),
	})
	if !changed {
		return nil
	}
	return e.enterView(target)
}

// enterView moves to a later view, keeping the phase registers.
func (e *ConsensusEngine) enterView(view types.ViewNumber) error {
	from := e.state.View
	e.state.EnterView(view, e.config.GetPrimaryForView(view), e.clock.Now())
	e.ledger.Reset()
	e.router.ResetPending()

	e.tracer.RecordEvent(uint16(e.config.Self), events.EventViewChange, events.EventPayload{
		"from":    int64(from),
		"view":    int64(view),
		"primary": uint16(e.state.Primary),
	})
	e.logger.Info().
		Int64("from", int64(from)).
		Int64("view", int64(view)).
		Uint16("primary", uint16(e.state.Primary)).
		Str("action", "view_change").
		Msg("Entering new view")

	return e.beginView()
}
