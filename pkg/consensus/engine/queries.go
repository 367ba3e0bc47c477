package engine

import (
	"fmt"

	"itbft/pkg/consensus/messages"
	"itbft/pkg/consensus/types"
)

// StateResponse is the answer to a state query.
type StateResponse struct {
	Done  *types.Value    `json:"done"`
	State types.NodeState `json:"state"`
}

// State returns a copy of the protocol state.
func (e *ConsensusEngine) State() StateResponse {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.state.Clone()
	return StateResponse{Done: s.Done, State: *s}
}

// Decided returns the decided value, if any.
func (e *ConsensusEngine) Decided() (types.Value, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Done == nil {
		return "", false
	}
	return *e.state.Done, true
}

// CurrentView returns the view the node is in.
func (e *ConsensusEngine) CurrentView() types.ViewNumber {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.View
}

// Started reports whether StartView or Prepare has been called.
func (e *ConsensusEngine) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// Channels returns the channel to chain id bindings.
func (e *ConsensusEngine) Channels() map[types.ChannelID]types.NodeID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.directory.Entries()
}

// ChannelFor returns the channel bound to a chain id.
func (e *ConsensusEngine) ChannelFor(id types.NodeID) (types.ChannelID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.directory.ChannelFor(id)
}

// HighestRequests returns, per member, the highest view it announced.
func (e *ConsensusEngine) HighestRequests() map[types.NodeID]types.ViewNumber {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[types.NodeID]types.ViewNumber, len(e.highestRequest))
	for id, v := range e.highestRequest {
		out[id] = v
	}
	return out
}

// ReceivedSuggest returns the members whose Suggest the primary processed in this view.
func (e *ConsensusEngine) ReceivedSuggest() []types.NodeID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Received(types.KindSuggest)
}

// SendAllUpon returns the messages held for peers that have not joined the view.
func (e *ConsensusEngine) SendAllUpon() map[types.NodeID][]messages.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.router.Pending()
}

// Tally returns the voters per value for one of the vote kinds.
func (e *ConsensusEngine) Tally(kind types.MessageKind) (map[types.Value][]types.NodeID, error) {
	if !kind.IsVoteKind() {
		return nil, fmt.Errorf("%s is not a vote kind", kind)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Tally(kind), nil
}

// AbortInfo reports whether the current view may be aborted now.
func (e *ConsensusEngine) AbortInfo() AbortInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.guard.Info(e.state, e.clock.Now())
}

// HighestAborts returns, per member, the highest view it reported aborting.
func (e *ConsensusEngine) HighestAborts() map[types.NodeID]types.ViewNumber {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.guard.HighestAborts()
}

// MaxDeliveryDepth returns the deepest self-delivery recursion observed so far.
func (e *ConsensusEngine) MaxDeliveryDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.router.MaxDepth()
}

// Config returns the engine's configuration.
func (e *ConsensusEngine) Config() *types.ConsensusConfig {
	return e.config
}
