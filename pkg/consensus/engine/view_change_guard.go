package engine

import (
	"sort"
	"time"

	"itbft/pkg/consensus/types"
)

// AbortInfo describes whether the current view may be aborted.
type AbortInfo struct {
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Now         time.Time `json:"now"`
	IsTimeout   bool      `json:"is_timeout"`
	Done        bool      `json:"done"`
	ShouldAbort bool      `json:"should_abort"`
}

// ViewChangeGuard tracks the highest view each member reported aborting and
// derives the view the node must move to.
type ViewChangeGuard struct {
	config *types.ConsensusConfig

	// highestAbort holds, per member, the highest view it reported aborting
	highestAbort map[types.NodeID]types.ViewNumber
}

// NewViewChangeGuard creates a guard with no aborts recorded.
func NewViewChangeGuard(config *types.ConsensusConfig) *ViewChangeGuard {
	g := &ViewChangeGuard{config: config}
	g.Reset()
	return g
}

// Reset marks every member as having aborted nothing.
func (g *ViewChangeGuard) Reset() {
	g.highestAbort = make(map[types.NodeID]types.ViewNumber, g.config.Nodes)
	for _, id := range g.config.Members() {
		g.highestAbort[id] = types.NoView
	}
}

// OnAbort records that sender aborted reported and returns the view the node must be in.
// changed is true only when that view is above current.
//
// With the reported views sorted ascending, u is the (f+1)-th smallest and w the
// (n-f)-th smallest. The node ratchets its own entry up to u and moves to w+1.
func (g *ViewChangeGuard) OnAbort(sender types.NodeID, reported, current types.ViewNumber) (types.ViewNumber, bool) {
	prev, known := g.highestAbort[sender]
	if !known || reported <= prev {
		return current, false
	}
	g.highestAbort[sender] = reported

	u, w := g.thresholds()
	if u > g.highestAbort[g.config.Self] {
		g.highestAbort[g.config.Self] = u
	}

	if w+1 >= current {
		return w + 1, w+1 > current
	}
	return current, false
}

func (g *ViewChangeGuard) thresholds() (types.ViewNumber, types.ViewNumber) {
	values := make([]types.ViewNumber, 0, len(g.highestAbort))
	for _, v := range g.highestAbort {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	f := g.config.FaultyNodes()
	n := g.config.TotalNodes()
	return values[f], values[n-f-1]
}

// Info reports the abort window of the current view.
func (g *ViewChangeGuard) Info(state *types.NodeState, now time.Time) AbortInfo {
	end := state.StartTime.Add(g.config.ViewTimeout)
	info := AbortInfo{
		StartTime: state.StartTime,
		EndTime:   end,
		Now:       now,
		IsTimeout: now.After(end),
		Done:      state.IsDone(),
	}
	info.ShouldAbort = info.IsTimeout && !info.Done
	return info
}

// CheckAbort returns an error if the node may not abort its current view at now.
func (g *ViewChangeGuard) CheckAbort(state *types.NodeState, now time.Time) error {
	info := g.Info(state, now)
	if info.Done {
		return ErrAlreadyDone
	}
	if !info.IsTimeout {
		return ErrAbortTooEarly
	}
	return nil
}

// HighestAborts returns a copy of the per-member abort map.
func (g *ViewChangeGuard) HighestAborts() map[types.NodeID]types.ViewNumber {
	out := make(map[types.NodeID]types.ViewNumber, len(g.highestAbort))
	for id, v := range g.highestAbort {
		out[id] = v
	}
	return out
}

// Import replaces the per-member abort map. Members missing from values are reset.
func (g *ViewChangeGuard) Import(values map[types.NodeID]types.ViewNumber) {
	g.Reset()
	for id, v := range values {
		if _, ok := g.highestAbort[id]; ok {
			g.highestAbort[id] = v
		}
	}
}
