package types

import (
	"fmt"
	"time"
)

const (
	// DefaultViewTimeout is the time a view may run before a node is allowed to abort it.
	DefaultViewTimeout = 1 * time.Second

	// MaxNodes bounds the membership size.
	MaxNodes = 512
)

// ConsensusConfig defines the static configuration for one agreement instance.
type ConsensusConfig struct {
	// Self is this node's 1-indexed chain id.
	Self NodeID
	// Nodes is the total number of participants (n).
	Nodes uint32
	// FaultTolerance is the maximum number of Byzantine participants tolerated (f).
	FaultTolerance uint32
	// ViewTimeout is how long a view runs before Abort is accepted.
	ViewTimeout time.Duration
}

// NewConsensusConfig creates a configuration for a node in an n-node system tolerating f faults.
func NewConsensusConfig(self NodeID, n, f uint32) (*ConsensusConfig, error) {
	cfg := &ConsensusConfig{
		Self:           self,
		Nodes:          n,
		FaultTolerance: f,
		ViewTimeout:    DefaultViewTimeout,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// TotalNodes returns the total number of consensus participants.
func (c *ConsensusConfig) TotalNodes() int {
	return int(c.Nodes)
}

// FaultyNodes returns the maximum number of Byzantine nodes that can be tolerated (f).
func (c *ConsensusConfig) FaultyNodes() int {
	return int(c.FaultTolerance)
}

// QuorumThreshold returns the large quorum n - f.
func (c *ConsensusConfig) QuorumThreshold() int {
	return c.TotalNodes() - c.FaultyNodes()
}

// SmallQuorum returns the small quorum f + 1.
func (c *ConsensusConfig) SmallQuorum() int {
	return c.FaultyNodes() + 1
}

// IsValidNodeID returns true if the given NodeID is a member of this configuration.
func (c *ConsensusConfig) IsValidNodeID(nodeID NodeID) bool {
	return nodeID >= 1 && int(nodeID) <= c.TotalNodes()
}

// Members returns every NodeID in ascending order.
func (c *ConsensusConfig) Members() []NodeID {
	members := make([]NodeID, 0, c.Nodes)
	for i := 1; i <= c.TotalNodes(); i++ {
		members = append(members, NodeID(i))
	}
	return members
}

// Peers returns every member except Self.
func (c *ConsensusConfig) Peers() []NodeID {
	peers := make([]NodeID, 0, c.Nodes)
	for _, id := range c.Members() {
		if id != c.Self {
			peers = append(peers, id)
		}
	}
	return peers
}

// GetPrimaryForView returns the primary for a view: view mod n + 1.
func (c *ConsensusConfig) GetPrimaryForView(view ViewNumber) NodeID {
	if c.Nodes == 0 || view < 0 {
		return 1
	}
	return NodeID(uint64(view)%uint64(c.Nodes) + 1)
}

// Validate checks if the consensus configuration is valid and returns an error if not.
func (c *ConsensusConfig) Validate() error {
	if c.Nodes == 0 {
		return fmt.Errorf("node count must be positive")
	}

	if c.Nodes > MaxNodes {
		return fmt.Errorf("node count cannot exceed %d, got %d", MaxNodes, c.Nodes)
	}

	if c.Nodes < 3*c.FaultTolerance+1 {
		return fmt.Errorf("BFT agreement requires n >= 3f+1, got n=%d f=%d", c.Nodes, c.FaultTolerance)
	}

	if !c.IsValidNodeID(c.Self) {
		return fmt.Errorf("self node ID %d is out of range [1, %d]", c.Self, c.Nodes)
	}

	if c.ViewTimeout < 0 {
		return fmt.Errorf("view timeout cannot be negative")
	}

	return nil
}

// String returns a string representation of the consensus configuration.
func (c *ConsensusConfig) String() string {
	return fmt.Sprintf("ConsensusConfig{Self: %d, Nodes: %d, Faulty: %d, Quorum: %d, ViewTimeout: %v}",
		c.Self, c.Nodes, c.FaultTolerance, c.QuorumThreshold(), c.ViewTimeout)
}
