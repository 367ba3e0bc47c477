// Package testing provides a deterministic in-process cluster for exercising the
// agreement engine, plus event validation rules and fault injectors for tests.
package testing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"itbft/pkg/consensus/engine"
	"itbft/pkg/consensus/messages"
	"itbft/pkg/consensus/mocks"
	"itbft/pkg/consensus/storage"
	"itbft/pkg/consensus/types"
)

// Delivery is one batch in flight from one node to another.
type Delivery struct {
	From  types.NodeID
	To    types.NodeID
	Queue *messages.MsgQueue
}

// Interceptor may rewrite a delivery before it reaches its destination.
// Returning false drops it.
type Interceptor func(d Delivery) (Delivery, bool)

// Cluster wires n engines together and delivers their batches in FIFO order.
// Nothing runs concurrently; every step is reproducible.
type Cluster struct {
	N       uint32
	F       uint32
	Clock   *mocks.ManualClock
	Tracer  *mocks.ConsensusEventTracer
	Engines map[types.NodeID]*engine.ConsensusEngine
	Stores  map[types.NodeID]*mocks.MockStore

	queue        []Delivery
	interceptors []Interceptor
	crashed      map[types.NodeID]bool
	rejections   []messages.Acknowledgement
	delivered    int
}

// NewCluster creates n engines tolerating f faults with the given view timeout.
func NewCluster(n, f uint32, viewTimeout time.Duration) (*Cluster, error) {
	c := &Cluster{
		N:       n,
		F:       f,
		Clock:   mocks.NewManualClock(time.Unix(1700000000, 0)),
		Tracer:  mocks.NewConsensusEventTracer(),
		Engines: make(map[types.NodeID]*engine.ConsensusEngine, n),
		Stores:  make(map[types.NodeID]*mocks.MockStore, n),
		crashed: make(map[types.NodeID]bool),
	}

	for i := uint32(1); i <= n; i++ {
		id := types.NodeID(i)
		cfg, err := types.NewConsensusConfig(id, n, f)
		if err != nil {
			return nil, fmt.Errorf("failed to create config for node %d: %w", id, err)
		}
		cfg.ViewTimeout = viewTimeout

		store := mocks.NewMockStore(mocks.DefaultStorageFailureConfig())
		e, err := engine.NewConsensusEngine(cfg, store, c.Clock)
		if err != nil {
			return nil, fmt.Errorf("failed to create engine for node %d: %w", id, err)
		}
		e.SetEventTracer(c.Tracer)
		c.Engines[id] = e
		c.Stores[id] = store
	}

	ctx := context.Background()
	for id, e := range c.Engines {
		for peer := range c.Engines {
			if peer == id {
				continue
			}
			if err := e.Join(ctx, mocks.ChannelFor(peer), peer); err != nil {
				return nil, fmt.Errorf("node %d failed to bind node %d: %w", id, peer, err)
			}
		}
	}
	return c, nil
}

// Members returns the node ids in ascending order.
func (c *Cluster) Members() []types.NodeID {
	ids := make([]types.NodeID, 0, len(c.Engines))
	for id := range c.Engines {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Engine returns the engine of node id.
func (c *Cluster) Engine(id types.NodeID) *engine.ConsensusEngine {
	return c.Engines[id]
}

// AddInterceptor installs an interceptor applied to every later delivery.
func (c *Cluster) AddInterceptor(i Interceptor) {
	c.interceptors = append(c.interceptors, i)
}

// Crash stops node id: it no longer receives, starts or aborts.
func (c *Cluster) Crash(id types.NodeID) {
	c.crashed[id] = true
}

// Start starts every live node with its input in ascending id order.
func (c *Cluster) Start(inputs map[types.NodeID]types.Value) error {
	for _, id := range c.Members() {
		if c.crashed[id] {
			continue
		}
		if err := c.StartNode(id, inputs[id]); err != nil {
			return err
		}
	}
	return nil
}

// StartNode starts a single node with input.
func (c *Cluster) StartNode(id types.NodeID, input types.Value) error {
	out, err := c.Engines[id].StartView(context.Background(), input)
	if err != nil {
		return fmt.Errorf("node %d failed to start: %w", id, err)
	}
	c.enqueue(id, out)
	return nil
}

// Abort asks node id to abort its current view.
func (c *Cluster) Abort(id types.NodeID) error {
	out, err := c.Engines[id].Abort(context.Background())
	if err != nil {
		return err
	}
	c.enqueue(id, out)
	return nil
}

// AbortAll aborts every live, undecided node. Nodes that already decided are skipped.
func (c *Cluster) AbortAll() error {
	for _, id := range c.Members() {
		if c.crashed[id] {
			continue
		}
		err := c.Abort(id)
		if err != nil && !errors.Is(err, engine.ErrAlreadyDone) {
			return fmt.Errorf("node %d failed to abort: %w", id, err)
		}
	}
	return nil
}

func (c *Cluster) enqueue(from types.NodeID, out engine.OutboundBatch) {
	dests := make([]types.NodeID, 0, len(out))
	for dest := range out {
		dests = append(dests, dest)
	}
	sort.Slice(dests, func(i, j int) bool { return dests[i] < dests[j] })
	for _, dest := range dests {
		if out[dest].Len() == 0 {
			continue
		}
		c.queue = append(c.queue, Delivery{From: from, To: dest, Queue: out[dest]})
	}
}

// Inject queues a hand-built batch as if from had sent it to to.
func (c *Cluster) Inject(from, to types.NodeID, msgs ...messages.Message) {
	c.queue = append(c.queue, Delivery{From: from, To: to, Queue: messages.NewMsgQueue(msgs...)})
}

// Step delivers the oldest batch in flight. It returns false when nothing is in flight.
func (c *Cluster) Step() (bool, error) {
	if len(c.queue) == 0 {
		return false, nil
	}
	d := c.queue[0]
	c.queue = c.queue[1:]

	if c.crashed[d.To] || c.crashed[d.From] {
		return true, nil
	}
	for _, intercept := range c.interceptors {
		var keep bool
		if d, keep = intercept(d); !keep {
			return true, nil
		}
	}

	out, ack, err := c.Engines[d.To].OnPacket(context.Background(), mocks.ChannelFor(d.From), d.Queue)
	if err != nil {
		return true, fmt.Errorf("node %d failed to process batch from %d: %w", d.To, d.From, err)
	}
	if !ack.OK {
		c.rejections = append(c.rejections, ack)
	}
	c.delivered++
	c.enqueue(d.To, out)
	return true, nil
}

// Run delivers batches until none are in flight or maxSteps is reached.
func (c *Cluster) Run(maxSteps int) error {
	for i := 0; i < maxSteps; i++ {
		more, err := c.Step()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return fmt.Errorf("cluster still has %d batches in flight after %d steps", len(c.queue), maxSteps)
}

// InFlight returns the number of undelivered batches.
func (c *Cluster) InFlight() int {
	return len(c.queue)
}

// Delivered returns the number of batches processed so far.
func (c *Cluster) Delivered() int {
	return c.delivered
}

// Rejections returns every negative acknowledgement observed.
func (c *Cluster) Rejections() []messages.Acknowledgement {
	return append([]messages.Acknowledgement(nil), c.rejections...)
}

// Decisions returns the decided value of every node that decided.
func (c *Cluster) Decisions() map[types.NodeID]types.Value {
	out := make(map[types.NodeID]types.Value)
	for id, e := range c.Engines {
		if v, ok := e.Decided(); ok {
			out[id] = v
		}
	}
	return out
}

// Views returns the current view of every node.
func (c *Cluster) Views() map[types.NodeID]types.ViewNumber {
	out := make(map[types.NodeID]types.ViewNumber, len(c.Engines))
	for id, e := range c.Engines {
		out[id] = e.CurrentView()
	}
	return out
}

// Store returns the state store of node id as the engine's interface type.
func (c *Cluster) Store(id types.NodeID) storage.StateStore {
	return c.Stores[id]
}
