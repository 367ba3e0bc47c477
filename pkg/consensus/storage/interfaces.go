// Package storage defines the state store abstraction used by the agreement engine.
// The engine commits one Snapshot per processed entry point so that a restarted node
// resumes from the last committed state.
package storage

import (
	"context"

	"itbft/pkg/consensus/messages"
	"itbft/pkg/consensus/types"
)

// StateStore persists the engine's committed snapshot.
// Save replaces the previous snapshot atomically: a reader never observes a partial write.
type StateStore interface {
	// Load returns the last saved snapshot or an ErrorTypeNotFound error.
	Load(ctx context.Context) (*Snapshot, error)
	// Save atomically replaces the stored snapshot.
	Save(ctx context.Context, snapshot *Snapshot) error
	// Close releases the store's resources.
	Close() error
}

// LedgerRecord is the persisted form of the per-view vote ledger.
type LedgerRecord struct {
	Votes    map[types.MessageKind]map[types.Value][]types.NodeID `cbor:"1,keyasint"`
	Received map[types.MessageKind][]types.NodeID                 `cbor:"2,keyasint"`
	Sent     []types.MessageKind                                  `cbor:"3,keyasint"`
}

// Snapshot is everything the engine needs to resume an instance.
type Snapshot struct {
	State          *types.NodeState                    `cbor:"1,keyasint"`
	Started        bool                                `cbor:"2,keyasint"`
	HighestRequest map[types.NodeID]types.ViewNumber   `cbor:"3,keyasint"`
	HighestAbort   map[types.NodeID]types.ViewNumber   `cbor:"4,keyasint"`
	Ledger         LedgerRecord                        `cbor:"5,keyasint"`
	SendAllUpon    map[types.NodeID]*messages.MsgQueue `cbor:"6,keyasint"`
	Channels       map[types.ChannelID]types.NodeID    `cbor:"7,keyasint"`
}

// Encode serialises the snapshot with the wire codec.
func (s *Snapshot) Encode() ([]byte, error) {
	data, err := messages.Marshal(s)
	if err != nil {
		return nil, NewStorageErrorWithCause(ErrorTypeInvalidData, "failed to encode snapshot", err)
	}
	return data, nil
}

// DecodeSnapshot parses a snapshot produced by Encode.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := messages.Unmarshal(data, &s); err != nil {
		return nil, NewStorageErrorWithCause(ErrorTypeCorruption, "failed to decode snapshot", err)
	}
	if s.State == nil {
		return nil, NewStorageError(ErrorTypeCorruption, "snapshot has no node state")
	}
	return &s, nil
}

// Clone returns a deep copy of the snapshot by round-tripping it through the codec.
func (s *Snapshot) Clone() (*Snapshot, error) {
	data, err := s.Encode()
	if err != nil {
		return nil, err
	}
	return DecodeSnapshot(data)
}
