package messages

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"itbft/pkg/consensus/types"
)

const (
	// MaxBatchMessages bounds the number of messages in one MsgQueue.
	MaxBatchMessages = 10000
	// MaxPacketSize bounds the encoded size of one packet.
	MaxPacketSize = 4 << 20
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder: %v", err))
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		IntDec:           cbor.IntDecConvertNone,
		MaxArrayElements: MaxBatchMessages,
		MaxMapPairs:      1000,
		MaxNestedLevels:  16,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder: %v", err))
	}
}

// Envelope is the tagged wire form of one message.
type Envelope struct {
	Type MessageType     `cbor:"1,keyasint"`
	Body cbor.RawMessage `cbor:"2,keyasint"`
}

// Encode wraps a message into its tagged envelope.
func Encode(msg Message) (Envelope, error) {
	if msg == nil {
		return Envelope{}, fmt.Errorf("message cannot be nil")
	}
	body, err := encMode.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("CBOR encode %s failed: %w", msg.Type(), err)
	}
	return Envelope{Type: msg.Type(), Body: body}, nil
}

// Decode unwraps an envelope into its concrete message variant.
func Decode(env Envelope) (Message, error) {
	var msg Message
	switch env.Type {
	case MsgTypeRequest:
		msg = &RequestMsg{}
	case MsgTypeSuggest:
		msg = &SuggestMsg{}
	case MsgTypeProof:
		msg = &ProofMsg{}
	case MsgTypePropose:
		msg = &ProposeMsg{}
	case MsgTypeEcho:
		msg = &EchoMsg{}
	case MsgTypeKey1:
		msg = &Key1Msg{}
	case MsgTypeKey2:
		msg = &Key2Msg{}
	case MsgTypeKey3:
		msg = &Key3Msg{}
	case MsgTypeLock:
		msg = &LockMsg{}
	case MsgTypeDone:
		msg = &DoneMsg{}
	case MsgTypeAbort:
		msg = &AbortMsg{}
	case MsgTypeSelfAbort:
		msg = &SelfAbortMsg{}
	case MsgTypeWhoAmI:
		msg = &WhoAmIMsg{}
	case MsgTypeMsgQueue:
		msg = &MsgQueue{}
	default:
		return nil, fmt.Errorf("unknown message type %d", env.Type)
	}
	if err := decMode.Unmarshal(env.Body, msg); err != nil {
		return nil, fmt.Errorf("CBOR decode %s failed: %w", env.Type, err)
	}
	return msg, nil
}

type msgQueueWire struct {
	Messages []Envelope `cbor:"1,keyasint"`
}

// MarshalCBOR encodes the batch as a list of tagged envelopes.
func (m *MsgQueue) MarshalCBOR() ([]byte, error) {
	wire := msgQueueWire{Messages: make([]Envelope, 0, len(m.Messages))}
	for i, msg := range m.Messages {
		env, err := Encode(msg)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		wire.Messages = append(wire.Messages, env)
	}
	return encMode.Marshal(wire)
}

// UnmarshalCBOR decodes a list of tagged envelopes.
// Envelopes of an unknown type are kept as *Unknown so that one bad entry
// does not discard the rest of the batch.
func (m *MsgQueue) UnmarshalCBOR(data []byte) error {
	var wire msgQueueWire
	if err := decMode.Unmarshal(data, &wire); err != nil {
		return err
	}
	m.Messages = make([]Message, 0, len(wire.Messages))
	for _, env := range wire.Messages {
		msg, err := Decode(env)
		if err != nil {
			msg = &Unknown{RawType: env.Type, Err: err.Error()}
		}
		m.Messages = append(m.Messages, msg)
	}
	return nil
}

// Unknown stands in for an envelope that could not be decoded.
// The engine rejects it with a negative acknowledgement.
type Unknown struct {
	RawType MessageType
	Err     string
}

func (m *Unknown) Type() MessageType { return m.RawType }
func (m *Unknown) isMessage()        {}

// Validate always fails for an undecodable envelope.
func (m *Unknown) Validate(_ *types.ConsensusConfig) error {
	return fmt.Errorf("undecodable %s message: %s", m.RawType, m.Err)
}

// Packet is the unit handed to the transport: one batch plus an id for retransmission dedupe.
type Packet struct {
	ID    string    `cbor:"1,keyasint"`
	Queue *MsgQueue `cbor:"2,keyasint"`
}

// NewPacket wraps a batch into a packet with a fresh id.
func NewPacket(queue *MsgQueue) *Packet {
	return &Packet{ID: uuid.NewString(), Queue: queue}
}

// Acknowledgement is returned by the receiver of a packet.
type Acknowledgement struct {
	OK     bool     `cbor:"1,keyasint"`
	Errors []string `cbor:"2,keyasint,omitempty"`
}

// OKAck returns a positive acknowledgement.
func OKAck() Acknowledgement {
	return Acknowledgement{OK: true}
}

// Reject appends a negative entry for one message.
func (a *Acknowledgement) Reject(index int, err error) {
	a.OK = false
	a.Errors = append(a.Errors, fmt.Sprintf("message %d: %v", index, err))
}

// Err converts a negative acknowledgement into an error.
func (a Acknowledgement) Err() error {
	if a.OK {
		return nil
	}
	return fmt.Errorf("negative acknowledgement: %v", a.Errors)
}

// MarshalPacket encodes a packet.
func MarshalPacket(p *Packet) ([]byte, error) {
	data, err := encMode.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("CBOR encode packet failed: %w", err)
	}
	if len(data) > MaxPacketSize {
		return nil, fmt.Errorf("packet size %d exceeds limit %d", len(data), MaxPacketSize)
	}
	return data, nil
}

// UnmarshalPacket decodes a packet.
func UnmarshalPacket(data []byte) (*Packet, error) {
	if len(data) > MaxPacketSize {
		return nil, fmt.Errorf("packet size %d exceeds limit %d", len(data), MaxPacketSize)
	}
	var p Packet
	if err := decMode.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("CBOR decode packet failed: %w", err)
	}
	if p.Queue == nil {
		p.Queue = &MsgQueue{}
	}
	return &p, nil
}

// WritePacket writes one length-prefixed packet frame to w.
func WritePacket(w io.Writer, p *Packet) error {
	data, err := MarshalPacket(p)
	if err != nil {
		return err
	}
	return writeFrame(w, data)
}

// ReadPacket reads one frame written by WritePacket.
func ReadPacket(r io.Reader) (*Packet, error) {
	data, err := readFrame(r)
	if err != nil {
		return nil, fmt.Errorf("read packet: %w", err)
	}
	return UnmarshalPacket(data)
}

// WriteAck writes one length-prefixed acknowledgement frame to w.
func WriteAck(w io.Writer, ack Acknowledgement) error {
	data, err := encMode.Marshal(ack)
	if err != nil {
		return fmt.Errorf("CBOR encode acknowledgement failed: %w", err)
	}
	return writeFrame(w, data)
}

// ReadAck reads one frame written by WriteAck.
func ReadAck(r io.Reader) (Acknowledgement, error) {
	data, err := readFrame(r)
	if err != nil {
		return Acknowledgement{}, fmt.Errorf("read acknowledgement: %w", err)
	}
	var ack Acknowledgement
	if err := decMode.Unmarshal(data, &ack); err != nil {
		return Acknowledgement{}, fmt.Errorf("CBOR decode acknowledgement failed: %w", err)
	}
	return ack, nil
}

// Frames are a 4-byte big-endian length followed by the payload.
func writeFrame(w io.Writer, data []byte) error {
	if len(data) > MaxPacketSize {
		return fmt.Errorf("frame size %d exceeds limit %d", len(data), MaxPacketSize)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxPacketSize {
		return nil, fmt.Errorf("frame size %d exceeds limit %d", size, MaxPacketSize)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Marshal encodes any value with the canonical encoder. Used for persisted snapshots.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encMode.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes data with the strict decoder.
func Unmarshal(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}
