// Package protocol defines the message envelope exchanged on the
// daemon/worker control channel (C2 in the design): a small, fixed set of
// commands from the daemon to a worker, and status reports from the worker
// back to the daemon.
package protocol

import (
	"fmt"
	"time"

	"github.com/wyrmd/wyrm/internal/wire"
)

// activeCodec is the Codec used to marshal/unmarshal every Message
// envelope on the control channel. It defaults to the build's selected
// JSON codec; SetCodec lets the daemon switch to the MessagePack codec
// for a more compact wire format without touching call sites.
var activeCodec wire.Codec = mustDefaultCodec()

func mustDefaultCodec() wire.Codec {
	c, err := wire.NewCodec(wire.CodecJSON)
	if err != nil {
		panic(err)
	}
	return c
}

// SetCodec replaces the codec used both for the envelope (Marshal,
// Unmarshal) and for its payload (NewMessage, DecodePayload), so the two
// always share one encoding.
func SetCodec(c wire.Codec) {
	activeCodec = c
}

// MessageType identifies a control-channel message. The set is fixed and
// small by design: BUSY is never sent explicitly (it is implicit on receipt
// of DISPATCH), it is listed only so logging/metrics code has a name for it.
type MessageType string

const (
	// MsgDispatch is sent daemon -> worker: here is a connection to serve.
	MsgDispatch MessageType = "dispatch"
	// MsgShutdown is sent daemon -> worker: finish the current request, then exit.
	MsgShutdown MessageType = "shutdown"
	// MsgReady is sent worker -> daemon: idle and able to accept a dispatch.
	MsgReady MessageType = "ready"
	// MsgBusy is never sent on the wire; receipt of MsgDispatch implies it.
	MsgBusy MessageType = "busy"
	// MsgExiting is sent worker -> daemon: graceful shutdown acknowledged.
	MsgExiting MessageType = "exiting"
)

// Message is the envelope for every control-channel exchange. Payload is
// pre-encoded bytes in whatever codec is active, so switching codecs
// never requires re-tagging the *Meta payload structs below.
type Message struct {
	Type    MessageType `json:"type" msgpack:"type"`
	Payload []byte      `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

// DispatchMeta accompanies a MsgDispatch. The connection's file descriptor
// itself travels alongside this payload via the connection carrier (C1),
// not inside it.
type DispatchMeta struct {
	ListenerIndex int       `json:"listener_index" msgpack:"listener_index"`
	ListenerAddr  string    `json:"listener_addr" msgpack:"listener_addr"`
	PeerAddr      string    `json:"peer_addr" msgpack:"peer_addr"`
	ReceivedAt    time.Time `json:"received_at" msgpack:"received_at"`

	// RendezvousAddr is set only by the non-POSIX connection carrier
	// fallback (no SCM_RIGHTS equivalent): the loopback address the
	// worker should dial to receive the proxied connection.
	RendezvousAddr string `json:"rendezvous_addr,omitempty" msgpack:"rendezvous_addr,omitempty"`
}

// ShutdownMeta accompanies a MsgShutdown.
type ShutdownMeta struct {
	Reason string `json:"reason,omitempty" msgpack:"reason,omitempty"`
}

// ReadyMeta accompanies a MsgReady.
type ReadyMeta struct {
	WorkerIndex int `json:"worker_index" msgpack:"worker_index"`
}

// ExitingMeta accompanies a MsgExiting.
type ExitingMeta struct {
	WorkerIndex int    `json:"worker_index" msgpack:"worker_index"`
	Reason      string `json:"reason,omitempty" msgpack:"reason,omitempty"`
}

// NewMessage wraps a payload with its message-type envelope, encoding the
// payload with the active codec.
func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	var raw []byte
	if payload != nil {
		b, err := activeCodec.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
		raw = b
	}
	return &Message{Type: msgType, Payload: raw}, nil
}

// Marshal serializes the message envelope with the active codec.
func (m *Message) Marshal() ([]byte, error) {
	return activeCodec.Marshal(m)
}

// Unmarshal deserializes a message envelope with the active codec.
func (m *Message) Unmarshal(data []byte) error {
	return activeCodec.Unmarshal(data, m)
}

// DecodePayload unmarshals the message payload into v with the active
// codec.
func (m *Message) DecodePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has no payload", m.Type)
	}
	return activeCodec.Unmarshal(m.Payload, v)
}
