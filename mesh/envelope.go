// Package mesh carries dispatches between processes over ZeroMQ. Each
// process binds a ROUTER endpoint for the traffic addressed to it; callers
// open short-lived REQ sockets per call. Cluster-wide events ride a separate
// PUB/SUB plane through the event proxy.
//
// Everything on the wire is a msgpack Envelope. The envelope Data holds a
// kind-specific payload, itself msgpack.
package mesh

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/mybios/pinus/message"
	"github.com/mybios/pinus/session"
)

// Envelope kinds understood by endpoints.
const (
	// KindForward carries a message to the process that owns its route.
	KindForward = "forward"
	// KindReply answers any request kind.
	KindReply = "reply"
	// Session mutations sent back to the owning frontend.
	KindSessionBind   = "session.bind"
	KindSessionUnbind = "session.unbind"
	KindSessionPush   = "session.push"
)

// Envelope is the wire frame. ID correlates a reply with its request and
// tags event log lines; From names the sending process.
type Envelope struct {
	ID   string `msgpack:"id" json:"id"`
	Kind string `msgpack:"kind" json:"kind"`
	From string `msgpack:"from" json:"from"`
	Data []byte `msgpack:"data" json:"data"`
}

// Forward is the payload of KindForward.
type Forward struct {
	Session *session.Export  `msgpack:"session"`
	Message *message.Message `msgpack:"message"`
}

// Reply is the payload of KindReply. Err travels as text; an empty string
// means success.
type Reply struct {
	Err  string          `msgpack:"err"`
	Resp any             `msgpack:"resp"`
	Opts message.Options `msgpack:"opts"`
}

// SessionOp is the payload of the session.* kinds.
type SessionOp struct {
	SID      int64          `msgpack:"sid"`
	UID      string         `msgpack:"uid"`
	Settings map[string]any `msgpack:"settings"`
}

// NewEnvelope wraps payload in a fresh envelope from the given sender.
func NewEnvelope(kind, from string, payload any) (*Envelope, error) {
	data, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return &Envelope{
		ID:   uuid.NewString(),
		Kind: kind,
		From: from,
		Data: data,
	}, nil
}

// Reply builds the answer to e, keeping its ID for correlation.
func (e *Envelope) Reply(from string, payload *Reply) (*Envelope, error) {
	data, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode reply payload: %w", err)
	}
	return &Envelope{
		ID:   e.ID,
		Kind: KindReply,
		From: from,
		Data: data,
	}, nil
}

// DecodePayload unpacks the kind-specific payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if err := msgpack.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// Encode serializes an envelope for the wire.
func Encode(e *Envelope) ([]byte, error) {
	raw, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return raw, nil
}

// Decode parses an envelope off the wire.
func Decode(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := msgpack.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &e, nil
}
