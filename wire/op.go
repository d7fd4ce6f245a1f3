// Package wire defines the JSON frames exchanged between agents and the relay.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"collabtext/tree"
)

// FrameType names the kind of a frame.
type FrameType string

const (
	// TypeHello opens a session: client -> relay.
	TypeHello FrameType = "hello"
	// TypeOp carries one committed transaction. Client -> relay without Seq;
	// relay -> clients with the Seq assigned by the op log.
	TypeOp FrameType = "op"
	// TypeAck confirms a client op was stored: relay -> client.
	TypeAck FrameType = "ack"
	// TypeCaughtUp marks the end of the backlog replay: relay -> client.
	TypeCaughtUp FrameType = "caught_up"
	// TypeError reports a rejected frame: relay -> client.
	TypeError FrameType = "error"
)

// OpID identifies an op by the client that produced it and that client's
// own counter.
type OpID struct {
	ClientID  string `json:"clientID"`
	ClientSeq uint64 `json:"clientSeq"`
}

// Frame is the single message shape on the wire.
type Frame struct {
	Type  FrameType `json:"type"`
	DocID string    `json:"docID,omitempty"`
	OpID

	// Seq is the relay's log position for ops, acks and caught_up.
	Seq int64 `json:"seq,omitempty"`
	// Since is the last log position the client has seen (hello only).
	Since int64 `json:"since,omitempty"`

	Changes []tree.Change `json:"changes,omitempty"`
	Error   string        `json:"error,omitempty"`
}

var (
	// ErrMalformedFrame indicates a frame that is missing required fields.
	ErrMalformedFrame = errors.New("malformed frame")
)

// NewClientID returns a fresh client id.
func NewClientID() string {
	return uuid.NewString()
}

// Hello builds the session-opening frame.
func Hello(docID, clientID string, since int64) Frame {
	return Frame{Type: TypeHello, DocID: docID, OpID: OpID{ClientID: clientID}, Since: since}
}

// Op builds an op frame for a committed transaction.
func Op(docID string, id OpID, changes []tree.Change) Frame {
	return Frame{Type: TypeOp, DocID: docID, OpID: id, Changes: changes}
}

// Encode validates and serializes f.
func Encode(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// Decode parses and validates a frame.
func Decode(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Validate checks the fields required by the frame type.
func (f Frame) Validate() error {
	switch f.Type {
	case TypeHello:
		if f.DocID == "" || f.ClientID == "" {
			return fmt.Errorf("%w: hello needs docID and clientID", ErrMalformedFrame)
		}
		if f.Since < 0 {
			return fmt.Errorf("%w: negative since", ErrMalformedFrame)
		}
	case TypeOp:
		if f.DocID == "" || f.ClientID == "" || f.ClientSeq == 0 {
			return fmt.Errorf("%w: op needs docID, clientID and clientSeq", ErrMalformedFrame)
		}
		if len(f.Changes) == 0 {
			return fmt.Errorf("%w: op without changes", ErrMalformedFrame)
		}
	case TypeAck:
		if f.ClientSeq == 0 || f.Seq <= 0 {
			return fmt.Errorf("%w: ack needs clientSeq and seq", ErrMalformedFrame)
		}
	case TypeCaughtUp, TypeError:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, f.Type)
	}
	return nil
}
