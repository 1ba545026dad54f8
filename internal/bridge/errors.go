package bridge

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a session is asked to move backward
// through its lifecycle. Sessions only advance.
var ErrInvalidTransition = errors.New("invalid session state transition")

// ErrDuplicateStart is returned when a second start event arrives for a
// session that already captured a stream id.
var ErrDuplicateStart = errors.New("session already started")

// ErrUnsendableEvent indicates a programmer error: an event kind was handed
// to a leg that has no wire encoding for it.
var ErrUnsendableEvent = errors.New("event kind cannot be sent on this leg")

// ProtocolError reports a single malformed or undecodable frame on one leg.
// It is recoverable: the frame is dropped and the session continues.
type ProtocolError struct {
	Leg string // "telephony" or "agent"
	Msg string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error on %s leg: %s: %v", e.Leg, e.Msg, e.Err)
	}
	return fmt.Sprintf("protocol error on %s leg: %s", e.Leg, e.Msg)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// UpstreamConnectError reports a failed or timed-out AI session handshake.
// It is fatal to the session: the bridge fails closed rather than letting
// the call proceed audio-only.
type UpstreamConnectError struct {
	AgentID string
	Err     error
}

func (e *UpstreamConnectError) Error() string {
	return fmt.Sprintf("connecting agent session %s: %v", e.AgentID, e.Err)
}

func (e *UpstreamConnectError) Unwrap() error { return e.Err }
