package bridge

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a session lifecycle state. Sessions move forward only;
// StateFailed is terminal and reachable from any non-terminal state.
type State int

const (
	StateInit State = iota
	StateTelephonyConnected
	StateAIConnecting
	StateActive
	StateClosing
	StateClosed
	StateFailed
)

var stateNames = map[State]string{
	StateInit:               "init",
	StateTelephonyConnected: "telephony_connected",
	StateAIConnecting:       "ai_connecting",
	StateActive:             "active",
	StateClosing:            "closing",
	StateClosed:             "closed",
	StateFailed:             "failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// CallSession is the per-call mutable state owned by one Coordinator.
// All writes happen on the coordinator's dispatch goroutine; the mutex
// exists so the registry and metrics can read concurrently.
type CallSession struct {
	ID        string
	AgentID   string
	CreatedAt time.Time

	mu             sync.RWMutex
	streamID       string
	callSid        string
	conversationID string
	state          State
}

// NewCallSession creates a session in StateInit for the given agent.
func NewCallSession(agentID, callSid string) *CallSession {
	return &CallSession{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		CreatedAt: time.Now(),
		callSid:   callSid,
		state:     StateInit,
	}
}

// State returns the current lifecycle state.
func (s *CallSession) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// StreamID returns the telephony stream id, empty before start.
func (s *CallSession) StreamID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamID
}

// CallSid returns the external call correlation id, if any.
func (s *CallSession) CallSid() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callSid
}

// ConversationID returns the provider conversation id, empty until captured.
func (s *CallSession) ConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationID
}

// RecordKey is the identifier used for the durable call record: the external
// call correlation id when the telephony side supplied one, otherwise the
// stream id.
func (s *CallSession) RecordKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.callSid != "" {
		return s.callSid
	}
	return s.streamID
}

// advance moves the session to a later lifecycle state. Moving backward or
// out of a terminal state returns ErrInvalidTransition. StateFailed is
// reachable from any non-terminal state.
func (s *CallSession) advance(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return ErrInvalidTransition
	}
	if to == StateFailed {
		s.state = StateFailed
		return nil
	}
	if to <= s.state {
		return ErrInvalidTransition
	}
	s.state = to
	return nil
}

// setStreamID captures the telephony stream id exactly once.
func (s *CallSession) setStreamID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamID != "" {
		return ErrDuplicateStart
	}
	s.streamID = id
	return nil
}

// setCallSid fills the correlation id from the start event when the upgrade
// request did not carry one.
func (s *CallSession) setCallSid(sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.callSid == "" {
		s.callSid = sid
	}
}

// setConversationID captures the provider conversation id exactly once.
// A second id for the same session is ignored; persistence-level conflict
// detection lives in the call record store.
func (s *CallSession) setConversationID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversationID == "" {
		s.conversationID = id
	}
}
