package bridge

// Direction indicates which way an audio frame is traveling through the bridge.
type Direction int

const (
	// ToAgent is caller audio flowing toward the conversational-AI leg.
	ToAgent Direction = iota
	// ToCaller is agent audio flowing toward the telephony leg.
	ToCaller
)

// String returns a short label for logging.
func (d Direction) String() string {
	if d == ToAgent {
		return "to_agent"
	}
	return "to_caller"
}

// EventKind tags the variants of the internal event union.
type EventKind int

const (
	// KindConnected is the telephony protocol-level connected handshake.
	KindConnected EventKind = iota
	// KindStart carries the telephony stream id and optional call correlation id.
	KindStart
	// KindAudio is one opaque audio frame traveling in Direction.
	KindAudio
	// KindInterruption signals caller barge-in; relayed as a clear instruction.
	KindInterruption
	// KindPing is an agent-leg keepalive carrying a correlation id.
	KindPing
	// KindPong answers a ping with the same correlation id.
	KindPong
	// KindConversationStarted carries the provider's conversation id.
	KindConversationStarted
	// KindAgentUtterance is an agent transcript fragment (logged, not relayed).
	KindAgentUtterance
	// KindUserUtterance is a caller transcript fragment (logged, not relayed).
	KindUserUtterance
	// KindStop is the telephony end-of-stream signal.
	KindStop
	// KindDiagnostic wraps an unrecognized provider message; never fatal.
	KindDiagnostic
)

var kindNames = map[EventKind]string{
	KindConnected:           "connected",
	KindStart:               "start",
	KindAudio:               "audio",
	KindInterruption:        "interruption",
	KindPing:                "ping",
	KindPong:                "pong",
	KindConversationStarted: "conversation_started",
	KindAgentUtterance:      "agent_utterance",
	KindUserUtterance:       "user_utterance",
	KindStop:                "stop",
	KindDiagnostic:          "diagnostic",
}

func (k EventKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Event is the internal representation of one message from either leg.
// It is transient and never persisted. Payload stays base64-encoded exactly
// as it arrived on the wire; the bridge never inspects audio content.
type Event struct {
	Kind EventKind

	// StreamID and CallSid are set on Start events.
	StreamID string
	CallSid  string

	// Direction and Payload are set on Audio events.
	Direction Direction
	Payload   string

	// EventID correlates Ping and Pong events.
	EventID int

	// ConversationID is set on ConversationStarted events.
	ConversationID string

	// Text carries utterance fragments and diagnostic detail.
	Text string
}

// AudioEvent builds an audio frame event for the given direction.
func AudioEvent(dir Direction, payload string) Event {
	return Event{Kind: KindAudio, Direction: dir, Payload: payload}
}

// StartEvent builds a stream-start event.
func StartEvent(streamID, callSid string) Event {
	return Event{Kind: KindStart, StreamID: streamID, CallSid: callSid}
}

// PongEvent builds the reply to a ping with the same correlation id.
func PongEvent(eventID int) Event {
	return Event{Kind: KindPong, EventID: eventID}
}
