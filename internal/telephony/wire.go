package telephony

// Media-stream wire messages. The inbound side follows the Twilio Media
// Streams protocol: an event envelope with per-event nested payloads.

// streamMessage is the inbound message envelope.
type streamMessage struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid,omitempty"`
	Start     *startPayload `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
}

// startPayload carries the stream and call identifiers on a start event.
type startPayload struct {
	StreamSid  string `json:"streamSid"`
	CallSid    string `json:"callSid"`
	AccountSid string `json:"accountSid"`
}

// mediaPayload carries one base64-encoded audio frame.
type mediaPayload struct {
	Payload string `json:"payload"`
}

// outboundMedia is an agent→caller audio frame.
type outboundMedia struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid"`
	Media     mediaPayload `json:"media"`
}

// outboundClear tells the telephony side to flush its playback buffer
// (caller barge-in).
type outboundClear struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}
