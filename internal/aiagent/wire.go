package aiagent

// Conversational-AI provider wire messages. Inbound messages carry a type
// tag with a per-type nested event payload; outbound messages are either a
// bare user_audio_chunk object or a typed pong.

// serverMessage is the inbound provider envelope. Unknown types decode into
// just the Type field and surface as diagnostic events.
type serverMessage struct {
	Type string `json:"type"`

	AudioEvent *struct {
		AudioBase64 string `json:"audio_base_64"`
	} `json:"audio_event,omitempty"`

	// Some provider versions nest audio under audio.chunk instead.
	Audio *struct {
		Chunk string `json:"chunk"`
	} `json:"audio,omitempty"`

	PingEvent *struct {
		EventID int `json:"event_id"`
	} `json:"ping_event,omitempty"`

	ConversationInitiationMetadataEvent *struct {
		ConversationID string `json:"conversation_id"`
	} `json:"conversation_initiation_metadata_event,omitempty"`

	AgentResponseEvent *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`

	UserTranscriptionEvent *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`
}

// userAudioChunk is a caller audio frame sent to the provider.
type userAudioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

// pongMessage answers a provider ping with the same correlation id.
type pongMessage struct {
	Type    string `json:"type"`
	EventID int    `json:"event_id"`
}

// signedURLResponse is the body of the signed-URL endpoint.
type signedURLResponse struct {
	SignedURL string `json:"signed_url"`
}
