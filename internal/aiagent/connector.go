package aiagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/internal/bridge"
)

// ErrMissingAPIKey indicates the provider API key is not configured.
// Surfaced before any session work begins; never retried.
var ErrMissingAPIKey = errors.New("agent API key not configured")

// signedURLPath is the provider endpoint that exchanges an agent id for a
// short-lived signed WebSocket URL.
const signedURLPath = "/v1/convai/conversation/get-signed-url"

// Connector opens conversational-AI sessions. It holds only read-only
// configuration and is safe for concurrent use by many sessions.
type Connector struct {
	baseURL     string
	apiKey      string
	client      *http.Client
	dialer      *websocket.Dialer
	sendTimeout time.Duration
	logger      *slog.Logger
}

// NewConnector validates the provider configuration and returns a connector.
func NewConnector(baseURL, apiKey string, sendTimeout time.Duration, logger *slog.Logger) (*Connector, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	return &Connector{
		baseURL:     baseURL,
		apiKey:      apiKey,
		client:      &http.Client{},
		dialer:      websocket.DefaultDialer,
		sendTimeout: sendTimeout,
		logger:      logger.With("subsystem", "aiagent"),
	}, nil
}

// OpenSession exchanges the agent id for a signed URL and dials the
// provider socket. The context bounds the whole handshake; any failure is
// returned as *bridge.UpstreamConnectError and no retry is attempted.
func (c *Connector) OpenSession(ctx context.Context, agentID string) (bridge.Leg, error) {
	signed, err := c.fetchSignedURL(ctx, agentID)
	if err != nil {
		return nil, &bridge.UpstreamConnectError{AgentID: agentID, Err: err}
	}

	conn, resp, err := c.dialer.DialContext(ctx, signed, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			err = fmt.Errorf("dialing agent socket: %w (status %d)", err, resp.StatusCode)
		} else {
			err = fmt.Errorf("dialing agent socket: %w", err)
		}
		return nil, &bridge.UpstreamConnectError{AgentID: agentID, Err: err}
	}
	if resp != nil {
		resp.Body.Close()
	}

	c.logger.Debug("agent session opened", "agent_id", agentID)
	return &Session{
		conn:        conn,
		sendTimeout: c.sendTimeout,
	}, nil
}

// fetchSignedURL calls the provider's signed-URL endpoint. A non-2xx
// response or malformed body fails the handshake.
func (c *Connector) fetchSignedURL(ctx context.Context, agentID string) (string, error) {
	u := c.baseURL + signedURLPath + "?agent_id=" + url.QueryEscape(agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("building signed url request: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching signed url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("signed url endpoint returned %d: %s", resp.StatusCode, body)
	}

	var parsed signedURLResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decoding signed url response: %w", err)
	}
	if parsed.SignedURL == "" {
		return "", fmt.Errorf("signed url response missing signed_url")
	}
	return parsed.SignedURL, nil
}

// Session is one live provider connection implementing bridge.Leg.
type Session struct {
	conn        *websocket.Conn
	sendTimeout time.Duration

	mu sync.Mutex // serializes writes
}

// Receive blocks for the next provider message and decodes it. Unknown
// message types map to a diagnostic event rather than an error, so an
// unrecognized event can never kill the session.
func (s *Session) Receive() (bridge.Event, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return bridge.Event{}, fmt.Errorf("reading agent socket: %w", err)
	}

	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return bridge.Event{}, &bridge.ProtocolError{Leg: "agent", Msg: "malformed json frame", Err: err}
	}

	switch msg.Type {
	case "audio":
		switch {
		case msg.AudioEvent != nil && msg.AudioEvent.AudioBase64 != "":
			return bridge.AudioEvent(bridge.ToCaller, msg.AudioEvent.AudioBase64), nil
		case msg.Audio != nil && msg.Audio.Chunk != "":
			return bridge.AudioEvent(bridge.ToCaller, msg.Audio.Chunk), nil
		default:
			return bridge.Event{}, &bridge.ProtocolError{Leg: "agent", Msg: "audio event missing payload"}
		}

	case "interruption":
		return bridge.Event{Kind: bridge.KindInterruption}, nil

	case "ping":
		if msg.PingEvent == nil {
			return bridge.Event{}, &bridge.ProtocolError{Leg: "agent", Msg: "ping event missing ping_event"}
		}
		return bridge.Event{Kind: bridge.KindPing, EventID: msg.PingEvent.EventID}, nil

	case "conversation_initiation_metadata":
		if msg.ConversationInitiationMetadataEvent == nil || msg.ConversationInitiationMetadataEvent.ConversationID == "" {
			return bridge.Event{}, &bridge.ProtocolError{Leg: "agent", Msg: "initiation metadata missing conversation_id"}
		}
		return bridge.Event{
			Kind:           bridge.KindConversationStarted,
			ConversationID: msg.ConversationInitiationMetadataEvent.ConversationID,
		}, nil

	case "agent_response":
		var text string
		if msg.AgentResponseEvent != nil {
			text = msg.AgentResponseEvent.AgentResponse
		}
		return bridge.Event{Kind: bridge.KindAgentUtterance, Text: text}, nil

	case "user_transcript":
		var text string
		if msg.UserTranscriptionEvent != nil {
			text = msg.UserTranscriptionEvent.UserTranscript
		}
		return bridge.Event{Kind: bridge.KindUserUtterance, Text: text}, nil

	default:
		return bridge.Event{Kind: bridge.KindDiagnostic, Text: "agent event " + msg.Type}, nil
	}
}

// Send encodes an internal event onto the provider socket. Only caller
// audio and pongs have a wire form; anything else is a dispatch bug and
// returns bridge.ErrUnsendableEvent.
func (s *Session) Send(ev bridge.Event) error {
	var payload any
	switch ev.Kind {
	case bridge.KindAudio:
		if ev.Direction != bridge.ToAgent {
			return fmt.Errorf("audio direction %s on agent leg: %w", ev.Direction, bridge.ErrUnsendableEvent)
		}
		payload = userAudioChunk{UserAudioChunk: ev.Payload}
	case bridge.KindPong:
		payload = pongMessage{Type: "pong", EventID: ev.EventID}
	default:
		return fmt.Errorf("event %s on agent leg: %w", ev.Kind, bridge.ErrUnsendableEvent)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(s.sendTimeout))
	if err := s.conn.WriteJSON(payload); err != nil {
		return fmt.Errorf("writing to agent socket: %w", err)
	}
	return nil
}

// Close closes the provider socket.
func (s *Session) Close() error {
	return s.conn.Close()
}
