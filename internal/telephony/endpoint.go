package telephony

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/internal/bridge"
)

const (
	// pongWait is how long the socket may stay silent before the read side
	// gives up. Media frames and pongs both reset it.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = 25 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The telephony provider connects server-to-server; there is no browser
	// origin to validate.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Endpoint is the inbound telephony media-stream leg. It implements
// bridge.Leg: decoded events flow out of Receive, and Send encodes
// agent→caller audio and clear instructions back onto the socket.
type Endpoint struct {
	conn        *websocket.Conn
	sendTimeout time.Duration
	logger      *slog.Logger

	mu        sync.Mutex // guards writes and streamSid
	streamSid string

	closeOnce sync.Once
	stopPing  chan struct{}
}

// Accept completes the WebSocket upgrade for a validated media-stream
// request. Callers must have run ResolveSessionParams first.
func Accept(w http.ResponseWriter, r *http.Request, sendTimeout time.Duration, logger *slog.Logger) (*Endpoint, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrading media stream: %w", err)
	}

	e := &Endpoint{
		conn:        conn,
		sendTimeout: sendTimeout,
		logger:      logger.With("subsystem", "telephony"),
		stopPing:    make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go e.pingLoop()

	return e, nil
}

// pingLoop keeps the socket alive between media frames. A failed ping is
// not acted on here; the dead connection surfaces through Receive.
func (e *Endpoint) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.mu.Lock()
			e.conn.SetWriteDeadline(time.Now().Add(e.sendTimeout))
			err := e.conn.WriteMessage(websocket.PingMessage, nil)
			e.mu.Unlock()
			if err != nil {
				return
			}
		case <-e.stopPing:
			return
		}
	}
}

// Receive blocks for the next telephony frame and decodes it into an
// internal event. A malformed frame returns *bridge.ProtocolError; the
// connection stays usable and the caller drops the frame.
func (e *Endpoint) Receive() (bridge.Event, error) {
	_, data, err := e.conn.ReadMessage()
	if err != nil {
		return bridge.Event{}, fmt.Errorf("reading media stream: %w", err)
	}
	e.conn.SetReadDeadline(time.Now().Add(pongWait))

	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return bridge.Event{}, &bridge.ProtocolError{Leg: "telephony", Msg: "malformed json frame", Err: err}
	}

	switch msg.Event {
	case "connected":
		return bridge.Event{Kind: bridge.KindConnected}, nil

	case "start":
		if msg.Start == nil || msg.Start.StreamSid == "" {
			return bridge.Event{}, &bridge.ProtocolError{Leg: "telephony", Msg: "start event missing streamSid"}
		}
		e.mu.Lock()
		e.streamSid = msg.Start.StreamSid
		e.mu.Unlock()
		return bridge.StartEvent(msg.Start.StreamSid, msg.Start.CallSid), nil

	case "media":
		if msg.Media == nil || msg.Media.Payload == "" {
			return bridge.Event{}, &bridge.ProtocolError{Leg: "telephony", Msg: "media event missing payload"}
		}
		return bridge.AudioEvent(bridge.ToAgent, msg.Media.Payload), nil

	case "stop":
		return bridge.Event{Kind: bridge.KindStop}, nil

	default:
		return bridge.Event{Kind: bridge.KindDiagnostic, Text: "telephony event " + msg.Event}, nil
	}
}

// Send encodes an internal event onto the telephony socket. Only audio
// toward the caller and interruptions have a wire form; anything else is a
// dispatch bug and returns bridge.ErrUnsendableEvent.
func (e *Endpoint) Send(ev bridge.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.streamSid == "" {
		return fmt.Errorf("sending before stream start: %w", bridge.ErrUnsendableEvent)
	}

	var payload any
	switch ev.Kind {
	case bridge.KindAudio:
		if ev.Direction != bridge.ToCaller {
			return fmt.Errorf("audio direction %s on telephony leg: %w", ev.Direction, bridge.ErrUnsendableEvent)
		}
		payload = outboundMedia{
			Event:     "media",
			StreamSid: e.streamSid,
			Media:     mediaPayload{Payload: ev.Payload},
		}
	case bridge.KindInterruption:
		payload = outboundClear{Event: "clear", StreamSid: e.streamSid}
	default:
		return fmt.Errorf("event %s on telephony leg: %w", ev.Kind, bridge.ErrUnsendableEvent)
	}

	e.conn.SetWriteDeadline(time.Now().Add(e.sendTimeout))
	if err := e.conn.WriteJSON(payload); err != nil {
		return fmt.Errorf("writing to media stream: %w", err)
	}
	return nil
}

// Close closes the telephony socket and stops the keepalive loop.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() { close(e.stopPing) })
	return e.conn.Close()
}

// CloseWithReason sends a policy-violation close frame with a descriptive
// reason before closing, so the telephony side is not left with a silent
// hang when the session fails.
func (e *Endpoint) CloseWithReason(reason string) error {
	e.mu.Lock()
	e.conn.SetWriteDeadline(time.Now().Add(e.sendTimeout))
	err := e.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason))
	e.mu.Unlock()
	if err != nil {
		e.logger.Debug("writing close frame", "error", err)
	}
	return e.Close()
}
