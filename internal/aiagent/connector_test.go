package aiagent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/internal/bridge"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newProviderServer fakes the AI provider: the signed-URL endpoint plus the
// conversation socket it points to. onConn handles each upgraded socket.
func newProviderServer(t *testing.T, onConn func(*websocket.Conn)) *httptest.Server {
	t.Helper()

	var srv *httptest.Server
	var upgr websocket.Upgrader

	mux := http.NewServeMux()
	mux.HandleFunc(signedURLPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("agent_id") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
		json.NewEncoder(w).Encode(map[string]string{"signed_url": wsURL})
	})
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgr.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		onConn(conn)
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestNewConnectorRequiresAPIKey(t *testing.T) {
	_, err := NewConnector("http://example.invalid", "", time.Second, testLogger())
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("err = %v, want ErrMissingAPIKey", err)
	}
}

func TestOpenSessionRoundTrip(t *testing.T) {
	received := make(chan string, 1)
	srv := newProviderServer(t, func(conn *websocket.Conn) {
		defer conn.Close()

		// Greet with conversation metadata, then echo back the first caller
		// chunk as agent audio.
		conn.WriteMessage(websocket.TextMessage, []byte(
			`{"type":"conversation_initiation_metadata","conversation_initiation_metadata_event":{"conversation_id":"conv-1"}}`))

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var chunk userAudioChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			t.Errorf("decoding user audio chunk: %v", err)
			return
		}
		received <- chunk.UserAudioChunk

		conn.WriteMessage(websocket.TextMessage, []byte(
			`{"type":"audio","audio_event":{"audio_base_64":"cmVwbHk="}}`))
	})

	c, err := NewConnector(srv.URL, "test-key", time.Second, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	leg, err := c.OpenSession(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("opening session: %v", err)
	}
	defer leg.Close()

	ev, err := leg.Receive()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != bridge.KindConversationStarted || ev.ConversationID != "conv-1" {
		t.Fatalf("greeting = %+v", ev)
	}

	if err := leg.Send(bridge.AudioEvent(bridge.ToAgent, "aGVsbG8=")); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-received:
		if got != "aGVsbG8=" {
			t.Errorf("provider received %q, want aGVsbG8=", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("provider never received the audio chunk")
	}

	ev, err = leg.Receive()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != bridge.KindAudio || ev.Direction != bridge.ToCaller || ev.Payload != "cmVwbHk=" {
		t.Fatalf("agent audio = %+v", ev)
	}
}

func TestOpenSessionBadAPIKey(t *testing.T) {
	srv := newProviderServer(t, func(conn *websocket.Conn) { conn.Close() })

	c, err := NewConnector(srv.URL, "wrong-key", time.Second, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.OpenSession(context.Background(), "agent-1")
	var uerr *bridge.UpstreamConnectError
	if !errors.As(err, &uerr) {
		t.Fatalf("err = %v, want *bridge.UpstreamConnectError", err)
	}
	if uerr.AgentID != "agent-1" {
		t.Errorf("agent id = %q, want agent-1", uerr.AgentID)
	}
}

func TestOpenSessionTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	t.Cleanup(srv.Close)

	c, err := NewConnector(srv.URL, "test-key", time.Second, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.OpenSession(ctx, "agent-1")
	var uerr *bridge.UpstreamConnectError
	if !errors.As(err, &uerr) {
		t.Fatalf("err = %v, want *bridge.UpstreamConnectError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want wrapped context.DeadlineExceeded", err)
	}
}

func TestOpenSessionMissingSignedURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	t.Cleanup(srv.Close)

	c, err := NewConnector(srv.URL, "test-key", time.Second, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.OpenSession(context.Background(), "agent-1")
	var uerr *bridge.UpstreamConnectError
	if !errors.As(err, &uerr) {
		t.Fatalf("err = %v, want *bridge.UpstreamConnectError", err)
	}
}

func TestSessionReceiveDecoding(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  bridge.Event
	}{
		{
			name:  "audio event form",
			frame: `{"type":"audio","audio_event":{"audio_base_64":"YQ=="}}`,
			want:  bridge.Event{Kind: bridge.KindAudio, Direction: bridge.ToCaller, Payload: "YQ=="},
		},
		{
			name:  "audio chunk form",
			frame: `{"type":"audio","audio":{"chunk":"Yg=="}}`,
			want:  bridge.Event{Kind: bridge.KindAudio, Direction: bridge.ToCaller, Payload: "Yg=="},
		},
		{
			name:  "interruption",
			frame: `{"type":"interruption"}`,
			want:  bridge.Event{Kind: bridge.KindInterruption},
		},
		{
			name:  "ping",
			frame: `{"type":"ping","ping_event":{"event_id":42}}`,
			want:  bridge.Event{Kind: bridge.KindPing, EventID: 42},
		},
		{
			name:  "conversation metadata",
			frame: `{"type":"conversation_initiation_metadata","conversation_initiation_metadata_event":{"conversation_id":"c1"}}`,
			want:  bridge.Event{Kind: bridge.KindConversationStarted, ConversationID: "c1"},
		},
		{
			name:  "agent response",
			frame: `{"type":"agent_response","agent_response_event":{"agent_response":"hi there"}}`,
			want:  bridge.Event{Kind: bridge.KindAgentUtterance, Text: "hi there"},
		},
		{
			name:  "user transcript",
			frame: `{"type":"user_transcript","user_transcription_event":{"user_transcript":"hello"}}`,
			want:  bridge.Event{Kind: bridge.KindUserUtterance, Text: "hello"},
		},
		{
			name:  "unknown type",
			frame: `{"type":"internal_tentative_agent_response"}`,
			want:  bridge.Event{Kind: bridge.KindDiagnostic, Text: "agent event internal_tentative_agent_response"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newProviderServer(t, func(conn *websocket.Conn) {
				conn.WriteMessage(websocket.TextMessage, []byte(tt.frame))
			})
			c, err := NewConnector(srv.URL, "test-key", time.Second, testLogger())
			if err != nil {
				t.Fatal(err)
			}
			leg, err := c.OpenSession(context.Background(), "agent-1")
			if err != nil {
				t.Fatal(err)
			}
			defer leg.Close()

			got, err := leg.Receive()
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("event = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSessionReceiveMalformedFrame(t *testing.T) {
	srv := newProviderServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte("{oops"))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"interruption"}`))
	})
	c, err := NewConnector(srv.URL, "test-key", time.Second, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	leg, err := c.OpenSession(context.Background(), "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	defer leg.Close()

	_, err = leg.Receive()
	var perr *bridge.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *bridge.ProtocolError", err)
	}

	// The session survives the bad frame.
	ev, err := leg.Receive()
	if err != nil || ev.Kind != bridge.KindInterruption {
		t.Fatalf("after bad frame: ev=%+v err=%v", ev, err)
	}
}

func TestSessionSendPong(t *testing.T) {
	received := make(chan pongMessage, 1)
	srv := newProviderServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var pong pongMessage
		if err := json.Unmarshal(data, &pong); err != nil {
			t.Errorf("decoding pong: %v", err)
			return
		}
		received <- pong
	})
	c, err := NewConnector(srv.URL, "test-key", time.Second, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	leg, err := c.OpenSession(context.Background(), "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	defer leg.Close()

	if err := leg.Send(bridge.PongEvent(42)); err != nil {
		t.Fatal(err)
	}
	select {
	case pong := <-received:
		if pong.Type != "pong" || pong.EventID != 42 {
			t.Errorf("pong = %+v", pong)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("provider never received the pong")
	}

	// Kinds with no agent wire form are dispatch bugs.
	if err := leg.Send(bridge.Event{Kind: bridge.KindInterruption}); !errors.Is(err, bridge.ErrUnsendableEvent) {
		t.Errorf("interruption send = %v, want ErrUnsendableEvent", err)
	}
	if err := leg.Send(bridge.AudioEvent(bridge.ToCaller, "xx")); !errors.Is(err, bridge.ErrUnsendableEvent) {
		t.Errorf("wrong-direction audio send = %v, want ErrUnsendableEvent", err)
	}
}
