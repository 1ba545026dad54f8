package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/internal/bridge"
	"github.com/voicebridge/voicebridge/internal/callstore"
	"github.com/voicebridge/voicebridge/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		HandshakeTimeout: 2 * time.Second,
		SendTimeout:      time.Second,
		CloseGrace:       2 * time.Second,
		SendQueueSize:    16,
		UpgradeRate:      100,
		UpgradeBurst:     100,
	}
}

// stubLeg is a minimal agent leg: Receive blocks until Close.
type stubLeg struct {
	mu        sync.Mutex
	sent      []bridge.Event
	closeOnce sync.Once
	closed    chan struct{}
}

func newStubLeg() *stubLeg {
	return &stubLeg{closed: make(chan struct{})}
}

func (l *stubLeg) Receive() (bridge.Event, error) {
	<-l.closed
	return bridge.Event{}, io.EOF
}

func (l *stubLeg) Send(ev bridge.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, ev)
	return nil
}

func (l *stubLeg) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *stubLeg) sentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

type stubDialer struct {
	calls atomic.Int32
}

func (d *stubDialer) OpenSession(ctx context.Context, agentID string) (bridge.Leg, error) {
	d.calls.Add(1)
	return newStubLeg(), nil
}

type stubRecorder struct {
	mu       sync.Mutex
	statuses []bridge.CallStatus
}

func (r *stubRecorder) RecordStatus(key string, status bridge.CallStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *stubRecorder) RecordConversationStarted(key, conversationID string) {}

func (r *stubRecorder) history() []bridge.CallStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bridge.CallStatus, len(r.statuses))
	copy(out, r.statuses)
	return out
}

func newTestServer(t *testing.T, cfg *config.Config, dialer bridge.AgentDialer, recorder bridge.CallRecorder) (*httptest.Server, *bridge.Registry) {
	t.Helper()

	store, err := callstore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	registry := bridge.NewRegistry()
	srv := NewServer(context.Background(), cfg, store, registry, dialer, recorder, testLogger())
	t.Cleanup(srv.Close)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts, registry
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t, testConfig(), &stubDialer{}, &stubRecorder{})

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestStreamMissingAgentID(t *testing.T) {
	dialer := &stubDialer{}
	ts, _ := newTestServer(t, testConfig(), dialer, &stubRecorder{})

	resp, err := http.Get(ts.URL + "/ws")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	// The upgrade is refused before any provider work happens.
	if got := dialer.calls.Load(); got != 0 {
		t.Errorf("agent sessions opened = %d, want 0", got)
	}
}

func TestStreamRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.UpgradeRate = 0.01
	cfg.UpgradeBurst = 1
	ts, _ := newTestServer(t, cfg, &stubDialer{}, &stubRecorder{})

	// First request consumes the burst; it fails the upgrade handshake but
	// passes the limiter.
	resp, err := http.Get(ts.URL + "/ws?agentId=agent-1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/ws?agentId=agent-1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
}

func TestStreamBridgesCall(t *testing.T) {
	dialer := &stubDialer{}
	recorder := &stubRecorder{}
	ts, registry := newTestServer(t, testConfig(), dialer, recorder)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?agentId=agent-1&callSid=CA1"
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	frames := []string{
		`{"event":"connected"}`,
		`{"event":"start","start":{"streamSid":"MZ1","callSid":"CA1"}}`,
		`{"event":"media","media":{"payload":"aGk="}}`,
	}
	for _, f := range frames {
		if err := client.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, func() bool { return registry.ActiveSessionCount() == 1 }, "session never registered")
	waitFor(t, func() bool { return dialer.calls.Load() == 1 }, "agent session never opened")

	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"event":"stop"}`)); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return registry.ActiveSessionCount() == 0 }, "session never unregistered")
	waitFor(t, func() bool {
		h := recorder.history()
		return len(h) == 2 && h[0] == bridge.StatusInProgress && h[1] == bridge.StatusCompleted
	}, "call completion never recorded")

	if got := registry.SessionOutcomes()["closed"]; got != 1 {
		t.Errorf("closed outcomes = %d, want 1", got)
	}
}

func TestSessionsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, testConfig(), &stubDialer{}, &stubRecorder{})

	resp, err := http.Get(ts.URL + "/api/v1/sessions")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Data []bridge.SessionInfo `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Data) != 0 {
		t.Errorf("sessions = %+v, want none", body.Data)
	}
}

func TestCallsEndpoint(t *testing.T) {
	dialer := &stubDialer{}
	ts, _ := newTestServer(t, testConfig(), dialer, &stubRecorder{})

	resp, err := http.Get(ts.URL + "/api/v1/calls")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/api/v1/calls?limit=0")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status for bad limit = %d, want 400", resp.StatusCode)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
