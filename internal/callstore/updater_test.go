package callstore

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/voicebridge/voicebridge/internal/bridge"
)

// memStore is an in-memory Store for updater tests.
type memStore struct {
	mu            sync.Mutex
	statuses      map[string]string
	conversations map[string]string
	failures      int // fail this many writes before succeeding
}

func newMemStore() *memStore {
	return &memStore{
		statuses:      make(map[string]string),
		conversations: make(map[string]string),
	}
}

func (m *memStore) UpsertStatus(ctx context.Context, callKey, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return context.DeadlineExceeded
	}
	m.statuses[callKey] = status
	return nil
}

func (m *memStore) UpsertConversationID(ctx context.Context, callKey, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.conversations[callKey]; ok && existing != conversationID {
		return ErrConversationConflict
	}
	m.conversations[callKey] = conversationID
	return nil
}

func (m *memStore) GetByKey(ctx context.Context, callKey string) (*CallRecord, error) {
	return nil, nil
}

func (m *memStore) ListRecent(ctx context.Context, limit int) ([]CallRecord, error) {
	return nil, nil
}

func (m *memStore) CountByStatus(ctx context.Context) (map[string]int64, error) {
	return nil, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) status(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[key]
}

func (m *memStore) conversation(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conversations[key]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUpdaterAppliesWrites(t *testing.T) {
	store := newMemStore()
	u := NewUpdater(store, testLogger())

	u.RecordStatus("CA1", bridge.StatusInProgress)
	u.RecordConversationStarted("CA1", "conv-1")
	u.RecordStatus("CA1", bridge.StatusCompleted)
	u.Close()

	if got := store.status("CA1"); got != "completed" {
		t.Errorf("status = %q, want completed", got)
	}
	if got := store.conversation("CA1"); got != "conv-1" {
		t.Errorf("conversation = %q, want conv-1", got)
	}
}

func TestUpdaterRetriesTransientFailures(t *testing.T) {
	store := newMemStore()
	store.failures = 2
	u := NewUpdater(store, testLogger())

	u.RecordStatus("CA2", bridge.StatusCompleted)
	u.Close()

	if got := store.status("CA2"); got != "completed" {
		t.Errorf("status = %q, want completed after retries", got)
	}
}

func TestUpdaterConflictNotRetried(t *testing.T) {
	store := newMemStore()
	store.conversations["CA3"] = "conv-existing"
	u := NewUpdater(store, testLogger())

	u.RecordConversationStarted("CA3", "conv-other")
	u.Close()

	if got := store.conversation("CA3"); got != "conv-existing" {
		t.Errorf("conversation = %q, want conv-existing kept", got)
	}
}

func TestUpdaterDoesNotBlockCaller(t *testing.T) {
	store := newMemStore()
	u := NewUpdater(store, testLogger())
	defer u.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < updaterQueueSize*2; i++ {
			u.RecordStatus("CA4", bridge.StatusInProgress)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RecordStatus blocked under queue saturation")
	}
}
