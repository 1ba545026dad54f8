package callstore

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/voicebridge/voicebridge/internal/bridge"
)

const (
	// updaterQueueSize bounds pending writes. Saturation drops the write and
	// logs; persistence must never apply backpressure to the relay path.
	updaterQueueSize = 256

	writeAttempts = 3
	writeBackoff  = 250 * time.Millisecond
	writeTimeout  = 5 * time.Second
)

type jobKind int

const (
	jobStatus jobKind = iota
	jobConversation
)

type job struct {
	kind           jobKind
	callKey        string
	status         bridge.CallStatus
	conversationID string
}

// Updater is the asynchronous call record updater. It implements
// bridge.CallRecorder: both record methods enqueue and return immediately,
// and a single worker applies writes to the store with bounded retries.
// Failures are logged and never reach the relay path.
type Updater struct {
	store  Store
	logger *slog.Logger
	jobs   chan job
	wg     sync.WaitGroup
}

// NewUpdater starts the updater's worker goroutine.
func NewUpdater(store Store, logger *slog.Logger) *Updater {
	u := &Updater{
		store:  store,
		logger: logger.With("subsystem", "callstore"),
		jobs:   make(chan job, updaterQueueSize),
	}
	u.wg.Add(1)
	go u.worker()
	return u
}

// RecordStatus implements bridge.CallRecorder.
func (u *Updater) RecordStatus(callKey string, status bridge.CallStatus) {
	u.enqueue(job{kind: jobStatus, callKey: callKey, status: status})
}

// RecordConversationStarted implements bridge.CallRecorder.
func (u *Updater) RecordConversationStarted(callKey, conversationID string) {
	u.enqueue(job{kind: jobConversation, callKey: callKey, conversationID: conversationID})
}

// Close drains pending writes and stops the worker.
func (u *Updater) Close() {
	close(u.jobs)
	u.wg.Wait()
}

func (u *Updater) enqueue(j job) {
	select {
	case u.jobs <- j:
	default:
		u.logger.Error("updater queue saturated, dropping write",
			"call_key", j.callKey,
			"kind", int(j.kind),
		)
	}
}

func (u *Updater) worker() {
	defer u.wg.Done()
	for j := range u.jobs {
		u.apply(j)
	}
}

// apply performs one write with bounded retries. A conversation-id conflict
// is a policy violation, not a transient fault; it is logged once and not
// retried.
func (u *Updater) apply(j job) {
	var lastErr error
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		var err error
		switch j.kind {
		case jobStatus:
			err = u.store.UpsertStatus(ctx, j.callKey, string(j.status))
		case jobConversation:
			err = u.store.UpsertConversationID(ctx, j.callKey, j.conversationID)
		}
		cancel()

		if err == nil {
			return
		}
		if errors.Is(err, ErrConversationConflict) {
			u.logger.Warn("conversation id conflict, keeping stored value",
				"call_key", j.callKey,
				"conversation_id", j.conversationID,
			)
			return
		}
		lastErr = err
		time.Sleep(time.Duration(attempt) * writeBackoff)
	}
	u.logger.Error("call record write failed",
		"call_key", j.callKey,
		"error", lastErr,
	)
}
