package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Leg is one side of the bridge: a live connection that produces decoded
// events and consumes events for encoding. Receive blocks until a frame
// arrives; a *ProtocolError return means one bad frame was dropped and the
// connection is still usable, any other error means the leg is gone.
type Leg interface {
	Receive() (Event, error)
	Send(Event) error
	Close() error
}

// ReasonCloser is implemented by legs that can convey a close reason to
// the peer. Optional; plain Close is used otherwise.
type ReasonCloser interface {
	CloseWithReason(reason string) error
}

// AgentDialer opens the outbound conversational-AI session for an agent id.
// The context bounds the whole handshake (signed URL fetch plus socket dial).
type AgentDialer interface {
	OpenSession(ctx context.Context, agentID string) (Leg, error)
}

// CallStatus is the durable call outcome written by the call record updater.
type CallStatus string

const (
	StatusInProgress CallStatus = "in_progress"
	StatusCompleted  CallStatus = "completed"
	StatusFailed     CallStatus = "failed"
	// StatusAbandoned marks calls the caller ended before the agent session
	// was established.
	StatusAbandoned CallStatus = "abandoned"
)

// CallRecorder persists session-lifecycle facts. Implementations must not
// block the caller and must never let a persistence failure surface here;
// the relay path continues regardless.
type CallRecorder interface {
	RecordStatus(key string, status CallStatus)
	RecordConversationStarted(key, conversationID string)
}

// Options bound the coordinator's timing and queueing behavior.
type Options struct {
	// HandshakeTimeout bounds the AI session handshake. Exceeding it fails
	// the session closed.
	HandshakeTimeout time.Duration
	// CloseGrace bounds how long the second leg may take to close after the
	// first leg ends.
	CloseGrace time.Duration
	// SendQueueSize is the per-leg outbound queue capacity. A frame that
	// does not fit is dropped, not queued unboundedly.
	SendQueueSize int
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.CloseGrace <= 0 {
		o.CloseGrace = 5 * time.Second
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 64
	}
	return o
}

// Stats counts relay activity for one session. Read concurrently by metrics.
type Stats struct {
	FramesToAgent  atomic.Uint64
	FramesToCaller atomic.Uint64
	FramesDropped  atomic.Uint64
	Interruptions  atomic.Uint64
}

type legSource int

const (
	srcTelephony legSource = iota
	srcAgent
	srcHandshake
)

// legEvent is one item on the coordinator's single dispatch channel: either
// a decoded event, a leg-terminating error, or the AI handshake result.
type legEvent struct {
	src legSource
	ev  Event
	err error
	leg Leg // handshake result only
}

// Coordinator owns both legs of one call and drives the session lifecycle.
// All session state mutation happens on the Run goroutine; the two receive
// loops and the per-leg sender goroutines never touch it.
type Coordinator struct {
	opts     Options
	session  *CallSession
	tel      Leg
	dialer   AgentDialer
	recorder CallRecorder
	logger   *slog.Logger

	agent Leg

	events  chan legEvent
	done    chan struct{}
	telQ    chan Event
	agentQ  chan Event
	senders sync.WaitGroup

	telClosed   bool
	agentClosed bool
	started     bool // a start event was accepted
	wasActive   bool // the agent session was established

	stats Stats
}

// NewCoordinator wires a coordinator for one accepted telephony connection.
func NewCoordinator(session *CallSession, tel Leg, dialer AgentDialer, recorder CallRecorder, opts Options, logger *slog.Logger) *Coordinator {
	opts = opts.withDefaults()
	return &Coordinator{
		opts:     opts,
		session:  session,
		tel:      tel,
		dialer:   dialer,
		recorder: recorder,
		logger:   logger.With("subsystem", "bridge", "session_id", session.ID),
		events:   make(chan legEvent, 256),
		done:     make(chan struct{}),
		telQ:     make(chan Event, opts.SendQueueSize),
		agentQ:   make(chan Event, opts.SendQueueSize),
	}
}

// Session returns the call session owned by this coordinator.
func (c *Coordinator) Session() *CallSession { return c.session }

// Stats returns the live relay counters for this session.
func (c *Coordinator) Stats() *Stats { return &c.stats }

// Run drives the session until it reaches a terminal state and returns that
// state. It blocks; callers run one goroutine per call.
func (c *Coordinator) Run(ctx context.Context) State {
	go c.receiveLoop(c.tel, srcTelephony, "telephony")

	// Telephony sender runs from the beginning so frames that arrive before
	// the stream id is known are queued rather than dropped; the endpoint
	// refuses to encode them only if the session never starts.
	c.senders.Add(1)
	go c.sender(c.tel, c.telQ, "telephony")

	var grace <-chan time.Time

	for !c.session.State().Terminal() {
		select {
		case <-ctx.Done():
			c.logger.Info("shutdown requested, tearing down session")
			c.shutdown()

		case <-grace:
			c.logger.Warn("close grace period expired, forcing teardown",
				"grace", c.opts.CloseGrace.String())
			c.shutdown()

		case le := <-c.events:
			c.dispatch(le)
			if c.session.State() == StateClosing && grace == nil {
				grace = time.After(c.opts.CloseGrace)
			}
			if c.session.State() == StateClosing && c.telClosed && c.agentLegDone() {
				c.finish()
			}
		}
	}

	c.cleanup()
	return c.session.State()
}

// agentLegDone reports whether the agent leg no longer needs waiting on:
// it was closed, or it never came up.
func (c *Coordinator) agentLegDone() bool {
	return c.agent == nil || c.agentClosed
}

// dispatch routes one item from either receive loop or the handshake.
func (c *Coordinator) dispatch(le legEvent) {
	switch le.src {
	case srcHandshake:
		c.handleHandshake(le)
	case srcTelephony:
		if le.err != nil {
			c.handleLegClosed("telephony", le.err)
			c.telClosed = true
			return
		}
		c.handleTelephonyEvent(le.ev)
	case srcAgent:
		if le.err != nil {
			c.handleLegClosed("agent", le.err)
			c.agentClosed = true
			return
		}
		c.handleAgentEvent(le.ev)
	}
}

func (c *Coordinator) handleTelephonyEvent(ev Event) {
	state := c.session.State()

	switch ev.Kind {
	case KindConnected:
		if err := c.session.advance(StateTelephonyConnected); err != nil {
			c.logger.Warn("unexpected connected event", "state", state.String())
			return
		}
		c.logger.Debug("telephony stream connected")

	case KindStart:
		if state != StateTelephonyConnected {
			c.logger.Warn("start event rejected", "state", state.String())
			return
		}
		if err := c.session.setStreamID(ev.StreamID); err != nil {
			c.logger.Warn("duplicate start event rejected", "stream_id", ev.StreamID)
			return
		}
		c.session.setCallSid(ev.CallSid)
		if err := c.session.advance(StateAIConnecting); err != nil {
			return
		}
		c.logger.Info("call started",
			"stream_id", ev.StreamID,
			"call_sid", c.session.CallSid(),
			"agent_id", c.session.AgentID,
		)
		c.started = true
		c.recorder.RecordStatus(c.session.RecordKey(), StatusInProgress)
		c.openAgentSession()

	case KindAudio:
		// Caller audio. During the AI handshake frames queue up and flush
		// once the agent sender starts; under saturation they are dropped.
		if state != StateAIConnecting && state != StateActive {
			return
		}
		c.enqueue(c.agentQ, ev, "agent")

	case KindStop:
		c.logger.Info("telephony stream stopped", "stream_id", c.session.StreamID())
		c.beginClosing()

	default:
		c.logger.Debug("ignoring telephony event", "kind", ev.Kind.String())
	}
}

func (c *Coordinator) handleAgentEvent(ev Event) {
	if c.session.State() != StateActive {
		return
	}

	switch ev.Kind {
	case KindAudio:
		c.enqueue(c.telQ, ev, "telephony")

	case KindInterruption:
		// Relayed as a single clear message; the telephony side flushes its
		// own playback buffer on receipt. Must not be lost to backpressure.
		c.stats.Interruptions.Add(1)
		c.enqueueControl(c.telQ, ev)

	case KindPing:
		// Answered on the agent leg only, never relayed to telephony.
		c.enqueue(c.agentQ, PongEvent(ev.EventID), "agent")

	case KindConversationStarted:
		c.session.setConversationID(ev.ConversationID)
		c.logger.Info("conversation started", "conversation_id", ev.ConversationID)
		c.recorder.RecordConversationStarted(c.session.RecordKey(), ev.ConversationID)

	case KindAgentUtterance:
		c.logger.Debug("agent utterance", "text", ev.Text)

	case KindUserUtterance:
		c.logger.Debug("user utterance", "text", ev.Text)

	case KindDiagnostic:
		c.logger.Debug("unrecognized agent event", "detail", ev.Text)

	default:
		c.logger.Debug("ignoring agent event", "kind", ev.Kind.String())
	}
}

// openAgentSession runs the bounded AI handshake off the dispatch goroutine
// so telephony ingestion keeps flowing; the result comes back as an event.
func (c *Coordinator) openAgentSession() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
		defer cancel()
		leg, err := c.dialer.OpenSession(ctx, c.session.AgentID)
		if !c.post(legEvent{src: srcHandshake, leg: leg, err: err}) && leg != nil {
			leg.Close()
		}
	}()
}

func (c *Coordinator) handleHandshake(le legEvent) {
	state := c.session.State()
	if state != StateAIConnecting {
		// Session moved on (telephony hung up mid-handshake). Discard.
		if le.leg != nil {
			le.leg.Close()
		}
		return
	}

	if le.err != nil {
		// Fail closed: the call is not allowed to proceed audio-only.
		c.logger.Error("agent session handshake failed", "error", le.err)
		c.fail()
		return
	}

	c.agent = le.leg
	if err := c.session.advance(StateActive); err != nil {
		le.leg.Close()
		return
	}
	c.wasActive = true
	c.logger.Info("agent session established")

	go c.receiveLoop(c.agent, srcAgent, "agent")
	c.senders.Add(1)
	go c.sender(c.agent, c.agentQ, "agent")
}

// handleLegClosed reacts to either socket ending. Closing one leg closes
// the other within the grace period; this is the primary cancellation path.
func (c *Coordinator) handleLegClosed(leg string, err error) {
	state := c.session.State()
	if state.Terminal() {
		return
	}
	if state != StateClosing {
		c.logger.Info("leg closed", "leg", leg, "state", state.String(), "error", err)
	}
	c.beginClosing()
}

// beginClosing moves the session to StateClosing and closes both legs.
// Safe to call repeatedly.
func (c *Coordinator) beginClosing() {
	state := c.session.State()
	if state.Terminal() || state == StateClosing {
		return
	}
	if err := c.session.advance(StateClosing); err != nil {
		return
	}
	c.tel.Close()
	if c.agent != nil {
		c.agent.Close()
	}
}

// finish completes a clean shutdown once both legs are down.
func (c *Coordinator) finish() {
	if err := c.session.advance(StateClosed); err != nil {
		return
	}
	if c.started {
		// A call that ended before the agent session came up never carried
		// a conversation; its record says so.
		status := StatusCompleted
		if !c.wasActive {
			status = StatusAbandoned
		}
		c.recorder.RecordStatus(c.session.RecordKey(), status)
	}
	c.logger.Info("session closed",
		"frames_to_agent", c.stats.FramesToAgent.Load(),
		"frames_to_caller", c.stats.FramesToCaller.Load(),
		"frames_dropped", c.stats.FramesDropped.Load(),
	)
}

// fail marks the session failed, records the outcome, and closes the
// telephony leg with a reason so the caller is not left hanging.
func (c *Coordinator) fail() {
	if err := c.session.advance(StateFailed); err != nil {
		return
	}
	if c.started {
		c.recorder.RecordStatus(c.session.RecordKey(), StatusFailed)
	}
	if rc, ok := c.tel.(ReasonCloser); ok {
		rc.CloseWithReason("agent session unavailable")
	} else {
		c.tel.Close()
	}
	if c.agent != nil {
		c.agent.Close()
	}
}

// shutdown force-closes everything, used on context cancellation and when
// the close grace period expires.
func (c *Coordinator) shutdown() {
	c.beginClosing()
	c.telClosed = true
	c.agentClosed = true
	c.finish()
}

// cleanup stops the sender goroutines and closes both sockets. Runs after
// the dispatch loop has exited, so nothing enqueues concurrently.
func (c *Coordinator) cleanup() {
	close(c.done)
	close(c.telQ)
	close(c.agentQ)
	c.senders.Wait()
	c.tel.Close()
	if c.agent != nil {
		c.agent.Close()
	}
	// A handshake result racing teardown may have landed in the buffer;
	// its leg must not leak.
	for {
		select {
		case le := <-c.events:
			if le.leg != nil {
				le.leg.Close()
			}
		default:
			return
		}
	}
}

// receiveLoop reads one leg until it dies. Protocol errors drop the frame
// and keep reading; anything else ends the loop and notifies the dispatcher.
func (c *Coordinator) receiveLoop(leg Leg, src legSource, name string) {
	for {
		ev, err := leg.Receive()
		if err != nil {
			var perr *ProtocolError
			if errors.As(err, &perr) {
				c.logger.Warn("dropping malformed frame", "leg", name, "error", perr.Error())
				continue
			}
			c.post(legEvent{src: src, err: err})
			return
		}
		if !c.post(legEvent{src: src, ev: ev}) {
			return
		}
	}
}

// post delivers an event to the dispatcher unless the session is already
// torn down. Returns false once the coordinator has stopped consuming.
func (c *Coordinator) post(le legEvent) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- le:
		return true
	case <-c.done:
		return false
	}
}

// sender drains one leg's outbound queue. A full queue is handled at
// enqueue time; here a failed write is logged and draining continues, the
// leg's closure surfaces through its receive loop.
func (c *Coordinator) sender(leg Leg, q chan Event, name string) {
	defer c.senders.Done()
	for ev := range q {
		if err := leg.Send(ev); err != nil {
			if errors.Is(err, ErrUnsendableEvent) {
				// Programmer error in the dispatch table, not a wire fault.
				c.logger.Error("unsendable event reached sender", "leg", name, "kind", ev.Kind.String())
				continue
			}
			c.logger.Warn("send failed", "leg", name, "kind", ev.Kind.String(), "error", err)
			continue
		}
		if ev.Kind == KindAudio {
			switch name {
			case "agent":
				c.stats.FramesToAgent.Add(1)
			case "telephony":
				c.stats.FramesToCaller.Add(1)
			}
		}
	}
}

// enqueue attempts a non-blocking put on a leg's outbound queue. Dropping
// under saturation keeps the relay's staleness bounded for live audio.
func (c *Coordinator) enqueue(q chan Event, ev Event, dest string) {
	select {
	case q <- ev:
	default:
		c.stats.FramesDropped.Add(1)
		c.logger.Warn("send queue saturated, dropping frame",
			"dest", dest,
			"kind", ev.Kind.String(),
		)
	}
}

// enqueueControl delivers a control event even when the queue is saturated.
// Queued audio is stale the moment a barge-in arrives, so it is discarded
// to make room; earlier control events keep their position. Only the
// dispatch goroutine produces into the queue, so the drained slots cannot
// be refilled underneath us.
func (c *Coordinator) enqueueControl(q chan Event, ev Event) {
	select {
	case q <- ev:
		return
	default:
	}

	var keep []Event
	for {
		select {
		case old := <-q:
			if old.Kind == KindAudio {
				c.stats.FramesDropped.Add(1)
				continue
			}
			keep = append(keep, old)
			continue
		default:
		}
		break
	}
	keep = append(keep, ev)
	if len(keep) > cap(q) {
		// Superseded by the newer controls.
		keep = keep[len(keep)-cap(q):]
	}
	for _, k := range keep {
		q <- k
	}
}
