package bridge

import (
	"sync"
	"time"
)

// SessionInfo is a point-in-time view of one live session for the API and
// metrics layers.
type SessionInfo struct {
	ID             string    `json:"id"`
	AgentID        string    `json:"agent_id"`
	StreamID       string    `json:"stream_id,omitempty"`
	CallSid        string    `json:"call_sid,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	State          string    `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	FramesToAgent  uint64    `json:"frames_to_agent"`
	FramesToCaller uint64    `json:"frames_to_caller"`
	FramesDropped  uint64    `json:"frames_dropped"`
}

// Registry tracks live coordinators and keeps cumulative totals after they
// finish. One registry per process; sessions share nothing else.
type Registry struct {
	mu       sync.RWMutex
	active   map[string]*Coordinator
	outcomes map[State]uint64

	totalToAgent  uint64
	totalToCaller uint64
	totalDropped  uint64
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		active:   make(map[string]*Coordinator),
		outcomes: make(map[State]uint64),
	}
}

// Add registers a coordinator for the duration of its run.
func (r *Registry) Add(c *Coordinator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[c.Session().ID] = c
}

// Remove unregisters a finished coordinator, folding its counters into the
// process totals and recording the terminal state.
func (r *Registry) Remove(c *Coordinator, final State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, c.Session().ID)
	r.outcomes[final]++
	r.totalToAgent += c.Stats().FramesToAgent.Load()
	r.totalToCaller += c.Stats().FramesToCaller.Load()
	r.totalDropped += c.Stats().FramesDropped.Load()
}

// ActiveSessionCount returns the number of live sessions.
func (r *Registry) ActiveSessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// Snapshot returns info for every live session.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SessionInfo, 0, len(r.active))
	for _, c := range r.active {
		s := c.Session()
		out = append(out, SessionInfo{
			ID:             s.ID,
			AgentID:        s.AgentID,
			StreamID:       s.StreamID(),
			CallSid:        s.CallSid(),
			ConversationID: s.ConversationID(),
			State:          s.State().String(),
			CreatedAt:      s.CreatedAt,
			FramesToAgent:  c.Stats().FramesToAgent.Load(),
			FramesToCaller: c.Stats().FramesToCaller.Load(),
			FramesDropped:  c.Stats().FramesDropped.Load(),
		})
	}
	return out
}

// AggregateFramesToAgent returns total caller→agent frames relayed,
// including finished sessions.
func (r *Registry) AggregateFramesToAgent() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := r.totalToAgent
	for _, c := range r.active {
		total += c.Stats().FramesToAgent.Load()
	}
	return total
}

// AggregateFramesToCaller returns total agent→caller frames relayed,
// including finished sessions.
func (r *Registry) AggregateFramesToCaller() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := r.totalToCaller
	for _, c := range r.active {
		total += c.Stats().FramesToCaller.Load()
	}
	return total
}

// AggregateFramesDropped returns total frames dropped under backpressure,
// including finished sessions.
func (r *Registry) AggregateFramesDropped() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := r.totalDropped
	for _, c := range r.active {
		total += c.Stats().FramesDropped.Load()
	}
	return total
}

// SessionOutcomes returns counts of finished sessions by terminal state.
func (r *Registry) SessionOutcomes() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.outcomes))
	for state, n := range r.outcomes {
		out[state.String()] = n
	}
	return out
}
