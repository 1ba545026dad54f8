package telephony

import (
	"errors"
	"net/http"
)

// ErrMissingAgentID is returned when an upgrade request has no agentId
// query parameter. The upgrade must be refused before any socket is opened.
var ErrMissingAgentID = errors.New("missing required agentId parameter")

// SessionParams are the identifiers extracted from a media-stream upgrade
// request before the WebSocket handshake.
type SessionParams struct {
	AgentID string // required
	CallSid string // optional external call correlation id
}

// ResolveSessionParams validates the upgrade request and extracts the
// session identifiers. It has no side effects beyond parsing.
func ResolveSessionParams(r *http.Request) (SessionParams, error) {
	q := r.URL.Query()
	p := SessionParams{
		AgentID: q.Get("agentId"),
		CallSid: q.Get("callSid"),
	}
	if p.AgentID == "" {
		return SessionParams{}, ErrMissingAgentID
	}
	return p, nil
}
