package telephony

import (
	"errors"
	"net/http/httptest"
	"testing"
)

func TestResolveSessionParams(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		wantAgentID string
		wantCallSid string
		wantErr     error
	}{
		{
			name:        "agent id only",
			url:         "/ws?agentId=agent-1",
			wantAgentID: "agent-1",
		},
		{
			name:        "agent id and call sid",
			url:         "/ws?agentId=agent-1&callSid=CA123",
			wantAgentID: "agent-1",
			wantCallSid: "CA123",
		},
		{
			name:    "missing agent id",
			url:     "/ws?callSid=CA123",
			wantErr: ErrMissingAgentID,
		},
		{
			name:    "empty agent id",
			url:     "/ws?agentId=",
			wantErr: ErrMissingAgentID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.url, nil)
			p, err := ResolveSessionParams(r)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if p.AgentID != tt.wantAgentID || p.CallSid != tt.wantCallSid {
				t.Errorf("params = %+v, want agent=%q callSid=%q", p, tt.wantAgentID, tt.wantCallSid)
			}
		})
	}
}
