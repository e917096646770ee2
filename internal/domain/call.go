package domain

import "time"

// ToolCallRequest is a queued tool invocation.
// It is void once ExpiresAt has passed.
type ToolCallRequest struct {
	RequestID string         `json:"request_id"`
	ProxyID   string         `json:"proxy_id"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
	Timeout   time.Duration  `json:"timeout"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Expired reports whether the request is void at the given instant.
func (r ToolCallRequest) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// CallStatus is the outcome of a dispatched tool call.
type CallStatus string

const (
	CallSuccess CallStatus = "success"
	CallError   CallStatus = "error"
	CallTimeout CallStatus = "timeout"
)

// ToolCallResponse is published by a worker for a ToolCallRequest.
// A response with Status CallTimeout is produced locally by the waiter and
// means no answer arrived before the deadline.
type ToolCallResponse struct {
	RequestID   string     `json:"request_id"`
	Status      CallStatus `json:"status"`
	Result      ToolResult `json:"result"`
	Error       string     `json:"error,omitempty"`
	CompletedAt time.Time  `json:"completed_at"`
}

// TimedOut reports whether the waiter gave up before a response arrived.
func (r ToolCallResponse) TimedOut() bool {
	return r.Status == CallTimeout
}
