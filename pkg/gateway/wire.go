// Package gateway is the authenticated bidirectional session layer:
// WebSocket transport, pairing-token auth, an RPC router with
// per-method permissions, and best-effort event broadcast to
// subscribed sessions.
package gateway

import (
	"encoding/json"
	"time"

	"github.com/codeready-toolchain/orchestratorcore/pkg/domain"
)

// Frame discriminators.
const (
	frameRequest  = "req"
	frameResponse = "res"
	frameEvent    = "event"
)

// WebSocket close codes.
const (
	closeNormal      = 1000
	closeGoingAway   = 1001
	closeAuthFailure = 4003
	closeConnCap     = 4006
)

// Frame is the single wire shape; Type selects which fields are
// meaningful. Messages are discrete JSON objects, one per message
// boundary.
type Frame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result any             `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   any             `json:"data,omitempty"`
}

// WireError is the error payload of a response frame.
type WireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// responseFrame builds a success response for a request id.
func responseFrame(id string, result any) *Frame {
	return &Frame{Type: frameResponse, ID: id, Result: result}
}

// errorFrame builds an error response for a request id.
func errorFrame(id string, err *RPCError) *Frame {
	return &Frame{Type: frameResponse, ID: id, Error: &WireError{Code: err.Code, Message: err.Message, Data: err.Data}}
}

// eventFrame wraps a domain event for delivery to a session.
func eventFrame(event domain.Event) *Frame {
	return &Frame{Type: frameEvent, Event: event.Type, Data: event.Data}
}

// laggedFrame is enqueued in place of dropped events when a session's
// outbound buffer overflows.
func laggedFrame(now time.Time) *Frame {
	return &Frame{Type: frameEvent, Event: domain.EventSessionLagged, Data: map[string]any{
		"timestamp": now.UTC().Format(time.RFC3339Nano),
	}}
}
