package channel

import "encoding/json"

// Request types understood by the execution unit.
const (
	TypeInit       = "init"
	TypeEmbed      = "embed"
	TypeStatus     = "status"
	TypeClearCache = "clearCache"
)

// Reply types emitted by the execution unit.
const (
	TypeResponse = "response"
	TypeProgress = "progress"
)

// Envelope is the outbound wire message, caller to execution unit.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Reply is the inbound wire message. A call sees zero or more progress
// replies followed by exactly one response reply carrying the same request id.
type Reply struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	OK        bool            `json:"ok,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}
