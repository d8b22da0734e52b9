package websocket

import "encoding/json"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionClock    Action = "clock"
	ActionAutosave Action = "autosave"
	ActionPosition Action = "position"
	ActionCamera   Action = "camera"
	ActionSubmit   Action = "submit"
	ActionPing     Action = "ping"
)

// RequestPayload carries every client action; fields unused by an action
// are left empty.
type RequestPayload struct {
	Action  Action          `json:"action"`
	QID     string          `json:"q_id,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Index   *int            `json:"index,omitempty"`
	Enabled *bool           `json:"enabled,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError   Event = "error"
	EventClock   Event = "clock"
	EventSaved   Event = "saved"
	EventCamera  Event = "camera"
	EventSubmit  Event = "submitted"
	EventControl Event = "control"
	EventPong    Event = "pong"
)

// ResponsePayload is the envelope of every server message.
type ResponsePayload struct {
	Event Event       `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// ErrorResponse reports a failed action. Retryable mirrors the REST
// envelope so the client can apply the same policy to both transports.
type ErrorResponse struct {
	Event     Event  `json:"event"`
	Action    Action `json:"action,omitempty"`
	Code      string `json:"code"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}
