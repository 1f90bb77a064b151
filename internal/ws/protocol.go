package ws

import (
	"encoding/json"

	"github.com/usage-relay/backend/internal/session"
)

type MessageType string

// Outbound replies sent only to the connection that asked. Domain events use
// their event kind as the message type.
const (
	MsgSessionStarted MessageType = "session_started"
	MsgSessionEnded   MessageType = "session_ended"
	MsgError          MessageType = "error"
)

// Inbound requests from clients.
const (
	MsgStartSession MessageType = "start_session"
	MsgUsageReport  MessageType = "usage_report"
	MsgEndSession   MessageType = "end_session"
)

// WSMessage is the frame written to and read from every connection.
type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

// inboundMessage defers payload decoding until the type is known.
type inboundMessage struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type UsageReportPayload struct {
	SessionID string `json:"sessionId"`
	session.Metrics
}

type EndSessionPayload struct {
	SessionID string `json:"sessionId"`
}

type SessionStartedPayload struct {
	SessionID string `json:"sessionId"`
}

type SessionEndedPayload struct {
	Record *session.UsageRecord `json:"record"`
}

// Error codes carried by MsgError.
const (
	CodeBadRequest         = "bad_request"
	CodeSessionNotFound    = "session_not_found"
	CodePersistenceFailure = "persistence_failure"
	CodeInternal           = "internal"
)

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
