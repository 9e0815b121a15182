package messages

import "encoding/json"

const (
	// MessageBufferSize is the read limit for a single websocket message
	MessageBufferSize = 1 << 20
)

// Message types
const (
	MessageTypeRequest  = "req"
	MessageTypeResponse = "res"
	MessageTypePing     = "ping"
	MessageTypePong     = "pong"
	MessageTypeError    = "err"
)

// Message is the envelope exchanged with the authority. ID correlates a
// response with its request.
type Message struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ErrorPayload is carried by MessageTypeError when the peer could not
// process a message at all.
type ErrorPayload struct {
	Reason string `json:"reason"`
}
