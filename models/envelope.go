package models

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Socket event names.
const (
	EventAuth         = "auth"
	EventConnect      = "connect"
	EventConnectError = "connect_error"
	EventJoin         = "job:join"
	EventSend         = "job:message:send"
	EventAck          = "ack"
	EventMessage      = "job:message"
	EventError        = "error"
)

// Envelope is the frame exchanged over every transport.
type Envelope struct {
	Event   string          `json:"event"`
	ID      string          `json:"id,omitempty"`  // request id, set when an ack is expected
	Ack     string          `json:"ack,omitempty"` // request id this frame acknowledges
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope.
func NewEnvelope(event string, payload interface{}) (Envelope, error) {
	env := Envelope{Event: event}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return env, err
	}
	env.Payload = data
	return env, nil
}

// AuthPayload is the handshake body of the auth frame.
type AuthPayload struct {
	Token string `json:"token"`
}

// ConnectPayload is the server's handshake reply.
type ConnectPayload struct {
	SID     string `json:"sid,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorPayload is carried by error and connect_error frames.
type ErrorPayload struct {
	Message string `json:"message,omitempty"`
}

// ErrorMessage extracts the message of an error payload, tolerating any shape.
func ErrorMessage(raw []byte, fallback string) string {
	r := gjson.ParseBytes(raw)
	switch {
	case r.Type == gjson.String && r.String() != "":
		return r.String()
	case r.IsObject():
		if m := r.Get("message").String(); m != "" {
			return m
		}
	}
	return fallback
}
