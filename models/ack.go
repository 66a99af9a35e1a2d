package models

import (
	"github.com/tidwall/gjson"
)

// JoinRequest asks the server to place the socket in a job's room.
type JoinRequest struct {
	JobID string `json:"jobId"`
}

// JoinAck acknowledges a JoinRequest.
type JoinAck struct {
	OK       bool   `json:"ok"`
	ThreadID string `json:"threadId,omitempty"`
	Message  string `json:"message,omitempty"`
}

// SendRequest posts text into a job's conversation.
type SendRequest struct {
	JobID string `json:"jobId"`
	Text  string `json:"text"`
}

// SendAck acknowledges a SendRequest. A missing ok field means success.
type SendAck struct {
	OK      *bool  `json:"ok,omitempty"`
	Message string `json:"message,omitempty"`
}

// Succeeded reports whether the send was accepted.
func (a SendAck) Succeeded() bool {
	return a.OK == nil || *a.OK
}

// ParseJoinAck decodes a join acknowledgment. Anything other than an
// explicit ok:true is a failure.
func ParseJoinAck(raw []byte) JoinAck {
	r := gjson.ParseBytes(raw)
	return JoinAck{
		OK:       r.Get("ok").Type == gjson.True,
		ThreadID: str(r, "threadId"),
		Message:  r.Get("message").String(),
	}
}

// ParseSendAck decodes a send acknowledgment.
func ParseSendAck(raw []byte) SendAck {
	r := gjson.ParseBytes(raw)
	ack := SendAck{Message: r.Get("message").String()}
	if ok := r.Get("ok"); ok.Exists() {
		b := ok.Bool()
		ack.OK = &b
	}
	return ack
}
