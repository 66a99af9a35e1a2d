package models

import (
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// ChatMessage represents one message in a job's conversation.
// Every field is optional on the wire; absent fields decode to "".
type ChatMessage struct {
	ID         string     `json:"_id,omitempty"`
	ThreadID   string     `json:"threadId,omitempty"`
	JobID      string     `json:"jobId,omitempty"`
	SenderID   string     `json:"senderId,omitempty"`
	SenderRole string     `json:"senderRole,omitempty"`
	Sender     *SenderRef `json:"sender,omitempty"`
	Text       string     `json:"text,omitempty"`
	CreatedAt  string     `json:"createdAt,omitempty"`
	UpdatedAt  string     `json:"updatedAt,omitempty"`
}

// HasID reports whether the server has assigned an identifier.
func (m ChatMessage) HasID() bool {
	return strings.TrimSpace(m.ID) != ""
}

// CompositeKey identifies a message that has no id.
func (m ChatMessage) CompositeKey() string {
	return "c:" + m.SenderID + "\x00" + m.Text + "\x00" + m.CreatedAt
}

// DedupKey is the id when present, otherwise the composite key.
func (m ChatMessage) DedupKey() string {
	if m.HasID() {
		return "id:" + strings.TrimSpace(m.ID)
	}
	return m.CompositeKey()
}

// CreatedTime parses CreatedAt. The zero time is returned when it is absent or malformed.
func (m ChatMessage) CreatedTime() time.Time {
	return parseTimestamp(m.CreatedAt)
}

func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z0700"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// SortByCreated returns a copy of msgs ordered by creation time. Messages
// without a parseable timestamp keep their relative position at the end.
func SortByCreated(msgs []ChatMessage) []ChatMessage {
	out := make([]ChatMessage, len(msgs))
	copy(out, msgs)
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := out[i].CreatedTime(), out[j].CreatedTime()
		if ti.IsZero() || tj.IsZero() {
			return !ti.IsZero() && tj.IsZero()
		}
		return ti.Before(tj)
	})
	return out
}

// ParseMessage decodes a raw message payload. Only a payload that is not a
// JSON object is an error; missing or mistyped fields resolve to "".
func ParseMessage(raw []byte) (ChatMessage, error) {
	if !gjson.ValidBytes(raw) {
		return ChatMessage{}, errors.New("message payload is not valid JSON")
	}
	r := gjson.ParseBytes(raw)
	if !r.IsObject() {
		return ChatMessage{}, errors.Errorf("message payload is a %s, not an object", r.Type)
	}
	return messageFromResult(r), nil
}

// ParseMessages decodes a JSON array of message payloads, skipping entries
// that are not objects.
func ParseMessages(raw []byte) ([]ChatMessage, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errors.New("message list is not valid JSON")
	}
	r := gjson.ParseBytes(raw)
	if !r.IsArray() {
		return nil, errors.Errorf("message list is a %s, not an array", r.Type)
	}
	var msgs []ChatMessage
	r.ForEach(func(_, v gjson.Result) bool {
		if v.IsObject() {
			msgs = append(msgs, messageFromResult(v))
		}
		return true
	})
	return msgs, nil
}

func messageFromResult(r gjson.Result) ChatMessage {
	m := ChatMessage{
		ID:         str(r, "_id"),
		ThreadID:   str(r, "threadId"),
		JobID:      str(r, "jobId"),
		SenderID:   str(r, "senderId"),
		SenderRole: str(r, "senderRole"),
		Text:       r.Get("text").String(),
		CreatedAt:  str(r, "createdAt"),
		UpdatedAt:  str(r, "updatedAt"),
	}
	if m.ID == "" {
		m.ID = str(r, "id")
	}
	if s := r.Get("sender"); s.IsObject() {
		m.Sender = &SenderRef{
			ID:   str(s, "_id"),
			Name: str(s, "name"),
			Role: str(s, "role"),
		}
		if m.SenderID == "" {
			m.SenderID = m.Sender.ID
		}
		if m.SenderRole == "" {
			m.SenderRole = m.Sender.Role
		}
	}
	return m
}

// str returns a scalar field as a trimmed string; objects and arrays yield "".
func str(r gjson.Result, path string) string {
	v := r.Get(path)
	switch v.Type {
	case gjson.String, gjson.Number, gjson.True, gjson.False:
		return strings.TrimSpace(v.String())
	default:
		return ""
	}
}
