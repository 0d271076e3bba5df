// Package history defines the conversation data model, the windowing policy applied
// to it, and the stores that persist it between requests.
package history

import "strings"

// Role identifies the author of a message.
type Role string

const (
	// RoleSystem marks the seed instruction that opens every conversation.
	RoleSystem Role = "system"
	RoleUser   Role = "user"
	RoleModel  Role = "model"
)

// Part is one text fragment of a message.
type Part struct {
	Text string `json:"text"`
}

// Message represents a single conversational turn, persisted and replayed to the
// model as {role, parts: [{text}]}.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// NewMessage builds a single-part message.
func NewMessage(role Role, text string) Message {
	return Message{Role: role, Parts: []Part{{Text: text}}}
}

// Text joins the message parts.
func (m Message) Text() string {
	if len(m.Parts) == 1 {
		return m.Parts[0].Text
	}
	var b strings.Builder
	for _, p := range m.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// History is the ordered sequence of messages of one conversation. Its first element,
// when present, is the seed instruction.
type History []Message

// Seeded starts a new history holding only the seed instruction.
func Seeded(instruction string) History {
	return History{NewMessage(RoleSystem, instruction)}
}

// Clone returns a deep copy so callers can append without aliasing a stored value.
func (h History) Clone() History {
	if h == nil {
		return nil
	}
	out := make(History, len(h))
	for i, m := range h {
		out[i] = Message{Role: m.Role, Parts: append([]Part(nil), m.Parts...)}
	}
	return out
}
