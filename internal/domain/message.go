// Package domain contains core domain types for the cantor service.
package domain

import "time"

// Role identifies who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// Timestamp is milliseconds since the Unix epoch. Display only.
	Timestamp int64 `json:"timestamp"`
}

// NewMessage stamps a turn with the given time.
func NewMessage(role Role, content string, at time.Time) Message {
	return Message{Role: role, Content: content, Timestamp: at.UnixMilli()}
}

// ConversationLog is an ordered, chronological sequence of turns.
type ConversationLog []Message

// Tail returns a copy of the newest n entries. n <= 0 yields an empty log.
func (l ConversationLog) Tail(n int) ConversationLog {
	if n <= 0 {
		return ConversationLog{}
	}
	start := 0
	if len(l) > n {
		start = len(l) - n
	}
	out := make(ConversationLog, len(l)-start)
	copy(out, l[start:])
	return out
}

// Clone returns an independent copy that is never nil.
func (l ConversationLog) Clone() ConversationLog {
	out := make(ConversationLog, len(l))
	copy(out, l)
	return out
}
