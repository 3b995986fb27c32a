package memory

import (
	"strings"

	"github.com/ashureev/cantor/internal/domain"
	"github.com/ashureev/cantor/internal/llm"
)

// Trim keeps the newest n entries of log. n <= 0 yields an empty log.
func Trim(log domain.ConversationLog, n int) domain.ConversationLog {
	return log.Tail(n)
}

// SystemPrompt joins the persona with the optional topic line.
func SystemPrompt(persona, topic string) string {
	topicLine := ""
	if topic != "" {
		topicLine = "The student is currently studying " + topic + "."
	}
	return strings.TrimSpace(persona + "\n" + topicLine)
}

// BuildPrompt assembles the system instruction, prior turns (timestamps
// stripped) and the new user message, in that order.
func BuildPrompt(persona, topic string, window domain.ConversationLog, message string) []llm.ChatMessage {
	msgs := make([]llm.ChatMessage, 0, len(window)+2)
	msgs = append(msgs, llm.ChatMessage{Role: "system", Content: SystemPrompt(persona, topic)})
	for _, m := range window {
		msgs = append(msgs, llm.ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	msgs = append(msgs, llm.ChatMessage{Role: string(domain.RoleUser), Content: message})
	return msgs
}
