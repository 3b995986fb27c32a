package llm

import (
	"fmt"
	"strings"
)

// MockReply builds the offline stand-in reply used when MOCK_AI is set.
// It echoes the question and topic and never calls a model.
func MockReply(question, topic string) string {
	focus := ""
	if topic != "" {
		focus = " while focusing on " + topic
	}
	return strings.Join([]string{
		"🎻 *Mock Bach Reply*",
		fmt.Sprintf("You asked%s: \"%s\"", focus, question),
		"Imagine I referenced a related invention, pointed you to a chorale, and gave you two short keyboard drills.",
		"Enable Workers AI (or deploy) to hear the full Baroque treatment.",
	}, "\n\n")
}
