package llm

import "strings"

// FallbackReply is used when no text can be recovered from a model result.
const FallbackReply = "I am momentarily lost in counterpoint. Please try again."

// ExtractText pulls the reply text out of a provider result, trimmed. It
// tries, in order: the value itself as a string; the first array element that
// yields text; an object's "text" field; the space-joined "text" of each
// entry in an object's "content" array; and finally an object's "response",
// "output", "result" or "results" field, unwrapped recursively. The first
// nested field present decides the outcome. FallbackReply is returned when
// nothing matches.
func ExtractText(result any) string {
	if text := strings.TrimSpace(readText(result)); text != "" {
		return text
	}
	return FallbackReply
}

var nestedFields = []string{"response", "output", "result", "results"}

func readText(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []any:
		for _, entry := range val {
			if text := readText(entry); text != "" {
				return text
			}
		}
		return ""
	case map[string]any:
		return readObject(val)
	default:
		return ""
	}
}

func readObject(obj map[string]any) string {
	if text, ok := obj["text"].(string); ok && text != "" {
		return text
	}
	if pieces, ok := obj["content"].([]any); ok {
		parts := make([]string, 0, len(pieces))
		for _, piece := range pieces {
			text := ""
			if m, ok := piece.(map[string]any); ok {
				text, _ = m["text"].(string)
			}
			parts = append(parts, text)
		}
		if joined := strings.TrimSpace(strings.Join(parts, " ")); joined != "" {
			return joined
		}
	}
	for _, field := range nestedFields {
		if nested, ok := obj[field]; ok && present(nested) {
			return readText(nested)
		}
	}
	return ""
}

// present mirrors JSON truthiness: null, false, 0 and "" count as absent.
func present(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case float64:
		return val != 0
	case string:
		return val != ""
	default:
		return true
	}
}
