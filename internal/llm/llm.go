// Package llm talks to the hosted language model.
package llm

import "context"

// ChatMessage is one prompt entry sent to the model.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Input is the generation request for one turn.
type Input struct {
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

// Runner invokes a model and returns its loosely structured result, decoded
// from JSON. The shape is provider-defined; see ExtractText.
type Runner interface {
	Run(ctx context.Context, model string, in Input) (any, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, model string, in Input) (any, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, model string, in Input) (any, error) {
	return f(ctx, model, in)
}
