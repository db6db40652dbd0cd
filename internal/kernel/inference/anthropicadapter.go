package inference

import (
	"context"
	"fmt"

	"github.com/aegis-run/aegis/internal/agent"
	"github.com/aegis-run/aegis/internal/agent/providers"
)

// AnthropicAdapter satisfies Provider by draining one of the teacher's
// streaming AnthropicProvider completions into a single buffered string.
// The kernel's planner and synthesizer have no use for token-by-token
// streaming -- both phases need a complete response before they can parse
// or return it -- so this is the narrowest possible bridge between the
// two call shapes.
type AnthropicAdapter struct {
	provider *providers.AnthropicProvider
}

// NewAnthropicAdapter wraps an already-constructed AnthropicProvider.
func NewAnthropicAdapter(p *providers.AnthropicProvider) *AnthropicAdapter {
	return &AnthropicAdapter{provider: p}
}

func (a *AnthropicAdapter) Generate(ctx context.Context, model, prompt string, maxTokens int) (text string, inputTokens, outputTokens int, err error) {
	chunks, err := a.provider.Complete(ctx, &agent.CompletionRequest{
		Model:     model,
		Messages:  []agent.CompletionMessage{{Role: "user", Content: prompt}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", 0, 0, fmt.Errorf("anthropic adapter: %w", err)
	}

	var buf []byte
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", 0, 0, fmt.Errorf("anthropic adapter: %w", chunk.Error)
		}
		buf = append(buf, chunk.Text...)
		if chunk.Done {
			inputTokens = chunk.InputTokens
			outputTokens = chunk.OutputTokens
		}
	}
	return string(buf), inputTokens, outputTokens, nil
}
