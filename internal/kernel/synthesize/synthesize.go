// Package synthesize implements the Synthesize phase (spec §4.6): the only
// pipeline phase whose output is visible to the principal. It sees the full
// conversation context plus step results, but never holds tool access or a
// capability token — the inverse of the Executor's shape.
package synthesize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aegis-run/aegis/internal/kernel/execute"
	"github.com/aegis-run/aegis/internal/kernel/types"
)

// ErrOutputLabelExceedsSink is returned when the synthesized content's
// propagated label exceeds what the chosen output sink may carry, enforcing
// No Write Down (I2) at the pipeline's last gate before egress.
var ErrOutputLabelExceedsSink = errors.New("output label exceeds sink ceiling")

// Generator is the facade the synthesizer drives text generation through;
// satisfied by internal/kernel/inference.Proxy.
type Generator interface {
	Generate(ctx context.Context, scope, model, prompt string, maxTokens int) (string, error)
}

// Context is the synthesizer's full input.
type Context struct {
	TaskDescription     string
	ConversationHistory string
	StepResults         []execute.StepResult
	SID                 string
}

// ComposePrompt builds the synthesizer prompt: task description, a JSON
// rendering of every step's tool/label/result or error, then history.
func ComposePrompt(c Context) (string, error) {
	var b strings.Builder

	if c.SID != "" {
		fmt.Fprintf(&b, "[session:%s]\n", c.SID)
	}
	b.WriteString("You are the synthesis phase: compose the final reply to the user from the step results below. ")
	b.WriteString("You have no tool access; do not invent tool calls.\n\n")

	b.WriteString("Task: ")
	b.WriteString(c.TaskDescription)
	b.WriteString("\n\n")

	type stepView struct {
		Step  int    `json:"step"`
		Tool  string `json:"tool"`
		Label string `json:"label,omitempty"`
		Error string `json:"error,omitempty"`
		Data  any    `json:"result,omitempty"`
	}
	views := make([]stepView, 0, len(c.StepResults))
	for _, r := range c.StepResults {
		v := stepView{Step: r.Step, Tool: r.Tool}
		if r.Err != nil {
			v.Error = r.Err.Error()
		} else {
			v.Label = r.ReportedLabel.String()
			v.Data = r.Result
		}
		views = append(views, v)
	}
	resultsJSON, err := json.Marshal(views)
	if err != nil {
		return "", fmt.Errorf("marshal step results: %w", err)
	}
	b.WriteString("Step results: ")
	b.Write(resultsJSON)
	b.WriteString("\n\n")

	if c.ConversationHistory != "" {
		b.WriteString("Conversation history: ")
		b.WriteString(c.ConversationHistory)
		b.WriteString("\n\n")
	}

	return b.String(), nil
}

// HighestLabel returns the lattice max across every step's reported label,
// the value that gates egress against an output sink's ceiling.
func HighestLabel(results []execute.StepResult) types.SecurityLabel {
	labels := make([]types.SecurityLabel, 0, len(results))
	for _, r := range results {
		if r.Err == nil {
			labels = append(labels, r.ReportedLabel)
		}
	}
	return types.PropagateLabel(labels)
}

// ValidateEgress enforces No Write Down (I2): content whose propagated label
// exceeds the sink's ceiling is refused outright rather than truncated or
// silently downgraded.
func ValidateEgress(contentLabel, sinkCeiling types.SecurityLabel) error {
	if contentLabel > sinkCeiling {
		return fmt.Errorf("%w: content label %s exceeds sink ceiling %s", ErrOutputLabelExceedsSink, contentLabel, sinkCeiling)
	}
	return nil
}

// Synthesizer drives final-reply generation through a Generator with no
// tool or capability access of its own.
type Synthesizer struct {
	gen Generator
}

// NewSynthesizer builds a Synthesizer over gen.
func NewSynthesizer(gen Generator) *Synthesizer {
	return &Synthesizer{gen: gen}
}

// Run composes the prompt, generates the reply, and checks the result
// against sinkCeiling before returning it.
func (s *Synthesizer) Run(ctx context.Context, scope, model string, c Context, contentLabel, sinkCeiling types.SecurityLabel, maxTokens int) (string, error) {
	if err := ValidateEgress(contentLabel, sinkCeiling); err != nil {
		return "", err
	}
	prompt, err := ComposePrompt(c)
	if err != nil {
		return "", err
	}
	return s.gen.Generate(ctx, scope, model, prompt, maxTokens)
}
