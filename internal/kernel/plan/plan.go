// Package plan implements the planner driver (spec §4.4): prompt
// composition that isolates raw payload text from non-owner principals,
// LLM invocation through the inference proxy, and plan parsing/validation.
package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/aegis-run/aegis/internal/kernel/extract"
	"github.com/aegis-run/aegis/internal/kernel/types"
)

// Failure kinds the driver returns.
var (
	ErrInvalidPlanFormat = errors.New("invalid plan format")
	ErrValidationFailed  = errors.New("plan validation failed")
)

// ToolDescriptor is the structured tool entry embedded in the planner
// prompt: {id, description, semantics, args_schema}.
type ToolDescriptor struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Semantics   string `json:"semantics"`
	ArgsSchema  string `json:"args_schema,omitempty"`
}

// Context is the planner's full input (spec §4.4).
type Context struct {
	Task                   *types.Task
	TemplateDescription    string
	PlannerTaskDescription *string // required (non-nil) for ThirdParty/WebhookSource
	ExtractedMetadata      extract.Metadata
	SessionWorkingMemory   string
	ConversationHistory    string
	AvailableTools         []ToolDescriptor
	PrincipalClass         types.PrincipalClass
	LongTermMemorySnippets []string
	SID                    string
}

// ComposePrompt builds the planner prompt per spec §4.4's ordering:
// SID (if present) -> base safety rules -> role prompt -> task description
// -> extracted metadata JSON -> tool list -> working memory/history.
//
// For ThirdParty/WebhookSource principals, PlannerTaskDescription must be
// set; composing without it is refused so raw event text can never reach
// the planner for non-owner principals (testable property 7).
func ComposePrompt(c Context) (string, error) {
	var b strings.Builder

	if c.SID != "" {
		fmt.Fprintf(&b, "[session:%s]\n", c.SID)
	}
	b.WriteString("You are the planning phase of a capability-constrained agent. ")
	b.WriteString("Respond with a JSON plan only; never fabricate tool names.\n\n")

	var taskDesc string
	switch c.PrincipalClass {
	case types.ClassOwner:
		taskDesc = c.TemplateDescription
	default:
		if c.PlannerTaskDescription == nil {
			return "", fmt.Errorf("planner_task_description is required for non-owner principal class %v", c.PrincipalClass)
		}
		taskDesc = *c.PlannerTaskDescription
	}
	b.WriteString("Task: ")
	b.WriteString(taskDesc)
	b.WriteString("\n\n")

	metaJSON, err := json.Marshal(c.ExtractedMetadata)
	if err != nil {
		return "", fmt.Errorf("marshal extracted metadata: %w", err)
	}
	b.WriteString("Extracted metadata: ")
	b.Write(metaJSON)
	b.WriteString("\n\n")

	toolsJSON, err := json.Marshal(c.AvailableTools)
	if err != nil {
		return "", fmt.Errorf("marshal available tools: %w", err)
	}
	b.WriteString("Available tools: ")
	b.Write(toolsJSON)
	b.WriteString("\n\n")

	if c.SessionWorkingMemory != "" {
		b.WriteString("Working memory: ")
		b.WriteString(c.SessionWorkingMemory)
		b.WriteString("\n\n")
	}
	if c.ConversationHistory != "" {
		b.WriteString("Conversation history: ")
		b.WriteString(c.ConversationHistory)
		b.WriteString("\n\n")
	}

	return b.String(), nil
}

// ShouldSkipPlanner implements the fast path: when metadata indicates a
// greeting/social message and no tools are required, the planner is skipped
// entirely and the pipeline proceeds straight to synthesize.
func ShouldSkipPlanner(md extract.Metadata) bool {
	return md.IsGreeting && md.Intent == nil
}

var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)
var unclosedThink = regexp.MustCompile(`(?s)<think>.*$`)
var fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)\\n?```")

// stripThink removes every <think>...</think> run; an unclosed <think>
// truncates everything after it, per spec §4.4.
func stripThink(s string) string {
	s = thinkBlock.ReplaceAllString(s, "")
	s = unclosedThink.ReplaceAllString(s, "")
	return s
}

// ParsePlan parses an LLM response into a Plan: tries raw JSON first, then
// falls back to the first fenced code block. <think>...</think> runs are
// stripped before either attempt.
func ParsePlan(raw string) (types.Plan, error) {
	cleaned := strings.TrimSpace(stripThink(raw))

	var plan types.Plan
	if err := json.Unmarshal([]byte(cleaned), &plan); err == nil {
		return plan, nil
	}

	if m := fencedBlock.FindStringSubmatch(cleaned); m != nil {
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &plan); err == nil {
			return plan, nil
		}
	}

	return types.Plan{}, fmt.Errorf("%w: could not parse plan from response", ErrInvalidPlanFormat)
}

// Validate checks every step's tool against the template's allowed/denied
// patterns: denied always wins even if a step's tool also matches allowed.
func Validate(p types.Plan, matchPattern func(pattern, toolID string) bool, allowed, denied []string) error {
	for _, step := range p.Steps {
		for _, d := range denied {
			if matchPattern(d, step.Tool) {
				return fmt.Errorf("%w: step %d tool %q matches denied pattern %q", ErrValidationFailed, step.Step, step.Tool, d)
			}
		}
		ok := false
		for _, a := range allowed {
			if matchPattern(a, step.Tool) {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%w: step %d tool %q matches no allowed pattern", ErrValidationFailed, step.Step, step.Tool)
		}
	}
	return nil
}
