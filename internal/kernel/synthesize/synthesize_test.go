package synthesize

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aegis-run/aegis/internal/kernel/execute"
	"github.com/aegis-run/aegis/internal/kernel/types"
)

type fakeGen struct {
	prompt string
	reply  string
	err    error
}

func (f *fakeGen) Generate(ctx context.Context, scope, model, prompt string, maxTokens int) (string, error) {
	f.prompt = prompt
	return f.reply, f.err
}

func TestComposePrompt_IncludesStepResultsAndHistory(t *testing.T) {
	prompt, err := ComposePrompt(Context{
		TaskDescription:     "reply to the contact",
		ConversationHistory: "hi there",
		StepResults: []execute.StepResult{
			{Step: 1, Tool: "email.list", ReportedLabel: types.LabelSensitive, Result: map[string]any{"count": 2}},
		},
	})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if !strings.Contains(prompt, "email.list") || !strings.Contains(prompt, "hi there") {
		t.Errorf("expected prompt to include step tool and history, got: %s", prompt)
	}
}

func TestHighestLabel_IgnoresFailedSteps(t *testing.T) {
	results := []execute.StepResult{
		{Step: 1, ReportedLabel: types.LabelSensitive},
		{Step: 2, ReportedLabel: types.LabelRegulated, Err: errors.New("boom")},
	}
	if got := HighestLabel(results); got != types.LabelSensitive {
		t.Errorf("expected failed step's label to be excluded, got %v", got)
	}
}

func TestValidateEgress_BlocksWriteDown(t *testing.T) {
	if err := ValidateEgress(types.LabelSecret, types.LabelInternal); !errors.Is(err, ErrOutputLabelExceedsSink) {
		t.Fatalf("expected No Write Down violation, got %v", err)
	}
	if err := ValidateEgress(types.LabelInternal, types.LabelSecret); err != nil {
		t.Fatalf("lower content label than sink ceiling should pass: %v", err)
	}
}

func TestSynthesizer_Run_RefusesBeforeGeneratingOnEgressViolation(t *testing.T) {
	gen := &fakeGen{reply: "should never be seen"}
	s := NewSynthesizer(gen)

	_, err := s.Run(context.Background(), "task-1", "m", Context{TaskDescription: "t"}, types.LabelRegulated, types.LabelPublic, 100)
	if !errors.Is(err, ErrOutputLabelExceedsSink) {
		t.Fatalf("expected egress violation, got %v", err)
	}
	if gen.prompt != "" {
		t.Error("generator must not be invoked when egress validation fails")
	}
}

func TestSynthesizer_Run_Success(t *testing.T) {
	gen := &fakeGen{reply: "final answer"}
	s := NewSynthesizer(gen)

	out, err := s.Run(context.Background(), "task-1", "m", Context{TaskDescription: "t"}, types.LabelInternal, types.LabelSensitive, 100)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != "final answer" {
		t.Errorf("expected generator reply passed through, got %q", out)
	}
}
