package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/aegis-run/aegis/internal/kernel/execute"
	"github.com/aegis-run/aegis/internal/kernel/extract"
	"github.com/aegis-run/aegis/internal/kernel/plan"
	"github.com/aegis-run/aegis/internal/kernel/policy"
	"github.com/aegis-run/aegis/internal/kernel/synthesize"
	"github.com/aegis-run/aegis/internal/kernel/types"
)

type fakeInference struct {
	response string
	err      error
	prompts  []string
}

func (f *fakeInference) Generate(ctx context.Context, scope, model, prompt string, maxTokens int) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.response, f.err
}

type fakeJournal struct {
	turns []string
}

func (j *fakeJournal) AppendConversationTurn(principalKey, role, content string) error {
	j.turns = append(j.turns, content)
	return nil
}

func newOwnerTask() *types.Task {
	return &types.Task{
		TaskID:       uuid.New(),
		Principal:    types.Principal{Kind: types.PrincipalOwner},
		AllowedTools: []string{"email.*"},
		MaxToolCalls: 5,
		DataCeiling:  types.LabelRegulated,
	}
}

func TestRun_GreetingSkipsPlannerAndExecutor(t *testing.T) {
	inf := &fakeInference{response: "hello yourself"}
	journal := &fakeJournal{}
	synth := synthesize.NewSynthesizer(inf)
	p := New(extract.NewBank(), policy.NewEngine(nil, nil), execute.NewExecutor(execute.NewRegistry(), policy.NewEngine(nil, nil), nil, nil, execute.DefaultConfig()), inf, synth, journal)

	task := newOwnerTask()
	tmpl := Template{TaskTemplate: types.TaskTemplate{Description: "chat"}}

	res := p.Run(context.Background(), task, tmpl, "hey there", "", "")
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Reply != "hello yourself" {
		t.Errorf("expected synthesizer reply passed through, got %q", res.Reply)
	}
	if task.State != types.StateCompleted {
		t.Errorf("expected completed state, got %v", task.State)
	}
	if len(res.StepResults) != 0 {
		t.Errorf("expected no executor steps for a skipped-planner greeting, got %d", len(res.StepResults))
	}
	if len(journal.turns) != 1 || journal.turns[0] != "hello yourself" {
		t.Errorf("expected the reply mirrored into the journal, got %+v", journal.turns)
	}
}

func TestRun_PlanParseFailurePropagatesAsPlanRefused(t *testing.T) {
	inf := &fakeInference{response: "not valid json at all"}
	synth := synthesize.NewSynthesizer(inf)
	p := New(extract.NewBank(), policy.NewEngine(nil, nil), execute.NewExecutor(execute.NewRegistry(), policy.NewEngine(nil, nil), nil, nil, execute.DefaultConfig()), inf, synth, nil)

	task := newOwnerTask()
	tmpl := Template{TaskTemplate: types.TaskTemplate{Description: "check my email"}}

	res := p.Run(context.Background(), task, tmpl, "check my email please", "", "")
	if res.Err == nil {
		t.Fatal("expected a plan parse failure")
	}
	if task.State != types.StateFailed {
		t.Errorf("expected failed state, got %v", task.State)
	}
}

func TestRun_DeniedStepInPlanRefusesValidation(t *testing.T) {
	inf := &fakeInference{response: `{"plan":[{"step":1,"tool":"email.delete","args":{}}]}`}
	synth := synthesize.NewSynthesizer(inf)
	p := New(extract.NewBank(), policy.NewEngine(nil, nil), execute.NewExecutor(execute.NewRegistry(), policy.NewEngine(nil, nil), nil, nil, execute.DefaultConfig()), inf, synth, nil)

	task := newOwnerTask()
	task.DeniedTools = []string{"email.delete"}
	tmpl := Template{TaskTemplate: types.TaskTemplate{Description: "clean my inbox"}}

	res := p.Run(context.Background(), task, tmpl, "delete the spam email", "", "")
	if !errors.Is(res.Err, ErrPlanRefused) {
		t.Fatalf("expected ErrPlanRefused, got %v", res.Err)
	}
}
