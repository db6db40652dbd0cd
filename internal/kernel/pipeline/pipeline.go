// Package pipeline orchestrates the Plan-Then-Execute data flow (spec §2,
// §4): Extract -> Plan -> Execute -> Synthesize, driving a Task through its
// state machine and mirroring each turn into the session store and journal.
//
// Mirrors internal/agent's AgenticLoop.Run as the place where every phase's
// config (extractor bank, planner/synthesizer prompt inputs, executor) is
// threaded together end to end, adapted from the teacher's streaming
// tool-use loop to the kernel's four fixed phases.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/aegis-run/aegis/internal/kernel/execute"
	"github.com/aegis-run/aegis/internal/kernel/extract"
	"github.com/aegis-run/aegis/internal/kernel/plan"
	"github.com/aegis-run/aegis/internal/kernel/policy"
	"github.com/aegis-run/aegis/internal/kernel/synthesize"
	"github.com/aegis-run/aegis/internal/kernel/types"
)

// ErrPlanRefused is returned when Validate rejects the parsed plan outright
// (every step denied, or no steps could be validated).
var ErrPlanRefused = errors.New("plan refused validation")

// Inference is the subset of internal/kernel/inference.Proxy the pipeline
// needs directly (the planner and synthesizer each get their own scoped
// call through this).
type Inference interface {
	Generate(ctx context.Context, scope, model, prompt string, maxTokens int) (string, error)
}

// Journal is the subset of internal/kernel/journal.Journal the pipeline
// mirrors turns into.
type Journal interface {
	AppendConversationTurn(principalKey, role, content string) error
}

// Template supplies the per-task policy inputs the pipeline needs beyond
// what's already copied onto types.Task (tool descriptors, model names).
type Template struct {
	types.TaskTemplate
	AvailableTools []plan.ToolDescriptor
	PlannerModel   string
	SynthModel     string
}

// Result is the pipeline's terminal output for one task.
type Result struct {
	Task        *types.Task
	Reply       string
	StepResults []execute.StepResult
	Err         error
}

// Pipeline wires one set of phase dependencies; it holds no per-task state
// itself, matching the kernel's capabilities-not-globals design.
type Pipeline struct {
	extractors *extract.Bank
	policy     *policy.Engine
	executor   *execute.Executor
	inference  Inference
	synth      *synthesize.Synthesizer
	journal    Journal
	matchTool  func(pattern, toolID string) bool
}

// New builds a Pipeline from its phase dependencies.
func New(extractors *extract.Bank, policyEngine *policy.Engine, executor *execute.Executor, inference Inference, synth *synthesize.Synthesizer, journal Journal) *Pipeline {
	return &Pipeline{
		extractors: extractors,
		policy:     policyEngine,
		executor:   executor,
		inference:  inference,
		synth:      synth,
		journal:    journal,
		matchTool:  policy.MatchToolPattern,
	}
}

// Run drives task through Extract -> Plan -> Execute -> Synthesize. The
// raw event text reaches the planner prompt only for ClassOwner tasks;
// every other class gets tmpl.PlannerTaskDescription instead (enforced
// inside plan.ComposePrompt).
func (p *Pipeline) Run(ctx context.Context, task *types.Task, tmpl Template, rawText string, sessionWorkingMemory, conversationHistory string) Result {
	task.State = types.StateExtracting
	taint := types.NewTaintSet(types.TaintRaw, task.Principal.Key())
	metadata, taint := p.extractors.Run(rawText, taint)

	if plan.ShouldSkipPlanner(metadata) {
		task.State = types.StateSynthesizing
		reply, err := p.synthesizeOnly(ctx, task, tmpl, conversationHistory)
		return p.finish(task, reply, nil, err)
	}

	task.State = types.StatePlanning
	parsedPlan, err := p.planTask(ctx, task, tmpl, metadata, sessionWorkingMemory, conversationHistory, taint)
	if err != nil {
		return p.finish(task, "", nil, fmt.Errorf("plan phase: %w", err))
	}

	task.State = types.StateExecuting
	stepResults := p.executor.RunPlan(ctx, task, parsedPlan)

	task.State = types.StateSynthesizing
	reply, err := p.synthesizeWithResults(ctx, task, tmpl, stepResults, conversationHistory)
	return p.finish(task, reply, stepResults, err)
}

func (p *Pipeline) planTask(ctx context.Context, task *types.Task, tmpl Template, metadata extract.Metadata, workingMemory, history string, taint types.TaintSet) (types.Plan, error) {
	var plannerDesc *string
	if tmpl.PlannerTaskDescription != nil {
		plannerDesc = tmpl.PlannerTaskDescription
	}

	prompt, err := plan.ComposePrompt(plan.Context{
		Task:                   task,
		TemplateDescription:    tmpl.Description,
		PlannerTaskDescription: plannerDesc,
		ExtractedMetadata:      metadata,
		SessionWorkingMemory:   workingMemory,
		ConversationHistory:    history,
		AvailableTools:         tmpl.AvailableTools,
		PrincipalClass:         task.Principal.Class(),
		SID:                    task.TraceID,
	})
	if err != nil {
		return types.Plan{}, err
	}

	raw, err := p.inference.Generate(ctx, task.TaskID.String(), tmpl.PlannerModel, prompt, tmpl.MaxTokensPlan)
	if err != nil {
		return types.Plan{}, err
	}

	parsed, err := plan.ParsePlan(raw)
	if err != nil {
		return types.Plan{}, err
	}

	if err := plan.Validate(parsed, p.matchTool, task.AllowedTools, task.DeniedTools); err != nil {
		return types.Plan{}, fmt.Errorf("%w: %v", ErrPlanRefused, err)
	}

	return parsed, nil
}

func (p *Pipeline) synthesizeWithResults(ctx context.Context, task *types.Task, tmpl Template, results []execute.StepResult, history string) (string, error) {
	contentLabel := synthesize.HighestLabel(results)
	return p.synth.Run(ctx, task.TaskID.String(), tmpl.SynthModel, synthesize.Context{
		TaskDescription:     tmpl.Description,
		ConversationHistory: history,
		StepResults:         results,
		SID:                 task.TraceID,
	}, contentLabel, task.DataCeiling, tmpl.MaxTokensSynthesize)
}

func (p *Pipeline) synthesizeOnly(ctx context.Context, task *types.Task, tmpl Template, history string) (string, error) {
	return p.synth.Run(ctx, task.TaskID.String(), tmpl.SynthModel, synthesize.Context{
		TaskDescription:     tmpl.Description,
		ConversationHistory: history,
		SID:                 task.TraceID,
	}, types.LabelPublic, task.DataCeiling, tmpl.MaxTokensSynthesize)
}

func (p *Pipeline) finish(task *types.Task, reply string, stepResults []execute.StepResult, err error) Result {
	if err != nil {
		task.State = types.StateFailed
		return Result{Task: task, StepResults: stepResults, Err: err}
	}
	task.State = types.StateCompleted
	if p.journal != nil {
		_ = p.journal.AppendConversationTurn(task.Principal.Key(), "assistant", reply)
	}
	return Result{Task: task, Reply: reply, StepResults: stepResults}
}
