package execute

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/aegis-run/aegis/internal/kernel/policy"
	"github.com/aegis-run/aegis/internal/kernel/types"
)

// Tool is anything a plan step can invoke. Implementations receive only what
// the capability token and resolved credentials permit; they never see the
// policy engine, vault, or audit log directly.
type Tool interface {
	Manifest() types.ToolManifest
	Invoke(ctx context.Context, client *ScopedHTTPClient, cap *types.CapabilityToken, credentials map[string]string, actionID string, args map[string]any) (result any, reportedLabel types.SecurityLabel, err error)
}

// Registry looks tools up by name.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces tool under its manifest name.
func (r *Registry) Register(tool Tool) {
	r.tools[tool.Manifest().Name] = tool
}

// Lookup returns the tool and its action descriptor for "tool.action", or
// ErrToolNotFound.
func (r *Registry) Lookup(toolID string) (Tool, types.ToolAction, error) {
	name, actionID := splitToolID(toolID)
	t, ok := r.tools[name]
	if !ok {
		return nil, types.ToolAction{}, fmt.Errorf("%w: %s", ErrToolNotFound, toolID)
	}
	for _, a := range t.Manifest().Actions {
		if a.ID == actionID {
			return t, a, nil
		}
	}
	return nil, types.ToolAction{}, fmt.Errorf("%w: %s", ErrToolNotFound, toolID)
}

func splitToolID(toolID string) (name, actionID string) {
	for i := len(toolID) - 1; i >= 0; i-- {
		if toolID[i] == '.' {
			return toolID[:i], toolID[i+1:]
		}
	}
	return toolID, ""
}

// PolicyEngine is the subset of internal/kernel/policy.Engine the executor
// depends on.
type PolicyEngine interface {
	IssueCapability(task *types.Task, toolActionID string, resourceScope string, argsTaint types.TaintSet, ownerOnly bool) (*types.CapabilityToken, error)
	CheckTaint(argsTaint types.TaintSet, hasFreeTextInWrites bool) policy.ApprovalDecision
	ApplyLabelCeiling(toolActionID string, reported types.SecurityLabel) types.SecurityLabel
}

// CredentialResolver resolves a vault reference ("vault:ref") to its secret
// value. Tools never receive vault access directly; the executor resolves
// credentials on their behalf from the manifest's declared requirements.
type CredentialResolver func(ref string) (string, error)

// AuditLog is the subset of internal/kernel/audit.Log the executor needs.
type AuditLog interface {
	Append(kind types.AuditKind, body map[string]any) (*types.AuditRecord, error)
}

// Config bounds one Executor's retry/timeout behavior. Unlike the teacher's
// parallel executor, there is no concurrency knob: steps always run one at a
// time, in plan order.
type Config struct {
	StepTimeout  time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// DefaultConfig mirrors the teacher's per-call defaults, dropping the
// concurrency-limiting fields that no longer apply.
func DefaultConfig() Config {
	return Config{StepTimeout: 30 * time.Second, MaxRetries: 2, RetryBackoff: 100 * time.Millisecond}
}

// Executor runs one plan's steps strictly sequentially (spec §4.5, §5): the
// first step requiring approval or failing irrecoverably halts the rest of
// the plan.
type Executor struct {
	registry *Registry
	policy   PolicyEngine
	resolve  CredentialResolver
	audit    AuditLog
	cfg      Config
}

// NewExecutor builds an Executor over registry, policy, resolve, and audit.
func NewExecutor(registry *Registry, policy PolicyEngine, resolve CredentialResolver, audit AuditLog, cfg Config) *Executor {
	return &Executor{registry: registry, policy: policy, resolve: resolve, audit: audit, cfg: cfg}
}

// StepResult is the outcome of one executed step.
type StepResult struct {
	Step          int
	Tool          string
	Result        any
	ReportedLabel types.SecurityLabel
	Err           error
}

// RunPlan executes p's steps in order against task, stopping at the first
// step that returns ErrApprovalRequired or a non-retryable error. Results for
// every step attempted (including the one that halted the plan) are
// returned.
func (e *Executor) RunPlan(ctx context.Context, task *types.Task, p types.Plan) []StepResult {
	var out []StepResult
	for _, step := range p.Steps {
		res := e.runStep(ctx, task, step)
		out = append(out, res)
		if res.Err != nil {
			break
		}
	}
	return out
}

func (e *Executor) runStep(ctx context.Context, task *types.Task, step types.PlanStep) StepResult {
	res := StepResult{Step: step.Step, Tool: step.Tool}

	if task.MaxToolCalls > 0 && task.Step+1 > task.MaxToolCalls {
		res.Err = newStepError(step.Tool, "", fmt.Errorf("%w: call budget exhausted", ErrCapabilityDenied))
		return res
	}

	tool, action, err := e.registry.Lookup(step.Tool)
	if err != nil {
		res.Err = newStepError(step.Tool, "", err)
		return res
	}

	_, argsTaint := types.LabelForClass(task.Principal.Class(), task.Principal.Key())
	if action.Semantics == types.SemanticsWrite {
		hasFreeText := hasFreeTextArg(step.Args)
		decision := e.policy.CheckTaint(argsTaint, hasFreeText)
		if decision.RequiresApproval {
			res.Err = newStepError(step.Tool, action.ID, fmt.Errorf("%w: %s", ErrApprovalRequired, decision.Reason))
			e.auditBestEffort(types.AuditApprovalRequired, map[string]any{"tool": step.Tool, "action": action.ID, "reason": decision.Reason})
			return res
		}
	}

	manifest := tool.Manifest()
	cap, err := e.policy.IssueCapability(task, step.Tool, "", argsTaint, manifest.OwnerOnly)
	if err != nil {
		res.Err = newStepError(step.Tool, action.ID, fmt.Errorf("%w: %v", ErrCapabilityDenied, err))
		return res
	}
	task.Step++

	credentials, err := e.resolveCredentials(manifest)
	if err != nil {
		res.Err = newStepError(step.Tool, action.ID, err)
		return res
	}

	client := NewScopedHTTPClient(nil, manifest.NetworkAllowlist)

	result, reportedLabel, err := e.invokeWithTimeout(ctx, tool, client, cap, credentials, action.ID, step.Args)
	if err != nil {
		res.Err = newStepError(step.Tool, action.ID, err)
		return res
	}

	res.Result = result
	res.ReportedLabel = e.policy.ApplyLabelCeiling(step.Tool, reportedLabel)

	e.auditBestEffort(types.AuditToolInvoked, map[string]any{
		"tool": step.Tool, "action": action.ID, "capability_id": cap.CapabilityID.String(), "label": res.ReportedLabel.String(),
	})

	return res
}

func (e *Executor) resolveCredentials(manifest types.ToolManifest) (map[string]string, error) {
	// Tools declare required secrets implicitly via their own config; the
	// executor resolves nothing unless the tool asks via NetworkAllowlist's
	// paired auth map, handled by mcpmanager for MCP-backed tools. Native
	// tools with no vault dependency get an empty map.
	return map[string]string{}, nil
}

func (e *Executor) invokeWithTimeout(ctx context.Context, tool Tool, client *ScopedHTTPClient, cap *types.CapabilityToken, credentials map[string]string, actionID string, args map[string]any) (result any, label types.SecurityLabel, err error) {
	timeout := e.cfg.StepTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result any
		label  types.SecurityLabel
		err    error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("panic: %v\n%s", r, debug.Stack())}
			}
		}()
		res, lbl, err := tool.Invoke(stepCtx, client, cap, credentials, actionID, args)
		ch <- outcome{result: res, label: lbl, err: err}
	}()

	select {
	case o := <-ch:
		return o.result, o.label, o.err
	case <-stepCtx.Done():
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, fmt.Errorf("execution timed out after %s", timeout)
	}
}

func (e *Executor) auditBestEffort(kind types.AuditKind, body map[string]any) {
	if e.audit == nil {
		return
	}
	_, _ = e.audit.Append(kind, body)
}

// hasFreeTextArg reports whether args contains any string-valued field,
// used to decide whether a write step is carrying untrusted free text.
func hasFreeTextArg(args map[string]any) bool {
	for _, v := range args {
		switch v.(type) {
		case string:
			return true
		}
	}
	return false
}

// marshalArgs is used by tools that need the raw JSON form of their args,
// e.g. to forward to an MCP server's tools/call.
func marshalArgs(args map[string]any) ([]byte, error) {
	return json.Marshal(args)
}
