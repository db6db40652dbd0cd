// Package policy implements the kernel's policy engine: capability issuance,
// taint-rule evaluation for writes, authoritative label-ceiling application,
// and label propagation. It is the central arbiter every executor step
// consults before a tool action runs.
//
// Glob matching for allowed_tools/denied_tools follows the pattern used by
// the pack's internal/tools/policy matchToolPattern: a trailing ".*"
// matches any segment after the dot (single-level wildcard); an exact
// string matches only itself.
package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-run/aegis/internal/kernel/types"
)

// Error kinds the policy engine returns. Callers switch on these via
// errors.Is, never on string matching.
var (
	ErrToolDenied          = errors.New("tool denied")
	ErrToolNotAllowed      = errors.New("tool not allowed")
	ErrMaxCallsExceeded    = errors.New("max tool calls exceeded")
	ErrOwnerOnlyViolation  = errors.New("owner-only tool invoked by non-owner")
)

// ApprovalDecision is the closed result of check_taint.
type ApprovalDecision struct {
	RequiresApproval bool
	Reason           string
}

// Allow is the zero-value "proceed" decision.
var Allow = ApprovalDecision{}

// Engine is the policy engine. It holds no component state beyond the
// kernel-authoritative label ceilings per tool action and the set of
// allow-listed extractors whose output is trusted for Extracted-level
// writes; everything else is passed in per call (capabilities, not
// globals).
type Engine struct {
	// labelCeilings maps a ToolAction.ID to the kernel's authoritative
	// ceiling for that action, independent of what any tool reports.
	labelCeilings map[string]types.SecurityLabel
	// trustedExtractors is the allow-list consulted by check_taint for
	// Extracted-level writes.
	trustedExtractors map[string]bool
}

// NewEngine builds a policy engine from the kernel ceiling table and the
// set of extractor names trusted to clear Extracted-level writes.
func NewEngine(labelCeilings map[string]types.SecurityLabel, trustedExtractors []string) *Engine {
	trusted := make(map[string]bool, len(trustedExtractors))
	for _, e := range trustedExtractors {
		trusted[e] = true
	}
	return &Engine{
		labelCeilings:     labelCeilings,
		trustedExtractors: trusted,
	}
}

// MatchToolPattern reports whether toolID matches pattern. A pattern ending
// in ".*" matches any tool ID sharing that prefix (single-level wildcard);
// any other pattern must match exactly.
func MatchToolPattern(pattern, toolID string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(toolID, prefix)
	}
	return pattern == toolID
}

func matchesAny(patterns []string, toolID string) bool {
	for _, p := range patterns {
		if MatchToolPattern(p, toolID) {
			return true
		}
	}
	return false
}

// IssueCapability validates a requested tool invocation against the task's
// template-derived constraints and, if permitted, mints a single-use
// CapabilityToken.
func (e *Engine) IssueCapability(task *types.Task, toolActionID string, resourceScope string, argsTaint types.TaintSet, ownerOnly bool) (*types.CapabilityToken, error) {
	if matchesAny(task.DeniedTools, toolActionID) {
		return nil, fmt.Errorf("%w: %s", ErrToolDenied, toolActionID)
	}
	if !matchesAny(task.AllowedTools, toolActionID) {
		return nil, fmt.Errorf("%w: %s", ErrToolNotAllowed, toolActionID)
	}
	if ownerOnly && task.Principal.Class() != types.ClassOwner {
		return nil, fmt.Errorf("%w: %s", ErrOwnerOnlyViolation, toolActionID)
	}
	if task.Step+1 > task.MaxToolCalls {
		return nil, fmt.Errorf("%w: step %d exceeds %d", ErrMaxCallsExceeded, task.Step+1, task.MaxToolCalls)
	}

	now := time.Now().UTC()
	return &types.CapabilityToken{
		CapabilityID:   uuid.New(),
		TaskID:         task.TaskID,
		TemplateID:     task.TemplateID,
		Principal:      task.Principal,
		Tool:           toolActionID,
		ResourceScope:  resourceScope,
		TaintOfArgs:    argsTaint,
		IssuedAt:       now,
		ExpiresAt:      now.Add(5 * time.Minute),
		MaxInvocations: 1,
	}, nil
}

// CheckTaint evaluates whether a Write operation may proceed given its
// argument taint. Raw taint, or free text sourced from a Raw origin, always
// fails open to approval. Extracted taint passes only when every extractor
// in touchedBy is allow-listed. Clean always passes.
func (e *Engine) CheckTaint(argsTaint types.TaintSet, hasFreeTextInWrites bool) ApprovalDecision {
	if argsTaint.Level == types.TaintRaw {
		return ApprovalDecision{RequiresApproval: true, Reason: "write uses raw-taint input"}
	}
	if hasFreeTextInWrites && argsTaint.Level != types.TaintClean {
		return ApprovalDecision{RequiresApproval: true, Reason: "write carries free text from non-clean origin"}
	}
	if argsTaint.Level == types.TaintExtracted {
		for _, extractor := range argsTaint.TouchedBy {
			if !e.trustedExtractors[extractor] {
				return ApprovalDecision{RequiresApproval: true, Reason: fmt.Sprintf("extractor %q not allow-listed for writes", extractor)}
			}
		}
	}
	return Allow
}

// ApplyLabelCeiling clamps a tool-reported label to the kernel's
// authoritative ceiling for that action. The kernel ceiling always wins; a
// tool can only report a label as low as, never higher than, what's
// enforced here.
func (e *Engine) ApplyLabelCeiling(toolActionID string, reported types.SecurityLabel) types.SecurityLabel {
	ceiling, ok := e.labelCeilings[toolActionID]
	if !ok {
		// Unknown actions get the most restrictive treatment available.
		return types.LabelPublic
	}
	if reported < ceiling {
		return reported
	}
	return ceiling
}

// PropagateLabel returns the lattice max across a set of labels.
func (e *Engine) PropagateLabel(labels []types.SecurityLabel) types.SecurityLabel {
	return types.PropagateLabel(labels)
}
