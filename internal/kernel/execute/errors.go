// Package execute implements the sequential step executor (spec §4.5): one
// step at a time, no parallel tool calls, halting the plan on the first
// approval-required taint decision or unrecoverable tool error.
package execute

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrToolNotFound indicates a plan step names a tool/action the registry
	// does not know about.
	ErrToolNotFound = errors.New("tool not found")

	// ErrApprovalRequired halts the plan: the taint rules require a human
	// decision before this step may run.
	ErrApprovalRequired = errors.New("human approval required")

	// ErrCapabilityDenied means the policy engine refused to mint a token
	// for this step (denied pattern, owner-only gate, or call budget).
	ErrCapabilityDenied = errors.New("capability denied")

	// ErrCredentialMissing means the step's tool needs a vault secret that
	// is not present.
	ErrCredentialMissing = errors.New("credential missing")

	// ErrEgressBlocked means the scoped HTTP client refused a request
	// outside the tool's network_allowlist or to a private address.
	ErrEgressBlocked = errors.New("egress blocked")
)

// StepErrorType categorizes a step failure for retry/backoff decisions,
// mirroring the teacher's tool-error classification.
type StepErrorType string

const (
	StepErrorNotFound    StepErrorType = "not_found"
	StepErrorApproval    StepErrorType = "approval_required"
	StepErrorDenied      StepErrorType = "capability_denied"
	StepErrorCredential  StepErrorType = "credential_missing"
	StepErrorEgress      StepErrorType = "egress_blocked"
	StepErrorTimeout     StepErrorType = "timeout"
	StepErrorPanic       StepErrorType = "panic"
	StepErrorExecution   StepErrorType = "execution"
	StepErrorUnknown     StepErrorType = "unknown"
)

// IsRetryable reports whether a step failure of this type may succeed on a
// later attempt. Approval/denied/credential/egress failures are policy
// decisions, not transient faults, so they are never retried.
func (t StepErrorType) IsRetryable() bool {
	return t == StepErrorTimeout
}

// StepError is the structured error returned for a failed step.
type StepError struct {
	Type     StepErrorType
	Tool     string
	ActionID string
	Message  string
	Cause    error
}

func (e *StepError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[step:%s]", e.Type))
	if e.Tool != "" {
		parts = append(parts, e.Tool+"."+e.ActionID)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *StepError) Unwrap() error { return e.Cause }

func newStepError(tool, actionID string, cause error) *StepError {
	se := &StepError{Tool: tool, ActionID: actionID, Cause: cause, Type: StepErrorUnknown}
	if cause != nil {
		se.Message = cause.Error()
		se.Type = classify(cause)
	}
	return se
}

func classify(err error) StepErrorType {
	switch {
	case errors.Is(err, ErrToolNotFound):
		return StepErrorNotFound
	case errors.Is(err, ErrApprovalRequired):
		return StepErrorApproval
	case errors.Is(err, ErrCapabilityDenied):
		return StepErrorDenied
	case errors.Is(err, ErrCredentialMissing):
		return StepErrorCredential
	case errors.Is(err, ErrEgressBlocked):
		return StepErrorEgress
	}
	if strings.Contains(strings.ToLower(err.Error()), "deadline exceeded") {
		return StepErrorTimeout
	}
	return StepErrorExecution
}
