package policy

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/aegis-run/aegis/internal/kernel/types"
)

func ownerTask() *types.Task {
	return &types.Task{
		TaskID:       uuid.New(),
		TemplateID:   "t1",
		Principal:    types.Principal{Kind: types.PrincipalOwner},
		AllowedTools: []string{"email.*"},
		DeniedTools:  []string{"email.delete"},
		MaxToolCalls: 5,
	}
}

func TestMatchToolPattern(t *testing.T) {
	cases := []struct {
		pattern, tool string
		want          bool
	}{
		{"email.*", "email.list", true},
		{"email.*", "calendar.list", false},
		{"email.list", "email.list", true},
		{"email.list", "email.delete", false},
		{"*", "anything.here", true},
	}
	for _, c := range cases {
		if got := MatchToolPattern(c.pattern, c.tool); got != c.want {
			t.Errorf("MatchToolPattern(%q,%q) = %v, want %v", c.pattern, c.tool, got, c.want)
		}
	}
}

func TestIssueCapability_DeniedOverridesAllowed(t *testing.T) {
	e := NewEngine(nil, nil)
	task := ownerTask()
	_, err := e.IssueCapability(task, "email.delete", "", types.NewTaintSet(types.TaintClean, "x"), false)
	if !errors.Is(err, ErrToolDenied) {
		t.Fatalf("expected ErrToolDenied, got %v", err)
	}
}

func TestIssueCapability_NotAllowed(t *testing.T) {
	e := NewEngine(nil, nil)
	task := ownerTask()
	_, err := e.IssueCapability(task, "calendar.list", "", types.NewTaintSet(types.TaintClean, "x"), false)
	if !errors.Is(err, ErrToolNotAllowed) {
		t.Fatalf("expected ErrToolNotAllowed, got %v", err)
	}
}

func TestIssueCapability_OwnerOnly(t *testing.T) {
	e := NewEngine(nil, nil)
	task := ownerTask()
	task.Principal = types.Principal{Kind: types.PrincipalTelegramPeer, ID: 42}
	_, err := e.IssueCapability(task, "email.list", "", types.NewTaintSet(types.TaintClean, "x"), true)
	if !errors.Is(err, ErrOwnerOnlyViolation) {
		t.Fatalf("expected ErrOwnerOnlyViolation, got %v", err)
	}
}

func TestIssueCapability_MaxCalls(t *testing.T) {
	e := NewEngine(nil, nil)
	task := ownerTask()
	task.MaxToolCalls = 1
	task.Step = 1
	_, err := e.IssueCapability(task, "email.list", "", types.NewTaintSet(types.TaintClean, "x"), false)
	if !errors.Is(err, ErrMaxCallsExceeded) {
		t.Fatalf("expected ErrMaxCallsExceeded, got %v", err)
	}
}

func TestIssueCapability_Success(t *testing.T) {
	e := NewEngine(nil, nil)
	task := ownerTask()
	cap, err := e.IssueCapability(task, "email.list", "personal", types.NewTaintSet(types.TaintClean, "x"), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cap.MaxInvocations != 1 {
		t.Errorf("capability should be single-use, got MaxInvocations=%d", cap.MaxInvocations)
	}
}

func TestCheckTaint(t *testing.T) {
	e := NewEngine(nil, []string{"dates"})

	if d := e.CheckTaint(types.NewTaintSet(types.TaintRaw, "x"), false); !d.RequiresApproval {
		t.Error("raw taint should require approval")
	}
	if d := e.CheckTaint(types.NewTaintSet(types.TaintClean, "x"), false); d.RequiresApproval {
		t.Error("clean taint should always pass")
	}

	extracted := types.NewTaintSet(types.TaintExtracted, "x").RaiseTo(types.TaintExtracted, "dates")
	if d := e.CheckTaint(extracted, false); d.RequiresApproval {
		t.Errorf("allow-listed extractor should pass, got reason %q", d.Reason)
	}

	untrusted := types.NewTaintSet(types.TaintExtracted, "x").RaiseTo(types.TaintExtracted, "unknown-extractor")
	if d := e.CheckTaint(untrusted, false); !d.RequiresApproval {
		t.Error("non-allow-listed extractor should require approval")
	}
}

func TestApplyLabelCeiling(t *testing.T) {
	e := NewEngine(map[string]types.SecurityLabel{
		"calendar.freebusy": types.LabelInternal,
	}, nil)

	got := e.ApplyLabelCeiling("calendar.freebusy", types.LabelSensitive)
	if got != types.LabelInternal {
		t.Errorf("ceiling should clamp reported label down, got %v", got)
	}

	got = e.ApplyLabelCeiling("calendar.freebusy", types.LabelPublic)
	if got != types.LabelPublic {
		t.Errorf("reported label below ceiling should pass through, got %v", got)
	}
}

func TestPropagateLabel(t *testing.T) {
	e := NewEngine(nil, nil)
	got := e.PropagateLabel([]types.SecurityLabel{types.LabelPublic, types.LabelSecret, types.LabelInternal})
	if got != types.LabelSecret {
		t.Errorf("propagate should return lattice max, got %v", got)
	}
}
