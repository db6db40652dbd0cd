package inference

import (
	"context"
	"errors"
	"testing"
)

type fakeProvider struct {
	calls int
}

func (f *fakeProvider) Generate(ctx context.Context, model, prompt string, maxTokens int) (string, int, int, error) {
	f.calls++
	return "ok", 100, 50, nil
}

func TestBudgetEnforcement(t *testing.T) {
	fp := &fakeProvider{}
	budget := BudgetConfig{MaxTokensPerSession: 100, MaxTokensPerDay: 10_000}
	p := NewProxy(fp, budget)

	if _, err := p.Generate(context.Background(), "task-1", "m", "p", 10); err != nil {
		t.Fatalf("first call should succeed: %v", err)
	}
	if _, err := p.Generate(context.Background(), "task-1", "m", "p", 10); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("second call should exceed session budget, got %v", err)
	}
}

func TestDefaultBudgetConfigMatchesOriginal(t *testing.T) {
	b := DefaultBudgetConfig()
	if b.MaxTokensPerSession != 500_000 || b.MaxTokensPerDay != 5_000_000 ||
		b.MaxToolCallsPerTurn != 20 || b.MaxDynamicToolsPerTurn != 20 {
		t.Errorf("default budget config drifted from original_source values: %+v", b)
	}
}
