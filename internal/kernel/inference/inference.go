// Package inference implements the thin proxy described in spec §4.2: a
// facade over any InferenceProvider that records token usage against the
// active budget scope and surfaces a distinguished ContextOverflow error so
// drivers can retry with history trimmed. Concrete providers (Anthropic,
// OpenAI, Bedrock) satisfy InferenceProvider and are kept from the teacher's
// internal/providers package as adapters exercising this interface.
package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrContextOverflow is returned by a provider when the prompt exceeds the
// model's context window. Drivers catch this via errors.Is and retry with
// history trimmed to 50%, 25%, 12.5% (spec §7), up to 3 attempts.
var ErrContextOverflow = errors.New("context overflow")

// Provider is the facade's dependency: any backend capable of generating
// text from a prompt.
type Provider interface {
	Generate(ctx context.Context, model, prompt string, maxTokens int) (text string, inputTokens, outputTokens int, err error)
}

// BudgetConfig mirrors original_source/src/config.rs's BudgetConfig: caps on
// tokens per session, tokens per day, tool calls per turn, and dynamic tools
// surfaced per turn (spec §10, supplemented feature).
type BudgetConfig struct {
	MaxTokensPerSession    int
	MaxTokensPerDay        int
	MaxToolCallsPerTurn    int
	MaxDynamicToolsPerTurn int
}

// DefaultBudgetConfig mirrors the Rust defaults exactly.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		MaxTokensPerSession:    500_000,
		MaxTokensPerDay:        5_000_000,
		MaxToolCallsPerTurn:    20,
		MaxDynamicToolsPerTurn: 20,
	}
}

// ErrBudgetExceeded is returned when a generate call would exceed the
// session or daily token budget.
var ErrBudgetExceeded = errors.New("token budget exceeded")

// budgetState tracks cumulative usage for one scope (a session or the whole
// day); resets are driven externally by Proxy.resetDailyIfNeeded.
type budgetState struct {
	sessionTokens int
	dailyTokens   int
	dayStamp      string // YYYY-MM-DD (UTC), used to detect day rollover
}

// Proxy is the kernel's inference facade. It holds no ambient state beyond
// the budget table passed to it at construction; it is handed explicitly to
// the planner and synthesizer drivers.
type Proxy struct {
	provider Provider
	budget   BudgetConfig

	mu    sync.Mutex
	usage map[string]*budgetState // keyed by session/task ID
}

// NewProxy builds a proxy over provider, enforcing budget.
func NewProxy(provider Provider, budget BudgetConfig) *Proxy {
	return &Proxy{
		provider: provider,
		budget:   budget,
		usage:    make(map[string]*budgetState),
	}
}

func (p *Proxy) stateFor(scope string) *budgetState {
	st, ok := p.usage[scope]
	if !ok {
		st = &budgetState{}
		p.usage[scope] = st
	}
	today := time.Now().UTC().Format("2006-01-02")
	if st.dayStamp != today {
		st.dayStamp = today
		st.dailyTokens = 0
	}
	return st
}

// Generate proxies to the provider, attributing token usage to scope
// (typically the task or session ID) and refusing the call outright if the
// scope's session or daily budget is already exhausted.
func (p *Proxy) Generate(ctx context.Context, scope, model, prompt string, maxTokens int) (string, error) {
	p.mu.Lock()
	st := p.stateFor(scope)
	if p.budget.MaxTokensPerSession > 0 && st.sessionTokens >= p.budget.MaxTokensPerSession {
		p.mu.Unlock()
		return "", fmt.Errorf("%w: session budget %d reached", ErrBudgetExceeded, p.budget.MaxTokensPerSession)
	}
	if p.budget.MaxTokensPerDay > 0 && st.dailyTokens >= p.budget.MaxTokensPerDay {
		p.mu.Unlock()
		return "", fmt.Errorf("%w: daily budget %d reached", ErrBudgetExceeded, p.budget.MaxTokensPerDay)
	}
	p.mu.Unlock()

	text, inTok, outTok, err := p.provider.Generate(ctx, model, prompt, maxTokens)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	st.sessionTokens += inTok + outTok
	st.dailyTokens += inTok + outTok
	p.mu.Unlock()

	return text, nil
}

// SessionUsage returns the cumulative tokens recorded for scope so far.
func (p *Proxy) SessionUsage(scope string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.usage[scope]
	if !ok {
		return 0
	}
	return st.sessionTokens
}
