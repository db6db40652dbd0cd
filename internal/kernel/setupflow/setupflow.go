// Package setupflow implements the kernel's non-LLM credential-capture
// state machine (spec §4.8): when an owner says "connect notion", the flow
// manager prompts for a credential, matches the next message against it
// directly -- without ever routing it through the planner or synthesizer --
// stores it in the vault, and spawns the MCP server. Bypassing the pipeline
// here is the point: a pasted token must never reach an LLM prompt, a tool
// argument, or an audit body in cleartext.
//
// Grounded on original_source/src/kernel/flow_manager.rs's KernelFlowManager:
// same TTL default, cancel-phrase set, parse_connect_command prefix list,
// and looks_like_token heuristic, reworked into the teacher's idiom (a
// mutex-guarded map plus journal-backed persistence, rather than an async
// Rust actor).
package setupflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aegis-run/aegis/internal/kernel/journal"
	"github.com/aegis-run/aegis/internal/kernel/mcpmanager"
	"github.com/aegis-run/aegis/internal/kernel/types"
	"github.com/aegis-run/aegis/internal/kernel/vault"
)

// DefaultTTL is how long a credential prompt stays open before it expires.
const DefaultTTL = 10 * time.Minute

var cancelPhrases = []string{"cancel", "nevermind", "never mind", "skip", "abort"}

var connectPrefixes = []string{"connect ", "setup ", "add ", "integrate "}

// ParseConnectCommand recognizes "connect <service>" (and its synonyms) and
// returns the lowercased service name. ok is false for anything else,
// including a recognized prefix followed by an invalid service name.
func ParseConnectCommand(text string) (service string, ok bool) {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)
	for _, prefix := range connectPrefixes {
		if !strings.HasPrefix(lower, prefix) {
			continue
		}
		candidate := strings.TrimSpace(trimmed[len(prefix):])
		if !isValidServiceName(candidate) {
			return "", false
		}
		return strings.ToLower(candidate), true
	}
	return "", false
}

func isValidServiceName(s string) bool {
	if s == "" || len(s) > 50 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// IsCancelPhrase reports whether text (trimmed, case-folded) is one of the
// recognized ways to abandon an in-flight setup flow.
func IsCancelPhrase(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	for _, p := range cancelPhrases {
		if lower == p {
			return true
		}
	}
	return false
}

// LooksLikeToken is a cheap heuristic for "this message is probably a pasted
// credential, not conversation": 15-500 characters, no whitespace, and at
// least 90% token-safe characters (alphanumeric plus -_./+=).
func LooksLikeToken(text string) bool {
	runes := []rune(text)
	if len(runes) < 15 || len(runes) > 500 {
		return false
	}
	if strings.ContainsAny(text, " \t\n\r") {
		return false
	}
	safe := 0
	for _, r := range runes {
		if isTokenSafeRune(r) {
			safe++
		}
	}
	return float64(safe)/float64(len(runes)) >= 0.9
}

func isTokenSafeRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_' || r == '.' || r == '/' || r == '+' || r == '=':
		return true
	default:
		return false
	}
}

// Outcome classifies what an Intercept call did, for the channel adapter to
// decide how to react (e.g. whether to delete the triggering message).
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomePrompted
	OutcomeCredentialStored
	OutcomeServerSpawned
	OutcomeCancelled
	OutcomeExpired
	OutcomeUnknownService
	OutcomeRejectedFormat
)

// InterceptResult is returned by StartSetup and Intercept.
type InterceptResult struct {
	Outcome   Outcome
	Message   string
	DeleteMsg bool // the triggering message held a raw secret; ask the adapter to delete it
}

// Journal is the subset of *journal.Journal the flow manager persists
// pending flows through, so a restart doesn't silently drop one.
type Journal interface {
	SavePendingCredentialPrompt(ctx context.Context, principalKey, service, vaultKey string, expectedPrefix *string) error
	LoadAllPendingCredentialPrompts(ctx context.Context) ([]journal.PendingCredentialPrompt, error)
	DeletePendingCredentialPrompt(ctx context.Context, principalKey string) error
}

// Spawner is the subset of *mcpmanager.Manager needed to bring a freshly
// credentialed server online.
type Spawner interface {
	SpawnServer(ctx context.Context, cfg types.McpServerConfig, resolve mcpmanager.CredentialResolver) (*mcpmanager.ManagedServer, error)
}

// Manager owns every in-flight setup flow, one per principal.
type Manager struct {
	mu      sync.Mutex
	flows   map[string]*types.SetupFlow
	vault   vault.Store
	journal Journal
	spawner Spawner
	audit   func(kind types.AuditKind, body map[string]any)
	ttl     time.Duration
}

// NewManager builds a Manager with DefaultTTL. audit may be nil.
func NewManager(store vault.Store, j Journal, spawner Spawner, audit func(kind types.AuditKind, body map[string]any)) *Manager {
	return &Manager{
		flows:   make(map[string]*types.SetupFlow),
		vault:   store,
		journal: j,
		spawner: spawner,
		audit:   audit,
		ttl:     DefaultTTL,
	}
}

// Restore repopulates in-memory flow state from the journal at startup.
// Persisted rows carry no timestamp, so a restored flow's TTL clock starts
// fresh from now rather than from when it was originally prompted.
func (m *Manager) Restore(ctx context.Context) error {
	rows, err := m.journal.LoadAllPendingCredentialPrompts(ctx)
	if err != nil {
		return fmt.Errorf("restore setup flows: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.flows[r.PrincipalKey] = &types.SetupFlow{
			Service:        r.Service,
			State:          types.FlowAwaitingCredential,
			PromptedAt:     time.Now(),
			TTL:            m.ttl,
			ExpectedPrefix: r.ExpectedPrefix,
			VaultKey:       r.VaultKey,
		}
	}
	return nil
}

// HasPendingFlow reports whether principal has an open setup flow.
func (m *Manager) HasPendingFlow(principal types.Principal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.flows[principal.Key()]
	return ok
}

// StartSetup begins a setup flow for service on principal's behalf: a known
// server with no required credentials spawns immediately, otherwise a
// prompt is recorded and persisted.
func (m *Manager) StartSetup(ctx context.Context, principal types.Principal, service string) (InterceptResult, error) {
	known, ok := mcpmanager.FindKnownServer(service)
	if !ok {
		return InterceptResult{
			Outcome: OutcomeUnknownService,
			Message: fmt.Sprintf("I don't know a service called %q. I know: %s", service, mcpmanager.KnownServerNames()),
		}, nil
	}

	key := principal.Key()

	if len(known.Credentials) == 0 {
		cfg := mcpmanager.BuildKnownServerConfig(service, known)
		if _, err := m.spawner.SpawnServer(ctx, cfg, m.resolveCredential); err != nil {
			return InterceptResult{}, fmt.Errorf("spawn %s: %w", service, err)
		}
		m.auditBestEffort(types.AuditSetupFlowEvent, map[string]any{"principal": key, "service": service, "phase": "spawned_no_credential"})
		return InterceptResult{Outcome: OutcomeServerSpawned, Message: fmt.Sprintf("%s is connected.", service)}, nil
	}

	cred := known.Credentials[0]
	vaultKey := service + "_" + strings.ToLower(cred.EnvVar)
	var prefix *string
	if known.ExpectedPrefix != "" {
		p := known.ExpectedPrefix
		prefix = &p
	}

	m.mu.Lock()
	m.flows[key] = &types.SetupFlow{
		Service:        service,
		State:          types.FlowAwaitingCredential,
		PromptedAt:     time.Now(),
		TTL:            m.ttl,
		ExpectedPrefix: prefix,
		VaultKey:       vaultKey,
	}
	m.mu.Unlock()

	if err := m.journal.SavePendingCredentialPrompt(ctx, key, service, vaultKey, prefix); err != nil {
		return InterceptResult{}, fmt.Errorf("persist pending flow: %w", err)
	}

	m.auditBestEffort(types.AuditSetupFlowEvent, map[string]any{"principal": key, "service": service, "phase": "prompted"})
	return InterceptResult{
		Outcome: OutcomePrompted,
		Message: fmt.Sprintf("To connect %s, paste your %s here.\n\n%s", service, cred.EnvVar, cred.Instructions),
	}, nil
}

// Intercept checks whether principal has an open flow and, if so, consumes
// text as that flow's next input instead of letting it reach the pipeline.
// handled is false when there was no open flow at all; callers must forward
// the message to the normal pipeline in that case.
func (m *Manager) Intercept(ctx context.Context, principal types.Principal, text string) (result InterceptResult, handled bool, err error) {
	key := principal.Key()
	m.mu.Lock()
	flow, ok := m.flows[key]
	m.mu.Unlock()
	if !ok {
		return InterceptResult{}, false, nil
	}

	if time.Since(flow.PromptedAt) > flow.TTL {
		m.cancel(ctx, key)
		return InterceptResult{
			Outcome: OutcomeExpired,
			Message: fmt.Sprintf("Setup for %s timed out. Say \"connect %s\" to try again.", flow.Service, flow.Service),
		}, true, nil
	}

	if IsCancelPhrase(text) {
		m.cancel(ctx, key)
		return InterceptResult{Outcome: OutcomeCancelled, Message: fmt.Sprintf("Cancelled setup for %s.", flow.Service)}, true, nil
	}

	if flow.State != types.FlowAwaitingCredential {
		// A spawn is already underway for this principal; swallow stray
		// messages rather than starting a second one.
		return InterceptResult{Outcome: OutcomeNone}, true, nil
	}

	candidate := strings.TrimSpace(text)
	if !LooksLikeToken(candidate) {
		return InterceptResult{
			Outcome: OutcomeRejectedFormat,
			Message: fmt.Sprintf("That doesn't look like a %s credential. Paste it alone, or say \"cancel\".", flow.Service),
		}, true, nil
	}
	if flow.ExpectedPrefix != nil && !strings.HasPrefix(candidate, *flow.ExpectedPrefix) {
		return InterceptResult{
			Outcome: OutcomeRejectedFormat,
			Message: fmt.Sprintf("%s credentials usually start with %q. Paste the token again, or say \"cancel\".", flow.Service, *flow.ExpectedPrefix),
		}, true, nil
	}

	if err := m.vault.StoreSecret(ctx, flow.VaultKey, vault.New(candidate)); err != nil {
		return InterceptResult{}, true, fmt.Errorf("store credential: %w", err)
	}
	m.auditBestEffort(types.AuditSetupFlowEvent, map[string]any{"principal": key, "service": flow.Service, "phase": "credential_stored"})

	m.mu.Lock()
	flow.State = types.FlowSpawning
	m.mu.Unlock()

	known, ok := mcpmanager.FindKnownServer(flow.Service)
	if !ok {
		m.cancel(ctx, key)
		return InterceptResult{}, true, fmt.Errorf("known server %q vanished mid-flow", flow.Service)
	}

	cfg := mcpmanager.BuildKnownServerConfig(flow.Service, known)
	_, spawnErr := m.spawner.SpawnServer(ctx, cfg, m.resolveCredential)
	m.cancel(ctx, key) // the flow concludes here either way; a failed spawn is reported, not retried silently

	if spawnErr != nil {
		return InterceptResult{
			Outcome:   OutcomeCredentialStored,
			DeleteMsg: true,
			Message:   fmt.Sprintf("Got the credential, but connecting %s failed: %v", flow.Service, spawnErr),
		}, true, nil
	}

	m.auditBestEffort(types.AuditSetupFlowEvent, map[string]any{"principal": key, "service": flow.Service, "phase": "spawned"})
	return InterceptResult{
		Outcome:   OutcomeServerSpawned,
		DeleteMsg: true,
		Message:   fmt.Sprintf("%s is connected.", flow.Service),
	}, true, nil
}

// Tick sweeps expired flows without waiting for the principal's next
// message, so a stale prompt doesn't linger indefinitely in memory.
func (m *Manager) Tick(ctx context.Context) {
	now := time.Now()
	m.mu.Lock()
	var expired []string
	for key, f := range m.flows {
		if now.Sub(f.PromptedAt) > f.TTL {
			expired = append(expired, key)
		}
	}
	m.mu.Unlock()
	for _, key := range expired {
		m.cancel(ctx, key)
	}
}

func (m *Manager) cancel(ctx context.Context, key string) {
	m.mu.Lock()
	delete(m.flows, key)
	m.mu.Unlock()
	_ = m.journal.DeletePendingCredentialPrompt(ctx, key)
}

func (m *Manager) resolveCredential(ref string) (string, error) {
	val, err := m.vault.GetSecret(context.Background(), ref)
	if err != nil {
		return "", err
	}
	return val.Expose(), nil
}

func (m *Manager) auditBestEffort(kind types.AuditKind, body map[string]any) {
	if m.audit != nil {
		m.audit(kind, body)
	}
}
