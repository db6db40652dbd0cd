// Package mcpmanager implements dynamic MCP server lifecycle management
// (spec §4.9): spawn_server/stop_server/shutdown_all, vault-backed auth
// resolution before a server starts, and Read/Write semantics inference
// from a server's advertised tools so each spawned server's capabilities
// can be registered with the executor as ordinary Tools.
//
// Built directly on top of the kept internal/mcp package (Client,
// Transport, ServerConfig, CallTool/RefreshCapabilities) rather than
// reimplementing JSON-RPC/stdio transport: internal/mcp's Manager.Connect
// only knows how to start a server already present in static config, so
// this package extends it with dynamic config construction from a runtime
// types.McpServerConfig (parsed label, resolved vault auth, network
// allowlist) -- the spawn_server entry point original_source/src/kernel/
// flow_manager.rs's build_known_server_config/spawn_server pair describe.
package mcpmanager

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/aegis-run/aegis/internal/kernel/execute"
	"github.com/aegis-run/aegis/internal/kernel/types"
	mcp "github.com/aegis-run/aegis/internal/mcp"
)

// readOnlyVerbs are tool-name/description substrings treated as Read
// semantics. internal/mcp's MCPTool carries no annotations field (the
// teacher never captured tools/list's optional "annotations" object), so
// semantics are inferred from naming convention instead; anything not
// matched here defaults to Write, the conservative choice per spec §4.9.
var readOnlyVerbs = []string{"list", "get", "read", "search", "query", "find", "fetch", "describe", "status"}

func inferSemantics(name, description string) types.ToolSemantics {
	lower := strings.ToLower(name + " " + description)
	for _, v := range readOnlyVerbs {
		if strings.Contains(lower, v) {
			return types.SemanticsRead
		}
	}
	return types.SemanticsWrite
}

// CredentialResolver resolves a "vault:ref" auth value to its secret.
type CredentialResolver func(ref string) (string, error)

// ManagedServer is one dynamically spawned MCP server, wrapped as an
// execute.Tool so the executor can invoke it like any other tool.
type ManagedServer struct {
	name     string
	label    types.SecurityLabel
	client   *mcp.Client
	manifest types.ToolManifest
}

// Manifest satisfies execute.Tool.
func (s *ManagedServer) Manifest() types.ToolManifest { return s.manifest }

// Invoke satisfies execute.Tool: forwards to the MCP server's tools/call,
// translating its result into the executor's expected shape. The reported
// label is the server's configured label, clamped by the policy engine's
// authoritative ceiling afterward (same as any other tool).
func (s *ManagedServer) Invoke(ctx context.Context, _ *execute.ScopedHTTPClient, _ *types.CapabilityToken, _ map[string]string, actionID string, args map[string]any) (any, types.SecurityLabel, error) {
	result, err := s.client.CallTool(ctx, actionID, args)
	if err != nil {
		return nil, 0, fmt.Errorf("mcp call %s.%s: %w", s.name, actionID, err)
	}
	if result.IsError {
		var msg strings.Builder
		for _, c := range result.Content {
			msg.WriteString(c.Text)
		}
		return nil, 0, fmt.Errorf("mcp tool %s.%s returned an error: %s", s.name, actionID, msg.String())
	}
	return result.Content, s.label, nil
}

// Manager owns the set of live dynamically-spawned MCP servers.
type Manager struct {
	mu      sync.RWMutex
	servers map[string]*ManagedServer
	logger  *slog.Logger
	audit   func(kind types.AuditKind, body map[string]any)
}

// NewManager builds an empty Manager. audit may be nil.
func NewManager(logger *slog.Logger, audit func(kind types.AuditKind, body map[string]any)) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{servers: make(map[string]*ManagedServer), logger: logger.With("component", "mcpmanager"), audit: audit}
}

// SpawnServer starts cfg's server, performs the initialize/initialized
// handshake, lists its tools, and registers it under cfg.Name. Resolving
// any "vault:ref" auth value happens before the process is started so
// credentials never touch the config object that gets logged or audited.
func (m *Manager) SpawnServer(ctx context.Context, cfg types.McpServerConfig, resolve CredentialResolver) (*ManagedServer, error) {
	m.mu.Lock()
	if _, exists := m.servers[cfg.Name]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("server %q already running", cfg.Name)
	}
	m.mu.Unlock()

	label, err := types.ParseSecurityLabel(cfg.Label)
	if err != nil {
		return nil, fmt.Errorf("server %q: %w", cfg.Name, err)
	}

	env := make(map[string]string, len(cfg.Auth))
	for envVar, ref := range cfg.Auth {
		if strings.HasPrefix(ref, "vault:") {
			secret, err := resolve(strings.TrimPrefix(ref, "vault:"))
			if err != nil {
				return nil, fmt.Errorf("server %q: resolve credential for %s: %w", cfg.Name, envVar, err)
			}
			env[envVar] = secret
		} else {
			env[envVar] = ref
		}
	}

	serverCfg := &mcp.ServerConfig{
		ID:      cfg.Name,
		Name:    cfg.Name,
		Timeout: cfg.Timeout,
	}
	switch cfg.Transport {
	case "http":
		serverCfg.Transport = mcp.TransportHTTP
		serverCfg.URL = cfg.URL
	default:
		serverCfg.Transport = mcp.TransportStdio
		serverCfg.Command = cfg.Server.Command
		serverCfg.Args = cfg.Server.Args
		serverCfg.Env = env
	}
	if err := serverCfg.Validate(); err != nil {
		return nil, fmt.Errorf("server %q: invalid config: %w", cfg.Name, err)
	}

	client := mcp.NewClient(serverCfg, m.logger)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("server %q: connect: %w", cfg.Name, err)
	}

	actions := make([]types.ToolAction, 0, len(client.Tools()))
	for _, t := range client.Tools() {
		actions = append(actions, types.ToolAction{
			ID:           t.Name,
			Description:  t.Description,
			Semantics:    inferSemantics(t.Name, t.Description),
			LabelCeiling: label,
			ArgsSchema:   t.InputSchema,
		})
	}

	managed := &ManagedServer{
		name:  cfg.Name,
		label: label,
		client: client,
		manifest: types.ToolManifest{
			Name:             cfg.Name,
			Actions:          actions,
			NetworkAllowlist: cfg.AllowedDomains,
		},
	}

	m.mu.Lock()
	m.servers[cfg.Name] = managed
	m.mu.Unlock()

	m.auditBestEffort(types.AuditServerSpawned, map[string]any{"server": cfg.Name, "label": label.String(), "tool_count": len(actions)})
	return managed, nil
}

// StopServer closes and forgets the named server.
func (m *Manager) StopServer(name string) error {
	m.mu.Lock()
	s, exists := m.servers[name]
	if !exists {
		m.mu.Unlock()
		return nil
	}
	delete(m.servers, name)
	m.mu.Unlock()

	err := s.client.Close()
	m.auditBestEffort(types.AuditServerStopped, map[string]any{"server": name})
	return err
}

// ShutdownAll stops every running server, collecting (not short-circuiting
// on) errors.
func (m *Manager) ShutdownAll() []error {
	m.mu.RLock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	m.mu.RUnlock()

	var errs []error
	for _, name := range names {
		if err := m.StopServer(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Server returns the named managed server, if running.
func (m *Manager) Server(name string) (*ManagedServer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.servers[name]
	return s, ok
}

// Running lists the names of every currently running server.
func (m *Manager) Running() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	return names
}

func (m *Manager) auditBestEffort(kind types.AuditKind, body map[string]any) {
	if m.audit != nil {
		m.audit(kind, body)
	}
}
