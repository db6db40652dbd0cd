// Package kconfig loads the kernel's split configuration model (spec §4.10):
// config.toml (human-owned, the kernel only ever reads it), agent.toml
// (kernel-owned, rewritten as persona/working state changes), and mcp/*.toml
// (one file per statically configured MCP server). TOML, not the teacher's
// YAML, per original_source/src/config.rs -- the original ships exactly
// these three file shapes and never YAML.
package kconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml"

	"github.com/aegis-run/aegis/internal/kernel/types"
)

// Config is the human-owned config.toml: model routing, the Telegram
// channel, sandbox limits, inference budget, and egress policy.
type Config struct {
	Models   ModelsConfig   `toml:"models"`
	Channels ChannelsConfig `toml:"channels"`
	Sandbox  SandboxConfig  `toml:"sandbox"`
	Budget   BudgetConfig   `toml:"budget"`
	Egress   EgressConfig   `toml:"egress"`
}

// ModelsConfig routes inference calls to a default model with per-role and
// per-skill overrides.
type ModelsConfig struct {
	Default string            `toml:"default"`
	Roles   map[string]string `toml:"roles"`
	Skills  map[string]string `toml:"skills"`
}

// ChannelsConfig configures the kernel's inbound transports.
type ChannelsConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

// TelegramConfig names the env var holding the bot token (never the token
// itself) and the owner's allow-listed Telegram user IDs.
type TelegramConfig struct {
	BotTokenEnv  string  `toml:"bot_token_env"`
	AllowedUsers []int64 `toml:"allowed_users"`
}

// SandboxConfig bounds the resources a sandboxed tool invocation may use.
type SandboxConfig struct {
	MemoryMB int64   `toml:"memory_mb"`
	CPUCores float64 `toml:"cpu_cores"`
}

// BudgetConfig mirrors internal/kernel/inference.BudgetConfig's fields so a
// loaded config.toml can be handed straight to the inference proxy.
type BudgetConfig struct {
	MaxTokensPerSession    uint64 `toml:"max_tokens_per_session"`
	MaxTokensPerDay        uint64 `toml:"max_tokens_per_day"`
	MaxToolCallsPerTurn    uint32 `toml:"max_tool_calls_per_turn"`
	MaxDynamicToolsPerTurn uint32 `toml:"max_dynamic_tools_per_turn"`
}

// EgressConfig lists pre-approved outbound domains and per-verb rate limits.
type EgressConfig struct {
	AllowedDomains   []string `toml:"allowed_domains"`
	FetchRateLimit   uint32   `toml:"fetch_rate_limit"`
	RequestRateLimit uint32   `toml:"request_rate_limit"`
}

func applySandboxDefaults(cfg *SandboxConfig) {
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = 2048
	}
	if cfg.CPUCores == 0 {
		cfg.CPUCores = 2.0
	}
}

func applyBudgetDefaults(cfg *BudgetConfig) {
	if cfg.MaxTokensPerSession == 0 {
		cfg.MaxTokensPerSession = 500_000
	}
	if cfg.MaxTokensPerDay == 0 {
		cfg.MaxTokensPerDay = 5_000_000
	}
	if cfg.MaxToolCallsPerTurn == 0 {
		cfg.MaxToolCallsPerTurn = 20
	}
	if cfg.MaxDynamicToolsPerTurn == 0 {
		cfg.MaxDynamicToolsPerTurn = 20
	}
}

func applyEgressDefaults(cfg *EgressConfig) {
	if cfg.FetchRateLimit == 0 {
		cfg.FetchRateLimit = 30
	}
	if cfg.RequestRateLimit == 0 {
		cfg.RequestRateLimit = 10
	}
}

func applyDefaults(cfg *Config) {
	applySandboxDefaults(&cfg.Sandbox)
	applyBudgetDefaults(&cfg.Budget)
	applyEgressDefaults(&cfg.Egress)
}

// ConfigValidationError aggregates every validation issue found, matching
// the teacher's own aggregated-issues-not-first-error idiom.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	var issues []string

	if strings.TrimSpace(cfg.Models.Default) == "" {
		issues = append(issues, "models.default is required")
	}
	if strings.TrimSpace(cfg.Channels.Telegram.BotTokenEnv) == "" {
		issues = append(issues, "channels.telegram.bot_token_env is required")
	}
	if len(cfg.Channels.Telegram.AllowedUsers) == 0 {
		issues = append(issues, "channels.telegram.allowed_users must list at least one owner")
	}
	if cfg.Sandbox.MemoryMB < 0 {
		issues = append(issues, "sandbox.memory_mb must be >= 0")
	}
	if cfg.Sandbox.CPUCores < 0 {
		issues = append(issues, "sandbox.cpu_cores must be >= 0")
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}

// Load reads, applies defaults to, and validates config.toml at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// AgentConfig is the kernel-owned agent.toml: the parts of runtime state
// the kernel itself rewrites (persona text, the working directory a
// filesystem-facing tool is rooted at). It has no required fields -- an
// absent agent.toml is simply an agent that hasn't onboarded yet.
type AgentConfig struct {
	Persona      string `toml:"persona"`
	WorkspaceDir string `toml:"workspace_dir"`
}

// LoadAgentConfig reads agent.toml, returning a zero-value AgentConfig (not
// an error) when the file doesn't exist yet.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &AgentConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read agent config: %w", err)
	}
	var cfg AgentConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse agent config: %w", err)
	}
	return &cfg, nil
}

// SaveAgentConfig rewrites agent.toml atomically (write to a temp file in
// the same directory, then rename) so a crash mid-write never leaves a
// truncated file behind.
func SaveAgentConfig(path string, cfg *AgentConfig) error {
	data, err := toml.Marshal(*cfg)
	if err != nil {
		return fmt.Errorf("marshal agent config: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".agent-*.toml.tmp")
	if err != nil {
		return fmt.Errorf("create temp agent config: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp agent config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp agent config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename agent config into place: %w", err)
	}
	return nil
}

// mcpServerFile is the on-disk shape of one mcp/<name>.toml file.
type mcpServerFile struct {
	Name           string            `toml:"name"`
	Description    string            `toml:"description"`
	Label          string            `toml:"label"`
	AllowedDomains []string          `toml:"allowed_domains"`
	Transport      string            `toml:"transport"`
	URL            string            `toml:"url"`
	TimeoutSeconds int64             `toml:"timeout_seconds"`
	Auth           map[string]string `toml:"auth"`
	Server         struct {
		Command string   `toml:"command"`
		Args    []string `toml:"args"`
	} `toml:"server"`
}

// LoadMcpServerConfigs reads every mcp/*.toml file in dir into a
// types.McpServerConfig, skipping a missing directory entirely (not every
// deployment has static MCP servers configured).
func LoadMcpServerConfigs(dir string) ([]types.McpServerConfig, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read mcp config dir: %w", err)
	}

	var out []types.McpServerConfig
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var file mcpServerFile
		if err := toml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if file.Name == "" {
			file.Name = strings.TrimSuffix(entry.Name(), ".toml")
		}
		out = append(out, types.McpServerConfig{
			Name:           file.Name,
			Description:    file.Description,
			Label:          file.Label,
			AllowedDomains: file.AllowedDomains,
			Server:         types.McpServerCommand{Command: file.Server.Command, Args: file.Server.Args},
			Auth:           file.Auth,
			Transport:      file.Transport,
			URL:            file.URL,
			Timeout:        time.Duration(file.TimeoutSeconds) * time.Second,
		})
	}
	return out, nil
}
