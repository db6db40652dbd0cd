// Package main provides the CLI entry point for the Aegis kernel: the
// privacy-first runtime that extracts metadata, plans, executes tools under
// capability tokens, and synthesizes a reply for a single local principal.
//
// Aegis is a rework of the Nexus multi-channel gateway scoped down to one
// owner talking to their own runtime: every inbound message runs through
// Extract -> Plan -> Execute -> Synthesize behind a capability-scoped
// executor, a hash-chained audit log, and an egress validator, instead of
// Nexus's general-purpose multi-channel, multi-agent dispatch.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aegis-run/aegis/internal/agent/providers"
	kaudit "github.com/aegis-run/aegis/internal/kernel/audit"
	"github.com/aegis-run/aegis/internal/kernel/execute"
	"github.com/aegis-run/aegis/internal/kernel/extract"
	"github.com/aegis-run/aegis/internal/kernel/inference"
	"github.com/aegis-run/aegis/internal/kernel/journal"
	"github.com/aegis-run/aegis/internal/kernel/kconfig"
	"github.com/aegis-run/aegis/internal/kernel/mcpmanager"
	"github.com/aegis-run/aegis/internal/kernel/pipeline"
	"github.com/aegis-run/aegis/internal/kernel/policy"
	"github.com/aegis-run/aegis/internal/kernel/session"
	"github.com/aegis-run/aegis/internal/kernel/setupflow"
	"github.com/aegis-run/aegis/internal/kernel/synthesize"
	"github.com/aegis-run/aegis/internal/kernel/types"
	"github.com/aegis-run/aegis/internal/kernel/vault"
)

// version, commit, and date are set via -ldflags at release build time;
// the defaults here are what a `go build` with no flags reports.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var rootDir string

	rootCmd := &cobra.Command{
		Use:   "aegis-kernel",
		Short: "Aegis kernel: a privacy-first personal AI runtime",
		Long: `Aegis kernel runs the Extract -> Plan -> Execute -> Synthesize pipeline
for a single owner principal, behind a capability-scoped executor, a
hash-chained audit log, and an egress validator.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", defaultRootDir(), "kernel root directory (config.toml, agent.toml, mcp/, journal, audit log)")

	rootCmd.AddCommand(
		buildChatCmd(&rootDir),
		buildSetupCmd(&rootDir),
		buildDoctorCmd(&rootDir),
	)
	return rootCmd
}

func defaultRootDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aegis"
	}
	return filepath.Join(home, ".aegis")
}

// runtime bundles every component the kernel needs to run one task through
// the pipeline. Built fresh by each subcommand from the same root directory
// layout, mirroring the teacher's per-command handler construction in
// cmd/nexus/handlers*.go rather than a long-lived global.
type runtime struct {
	cfg      *kconfig.Config
	agentCfg *kconfig.AgentConfig
	journal  *journal.Journal
	auditLog *kaudit.Log
	vault    vault.Store
	mcp      *mcpmanager.Manager
	setup    *setupflow.Manager
	pipe     *pipeline.Pipeline
	sessions *session.Store
	logger   *slog.Logger
}

func newRuntime(rootDir string) (*runtime, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "kernel")

	cfg, err := kconfig.Load(filepath.Join(rootDir, "config.toml"))
	if err != nil {
		return nil, fmt.Errorf("load config.toml: %w", err)
	}
	agentCfg, err := kconfig.LoadAgentConfig(filepath.Join(rootDir, "agent.toml"))
	if err != nil {
		return nil, fmt.Errorf("load agent.toml: %w", err)
	}

	if err := os.MkdirAll(rootDir, 0o700); err != nil {
		return nil, fmt.Errorf("create root dir: %w", err)
	}
	j, err := journal.Open(filepath.Join(rootDir, "journal.db"))
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	auditFile, err := os.OpenFile(filepath.Join(rootDir, "audit.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		j.Close()
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	auditLog := kaudit.NewLog(auditFile, logger)

	secrets := vault.NewInMemory()

	mcpMgr := mcpmanager.NewManager(logger, auditFunc(auditLog))

	setupMgr := setupflow.NewManager(secrets, j, mcpMgr, auditFunc(auditLog))
	if err := setupMgr.Restore(context.Background()); err != nil {
		logger.Warn("restore pending setup flows failed", "error", err)
	}

	staticServers, err := kconfig.LoadMcpServerConfigs(filepath.Join(rootDir, "mcp"))
	if err != nil {
		logger.Warn("load static mcp server configs failed", "error", err)
	}
	for _, sc := range staticServers {
		resolver := mcpmanager.CredentialResolver(func(ref string) (string, error) {
			v, err := secrets.GetSecret(context.Background(), ref)
			if err != nil {
				return "", err
			}
			return v.Expose(), nil
		})
		if _, err := mcpMgr.SpawnServer(context.Background(), sc, resolver); err != nil {
			logger.Warn("spawn static mcp server failed", "name", sc.Name, "error", err)
		}
	}

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		logger.Warn("ANTHROPIC_API_KEY is unset; inference calls will fail")
	}
	anthropicProvider, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
		APIKey:       apiKey,
		DefaultModel: cfg.Models.Default,
	})
	if err != nil {
		auditFile.Close()
		j.Close()
		return nil, fmt.Errorf("create anthropic provider: %w", err)
	}
	proxy := inference.NewProxy(inference.NewAnthropicAdapter(anthropicProvider), inference.BudgetConfig{
		MaxTokensPerSession:    int(cfg.Budget.MaxTokensPerSession),
		MaxTokensPerDay:        int(cfg.Budget.MaxTokensPerDay),
		MaxToolCallsPerTurn:    int(cfg.Budget.MaxToolCallsPerTurn),
		MaxDynamicToolsPerTurn: int(cfg.Budget.MaxDynamicToolsPerTurn),
	})

	policyEngine := policy.NewEngine(nil, []string{"keyword"})
	registry := execute.NewRegistry()
	credentialResolver := execute.CredentialResolver(func(ref string) (string, error) {
		v, err := secrets.GetSecret(context.Background(), ref)
		if err != nil {
			return "", err
		}
		return v.Expose(), nil
	})
	executor := execute.NewExecutor(registry, policyEngine, credentialResolver, auditLog, execute.DefaultConfig())

	synth := synthesize.NewSynthesizer(proxy)
	bank := extract.NewBank(extract.KeywordExtractor{})
	pipe := pipeline.New(bank, policyEngine, executor, proxy, synth, &journalAdapter{j: j})

	return &runtime{
		cfg:      cfg,
		agentCfg: agentCfg,
		journal:  j,
		auditLog: auditLog,
		vault:    secrets,
		mcp:      mcpMgr,
		setup:    setupMgr,
		pipe:     pipe,
		sessions: session.NewStore(),
		logger:   logger,
	}, nil
}

func (r *runtime) Close() {
	for _, err := range r.mcp.ShutdownAll() {
		r.logger.Warn("shut down mcp server failed", "error", err)
	}
	r.journal.Close()
}

// auditFunc adapts a *kaudit.Log into the best-effort audit callback shape
// mcpmanager and setupflow expect, so neither package needs to handle the
// audit log's own error return.
func auditFunc(l *kaudit.Log) func(kind types.AuditKind, body map[string]any) {
	return func(kind types.AuditKind, body map[string]any) {
		if _, err := l.Append(kind, body); err != nil {
			slog.Default().Warn("audit append failed", "kind", kind, "error", err)
		}
	}
}

// journalAdapter bridges *journal.Journal's context- and timestamp-taking
// AppendConversationTurn to the narrower signature pipeline.Journal needs.
type journalAdapter struct {
	j *journal.Journal
}

func (a *journalAdapter) AppendConversationTurn(principalKey, role, content string) error {
	return a.j.AppendConversationTurn(context.Background(), principalKey, journal.ConversationRole(role), content, time.Now())
}

func buildChatCmd(rootDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive owner chat session against the kernel",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(*rootDir)
			if err != nil {
				return err
			}
			defer rt.Close()

			tmpl := pipeline.Template{
				TaskTemplate: types.TaskTemplate{
					TemplateID:  "owner-chat",
					Description: "conversational owner session",
				},
			}

			scanner := bufio.NewScanner(os.Stdin)
			fmt.Fprintln(os.Stdout, "aegis kernel chat -- type a message, or 'exit' to quit")
			for {
				fmt.Fprint(os.Stdout, "> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if line == "exit" || line == "quit" {
					return nil
				}

				principal := types.Principal{Kind: types.PrincipalOwner}
				sess := rt.sessions.Get(principal.Key())
				recentResults, history := sess.Snapshot()

				task := &types.Task{
					TaskID:       uuid.New(),
					Principal:    principal,
					AllowedTools: []string{"*"},
					MaxToolCalls: int(rt.cfg.Budget.MaxToolCallsPerTurn),
					DataCeiling:  types.LabelRegulated,
				}
				res := rt.pipe.Run(cmd.Context(), task, tmpl, line, formatToolResults(recentResults), formatHistory(history))
				if res.Err != nil {
					fmt.Fprintf(os.Stdout, "error: %v\n", res.Err)
					continue
				}
				fmt.Fprintln(os.Stdout, res.Reply)

				sess.AddTurn(session.Turn{Role: "user", Content: line})
				sess.AddTurn(session.Turn{Role: "assistant", Content: res.Reply})
				for _, step := range res.StepResults {
					if step.Err != nil {
						continue
					}
					sess.AddResult(session.ToolResult{Tool: step.Tool, Output: fmt.Sprint(step.Result)})
				}
			}
		},
	}
}

// formatToolResults and formatHistory render a session snapshot into the
// plain-text form the pipeline's planner and synthesizer prompts expect;
// the session store itself holds structured rings, not prompt text.
func formatToolResults(results []session.ToolResult) string {
	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "%s: %s\n", r.Tool, r.Output)
	}
	return b.String()
}

func formatHistory(history []session.Turn) string {
	var b strings.Builder
	for _, t := range history {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}
	return b.String()
}

func buildSetupCmd(rootDir *string) *cobra.Command {
	var service string
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Start a credential-capture setup flow for a service",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(*rootDir)
			if err != nil {
				return err
			}
			defer rt.Close()

			owner := types.Principal{Kind: types.PrincipalOwner}
			result, err := rt.setup.StartSetup(cmd.Context(), owner, service)
			if err != nil {
				return fmt.Errorf("start setup: %w", err)
			}
			fmt.Fprintln(os.Stdout, result.Message)
			if result.Outcome != setupflow.OutcomePrompted {
				return nil
			}

			scanner := bufio.NewScanner(os.Stdin)
			for {
				fmt.Fprint(os.Stdout, "> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				reply, handled, err := rt.setup.Intercept(cmd.Context(), owner, scanner.Text())
				if err != nil {
					return err
				}
				if !handled {
					fmt.Fprintln(os.Stdout, "no setup flow is waiting on that input")
					continue
				}
				fmt.Fprintln(os.Stdout, reply.Message)
				if reply.Outcome != setupflow.OutcomePrompted {
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "service name to capture credentials for")
	cmd.MarkFlagRequired("service")
	return cmd
}

func buildDoctorCmd(rootDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that the kernel root directory is readable and well-formed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := kconfig.Load(filepath.Join(*rootDir, "config.toml"))
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "root: %s\n", *rootDir)
			fmt.Fprintf(os.Stdout, "default model: %s\n", cfg.Models.Default)
			fmt.Fprintf(os.Stdout, "allowed telegram users: %d\n", len(cfg.Channels.Telegram.AllowedUsers))
			fmt.Fprintf(os.Stdout, "egress allowed domains: %d\n", len(cfg.Egress.AllowedDomains))
			return nil
		},
	}
}
