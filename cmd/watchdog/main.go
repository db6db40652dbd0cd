// Package main provides the CLI entry point for the Aegis watchdog: a
// separate, simpler process that tails the kernel's logs and health file,
// detects known failure patterns, applies bounded auto-fixes, and rolls out
// signed self-updates during idle windows.
//
// The watchdog never imports anything from internal/kernel -- it only reads
// the kernel's logs, health.json, and pid file from the filesystem, so a
// compromised or wedged kernel process can never reach back into the
// process meant to supervise it.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aegis-run/aegis/internal/watchdog/fix"
	"github.com/aegis-run/aegis/internal/watchdog/notify"
	"github.com/aegis-run/aegis/internal/watchdog/statedb"
	"github.com/aegis-run/aegis/internal/watchdog/stats"
	"github.com/aegis-run/aegis/internal/watchdog/supervisor"
	"github.com/aegis-run/aegis/internal/watchdog/update"
	"github.com/aegis-run/aegis/internal/watchdog/watcher"
	"github.com/aegis-run/aegis/internal/watchdog/wconfig"
)

// version, commit, and date are set via -ldflags at release build time.
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
	var kernelRoot string

	rootCmd := &cobra.Command{
		Use:   "aegis-watchdog",
		Short: "Aegis watchdog: health monitor, auto-fixer, and updater for the kernel process",
		Long: `Aegis watchdog runs alongside the kernel, reading its logs and health
file from the outside, detecting known failure patterns, applying
bounded auto-fixes, and rolling out signed self-updates during idle
windows.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&kernelRoot, "kernel-root", defaultKernelRoot(), "kernel root directory (logs/, health.json, kernel.pid)")

	rootCmd.AddCommand(
		buildStartCmd(&kernelRoot),
		buildCheckCmd(&kernelRoot),
		buildUpdateCmd(&kernelRoot),
	)
	return rootCmd
}

func defaultKernelRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aegis"
	}
	return filepath.Join(home, ".aegis")
}

// paths derives every file the watchdog touches from one kernel root,
// mirroring kconfig's single-root-directory layout on the kernel side.
type paths struct {
	root       string
	logsDir    string
	healthFile string
	pidFile    string
	configFile string
	stateDB    string
	updatesDir string
	pendingDir string
}

func derivePaths(kernelRoot string) paths {
	return paths{
		root:       kernelRoot,
		logsDir:    filepath.Join(kernelRoot, "logs"),
		healthFile: filepath.Join(kernelRoot, "health.json"),
		pidFile:    filepath.Join(kernelRoot, "kernel.pid"),
		configFile: filepath.Join(kernelRoot, "flatline.toml"),
		stateDB:    filepath.Join(kernelRoot, "watchdog-state.db"),
		updatesDir: filepath.Join(kernelRoot, "updates"),
		pendingDir: filepath.Join(kernelRoot, "updates", "pending"),
	}
}

// buildSupervisor wires every watchdog collaborator from one kernel root.
// Shared by the start and check subcommands so both drive the exact same
// Deps construction.
func buildSupervisor(p paths, logger *slog.Logger) (*supervisor.Supervisor, *statedb.DB, error) {
	cfg, err := wconfig.Load(p.configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load watchdog config: %w", err)
	}

	db, err := statedb.Open(p.stateDB)
	if err != nil {
		return nil, nil, fmt.Errorf("open watchdog state db: %w", err)
	}

	w := watcher.New(p.logsDir, p.healthFile)
	statsEngine := stats.New(db)

	var notifier notify.Notifier
	if cfg.Telegram.BotTokenEnv != "" && len(cfg.Telegram.NotifyUsers) > 0 {
		tgNotifier, err := notify.NewTelegramNotifier(cfg.Telegram, cfg.Reports)
		if err != nil {
			logger.Warn("telegram notifier disabled", "error", err)
			notifier = notify.NoopNotifier{}
		} else {
			notifier = tgNotifier
		}
	} else {
		notifier = notify.NoopNotifier{}
	}

	target := fmt.Sprintf("%s-%s", runtime.GOOS, runtime.GOARCH)
	updater := update.New(cfg.Update, update.Paths{
		UpdatesDir:   p.updatesDir,
		PendingDir:   p.pendingDir,
		BinaryName:   "aegis-watchdog",
		CurrentExe:   currentExe(),
		KernelPid:    p.pidFile,
		KernelBinary: "aegis-kernel",
	}, target)

	sup := supervisor.New(supervisor.Deps{
		Config:            cfg,
		Watcher:           w,
		Stats:             statsEngine,
		DB:                db,
		Notifier:          notifier,
		Updater:           updater,
		FixPaths:          fixPaths(p),
		GitLogDir:         filepath.Join(p.root, "scripts"),
		PidPath:           p.pidFile,
		Logger:            logger,
		CurrentVersion:    version,
		KernelComponent:   "kernel",
		WatchdogComponent: "watchdog",
	})
	return sup, db, nil
}

func fixPaths(p paths) fix.Paths {
	return fix.Paths{
		RootDir:         p.root,
		ScriptsDir:      filepath.Join(p.root, "scripts"),
		ToolsDir:        filepath.Join(p.root, "tools"),
		AgentConfigPath: filepath.Join(p.root, "agent.toml"),
		LogsDir:         p.logsDir,
		PidPath:         p.pidFile,
		KernelBinary:    "aegis-kernel",
	}
}

func currentExe() string {
	exe, err := os.Executable()
	if err != nil {
		return "aegis-watchdog"
	}
	return exe
}

func buildStartCmd(kernelRoot *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the watchdog daemon loop until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "watchdog")

			p := derivePaths(*kernelRoot)
			sup, db, err := buildSupervisor(p, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- sup.Run(ctx) }()

			select {
			case <-ctx.Done():
				logger.Info("shutting down on signal")
				return nil
			case err := <-errCh:
				if err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			}
		},
	}
}

func buildCheckCmd(kernelRoot *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run a single watchdog tick and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "watchdog")

			p := derivePaths(*kernelRoot)
			sup, db, err := buildSupervisor(p, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			return sup.Tick(cmd.Context())
		},
	}
}

func buildUpdateCmd(kernelRoot *string) *cobra.Command {
	var checkOnly bool
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Check for and optionally apply a watchdog/kernel update",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "watchdog")

			p := derivePaths(*kernelRoot)
			cfg, err := wconfig.Load(p.configFile)
			if err != nil {
				return fmt.Errorf("load watchdog config: %w", err)
			}

			target := fmt.Sprintf("%s-%s", runtime.GOOS, runtime.GOARCH)
			updater := update.New(cfg.Update, update.Paths{
				UpdatesDir:   p.updatesDir,
				PendingDir:   p.pendingDir,
				BinaryName:   "aegis-watchdog",
				CurrentExe:   currentExe(),
				KernelPid:    p.pidFile,
				KernelBinary: "aegis-kernel",
			}, target)

			release, err := updater.CheckForUpdate(cmd.Context(), version)
			if err != nil {
				return fmt.Errorf("check for update: %w", err)
			}
			if release == nil {
				fmt.Fprintln(os.Stdout, "already up to date")
				return nil
			}
			fmt.Fprintf(os.Stdout, "update available: %s\n", release.Version)
			if checkOnly {
				return nil
			}

			if err := updater.DownloadRelease(cmd.Context(), release, []string{"kernel", "watchdog"}); err != nil {
				return fmt.Errorf("download release: %w", err)
			}

			w := watcher.New(p.logsDir, p.healthFile)
			healthy, err := updater.ApplyUpdate(cmd.Context(), release, w)
			if err != nil {
				return fmt.Errorf("apply update: %w", err)
			}
			if !healthy {
				fmt.Fprintln(os.Stdout, "update rolled back: kernel did not become healthy")
				return nil
			}

			fmt.Fprintln(os.Stdout, "kernel updated and healthy; restarting watchdog on the new binary")
			if err := updater.SelfUpdate(release, "watchdog"); err != nil {
				logger.Error("self update failed", "error", err)
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&checkOnly, "check", false, "only check for an update, don't download or apply it")
	return cmd
}
