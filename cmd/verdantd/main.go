// Verdantd is a gardening assistant daemon.
//
// It runs a daily AI analysis pipeline over the user's gardens (one
// queued job per zone, fanned out by an in-process cron), executes the
// model's proposed care tasks, and serves an HTTP chat API where the
// same action vocabulary is available conversationally. Configuration
// is loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	verdantd serve       Start the daemon
//	verdantd init [dir]  Write a default config.yaml
//	verdantd version     Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/verdant-garden/verdant/internal/action"
	"github.com/verdant-garden/verdant/internal/api"
	"github.com/verdant-garden/verdant/internal/buildinfo"
	"github.com/verdant-garden/verdant/internal/chat"
	"github.com/verdant-garden/verdant/internal/config"
	"github.com/verdant-garden/verdant/internal/database"
	"github.com/verdant-garden/verdant/internal/garden"
	"github.com/verdant-garden/verdant/internal/jobs"
	"github.com/verdant-garden/verdant/internal/keys"
	"github.com/verdant-garden/verdant/internal/llm"
	"github.com/verdant-garden/verdant/internal/queue"
	"github.com/verdant-garden/verdant/internal/usage"
	"github.com/verdant-garden/verdant/internal/weather"
)

// main constructs the OS-level environment and delegates to [run] so
// the full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand; the flag
// package relies on package-level globals, which interferes with
// calling run concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Verdant - Gardening Assistant Daemon")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: verdantd [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the daemon")
	fmt.Fprintln(w, "  init [dir]   Write a default config.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

const defaultConfigYAML = `# Verdant configuration
listen:
  address: ""
  port: 8080

data_dir: data
log_level: info

models:
  anthropic: claude-sonnet-4-20250514
  openai: gpt-4o-mini

analysis:
  daily_at: "06:00"
  timezone: ""
  request_timeout_sec: 120
  max_attempts: 3

weather:
  temperature_unit: celsius

keys:
  # Required before any user can store a provider API key.
  master_key: "${VERDANT_MASTER_KEY}"
`

// runInit writes a starter config.yaml into dir. Refuses to overwrite
// an existing file.
func runInit(stdout io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, not overwriting", path)
	}

	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	fmt.Fprintf(stdout, "Wrote %s\n", path)
	return nil
}

// runServe is the primary operating mode: loads config, opens the
// databases, wires the analysis pipeline and chat service, starts the
// cron, worker, and API server, then blocks until a shutdown signal.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The HTTP server drains in-flight requests
//  3. Cron and worker stop (the worker finishes its current job)
//  4. Database connections are closed via defers
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Verdant", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"daily_at", cfg.Analysis.DailyAt,
		"data_dir", cfg.DataDir,
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Garden database ---
	// Gardens, zones, plants, sensors, tasks, care logs, and analysis
	// results. Migrated with goose on open.
	db, err := database.Open(filepath.Join(cfg.DataDir, "garden.db"))
	if err != nil {
		return fmt.Errorf("open garden database: %w", err)
	}
	defer db.Close()
	gardens := garden.NewStore(db)

	// --- Job queue ---
	queueStore, err := queue.NewStore(filepath.Join(cfg.DataDir, "queue.db"))
	if err != nil {
		return fmt.Errorf("open queue database: %w", err)
	}
	defer queueStore.Close()

	// --- Encrypted key store ---
	// Optional: without a master key, users cannot store provider keys
	// and all scheduled analyses are skipped.
	var keyStore *keys.Store
	if cfg.Keys.MasterKey != "" {
		keyStore, err = keys.NewStore(filepath.Join(cfg.DataDir, "keys.db"), cfg.Keys.MasterKey)
		if err != nil {
			return fmt.Errorf("open key store: %w", err)
		}
		defer keyStore.Close()
	} else {
		logger.Warn("keys.master_key not set - provider API keys cannot be stored")
	}

	chatStore, err := chat.NewStore(filepath.Join(cfg.DataDir, "chat.db"))
	if err != nil {
		return fmt.Errorf("open chat database: %w", err)
	}
	defer chatStore.Close()

	usageStore, err := usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return fmt.Errorf("open usage database: %w", err)
	}
	defer usageStore.Close()

	// --- Pipeline components ---
	weatherSvc := weather.NewService(cfg.Weather.TemperatureUnit, logger)
	resolver := llm.NewResolver(keySource(keyStore), cfg.Models, logger)
	engine := action.NewEngine(gardens, logger)

	orchestrator := jobs.New(gardens, queueStore, weatherSvc, resolver, usageStore, engine, cfg.Analysis, logger)

	worker := queue.NewWorker(queueStore, cfg.Analysis.MaxAttempts, logger)
	orchestrator.Register(worker)
	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	defer worker.Stop()

	cron, err := queue.NewCron(queueStore, cfg.Analysis.DailyAt, cfg.Analysis.Timezone, logger)
	if err != nil {
		return fmt.Errorf("configure daily trigger: %w", err)
	}
	cron.Start(ctx)
	defer cron.Stop()

	// --- Chat service and API server ---
	timeout := time.Duration(cfg.Analysis.RequestTimeoutOrDefault()) * time.Second
	chatSvc := chat.NewService(chatStore, gardens, resolver, engine, usageStore, timeout, logger)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, chatSvc, gardens, keyStore, logger)

	// SIGINT/SIGTERM cancellation flows through the same ctx used by
	// the worker and cron.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	// Blocks until the server is shut down.
	if err := server.Start(); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Verdant stopped")
	return nil
}

// keySource adapts a possibly-nil key store to the resolver interface.
// With no store configured, every lookup reports a missing key and the
// resolver declines with [llm.ErrNoProvider].
func keySource(s *keys.Store) llm.KeySource {
	if s == nil {
		return noKeys{}
	}
	return s
}

type noKeys struct{}

func (noKeys) Get(ctx context.Context, userID, provider string) (string, error) {
	return "", fmt.Errorf("key store not configured: %w", llm.ErrNoKey)
}

// newLogger creates a structured text logger writing to w at the given
// level. All log output goes through slog; this standardizes handler
// configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used. Otherwise
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
