// Command afixl runs a fuzzing-guided repair campaign against a target
// directory: fuzz, triage, propose patches, validate, and report.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/nocodenolife3742/afixl/internal/auditlog"
	"github.com/nocodenolife3742/afixl/internal/buildrun"
	"github.com/nocodenolife3742/afixl/internal/config"
	"github.com/nocodenolife3742/afixl/internal/fault"
	"github.com/nocodenolife3742/afixl/internal/lockfile"
	"github.com/nocodenolife3742/afixl/internal/orchestrator"
	"github.com/nocodenolife3742/afixl/internal/propose"
	"github.com/nocodenolife3742/afixl/internal/session"
	"github.com/nocodenolife3742/afixl/internal/source"
	"github.com/nocodenolife3742/afixl/internal/store"
	"github.com/nocodenolife3742/afixl/internal/validate"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
)

func main() {
	path := flag.String("path", "", "Target directory (config.yaml, build.sh, src/, eval/)")
	timeout := flag.Int("timeout", 360, "Campaign wall-clock budget in minutes")
	sessions := flag.Int("sessions", orchestrator.DefaultMaxConcurrent, "Max concurrently running repair sessions")
	turns := flag.Int("turns", session.DefaultTurnLimit, "Per-session turn limit")
	fuzzer := flag.String("fuzzer", "", "afl-fuzz binary (default: resolve via PATH)")
	logFormat := flag.String("log-format", "auto", "Log format: auto|json|text")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	version := flag.Bool("version", false, "Print build information and exit")
	flag.Parse()

	if *version {
		fmt.Printf("afixl %s (%s)\n", Version, Commit)
		return
	}
	if strings.TrimSpace(*path) == "" {
		flag.Usage()
		os.Exit(2)
	}

	log, err := newLogger(*logFormat, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging flags: %v\n", err)
		os.Exit(2)
	}

	cfg, err := config.Load(filepath.Clean(*path))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load target: %v\n", err)
		os.Exit(1)
	}

	report, err := run(log, cfg, *timeout, *sessions, *turns, *fuzzer)
	if report != nil {
		b, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(b))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "campaign failed: %v\n", err)
	}
	if code := exitCode(report, err); code != 0 {
		if err == nil {
			fmt.Fprintf(os.Stderr, "campaign left %d fault groups unresolved\n", report.Unresolved)
		}
		os.Exit(code)
	}
}

// exitCode maps a campaign outcome to the process exit status: 0 only when
// every discovered fault group ended with an accepted patch, 1 on a campaign
// failure, 2 when the campaign finished cleanly with unresolved groups.
func exitCode(report *orchestrator.Report, err error) int {
	if err != nil {
		return 1
	}
	if report != nil && report.Unresolved > 0 {
		return 2
	}
	return 0
}

func run(log *slog.Logger, cfg *config.Target, timeoutMin, maxSessions, turnLimit int, fuzzerPath string) (*orchestrator.Report, error) {
	apiKey, err := resolveAPIKey(cfg.LLM.Provider)
	if err != nil {
		return nil, err
	}
	provider, err := propose.NewProvider(cfg.LLM.Provider, cfg.LLM.Model, apiKey)
	if err != nil {
		return nil, err
	}
	proposer, err := propose.NewProposer(propose.Options{Logger: log, Provider: provider})
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.StateDir(), 0o700); err != nil {
		return nil, err
	}
	lock, err := lockfile.Acquire(filepath.Join(cfg.StateDir(), "campaign.lock"))
	if err != nil {
		return nil, fmt.Errorf("state directory busy: %w", err)
	}
	defer func() { _ = lock.Release() }()

	sources, err := source.NewStore(source.Options{StateDir: cfg.StateDir()})
	if err != nil {
		return nil, err
	}
	builder, err := buildrun.NewRunner(buildrun.Options{Logger: log, StateDir: cfg.StateDir()})
	if err != nil {
		return nil, err
	}
	validator, err := validate.NewValidator(validate.Options{Logger: log, Builder: builder, Sources: sources, Config: cfg})
	if err != nil {
		return nil, err
	}
	controller, err := session.NewController(session.Options{Logger: log, Proposer: proposer, Validator: validator, TurnLimit: turnLimit})
	if err != nil {
		return nil, err
	}

	sessionStore, err := store.Open(filepath.Join(cfg.StateDir(), "sessions.sqlite"))
	if err != nil {
		return nil, err
	}
	defer func() { _ = sessionStore.Close() }()

	audit, err := auditlog.New(auditlog.Options{Logger: log, StateDir: cfg.StateDir()})
	if err != nil {
		return nil, err
	}

	o, err := orchestrator.New(orchestrator.Options{
		Logger:        log,
		Config:        cfg,
		Sources:       sources,
		Builder:       builder,
		Controller:    controller,
		Sessions:      sessionStore,
		Audit:         audit,
		MaxConcurrent: maxSessions,
		Budget:        time.Duration(timeoutMin) * time.Minute,
		FuzzerPath:    fuzzerPath,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		log.Info("shutdown requested")
		cancel()
	}()

	report, runErr := o.Run(ctx)
	if runErr != nil && ctx.Err() != nil && !fault.IsInfra(runErr) {
		// Operator-requested shutdown, not a campaign failure.
		runErr = nil
	}
	return report, runErr
}

// resolveAPIKey prefers the tool-specific variable and falls back to the
// provider's conventional one.
func resolveAPIKey(provider string) (string, error) {
	if key := strings.TrimSpace(os.Getenv("AFIXL_API_KEY")); key != "" {
		return key, nil
	}
	fallback := "ANTHROPIC_API_KEY"
	if strings.TrimSpace(provider) == "openai" {
		fallback = "OPENAI_API_KEY"
	}
	if key := strings.TrimSpace(os.Getenv(fallback)); key != "" {
		return key, nil
	}
	return "", errors.New("missing API key: set AFIXL_API_KEY or " + fallback)
}

func newLogger(format string, level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "auto":
		// Human-readable on a terminal, machine-readable when piped.
		if term.IsTerminal(int(os.Stderr.Fd())) {
			h = slog.NewTextHandler(os.Stderr, opts)
		} else {
			h = slog.NewJSONHandler(os.Stderr, opts)
		}
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
