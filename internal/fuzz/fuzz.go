// Package fuzz supervises the external fuzzer as a long-lived subordinate
// process and streams crash-triggering inputs back to the orchestrator.
//
// The fuzzer owns its output directory; this package only reads the
// crashes subdirectory. New artifacts are picked up by an fsnotify watch
// backed by a periodic rescan, since the fuzzer creates the directory
// lazily and notify events can be dropped under load.
package fuzz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/nocodenolife3742/afixl/internal/fault"
	"github.com/nocodenolife3742/afixl/internal/run"
	"github.com/nocodenolife3742/afixl/internal/triage"
)

const (
	// rescanInterval backs up the fsnotify watch; AFL++ can burst-create
	// artifacts faster than the watch delivers events.
	rescanInterval = 2 * time.Second

	// healthInterval is how often the subordinate's resource usage is
	// sampled.
	healthInterval = 15 * time.Second

	// defaultMaxRSS escalates a runaway subordinate before the OOM killer
	// takes the whole campaign down with it.
	defaultMaxRSS = 4 << 30

	// maxRestarts bounds subordinate recovery: one restart, then the
	// failure is fatal for the campaign.
	maxRestarts = 1

	crashPrefix = "id:"
)

type Options struct {
	Logger *slog.Logger

	// Binary is the fuzz-instrumented target executable.
	Binary string
	// SeedDir is the initial corpus handed to the fuzzer on first start.
	SeedDir string
	// OutDir is the fuzzer's output directory; crashes appear under
	// <OutDir>/default/crashes.
	OutDir string
	// WorkDir is the subordinate's working directory.
	WorkDir string
	// Env is extra environment for the subordinate, "K=V" form.
	Env []string

	// RevisionID tags emitted crashes with the source revision the fuzzed
	// binary was built from.
	RevisionID string

	// FuzzerPath overrides the afl-fuzz binary. Empty resolves via PATH.
	FuzzerPath string

	// MaxRSS escalates the subordinate when its resident set exceeds this
	// many bytes. Zero means defaultMaxRSS.
	MaxRSS uint64

	// OnRestart is invoked with the attempt number before the subordinate
	// is restarted after an unexpected exit. Nil is allowed.
	OnRestart func(attempt int)
}

// Manager supervises one fuzzer subordinate. Crashes are emitted on the
// channel returned by Crashes; Run blocks until the budget context is done
// or the subordinate fails fatally.
type Manager struct {
	log        *slog.Logger
	binary     string
	seedDir    string
	outDir     string
	workDir    string
	env        []string
	revisionID string
	fuzzerPath string
	maxRSS     uint64
	onRestart  func(attempt int)

	crashes chan *triage.CrashInput
	seen    map[string]struct{}
}

func NewManager(opts Options) (*Manager, error) {
	binary := strings.TrimSpace(opts.Binary)
	seedDir := strings.TrimSpace(opts.SeedDir)
	outDir := strings.TrimSpace(opts.OutDir)
	if binary == "" || seedDir == "" || outDir == "" {
		return nil, errors.New("missing Binary, SeedDir or OutDir")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	fuzzerPath := strings.TrimSpace(opts.FuzzerPath)
	if fuzzerPath == "" {
		fuzzerPath = "afl-fuzz"
	}
	maxRSS := opts.MaxRSS
	if maxRSS == 0 {
		maxRSS = defaultMaxRSS
	}
	return &Manager{
		log:        logger.With("component", "fuzz"),
		binary:     binary,
		seedDir:    seedDir,
		outDir:     outDir,
		workDir:    strings.TrimSpace(opts.WorkDir),
		env:        opts.Env,
		revisionID: strings.TrimSpace(opts.RevisionID),
		fuzzerPath: fuzzerPath,
		maxRSS:     maxRSS,
		onRestart:  opts.OnRestart,
		crashes:    make(chan *triage.CrashInput, 64),
		seen:       make(map[string]struct{}),
	}, nil
}

// Crashes is the emission channel. It is closed when Run returns.
func (m *Manager) Crashes() <-chan *triage.CrashInput {
	return m.crashes
}

// CrashDir is where the subordinate deposits crash artifacts.
func (m *Manager) CrashDir() string {
	return filepath.Join(m.outDir, "default", "crashes")
}

// Run starts the subordinate and supervises it until ctx is done. An
// unexpected subordinate exit is recovered once by restarting with the
// resume corpus; a second failure is an infrastructure fault for the whole
// campaign. A ctx cancellation (budget expiry included) is a clean stop.
func (m *Manager) Run(ctx context.Context) error {
	if m == nil {
		return errors.New("manager not initialized")
	}
	defer close(m.crashes)

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	watchDone := make(chan error, 1)
	go func() { watchDone <- m.watchCrashes(watchCtx) }()

	var lastErr error
	for attempt := 0; attempt <= maxRestarts; attempt++ {
		resume := attempt > 0
		err := m.runSubordinate(ctx, resume)
		if err == nil || ctx.Err() != nil {
			// Budget expiry or cancel: drain the watcher once more so
			// artifacts written during shutdown are not lost.
			stopWatch()
			<-watchDone
			m.drainRemaining()
			return nil
		}
		lastErr = err
		m.log.Warn("fuzzer exited unexpectedly", "attempt", attempt, "error", err)
		if attempt < maxRestarts && m.onRestart != nil {
			m.onRestart(attempt + 1)
		}
	}

	stopWatch()
	<-watchDone
	return fault.Infra("fuzzer subordinate", fmt.Errorf("failed after %d restarts: %w", maxRestarts, lastErr))
}

// runSubordinate runs one afl-fuzz invocation to completion. A resumed run
// continues from the existing output directory instead of the seed corpus.
func (m *Manager) runSubordinate(ctx context.Context, resume bool) error {
	seedArg := m.seedDir
	if resume {
		seedArg = "-"
	}
	args := []string{"-i", seedArg, "-o", m.outDir, "--", m.binary, "@@"}

	cmd := exec.CommandContext(ctx, m.fuzzerPath, args...)
	cmd.Dir = m.workDir
	cmd.Env = append(os.Environ(), "AFL_NO_UI=1")
	cmd.Env = append(cmd.Env, m.env...)
	run.ConfigureProcessGroup(cmd)
	cmd.Cancel = func() error {
		run.KillProcessGroup(cmd)
		return nil
	}

	if err := cmd.Start(); err != nil {
		return fault.Infra("start fuzzer", err)
	}
	m.log.Info("fuzzer started", "pid", cmd.Process.Pid, "resume", resume)

	healthErr := make(chan error, 1)
	healthCtx, stopHealth := context.WithCancel(ctx)
	defer stopHealth()
	go func() { healthErr <- m.watchHealth(healthCtx, int32(cmd.Process.Pid), cmd) }()

	waitErr := cmd.Wait()
	stopHealth()
	if herr := <-healthErr; herr != nil {
		return herr
	}
	if ctx.Err() != nil {
		return nil
	}
	return waitErr
}

// watchHealth samples the subordinate's resource usage and kills it when
// the resident set exceeds the configured bound. The kill surfaces as an
// unexpected exit to the supervision loop.
func (m *Manager) watchHealth(ctx context.Context, pid int32, cmd *exec.Cmd) error {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil
	}

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		mem, err := proc.MemoryInfoWithContext(ctx)
		if err != nil {
			// Process gone; Wait reports the exit.
			return nil
		}
		cpu, _ := proc.CPUPercentWithContext(ctx)
		m.log.Debug("fuzzer health", "rss", mem.RSS, "cpu_percent", cpu)

		if mem.RSS > m.maxRSS {
			m.log.Error("fuzzer over memory bound, killing", "rss", mem.RSS, "max", m.maxRSS)
			run.KillProcessGroup(cmd)
			return fault.Infra("fuzzer health", fmt.Errorf("resident set %d exceeds bound %d", mem.RSS, m.maxRSS))
		}
	}
}

// watchCrashes emits new crash artifacts until ctx is done. The crashes
// directory appears only after the fuzzer's first write, so the watch is
// (re)established lazily and a periodic rescan covers dropped events.
func (m *Manager) watchCrashes(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := m.CrashDir()
	watching := false

	ticker := time.NewTicker(rescanInterval)
	defer ticker.Stop()
	for {
		if !watching {
			if err := watcher.Add(dir); err == nil {
				watching = true
				m.scanOnce(ctx)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) {
				m.scanOnce(ctx)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("crash watch error", "error", err)
			watching = false
		case <-ticker.C:
			m.scanOnce(ctx)
		}
	}
}

// drainRemaining picks up artifacts written during shutdown. Sends are
// best-effort: the consumer may already be gone, so a full channel drops
// instead of blocking teardown.
func (m *Manager) drainRemaining() {
	entries, err := os.ReadDir(m.CrashDir())
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, crashPrefix) {
			continue
		}
		if _, ok := m.seen[name]; ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.CrashDir(), name))
		if err != nil {
			continue
		}
		m.seen[name] = struct{}{}
		select {
		case m.crashes <- &triage.CrashInput{
			ID:         "fuzz:" + name,
			Data:       data,
			RevisionID: m.revisionID,
			Origin:     name,
			FoundAt:    time.Now().UTC(),
		}:
		default:
			return
		}
	}
}

// scanOnce emits every unseen crash artifact in the crashes directory.
func (m *Manager) scanOnce(ctx context.Context) {
	entries, err := os.ReadDir(m.CrashDir())
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, crashPrefix) {
			continue
		}
		if _, ok := m.seen[name]; ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.CrashDir(), name))
		if err != nil {
			m.log.Warn("unreadable crash artifact", "name", name, "error", err)
			continue
		}
		m.seen[name] = struct{}{}

		ci := &triage.CrashInput{
			ID:         "fuzz:" + name,
			Data:       data,
			RevisionID: m.revisionID,
			Origin:     name,
			FoundAt:    time.Now().UTC(),
		}
		select {
		case m.crashes <- ci:
			m.log.Info("crash discovered", "artifact", name, "bytes", len(data))
		case <-ctx.Done():
			return
		}
	}
}
