package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nocodenolife3742/afixl/internal/buildrun"
	"github.com/nocodenolife3742/afixl/internal/config"
	"github.com/nocodenolife3742/afixl/internal/fault"
	"github.com/nocodenolife3742/afixl/internal/run"
	"github.com/nocodenolife3742/afixl/internal/source"
	"github.com/nocodenolife3742/afixl/internal/triage"
)

// Confirmer replays a fuzzer-reported artifact against an uninstrumented
// sanitizer build and decides whether it is a real, parseable crash.
// Fuzzer artifacts occasionally fail to reproduce outside the
// instrumentation (timing, AFL-injected environment), so nothing enters
// triage without a confirmed replay.
type Confirmer interface {
	Confirm(ctx context.Context, rev *source.Revision, crash *triage.CrashInput) (*triage.Report, bool, error)
}

// replayConfirmer caches one repro build per baseline revision.
type replayConfirmer struct {
	log     *slog.Logger
	builder *buildrun.Runner
	cfg     *config.Target
	timeout time.Duration

	mu      sync.Mutex
	revID   string
	build   *buildrun.Result
	cleanup func()
}

func newReplayConfirmer(log *slog.Logger, builder *buildrun.Runner, cfg *config.Target, timeout time.Duration) *replayConfirmer {
	if timeout <= 0 {
		timeout = run.DefaultTimeout
	}
	return &replayConfirmer{log: log, builder: builder, cfg: cfg, timeout: timeout}
}

func (c *replayConfirmer) Confirm(ctx context.Context, rev *source.Revision, crash *triage.CrashInput) (*triage.Report, bool, error) {
	if c == nil {
		return nil, false, errors.New("confirmer not initialized")
	}
	if rev == nil || crash == nil {
		return nil, false, errors.New("nil revision or crash")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureBuildLocked(ctx, rev); err != nil {
		return nil, false, err
	}

	inputDir := filepath.Join(c.build.WorkDir, ".replay")
	if err := os.MkdirAll(inputDir, 0o700); err != nil {
		return nil, false, fault.Infra("replay input dir", err)
	}
	inputPath := filepath.Join(inputDir, "input")
	if err := os.WriteFile(inputPath, crash.Data, 0o600); err != nil {
		return nil, false, fault.Infra("write replay input", err)
	}

	env := os.Environ()
	for k, v := range c.cfg.Environment.Runtime {
		env = append(env, k+"="+v)
	}
	res, err := run.Execute(ctx, run.Request{
		Bin:     c.build.Executable,
		Args:    []string{inputPath},
		Dir:     c.build.WorkDir,
		Env:     env,
		Timeout: c.timeout,
	})
	if err != nil {
		return nil, false, fault.Infra("replay crash input", err)
	}
	if !res.Crashed() {
		c.log.Info("crash did not reproduce", "crash", crash.ID, "exit", res.ExitCode, "timed_out", res.TimedOut)
		return nil, false, nil
	}

	rep, ok := triage.ParseReport(res.Output)
	if !ok {
		c.log.Warn("crash reproduced but report unparseable", "crash", crash.ID)
		return nil, false, nil
	}
	return rep, true, nil
}

// ensureBuildLocked rebuilds the replay binary when the baseline moves.
// The baseline is known-buildable, so a compile failure here is a broken
// toolchain, not a retryable condition.
func (c *replayConfirmer) ensureBuildLocked(ctx context.Context, rev *source.Revision) error {
	if c.build != nil && c.revID == rev.ID {
		return nil
	}
	if c.cleanup != nil {
		c.cleanup()
		c.build = nil
		c.cleanup = nil
	}

	res, cleanup, err := c.builder.Build(ctx, rev, c.cfg, buildrun.ProfileRepro)
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		var compileErr *buildrun.CompileError
		if errors.As(err, &compileErr) {
			return fault.Infra("replay build", fmt.Errorf("baseline revision %s does not build: %s", rev.ID, compileErr.Log))
		}
		return err
	}
	c.revID = rev.ID
	c.build = res
	c.cleanup = cleanup
	return nil
}

func (c *replayConfirmer) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleanup != nil {
		c.cleanup()
		c.build = nil
		c.cleanup = nil
	}
}
