// Package validate classifies candidate patches by rebuilding the target
// and re-executing the crashing input plus the regression corpus against the
// patched tree.
package validate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nocodenolife3742/afixl/internal/buildrun"
	"github.com/nocodenolife3742/afixl/internal/config"
	"github.com/nocodenolife3742/afixl/internal/corpus"
	"github.com/nocodenolife3742/afixl/internal/patch"
	"github.com/nocodenolife3742/afixl/internal/run"
	"github.com/nocodenolife3742/afixl/internal/source"
	"github.com/nocodenolife3742/afixl/internal/triage"
)

// Kind is the validation verdict for one candidate patch.
type Kind string

const (
	// BuildFailed covers both a diff that does not apply and a compile
	// failure of the patched tree.
	BuildFailed Kind = "build_failed"
	// CrashPersists means the original crashing input still crashes.
	CrashPersists Kind = "crash_persists"
	// RegressionBroken means a previously-passing input now fails.
	RegressionBroken Kind = "regression_broken"
	Accepted         Kind = "accepted"
)

// Outcome is immutable once computed.
type Outcome struct {
	Kind Kind

	// Reason carries the build diagnostics or crash report excerpt that
	// feeds the next turn.
	Reason string

	// FailedInputIDs lists the regression inputs that broke
	// (RegressionBroken only).
	FailedInputIDs []string

	// Revision is the patched revision (Accepted only); it becomes the new
	// baseline.
	Revision *source.Revision
}

// maxReasonBytes bounds the diagnostic text carried into the next turn.
const maxReasonBytes = 8 << 10

type Options struct {
	Logger  *slog.Logger
	Builder *buildrun.Runner
	Sources *source.Store
	Config  *config.Target

	// RunTimeout bounds one target execution. Zero means run.DefaultTimeout.
	RunTimeout time.Duration
}

type Validator struct {
	log        *slog.Logger
	builder    *buildrun.Runner
	sources    *source.Store
	cfg        *config.Target
	runTimeout time.Duration
}

func NewValidator(opts Options) (*Validator, error) {
	if opts.Builder == nil || opts.Sources == nil || opts.Config == nil {
		return nil, errors.New("missing Builder, Sources or Config")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	timeout := opts.RunTimeout
	if timeout <= 0 {
		timeout = run.DefaultTimeout
	}
	return &Validator{log: logger, builder: opts.Builder, sources: opts.Sources, cfg: opts.Config, runTimeout: timeout}, nil
}

// Validate applies cand on top of rev and classifies the result. The error
// return is reserved for infrastructure faults (check fault.IsInfra);
// everything a future turn can react to comes back as an Outcome.
func (v *Validator) Validate(ctx context.Context, rev *source.Revision, cand *patch.Candidate, crash *triage.CrashInput, regression []corpus.Entry) (Outcome, error) {
	if v == nil {
		return Outcome{}, errors.New("validator not initialized")
	}
	if rev == nil || cand == nil || crash == nil {
		return Outcome{}, errors.New("nil revision, candidate or crash")
	}

	// 1. Apply the diff.
	changed, err := cand.Apply(func(rel string) ([]byte, bool) {
		b, readErr := v.sources.ReadFile(rev, rel)
		if readErr != nil {
			return nil, false
		}
		return b, true
	})
	if err != nil {
		if errors.Is(err, patch.ErrDoesNotApply) {
			return Outcome{Kind: BuildFailed, Reason: clampReason("patch rejected: " + err.Error())}, nil
		}
		return Outcome{}, err
	}

	candidate, err := v.sources.Derive(rev, changed)
	if err != nil {
		return Outcome{}, err
	}

	// 2. Build the patched tree.
	build, cleanup, err := v.builder.Build(ctx, candidate, v.cfg, buildrun.ProfileRepro)
	if err != nil {
		var ce *buildrun.CompileError
		if errors.As(err, &ce) {
			return Outcome{Kind: BuildFailed, Reason: clampReason(ce.Log)}, nil
		}
		return Outcome{}, err
	}
	defer cleanup()

	// 3. Re-execute the crashing input.
	res, err := v.execInput(ctx, build, crash.ID, crash.Data)
	if err != nil {
		return Outcome{}, err
	}
	if res.Crashed() || res.TimedOut {
		v.log.Info("candidate rejected, crash persists", "component", "validate", "revision", candidate.ID)
		return Outcome{Kind: CrashPersists, Reason: clampReason(string(res.Output))}, nil
	}

	// 4. The regression corpus must stay quiet.
	var failed []string
	for _, entry := range regression {
		res, err := v.execInput(ctx, build, entry.ID, entry.Data)
		if err != nil {
			return Outcome{}, err
		}
		if res.Crashed() || res.TimedOut {
			failed = append(failed, entry.ID)
		}
	}
	if len(failed) > 0 {
		v.log.Info("candidate rejected, regressions broken", "component", "validate", "revision", candidate.ID, "failed", len(failed))
		return Outcome{
			Kind:           RegressionBroken,
			Reason:         fmt.Sprintf("%d previously-passing inputs now fail: %s", len(failed), strings.Join(failed, ", ")),
			FailedInputIDs: failed,
		}, nil
	}

	// 5. Accepted; the candidate revision becomes the caller's new baseline.
	v.log.Info("candidate accepted", "component", "validate", "revision", candidate.ID, "parent", rev.ID)
	return Outcome{Kind: Accepted, Revision: candidate}, nil
}

// execInput materializes one input beside the build and runs the target on
// it, mirroring how the fuzzer invokes the binary (input path argument).
func (v *Validator) execInput(ctx context.Context, build *buildrun.Result, id string, data []byte) (*run.Result, error) {
	inputDir := filepath.Join(build.WorkDir, ".inputs")
	if err := os.MkdirAll(inputDir, 0o700); err != nil {
		return nil, err
	}
	inputPath := filepath.Join(inputDir, sanitizeFileName(id))
	if err := os.WriteFile(inputPath, data, 0o600); err != nil {
		return nil, err
	}

	env := os.Environ()
	for k, val := range v.cfg.Environment.Runtime {
		env = append(env, k+"="+val)
	}
	return run.Execute(ctx, run.Request{
		Bin:     build.Executable,
		Args:    []string{inputPath},
		Dir:     build.WorkDir,
		Env:     env,
		Timeout: v.runTimeout,
	})
}

func sanitizeFileName(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return "input"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

func clampReason(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxReasonBytes {
		return s
	}
	return s[:maxReasonBytes] + "\n[diagnostics truncated]"
}
