// Package buildrun invokes the target's build entrypoint on a revision tree
// inside a disposable work directory. It distinguishes compile failures
// (retryable, the diagnostic text feeds the next repair turn) from
// environment faults (broken toolchain or filesystem, which abort).
package buildrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nocodenolife3742/afixl/internal/config"
	"github.com/nocodenolife3742/afixl/internal/fault"
	"github.com/nocodenolife3742/afixl/internal/run"
	"github.com/nocodenolife3742/afixl/internal/source"
)

// Profile selects the instrumentation applied to a build.
type Profile string

const (
	// ProfileFuzz builds with the AFL++ compilers plus ASan/UBSan, for the
	// fuzzing campaign.
	ProfileFuzz Profile = "fuzz"

	// ProfileRepro builds with the plain compilers plus sanitizers and debug
	// info, for crash replay and patch validation.
	ProfileRepro Profile = "repro"
)

const defaultBuildTimeout = 10 * time.Minute

// CompileError reports a build that ran but failed. The diagnostic log is
// retained for proposer feedback.
type CompileError struct {
	Log string
}

func (e *CompileError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return "build failed"
}

// Result is a successful build.
type Result struct {
	// WorkDir is the disposable directory the build ran in.
	WorkDir string
	// Executable is the absolute path of the produced binary.
	Executable string
	// Log is the combined build output.
	Log string
}

type Options struct {
	Logger *slog.Logger
	// StateDir is the campaign state directory; work dirs live under
	// <StateDir>/build.
	StateDir string
	// BuildTimeout bounds one build.sh run. Zero means a safe default.
	BuildTimeout time.Duration
}

type Runner struct {
	log      *slog.Logger
	workRoot string
	timeout  time.Duration
}

func NewRunner(opts Options) (*Runner, error) {
	stateDir := strings.TrimSpace(opts.StateDir)
	if stateDir == "" {
		return nil, errors.New("missing StateDir")
	}
	workRoot := filepath.Join(stateDir, "build")
	if err := os.MkdirAll(workRoot, 0o700); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	timeout := opts.BuildTimeout
	if timeout <= 0 {
		timeout = defaultBuildTimeout
	}
	return &Runner{log: logger, workRoot: workRoot, timeout: timeout}, nil
}

// Build materializes rev in a fresh work directory, runs build.sh with the
// profile's instrumentation environment, and returns the result plus a
// cleanup function. The cleanup function must be called on every path; it is
// safe to call even when Build returns an error (it is nil only on
// environment faults that produced no directory).
//
// Error classification:
//   - *CompileError (wrapped): build.sh exited non-zero, or produced no
//     executable. Retryable at the session level.
//   - fault.InfraError: the work directory or build process could not be set
//     up at all. Non-retryable.
func (r *Runner) Build(ctx context.Context, rev *source.Revision, cfg *config.Target, profile Profile) (*Result, func(), error) {
	if r == nil {
		return nil, nil, errors.New("runner not initialized")
	}
	if rev == nil || cfg == nil {
		return nil, nil, errors.New("nil revision or config")
	}

	workDir := filepath.Join(r.workRoot, fmt.Sprintf("%s-%s-%s", rev.ID, profile, uuid.NewString()[:8]))
	cleanup := func() { _ = os.RemoveAll(workDir) }

	if err := copyRevision(rev, workDir); err != nil {
		cleanup()
		return nil, nil, fault.Infra("materialize build dir", err)
	}
	if err := copyBuildScript(cfg.BuildScript(), workDir); err != nil {
		cleanup()
		return nil, nil, fault.Infra("copy build script", err)
	}

	env := buildEnv(cfg, profile)
	r.log.Debug("build started", "component", "buildrun", "revision", rev.ID, "profile", string(profile))

	res, err := run.Execute(ctx, run.Request{
		Bin:     "/bin/sh",
		Args:    []string{"build.sh"},
		Dir:     workDir,
		Env:     env,
		Timeout: r.timeout,
	})
	if err != nil {
		cleanup()
		return nil, nil, fault.Infra("run build script", err)
	}
	log := string(res.Output)
	if res.TimedOut {
		cleanup()
		return nil, nil, fault.Infra("build", fmt.Errorf("timed out after %s", r.timeout))
	}
	if res.ExitCode != 0 {
		cleanup()
		r.log.Info("build failed", "component", "buildrun", "revision", rev.ID, "profile", string(profile), "exit_code", res.ExitCode)
		return nil, nil, fmt.Errorf("revision %s: %w", rev.ID, &CompileError{Log: log})
	}

	exe := filepath.Join(workDir, cfg.Project.Executable)
	st, statErr := os.Stat(exe)
	if statErr != nil || st.IsDir() {
		cleanup()
		return nil, nil, fmt.Errorf("revision %s: %w", rev.ID,
			&CompileError{Log: log + fmt.Sprintf("\nbuild.sh exited 0 but produced no executable %q", cfg.Project.Executable)})
	}

	r.log.Debug("build succeeded", "component", "buildrun", "revision", rev.ID, "profile", string(profile))
	return &Result{WorkDir: workDir, Executable: exe, Log: log}, cleanup, nil
}

func copyRevision(rev *source.Revision, dst string) error {
	for rel := range rev.Files {
		src := filepath.Join(rev.Dir, filepath.FromSlash(rel))
		target := filepath.Join(dst, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			return err
		}
		b, err := os.ReadFile(src)
		if err != nil {
			return err
		}
		if err := os.WriteFile(target, b, 0o600); err != nil {
			return err
		}
	}
	return nil
}

func copyBuildScript(script string, dst string) error {
	b, err := os.ReadFile(script)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dst, "build.sh"), b, 0o700)
}

// buildEnv assembles the build environment: the ambient environment, then
// the target's configured build variables, then the profile's toolchain
// variables (which win).
func buildEnv(cfg *config.Target, profile Profile) []string {
	std := strings.TrimSpace(cfg.Project.Standard)
	flags := "-Wall -Wextra -std=" + std

	toolchain := map[string]string{
		"CFLAGS":   flags,
		"CXXFLAGS": flags,
	}
	switch profile {
	case ProfileFuzz:
		toolchain["CC"] = "afl-clang-fast"
		toolchain["CXX"] = "afl-clang-fast++"
		toolchain["AFL_USE_ASAN"] = "1"
		toolchain["AFL_USE_UBSAN"] = "1"
		if cfg.IsCPP() {
			toolchain["LD"] = "afl-clang-fast++"
		} else {
			toolchain["LD"] = "afl-clang-fast"
		}
	default:
		sanitize := " -fsanitize=address,undefined -g"
		toolchain["CC"] = "gcc"
		toolchain["CXX"] = "g++"
		toolchain["CFLAGS"] = flags + sanitize
		toolchain["CXXFLAGS"] = flags + sanitize
		if cfg.IsCPP() {
			toolchain["LD"] = "g++"
		} else {
			toolchain["LD"] = "gcc"
		}
	}

	env := os.Environ()
	for k, v := range cfg.Environment.Build {
		env = append(env, k+"="+v)
	}
	for k, v := range toolchain {
		env = append(env, k+"="+v)
	}
	return env
}
