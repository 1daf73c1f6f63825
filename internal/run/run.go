// Package run executes target binaries on candidate inputs with a hard
// per-run timeout and classifies sanitizer-reported crashes.
package run

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds one execution of the target binary.
	DefaultTimeout = 10 * time.Second

	// maxCapturedOutput caps the retained combined output per run. Sanitizer
	// reports fit comfortably; runaway stdout does not.
	maxCapturedOutput = 256 << 10
)

// Result is the outcome of one target execution.
type Result struct {
	ExitCode int
	Output   []byte
	TimedOut bool
	Duration time.Duration
}

// Crashed reports whether the run terminated with a sanitizer-detected
// fault. A plain non-zero exit without a sanitizer report is not counted as
// a crash (the target may legitimately reject an input).
func (r *Result) Crashed() bool {
	if r == nil {
		return false
	}
	if r.ExitCode == 0 {
		return false
	}
	return HasSanitizerReport(r.Output)
}

// HasSanitizerReport reports whether output contains an ASan/UBSan error
// report.
func HasSanitizerReport(output []byte) bool {
	return bytes.Contains(output, []byte("ERROR: AddressSanitizer")) ||
		bytes.Contains(output, []byte("ERROR: UndefinedBehaviorSanitizer")) ||
		bytes.Contains(output, []byte("runtime error:"))
}

// Request describes one target execution.
type Request struct {
	// Bin is the absolute path of the target binary.
	Bin string
	// Args are passed verbatim.
	Args []string
	// Dir is the working directory for the run.
	Dir string
	// Env is the full environment; nil inherits the parent environment.
	Env []string
	// Timeout bounds the run; zero means DefaultTimeout.
	Timeout time.Duration
}

// Execute runs the target once. The process runs in its own process group
// and the whole group is killed on timeout or cancellation, so targets that
// fork cannot outlive the run. An error is returned only when the process
// could not be started or waited on; crashes and non-zero exits are reported
// through Result.
func Execute(ctx context.Context, req Request) (*Result, error) {
	bin := strings.TrimSpace(req.Bin)
	if bin == "" {
		return nil, errors.New("missing binary path")
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, bin, req.Args...)
	cmd.Dir = strings.TrimSpace(req.Dir)
	if len(req.Env) > 0 {
		cmd.Env = req.Env
	}
	configureProcessGroup(cmd)
	cmd.Cancel = func() error {
		killProcessGroup(cmd)
		return nil
	}

	var out limitedBuffer
	out.limit = maxCapturedOutput
	cmd.Stdout = &out
	cmd.Stderr = &out

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	waitErr := cmd.Wait()
	res := &Result{
		Output:   out.Bytes(),
		Duration: time.Since(started),
		TimedOut: errors.Is(runCtx.Err(), context.DeadlineExceeded),
	}

	if waitErr == nil {
		res.ExitCode = 0
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode < 0 {
			// Killed by signal (sanitizer abort, or our group kill).
			res.ExitCode = 128
		}
		return res, nil
	}
	if res.TimedOut {
		res.ExitCode = 128
		return res, nil
	}
	return nil, waitErr
}

// ConfigureProcessGroup places cmd in its own process group, so a later
// KillProcessGroup reaps forked children as well. For long-lived
// subordinates managed outside Execute.
func ConfigureProcessGroup(cmd *exec.Cmd) { configureProcessGroup(cmd) }

// KillProcessGroup force-kills cmd's whole process group.
func KillProcessGroup(cmd *exec.Cmd) { killProcessGroup(cmd) }

// limitedBuffer keeps at most limit bytes and silently drops the rest.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.buf.Len() >= b.limit {
		return len(p), nil
	}
	if room := b.limit - b.buf.Len(); len(p) > room {
		b.buf.Write(p[:room])
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) Bytes() []byte { return b.buf.Bytes() }
