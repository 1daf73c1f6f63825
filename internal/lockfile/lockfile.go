// Package lockfile guards a target's state directory against concurrent
// campaigns. Two campaigns sharing one state directory would race on the
// fuzzer output, the revision store and the session database.
package lockfile

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
)

// ErrAlreadyLocked indicates another process holds the campaign lock.
var ErrAlreadyLocked = errors.New("campaign lock already held")

type Lock struct {
	path string
	f    *os.File
}

// Acquire takes a non-blocking exclusive lock on path. When the lock is
// already held, the returned error wraps ErrAlreadyLocked and names the
// holder's pid when it can be read.
func Acquire(path string) (*Lock, error) {
	if path == "" {
		return nil, errors.New("lock path is empty")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrAlreadyLocked) {
			if pid, ok := holderPID(path); ok {
				return nil, fmt.Errorf("%w by pid %d", ErrAlreadyLocked, pid)
			}
		}
		return nil, err
	}

	// Best-effort: record our pid for the holder report above.
	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Sync()

	return &Lock{path: path, f: f}, nil
}

func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	// Unlock first; close always.
	unlockErr := unlockFile(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}

func holderPID(path string) (int, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(string(bytes.TrimSpace(b)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
