// Package fault carries the error taxonomy shared across the repair
// pipeline. Infrastructure faults (broken toolchain, unreachable services,
// dead fuzzer) are non-retryable within a repair session and must surface to
// the orchestrator; everything else is an ordinary rejected attempt.
package fault

import (
	"errors"
	"fmt"
)

// InfraError marks a non-retryable infrastructure failure.
type InfraError struct {
	Op  string
	Err error
}

func (e *InfraError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil {
		return fmt.Sprintf("infrastructure fault: %s", e.Op)
	}
	return fmt.Sprintf("infrastructure fault: %s: %v", e.Op, e.Err)
}

func (e *InfraError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Infra wraps err as an infrastructure fault attributed to op.
func Infra(op string, err error) error {
	return &InfraError{Op: op, Err: err}
}

// IsInfra reports whether err (or anything it wraps) is an infrastructure
// fault.
func IsInfra(err error) bool {
	var ie *InfraError
	return errors.As(err, &ie)
}
