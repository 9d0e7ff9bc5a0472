package git

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a Driver failure.
type ErrorKind string

const (
	// KindSpawn means the git process could not be started.
	KindSpawn ErrorKind = "spawn"

	// KindNonZeroExit means git ran and returned a non-zero exit status.
	KindNonZeroExit ErrorKind = "non_zero_exit"

	// KindTimeout means the per-command timeout elapsed and the process was killed.
	KindTimeout ErrorKind = "timeout"

	// KindCancelled means the caller's context was cancelled before git finished.
	KindCancelled ErrorKind = "cancelled"

	// KindOutputOverflow means stdout or stderr exceeded the capture buffer.
	KindOutputOverflow ErrorKind = "output_overflow"
)

var (
	// ErrCancelled matches any Driver error of kind KindCancelled via errors.Is.
	ErrCancelled = errors.New("git: operation cancelled")

	// ErrUnbornHead is returned by HeadCommit when HEAD has no commits yet.
	ErrUnbornHead = errors.New("git: HEAD does not point to a commit")

	// ErrNotRepository is returned by Open when the path is not inside a Git repository.
	ErrNotRepository = errors.New("git: not a Git repository")
)

// Error is the typed failure of a single git invocation.
// It carries enough context to reconstruct the offending command.
type Error struct {
	Kind     ErrorKind
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	cmd := "git " + strings.Join(e.Args, " ")
	switch e.Kind {
	case KindNonZeroExit:
		stderr := strings.TrimSpace(e.Stderr)
		if stderr == "" {
			return fmt.Sprintf("%s: exit status %d", cmd, e.ExitCode)
		}
		return fmt.Sprintf("%s: exit status %d: %s", cmd, e.ExitCode, stderr)
	case KindOutputOverflow:
		return fmt.Sprintf("%s: output exceeded capture buffer", cmd)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", cmd, e.Kind, e.Err)
		}
		return fmt.Sprintf("%s: %s", cmd, e.Kind)
	}
}

// Unwrap returns the underlying cause (exec error or context error).
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches ErrCancelled.
func (e *Error) Is(target error) bool {
	return target == ErrCancelled && e.Kind == KindCancelled
}

// IsCancelled returns true if err (or anything it wraps) is a cancelled Driver call.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// ExitCode returns the exit code carried by a Driver error, or -1 if err is not one.
func ExitCode(err error) int {
	var gitErr *Error
	if errors.As(err, &gitErr) && gitErr.Kind == KindNonZeroExit {
		return gitErr.ExitCode
	}
	return -1
}

// isLockConflict reports whether a failed update-ref lost a compare-and-swap race.
// Git reports every CAS mismatch, existing-ref and concurrent-writer case as
// "cannot lock ref".
func isLockConflict(err error) bool {
	var gitErr *Error
	if !errors.As(err, &gitErr) || gitErr.Kind != KindNonZeroExit {
		return false
	}
	return strings.Contains(gitErr.Stderr, "cannot lock ref")
}
