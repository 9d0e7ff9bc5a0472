package locks

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when no lock with the given name is held.
var ErrNotFound = errors.New("lock not found")

// Error is a lock operation that failed for a reason other than contention.
type Error struct {
	Op   string
	Name string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("lock %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if err reports a lock that is not held.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
