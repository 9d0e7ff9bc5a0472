package receipts

import "fmt"

// maxConsecutiveFailures is the number of failed flushes for one namespace
// after which the failure is surfaced as an *Error.
const maxConsecutiveFailures = 3

// Error reports a namespace whose flushes keep failing. The buffered entries
// are still held and will be retried.
type Error struct {
	Namespace Namespace
	Failures  int
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("receipts: %d consecutive flush failures for %s: %v", e.Failures, e.Namespace, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
