package jobs

import "errors"

var (
	// ErrQueueFull is returned by Enqueue when the tier's pending capacity is reached.
	ErrQueueFull = errors.New("queue full")

	// ErrDuplicateJob is returned by Enqueue when a live job already has the id.
	ErrDuplicateJob = errors.New("duplicate job id")

	// ErrClosed is returned by Enqueue after Shutdown has begun.
	ErrClosed = errors.New("queue is shut down")

	// ErrInterrupted is returned by Handle.Wait for a durable job that was
	// stopped by Shutdown. Its record stays in the repository for recovery.
	ErrInterrupted = errors.New("job interrupted by shutdown")

	errNoExecutor = errors.New("no executor configured")
)

// errCancelled is the error message recorded on cancelled jobs.
const errCancelled = "cancelled"

// IsQueueFull returns true if err reports tier backpressure.
func IsQueueFull(err error) bool {
	return errors.Is(err, ErrQueueFull)
}
