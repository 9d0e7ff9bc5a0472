package locks

import (
	"context"
	"time"
)

// RunReaper calls CleanupExpired every interval until ctx is done.
// A non-positive interval returns immediately.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.CleanupExpired(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("locks: reaper sweep failed", "error", err)
			}
		}
	}
}
