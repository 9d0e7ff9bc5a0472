package locks

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RefPrefix is the ref namespace that holds lock pointers.
const RefPrefix = "refs/locks/"

var errCorruptRecord = errors.New("corrupt lock record")

// Record is the serialized state of one held lock.
type Record struct {
	Name        string `json:"name"`
	ID          string `json:"id"`
	AcquiredAt  int64  `json:"acquired_at"`
	TimeoutMs   int64  `json:"timeout_ms"`
	Fingerprint string `json:"fingerprint"`
	Exclusive   bool   `json:"exclusive"`
	PID         int    `json:"pid"`
	Hostname    string `json:"hostname"`
}

// Expired reports whether the lock's validity window has elapsed at now.
// A record with TimeoutMs 0 is expired from the moment it is written.
func (r *Record) Expired(now time.Time) bool {
	return now.UnixMilli()-r.AcquiredAt >= r.TimeoutMs
}

// ExpiresAt returns the instant the lock becomes reapable.
func (r *Record) ExpiresAt() time.Time {
	return time.UnixMilli(r.AcquiredAt + r.TimeoutMs)
}

// Validate checks that the record carries the fields a holder needs.
func (r *Record) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.TimeoutMs < 0 {
		return fmt.Errorf("timeout_ms must be >= 0, got %d", r.TimeoutMs)
	}
	return nil
}

func encodeRecord(r *Record) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock record: %w", err)
	}
	return append(data, '\n'), nil
}

func decodeRecord(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(bytes.TrimSpace(data), &r); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptRecord, err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptRecord, err)
	}
	return &r, nil
}
