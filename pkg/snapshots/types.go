package snapshots

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// RefPrefix is the ref namespace holding snapshot headers.
const RefPrefix = "refs/snapshots/"

var (
	// ErrNotFound is returned by Get when no snapshot exists for the key.
	ErrNotFound = errors.New("snapshot not found")

	// ErrConflict means the snapshot ref kept changing under a put or delete.
	ErrConflict = errors.New("snapshot ref changed concurrently")
)

// Header describes a stored payload. It is written as its own blob and the
// snapshot ref points at it.
type Header struct {
	Key         string         `json:"key"`
	ContentHash string         `json:"content_hash"`
	Size        int64          `json:"size"`
	Timestamp   int64          `json:"timestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Commit      string         `json:"commit,omitempty"`
	Branch      string         `json:"branch,omitempty"`
}

// Snapshot is a payload together with its header.
type Snapshot struct {
	Header  Header
	Payload []byte
}

// Stats reports LRU effectiveness. Hits are lookups served from memory.
type Stats struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	Entries      int     `json:"entries"`
	SizeBytes    int64   `json:"size_bytes"`
	HitRate      float64 `json:"hit_rate"`
	MaxSizeBytes int64   `json:"max_size_bytes"`
}

// Error is a snapshot operation that failed irrecoverably.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("snapshot %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if err reports a missing snapshot.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func encodeHeader(h *Header) ([]byte, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot header: %w", err)
	}
	return append(data, '\n'), nil
}

func decodeHeader(data []byte) (*Header, error) {
	var h Header
	if err := json.Unmarshal(bytes.TrimSpace(data), &h); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot header: %w", err)
	}
	if h.Key == "" || h.ContentHash == "" {
		return nil, fmt.Errorf("snapshot header is missing key or content_hash")
	}
	return &h, nil
}
