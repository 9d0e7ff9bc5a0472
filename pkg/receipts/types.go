package receipts

import (
	"fmt"
	"strings"
)

// Namespace names one of the fixed receipt streams.
type Namespace string

const (
	Results    Namespace = "results"
	Metrics    Namespace = "metrics"
	Executions Namespace = "executions"
)

// Namespaces lists every receipt stream in flush order.
var Namespaces = []Namespace{Results, Metrics, Executions}

// NotesRef returns the notes ref the namespace appends to.
func (n Namespace) NotesRef() string {
	return "refs/notes/" + string(n)
}

// Validate checks that n is one of the fixed namespaces.
func (n Namespace) Validate() error {
	switch n {
	case Results, Metrics, Executions:
		return nil
	}
	return fmt.Errorf("unknown receipt namespace %q", n)
}

// ResultEntry records the outcome of a hook or job.
type ResultEntry struct {
	HookID    string         `json:"hook_id"`
	Timestamp int64          `json:"timestamp"`
	Result    any            `json:"result"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Commit    string         `json:"commit"`
	Branch    string         `json:"branch"`
}

// MetricEntry records one or more metric samples. Values are numbers or strings.
type MetricEntry struct {
	Timestamp int64          `json:"timestamp"`
	Commit    string         `json:"commit"`
	Branch    string         `json:"branch"`
	Values    map[string]any `json:"values"`
}

// ExecutionEntry records a trace of one execution.
type ExecutionEntry struct {
	ExecutionID string `json:"execution_id"`
	Timestamp   int64  `json:"timestamp"`
	Commit      string `json:"commit"`
	Branch      string `json:"branch"`
	Details     any    `json:"details"`
}

func validateMetricValues(values map[string]any) error {
	if len(values) == 0 {
		return fmt.Errorf("at least one metric value is required")
	}
	for name, v := range values {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("metric name cannot be empty")
		}
		switch v.(type) {
		case string, int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64, float32, float64:
		default:
			return fmt.Errorf("metric %q: value must be a number or string, got %T", name, v)
		}
	}
	return nil
}
