// Package git is the Git Driver: a thin wrapper that invokes Git plumbing
// commands against one repository and surfaces their exit status and output.
//
// Every other gitvan component depends only on this package for persistence.
// The driver never retries; retry policy belongs to the caller.
//
// # Repository layout
//
// The core keeps all of its state inside the repository's ref namespace:
//
//	refs/locks/<name>            lock holder pointer -> Lock Record blob
//	refs/snapshots/<key>         snapshot header pointer -> header blob
//	refs/queue/<priority>/<id>   durable job record blob
//	refs/notes/<ns>              receipt streams (results, metrics, executions)
//
// Caller-chosen names are percent-encoded into a single ref component with
// EscapeRefComponent, so names such as "snapshot:build/linux" are valid.
package git
