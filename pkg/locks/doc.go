// Package locks implements named mutual-exclusion locks stored as Git refs.
//
// A lock named N is held while refs/locks/<escaped N> exists. The ref points
// at a blob holding the Lock Record as one line of JSON. Every transition is a
// compare-and-swap on that ref, so acquisitions on the same name are
// linearizable across processes sharing the repository. No in-memory state is
// authoritative.
//
// Contention is reported as a false return, never as an error:
//
//	ok, err := m.Acquire(ctx, "build", locks.Options{TimeoutMs: 60000, Fingerprint: fp})
//	if err != nil {
//	    return err // Git failure
//	}
//	if !ok {
//	    return nil // someone else holds it
//	}
//	defer m.Release(ctx, "build", fp)
package locks
