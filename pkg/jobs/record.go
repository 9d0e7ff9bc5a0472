package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/dyluth/gitvan/pkg/git"
)

// RefPrefix is the ref namespace for durable job records.
const RefPrefix = "refs/queue/"

// RefName returns the ref holding the durable record of a job.
func RefName(p Priority, id string) string {
	return RefPrefix + string(p) + "/" + git.EscapeRefComponent(id)
}

func encodeJob(j *Job) ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job %s: %w", j.ID, err)
	}
	return append(data, '\n'), nil
}

func decodeJob(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(bytes.TrimSpace(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job record: %w", err)
	}
	if err := j.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job record: %w", err)
	}
	return &j, nil
}

// createRecord writes a new durable record for j. It fails with
// ErrDuplicateJob if a record with the same id already exists in the tier.
func createRecord(ctx context.Context, drv *git.Driver, j *Job) (string, error) {
	oid, err := writeJob(ctx, drv, j)
	if err != nil {
		return "", err
	}
	ok, err := drv.CreateRefAtomic(ctx, RefName(j.Priority, j.ID), oid)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s has a durable record", ErrDuplicateJob, j.ID)
	}
	return oid, nil
}

// updateRecord moves j's ref from oldOID to a record of its current state.
// A stale old value is retried once against the freshly observed one.
// Returns the new record oid.
func updateRecord(ctx context.Context, drv *git.Driver, j *Job, oldOID string) (string, error) {
	oid, err := writeJob(ctx, drv, j)
	if err != nil {
		return "", err
	}

	ref := RefName(j.Priority, j.ID)
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := drv.UpdateRefCAS(ctx, ref, oid, oldOID)
		if err != nil {
			return "", err
		}
		if ok {
			return oid, nil
		}

		current, found, err := drv.GetRef(ctx, ref)
		if err != nil {
			return "", err
		}
		if !found {
			return "", fmt.Errorf("job record %s was removed", ref)
		}
		oldOID = current
	}
	return "", fmt.Errorf("job record %s changed concurrently", ref)
}

// deleteRecord removes j's ref if it still points at oid.
func deleteRecord(ctx context.Context, drv *git.Driver, j *Job, oid string) error {
	ref := RefName(j.Priority, j.ID)
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := drv.DeleteRefCAS(ctx, ref, oid)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		current, found, err := drv.GetRef(ctx, ref)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		oid = current
	}
	return fmt.Errorf("job record %s changed concurrently", ref)
}

func writeJob(ctx context.Context, drv *git.Driver, j *Job) (string, error) {
	data, err := encodeJob(j)
	if err != nil {
		return "", err
	}
	return drv.CreateBlob(ctx, data)
}
