package git

import (
	"context"
	"fmt"
	"strings"
)

// CreateBlob writes data into the object store and returns its object id.
// Identical content always yields the same id.
func (d *Driver) CreateBlob(ctx context.Context, data []byte) (string, error) {
	if data == nil {
		data = []byte{}
	}
	res, err := d.Run(ctx, data, "hash-object", "-w", "--stdin")
	if err != nil {
		return "", err
	}
	oid := strings.TrimSpace(string(res.Stdout))
	if oid == "" {
		return "", fmt.Errorf("git hash-object returned no object id")
	}
	return oid, nil
}

// ReadBlob returns the raw content of a blob.
func (d *Driver) ReadBlob(ctx context.Context, oid string) ([]byte, error) {
	res, err := d.Run(ctx, nil, "cat-file", "blob", oid)
	if err != nil {
		return nil, err
	}
	return res.Stdout, nil
}

// ObjectExists reports whether oid names an object in the repository.
// Uses `git cat-file -e`, which exits non-zero for missing objects.
func (d *Driver) ObjectExists(ctx context.Context, oid string) (bool, error) {
	if oid == "" {
		return false, nil
	}
	_, err := d.Run(ctx, nil, "cat-file", "-e", oid)
	if err == nil {
		return true, nil
	}
	if ExitCode(err) > 0 {
		return false, nil
	}
	return false, err
}

// HeadCommit returns the commit id HEAD resolves to.
// Returns ErrUnbornHead if the current branch has no commits.
func (d *Driver) HeadCommit(ctx context.Context) (string, error) {
	res, err := d.Run(ctx, nil, "rev-parse", "--verify", "-q", "HEAD^{commit}")
	if err != nil {
		if ExitCode(err) == 1 {
			return "", ErrUnbornHead
		}
		return "", err
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// CurrentBranch returns the short name of the checked-out branch, or "HEAD"
// when HEAD is detached.
func (d *Driver) CurrentBranch(ctx context.Context) (string, error) {
	res, err := d.Run(ctx, nil, "symbolic-ref", "--short", "-q", "HEAD")
	if err != nil {
		if ExitCode(err) == 1 {
			return "HEAD", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}
