package git

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
)

// Ref is one entry returned by ListRefs.
type Ref struct {
	Name string
	OID  string
}

// GetRef resolves ref to the object id it points at.
// Returns ("", false, nil) if the ref does not exist.
func (d *Driver) GetRef(ctx context.Context, ref string) (string, bool, error) {
	res, err := d.Run(ctx, nil, "rev-parse", "--verify", "-q", ref)
	if err != nil {
		if ExitCode(err) == 1 {
			return "", false, nil
		}
		return "", false, err
	}
	return strings.TrimSpace(string(res.Stdout)), true, nil
}

// CreateRefAtomic creates ref pointing at oid only if ref does not exist.
// Of N concurrent callers exactly one observes true.
func (d *Driver) CreateRefAtomic(ctx context.Context, ref, oid string) (bool, error) {
	return d.updateRef(ctx, "update-ref", "--no-deref", ref, oid, zeroOID(oid))
}

// UpdateRefCAS moves ref from expectedOld to newOID. Returns false if ref no
// longer points at expectedOld.
func (d *Driver) UpdateRefCAS(ctx context.Context, ref, newOID, expectedOld string) (bool, error) {
	if expectedOld == "" {
		return false, fmt.Errorf("update-ref %s: expected old object id is required", ref)
	}
	return d.updateRef(ctx, "update-ref", "--no-deref", ref, newOID, expectedOld)
}

// DeleteRefCAS deletes ref only if it still points at expectedOld.
func (d *Driver) DeleteRefCAS(ctx context.Context, ref, expectedOld string) (bool, error) {
	if expectedOld == "" {
		return false, fmt.Errorf("update-ref -d %s: expected old object id is required", ref)
	}
	return d.updateRef(ctx, "update-ref", "--no-deref", "-d", ref, expectedOld)
}

func (d *Driver) updateRef(ctx context.Context, args ...string) (bool, error) {
	_, err := d.Run(ctx, nil, args...)
	if err == nil {
		return true, nil
	}
	if isLockConflict(err) {
		return false, nil
	}
	return false, err
}

// ListRefs enumerates refs under prefix (e.g. "refs/locks/") sorted by name.
func (d *Driver) ListRefs(ctx context.Context, prefix string) ([]Ref, error) {
	res, err := d.Run(ctx, nil, "for-each-ref", "--sort=refname", "--format=%(objectname) %(refname)", prefix)
	if err != nil {
		return nil, err
	}

	var refs []Ref
	scanner := bufio.NewScanner(bytes.NewReader(res.Stdout))
	for scanner.Scan() {
		line := scanner.Text()
		oid, name, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		refs = append(refs, Ref{Name: name, OID: oid})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse for-each-ref output: %w", err)
	}
	return refs, nil
}

// zeroOID returns the all-zero object id matching the hash length of oid,
// which update-ref interprets as "must not exist".
func zeroOID(oid string) string {
	n := len(oid)
	if n == 0 {
		n = 40
	}
	return strings.Repeat("0", n)
}

// EscapeRefComponent encodes an arbitrary caller-chosen name into a single
// valid ref path component. Bytes outside [A-Za-z0-9_-] are written as %XX,
// which rules out '/', '.', ':' and every other character git restricts.
func EscapeRefComponent(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		if isRefSafe(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

// UnescapeRefComponent reverses EscapeRefComponent.
func UnescapeRefComponent(component string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(component); i++ {
		c := component[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(component) {
			return "", fmt.Errorf("truncated escape in ref component %q", component)
		}
		hi, ok1 := unhex(component[i+1])
		lo, ok2 := unhex(component[i+2])
		if !ok1 || !ok2 {
			return "", fmt.Errorf("invalid escape in ref component %q", component)
		}
		b.WriteByte(hi<<4 | lo)
		i += 2
	}
	return b.String(), nil
}

func isRefSafe(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-'
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
