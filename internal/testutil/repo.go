// Package testutil provides throwaway Git repositories for package tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// Repo is an isolated Git repository rooted in t.TempDir().
type Repo struct {
	T    *testing.T
	Path string
}

// NewRepo initialises a Git repository with one commit on branch "main".
func NewRepo(t *testing.T) *Repo {
	t.Helper()

	r := NewEmptyRepo(t)

	// Initial commit so HEAD resolves (receipts attach to commits)
	readme := filepath.Join(r.Path, "README.md")
	require.NoError(t, os.WriteFile(readme, []byte("# Test Project\n"), 0644))
	r.Git("add", ".")
	r.Git("commit", "-m", "Initial commit")

	return r
}

// NewEmptyRepo initialises a Git repository with no commits.
func NewEmptyRepo(t *testing.T) *Repo {
	t.Helper()

	tmpDir := t.TempDir()
	r := &Repo{T: t, Path: tmpDir}
	r.Git("init", "-q", "-b", "main")
	r.Git("config", "user.email", "test@gitvan.local")
	r.Git("config", "user.name", "Gitvan Test")
	r.Git("config", "commit.gpgsign", "false")
	return r
}

// Git runs a git command in the repository and returns trimmed stdout.
// The test fails if the command exits non-zero.
func (r *Repo) Git(args ...string) string {
	r.T.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = r.Path
	cmd.Env = gitEnv()
	out, err := cmd.Output()
	if err != nil {
		stderr := ""
		if exitErr, ok := err.(*exec.ExitError); ok {
			stderr = string(exitErr.Stderr)
		}
		require.NoError(r.T, err, "git %s failed: %s", strings.Join(args, " "), stderr)
	}
	return strings.TrimSpace(string(out))
}

// TryGit runs a git command and reports whether it exited zero.
func (r *Repo) TryGit(args ...string) (string, bool) {
	r.T.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = r.Path
	cmd.Env = gitEnv()
	out, err := cmd.Output()
	return strings.TrimSpace(string(out)), err == nil
}

// Commit creates an empty commit and returns its id.
func (r *Repo) Commit(message string) string {
	r.T.Helper()

	r.Git("commit", "--allow-empty", "-q", "-m", message)
	return r.Git("rev-parse", "HEAD")
}

// Blob writes content into the object store and returns its id.
func (r *Repo) Blob(content string) string {
	r.T.Helper()

	cmd := exec.Command("git", "hash-object", "-w", "--stdin")
	cmd.Dir = r.Path
	cmd.Env = gitEnv()
	cmd.Stdin = strings.NewReader(content)
	out, err := cmd.Output()
	require.NoError(r.T, err, "git hash-object failed")
	return strings.TrimSpace(string(out))
}

// HEAD returns the current commit id.
func (r *Repo) HEAD() string {
	r.T.Helper()
	return r.Git("rev-parse", "HEAD")
}

// RefExists reports whether ref exists.
func (r *Repo) RefExists(ref string) bool {
	r.T.Helper()
	_, ok := r.TryGit("rev-parse", "--verify", "-q", ref)
	return ok
}

// Refs lists ref names under prefix.
func (r *Repo) Refs(prefix string) []string {
	r.T.Helper()
	out := r.Git("for-each-ref", "--format=%(refname)", prefix)
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

// Note returns the note on commit under notesRef, or "" if none.
func (r *Repo) Note(notesRef, commit string) string {
	r.T.Helper()
	out, ok := r.TryGit("notes", "--ref="+notesRef, "show", commit)
	if !ok {
		return ""
	}
	return out
}

// gitEnv returns the process environment without repository overrides so a
// test run from inside a hook or worktree cannot leak into the temp repo.
func gitEnv() []string {
	var env []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "GIT_DIR=") || strings.HasPrefix(kv, "GIT_WORK_TREE=") || strings.HasPrefix(kv, "GIT_INDEX_FILE=") {
			continue
		}
		env = append(env, kv)
	}
	return append(env, "LANG=C", "LC_ALL=C")
}
