package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultCommandTimeout bounds a single git subprocess.
	DefaultCommandTimeout = 30 * time.Second

	// DefaultMaxBufferBytes bounds captured stdout and stderr per subprocess.
	DefaultMaxBufferBytes = 12 << 20

	defaultIdentityName  = "gitvan"
	defaultIdentityEmail = "gitvan@localhost"
)

var tracer = otel.Tracer("github.com/dyluth/gitvan/pkg/git")

// Identity is the author/committer recorded on commits git creates on our
// behalf (notes commits).
type Identity struct {
	Name  string
	Email string
}

// Options configures a Driver.
type Options struct {
	// CommandTimeout is the per-subprocess timeout. Default: 30s.
	CommandTimeout time.Duration
	// MaxBufferBytes caps captured stdout/stderr. Default: 12 MiB.
	MaxBufferBytes int
	// KillOnCancel kills outstanding subprocesses when the caller's context is
	// cancelled. When false the subprocess runs to completion and its result is
	// discarded.
	KillOnCancel bool
	// Identity used for notes commits. Default: gitvan <gitvan@localhost>.
	Identity Identity
	// GitBinary overrides the git executable. Default: "git" resolved on PATH.
	GitBinary string
}

func (o *Options) defaults() {
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	if o.MaxBufferBytes <= 0 {
		o.MaxBufferBytes = DefaultMaxBufferBytes
	}
	if o.Identity.Name == "" {
		o.Identity.Name = defaultIdentityName
	}
	if o.Identity.Email == "" {
		o.Identity.Email = defaultIdentityEmail
	}
	if o.GitBinary == "" {
		o.GitBinary = "git"
	}
}

// Result is the captured outcome of one git invocation.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Driver is the Repository Handle: a resolved work tree and Git directory plus
// the deterministic environment every subprocess runs with.
// A Driver is safe for concurrent use.
type Driver struct {
	workTree string
	gitDir   string
	opts     Options
	path     string
	home     string
}

// Open validates that repoPath is inside a Git repository and returns a Driver
// bound to it. The repository root and Git directory are resolved once.
func Open(ctx context.Context, repoPath string, opts Options) (*Driver, error) {
	opts.defaults()

	absPath, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repository path: %w", err)
	}
	if _, err := os.Stat(absPath); err != nil {
		return nil, fmt.Errorf("failed to stat repository path: %w", err)
	}

	d := &Driver{
		workTree: absPath,
		opts:     opts,
		path:     os.Getenv("PATH"),
		home:     os.Getenv("HOME"),
	}

	res, err := d.Run(ctx, nil, "rev-parse", "--absolute-git-dir")
	if err != nil {
		var gitErr *Error
		if errors.As(err, &gitErr) && gitErr.Kind == KindNonZeroExit {
			return nil, fmt.Errorf("%w: %s", ErrNotRepository, absPath)
		}
		return nil, err
	}
	d.gitDir = strings.TrimSpace(string(res.Stdout))

	// Bare repositories have no work tree; keep the given path as the handle's root.
	if res, err := d.Run(ctx, nil, "rev-parse", "--show-toplevel"); err == nil {
		if top := strings.TrimSpace(string(res.Stdout)); top != "" {
			d.workTree = top
		}
	}

	return d, nil
}

// WorkTree returns the repository root the driver runs commands in.
func (d *Driver) WorkTree() string {
	return d.workTree
}

// GitDir returns the absolute path of the repository's Git directory.
func (d *Driver) GitDir() string {
	return d.gitDir
}

// environ builds a fresh environment for one subprocess. Nothing is inherited
// from the parent except PATH and HOME captured at Open.
func (d *Driver) environ() []string {
	id := d.opts.Identity
	return []string{
		"PATH=" + d.path,
		"HOME=" + d.home,
		"LANG=C",
		"LC_ALL=C",
		"TZ=UTC",
		"GIT_TERMINAL_PROMPT=0",
		"GIT_AUTHOR_NAME=" + id.Name,
		"GIT_AUTHOR_EMAIL=" + id.Email,
		"GIT_COMMITTER_NAME=" + id.Name,
		"GIT_COMMITTER_EMAIL=" + id.Email,
	}
}

// Run executes git with args in the repository root. stdin may be nil.
//
// A non-zero exit returns both the Result and an *Error of kind
// KindNonZeroExit. If ctx is cancelled the call returns an *Error of kind
// KindCancelled; the subprocess is killed only when KillOnCancel is set.
func (d *Driver) Run(ctx context.Context, stdin []byte, args ...string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: KindCancelled, Args: args, Err: err}
	}

	ctx, span := tracer.Start(ctx, "git "+subcommand(args),
		trace.WithAttributes(attribute.StringSlice("git.args", args)))
	defer span.End()

	res, err := d.run(ctx, stdin, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if res != nil {
		span.SetAttributes(attribute.Int("git.exit_code", res.ExitCode))
	}
	return res, err
}

func (d *Driver) run(ctx context.Context, stdin []byte, args []string) (*Result, error) {
	base := ctx
	if !d.opts.KillOnCancel {
		base = context.WithoutCancel(ctx)
	}
	runCtx, cancel := context.WithTimeout(base, d.opts.CommandTimeout)

	cmd := exec.CommandContext(runCtx, d.opts.GitBinary, args...)
	cmd.Dir = d.workTree
	cmd.Env = d.environ()
	cmd.WaitDelay = time.Second
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	stdout := newBoundedBuffer(d.opts.MaxBufferBytes)
	stderr := newBoundedBuffer(d.opts.MaxBufferBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &Error{Kind: KindSpawn, Args: args, ExitCode: -1, Err: err}
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
		cancel()
	}()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		if !d.opts.KillOnCancel {
			// The subprocess keeps running; its result is discarded.
			return nil, &Error{Kind: KindCancelled, Args: args, ExitCode: -1, Err: ctx.Err()}
		}
		<-done
		return nil, &Error{Kind: KindCancelled, Args: args, ExitCode: -1, Err: ctx.Err()}
	}

	res := &Result{
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.ExitCode = -1
		return res, &Error{Kind: KindTimeout, Args: args, ExitCode: -1, Stderr: string(res.Stderr), Err: runCtx.Err()}
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, &Error{Kind: KindNonZeroExit, Args: args, ExitCode: res.ExitCode, Stderr: string(res.Stderr), Err: waitErr}
		}
		res.ExitCode = -1
		return res, &Error{Kind: KindSpawn, Args: args, ExitCode: -1, Stderr: string(res.Stderr), Err: waitErr}
	}

	if stdout.overflowed || stderr.overflowed {
		return res, &Error{Kind: KindOutputOverflow, Args: args, Stderr: string(res.Stderr)}
	}

	return res, nil
}

// subcommand returns the first non-flag argument, used to name trace spans.
func subcommand(args []string) string {
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			return a
		}
	}
	return ""
}
