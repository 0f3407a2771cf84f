package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"golang.org/x/sync/singleflight"

	perrors "git.home.luguber.info/inful/worktreed/internal/errors"
	"git.home.luguber.info/inful/worktreed/internal/logfields"
)

// CommandResult is the captured output of one git invocation.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandError is returned by Exec when git exits non-zero or cannot start.
type CommandError struct {
	Args   []string
	Dir    string
	Result CommandResult
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s (in %s): %v", Redact(strings.Join(e.Args, " ")), e.Dir, e.Err)
	if s := strings.TrimSpace(e.Result.Stderr); s != "" {
		msg += ": " + Redact(s)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// StderrOf returns the captured stderr of a CommandError anywhere in err's chain.
func StderrOf(err error) string {
	var ce *CommandError
	if errors.As(err, &ce) {
		return Redact(strings.TrimSpace(ce.Result.Stderr))
	}
	return ""
}

// Client runs repository operations. The zero value is not usable; use NewClient.
type Client struct {
	binary string
	env    []string

	repoFlight singleflight.Group
	locks      sync.Map // cleaned repo path -> *sync.Mutex

	fetchTTL  time.Duration
	fetchedMu sync.Mutex
	fetched   map[string]time.Time // path|branch -> last staleness check

	remoteAuth func(context.Context) (transport.AuthMethod, error)
}

// Option configures a Client.
type Option func(*Client)

// WithBinary overrides the git executable.
func WithBinary(path string) Option {
	return func(c *Client) {
		if path != "" {
			c.binary = path
		}
	}
}

// WithFetchTTL sets how long a staleness check for a branch is trusted before
// UpdateRemoteBranchIfStale contacts the remote again. Zero always checks.
func WithFetchTTL(d time.Duration) Option {
	return func(c *Client) { c.fetchTTL = d }
}

// WithRemoteAuth supplies credentials for remote reads made through go-git
// against http(s) remotes.
func WithRemoteAuth(fn func(context.Context) (transport.AuthMethod, error)) Option {
	return func(c *Client) { c.remoteAuth = fn }
}

// NewClient creates a Client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		binary:   "git",
		fetchTTL: 30 * time.Second,
		fetched:  make(map[string]time.Time),
		env:      []string{"GIT_TERMINAL_PROMPT=0", "LC_ALL=C"},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Exec runs git with args in dir and returns its captured output. A non-zero
// exit yields a *CommandError carrying the same result.
func (c *Client) Exec(ctx context.Context, dir string, args ...string) (CommandResult, error) {
	if len(args) == 0 {
		return CommandResult{}, errors.New("git arguments are required")
	}
	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), c.env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	slog.Debug("git command",
		slog.String("args", Redact(strings.Join(args, " "))),
		logfields.Path(dir),
		slog.Int("exit_code", res.ExitCode),
		logfields.DurationMS(float64(time.Since(start).Microseconds())/1000))
	if err != nil {
		return res, &CommandError{Args: args, Dir: dir, Result: res, Err: err}
	}
	return res, nil
}

// run executes git and converts failures to categorized git operation errors.
func (c *Client) run(ctx context.Context, op, dir string, args ...string) (string, error) {
	res, err := c.Exec(ctx, dir, args...)
	if err != nil {
		return "", perrors.GitOperationError(op, StderrOf(err), err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// OperationError wraps err as a categorized git failure carrying the
// subprocess stderr. Errors that are already categorized pass through.
func OperationError(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := perrors.AsProvision(err); ok {
		return err
	}
	return perrors.GitOperationError(op, StderrOf(err), err)
}

// ok runs git and reports whether it exited zero; errors other than a
// non-zero exit are returned.
func (c *Client) ok(ctx context.Context, dir string, args ...string) (bool, error) {
	_, err := c.Exec(ctx, dir, args...)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, err
}

func (c *Client) lock(path string) func() {
	v, _ := c.locks.LoadOrStore(filepath.Clean(path), &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

var credentialsInURL = regexp.MustCompile(`(https?://)[^/@\s]+@`)

// Redact masks credentials embedded in URLs so they never reach logs or error text.
func Redact(s string) string {
	return credentialsInURL.ReplaceAllString(s, "${1}***@")
}

// samePath compares two filesystem paths after cleaning and resolving symlinks.
func samePath(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return canonicalPath(a) == canonicalPath(b)
}

func canonicalPath(p string) string {
	p = filepath.Clean(p)
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	// The leaf may be gone; resolve the parent so prefixes still line up.
	if parent, err := filepath.EvalSymlinks(filepath.Dir(p)); err == nil {
		return filepath.Join(parent, filepath.Base(p))
	}
	return p
}
