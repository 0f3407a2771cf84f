// Package ensure makes a task run's worktree exist and match its branch.
//
// Concurrent Ensure calls for the same task run share one execution: the
// first caller starts it, later callers wait on the same completion and get
// the same *Result. A started execution always runs to completion even when
// every caller has given up waiting.
package ensure

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"git.home.luguber.info/inful/worktreed/internal/auth"
	perrors "git.home.luguber.info/inful/worktreed/internal/errors"
	"git.home.luguber.info/inful/worktreed/internal/events"
	"git.home.luguber.info/inful/worktreed/internal/git"
	"git.home.luguber.info/inful/worktreed/internal/logfields"
	"git.home.luguber.info/inful/worktreed/internal/metrics"
	"git.home.luguber.info/inful/worktreed/internal/observability"
	"git.home.luguber.info/inful/worktreed/internal/provision"
	"git.home.luguber.info/inful/worktreed/internal/retry"
	"git.home.luguber.info/inful/worktreed/internal/store"
	"git.home.luguber.info/inful/worktreed/internal/workspace"
	"git.home.luguber.info/inful/worktreed/internal/worktree"
)

// Store is the record store surface used by the Ensurer.
type Store interface {
	GetTaskRun(ctx context.Context, id string) (*store.TaskRun, error)
	GetTask(ctx context.Context, id string) (*store.Task, error)
	UpdateTaskRunWorktreePath(ctx context.Context, id string, expectedVersion int64, path string) (int64, error)
	GetSourceRepoMapping(ctx context.Context, teamScope, projectFullName string) (*store.SourceRepoMapping, error)
	UpsertSourceRepoMapping(ctx context.Context, m *store.SourceRepoMapping) error
	TouchWorktree(ctx context.Context, worktreePath string) error
}

var _ Store = (*store.SQLiteStore)(nil)

// PathResolver computes the worktree layout for a repository and branch.
type PathResolver interface {
	Resolve(ctx context.Context, repoURL, branch string, opts worktree.ResolveOptions, teamScope string) (*worktree.Info, error)
}

// Provisioner creates or repairs a resolved worktree.
type Provisioner interface {
	Provision(ctx context.Context, info *worktree.Info, opts provision.Options) (*provision.Result, error)
}

// Detector finds a user's local clone of a repository.
type Detector interface {
	Detect(ctx context.Context, repoName, projectFullName string) (string, bool)
}

// Result is the outcome of one Ensure execution. Coalesced callers share the
// same pointer.
type Result struct {
	Run          *store.TaskRun
	Task         *store.Task
	WorktreePath string
	BranchName   string
	BaseBranch   string
}

type call struct {
	done    chan struct{}
	res     *Result
	err     error
	waiters int
}

// Ensurer provisions and reconciles task-run worktrees.
type Ensurer struct {
	store       Store
	repo        provision.RepoOps
	resolver    PathResolver
	provisioner Provisioner
	detector    Detector
	tokens      auth.TokenProvider
	publisher   events.Publisher
	recorder    metrics.Recorder
	policy      retry.Policy
	gitHost     string
	prewarm     bool

	mu      sync.Mutex
	pending map[string]*call
}

// Option configures an Ensurer.
type Option func(*Ensurer)

// WithDetector enables local repository auto-detection.
func WithDetector(d Detector) Option {
	return func(e *Ensurer) { e.detector = d }
}

// WithTokenProvider sets the source of the GitHub token used for clone URLs.
func WithTokenProvider(p auth.TokenProvider) Option {
	return func(e *Ensurer) { e.tokens = p }
}

// WithRetryPolicy sets the backoff used when persisting the worktree path
// loses an optimistic version race.
func WithRetryPolicy(p retry.Policy) Option {
	return func(e *Ensurer) { e.policy = p }
}

// WithGitHost sets the host used to build clone URLs from a project full
// name. An empty host keeps the default.
func WithGitHost(host string) Option {
	return func(e *Ensurer) {
		if host != "" {
			e.gitHost = host
		}
	}
}

// WithPrewarm toggles best-effort history prewarming of the base and task
// branches after every ensure.
func WithPrewarm(enabled bool) Option {
	return func(e *Ensurer) { e.prewarm = enabled }
}

// WithPublisher sets where worktree.ensured events go.
func WithPublisher(p events.Publisher) Option {
	return func(e *Ensurer) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(e *Ensurer) { e.recorder = metrics.OrNoop(r) }
}

// New wires an Ensurer.
func New(st Store, repo provision.RepoOps, resolver PathResolver, prov Provisioner, opts ...Option) *Ensurer {
	e := &Ensurer{
		store:       st,
		repo:        repo,
		resolver:    resolver,
		provisioner: prov,
		publisher:   events.NoopPublisher{},
		recorder:    metrics.NoopRecorder{},
		policy:      retry.DefaultPolicy(),
		gitHost:     "github.com",
		prewarm:     true,
		pending:     make(map[string]*call),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Ensure returns the task run's worktree, provisioning or repairing it when
// needed. ctx only bounds how long this caller waits.
func (e *Ensurer) Ensure(ctx context.Context, taskRunID, teamScope string) (*Result, error) {
	if strings.TrimSpace(taskRunID) == "" {
		return nil, perrors.ValidationFailed("taskRunId", "required")
	}

	e.mu.Lock()
	c, joined := e.pending[taskRunID]
	if joined {
		c.waiters++
		e.mu.Unlock()
		e.recorder.IncEnsureCoalesced()
		observability.DebugContext(ctx, "Joined in-flight ensure", logfields.TaskRunID(taskRunID))
	} else {
		c = &call{done: make(chan struct{}), waiters: 1}
		e.pending[taskRunID] = c
		inFlight := len(e.pending)
		e.mu.Unlock()
		e.recorder.SetEnsureInFlight(inFlight)
		go e.lead(context.WithoutCancel(ctx), taskRunID, teamScope, c)
	}

	select {
	case <-c.done:
		return c.res, c.err
	case <-ctx.Done():
		e.mu.Lock()
		if e.pending[taskRunID] == c {
			c.waiters--
		}
		e.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Waiters reports how many callers are waiting on the in-flight execution for
// taskRunID; 0 when none is running.
func (e *Ensurer) Waiters(taskRunID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.pending[taskRunID]; ok {
		return c.waiters
	}
	return 0
}

// Pending lists task runs with an in-flight execution, sorted.
func (e *Ensurer) Pending() []string {
	e.mu.Lock()
	ids := make([]string, 0, len(e.pending))
	for id := range e.pending {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (e *Ensurer) lead(ctx context.Context, taskRunID, teamScope string, c *call) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			c.res = nil
			c.err = perrors.InternalError(fmt.Sprintf("ensure panicked: %v", r), nil)
			slog.Error("Ensure panicked", logfields.TaskRunID(taskRunID), slog.Any("panic", r))
		}
		e.mu.Lock()
		delete(e.pending, taskRunID)
		inFlight := len(e.pending)
		e.mu.Unlock()
		e.recorder.SetEnsureInFlight(inFlight)

		outcome := metrics.OutcomeSuccess
		if c.err != nil {
			outcome = metrics.OutcomeFailed
		}
		e.recorder.ObserveEnsureDuration(time.Since(start), outcome)
		close(c.done)
	}()
	c.res, c.err = e.run(ctx, taskRunID, teamScope)
}

var unsafeBranchChars = regexp.MustCompile(`[^A-Za-z0-9._/-]`)

// BranchName returns the branch a run works on: its explicit branch, or
// cmux-run-<first 8 sanitized characters of the run ID>.
func BranchName(run *store.TaskRun) string {
	if b := strings.TrimSpace(run.NewBranch); b != "" {
		return unsafeBranchChars.ReplaceAllString(b, "-")
	}
	suffix := unsafeBranchChars.ReplaceAllString(run.ID, "-")
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return "cmux-run-" + suffix
}

func (e *Ensurer) run(ctx context.Context, taskRunID, teamScope string) (res *Result, err error) {
	ctx = observability.WithTaskRunID(ctx, taskRunID)
	ctx, span := observability.StartSpan(ctx, "ensure")
	defer func() { span.End(err) }()

	run, task, err := e.load(ctx, taskRunID, teamScope)
	if err != nil {
		return nil, err
	}
	if teamScope == "" {
		teamScope = run.TeamScope
	}
	ctx = observability.WithTeamScope(ctx, teamScope)

	branch := BranchName(run)
	if err := worktree.ValidateBranchName(branch); err != nil {
		return nil, err
	}
	path := run.WorktreePath
	if path != "" && !workspace.HasGitMarker(path) {
		observability.WarnContext(ctx, "Recorded worktree is missing or invalid; re-provisioning", logfields.Path(path))
		path = ""
	}

	base := strings.TrimSpace(task.BaseBranch)
	var (
		authURL string
		mode    worktree.Mode
	)
	if path == "" {
		var pres *provision.Result
		var info *worktree.Info
		info, pres, authURL, err = e.provision(ctx, run, task, branch, teamScope)
		if err != nil {
			return nil, err
		}
		mode = info.Mode
		path = pres.WorktreePath
		if base == "" {
			base = pres.BaseBranch
		}
		if run, err = e.persistPath(ctx, run, path); err != nil {
			return nil, err
		}
	}

	if base == "" {
		if base, err = e.repo.DefaultBranch(ctx, path); err != nil {
			return nil, git.OperationError("default branch", err)
		}
	}

	if err := e.reconcile(ctx, path, branch); err != nil {
		return nil, err
	}
	e.prewarmBranches(ctx, path, authURL, base, branch)

	if err := e.store.TouchWorktree(ctx, path); err != nil && !stderrors.Is(err, store.ErrNotFound) {
		e.bestEffortFailed(ctx, "touch_worktree", err)
	}
	ev := events.Event{
		Type:            events.TypeWorktreeEnsured,
		TaskRunID:       run.ID,
		TeamScope:       teamScope,
		ProjectFullName: task.ProjectFullName,
		Branch:          branch,
		BaseBranch:      base,
		WorktreePath:    path,
		Mode:            string(mode),
	}
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.bestEffortFailed(ctx, "publish_event", err)
	}

	observability.InfoContext(ctx, "Worktree ensured", logfields.Path(path), logfields.Branch(branch), logfields.BaseBranch(base))
	return &Result{Run: run, Task: task, WorktreePath: path, BranchName: branch, BaseBranch: base}, nil
}

func (e *Ensurer) load(ctx context.Context, taskRunID, teamScope string) (*store.TaskRun, *store.Task, error) {
	run, err := e.store.GetTaskRun(ctx, taskRunID)
	if err != nil {
		return nil, nil, loadError("task run", taskRunID, err)
	}
	if teamScope != "" && run.TeamScope != "" && run.TeamScope != teamScope {
		return nil, nil, loadError("task run", taskRunID, store.ErrNotFound)
	}
	task, err := e.store.GetTask(ctx, run.TaskID)
	if err != nil {
		return nil, nil, loadError("task", run.TaskID, err)
	}
	return run, task, nil
}

func loadError(kind, id string, err error) error {
	if stderrors.Is(err, store.ErrNotFound) {
		return perrors.Wrap(err, perrors.CategoryNotFound, perrors.SeverityError, kind+" not found").
			WithContext("kind", kind).
			WithContext("id", id)
	}
	return perrors.Wrap(err, perrors.CategoryPersistence, perrors.SeverityFatal, "failed to load "+kind).
		WithContext("id", id)
}

func (e *Ensurer) provision(ctx context.Context, run *store.TaskRun, task *store.Task, branch, teamScope string) (*worktree.Info, *provision.Result, string, error) {
	project := strings.TrimSpace(task.ProjectFullName)
	if project == "" {
		return nil, nil, "", perrors.ConfigurationError("Missing projectFullName to set up worktree")
	}
	repoURL := worktree.CanonicalURL(e.gitHost, project)
	authURL := e.authenticatedURL(ctx, repoURL)

	source := e.localSource(ctx, teamScope, project, worktree.RepoNameFromURL(repoURL))
	info, err := e.resolver.Resolve(ctx, repoURL, branch, worktree.ResolveOptions{LocalRepoPath: source, ProjectFullName: project}, teamScope)
	if err != nil {
		return nil, nil, "", err
	}
	observability.InfoContext(ctx, "Provisioning worktree",
		logfields.Project(project), logfields.Branch(branch), logfields.Mode(string(info.Mode)), logfields.Path(info.WorktreePath))

	res, err := e.provisioner.Provision(ctx, info, provision.Options{
		RepoURL:          repoURL,
		Branch:           branch,
		BaseBranch:       task.BaseBranch,
		AuthenticatedURL: authURL,
		TeamScope:        teamScope,
	})
	if err != nil {
		return nil, nil, "", err
	}
	if res.Repaired {
		observability.InfoContext(ctx, "Repaired worktree", logfields.Path(res.WorktreePath), logfields.TaskID(run.TaskID))
	}
	return info, res, authURL, nil
}

// authenticatedURL returns repoURL with the user's token embedded, or "" when
// no token is available. Token failures never fail the ensure.
func (e *Ensurer) authenticatedURL(ctx context.Context, repoURL string) string {
	if e.tokens == nil {
		return ""
	}
	token, err := e.tokens.GitHubOAuthToken(ctx)
	if err != nil {
		observability.WarnContext(ctx, "GitHub token unavailable; using unauthenticated URL", logfields.Error(err))
		return ""
	}
	if token == "" {
		return ""
	}
	return auth.AuthenticatedURL(repoURL, token)
}

// localSource finds the user's clone of project: a stored mapping that still
// points at a repository wins, then auto-detection, whose hit is remembered.
func (e *Ensurer) localSource(ctx context.Context, teamScope, project, repoName string) string {
	m, err := e.store.GetSourceRepoMapping(ctx, teamScope, project)
	switch {
	case err == nil && e.repo.IsValidRepository(m.LocalRepoPath):
		return m.LocalRepoPath
	case err == nil:
		observability.WarnContext(ctx, "Source repository mapping is no longer a repository", logfields.Project(project), logfields.Path(m.LocalRepoPath))
	case !stderrors.Is(err, store.ErrNotFound):
		e.bestEffortFailed(ctx, "load_source_mapping", err)
	}

	if e.detector == nil {
		return ""
	}
	path, ok := e.detector.Detect(ctx, repoName, project)
	if !ok {
		return ""
	}
	observability.InfoContext(ctx, "Detected local repository", logfields.Project(project), logfields.Path(path))
	if err := e.store.UpsertSourceRepoMapping(ctx, &store.SourceRepoMapping{
		TeamScope:       teamScope,
		ProjectFullName: project,
		LocalRepoPath:   path,
	}); err != nil {
		e.bestEffortFailed(ctx, "save_source_mapping", err)
	}
	return path
}

// persistPath records path on the run, reloading and retrying on version
// conflicts.
func (e *Ensurer) persistPath(ctx context.Context, run *store.TaskRun, path string) (*store.TaskRun, error) {
	current := run
	var updated *store.TaskRun
	err := e.policy.Do(ctx, func(err error) bool { return stderrors.Is(err, store.ErrConflict) }, func(attempt int) error {
		if attempt > 0 {
			observability.DebugContext(ctx, "Task run changed concurrently; reloading", logfields.Attempt(attempt))
			fresh, err := e.store.GetTaskRun(ctx, run.ID)
			if err != nil {
				return err
			}
			current = fresh
		}
		version, err := e.store.UpdateTaskRunWorktreePath(ctx, current.ID, current.Version, path)
		if err != nil {
			return err
		}
		next := *current
		next.WorktreePath = path
		next.Version = version
		updated = &next
		return nil
	})
	if err != nil {
		return nil, perrors.PersistenceError("update task run worktree path", err)
	}
	return updated, nil
}

// reconcile checks out branch and, when the tree is clean and the remote has
// the branch, hard-resets it to origin/<branch>.
func (e *Ensurer) reconcile(ctx context.Context, path, branch string) error {
	current, err := e.repo.CurrentBranch(ctx, path)
	if err != nil {
		return git.OperationError("rev-parse", err)
	}
	if current != branch {
		if _, err := e.repo.Exec(ctx, path, "checkout", "-b", branch); err != nil {
			if _, err := e.repo.Exec(ctx, path, "checkout", branch); err != nil {
				return git.OperationError("checkout", err)
			}
		}
	}

	if err := e.repo.UpdateRemoteBranchIfStale(ctx, path, branch); err != nil {
		e.bestEffortFailed(ctx, "update_remote_branch", err)
	}

	status, err := e.repo.Exec(ctx, path, "status", "--porcelain")
	if err != nil {
		return git.OperationError("status", err)
	}
	if strings.TrimSpace(status.Stdout) != "" {
		observability.InfoContext(ctx, "Worktree has local changes; skipping reset", logfields.Path(path), logfields.Branch(branch))
		return nil
	}
	if _, err := e.repo.Exec(ctx, path, "rev-parse", "--verify", "--quiet", "refs/remotes/origin/"+branch); err != nil {
		observability.DebugContext(ctx, "Remote branch does not exist; skipping reset", logfields.Branch(branch))
		return nil
	}
	if _, err := e.repo.Exec(ctx, path, "reset", "--hard", "origin/"+branch); err != nil {
		return git.OperationError("reset", err)
	}
	return nil
}

func (e *Ensurer) prewarmBranches(ctx context.Context, path, authURL, base, branch string) {
	if !e.prewarm {
		return
	}
	branches := []string{base}
	if branch != base {
		branches = append(branches, branch)
	}
	var g errgroup.Group
	for _, b := range branches {
		g.Go(func() error {
			if err := e.repo.PrewarmCommitHistory(ctx, path, b, authURL); err != nil {
				return fmt.Errorf("prewarm %s: %w", b, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.bestEffortFailed(ctx, "prewarm", err, logfields.Path(path))
	}
}

func (e *Ensurer) bestEffortFailed(ctx context.Context, op string, err error, attrs ...slog.Attr) {
	e.recorder.IncBestEffortFailure(op)
	attrs = append(attrs, logfields.Operation(op), logfields.Error(err))
	observability.WarnContext(ctx, "Best-effort operation failed", attrs...)
}
