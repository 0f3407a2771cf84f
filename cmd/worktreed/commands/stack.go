package commands

import (
	"context"
	"log/slog"

	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/worktreed/internal/auth"
	"git.home.luguber.info/inful/worktreed/internal/config"
	"git.home.luguber.info/inful/worktreed/internal/detect"
	"git.home.luguber.info/inful/worktreed/internal/ensure"
	"git.home.luguber.info/inful/worktreed/internal/events"
	"git.home.luguber.info/inful/worktreed/internal/git"
	"git.home.luguber.info/inful/worktreed/internal/logfields"
	"git.home.luguber.info/inful/worktreed/internal/metrics"
	"git.home.luguber.info/inful/worktreed/internal/provision"
	"git.home.luguber.info/inful/worktreed/internal/reaper"
	"git.home.luguber.info/inful/worktreed/internal/retry"
	"git.home.luguber.info/inful/worktreed/internal/store"
	"git.home.luguber.info/inful/worktreed/internal/worktree"
)

// stack is the fully wired provisioning engine for one process.
type stack struct {
	cfg       *config.Config
	store     *store.SQLiteStore
	git       *git.Client
	detector  *detect.Detector
	resolver  *worktree.Resolver
	ensurer   *ensure.Ensurer
	reaper    *reaper.Reaper
	publisher events.Publisher
	registry  *prom.Registry
}

func openStore(ctx context.Context, cfg *config.Config) (*store.SQLiteStore, error) {
	return store.NewSQLiteStore(ctx, config.ExpandHome(cfg.Storage.Database))
}

// openStack opens the record store and wires every component from cfg.
func openStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	pub, err := events.NewPublisher(cfg.Events)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	reg := prom.NewRegistry()
	rec := metrics.NewPrometheusRecorder(reg)
	tokens := auth.NewOAuthTokenProvider(cfg.Auth)
	client := git.NewClient(
		git.WithBinary(cfg.Git.Binary),
		git.WithRemoteAuth(auth.RemoteAuthFunc(tokens)),
	)
	detector := detect.New()
	resolver := worktree.NewResolver(st, detector, worktree.DefaultsFromConfig(cfg.Workspace))
	prov := provision.New(client, st,
		provision.WithRecorder(rec),
		provision.WithPrewarm(cfg.Git.PrewarmEnabled()),
	)

	s := &stack{
		cfg:       cfg,
		store:     st,
		git:       client,
		detector:  detector,
		resolver:  resolver,
		publisher: pub,
		registry:  reg,
	}
	s.ensurer = ensure.New(st, client, resolver, prov,
		ensure.WithDetector(detector),
		ensure.WithTokenProvider(tokens),
		ensure.WithRetryPolicy(retry.FromConfig(cfg.Retry)),
		ensure.WithGitHost(cfg.Git.Host),
		ensure.WithPrewarm(cfg.Git.PrewarmEnabled()),
		ensure.WithPublisher(pub),
		ensure.WithRecorder(rec),
	)
	s.reaper = reaper.New(st, client, cfg.Daemon.ReapMaxAgeDuration(),
		reaper.WithPublisher(pub),
		reaper.WithRecorder(rec),
	)
	return s, nil
}

func (s *stack) Close() {
	if err := s.publisher.Close(); err != nil {
		slog.Warn("Failed to close event publisher", logfields.Error(err))
	}
	if err := s.store.Close(); err != nil {
		slog.Warn("Failed to close record store", logfields.Error(err))
	}
}
