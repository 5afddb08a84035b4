package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloudnetproc/internal/catalog"
	"cloudnetproc/internal/config"
	"cloudnetproc/internal/db"
	"cloudnetproc/internal/dispatch"
	"cloudnetproc/internal/domain"
	"cloudnetproc/internal/engine"
	"cloudnetproc/internal/events"
	"cloudnetproc/internal/lock"
	"cloudnetproc/internal/metadata"
	"cloudnetproc/internal/metrics"
	"cloudnetproc/internal/migrate"
	"cloudnetproc/internal/notify"
	"cloudnetproc/internal/processing"
	"cloudnetproc/internal/repo"
	"cloudnetproc/internal/resolver"
	"cloudnetproc/internal/storage"
)

// Options selects the workspace and config file of a run.
type Options struct {
	Workspace  string
	ConfigPath string
	// OwnerID names this process in leases and queue claims; defaults to host:pid.
	OwnerID string
	Logger  *slog.Logger
	// Store replaces the configured metadata store.
	Store metadata.Store
	Now   func() time.Time
}

// Services holds every component of a configured workspace.
type Services struct {
	Config     *config.Config
	Catalog    *catalog.Catalog
	DB         *sql.DB
	Repo       repo.Repo
	Store      metadata.Store
	Artifacts  storage.ArtifactStore
	Resolver   *resolver.Resolver
	Engine     *engine.Engine
	Dispatcher *dispatch.Dispatcher
	Publisher  dispatch.Publisher
	Events     events.Writer
	Metrics    *metrics.Metrics
	Notifier   notify.Notifier
	OwnerID    string
	Logger     *slog.Logger
}

// LoadConfig reads the config file of a workspace. Every failure is a configuration error.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if path == "" {
		path = config.Path(workspace)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, domain.WrapConfig(err, "load config %s: %v", path, err)
	}
	return cfg, nil
}

// Open loads the config, migrates the workspace database and wires the services.
func Open(ctx context.Context, opts Options) (*Services, error) {
	cfg, err := LoadConfig(opts.Workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, opts)
}

// New wires the services for an already loaded config.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Services, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	owner := opts.OwnerID
	if owner == "" {
		owner = defaultOwnerID()
	}
	cat, err := catalog.New(cfg)
	if err != nil {
		return nil, domain.WrapConfig(err, "product catalog: %v", err)
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open workspace db: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	r := repo.Repo{DB: conn}

	store := opts.Store
	if store == nil {
		store = newStore(cfg, logger)
	}
	artifacts, err := newArtifacts(ctx, cfg, opts.Workspace, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}

	m := metrics.New()
	ev := events.Writer{DB: conn, ActorID: owner, Now: now}
	var notifier notify.Notifier = notify.Nop{}
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhook(cfg.Notify.WebhookURL, cfg.Notify.Timeout, logger)
	}

	res := resolver.New(cfg, cat, store, logger)
	res.Now = now
	collab := newCommand(cfg, cat, logger)
	eng := &engine.Engine{
		Store:        store,
		Artifacts:    artifacts,
		Collaborator: collab,
		Jobs:         collab,
		Locker: lock.Chain{
			lock.NewLocal(),
			lock.Lease{Repo: r, OwnerID: owner, TTL: cfg.Processing.Timeout + time.Minute, Now: now},
		},
		Inputs:          res,
		WorkDir:         cfg.Processing.WorkDir,
		SoftwareVersion: cfg.Processing.SoftwareVersion,
		Now:             now,
		Logger:          logger,
	}
	pub := dispatch.Publisher{Repo: r, Events: ev, Metrics: m, MaxAttempts: cfg.Retry.MaxAttempts, Now: now}

	return &Services{
		Config:    cfg,
		Catalog:   cat,
		DB:        conn,
		Repo:      r,
		Store:     store,
		Artifacts: artifacts,
		Resolver:  res,
		Engine:    eng,
		Dispatcher: &dispatch.Dispatcher{
			Engine:   eng,
			Catalog:  cat,
			Retry:    cfg.Retry,
			Events:   ev,
			Metrics:  m,
			Notifier: notifier,
			Now:      now,
			Logger:   logger,
		},
		Publisher: pub,
		Events:    ev,
		Metrics:   m,
		Notifier:  notifier,
		OwnerID:   owner,
		Logger:    logger,
	}, nil
}

// Worker returns a queue worker draining queue, falling back to the configured default queue.
func (s *Services) Worker(queue string, maxTasks int) *dispatch.Worker {
	q := s.Config.Queue
	if queue == "" {
		queue = q.Name
	}
	if maxTasks <= 0 {
		maxTasks = q.MaxTasks
	}
	return &dispatch.Worker{
		Repo:         s.Repo,
		Resolver:     s.Resolver,
		Engine:       s.Engine,
		Catalog:      s.Catalog,
		Store:        s.Store,
		Queue:        queue,
		Fallback:     config.DefaultQueue,
		OwnerID:      s.OwnerID,
		Visibility:   q.VisibilityTimeout,
		PollInterval: q.PollInterval,
		MaxTasks:     maxTasks,
		Retry:        s.Config.Retry,
		Publisher:    s.Publisher,
		Events:       s.Events,
		Metrics:      s.Metrics,
		Notifier:     s.Notifier,
		Now:          s.Dispatcher.Now,
		Logger:       s.Logger.With("worker", s.OwnerID, "queue", queue),
	}
}

func (s *Services) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

func newStore(cfg *config.Config, logger *slog.Logger) metadata.Store {
	if cfg.Portal.URL == "" {
		logger.Warn("no portal url configured, using an in-memory metadata store")
		return metadata.NewMemory()
	}
	return metadata.NewPortal(cfg.Portal.URL, cfg.Portal.Username, cfg.Portal.Password, cfg.Portal.Timeout)
}

func newArtifacts(ctx context.Context, cfg *config.Config, workspace string, logger *slog.Logger) (storage.ArtifactStore, error) {
	sc := cfg.Storage
	switch sc.Backend {
	case "s3":
		s3, err := storage.NewS3(ctx, storage.S3Config{
			VolatileBucket: sc.VolatileBucket,
			StableBucket:   sc.StableBucket,
			Region:         sc.Region,
			Endpoint:       sc.Endpoint,
			PathStyle:      sc.PathStyle,
			AccessKey:      sc.AccessKey,
			SecretKey:      sc.SecretKey,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("s3 storage: %w", err)
		}
		return s3, nil
	case "memory":
		return storage.NewMemory(), nil
	}
	root := sc.Root
	if !filepath.IsAbs(root) && workspace != "" {
		root = filepath.Join(workspace, root)
	}
	local, err := storage.NewLocal(root)
	if err != nil {
		return nil, fmt.Errorf("local storage: %w", err)
	}
	return local, nil
}

func newCommand(cfg *config.Config, cat *catalog.Catalog, logger *slog.Logger) *processing.Command {
	cmd := &processing.Command{
		Commands: map[string][]string{},
		Default:  cfg.Processing.Command,
		Jobs:     map[string][]string{},
		Timeout:  cfg.Processing.Timeout,
		Logger:   logger,
	}
	for _, d := range cat.Products() {
		if len(d.Command) > 0 {
			cmd.Commands[d.ID] = d.Command
		}
	}
	for name, job := range cfg.Jobs {
		cmd.Jobs[name] = job.Command
	}
	return cmd
}

func defaultOwnerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "cnp"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// NewLogger builds the process logger from a level name and a text or json format.
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if level = strings.TrimSpace(level); level == "" {
		level = "info"
	}
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, domain.ConfigErrorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, domain.ConfigErrorf("invalid log format %q", format)
}
