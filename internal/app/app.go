package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"tasksetu/internal/ai"
	"tasksetu/internal/auth"
	"tasksetu/internal/config"
	"tasksetu/internal/db"
	"tasksetu/internal/engine"
	"tasksetu/internal/logging"
	"tasksetu/internal/migrate"
	"tasksetu/internal/outbox"
	"tasksetu/internal/remote"
	"tasksetu/internal/repo"
	"tasksetu/internal/storage"
)

const (
	// RemoteAuto dials mongo when a uri is configured and otherwise runs
	// against the local mirror only.
	RemoteAuto = ""
	// RemoteMemory keeps remote documents in process memory.
	RemoteMemory = "memory"
)

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/tasksetu.yml.
	ConfigPath string
	// Overlay applies flag and env overrides before validation.
	Overlay func(cfg *config.Config)
	Remote  string
	// InMemoryDB skips the workspace database (tests).
	InMemoryDB bool
	LogOutput  io.Writer
}

// App holds every wired component of a client process.
type App struct {
	Config *config.Config
	Log    *logrus.Logger
	DB     *sql.DB
	Repo   repo.Repo
	Docs   remote.DocumentStore
	Store  *remote.Store
	Outbox *outbox.Outbox
	Auth   *auth.TokenProvider
	// Files is set when attachments live in a GridFS bucket.
	Files  *storage.BucketUploader
	AI     *ai.Client
	Engine *engine.Engine

	closers []func(context.Context) error
}

// LoadConfig reads the config file and applies the overlay.
func LoadConfig(opts Options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.ConfigPath != "" {
		cfg, err = config.FromFile(opts.ConfigPath)
	} else {
		cfg, err = config.LoadOptional(opts.Workspace)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.Overlay != nil {
		opts.Overlay(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Open wires the process and starts the engine. The caller must Close it.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File, Output: opts.LogOutput})
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Log: log}
	if err := a.open(ctx, opts); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) open(ctx context.Context, opts Options) error {
	cfg := a.Config
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, InMemory: opts.InMemoryDB})
	if err != nil {
		return fmt.Errorf("open local mirror: %w", err)
	}
	a.DB = conn
	a.closers = append(a.closers, func(context.Context) error { return conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		return fmt.Errorf("migrate local mirror: %w", err)
	}
	a.Repo = repo.Repo{DB: conn}

	var primary storage.Uploader
	switch opts.Remote {
	case RemoteMemory:
		a.Docs = remote.NewMemoryStore()
	case RemoteAuto:
		if cfg.Remote.MongoURI == "" {
			a.Log.Warn("no remote configured, running against the local mirror only")
			break
		}
		mongo, err := remote.DialMongo(ctx, cfg.Remote.MongoURI, cfg.Remote.Database, cfg.Remote.Timeout)
		if err != nil {
			if !remote.IsUnavailable(err) {
				return err
			}
			// Start offline; the breaker and outbox take over.
			a.Log.WithField("error", err).Warn("remote unreachable at startup")
			break
		}
		a.Docs = mongo
		a.closers = append(a.closers, mongo.Close)
		if cfg.Storage.RelayURL == "" {
			files, err := storage.NewBucketUploader(mongo.Database(), cfg.Storage.Bucket, cfg.Storage.PublicBase)
			if err != nil {
				return err
			}
			a.Files = files
			primary = files
		}
	default:
		return fmt.Errorf("unknown remote mode %q", opts.Remote)
	}
	if cfg.Storage.RelayURL != "" {
		primary = storage.RelayUploader{URL: cfg.Storage.RelayURL, ThumbnailTemplate: cfg.Storage.ThumbnailTemplate}
	}

	a.Store = remote.NewStore(a.Docs, a.Repo, remote.BreakerSettings{
		MaxRequests:         cfg.Breaker.MaxRequests,
		Timeout:             cfg.Breaker.Timeout,
		ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
	}, logging.Component(a.Log, "remote"))

	a.Outbox = outbox.New(a.Repo, a.Store, logging.Component(a.Log, "outbox"))
	a.Outbox.BaseBackoff = cfg.Outbox.BaseBackoff
	a.Outbox.MaxBackoff = cfg.Outbox.MaxBackoff

	a.Auth = auth.NewTokenProvider(cfg.Auth.JWTSecret, a.Repo)
	if a.Auth.DemoMode() {
		a.Log.Warn("auth.jwt_secret is empty, sign-in uses the demo identity")
	}

	a.AI = ai.New(cfg.AI.APIKey, cfg.AI.Model, cfg.AI.BaseURL)
	a.AI.Timeout = cfg.AI.Timeout

	a.Engine = engine.New(engine.Options{
		Remote:            a.Store,
		Auth:              a.Auth,
		Outbox:            a.Outbox,
		Local:             a.Repo,
		Uploader:          storage.Fallback{Primary: primary, Log: logging.Component(a.Log, "storage")},
		AI:                a.AI,
		Teams:             cfg.Teams,
		UploadParallelism: cfg.Storage.Parallelism,
		Log:               logging.Component(a.Log, "engine"),
	})
	if err := a.Engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error {
		a.Engine.Close()
		a.Engine.Wait()
		return nil
	})
	return nil
}

// LiveConfig returns the voice socket settings.
func (a *App) LiveConfig() ai.LiveConfig {
	return ai.LiveConfig{URL: a.Config.AI.LiveURL, APIKey: a.Config.AI.APIKey, Model: a.Config.AI.LiveModel}
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
