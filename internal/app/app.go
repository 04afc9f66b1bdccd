package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"fleetwatch/internal/config"
	"fleetwatch/internal/db"
	"fleetwatch/internal/engine"
	"fleetwatch/internal/lock"
	"fleetwatch/internal/migrate"
	"fleetwatch/internal/reconcile"
	"fleetwatch/internal/retention"
	"fleetwatch/internal/source"
)

// ErrSourceNotConfigured is returned when a command needs the feed but no DSN is set.
var ErrSourceNotConfigured = errors.New("source dsn not configured")

// Overrides carries secrets that come from the environment rather than the config file.
type Overrides struct {
	SourceDSN string
	JWTSecret string
	RedisAddr string
}

// LoadConfig reads path, applies overrides and validates the result.
func LoadConfig(path string, o Overrides) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if s := strings.TrimSpace(o.SourceDSN); s != "" {
		cfg.Source.DSN = s
	}
	if s := strings.TrimSpace(o.JWTSecret); s != "" {
		cfg.Auth.JWTSecret = s
	}
	if s := strings.TrimSpace(o.RedisAddr); s != "" {
		cfg.Sync.Lock.RedisAddr = s
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// App holds the local store and the engine built on it.
type App struct {
	Config *config.Config
	DB     *sql.DB
	Engine engine.Engine
	Logger logrus.FieldLogger

	closers []io.Closer
}

// Open opens and migrates the local store.
func Open(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (*App, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	conn, err := db.Open(db.Config{Path: cfg.Store.Path})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	logger.WithFields(logrus.Fields{"path": cfg.Store.Path, "schema_version": version}).Info("store ready")
	return &App{
		Config:  cfg,
		DB:      conn,
		Engine:  engine.New(conn, cfg, logger),
		Logger:  logger,
		closers: []io.Closer{conn},
	}, nil
}

// Feed opens the external source.
func (a *App) Feed() (source.Feed, error) {
	if strings.TrimSpace(a.Config.Source.DSN) == "" {
		return nil, ErrSourceNotConfigured
	}
	conn, err := source.Open(a.Config.Source)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	a.closers = append(a.closers, conn)
	return source.NewMSSQL(conn, a.Config.Source, a.Config.Location(), a.Logger.WithField("component", "source")), nil
}

// Reconciler builds the sync engine over the external feed and the configured lock.
func (a *App) Reconciler() (*reconcile.Reconciler, error) {
	feed, err := a.Feed()
	if err != nil {
		return nil, err
	}
	l := a.Config.Sync.Lock
	locker := lock.New(l.RedisAddr, l.Key, l.TTL)
	if c, ok := locker.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}
	return reconcile.New(a.Engine, feed, a.Config, locker, a.Logger), nil
}

// Retention builds the purge worker.
func (a *App) Retention() *retention.Worker {
	return retention.New(a.DB, a.Config.Retention, a.Logger)
}

// Close releases everything opened through a, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
