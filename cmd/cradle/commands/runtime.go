package commands

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/cradle/am"
	"github.com/teranos/cradle/cache"
	"github.com/teranos/cradle/db"
	"github.com/teranos/cradle/errors"
	"github.com/teranos/cradle/logger"
	"github.com/teranos/cradle/remote/pgremote"
	"github.com/teranos/cradle/remote/s3remote"
	"github.com/teranos/cradle/store"
	"github.com/teranos/cradle/sync"
)

// runtime is the wired sync core one command works against.
type runtime struct {
	cfg    *am.Config
	dbPath string
	db     *sql.DB
	store  *store.SQLStore
	cache  *cache.Cache
	engine *sync.Engine

	closeRemote func()
}

type runtimeOptions struct {
	dbPath   string
	notifier cache.Notifier
	// offline skips the cloud backend.
	offline bool
}

// openDatabase opens and migrates a database using the specified path.
// If dbPath is empty, it loads from am config.
func openDatabase(dbPath string) (*sql.DB, string, error) {
	if dbPath == "" {
		path, err := am.GetDatabasePath()
		if err != nil {
			return nil, "", errors.Wrap(err, "failed to get database path")
		}
		dbPath = path
	}

	database, err := db.OpenWithMigrations(dbPath, logger.ComponentLogger("db"))
	if err != nil {
		return nil, "", errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return database, dbPath, nil
}

func openRuntime(ctx context.Context, opts runtimeOptions) (*runtime, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	database, dbPath, err := openDatabase(opts.dbPath)
	if err != nil {
		return nil, err
	}

	// One writer id per process so the daemon can tell our commits from its own.
	writer := fmt.Sprintf("%s:%d", cfg.Device.Name, os.Getpid())
	st := store.NewSQLStore(database, writer, logger.ComponentLogger("store"))
	c := cache.New(st, cache.Options{
		Notifier: opts.notifier,
		Logger:   logger.ComponentLogger("cache"),
	})

	rt := &runtime{cfg: cfg, dbPath: dbPath, db: database, store: st, cache: c, closeRemote: func() {}}

	var remote sync.Remote
	if !opts.offline {
		remote, rt.closeRemote, err = buildRemote(ctx, cfg, logger.ComponentLogger("remote"))
		if err != nil {
			database.Close()
			return nil, err
		}
	}
	rt.engine = sync.NewEngine(c, remote, sync.EngineOptions{
		PushPerMinute: cfg.Sync.PushPerMinute,
		Logger:        logger.ComponentLogger("sync"),
	})
	return rt, nil
}

// Close flushes pending cloud pushes, best effort, and releases resources.
func (r *runtime) Close(ctx context.Context) {
	if r.engine.HasRemote() {
		if err := r.engine.Flush(ctx); err != nil {
			logger.Warnw("Cloud push failed, will retry on next sync", "error", err)
		}
	}
	r.closeRemote()
	if err := r.db.Close(); err != nil {
		logger.Debugw("Database close failed", "error", err)
	}
}

// buildRemote constructs the configured cloud backend. The returned remote
// is nil when no backend is configured.
func buildRemote(ctx context.Context, cfg *am.Config, log *zap.SugaredLogger) (sync.Remote, func(), error) {
	noop := func() {}
	switch cfg.Cloud.Backend {
	case am.BackendNone:
		return nil, noop, nil
	case am.BackendS3:
		s3cfg := cfg.Cloud.S3
		r, err := s3remote.New(ctx, s3remote.Config{
			Bucket:          s3cfg.Bucket,
			Region:          s3cfg.Region,
			Endpoint:        s3cfg.Endpoint,
			AccessKeyID:     s3cfg.AccessKeyID,
			SecretAccessKey: s3cfg.SecretAccessKey,
			Prefix:          s3cfg.Prefix,
			UsePathStyle:    s3cfg.UsePathStyle,
		}, log)
		if err != nil {
			return nil, noop, errors.Wrap(err, "failed to configure s3 backend")
		}
		return r, noop, nil
	case am.BackendPostgres:
		r, err := pgremote.Connect(ctx, cfg.Cloud.Postgres.DSN, log)
		if err != nil {
			return nil, noop, errors.Wrap(err, "failed to connect to postgres backend")
		}
		return r, r.Close, nil
	default:
		return nil, noop, errors.NewInvalidRequestError("unknown cloud backend %q", cfg.Cloud.Backend)
	}
}

// profileID resolves --profile, falling back to device.profile.
func profileID(cmd *cobra.Command, cfg *am.Config) (uuid.UUID, error) {
	raw, _ := cmd.Flags().GetString("profile")
	if raw == "" {
		raw = cfg.Device.Profile
	}
	if raw == "" {
		return uuid.Nil, errors.WithHint(
			errors.NewInvalidRequestError("no profile selected"),
			"pass --profile <id> or set device.profile in am.toml",
		)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.NewInvalidRequestError("invalid profile id %q", raw)
	}
	return id, nil
}
