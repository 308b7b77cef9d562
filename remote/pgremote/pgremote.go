// Package pgremote keeps the cloud copy of every profile's actions in a
// Postgres table, one row per action.
package pgremote

import (
	"context"
	"encoding/json"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/teranos/cradle/action"
	"github.com/teranos/cradle/errors"
	"github.com/teranos/cradle/sync"
)

const table = "remote_actions"

// upsertChunk bounds rows per INSERT so the statement stays under the
// protocol's parameter limit.
const upsertChunk = 500

const schemaSQL = `
CREATE TABLE IF NOT EXISTS remote_actions (
    profile_id UUID        NOT NULL,
    id         UUID        NOT NULL,
    payload    JSONB       NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (profile_id, id)
)`

// Querier is the part of pgxpool.Pool this package uses.
type Querier interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Remote implements sync.Remote on Postgres.
type Remote struct {
	q      Querier
	close  func()
	logger *zap.SugaredLogger
}

func builder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
}

// Connect opens a pool for dsn and makes sure the table exists.
func Connect(ctx context.Context, dsn string, logger *zap.SugaredLogger) (*Remote, error) {
	if dsn == "" {
		return nil, errors.NewInvalidRequestError("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres pool")
	}
	r := New(pool, logger)
	r.close = pool.Close
	if err := r.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

// New wraps an existing querier.
func New(q Querier, logger *zap.SugaredLogger) *Remote {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Remote{q: q, logger: logger}
}

// Close releases the pool opened by Connect.
func (r *Remote) Close() {
	if r.close != nil {
		r.close()
	}
}

// EnsureSchema creates the actions table if it is missing.
func (r *Remote) EnsureSchema(ctx context.Context) error {
	if _, err := r.q.Exec(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, "failed to create remote_actions table")
	}
	return nil
}

// FetchSnapshot reads every row. Rows whose payload does not decode are
// reported as known ids so they are not pushed over blindly.
func (r *Remote) FetchSnapshot(ctx context.Context) (*sync.Snapshot, error) {
	query, args, err := builder().
		Select("profile_id", "id", "payload").
		From(table).
		OrderBy("profile_id", "id").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build snapshot query")
	}

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query remote actions")
	}
	defer rows.Close()

	snap := &sync.Snapshot{
		Profiles: make(map[uuid.UUID][]action.Action),
		Known:    make(map[uuid.UUID][]uuid.UUID),
	}
	for rows.Next() {
		var (
			profileID, id uuid.UUID
			payload       []byte
		)
		if err := rows.Scan(&profileID, &id, &payload); err != nil {
			return nil, errors.Wrap(err, "scan remote action")
		}
		var a action.Action
		if err := json.Unmarshal(payload, &a); err != nil || a.ID != id {
			r.logger.Warnw("Skipping undecodable remote action", "profile_id", profileID, "action_id", id, "error", err)
			snap.Known[profileID] = append(snap.Known[profileID], id)
			continue
		}
		snap.Profiles[profileID] = append(snap.Profiles[profileID], a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate remote actions")
	}
	return snap, nil
}

// Push upserts and deletes in one transaction. A stored row only yields to
// an upsert with a strictly newer updatedAt, the same rule the local
// resolver applies.
func (r *Remote) Push(ctx context.Context, profileID uuid.UUID, upserts []action.Action, deletedIDs []uuid.UUID) (err error) {
	tx, err := r.q.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin push transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	for start := 0; start < len(upserts); start += upsertChunk {
		end := min(start+upsertChunk, len(upserts))
		if err = r.upsert(ctx, tx, profileID, upserts[start:end]); err != nil {
			return err
		}
	}

	if len(deletedIDs) > 0 {
		ids := make([]string, len(deletedIDs))
		for i, id := range deletedIDs {
			ids[i] = id.String()
		}
		query, args, buildErr := builder().
			Delete(table).
			Where(sq.Eq{"profile_id": profileID.String(), "id": ids}).
			ToSql()
		if buildErr != nil {
			return errors.Wrap(buildErr, "build delete")
		}
		if _, err = tx.Exec(ctx, query, args...); err != nil {
			return errors.Wrapf(err, "delete %d remote actions", len(ids))
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit push")
	}
	return nil
}

func (r *Remote) upsert(ctx context.Context, tx pgx.Tx, profileID uuid.UUID, actions []action.Action) error {
	insert := builder().
		Insert(table).
		Columns("profile_id", "id", "payload", "updated_at").
		Suffix("ON CONFLICT (profile_id, id) DO UPDATE " +
			"SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at " +
			"WHERE remote_actions.updated_at < EXCLUDED.updated_at")
	for _, a := range actions {
		payload, err := json.Marshal(a)
		if err != nil {
			return errors.Wrapf(err, "encode action %s", a.ID)
		}
		insert = insert.Values(profileID.String(), a.ID.String(), payload, a.UpdatedAt)
	}
	query, args, err := insert.ToSql()
	if err != nil {
		return errors.Wrap(err, "build upsert")
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return errors.Wrapf(err, "upsert %d remote actions", len(actions))
	}
	return nil
}
