package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/cradle/action"
	"github.com/teranos/cradle/db"
	"github.com/teranos/cradle/errors"
)

const timeLayout = time.RFC3339Nano

// SQLStore persists records in the SQLite schema created by db.Migrate.
// Every commit appends to change_log tagged with the store's writer id so
// other processes on the same file can tell their writes from ours.
type SQLStore struct {
	db        *sql.DB
	writer    string
	logger    *zap.SugaredLogger
	observers observers
	now       func() time.Time
}

// NewSQLStore wraps an open, migrated database. An empty writer gets a random id.
func NewSQLStore(database *sql.DB, writer string, logger *zap.SugaredLogger) *SQLStore {
	if writer == "" {
		writer = uuid.NewString()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SQLStore{db: database, writer: writer, logger: logger, now: time.Now}
}

// Writer returns the id this store tags its change_log rows with.
func (s *SQLStore) Writer() string {
	return s.writer
}

// Subscribe registers fn to be called after every commit.
func (s *SQLStore) Subscribe(fn func(ChangeEvent)) func() {
	return s.observers.subscribe(fn)
}

// Fetch loads one profile's record.
func (s *SQLStore) Fetch(ctx context.Context, profileID uuid.UUID) (*Record, error) {
	rec := NewRecord(profileID)
	var birth sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT name, birth_date FROM profiles WHERE id = ?`, profileID.String(),
	).Scan(&rec.Name, &birth)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("profile %s", profileID)
	}
	if err != nil {
		return nil, s.wrap(err, "fetch profile %s", profileID)
	}
	if birth.Valid {
		t, err := time.Parse(timeLayout, birth.String)
		if err == nil {
			rec.BirthDate = &t
		}
	}

	if err := s.loadActions(ctx, rec); err != nil {
		return nil, err
	}
	if rec.Tombstones, err = s.loadMarks(ctx, "tombstones", "deleted_at", profileID); err != nil {
		return nil, err
	}
	if rec.Pending, err = s.loadMarks(ctx, "pending_push", "marked_at", profileID); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SQLStore) loadActions(ctx context.Context, rec *Record) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM actions WHERE profile_id = ? ORDER BY start_date DESC`,
		rec.ProfileID.String())
	if err != nil {
		return s.wrap(err, "query actions for %s", rec.ProfileID)
	}
	defer rows.Close()

	open := 0
	var actions []action.Action
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return s.wrap(err, "scan action")
		}
		var a action.Action
		if err := json.Unmarshal([]byte(payload), &a); err != nil {
			s.logger.Warnw("Skipping undecodable action row", "profile_id", rec.ProfileID, "error", err)
			continue
		}
		if a.Validated().IsOpen() {
			open++
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return s.wrap(err, "iterate actions")
	}
	rec.State = action.Partition(actions)
	// two open rows in one category, left by a writer that skipped the slot rule
	if open > len(rec.State.Active) {
		s.logger.Warnw("Closed competing active actions", "profile_id", rec.ProfileID, "count", open-len(rec.State.Active))
	}
	return nil
}

func (s *SQLStore) loadMarks(ctx context.Context, table, column string, profileID uuid.UUID) (map[uuid.UUID]time.Time, error) {
	// table and column are package constants, never user input
	rows, err := s.db.QueryContext(ctx,
		`SELECT action_id, `+column+` FROM `+table+` WHERE profile_id = ?`, profileID.String())
	if err != nil {
		return nil, s.wrap(err, "query %s for %s", table, profileID)
	}
	defer rows.Close()

	marks := make(map[uuid.UUID]time.Time)
	for rows.Next() {
		var idStr, atStr string
		if err := rows.Scan(&idStr, &atStr); err != nil {
			return nil, s.wrap(err, "scan %s", table)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		at, _ := time.Parse(timeLayout, atStr)
		marks[id] = at
	}
	return marks, s.wrap(rows.Err(), "iterate %s", table)
}

// FetchAll loads every profile's record.
func (s *SQLStore) FetchAll(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM profiles ORDER BY id`)
	if err != nil {
		return nil, s.wrap(err, "list profiles")
	}
	var ids []uuid.UUID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			rows.Close()
			return nil, s.wrap(err, "scan profile id")
		}
		if id, err := uuid.Parse(idStr); err == nil {
			ids = append(ids, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, s.wrap(err, "iterate profiles")
	}

	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Fetch(ctx, id)
		if errors.IsNotFoundError(err) {
			// deleted between the listing and the fetch
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Save replaces the profile's persisted state in one transaction.
func (s *SQLStore) Save(ctx context.Context, rec *Record) error {
	pid := rec.ProfileID.String()
	now := s.now().UTC().Format(timeLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap(err, "begin save for %s", pid)
	}
	defer tx.Rollback()

	var birth interface{}
	if rec.BirthDate != nil {
		birth = rec.BirthDate.UTC().Format(timeLayout)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO profiles (id, name, birth_date, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, birth_date = excluded.birth_date, updated_at = excluded.updated_at`,
		pid, rec.Name, birth, now); err != nil {
		return s.wrap(err, "upsert profile %s", pid)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM actions WHERE profile_id = ?`, pid); err != nil {
		return s.wrap(err, "clear actions for %s", pid)
	}
	if rec.State != nil {
		for _, a := range rec.State.All() {
			if err := insertAction(ctx, tx, pid, a); err != nil {
				return s.wrap(err, "insert action %s", a.ID)
			}
		}
	}

	if err := replaceMarks(ctx, tx, "tombstones", "deleted_at", pid, rec.Tombstones); err != nil {
		return s.wrap(err, "write tombstones for %s", pid)
	}
	if err := replaceMarks(ctx, tx, "pending_push", "marked_at", pid, rec.Pending); err != nil {
		return s.wrap(err, "write pending markers for %s", pid)
	}

	seq, err := s.logChange(ctx, tx, pid, "save", now)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return s.wrap(err, "commit save for %s", pid)
	}

	s.logger.Debugw("Saved profile", "profile_id", pid, "seq", seq)
	s.observers.notify(ChangeEvent{ProfileIDs: []uuid.UUID{rec.ProfileID}, Writer: s.writer, Seq: seq})
	return nil
}

func insertAction(ctx context.Context, tx *sql.Tx, pid string, a action.Action) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	var end interface{}
	if a.EndDate != nil {
		end = a.EndDate.UTC().Format(timeLayout)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO actions (id, profile_id, category, start_date, end_date, active, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), pid, string(a.Category), a.StartDate.UTC().Format(timeLayout), end,
		a.IsOpen(), a.UpdatedAt.UTC().Format(timeLayout), string(payload))
	return err
}

func replaceMarks(ctx context.Context, tx *sql.Tx, table, column, pid string, marks map[uuid.UUID]time.Time) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE profile_id = ?`, pid); err != nil {
		return err
	}
	for id, at := range marks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO `+table+` (profile_id, action_id, `+column+`) VALUES (?, ?, ?)`,
			pid, id.String(), at.UTC().Format(timeLayout)); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) logChange(ctx context.Context, tx *sql.Tx, pid, op, now string) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO change_log (profile_id, writer, op, committed_at) VALUES (?, ?, ?, ?)`,
		pid, s.writer, op, now)
	if err != nil {
		return 0, s.wrap(err, "append change log for %s", pid)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, s.wrap(err, "change log position")
	}
	return seq, nil
}

// Delete removes a profile and, through foreign keys, all its rows.
func (s *SQLStore) Delete(ctx context.Context, profileID uuid.UUID) error {
	pid := profileID.String()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap(err, "begin delete for %s", pid)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, pid); err != nil {
		return s.wrap(err, "delete profile %s", pid)
	}
	seq, err := s.logChange(ctx, tx, pid, "delete", s.now().UTC().Format(timeLayout))
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return s.wrap(err, "commit delete for %s", pid)
	}
	s.observers.notify(ChangeEvent{ProfileIDs: []uuid.UUID{profileID}, Writer: s.writer, Seq: seq})
	return nil
}

// LatestSeq returns the newest change_log position, zero for an empty log.
func (s *SQLStore) LatestSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM change_log`).Scan(&seq); err != nil {
		return 0, s.wrap(err, "read change log head")
	}
	return seq.Int64, nil
}

// ChangesSince reports profiles changed by writers other than exclude after
// position seq, and the newest position scanned.
func (s *SQLStore) ChangesSince(ctx context.Context, seq int64, exclude string) (ChangeEvent, error) {
	ev := ChangeEvent{Seq: seq}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, profile_id, writer FROM change_log WHERE id > ? ORDER BY id`, seq)
	if err != nil {
		return ev, s.wrap(err, "read change log after %d", seq)
	}
	defer rows.Close()

	seen := make(map[uuid.UUID]struct{})
	for rows.Next() {
		var id int64
		var pidStr, writer string
		if err := rows.Scan(&id, &pidStr, &writer); err != nil {
			return ev, s.wrap(err, "scan change log")
		}
		ev.Seq = id
		if writer == exclude {
			continue
		}
		ev.Writer = writer
		pid, err := uuid.Parse(pidStr)
		if err != nil {
			continue
		}
		if _, dup := seen[pid]; !dup {
			seen[pid] = struct{}{}
			ev.ProfileIDs = append(ev.ProfileIDs, pid)
		}
	}
	return ev, s.wrap(rows.Err(), "iterate change log")
}

// wrap annotates err, mapping driver shutdown errors to db.ErrDatabaseClosed.
// A nil err stays nil.
func (s *SQLStore) wrap(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if db.IsDatabaseClosed(err) && !errors.Is(err, db.ErrDatabaseClosed) {
		err = errors.CombineErrors(db.ErrDatabaseClosed, err)
	}
	return errors.Wrapf(err, format, args...)
}
