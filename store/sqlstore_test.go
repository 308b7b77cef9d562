package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cradle/action"
	"github.com/teranos/cradle/db"
	"github.com/teranos/cradle/errors"
	cradletest "github.com/teranos/cradle/internal/testing"
)

var t0 = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	return cradletest.CreateTestDB(t)
}

func sampleRecord() *Record {
	rec := NewRecord(uuid.New())
	rec.Name = "Mia"
	birth := t0.AddDate(0, -3, 0)
	rec.BirthDate = &birth

	sleep := action.New(action.Sleep, t0, action.Attrs{})
	feed := action.New(action.Feeding, t0.Add(-2*time.Hour), action.Attrs{
		FeedingType:  action.Ptr(action.FeedingBottle),
		BottleType:   action.Ptr(action.BottleFormula),
		BottleVolume: action.Ptr(120.0),
	}).Closed(t0.Add(-90 * time.Minute))
	diaper := action.New(action.Diaper, t0.Add(-time.Hour), action.Attrs{DiaperType: action.Ptr(action.DiaperDirty)})

	rec.State.Active[action.Sleep] = sleep
	rec.State.History = []action.Action{diaper, feed}
	rec.Tombstones[uuid.New()] = t0.Add(-time.Minute)
	rec.Pending[sleep.ID] = t0
	return rec
}

func TestSQLStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewSQLStore(setupTestDB(t), "device-a", nil)
	rec := sampleRecord()

	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Fetch(ctx, rec.ProfileID)
	require.NoError(t, err)
	assert.Equal(t, "Mia", got.Name)
	require.NotNil(t, got.BirthDate)
	assert.True(t, got.BirthDate.Equal(*rec.BirthDate))

	require.Contains(t, got.State.Active, action.Sleep)
	assert.True(t, got.State.Active[action.Sleep].Equal(rec.State.Active[action.Sleep]))
	require.Len(t, got.State.History, 2)
	assert.True(t, got.State.History[0].Equal(rec.State.History[0]), "history keeps newest-first order")
	assert.True(t, got.State.History[1].Equal(rec.State.History[1]))
	assert.Len(t, got.Tombstones, 1)
	assert.Contains(t, got.Pending, rec.State.Active[action.Sleep].ID)
}

func TestSQLStoreFetchPartitionsCompetingActiveRows(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	s := NewSQLStore(database, "device-a", nil)

	rec := NewRecord(uuid.New())
	earlier := action.New(action.Sleep, t0, action.Attrs{})
	rec.State.Active[action.Sleep] = earlier
	require.NoError(t, s.Save(ctx, rec))

	// a second writer inserts its own open sleep without closing ours
	later := action.New(action.Sleep, t0.Add(30*time.Minute), action.Attrs{})
	payload, err := json.Marshal(later)
	require.NoError(t, err)
	_, err = database.ExecContext(ctx, `
		INSERT INTO actions (id, profile_id, category, start_date, end_date, active, updated_at, payload)
		VALUES (?, ?, ?, ?, NULL, 1, ?, ?)`,
		later.ID.String(), rec.ProfileID.String(), string(later.Category),
		later.StartDate.Format(timeLayout), later.UpdatedAt.Format(timeLayout), string(payload))
	require.NoError(t, err)

	got, err := s.Fetch(ctx, rec.ProfileID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.State.Len(), "neither row may vanish")
	require.Contains(t, got.State.Active, action.Sleep)
	assert.Equal(t, later.ID, got.State.Active[action.Sleep].ID)
	closed, ok := got.State.Find(earlier.ID)
	require.True(t, ok)
	require.NotNil(t, closed.EndDate)
	assert.True(t, closed.EndDate.Equal(later.StartDate))
}

func TestSQLStoreSaveReplaces(t *testing.T) {
	ctx := context.Background()
	s := NewSQLStore(setupTestDB(t), "device-a", nil)
	rec := sampleRecord()
	require.NoError(t, s.Save(ctx, rec))

	rec.State.History = rec.State.History[:1]
	rec.Tombstones = map[uuid.UUID]time.Time{}
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Fetch(ctx, rec.ProfileID)
	require.NoError(t, err)
	assert.Len(t, got.State.History, 1)
	assert.Empty(t, got.Tombstones)
}

func TestSQLStoreFetchNotFound(t *testing.T) {
	s := NewSQLStore(setupTestDB(t), "", nil)
	_, err := s.Fetch(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
	assert.NotEmpty(t, s.Writer(), "empty writer gets a generated id")
}

func TestSQLStoreFetchAllAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewSQLStore(setupTestDB(t), "device-a", nil)
	a, b := sampleRecord(), sampleRecord()
	require.NoError(t, s.Save(ctx, a))
	require.NoError(t, s.Save(ctx, b))

	all, err := s.FetchAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.Delete(ctx, a.ProfileID))
	_, err = s.Fetch(ctx, a.ProfileID)
	assert.True(t, errors.IsNotFoundError(err))

	all, err = s.FetchAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, b.ProfileID, all[0].ProfileID)
}

func TestSQLStoreNotifiesSubscribers(t *testing.T) {
	ctx := context.Background()
	s := NewSQLStore(setupTestDB(t), "device-a", nil)

	var events []ChangeEvent
	unsubscribe := s.Subscribe(func(ev ChangeEvent) { events = append(events, ev) })

	rec := sampleRecord()
	require.NoError(t, s.Save(ctx, rec))
	require.Len(t, events, 1)
	assert.Equal(t, "device-a", events[0].Writer)
	assert.Equal(t, []uuid.UUID{rec.ProfileID}, events[0].ProfileIDs)
	assert.Positive(t, events[0].Seq)

	unsubscribe()
	require.NoError(t, s.Save(ctx, rec))
	assert.Len(t, events, 1, "no events after unsubscribe")
}

func TestSQLStoreChangesSince(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	mine := NewSQLStore(database, "device-a", nil)
	theirs := NewSQLStore(database, "sync-worker", nil)

	head, err := mine.LatestSeq(ctx)
	require.NoError(t, err)
	assert.Zero(t, head)

	own := sampleRecord()
	foreign := sampleRecord()
	require.NoError(t, mine.Save(ctx, own))
	require.NoError(t, theirs.Save(ctx, foreign))
	require.NoError(t, theirs.Save(ctx, foreign))

	ev, err := mine.ChangesSince(ctx, head, mine.Writer())
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{foreign.ProfileID}, ev.ProfileIDs, "own writes filtered, duplicates collapsed")
	assert.Equal(t, "sync-worker", ev.Writer)
	assert.Equal(t, int64(3), ev.Seq)

	ev, err = mine.ChangesSince(ctx, ev.Seq, mine.Writer())
	require.NoError(t, err)
	assert.Empty(t, ev.ProfileIDs)
	assert.Equal(t, int64(3), ev.Seq)
}

func TestSQLStoreSaveRollsBackOnFailure(t *testing.T) {
	database, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer database.Close()

	s := NewSQLStore(database, "device-a", nil)
	rec := sampleRecord()

	notified := false
	s.Subscribe(func(ChangeEvent) { notified = true })

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO profiles").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("DELETE FROM actions").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO actions").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err = s.Save(context.Background(), rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.False(t, notified, "failed saves must not notify")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreFetchMapsClosedDatabase(t *testing.T) {
	database, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer database.Close()

	mock.ExpectQuery("SELECT name, birth_date FROM profiles").
		WillReturnError(errors.New("sql: database is closed"))

	s := NewSQLStore(database, "device-a", nil)
	_, err = s.Fetch(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, errors.Is(err, db.ErrDatabaseClosed))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreDeleteLogsChange(t *testing.T) {
	database, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer database.Close()

	pid := uuid.New()
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM profiles").WithArgs(pid.String()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO change_log").
		WithArgs(pid.String(), "device-a", "delete", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(42, 1))
	mock.ExpectCommit()

	s := NewSQLStore(database, "device-a", nil)
	var got ChangeEvent
	s.Subscribe(func(ev ChangeEvent) { got = ev })

	require.NoError(t, s.Delete(context.Background(), pid))
	assert.Equal(t, int64(42), got.Seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}
