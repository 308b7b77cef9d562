package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cradle/action"
	"github.com/teranos/cradle/errors"
	"github.com/teranos/cradle/store"
)

func at(h, m int) time.Time {
	return time.Date(2026, 3, 14, h, m, 0, 0, time.UTC)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type logged struct {
	mu     sync.Mutex
	events []action.Category
}

func (l *logged) ActionLogged(_ uuid.UUID, c action.Category) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, c)
}

type countingGuard struct {
	depth, writes int
}

func (g *countingGuard) BeginWrite() { g.depth++; g.writes++ }
func (g *countingGuard) EndWrite() { g.depth-- }

type recordingHooks struct {
	committing []Change
	committed  []Change
}

func (h *recordingHooks) Committing(_ *store.Record, ch Change) { h.committing = append(h.committing, ch) }
func (h *recordingHooks) Committed(_ uuid.UUID, ch Change) { h.committed = append(h.committed, ch) }

type fixture struct {
	cache  *Cache
	store  *store.MemStore
	clock  *clock
	logged *logged
	guard  *countingGuard
	hooks  *recordingHooks
	pid    uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.NewMemStore(),
		clock:  &clock{now: at(9, 0)},
		logged: &logged{},
		guard:  &countingGuard{},
		hooks:  &recordingHooks{},
		pid:    uuid.New(),
	}
	f.cache = New(f.store, Options{
		Now:      f.clock.Now,
		Notifier: f.logged,
		Guard:    f.guard,
		Hooks:    f.hooks,
	})
	return f
}

func (f *fixture) state(t *testing.T) *action.State {
	t.Helper()
	return f.cache.State(context.Background(), f.pid)
}

func (f *fixture) persisted(t *testing.T) *store.Record {
	t.Helper()
	rec, err := f.store.Fetch(context.Background(), f.pid)
	require.NoError(t, err)
	return rec
}

func TestStateLazyLoadsAndMemoizes(t *testing.T) {
	f := newFixture(t)
	rec := store.NewRecord(f.pid)
	rec.State.PushHistory(action.New(action.Diaper, at(8, 0), action.Attrs{}))
	f.store.Put(rec)

	assert.Equal(t, 1, f.state(t).Len())

	// a silent write by someone else is not seen until invalidated
	f.store.Put(store.NewRecord(f.pid))
	assert.Equal(t, 1, f.state(t).Len())

	f.cache.Invalidate(f.pid)
	assert.Equal(t, 0, f.state(t).Len())
}

func TestStateReturnsCopy(t *testing.T) {
	f := newFixture(t)
	f.cache.StartAction(context.Background(), f.pid, action.Sleep, action.Attrs{})

	s := f.state(t)
	delete(s.Active, action.Sleep)
	assert.Len(t, f.state(t).Active, 1)
}

func TestStartDurationalOpensAction(t *testing.T) {
	f := newFixture(t)
	a := f.cache.StartAction(context.Background(), f.pid, action.Sleep, action.Attrs{})

	s := f.state(t)
	require.Contains(t, s.Active, action.Sleep)
	assert.Equal(t, a.ID, s.Active[action.Sleep].ID)
	assert.True(t, a.IsOpen())
	assert.True(t, a.StartDate.Equal(at(9, 0)))

	assert.Equal(t, []action.Category{action.Sleep}, f.logged.events)
	assert.Equal(t, 1, f.guard.writes)
	assert.Zero(t, f.guard.depth)
	assert.Contains(t, f.persisted(t).State.Active, action.Sleep, "persisted before notifying")
}

func TestStartSameCategorySupersedesOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.cache.StartAction(ctx, f.pid, action.Feeding, action.Attrs{FeedingType: action.Ptr(action.FeedingBreastLeft)})

	f.clock.Set(at(9, 25))
	second := f.cache.StartAction(ctx, f.pid, action.Feeding, action.Attrs{FeedingType: action.Ptr(action.FeedingBottle)})

	s := f.state(t)
	require.Len(t, s.History, 1)
	old := s.History[0]
	assert.Equal(t, first.ID, old.ID)
	require.NotNil(t, old.EndDate)
	assert.True(t, old.EndDate.Equal(at(9, 25)))

	assert.Equal(t, second.ID, s.Active[action.Feeding].ID)
	assert.True(t, s.Active[action.Feeding].StartDate.Equal(at(9, 25)))
	assert.Equal(t, action.FeedingBottle, *s.Active[action.Feeding].FeedingType)
}

func TestStartDurationalClosesOtherDurationalCategories(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sleep := f.cache.StartAction(ctx, f.pid, action.Sleep, action.Attrs{})

	f.clock.Set(at(10, 0))
	f.cache.StartAction(ctx, f.pid, action.Feeding, action.Attrs{})

	s := f.state(t)
	assert.NotContains(t, s.Active, action.Sleep)
	assert.Contains(t, s.Active, action.Feeding)
	closedSleep, ok := s.Find(sleep.ID)
	require.True(t, ok)
	assert.True(t, closedSleep.EndDate.Equal(at(10, 0)))
	assert.ElementsMatch(t, []action.Category{action.Sleep, action.Feeding, action.Sleep}, f.logged.events)
}

func TestStartInstantLeavesDurationalOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.cache.StartAction(ctx, f.pid, action.Sleep, action.Attrs{})

	f.clock.Set(at(9, 30))
	diaper := f.cache.StartAction(ctx, f.pid, action.Diaper, action.Attrs{DiaperType: action.Ptr(action.DiaperWet)})

	s := f.state(t)
	assert.Contains(t, s.Active, action.Sleep, "instant actions are exempt from exclusivity")
	require.Len(t, s.History, 1)
	assert.Equal(t, diaper.ID, s.History[0].ID)
	assert.True(t, s.History[0].EndDate.Equal(at(9, 30)))
}

func TestAtMostOneOpenPerCategory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seq := []action.Category{action.Sleep, action.Feeding, action.Diaper, action.Sleep, action.Sleep, action.Feeding}
	for i, c := range seq {
		f.clock.Set(at(10, i*5))
		f.cache.StartAction(ctx, f.pid, c, action.Attrs{})
		if i == 3 {
			f.cache.StopAction(ctx, f.pid, action.Sleep)
		}
	}

	s := f.state(t)
	assert.LessOrEqual(t, len(s.Active), 1, "durational categories exclude each other")
	assert.NotContains(t, s.Active, action.Diaper)

	ids := map[uuid.UUID]bool{}
	for _, a := range s.All() {
		assert.False(t, ids[a.ID], "duplicate id %s", a.ID)
		ids[a.ID] = true
	}
	assert.Len(t, ids, len(seq))
}

func TestOverlapClamp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.cache.AddManualAction(ctx, f.pid, action.New(action.Sleep, at(9, 0), action.Attrs{}).Closed(at(10, 30)))

	f.clock.Set(at(10, 0))
	started := f.cache.StartAction(ctx, f.pid, action.Sleep, action.Attrs{})

	assert.True(t, started.StartDate.Equal(at(10, 30)), "got %s", started.StartDate)
	assert.True(t, f.state(t).Active[action.Sleep].StartDate.Equal(at(10, 30)))
}

func TestStopAction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.cache.StopAction(ctx, f.pid, action.Sleep)
	assert.Zero(t, f.guard.writes, "stopping nothing is a no-op")

	f.cache.StartAction(ctx, f.pid, action.Sleep, action.Attrs{})
	f.clock.Set(at(11, 0))
	f.cache.StopAction(ctx, f.pid, action.Sleep)

	s := f.state(t)
	assert.Empty(t, s.Active)
	require.Len(t, s.History, 1)
	assert.True(t, s.History[0].EndDate.Equal(at(11, 0)))
	assert.True(t, s.History[0].UpdatedAt.Equal(at(11, 0)))
}

func TestUpdateAction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.cache.StartAction(ctx, f.pid, action.Feeding, action.Attrs{BottleVolume: action.Ptr(60.0)})
	writes := f.guard.writes

	t.Run("unknown id is ignored", func(t *testing.T) {
		f.cache.UpdateAction(ctx, f.pid, action.New(action.Sleep, at(1, 0), action.Attrs{}))
		assert.Equal(t, writes, f.guard.writes)
	})

	t.Run("unchanged value is ignored", func(t *testing.T) {
		f.cache.UpdateAction(ctx, f.pid, a)
		assert.Equal(t, writes, f.guard.writes)
	})

	t.Run("edit replaces and bumps updatedAt", func(t *testing.T) {
		f.clock.Set(at(9, 40))
		edited := a
		edited.BottleVolume = action.Ptr(90.0)
		f.cache.UpdateAction(ctx, f.pid, edited)

		got := f.state(t).Active[action.Feeding]
		assert.Equal(t, 90.0, *got.BottleVolume)
		assert.True(t, got.UpdatedAt.Equal(at(9, 40)))
	})

	t.Run("closing via edit moves to history", func(t *testing.T) {
		edited := f.state(t).Active[action.Feeding]
		end := at(9, 45)
		edited.EndDate = &end
		f.cache.UpdateAction(ctx, f.pid, edited)

		s := f.state(t)
		assert.Empty(t, s.Active)
		require.Len(t, s.History, 1)
		assert.Equal(t, a.ID, s.History[0].ID)
	})
}

func TestAddManualActionReplacesAndRoutes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	backdated := action.New(action.Sleep, at(1, 0), action.Attrs{}).Closed(at(3, 0))
	f.cache.AddManualAction(ctx, f.pid, backdated)

	reversed := backdated
	early := at(0, 30)
	reversed.EndDate = &early
	f.cache.AddManualAction(ctx, f.pid, reversed)

	s := f.state(t)
	require.Len(t, s.History, 1, "same id replaces")
	assert.True(t, s.History[0].EndDate.Equal(at(1, 0)), "reversed dates are healed")

	open := action.New(action.Feeding, at(8, 0), action.Attrs{})
	f.cache.AddManualAction(ctx, f.pid, open)
	assert.Equal(t, open.ID, f.state(t).Active[action.Feeding].ID)
}

func TestContinueAction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sleep := f.cache.StartAction(ctx, f.pid, action.Sleep, action.Attrs{})
	f.clock.Set(at(9, 30))
	f.cache.StopAction(ctx, f.pid, action.Sleep)

	f.clock.Set(at(9, 35))
	f.cache.ContinueAction(ctx, f.pid, sleep.ID)

	s := f.state(t)
	require.Contains(t, s.Active, action.Sleep)
	assert.Equal(t, sleep.ID, s.Active[action.Sleep].ID)
	assert.True(t, s.Active[action.Sleep].IsOpen())
	assert.Empty(t, s.History)
}

func TestContinueBlockedWhileCategoryOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.cache.AddManualAction(ctx, f.pid, action.New(action.Sleep, at(6, 0), action.Attrs{}).Closed(at(7, 0)))
	closedSleep := f.state(t).History[0]
	f.cache.StartAction(ctx, f.pid, action.Sleep, action.Attrs{})

	before := f.state(t)
	writes := f.guard.writes
	f.cache.ContinueAction(ctx, f.pid, closedSleep.ID)

	after := f.state(t)
	assert.Equal(t, writes, f.guard.writes, "no state change")
	assert.Equal(t, before.Active[action.Sleep].ID, after.Active[action.Sleep].ID)
	assert.Len(t, after.History, 1)
}

func TestDeleteAction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.cache.StartAction(ctx, f.pid, action.Diaper, action.Attrs{})
	b := f.cache.StartAction(ctx, f.pid, action.Sleep, action.Attrs{})

	f.cache.DeleteAction(ctx, f.pid, a.ID)
	f.cache.DeleteAction(ctx, f.pid, b.ID)
	writes := f.guard.writes
	f.cache.DeleteAction(ctx, f.pid, uuid.New())

	assert.Equal(t, 0, f.state(t).Len())
	assert.Equal(t, writes, f.guard.writes, "unknown id is a silent no-op")
	last := f.hooks.committed[len(f.hooks.committed)-1]
	assert.Equal(t, []uuid.UUID{b.ID}, last.Removed)
	assert.Equal(t, OriginLocal, last.Origin)
	assert.Empty(t, f.persisted(t).Tombstones, "the cache itself records no tombstones")
}

func TestPersistenceFailureKeepsMemoryState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.SetFailSave(errors.New("disk full"))

	a := f.cache.StartAction(ctx, f.pid, action.Sleep, action.Attrs{})
	assert.Equal(t, a.ID, f.state(t).Active[action.Sleep].ID)

	_, err := f.store.Fetch(ctx, f.pid)
	assert.True(t, errors.IsNotFoundError(err))

	// the next mutation retries the full record
	f.store.SetFailSave(nil)
	f.clock.Set(at(9, 10))
	f.cache.StartAction(ctx, f.pid, action.Diaper, action.Attrs{})
	assert.Equal(t, 2, f.persisted(t).State.Len())
}

func TestTransactCommitsOnlyOnSave(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.cache.StartAction(ctx, f.pid, action.Sleep, action.Attrs{})
	f.store.SetFailSave(errors.New("disk full"))

	_, err := f.cache.Transact(ctx, f.pid, OriginRemote, func(rec *store.Record) (Change, error) {
		rec.State.Active = map[action.Category]action.Action{}
		return Change{Removed: []uuid.UUID{uuid.New()}}, nil
	})
	require.Error(t, err)
	assert.Contains(t, f.state(t).Active, action.Sleep, "failed transaction leaves the cache untouched")

	f.store.SetFailSave(nil)
	ch, err := f.cache.Transact(ctx, f.pid, OriginRemote, func(rec *store.Record) (Change, error) {
		rec.State.Active = map[action.Category]action.Action{}
		return Change{Removed: []uuid.UUID{uuid.New()}}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, OriginRemote, ch.Origin)
	assert.Empty(t, f.state(t).Active)
}

func TestConfirmPushedKeepsNewerMarkers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	old, edited := uuid.New(), uuid.New()
	rec := store.NewRecord(f.pid)
	rec.Pending[old] = at(8, 0)
	rec.Pending[edited] = at(8, 30)
	f.store.Put(rec)

	pushed := map[uuid.UUID]time.Time{old: at(8, 0), edited: at(8, 0)}
	require.NoError(t, f.cache.ConfirmPushed(ctx, f.pid, pushed))

	got, err := f.cache.Record(ctx, f.pid)
	require.NoError(t, err)
	assert.NotContains(t, got.Pending, old)
	assert.Contains(t, got.Pending, edited, "marker re-set after the push snapshot stays")
}

func TestLoadAll(t *testing.T) {
	f := newFixture(t)
	a, b := store.NewRecord(uuid.New()), store.NewRecord(uuid.New())
	f.store.Put(a)
	f.store.Put(b)

	ids, err := f.cache.LoadAll(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{a.ProfileID, b.ProfileID}, ids)
}

func TestRemoveProfileData(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sleep := f.cache.StartAction(ctx, f.pid, action.Sleep, action.Attrs{})
	earlier := uuid.New()
	rec := f.persisted(t)
	rec.Name = "Mia"
	rec.Tombstones[earlier] = at(8, 0)
	rec.Pending[sleep.ID] = at(9, 0)
	f.store.Put(rec)
	f.cache.Invalidate(f.pid)
	f.clock.Set(at(10, 0))

	f.cache.RemoveProfileData(ctx, f.pid)

	stored := f.persisted(t)
	assert.Equal(t, 0, stored.State.Len())
	assert.Empty(t, stored.Name)
	assert.Empty(t, stored.Pending)
	assert.Equal(t, map[uuid.UUID]time.Time{sleep.ID: at(10, 0), earlier: at(10, 0)}, stored.Tombstones)

	got, err := f.cache.Record(ctx, f.pid)
	require.NoError(t, err)
	assert.Equal(t, 0, got.State.Len())
	assert.Len(t, got.Tombstones, 2)

	last := f.hooks.committed[len(f.hooks.committed)-1]
	assert.True(t, last.ProfileRemoved)
	assert.Equal(t, []uuid.UUID{sleep.ID}, last.Removed)
}

func TestRemoveProfileDataWithoutActions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec := store.NewRecord(f.pid)
	rec.Name = "Mia"
	f.store.Put(rec)

	f.cache.RemoveProfileData(ctx, f.pid)

	_, err := f.store.Fetch(ctx, f.pid)
	assert.True(t, errors.IsNotFoundError(err))
	assert.NotContains(t, f.cache.Profiles(), f.pid)
}

func TestRemoveProfileDataKeepsTombstonesWhenSaveFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sleep := f.cache.StartAction(ctx, f.pid, action.Sleep, action.Attrs{})
	f.store.SetFailSave(errors.New("disk full"))

	f.cache.RemoveProfileData(ctx, f.pid)

	got, err := f.cache.Record(ctx, f.pid)
	require.NoError(t, err)
	assert.Equal(t, 0, got.State.Len())
	assert.Contains(t, got.Tombstones, sleep.ID)

	// the next reload writes the tombstones out
	f.store.SetFailSave(nil)
	_, err = f.cache.Reload(ctx, func() bool { return true })
	require.NoError(t, err)
	assert.Contains(t, f.persisted(t).Tombstones, sleep.ID)
}

func TestReload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.cache.StartAction(ctx, f.pid, action.Sleep, action.Attrs{})

	other := uuid.New()
	external := store.NewRecord(f.pid)
	external.State.PushHistory(action.New(action.Diaper, at(7, 0), action.Attrs{}))
	f.store.Put(external)
	f.store.Put(store.NewRecord(other))

	t.Run("superseded reload commits nothing", func(t *testing.T) {
		changed, err := f.cache.Reload(ctx, func() bool { return false })
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, changed)
		assert.Contains(t, f.state(t).Active, action.Sleep)
	})

	t.Run("current reload replaces entries", func(t *testing.T) {
		changed, err := f.cache.Reload(ctx, func() bool { return true })
		require.NoError(t, err)
		assert.ElementsMatch(t, []uuid.UUID{f.pid, other}, changed)
		s := f.state(t)
		assert.Empty(t, s.Active)
		assert.Len(t, s.History, 1)
		assert.ElementsMatch(t, []uuid.UUID{f.pid, other}, f.cache.Profiles())
	})

	t.Run("dirty entries are saved instead of replaced", func(t *testing.T) {
		f.store.SetFailSave(errors.New("locked"))
		f.cache.StartAction(ctx, f.pid, action.Feeding, action.Attrs{})
		f.store.SetFailSave(nil)

		_, err := f.cache.Reload(ctx, func() bool { return true })
		require.NoError(t, err)
		assert.Contains(t, f.state(t).Active, action.Feeding)
		assert.Contains(t, f.persisted(t).State.Active, action.Feeding)
	})
}

func TestReloadSkipsEntriesCommittedDuringFetch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.cache.StartAction(ctx, f.pid, action.Sleep, action.Attrs{})
	f.store.Put(store.NewRecord(f.pid))

	_, err := f.cache.Reload(ctx, func() bool {
		// a local write lands between fetch and commit
		f.cache.StartAction(ctx, f.pid, action.Diaper, action.Attrs{})
		return true
	})
	require.NoError(t, err)
	s := f.state(t)
	assert.Contains(t, s.Active, action.Sleep)
	assert.Len(t, s.History, 1)
}

func TestReloadKeepsProfileLoadedDuringFetch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.Put(store.NewRecord(f.pid))

	var sleep action.Action
	_, err := f.cache.Reload(ctx, func() bool {
		// first touch of a profile the cache never held
		sleep = f.cache.StartAction(ctx, f.pid, action.Sleep, action.Attrs{})
		return true
	})
	require.NoError(t, err)

	_, ok := f.state(t).Find(sleep.ID)
	assert.True(t, ok, "reload replaced the entry with the older fetched record")

	f.cache.StartAction(ctx, f.pid, action.Diaper, action.Attrs{})
	_, ok = f.persisted(t).State.Find(sleep.ID)
	assert.True(t, ok, "a later save dropped the sleep action")
}
