package sync

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cradle/action"
	"github.com/teranos/cradle/store"
)

var day = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

func bottle(start time.Time, ml float64) action.Action {
	return action.New(action.Feeding, start, action.Attrs{
		FeedingType:  action.Ptr(action.FeedingBottle),
		BottleVolume: action.Ptr(ml),
	}).Closed(start.Add(20 * time.Minute))
}

func diaper(start time.Time) action.Action {
	return action.New(action.Diaper, start, action.Attrs{DiaperType: action.Ptr(action.DiaperWet)})
}

func recordWith(actions ...action.Action) *store.Record {
	rec := store.NewRecord(uuid.New())
	rec.State = action.Partition(actions)
	return rec
}

func assertUniqueIDs(t *testing.T, s *action.State) {
	t.Helper()
	seen := map[uuid.UUID]bool{}
	for _, a := range s.All() {
		assert.False(t, seen[a.ID], "duplicate id %s", a.ID)
		seen[a.ID] = true
	}
}

func TestMergeConflictRemoteNewerWins(t *testing.T) {
	local := bottle(at(8, 0), 90)
	local.UpdatedAt = at(8, 5)
	rec := recordWith(local)

	remote := local
	remote.BottleVolume = action.Ptr(120.0)
	remote.UpdatedAt = at(8, 10)

	res := Merge(rec, []action.Action{remote}, MergeOptions{Prune: true})

	assert.Equal(t, 1, res.Updated)
	got, ok := rec.State.Find(local.ID)
	require.True(t, ok)
	assert.True(t, got.UpdatedAt.Equal(at(8, 10)))
	assert.Equal(t, 120.0, *got.BottleVolume)
}

func TestMergeConflictLocalNewerOrTieKept(t *testing.T) {
	local := bottle(at(8, 0), 90)
	local.UpdatedAt = at(8, 10)
	rec := recordWith(local)

	older := local
	older.BottleVolume = action.Ptr(60.0)
	older.UpdatedAt = at(8, 5)
	tie := local
	tie.BottleVolume = action.Ptr(70.0)

	for _, remote := range []action.Action{older, tie} {
		res := Merge(rec, []action.Action{remote}, MergeOptions{Prune: true})
		assert.False(t, res.Changed())
		got, _ := rec.State.Find(local.ID)
		assert.Equal(t, 90.0, *got.BottleVolume)
	}
}

func TestMergeTombstoneSuppressesResurrection(t *testing.T) {
	kept := diaper(at(7, 0))
	deleted := diaper(at(6, 0))
	rec := recordWith(kept)
	rec.Tombstones[deleted.ID] = at(9, 0)

	res := Merge(rec, []action.Action{kept, deleted}, MergeOptions{Prune: true})

	assert.Equal(t, 1, res.Suppressed)
	assert.Zero(t, res.Added)
	_, found := rec.State.Find(deleted.ID)
	assert.False(t, found, "tombstoned id must not come back")
	assert.Contains(t, rec.Tombstones, deleted.ID, "remote still holds it, so the tombstone stays")
}

func TestMergeClearsConfirmedTombstones(t *testing.T) {
	rec := recordWith(diaper(at(7, 0)))
	gone := uuid.New()
	rec.Tombstones[gone] = at(9, 0)

	additive := Merge(rec, rec.State.All(), MergeOptions{})
	assert.Zero(t, additive.TombstonesCleared, "only complete snapshots confirm deletions")

	res := Merge(rec, rec.State.All(), MergeOptions{Prune: true})
	assert.Equal(t, 1, res.TombstonesCleared)
	assert.Empty(t, rec.Tombstones)
}

func TestMergePrunesAbsentExceptPending(t *testing.T) {
	synced := diaper(at(6, 0))
	fresh := diaper(at(7, 0))
	stays := diaper(at(5, 0))
	rec := recordWith(synced, fresh, stays)
	rec.Pending[fresh.ID] = at(7, 0)

	res := Merge(rec, []action.Action{stays}, MergeOptions{Prune: true})

	assert.Equal(t, 1, res.Removed)
	_, found := rec.State.Find(synced.ID)
	assert.False(t, found, "absent from the cloud means deleted elsewhere")
	_, found = rec.State.Find(fresh.ID)
	assert.True(t, found, "never-pushed creation survives")
	assert.Empty(t, rec.Tombstones, "remote-driven removals are not tombstoned")
}

func TestMergeAdditiveKeepsLocalOnly(t *testing.T) {
	mine := diaper(at(6, 0))
	theirs := diaper(at(7, 0))
	rec := recordWith(mine)

	res := Merge(rec, []action.Action{theirs}, MergeOptions{})

	assert.Equal(t, 1, res.Added)
	assert.Zero(t, res.Removed)
	assert.Equal(t, 2, rec.State.Len())
}

func TestMergeNoDuplicateIDs(t *testing.T) {
	open := action.New(action.Sleep, at(9, 0), action.Attrs{})
	closed := bottle(at(7, 0), 100)
	rec := recordWith(open, closed)

	// the remote saw the sleep closed, later, and sends one id twice
	remoteSleep := open.Closed(at(10, 0)).Touched(at(10, 0))
	extra := diaper(at(8, 0))
	res := Merge(rec, []action.Action{remoteSleep, closed, extra, extra}, MergeOptions{Prune: true})

	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 1, res.Updated)
	assertUniqueIDs(t, rec.State)
	assert.Empty(t, rec.State.Active, "closed remote copy moves the sleep to history")
	assert.Len(t, rec.State.History, 3)
}

func TestMergeRepartitionsCompetingOpenActions(t *testing.T) {
	mine := action.New(action.Sleep, at(9, 0), action.Attrs{})
	rec := recordWith(mine)
	theirs := action.New(action.Sleep, at(9, 30), action.Attrs{})

	Merge(rec, []action.Action{theirs}, MergeOptions{})

	require.Contains(t, rec.State.Active, action.Sleep)
	assert.Equal(t, theirs.ID, rec.State.Active[action.Sleep].ID, "newer open action holds the slot")
	require.Len(t, rec.State.History, 1)
	assert.True(t, rec.State.History[0].EndDate.Equal(at(9, 30)))
	assertUniqueIDs(t, rec.State)
}

func TestMergeTouchesDisplacedOpenAction(t *testing.T) {
	mine := action.New(action.Sleep, at(9, 0), action.Attrs{})
	rec := recordWith(mine, diaper(at(8, 0)))
	theirs := action.New(action.Sleep, at(9, 30), action.Attrs{})

	res := Merge(rec, []action.Action{theirs}, MergeOptions{Now: at(10, 0)})

	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 1, res.Updated)
	got, ok := rec.State.Find(mine.ID)
	require.True(t, ok)
	require.False(t, got.IsOpen())
	assert.True(t, got.UpdatedAt.Equal(at(10, 0)), "closed copy must outrank the open one it replaces")
	assert.Equal(t, map[uuid.UUID]time.Time{mine.ID: at(10, 0)}, rec.Pending)
	assert.Contains(t, res.change().Touched, mine.ID)

	// the device still holding the open copy converges on the closed one
	other := recordWith(mine)
	Merge(other, rec.State.All(), MergeOptions{Prune: true, Now: at(10, 5)})
	synced, _ := other.State.Find(mine.ID)
	assert.True(t, synced.EndDate.Equal(at(9, 30)))
	assert.True(t, synced.UpdatedAt.Equal(at(10, 0)))
}

func TestMergeHealsReversedDates(t *testing.T) {
	rec := store.NewRecord(uuid.New())
	bad := bottle(at(8, 0), 50)
	end := at(7, 0)
	bad.EndDate = &end

	Merge(rec, []action.Action{bad}, MergeOptions{})

	got, ok := rec.State.Find(bad.ID)
	require.True(t, ok)
	assert.True(t, got.EndDate.Equal(got.StartDate))
}

func TestMergeRemoteWinClearsPending(t *testing.T) {
	local := bottle(at(8, 0), 90)
	local.UpdatedAt = at(8, 5)
	rec := recordWith(local)
	rec.Pending[local.ID] = at(8, 5)

	remote := local
	remote.UpdatedAt = at(8, 30)
	remote.BottleVolume = action.Ptr(110.0)
	res := Merge(rec, []action.Action{remote}, MergeOptions{Prune: true})

	assert.Equal(t, 1, res.PendingCleared)
	assert.Empty(t, rec.Pending)
}
