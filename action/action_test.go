package action

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return time.Date(2026, 3, 14, h, m, 0, 0, time.UTC)
}

func closed(c Category, start, end time.Time) Action {
	a := New(c, start, Attrs{})
	return a.Closed(end)
}

func TestNewInstantIsClosed(t *testing.T) {
	a := New(Diaper, base, Attrs{DiaperType: Ptr(DiaperWet)})
	require.NotNil(t, a.EndDate)
	assert.True(t, a.EndDate.Equal(a.StartDate))
	assert.False(t, a.IsOpen())

	s := New(Sleep, base, Attrs{})
	assert.True(t, s.IsOpen())
	assert.Equal(t, 30*time.Minute, s.Duration(base.Add(30*time.Minute)))
}

func TestValidatedHealsReversedDates(t *testing.T) {
	end := base.Add(-time.Hour)
	a := Action{ID: uuid.New(), Category: Sleep, StartDate: base, EndDate: &end}

	v := a.Validated()
	require.NotNil(t, v.EndDate)
	assert.True(t, v.EndDate.Equal(base))
	assert.True(t, a.EndDate.Equal(end), "original must be untouched")
}

func TestEqualAndSameContent(t *testing.T) {
	a := New(Feeding, base, Attrs{FeedingType: Ptr(FeedingBottle), BottleVolume: Ptr(90.0)})
	b := a
	b.BottleVolume = Ptr(90.0)
	b.StartDate = base.In(time.FixedZone("x", 3600))
	assert.True(t, a.Equal(b))

	b.UpdatedAt = base.Add(time.Minute)
	assert.False(t, a.Equal(b))
	assert.True(t, a.SameContent(b))

	b.BottleVolume = Ptr(120.0)
	assert.False(t, a.SameContent(b))
}

func TestTouchedNeverMovesBackwards(t *testing.T) {
	a := New(Sleep, base, Attrs{})
	assert.True(t, a.Touched(base.Add(-time.Hour)).UpdatedAt.Equal(base))
	assert.True(t, a.Touched(base.Add(time.Hour)).UpdatedAt.Equal(base.Add(time.Hour)))
}

func TestParseCategory(t *testing.T) {
	c, err := ParseCategory("feeding")
	require.NoError(t, err)
	assert.Equal(t, Feeding, c)

	_, err = ParseCategory("bath")
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	older := New(Feeding, base, Attrs{BottleVolume: Ptr(60.0)})
	newer := older
	newer.BottleVolume = Ptr(120.0)
	newer.UpdatedAt = base.Add(5 * time.Second)

	t.Run("idempotent", func(t *testing.T) {
		assert.True(t, Resolve(older, older).Equal(older))
	})
	t.Run("last writer wins", func(t *testing.T) {
		assert.True(t, Resolve(newer, older).Equal(newer))
		assert.True(t, Resolve(older, newer).Equal(newer))
	})
	t.Run("tie keeps local", func(t *testing.T) {
		tied := newer
		tied.UpdatedAt = older.UpdatedAt
		assert.True(t, Resolve(older, tied).Equal(older))
		assert.True(t, Resolve(tied, older).Equal(tied))
	})
	t.Run("deterministic", func(t *testing.T) {
		first := Resolve(older, newer)
		for i := 0; i < 10; i++ {
			assert.True(t, Resolve(older, newer).Equal(first))
		}
	})
}

func TestStateRemoveAndFind(t *testing.T) {
	s := NewState()
	open := New(Sleep, at(10, 0), Attrs{})
	h1 := closed(Feeding, at(8, 0), at(8, 20))
	h2 := closed(Diaper, at(7, 0), at(7, 0))
	s.Active[Sleep] = open
	s.History = []Action{h1, h2}

	_, ok := s.Find(h2.ID)
	assert.True(t, ok)

	removed, ok := s.Remove(h1.ID)
	require.True(t, ok)
	assert.Equal(t, h1.ID, removed.ID)
	assert.Len(t, s.History, 1)

	_, ok = s.Remove(open.ID)
	assert.True(t, ok)
	assert.Empty(t, s.Active)

	_, ok = s.Remove(uuid.New())
	assert.False(t, ok)
}

func TestSortHistory(t *testing.T) {
	s := NewState()
	s.History = []Action{
		closed(Sleep, at(1, 0), at(2, 0)),
		closed(Sleep, at(5, 0), at(6, 0)),
		closed(Sleep, at(3, 0), at(4, 0)),
	}
	s.SortHistory()
	assert.True(t, s.History[0].StartDate.Equal(at(5, 0)))
	assert.True(t, s.History[2].StartDate.Equal(at(1, 0)))
}

func TestClampStart(t *testing.T) {
	s := NewState()
	s.History = []Action{closed(Sleep, at(9, 0), at(10, 30))}

	assert.True(t, s.ClampStart(Sleep, at(10, 0)).Equal(at(10, 30)))
	assert.True(t, s.ClampStart(Sleep, at(11, 0)).Equal(at(11, 0)), "outside the interval")
	assert.True(t, s.ClampStart(Feeding, at(10, 0)).Equal(at(10, 0)), "other category")

	t.Run("earliest starting interval wins", func(t *testing.T) {
		s := NewState()
		s.History = []Action{
			closed(Sleep, at(9, 30), at(10, 15)),
			closed(Sleep, at(8, 0), at(11, 0)),
		}
		assert.True(t, s.ClampStart(Sleep, at(10, 0)).Equal(at(11, 0)))
	})
}

func TestPartition(t *testing.T) {
	olderOpen := New(Sleep, at(8, 0), Attrs{})
	newerOpen := New(Sleep, at(9, 0), Attrs{})
	feeding := New(Feeding, at(9, 10), Attrs{})
	diaper := New(Diaper, at(7, 0), Attrs{})
	diaper.EndDate = nil

	s := Partition([]Action{olderOpen, newerOpen, feeding, diaper, feeding})

	assert.Equal(t, newerOpen.ID, s.Active[Sleep].ID)
	assert.Equal(t, feeding.ID, s.Active[Feeding].ID)
	_, hasDiaper := s.Active[Diaper]
	assert.False(t, hasDiaper, "instant actions never stay active")
	require.Len(t, s.History, 2)

	closedOld, ok := s.Find(olderOpen.ID)
	require.True(t, ok)
	require.NotNil(t, closedOld.EndDate)
	assert.True(t, closedOld.EndDate.Equal(at(9, 0)))
	assert.Equal(t, 4, s.Len())
}

func TestStateJSON(t *testing.T) {
	s := NewState()
	s.Active[Sleep] = New(Sleep, base, Attrs{Location: &Location{Latitude: 52.1, Longitude: 4.3, PlaceName: "home"}})
	s.PushHistory(closed(Feeding, base.Add(-time.Hour), base.Add(-30*time.Minute)))

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"activeActions":{"sleep":`)
	assert.Contains(t, string(data), `"startDate":"2026-03-14T09:00:00Z"`)

	var decoded State
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, decoded.Active[Sleep].Equal(s.Active[Sleep]))
	assert.True(t, decoded.History[0].Equal(s.History[0]))

	var empty State
	require.NoError(t, json.Unmarshal([]byte(`{}`), &empty))
	assert.NotNil(t, empty.Active)
}
