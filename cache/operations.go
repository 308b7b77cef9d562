package cache

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/cradle/action"
	"github.com/teranos/cradle/store"
)

// StartAction logs a new action of category at the current time.
//
// Instant categories close any open action of the same category and record a
// closed action. Durational categories close every open durational action,
// in any category, then open a new one whose start is clamped out of any
// closed interval of the same category. The returned action is the one created.
func (c *Cache) StartAction(ctx context.Context, profileID uuid.UUID, category action.Category, attrs action.Attrs) action.Action {
	var created action.Action
	c.mutate(ctx, profileID, "start", func(rec *store.Record, now time.Time) Change {
		s := rec.State
		var ch Change

		if category.IsInstant() {
			closeOpen(s, category, now, &ch)
			created = action.New(category, now, attrs)
			s.PushHistory(created)
		} else {
			for _, other := range action.Categories() {
				if !other.IsInstant() {
					closeOpen(s, other, now, &ch)
				}
			}
			created = action.New(category, s.ClampStart(category, now), attrs)
			created.UpdatedAt = now
			s.Active[category] = created
		}

		ch.touch(created.ID)
		ch.logged(category)
		s.SortHistory()
		return ch
	})
	return created
}

// closeOpen moves the open action of category, if any, into history ended at now.
func closeOpen(s *action.State, category action.Category, now time.Time, ch *Change) {
	open, ok := s.Active[category]
	if !ok {
		return
	}
	delete(s.Active, category)
	done := open.Closed(now).Touched(now)
	s.PushHistory(done)
	ch.touch(done.ID)
	ch.logged(category)
}

// StopAction closes the open action of category. No-op when none is open.
func (c *Cache) StopAction(ctx context.Context, profileID uuid.UUID, category action.Category) {
	c.mutate(ctx, profileID, "stop", func(rec *store.Record, now time.Time) Change {
		var ch Change
		closeOpen(rec.State, category, now, &ch)
		// stopping is not a new log entry, reminders are left alone
		ch.Logged = nil
		rec.State.SortHistory()
		return ch
	})
}

// UpdateAction replaces the stored action with the same id. Unknown ids and
// unchanged values are ignored, which makes repeated updates idempotent.
func (c *Cache) UpdateAction(ctx context.Context, profileID uuid.UUID, updated action.Action) {
	c.mutate(ctx, profileID, "update", func(rec *store.Record, now time.Time) Change {
		s := rec.State
		existing, ok := s.Find(updated.ID)
		if !ok {
			return Change{}
		}
		next := updated.Validated()
		if existing.SameContent(next) {
			return Change{}
		}
		next.UpdatedAt = existing.UpdatedAt
		next = next.Touched(now)

		var ch Change
		s.Remove(existing.ID)
		place(s, next, now, &ch)
		ch.touch(next.ID)
		return ch
	})
}

// AddManualAction inserts a backdated or edited action, replacing any entry
// with the same id. An open durational action takes its category's active
// slot; everything else goes to history.
func (c *Cache) AddManualAction(ctx context.Context, profileID uuid.UUID, a action.Action) {
	c.mutate(ctx, profileID, "add_manual", func(rec *store.Record, now time.Time) Change {
		s := rec.State
		if a.ID == uuid.Nil {
			a.ID = uuid.New()
		}
		s.Remove(a.ID)
		next := a.Validated().Touched(now)

		var ch Change
		place(s, next, now, &ch)
		ch.touch(next.ID)
		return ch
	})
}

// place routes a into the active slot or history, closing a conflicting
// open action of the same category where a begins.
func place(s *action.State, a action.Action, now time.Time, ch *Change) {
	if !a.Category.IsInstant() && a.IsOpen() {
		if current, ok := s.Active[a.Category]; ok && current.ID != a.ID {
			delete(s.Active, a.Category)
			end := a.StartDate
			if end.Before(current.StartDate) {
				end = now
			}
			done := current.Closed(end).Touched(now)
			s.History = append(s.History, done)
			ch.touch(done.ID)
		}
		s.Active[a.Category] = a
	} else {
		s.History = append(s.History, a)
	}
	s.SortHistory()
}

// ContinueAction reopens a closed action by clearing its end date. Only
// allowed while nothing of that category is open.
func (c *Cache) ContinueAction(ctx context.Context, profileID uuid.UUID, actionID uuid.UUID) {
	c.mutate(ctx, profileID, "continue", func(rec *store.Record, now time.Time) Change {
		s := rec.State
		for _, a := range s.History {
			if a.ID != actionID {
				continue
			}
			if a.Category.IsInstant() {
				return Change{}
			}
			if _, open := s.Active[a.Category]; open {
				return Change{}
			}
			s.Remove(a.ID)
			a.EndDate = nil
			a = a.Touched(now)
			s.Active[a.Category] = a

			var ch Change
			ch.touch(a.ID)
			return ch
		}
		return Change{}
	})
}

// DeleteAction removes an action from wherever it lives. Unknown ids are ignored.
func (c *Cache) DeleteAction(ctx context.Context, profileID uuid.UUID, actionID uuid.UUID) {
	c.mutate(ctx, profileID, "delete", func(rec *store.Record, now time.Time) Change {
		var ch Change
		if _, ok := rec.State.Remove(actionID); ok {
			ch.Removed = append(ch.Removed, actionID)
		}
		return ch
	})
}
