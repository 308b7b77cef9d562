// Package cache is the in-process authority for each profile's action state.
//
// Every profile has one entry guarded by its own mutex, so all mutations of a
// profile (local edits, merges, reloads) are serialized while different
// profiles proceed in parallel. Reads return copies and never block on I/O
// once a profile is loaded.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/cradle/action"
	"github.com/teranos/cradle/errors"
	"github.com/teranos/cradle/store"
)

// Origin says which path produced a change.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
	OriginReload
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	case OriginReload:
		return "reload"
	}
	return "unknown"
}

// Change describes what one commit did to a profile.
type Change struct {
	Origin Origin
	// Touched lists ids created or edited.
	Touched []uuid.UUID
	// Removed lists ids deleted.
	Removed []uuid.UUID
	// Logged lists categories whose actions were started or closed by a start.
	Logged []action.Category
	// Bookkeeping is set when only tombstones or pending markers changed.
	Bookkeeping bool
	// ProfileRemoved is set by RemoveProfileData.
	ProfileRemoved bool
}

// Empty reports whether the change would leave the record untouched.
func (c Change) Empty() bool {
	return len(c.Touched) == 0 && len(c.Removed) == 0 && !c.Bookkeeping && !c.ProfileRemoved
}

// Structural reports whether actions were added, edited or removed.
func (c Change) Structural() bool {
	return len(c.Touched) > 0 || len(c.Removed) > 0 || c.ProfileRemoved
}

func (c *Change) touch(id uuid.UUID) {
	c.Touched = append(c.Touched, id)
}

func (c *Change) logged(cat action.Category) {
	for _, seen := range c.Logged {
		if seen == cat {
			return
		}
	}
	c.Logged = append(c.Logged, cat)
}

// Notifier receives "logged" events for reminder scheduling.
type Notifier interface {
	ActionLogged(profileID uuid.UUID, category action.Category)
}

// Guard brackets every write the cache makes to the store so change
// notifications caused by those writes can be recognized as our own.
type Guard interface {
	BeginWrite()
	EndWrite()
}

// Hooks observe commits. Committing runs under the profile lock before the
// record is saved and may update its tombstones and pending markers.
// Committed runs after the lock is released.
type Hooks interface {
	Committing(rec *store.Record, ch Change)
	Committed(profileID uuid.UUID, ch Change)
}

// Options configures a Cache. Zero values fall back to no-op collaborators.
type Options struct {
	Now      func() time.Time
	Notifier Notifier
	Guard    Guard
	Hooks    Hooks
	Logger   *zap.SugaredLogger
}

type entry struct {
	mu    sync.Mutex
	rec   *store.Record // nil until loaded
	dirty bool          // last save failed
	stamp uint64        // cache epoch of the last load or commit
}

// Cache projects persisted records into memory and owns all writes to them.
type Cache struct {
	store    store.Store
	now      func() time.Time
	notifier Notifier
	guard    Guard
	hooks    Hooks
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	epoch   atomic.Uint64
}

// New creates a cache over st.
func New(st store.Store, opts Options) *Cache {
	c := &Cache{
		store:    st,
		now:      opts.Now,
		notifier: opts.Notifier,
		guard:    opts.Guard,
		hooks:    opts.Hooks,
		logger:   opts.Logger,
		entries:  make(map[uuid.UUID]*entry),
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.notifier == nil {
		c.notifier = nopNotifier{}
	}
	if c.guard == nil {
		c.guard = nopGuard{}
	}
	if c.hooks == nil {
		c.hooks = nopHooks{}
	}
	if c.logger == nil {
		c.logger = zap.NewNop().Sugar()
	}
	return c
}

// SetHooks installs hooks after construction, for collaborators that need
// the cache to build themselves. Call before first use.
func (c *Cache) SetHooks(h Hooks) {
	c.hooks = h
}

// SetGuard installs the write guard after construction. Call before first use.
func (c *Cache) SetGuard(g Guard) {
	c.guard = g
}

func (c *Cache) entry(profileID uuid.UUID) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[profileID]
	if !ok {
		e = &entry{}
		c.entries[profileID] = e
	}
	return e
}

// load fills e from the store. Caller holds e.mu. A missing profile starts
// empty; any other failure leaves e unloaded so nothing overwrites stored data.
func (c *Cache) load(ctx context.Context, e *entry, profileID uuid.UUID) error {
	if e.rec != nil {
		return nil
	}
	rec, err := c.store.Fetch(ctx, profileID)
	if errors.IsNotFoundError(err) {
		rec = store.NewRecord(profileID)
	} else if err != nil {
		return errors.Wrapf(err, "load profile %s", profileID)
	}
	e.rec = rec
	e.stamp = c.epoch.Add(1)
	return nil
}

// save writes rec under the write guard.
func (c *Cache) save(ctx context.Context, rec *store.Record) error {
	c.guard.BeginWrite()
	defer c.guard.EndWrite()
	return c.store.Save(ctx, rec)
}

// Profiles lists the profiles currently held in memory.
func (c *Cache) Profiles() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uuid.UUID, 0, len(c.entries))
	for id := range c.entries {
		out = append(out, id)
	}
	return out
}

// State returns a copy of the profile's state, loading it on first access.
// A profile that cannot be loaded reads as empty.
func (c *Cache) State(ctx context.Context, profileID uuid.UUID) *action.State {
	e := c.entry(profileID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := c.load(ctx, e, profileID); err != nil {
		c.logger.Warnw("Failed to load profile state", "profile_id", profileID, "error", err)
		return action.NewState()
	}
	return e.rec.State.Clone()
}

// Record returns a copy of the full record including tombstones and pending
// markers. Unlike State it reports load failures.
func (c *Cache) Record(ctx context.Context, profileID uuid.UUID) (*store.Record, error) {
	e := c.entry(profileID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := c.load(ctx, e, profileID); err != nil {
		return nil, err
	}
	return e.rec.Clone(), nil
}

// Invalidate drops the memoized projection; the next access reloads it.
// Entries holding unsaved changes are kept.
func (c *Cache) Invalidate(profileID uuid.UUID) {
	e := c.entry(profileID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.dirty {
		e.rec = nil
	}
}

// mutate applies a best-effort local change: fn edits the live record, the
// result is saved, and a failed save is logged while the in-memory effect
// stands. fn returning an empty Change is a no-op.
func (c *Cache) mutate(ctx context.Context, profileID uuid.UUID, op string, fn func(rec *store.Record, now time.Time) Change) Change {
	e := c.entry(profileID)
	e.mu.Lock()
	if err := c.load(ctx, e, profileID); err != nil {
		e.mu.Unlock()
		c.logger.Warnw("Dropping mutation, profile could not be loaded",
			"operation", op, "profile_id", profileID, "error", err)
		return Change{}
	}

	ch := fn(e.rec, c.now())
	if ch.Empty() {
		e.mu.Unlock()
		return ch
	}
	ch.Origin = OriginLocal
	c.hooks.Committing(e.rec, ch)
	if err := c.save(ctx, e.rec); err != nil {
		e.dirty = true
		c.logger.Warnw("Failed to persist local change, keeping in-memory state",
			"operation", op, "profile_id", profileID, "error", err)
	} else {
		e.dirty = false
	}
	e.stamp = c.epoch.Add(1)
	e.mu.Unlock()

	c.hooks.Committed(profileID, ch)
	for _, cat := range ch.Logged {
		c.notifier.ActionLogged(profileID, cat)
	}
	return ch
}

// Transact runs fn against a copy of the profile's record and commits the
// copy only if it is saved. Save failures are returned and leave the cache
// untouched. fn returning an empty Change skips the save.
func (c *Cache) Transact(ctx context.Context, profileID uuid.UUID, origin Origin, fn func(rec *store.Record) (Change, error)) (Change, error) {
	e := c.entry(profileID)
	e.mu.Lock()
	if err := c.load(ctx, e, profileID); err != nil {
		e.mu.Unlock()
		return Change{}, err
	}

	work := e.rec.Clone()
	ch, err := fn(work)
	if err != nil || ch.Empty() {
		e.mu.Unlock()
		return ch, err
	}
	ch.Origin = origin
	c.hooks.Committing(work, ch)
	if err := c.save(ctx, work); err != nil {
		e.mu.Unlock()
		return Change{}, errors.Wrapf(err, "persist %s change for profile %s", origin, profileID)
	}
	e.rec = work
	e.dirty = false
	e.stamp = c.epoch.Add(1)
	e.mu.Unlock()

	c.hooks.Committed(profileID, ch)
	return ch, nil
}

// ConfirmPushed clears the pending-push markers captured in pushed, a copy
// of the record's markers taken before the push. A marker that changed since
// belongs to a later edit and stays.
func (c *Cache) ConfirmPushed(ctx context.Context, profileID uuid.UUID, pushed map[uuid.UUID]time.Time) error {
	if len(pushed) == 0 {
		return nil
	}
	_, err := c.Transact(ctx, profileID, OriginRemote, func(rec *store.Record) (Change, error) {
		cleared := false
		for id, seen := range pushed {
			marked, ok := rec.Pending[id]
			if ok && marked.Equal(seen) {
				delete(rec.Pending, id)
				cleared = true
			}
		}
		return Change{Bookkeeping: cleared}, nil
	})
	return err
}

// LoadAll brings every stored profile into memory and lists all profiles the
// cache knows. Entries already loaded are left as they are.
func (c *Cache) LoadAll(ctx context.Context) ([]uuid.UUID, error) {
	records, err := c.store.FetchAll(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load all profiles")
	}
	for _, rec := range records {
		e := c.entry(rec.ProfileID)
		e.mu.Lock()
		if e.rec == nil {
			e.rec = rec
			e.stamp = c.epoch.Add(1)
		}
		e.mu.Unlock()
	}
	return c.Profiles(), nil
}

// RemoveProfileData deletes everything stored for a profile, its earlier
// tombstones included. The ids it held are written back as fresh tombstones
// so the deletion outlives a failed push or a restart; they clear once a
// cloud snapshot no longer carries them.
func (c *Cache) RemoveProfileData(ctx context.Context, profileID uuid.UUID) {
	e := c.entry(profileID)
	e.mu.Lock()
	if err := c.load(ctx, e, profileID); err != nil {
		c.logger.Warnw("Removing profile without reading its actions", "profile_id", profileID, "error", err)
	}

	purged := store.NewRecord(profileID)
	var removed []uuid.UUID
	if e.rec != nil {
		now := c.now()
		for id := range e.rec.State.IDs() {
			removed = append(removed, id)
			purged.Tombstones[id] = now
		}
		for id := range e.rec.Tombstones {
			purged.Tombstones[id] = now
		}
	}

	c.guard.BeginWrite()
	err := c.store.Delete(ctx, profileID)
	if err == nil && len(purged.Tombstones) > 0 {
		err = c.store.Save(ctx, purged)
	}
	c.guard.EndWrite()

	switch {
	case err != nil:
		c.logger.Warnw("Failed to delete profile data", "profile_id", profileID, "error", err)
		e.rec = purged
		e.dirty = true
		e.stamp = c.epoch.Add(1)
		e.mu.Unlock()
	case len(purged.Tombstones) > 0:
		e.rec = purged
		e.dirty = false
		e.stamp = c.epoch.Add(1)
		e.mu.Unlock()
	default:
		e.rec = nil
		e.dirty = false
		e.stamp = c.epoch.Add(1)
		e.mu.Unlock()
		c.mu.Lock()
		delete(c.entries, profileID)
		c.mu.Unlock()
	}

	c.hooks.Committed(profileID, Change{Origin: OriginLocal, Removed: removed, ProfileRemoved: true})
}

// Reload re-projects every profile from the store. The fetched records are
// committed only if current still reports true once fetching is done, so a
// superseded reload leaves the cache as it was. Entries committed while the
// fetch ran, or loaded from the store after it started, are at least as new
// as what was fetched and are kept; entries with unsaved changes are saved
// again instead of replaced.
func (c *Cache) Reload(ctx context.Context, current func() bool) ([]uuid.UUID, error) {
	c.mu.Lock()
	start := c.epoch.Add(1)
	before := make(map[uuid.UUID]bool, len(c.entries))
	for id := range c.entries {
		before[id] = true
	}
	c.mu.Unlock()

	records, err := c.store.FetchAll(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "reload records")
	}
	if ctx.Err() != nil || !current() {
		return nil, errors.Wrap(context.Canceled, "reload superseded")
	}

	fetched := make(map[uuid.UUID]*store.Record, len(records))
	for _, rec := range records {
		fetched[rec.ProfileID] = rec
	}
	for id := range before {
		if _, ok := fetched[id]; !ok {
			fetched[id] = nil
		}
	}

	var changed []uuid.UUID
	for id, rec := range fetched {
		e := c.entry(id)
		e.mu.Lock()
		switch {
		case e.rec != nil && e.stamp > start:
			// loaded or committed after the fetch began
		case e.dirty && e.rec != nil:
			if err := c.save(ctx, e.rec); err != nil {
				c.logger.Warnw("Retry of unsaved profile failed", "profile_id", id, "error", err)
			} else {
				e.dirty = false
			}
		case rec == nil:
			e.rec = store.NewRecord(id)
			e.stamp = c.epoch.Add(1)
			changed = append(changed, id)
		default:
			e.rec = rec
			e.stamp = c.epoch.Add(1)
			changed = append(changed, id)
		}
		e.mu.Unlock()
	}
	return changed, nil
}

type nopNotifier struct{}

func (nopNotifier) ActionLogged(uuid.UUID, action.Category) {}

type nopGuard struct{}

func (nopGuard) BeginWrite() {}
func (nopGuard) EndWrite() {}

type nopHooks struct{}

func (nopHooks) Committing(*store.Record, Change) {}
func (nopHooks) Committed(uuid.UUID, Change) {}
