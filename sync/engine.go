package sync

import (
	"context"
	"sort"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/teranos/cradle/action"
	"github.com/teranos/cradle/cache"
	"github.com/teranos/cradle/errors"
	"github.com/teranos/cradle/store"
)

// Remote is the cloud backend.
type Remote interface {
	// FetchSnapshot returns the backend's complete view of every profile.
	FetchSnapshot(ctx context.Context) (*Snapshot, error)
	// Push upserts actions and deletes deletedIDs for one profile.
	Push(ctx context.Context, profileID uuid.UUID, upserts []action.Action, deletedIDs []uuid.UUID) error
}

// Snapshot is what the cloud holds.
type Snapshot struct {
	Profiles map[uuid.UUID][]action.Action
	// Known lists ids the backend holds but could not return as actions,
	// for example records it failed to decode.
	Known map[uuid.UUID][]uuid.UUID
}

// KnownIDs returns every id the backend holds for a profile.
func (s *Snapshot) KnownIDs(profileID uuid.UUID) map[uuid.UUID]struct{} {
	ids := make(map[uuid.UUID]struct{})
	for _, a := range s.Profiles[profileID] {
		ids[a.ID] = struct{}{}
	}
	for _, id := range s.Known[profileID] {
		ids[id] = struct{}{}
	}
	return ids
}

// ErrNoRemote is returned by cloud operations when no backend is configured.
var ErrNoRemote = errors.Wrap(errors.ErrServiceUnavailable, "no cloud backend configured")

// EngineOptions configures an Engine.
type EngineOptions struct {
	Now func() time.Time
	// PushPerMinute caps outbound pushes. Zero or less means unlimited.
	PushPerMinute int
	// Parallelism bounds concurrent per-profile merges. Defaults to 4.
	Parallelism int
	Logger      *zap.SugaredLogger
}

// Engine reconciles the cache with the cloud and with shared documents.
//
// It is installed as the cache's Hooks: local deletions leave tombstones,
// local creations and edits leave pending-push markers, and every local
// change schedules a push.
type Engine struct {
	cache    *cache.Cache
	remote   Remote
	limiter  *rate.Limiter
	parallel int
	now      func() time.Time
	logger   *zap.SugaredLogger

	mu    gosync.Mutex
	dirty map[uuid.UUID]struct{}
	known map[uuid.UUID]map[uuid.UUID]struct{}
	kick  chan struct{}
}

// NewEngine creates an engine over c and installs it as c's hooks. remote
// may be nil when no cloud backend is configured.
func NewEngine(c *cache.Cache, remote Remote, opts EngineOptions) *Engine {
	e := &Engine{
		cache:    c,
		remote:   remote,
		limiter:  rate.NewLimiter(rate.Inf, 1),
		parallel: opts.Parallelism,
		now:      opts.Now,
		logger:   opts.Logger,
		dirty:    make(map[uuid.UUID]struct{}),
		known:    make(map[uuid.UUID]map[uuid.UUID]struct{}),
		kick:     make(chan struct{}, 1),
	}
	if opts.PushPerMinute > 0 {
		e.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.PushPerMinute)), min(opts.PushPerMinute, 10))
	}
	if e.parallel <= 0 {
		e.parallel = 4
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.logger == nil {
		e.logger = zap.NewNop().Sugar()
	}
	c.SetHooks(e)
	return e
}

// HasRemote reports whether a cloud backend is configured.
func (e *Engine) HasRemote() bool {
	return e.remote != nil
}

// Committing records tombstones for local deletions and pending-push markers
// for local creations and edits. Runs under the profile lock.
func (e *Engine) Committing(rec *store.Record, ch cache.Change) {
	if ch.Origin != cache.OriginLocal {
		return
	}
	now := e.now()
	for _, id := range ch.Removed {
		rec.Tombstones[id] = now
		delete(rec.Pending, id)
	}
	present := rec.State.IDs()
	for _, id := range ch.Touched {
		if _, ok := present[id]; ok {
			rec.Pending[id] = now
			delete(rec.Tombstones, id)
		}
	}
}

// Committed schedules a push after every local change. A removed profile
// pushes like any other: its tombstones become the cloud deletions.
func (e *Engine) Committed(profileID uuid.UUID, ch cache.Change) {
	if ch.Origin != cache.OriginLocal || ch.Empty() {
		return
	}
	e.schedule(profileID)
}

// Reloaded schedules a push for every profile a store reload replaced, so
// changes another process committed reach the cloud from here too.
func (e *Engine) Reloaded(profileIDs []uuid.UUID) {
	if e.remote == nil || len(profileIDs) == 0 {
		return
	}
	e.mu.Lock()
	for _, pid := range profileIDs {
		e.dirty[pid] = struct{}{}
	}
	e.mu.Unlock()
	e.wake()
}

func (e *Engine) wake() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

func (e *Engine) schedule(profileID uuid.UUID) {
	if e.remote == nil {
		return
	}
	e.mu.Lock()
	e.dirty[profileID] = struct{}{}
	e.mu.Unlock()
	e.wake()
}

// Run pushes scheduled profiles until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.kick:
			if err := e.Flush(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warnw("Scheduled push failed, will retry on next sync", "error", err)
			}
		}
	}
}

// Flush pushes every scheduled profile now.
func (e *Engine) Flush(ctx context.Context) error {
	if e.remote == nil {
		return nil
	}
	e.mu.Lock()
	dirty := e.dirty
	e.dirty = make(map[uuid.UUID]struct{})
	e.mu.Unlock()

	var errs error
	for pid := range dirty {
		if err := e.limiter.Wait(ctx); err != nil {
			return errors.CombineErrors(errs, err)
		}
		if err := e.PushLocalState(ctx, pid); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}

// PushLocalState sends the profile's full action list to the cloud along
// with the ids it should delete: tombstoned ids, plus ids the cloud held at
// the last fetch that are neither held locally nor pending. Pending markers
// captured for the push are cleared once it succeeds.
func (e *Engine) PushLocalState(ctx context.Context, profileID uuid.UUID) error {
	if e.remote == nil {
		return ErrNoRemote
	}
	rec, err := e.cache.Record(ctx, profileID)
	if err != nil {
		return errors.Wrapf(err, "read profile %s for push", profileID)
	}

	upserts := rec.State.All()
	deleted := e.deletionCandidates(rec)
	if err := e.remote.Push(ctx, profileID, upserts, deleted); err != nil {
		e.mu.Lock()
		e.dirty[profileID] = struct{}{}
		e.mu.Unlock()
		return errors.Wrapf(err, "push profile %s", profileID)
	}

	e.mu.Lock()
	e.known[profileID] = rec.State.IDs()
	e.mu.Unlock()

	if err := e.cache.ConfirmPushed(ctx, profileID, rec.Pending); err != nil {
		e.logger.Warnw("Failed to clear pending-push markers", "profile_id", profileID, "error", err)
	}
	e.logger.Debugw("Pushed profile",
		"profile_id", profileID,
		"count", len(upserts),
		"removed", len(deleted),
	)
	return nil
}

func (e *Engine) deletionCandidates(rec *store.Record) []uuid.UUID {
	local := rec.State.IDs()
	out := make(map[uuid.UUID]struct{}, len(rec.Tombstones))
	for id := range rec.Tombstones {
		out[id] = struct{}{}
	}
	e.mu.Lock()
	for id := range e.known[rec.ProfileID] {
		_, held := local[id]
		_, pending := rec.Pending[id]
		if !held && !pending {
			out[id] = struct{}{}
		}
	}
	e.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(out))
	for id := range out {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// MergeSnapshot reconciles one profile against a snapshot of its actions
// and schedules a push of the result when anything changed. The merge is
// saved atomically; a failed save leaves the profile as it was.
func (e *Engine) MergeSnapshot(ctx context.Context, profileID uuid.UUID, actions []action.Action, opts MergeOptions) (MergeResult, error) {
	res, err := e.merge(ctx, profileID, actions, opts)
	if err != nil {
		return res, err
	}
	if res.Changed() {
		e.schedule(profileID)
	}
	return res, nil
}

func (e *Engine) merge(ctx context.Context, profileID uuid.UUID, actions []action.Action, opts MergeOptions) (MergeResult, error) {
	if opts.Now.IsZero() {
		opts.Now = e.now()
	}
	var res MergeResult
	_, err := e.cache.Transact(ctx, profileID, cache.OriginRemote, func(rec *store.Record) (cache.Change, error) {
		res = Merge(rec, actions, opts)
		return res.change(), nil
	})
	if err != nil {
		return MergeResult{}, errors.Wrapf(err, "merge snapshot into profile %s", profileID)
	}
	if res.Changed() || res.Suppressed > 0 {
		e.logger.Infow("Merged snapshot",
			"profile_id", profileID,
			"added", res.Added,
			"updated", res.Updated,
			"removed", res.Removed,
			"suppressed", res.Suppressed,
		)
	}
	return res, nil
}

// CloudReport totals one cloud sync.
type CloudReport struct {
	Profiles   int `json:"profiles"`
	Added      int `json:"added"`
	Updated    int `json:"updated"`
	Removed    int `json:"removed"`
	Suppressed int `json:"suppressed"`
	Pushed     int `json:"pushed"`
}

func (r *CloudReport) add(res MergeResult) {
	r.Profiles++
	r.Added += res.Added
	r.Updated += res.Updated
	r.Removed += res.Removed
	r.Suppressed += res.Suppressed
}

// SyncCloud fetches the cloud snapshot, merges every profile in it, then
// pushes every local profile back. The snapshot is complete: a local profile
// it does not mention is merged against an empty list. A failed fetch aborts
// without touching local state. A profile whose merge failed is not pushed
// this cycle.
func (e *Engine) SyncCloud(ctx context.Context) (CloudReport, error) {
	if e.remote == nil {
		return CloudReport{}, ErrNoRemote
	}
	start := time.Now()

	snap, err := e.remote.FetchSnapshot(ctx)
	if err != nil {
		e.logger.Warnw("Cloud fetch failed, skipping sync cycle", "error", err)
		return CloudReport{}, errors.Wrap(err, "fetch cloud snapshot")
	}

	known := make(map[uuid.UUID]map[uuid.UUID]struct{}, len(snap.Profiles))
	for pid := range snap.Profiles {
		known[pid] = snap.KnownIDs(pid)
	}
	for pid := range snap.Known {
		known[pid] = snap.KnownIDs(pid)
	}
	e.mu.Lock()
	e.known = known
	e.mu.Unlock()

	// a local profile the cloud holds nothing for merges as empty
	local, err := e.cache.LoadAll(ctx)
	if err != nil {
		return CloudReport{}, errors.Wrap(err, "list local profiles")
	}
	work := make(map[uuid.UUID][]action.Action, len(snap.Profiles)+len(local))
	for pid, actions := range snap.Profiles {
		work[pid] = actions
	}
	for _, pid := range local {
		if _, ok := work[pid]; !ok {
			work[pid] = nil
		}
	}

	var (
		mu     gosync.Mutex
		report CloudReport
		errs   error
		failed = make(map[uuid.UUID]struct{})
	)
	var g errgroup.Group
	g.SetLimit(e.parallel)
	for pid, actions := range work {
		g.Go(func() error {
			res, err := e.merge(ctx, pid, actions, MergeOptions{Prune: true})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[pid] = struct{}{}
				errs = errors.CombineErrors(errs, err)
				return nil
			}
			report.add(res)
			return nil
		})
	}
	_ = g.Wait()

	profiles, err := e.cache.LoadAll(ctx)
	if err != nil {
		return report, errors.CombineErrors(errs, err)
	}
	for _, pid := range profiles {
		if _, skip := failed[pid]; skip {
			continue
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return report, errors.CombineErrors(errs, err)
		}
		if err := e.PushLocalState(ctx, pid); err != nil {
			errs = errors.CombineErrors(errs, err)
			continue
		}
		e.mu.Lock()
		delete(e.dirty, pid)
		e.mu.Unlock()
		report.Pushed++
	}

	e.logger.Infow("Cloud sync complete",
		"count", report.Profiles,
		"added", report.Added,
		"updated", report.Updated,
		"removed", report.Removed,
		"suppressed", report.Suppressed,
		"pushed", report.Pushed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return report, errs
}

// Digests computes a digest for every profile that holds any data.
func (e *Engine) Digests(ctx context.Context) (map[uuid.UUID]Hash, error) {
	profiles, err := e.cache.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]Hash, len(profiles))
	for _, pid := range profiles {
		rec, err := e.cache.Record(ctx, pid)
		if err != nil {
			return nil, err
		}
		if isEmpty(rec) {
			continue
		}
		out[pid] = Digest(rec.State)
	}
	return out, nil
}

func isEmpty(rec *store.Record) bool {
	return rec.State.Len() == 0 && rec.Name == "" && rec.BirthDate == nil
}

// ExportProfile builds the shared document for a profile.
func (e *Engine) ExportProfile(ctx context.Context, profileID uuid.UUID) (*SharedProfileData, error) {
	rec, err := e.cache.Record(ctx, profileID)
	if err != nil {
		return nil, errors.Wrapf(err, "read profile %s for export", profileID)
	}
	if isEmpty(rec) {
		return nil, errors.NewNotFoundError("profile %s has no data", profileID)
	}
	return &SharedProfileData{
		Version:    SnapshotVersion,
		ExportedAt: e.now().UTC(),
		Profile: ProfileInfo{
			ID:        rec.ProfileID,
			Name:      rec.Name,
			BirthDate: rec.BirthDate,
		},
		Actions: *rec.State,
	}, nil
}

// Export renders a profile as a shared document, snappy-compressed if asked.
func (e *Engine) Export(ctx context.Context, profileID uuid.UUID, compress bool) ([]byte, error) {
	doc, err := e.ExportProfile(ctx, profileID)
	if err != nil {
		return nil, err
	}
	if compress {
		return EncodeCompressed(doc)
	}
	return Encode(doc)
}

// ImportProfile merges a shared document additively. Imported actions are
// marked pending so a cloud snapshot that has not seen them yet does not
// prune them. Profile fields fill in only what is missing locally.
func (e *Engine) ImportProfile(ctx context.Context, doc *SharedProfileData) (MergeSummary, error) {
	var res MergeResult
	_, err := e.cache.Transact(ctx, doc.Profile.ID, cache.OriginRemote, func(rec *store.Record) (cache.Change, error) {
		now := e.now()
		res = Merge(rec, doc.Actions.All(), MergeOptions{Now: now})
		for _, id := range res.touched {
			rec.Pending[id] = now
		}
		ch := res.change()
		if rec.Name == "" && doc.Profile.Name != "" {
			rec.Name = doc.Profile.Name
			ch.Bookkeeping = true
		}
		if rec.BirthDate == nil && doc.Profile.BirthDate != nil {
			birth := *doc.Profile.BirthDate
			rec.BirthDate = &birth
			ch.Bookkeeping = true
		}
		return ch, nil
	})
	if err != nil {
		return MergeSummary{}, errors.Wrapf(err, "import profile %s", doc.Profile.ID)
	}
	if res.Added+res.Updated > 0 {
		e.schedule(doc.Profile.ID)
	}
	e.logger.Infow("Imported shared profile",
		"profile_id", doc.Profile.ID,
		"added", res.Added,
		"updated", res.Updated,
		"suppressed", res.Suppressed,
	)
	return res.Summary(), nil
}

// Import decodes a shared document and merges it. Decode failures wrap
// errors.ErrInvalidRequest and import nothing.
func (e *Engine) Import(ctx context.Context, data []byte) (MergeSummary, error) {
	doc, err := Decode(data)
	if err != nil {
		return MergeSummary{}, err
	}
	return e.ImportProfile(ctx, doc)
}
