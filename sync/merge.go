package sync

import (
	"time"

	"github.com/google/uuid"

	"github.com/teranos/cradle/action"
	"github.com/teranos/cradle/cache"
	"github.com/teranos/cradle/store"
)

// MergeOptions controls how a snapshot is reconciled.
type MergeOptions struct {
	// Prune removes local actions the snapshot does not contain and clears
	// tombstones the snapshot no longer carries. Only snapshots that claim
	// to be complete (the cloud) prune; a shared file or a peer carries one
	// device's view and is merged additively.
	Prune bool
	// Now stamps actions the merge itself edits. Zero means time.Now.
	Now time.Time
}

// MergeResult counts what a merge did.
type MergeResult struct {
	Added             int
	Updated           int
	Removed           int
	Suppressed        int
	TombstonesCleared int
	PendingCleared    int

	touched []uuid.UUID
	removed []uuid.UUID
}

// MergeSummary is the user-facing part of a MergeResult.
type MergeSummary struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
}

// Summary reports added and updated counts.
func (r MergeResult) Summary() MergeSummary {
	return MergeSummary{Added: r.Added, Updated: r.Updated}
}

// Changed reports whether the merge modified the record at all.
func (r MergeResult) Changed() bool {
	return r.Added+r.Updated+r.Removed > 0 || r.TombstonesCleared+r.PendingCleared > 0
}

func (r MergeResult) change() cache.Change {
	return cache.Change{
		Touched:     r.touched,
		Removed:     r.removed,
		Bookkeeping: r.TombstonesCleared+r.PendingCleared > 0,
	}
}

// Merge reconciles remote, a snapshot of one profile's actions, into rec.
//
// Ids known on both sides resolve last-writer-wins. Ids only the snapshot
// has are inserted unless tombstoned here. With Prune set, ids only rec has
// are removed unless they carry a pending-push marker, and tombstones for
// ids absent from the snapshot are cleared. The merged actions are
// re-partitioned into active slots and history; an open action closed because
// a newer one took its slot counts as an update, touched at opts.Now and
// marked pending so its closed copy outranks the open one elsewhere.
//
// Merge does no I/O and mutates rec in place.
func Merge(rec *store.Record, remote []action.Action, opts MergeOptions) MergeResult {
	var res MergeResult

	local := rec.State.All()
	merged := make(map[uuid.UUID]action.Action, len(local)+len(remote))
	order := make([]uuid.UUID, 0, len(local)+len(remote))
	for _, a := range local {
		merged[a.ID] = a
		order = append(order, a.ID)
	}
	isLocal := make(map[uuid.UUID]struct{}, len(local))
	for _, a := range local {
		isLocal[a.ID] = struct{}{}
	}

	inSnapshot := make(map[uuid.UUID]struct{}, len(remote))
	for _, raw := range remote {
		incoming := raw.Validated()
		inSnapshot[incoming.ID] = struct{}{}

		current, ok := merged[incoming.ID]
		if !ok {
			if _, deleted := rec.Tombstones[incoming.ID]; deleted {
				res.Suppressed++
				continue
			}
			merged[incoming.ID] = incoming
			order = append(order, incoming.ID)
			res.Added++
			res.touched = append(res.touched, incoming.ID)
			continue
		}

		winner := action.Resolve(current, incoming)
		if winner.Equal(current) {
			continue
		}
		merged[incoming.ID] = winner
		if _, fromLocal := isLocal[incoming.ID]; fromLocal {
			res.Updated++
			res.touched = append(res.touched, incoming.ID)
		}
		// a remote win supersedes whatever local edit was waiting to go out
		if _, pending := rec.Pending[incoming.ID]; pending {
			delete(rec.Pending, incoming.ID)
			res.PendingCleared++
		}
	}

	if opts.Prune {
		for id := range isLocal {
			if _, ok := inSnapshot[id]; ok {
				continue
			}
			if _, pending := rec.Pending[id]; pending {
				continue
			}
			delete(merged, id)
			res.Removed++
			res.removed = append(res.removed, id)
		}
		for id := range rec.Tombstones {
			if _, ok := inSnapshot[id]; !ok {
				delete(rec.Tombstones, id)
				res.TombstonesCleared++
			}
		}
	}

	if res.Added+res.Updated+res.Removed == 0 {
		return res
	}
	flat := make([]action.Action, 0, len(merged))
	for _, id := range order {
		if a, ok := merged[id]; ok {
			flat = append(flat, a)
		}
	}
	rec.State = action.Partition(flat)
	closeDisplaced(rec, flat, opts.Now, &res)
	return res
}

func closeDisplaced(rec *store.Record, flat []action.Action, now time.Time, res *MergeResult) {
	open := make(map[uuid.UUID]struct{})
	for _, a := range flat {
		if a.Validated().IsOpen() {
			open[a.ID] = struct{}{}
		}
	}
	if len(open) < 2 {
		return
	}
	if now.IsZero() {
		now = time.Now()
	}
	counted := make(map[uuid.UUID]struct{}, len(res.touched))
	for _, id := range res.touched {
		counted[id] = struct{}{}
	}
	for i, a := range rec.State.History {
		if _, wasOpen := open[a.ID]; !wasOpen {
			continue
		}
		rec.State.History[i] = a.Touched(now)
		rec.Pending[a.ID] = now
		if _, ok := counted[a.ID]; !ok {
			res.Updated++
			res.touched = append(res.touched, a.ID)
		}
	}
}
