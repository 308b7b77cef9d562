// Package store persists per-profile action state. A Record is the unit of
// persistence: saving one replaces the profile's actions, tombstones and
// pending-push markers in a single transaction.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/cradle/action"
)

// Record is everything persisted for one profile.
type Record struct {
	ProfileID uuid.UUID
	Name      string
	BirthDate *time.Time
	State     *action.State

	// Tombstones maps locally deleted action ids to their deletion time.
	Tombstones map[uuid.UUID]time.Time

	// Pending maps action ids created or edited locally and not yet pushed.
	Pending map[uuid.UUID]time.Time
}

// NewRecord returns an empty record for profileID.
func NewRecord(profileID uuid.UUID) *Record {
	return &Record{
		ProfileID:  profileID,
		State:      action.NewState(),
		Tombstones: make(map[uuid.UUID]time.Time),
		Pending:    make(map[uuid.UUID]time.Time),
	}
}

// Clone copies the record so a caller can mutate it without affecting the original.
func (r *Record) Clone() *Record {
	out := &Record{
		ProfileID:  r.ProfileID,
		Name:       r.Name,
		BirthDate:  r.BirthDate,
		Tombstones: make(map[uuid.UUID]time.Time, len(r.Tombstones)),
		Pending:    make(map[uuid.UUID]time.Time, len(r.Pending)),
	}
	if r.State != nil {
		out.State = r.State.Clone()
	} else {
		out.State = action.NewState()
	}
	for id, at := range r.Tombstones {
		out.Tombstones[id] = at
	}
	for id, at := range r.Pending {
		out.Pending[id] = at
	}
	return out
}

// ChangeEvent describes a committed write.
type ChangeEvent struct {
	ProfileIDs []uuid.UUID
	// Writer identifies the store instance that committed the change.
	Writer string
	// Seq is the change-log position of the commit, zero for stores without a log.
	Seq int64
}

// Store is the persistence collaborator. Implementations are transactional
// per profile and notify subscribers synchronously after each commit.
type Store interface {
	// Fetch returns errors.ErrNotFound when the profile has never been saved.
	Fetch(ctx context.Context, profileID uuid.UUID) (*Record, error)
	FetchAll(ctx context.Context) ([]*Record, error)
	Save(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, profileID uuid.UUID) error
	Subscribe(fn func(ChangeEvent)) (unsubscribe func())
}
