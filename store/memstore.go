package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/teranos/cradle/errors"
)

// MemStore keeps records in memory. It backs ephemeral sessions and tests.
type MemStore struct {
	mu        sync.Mutex
	records   map[uuid.UUID]*Record
	seq       int64
	writer    string
	observers observers

	// failSave, when set, is returned by Save before anything is stored
	failSave error
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[uuid.UUID]*Record), writer: "mem-" + uuid.NewString()}
}

func (m *MemStore) Subscribe(fn func(ChangeEvent)) func() {
	return m.observers.subscribe(fn)
}

func (m *MemStore) Fetch(ctx context.Context, profileID uuid.UUID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[profileID]
	if !ok {
		return nil, errors.NewNotFoundError("profile %s", profileID)
	}
	return rec.Clone(), nil
}

func (m *MemStore) FetchAll(ctx context.Context) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ProfileID.String() < out[j].ProfileID.String()
	})
	return out, nil
}

func (m *MemStore) Save(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "save cancelled")
	}
	m.mu.Lock()
	if m.failSave != nil {
		err := m.failSave
		m.mu.Unlock()
		return errors.Wrapf(err, "save profile %s", rec.ProfileID)
	}
	m.records[rec.ProfileID] = rec.Clone()
	m.seq++
	ev := ChangeEvent{ProfileIDs: []uuid.UUID{rec.ProfileID}, Writer: m.writer, Seq: m.seq}
	m.mu.Unlock()

	m.observers.notify(ev)
	return nil
}

func (m *MemStore) Delete(ctx context.Context, profileID uuid.UUID) error {
	m.mu.Lock()
	delete(m.records, profileID)
	m.seq++
	ev := ChangeEvent{ProfileIDs: []uuid.UUID{profileID}, Writer: m.writer, Seq: m.seq}
	m.mu.Unlock()

	m.observers.notify(ev)
	return nil
}

// SetFailSave makes subsequent saves fail with err, or succeed again when nil.
func (m *MemStore) SetFailSave(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSave = err
}

// Put stores rec without notifying subscribers, simulating a write made by
// another process.
func (m *MemStore) Put(rec *Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ProfileID] = rec.Clone()
}
