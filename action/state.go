package action

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// State is one profile's actions: at most one open action per category and
// a history of closed actions, newest start first. No id appears twice.
type State struct {
	Active  map[Category]Action `json:"activeActions"`
	History []Action            `json:"history"`
}

// NewState returns an empty state.
func NewState() *State {
	return &State{Active: make(map[Category]Action), History: []Action{}}
}

// UnmarshalJSON decodes a state and never leaves the active map nil.
func (s *State) UnmarshalJSON(data []byte) error {
	type plain State
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = State(p)
	if s.Active == nil {
		s.Active = make(map[Category]Action)
	}
	if s.History == nil {
		s.History = []Action{}
	}
	return nil
}

// Clone returns a deep enough copy: maps and slices are fresh, actions are values.
func (s *State) Clone() *State {
	out := &State{
		Active:  make(map[Category]Action, len(s.Active)),
		History: make([]Action, len(s.History)),
	}
	for c, a := range s.Active {
		out.Active[c] = a
	}
	copy(out.History, s.History)
	return out
}

// Len counts every action in the state.
func (s *State) Len() int {
	return len(s.Active) + len(s.History)
}

// All returns active actions (in category order) followed by history.
func (s *State) All() []Action {
	out := make([]Action, 0, s.Len())
	for _, c := range Categories() {
		if a, ok := s.Active[c]; ok {
			out = append(out, a)
		}
	}
	return append(out, s.History...)
}

// IDs returns the set of every id in the state.
func (s *State) IDs() map[uuid.UUID]struct{} {
	ids := make(map[uuid.UUID]struct{}, s.Len())
	for _, a := range s.Active {
		ids[a.ID] = struct{}{}
	}
	for _, a := range s.History {
		ids[a.ID] = struct{}{}
	}
	return ids
}

// Find locates an action by id in either the active slots or history.
func (s *State) Find(id uuid.UUID) (Action, bool) {
	for _, a := range s.Active {
		if a.ID == id {
			return a, true
		}
	}
	for _, a := range s.History {
		if a.ID == id {
			return a, true
		}
	}
	return Action{}, false
}

// Remove deletes the action with id from wherever it lives. Reports whether
// anything was removed.
func (s *State) Remove(id uuid.UUID) (Action, bool) {
	for c, a := range s.Active {
		if a.ID == id {
			delete(s.Active, c)
			return a, true
		}
	}
	for i, a := range s.History {
		if a.ID == id {
			s.History = append(s.History[:i:i], s.History[i+1:]...)
			return a, true
		}
	}
	return Action{}, false
}

// PushHistory inserts a closed action at the front of history.
func (s *State) PushHistory(a Action) {
	s.History = append([]Action{a}, s.History...)
}

// SortHistory orders history newest start first. Equal starts fall back to
// id order so every device renders the same list.
func (s *State) SortHistory() {
	sort.SliceStable(s.History, func(i, j int) bool {
		a, b := s.History[i], s.History[j]
		if !a.StartDate.Equal(b.StartDate) {
			return a.StartDate.After(b.StartDate)
		}
		return a.ID.String() < b.ID.String()
	})
}

// ClampStart applies the overlap clamp for a new action of category c that
// would start at start: if start falls inside a closed interval of the same
// category, it moves to that interval's end. Among several containing
// intervals the earliest-starting one is used.
func (s *State) ClampStart(c Category, start time.Time) time.Time {
	var hit *Action
	for i := range s.History {
		prior := &s.History[i]
		if prior.Category != c || prior.EndDate == nil {
			continue
		}
		if start.Before(prior.StartDate) || !start.Before(*prior.EndDate) {
			continue
		}
		if hit == nil || prior.StartDate.Before(hit.StartDate) {
			hit = prior
		}
	}
	if hit == nil {
		return start
	}
	return *hit.EndDate
}

// Partition rebuilds a state from a flat list of actions. Dates are
// validated; open durational actions take the active slot of their category.
// When two open actions claim one slot the later start wins and the other is
// closed where the winner begins. Later duplicates of an id are dropped.
func Partition(actions []Action) *State {
	s := NewState()
	seen := make(map[uuid.UUID]struct{}, len(actions))
	for _, raw := range actions {
		if _, dup := seen[raw.ID]; dup {
			continue
		}
		seen[raw.ID] = struct{}{}

		a := raw.Validated()
		if !a.IsOpen() {
			s.History = append(s.History, a)
			continue
		}
		current, taken := s.Active[a.Category]
		if !taken {
			s.Active[a.Category] = a
			continue
		}
		older, newer := current, a
		if a.StartDate.Before(current.StartDate) {
			older, newer = a, current
		}
		s.Active[a.Category] = newer
		s.History = append(s.History, older.Closed(newer.StartDate))
	}
	s.SortHistory()
	return s
}
