// Package action defines the tracked events synchronized between devices:
// actions, their categories, and the per-profile state that holds them.
package action

import (
	"time"

	"github.com/google/uuid"

	"github.com/teranos/cradle/errors"
)

// Category is the closed set of things a profile can log.
type Category string

const (
	Sleep   Category = "sleep"
	Diaper  Category = "diaper"
	Feeding Category = "feeding"
)

// Categories returns every category in display order.
func Categories() []Category {
	return []Category{Sleep, Diaper, Feeding}
}

// IsInstant reports whether actions of this category are logged already
// complete. Instant actions never occupy an active slot.
func (c Category) IsInstant() bool {
	return c == Diaper
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case Sleep, Diaper, Feeding:
		return true
	}
	return false
}

// ParseCategory converts user input into a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", errors.NewInvalidRequestError("unknown category %q", s)
	}
	return c, nil
}

type DiaperType string

const (
	DiaperWet   DiaperType = "wet"
	DiaperDirty DiaperType = "dirty"
	DiaperMixed DiaperType = "mixed"
)

type FeedingType string

const (
	FeedingBreastLeft  FeedingType = "breast_left"
	FeedingBreastRight FeedingType = "breast_right"
	FeedingBottle      FeedingType = "bottle"
	FeedingSolid       FeedingType = "solid"
)

type BottleType string

const (
	BottleFormula    BottleType = "formula"
	BottleBreastMilk BottleType = "breast_milk"
)

// Location is where an action was logged.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	PlaceName string  `json:"placeName,omitempty"`
}

// Attrs carries the optional category-specific attributes of an action.
type Attrs struct {
	DiaperType   *DiaperType
	FeedingType  *FeedingType
	BottleType   *BottleType
	BottleVolume *float64
	Location     *Location
}

// Action is one logged or in-progress event. A nil EndDate means the action
// is still running. UpdatedAt is the only input to conflict resolution.
type Action struct {
	ID           uuid.UUID    `json:"id"`
	Category     Category     `json:"category"`
	StartDate    time.Time    `json:"startDate"`
	EndDate      *time.Time   `json:"endDate,omitempty"`
	DiaperType   *DiaperType  `json:"diaperType,omitempty"`
	FeedingType  *FeedingType `json:"feedingType,omitempty"`
	BottleType   *BottleType  `json:"bottleType,omitempty"`
	BottleVolume *float64     `json:"bottleVolume,omitempty"`
	Location     *Location    `json:"location,omitempty"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// New creates an action starting at start. Instant categories are closed at
// creation with EndDate equal to StartDate.
func New(category Category, start time.Time, attrs Attrs) Action {
	a := Action{
		ID:           uuid.New(),
		Category:     category,
		StartDate:    start,
		DiaperType:   attrs.DiaperType,
		FeedingType:  attrs.FeedingType,
		BottleType:   attrs.BottleType,
		BottleVolume: attrs.BottleVolume,
		Location:     attrs.Location,
		UpdatedAt:    start,
	}
	if category.IsInstant() {
		end := start
		a.EndDate = &end
	}
	return a
}

// IsOpen reports whether the action is still running.
func (a Action) IsOpen() bool {
	return a.EndDate == nil
}

// Closed returns a copy of a ended at end. UpdatedAt is left alone.
func (a Action) Closed(end time.Time) Action {
	a.EndDate = &end
	return a.Validated()
}

// Touched returns a copy with UpdatedAt moved to now, never backwards.
func (a Action) Touched(now time.Time) Action {
	if now.After(a.UpdatedAt) {
		a.UpdatedAt = now
	}
	return a
}

// Duration is the elapsed time, measured to now while the action is open.
func (a Action) Duration(now time.Time) time.Duration {
	if a.EndDate != nil {
		return a.EndDate.Sub(a.StartDate)
	}
	return now.Sub(a.StartDate)
}

// Validated returns a copy whose EndDate is not before StartDate.
// A reversed pair is healed by moving EndDate to StartDate.
func (a Action) Validated() Action {
	if a.EndDate != nil && a.EndDate.Before(a.StartDate) {
		end := a.StartDate
		a.EndDate = &end
	}
	if a.Category.IsInstant() && a.EndDate == nil {
		end := a.StartDate
		a.EndDate = &end
	}
	return a
}

// Equal reports value equality. Times compare by instant, not location.
func (a Action) Equal(b Action) bool {
	return a.ID == b.ID &&
		a.Category == b.Category &&
		a.StartDate.Equal(b.StartDate) &&
		timePtrEqual(a.EndDate, b.EndDate) &&
		ptrEqual(a.DiaperType, b.DiaperType) &&
		ptrEqual(a.FeedingType, b.FeedingType) &&
		ptrEqual(a.BottleType, b.BottleType) &&
		ptrEqual(a.BottleVolume, b.BottleVolume) &&
		ptrEqual(a.Location, b.Location) &&
		a.UpdatedAt.Equal(b.UpdatedAt)
}

// SameContent is Equal ignoring UpdatedAt. Edits that change nothing but the
// timestamp are not edits.
func (a Action) SameContent(b Action) bool {
	b.UpdatedAt = a.UpdatedAt
	return a.Equal(b)
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Ptr is a convenience for optional attributes.
func Ptr[T any](v T) *T {
	return &v
}
