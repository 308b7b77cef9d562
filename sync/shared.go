package sync

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"

	"github.com/teranos/cradle/action"
	"github.com/teranos/cradle/errors"
)

// SnapshotVersion is the document version written by Encode.
const SnapshotVersion = 1

// ProfileInfo is the profile part of a shared document.
type ProfileInfo struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	BirthDate *time.Time `json:"birthDate,omitempty"`
}

// SharedProfileData is the document exchanged between devices, by direct
// transfer or as an exported file.
type SharedProfileData struct {
	Version    int          `json:"version"`
	ExportedAt time.Time    `json:"exportedAt"`
	Profile    ProfileInfo  `json:"profile"`
	Actions    action.State `json:"actions"`
}

// Encode renders d as indented JSON.
func Encode(d *SharedProfileData) ([]byte, error) {
	out, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode shared profile")
	}
	return out, nil
}

// EncodeCompressed renders d as snappy-compressed JSON.
func EncodeCompressed(d *SharedProfileData) ([]byte, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode shared profile")
	}
	return snappy.Encode(nil, raw), nil
}

// Decode parses a shared document, plain or snappy-compressed. Every failure
// wraps errors.ErrInvalidRequest so callers can report it to the user.
func Decode(data []byte) (*SharedProfileData, error) {
	raw := bytes.TrimSpace(data)
	if len(raw) == 0 {
		return nil, errors.NewInvalidRequestError("shared profile is empty")
	}
	if raw[0] != '{' {
		decoded, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrInvalidRequest, "shared profile is neither JSON nor snappy: %v", err)
		}
		raw = decoded
	}

	var d SharedProfileData
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "malformed shared profile: %v", err)
	}
	if d.Version < 1 || d.Version > SnapshotVersion {
		return nil, errors.WithHint(
			errors.NewInvalidRequestError("unsupported shared profile version %d", d.Version),
			"export the profile again with a matching app version",
		)
	}
	if d.Profile.ID == uuid.Nil {
		return nil, errors.NewInvalidRequestError("shared profile has no profile id")
	}
	for c := range d.Actions.Active {
		if !c.Valid() {
			return nil, errors.NewInvalidRequestError("shared profile has an unknown category %q", c)
		}
	}
	for _, a := range d.Actions.All() {
		if a.ID == uuid.Nil || !a.Category.Valid() {
			return nil, errors.NewInvalidRequestError("shared profile has an invalid action %s (%q)", a.ID, a.Category)
		}
	}
	return &d, nil
}
