// Package sync reconciles a profile's actions with other copies of it: the
// cloud backend, peers on the local network and exported files.
//
// Merge is the pure reconciliation step. Engine runs it through the cache's
// single-writer path and schedules pushes of the result. Peer speaks the
// symmetric device-to-device protocol.
//
// Digests give a cheap state comparison: two devices holding the same actions
// for a profile produce the same digest, so a peer session only transfers
// profiles that differ.
package sync

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/cradle/action"
)

// Hash is a SHA-256 digest.
type Hash [32]byte

// HexHash renders h as lowercase hex.
func HexHash(h Hash) string {
	return hex.EncodeToString(h[:])
}

// Digest computes a deterministic SHA-256 digest of a profile's actions.
// Actions are visited in id order, so where an action lives (active slot or
// history) and history order do not matter. Every field that Equal compares
// is covered, UpdatedAt included: two copies that differ only in their
// timestamps still need a merge to agree.
func Digest(s *action.State) Hash {
	all := s.All()
	sort.Slice(all, func(i, j int) bool {
		return all[i].ID.String() < all[j].ID.String()
	})

	h := sha256.New()
	for _, a := range all {
		// Each field is preceded by a domain separator so adjacent values
		// cannot run into each other.
		h.Write([]byte("i:"))
		h.Write([]byte(a.ID.String()))
		h.Write([]byte("\nc:"))
		h.Write([]byte(a.Category))
		h.Write([]byte("\ns:"))
		h.Write(instant(a.StartDate))
		h.Write([]byte("\ne:"))
		if a.EndDate != nil {
			h.Write(instant(*a.EndDate))
		}
		h.Write([]byte("\ndt:"))
		if a.DiaperType != nil {
			h.Write([]byte(*a.DiaperType))
		}
		h.Write([]byte("\nft:"))
		if a.FeedingType != nil {
			h.Write([]byte(*a.FeedingType))
		}
		h.Write([]byte("\nbt:"))
		if a.BottleType != nil {
			h.Write([]byte(*a.BottleType))
		}
		h.Write([]byte("\nbv:"))
		if a.BottleVolume != nil {
			h.Write([]byte(strconv.FormatFloat(*a.BottleVolume, 'g', -1, 64)))
		}
		h.Write([]byte("\nl:"))
		if a.Location != nil {
			h.Write([]byte(strconv.FormatFloat(a.Location.Latitude, 'g', -1, 64)))
			h.Write([]byte{0})
			h.Write([]byte(strconv.FormatFloat(a.Location.Longitude, 'g', -1, 64)))
			h.Write([]byte{0})
			h.Write([]byte(a.Location.PlaceName))
		}
		h.Write([]byte("\nu:"))
		h.Write(instant(a.UpdatedAt))
		h.Write([]byte("\n\n"))
	}

	var out Hash
	h.Sum(out[:0])
	return out
}

// RootDigest folds per-profile digests into one value. Equal roots mean both
// sides hold identical data for every profile.
func RootDigest(digests map[uuid.UUID]Hash) Hash {
	ids := make([]uuid.UUID, 0, len(digests))
	for id := range digests {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	h := sha256.New()
	for _, id := range ids {
		d := digests[id]
		h.Write([]byte(id.String()))
		h.Write(d[:])
	}
	var out Hash
	h.Sum(out[:0])
	return out
}

func instant(t time.Time) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(t.UnixNano()))
	return b[:]
}
