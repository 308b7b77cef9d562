package sync

// Sync protocol message types exchanged between cradle devices.
//
// The protocol is symmetric: both sides run the same state machine.
//
// Protocol flow:
//
//	1. Both send SyncHello (name, protocol version, root and per-profile digests)
//	2. Versions with different majors abort the session
//	3. If roots match → SyncDone, nothing transferred
//	4. Each side sends SyncProfiles: a shared document for every profile
//	   whose digest differs from the peer's or that the peer lacks
//	5. Each side merges what it received, additively
//	6. Both send SyncDone with stats

// ProtocolVersion is the semver of the peer protocol spoken by this build.
const ProtocolVersion = "1.0.0"

// MsgType identifies the sync protocol message kind.
type MsgType string

const (
	// MsgHello is the initial handshake: "here is what I hold."
	MsgHello MsgType = "sync_hello"

	// MsgProfiles carries shared documents for profiles that differ.
	MsgProfiles MsgType = "sync_profiles"

	// MsgDone signals reconciliation is complete.
	MsgDone MsgType = "sync_done"
)

// Msg is the envelope for all sync protocol messages.
type Msg struct {
	Type MsgType `json:"type"`

	// Hello
	Name     string            `json:"name,omitempty"` // self-identified device name (from [device] name)
	Version  string            `json:"version,omitempty"`
	RootHash string            `json:"root_hash,omitempty"`
	Digests  map[string]string `json:"digests,omitempty"` // profile id → hex digest

	// Profiles
	Profiles []SharedProfileData `json:"profiles,omitempty"`

	// Stats (on Done)
	Sent    int `json:"sent,omitempty"`
	Added   int `json:"added,omitempty"`
	Updated int `json:"updated,omitempty"`
}
