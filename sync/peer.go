package sync

import (
	"context"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/cradle/errors"
)

// Conn abstracts the WebSocket connection for testability.
// The real implementation wraps gorilla/websocket; tests use a channel pair.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

// Exchanger is the local side of a peer session. Engine implements it.
type Exchanger interface {
	Digests(ctx context.Context) (map[uuid.UUID]Hash, error)
	ExportProfile(ctx context.Context, profileID uuid.UUID) (*SharedProfileData, error)
	ImportProfile(ctx context.Context, doc *SharedProfileData) (MergeSummary, error)
}

// PeerResult reports one session.
type PeerResult struct {
	PeerName string `json:"peer_name,omitempty"`
	Sent     int    `json:"sent"`
	Added    int    `json:"added"`
	Updated  int    `json:"updated"`
}

// Peer manages one sync session with another device.
// Both sides of the connection run the same code.
type Peer struct {
	conn   Conn
	local  Exchanger
	name   string
	logger *zap.SugaredLogger

	result PeerResult
}

// NewPeer creates a sync peer for a single reconciliation session.
func NewPeer(conn Conn, local Exchanger, name string, logger *zap.SugaredLogger) *Peer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Peer{
		conn:   conn,
		local:  local,
		name:   name,
		logger: logger,
	}
}

// Reconcile runs the full sync protocol. Both peers call this concurrently on
// their respective ends of the connection.
func (p *Peer) Reconcile(ctx context.Context) (PeerResult, error) {
	digests, err := p.local.Digests(ctx)
	if err != nil {
		return PeerResult{}, errors.Wrap(err, "failed to compute profile digests")
	}
	hexDigests := make(map[string]string, len(digests))
	for id, d := range digests {
		hexDigests[id.String()] = HexHash(d)
	}
	root := HexHash(RootDigest(digests))

	// Phase 1: exchange hellos
	if err := p.send(Msg{
		Type:     MsgHello,
		Name:     p.name,
		Version:  ProtocolVersion,
		RootHash: root,
		Digests:  hexDigests,
	}); err != nil {
		return PeerResult{}, errors.Wrap(err, "failed to send sync hello")
	}

	var hello Msg
	if err := p.recv(&hello); err != nil {
		return PeerResult{}, errors.Wrap(err, "failed to receive sync hello")
	}
	if hello.Type != MsgHello {
		return PeerResult{}, errors.Newf("expected sync_hello, got %s", hello.Type)
	}
	p.result.PeerName = hello.Name
	if err := compatible(hello.Version); err != nil {
		return PeerResult{}, err
	}

	if hello.RootHash == root {
		p.logger.Debugw("Sync roots match, already in sync", "peer", hello.Name)
		return p.finish()
	}

	p.logger.Debugw("Sync roots differ, exchanging profiles",
		"peer", hello.Name,
		"local_root", root,
		"remote_root", hello.RootHash,
	)

	// Phase 2: send every profile the peer lacks or holds differently
	var docs []SharedProfileData
	for id, d := range hexDigests {
		if hello.Digests[id] == d {
			continue
		}
		pid, err := uuid.Parse(id)
		if err != nil {
			continue
		}
		doc, err := p.local.ExportProfile(ctx, pid)
		if err != nil {
			p.logger.Warnw("Failed to export profile for sync",
				"profile_id", pid,
				"error", err,
			)
			continue
		}
		docs = append(docs, *doc)
	}
	if err := p.send(Msg{Type: MsgProfiles, Profiles: docs}); err != nil {
		return PeerResult{}, errors.Wrap(err, "failed to send profiles")
	}
	p.result.Sent = len(docs)

	// Phase 3: merge what the peer sent
	var incoming Msg
	if err := p.recv(&incoming); err != nil {
		return PeerResult{}, errors.Wrap(err, "failed to receive profiles")
	}
	if incoming.Type != MsgProfiles {
		return PeerResult{}, errors.Newf("expected sync_profiles, got %s", incoming.Type)
	}
	for i := range incoming.Profiles {
		doc := &incoming.Profiles[i]
		summary, err := p.local.ImportProfile(ctx, doc)
		if err != nil {
			p.logger.Warnw("Failed to merge synced profile",
				"profile_id", doc.Profile.ID,
				"peer", hello.Name,
				"error", err,
			)
			continue
		}
		p.result.Added += summary.Added
		p.result.Updated += summary.Updated
	}

	res, err := p.finish()
	if err != nil {
		return res, err
	}
	p.logger.Infow("Sync reconciliation complete",
		"peer", hello.Name,
		"sent", res.Sent,
		"added", res.Added,
		"updated", res.Updated,
	)
	return res, nil
}

// finish exchanges done messages.
func (p *Peer) finish() (PeerResult, error) {
	if err := p.send(Msg{
		Type:    MsgDone,
		Sent:    p.result.Sent,
		Added:   p.result.Added,
		Updated: p.result.Updated,
	}); err != nil {
		return PeerResult{}, errors.Wrap(err, "failed to send sync done")
	}
	var done Msg
	if err := p.recv(&done); err != nil {
		return PeerResult{}, errors.Wrap(err, "failed to receive sync done")
	}
	if done.Type != MsgDone {
		return PeerResult{}, errors.Newf("expected sync_done, got %s", done.Type)
	}
	return p.result, nil
}

// compatible accepts peers speaking the same protocol major version.
func compatible(remote string) error {
	theirs, err := semver.NewVersion(remote)
	if err != nil {
		return errors.Wrapf(errors.ErrConflict, "peer sent unparseable protocol version %q", remote)
	}
	ours := semver.MustParse(ProtocolVersion)
	if theirs.Major() != ours.Major() {
		return errors.WithHintf(
			errors.Wrapf(errors.ErrConflict, "peer speaks protocol %s, this device speaks %s", theirs, ours),
			"update the device running protocol %d.x", min(theirs.Major(), ours.Major()),
		)
	}
	return nil
}

func (p *Peer) send(msg Msg) error {
	return p.conn.WriteJSON(msg)
}

func (p *Peer) recv(msg *Msg) error {
	return p.conn.ReadJSON(msg)
}
