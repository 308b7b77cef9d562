package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/teranos/cradle/errors"
	syncPkg "github.com/teranos/cradle/sync"
)

// gorillaSyncConn wraps gorilla/websocket.Conn to implement sync.Conn.
type gorillaSyncConn struct {
	conn *websocket.Conn
}

func (c *gorillaSyncConn) ReadJSON(v interface{}) error  { return c.conn.ReadJSON(v) }
func (c *gorillaSyncConn) WriteJSON(v interface{}) error { return c.conn.WriteJSON(v) }
func (c *gorillaSyncConn) Close() error                  { return c.conn.Close() }

// DialPeer connects to a peer's sync endpoint. url is the peer's base
// address, http(s) or ws(s). It implements sync.Dialer.
func DialPeer(ctx context.Context, url string) (syncPkg.Conn, error) {
	wsURL := strings.TrimSuffix(httpToWS(url), "/") + "/ws/sync"
	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", wsURL)
	}
	return &gorillaSyncConn{conn: conn}, nil
}

var _ syncPkg.Dialer = DialPeer

// HandleSyncWebSocket handles incoming sync peer connections.
// The remote peer connects via WebSocket and both sides run the symmetric
// reconciliation protocol. This is the "accept incoming sync" side.
func (s *Server) HandleSyncWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := s.getSyncUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("Sync WebSocket upgrade failed", "error", err)
		return
	}
	s.peerSessions.Add(1)
	defer s.peerSessions.Add(-1)

	wsConn := &gorillaSyncConn{conn: conn}
	defer wsConn.Close()

	res, err := syncPkg.NewPeer(wsConn, s.engine, s.opts.Name, s.logger).Reconcile(r.Context())
	if err != nil {
		s.logger.Warnw("Sync reconciliation failed",
			"remote_addr", r.RemoteAddr,
			"peer", res.PeerName,
			"sent", res.Sent,
			"received", res.Added+res.Updated,
			"error", err,
		)
		return
	}

	s.logger.Infow("Sync reconciliation complete",
		"remote_addr", r.RemoteAddr,
		"peer", res.PeerName,
		"sent", res.Sent,
		"added", res.Added,
		"updated", res.Updated,
	)
}

// syncRequest is the JSON body for POST /api/sync.
type syncRequest struct {
	Peer string `json:"peer"` // e.g., "http://phone.local:8877"
	// Name labels the peer in the status table; defaults to the URL.
	Name string `json:"name,omitempty"`
}

// syncResponse is the JSON response from POST /api/sync.
type syncResponse struct {
	syncPkg.PeerResult
	Error string `json:"error,omitempty"`
}

// HandleSync initiates outbound sync with a peer.
// POST /api/sync {"peer":"http://phone.local:8877"}
func (s *Server) HandleSync(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req syncRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.Peer == "" {
		writeError(w, http.StatusBadRequest, "Missing 'peer' field")
		return
	}
	if req.Name == "" {
		req.Name = req.Peer
	}

	s.logger.Infow("Initiating sync with peer", "peer", req.Name, "url", req.Peer)

	var (
		res syncPkg.PeerResult
		err error
	)
	if s.opts.Ticker != nil {
		res, err = s.opts.Ticker.SyncPeer(r.Context(), req.Name, req.Peer)
	} else {
		res, err = s.syncPeer(r.Context(), req.Peer)
	}
	if err != nil {
		s.logger.Warnw("Sync with peer failed", "peer", req.Name, "error", err)
		writeJSON(w, http.StatusBadGateway, syncResponse{
			PeerResult: res,
			Error:      fmt.Sprintf("Sync with peer %s failed: %v", req.Peer, err),
		})
		return
	}

	writeJSON(w, http.StatusOK, syncResponse{PeerResult: res})
}

func (s *Server) syncPeer(ctx context.Context, url string) (syncPkg.PeerResult, error) {
	conn, err := DialPeer(ctx, url)
	if err != nil {
		return syncPkg.PeerResult{}, err
	}
	defer conn.Close()
	return syncPkg.NewPeer(conn, s.engine, s.opts.Name, s.logger).Reconcile(ctx)
}

// HandleSyncCloud runs one cloud sync and reports its totals.
// POST /api/sync/cloud
func (s *Server) HandleSyncCloud(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	report, err := s.engine.SyncCloud(r.Context())
	if err != nil {
		// A partial failure still merged what it could; report both.
		if errors.Is(err, syncPkg.ErrNoRemote) {
			writeErr(w, err)
			return
		}
		writeJSON(w, statusFor(err), map[string]interface{}{
			"report": report,
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"report": report})
}

// syncStatus is the JSON response from GET /api/sync/status.
type syncStatus struct {
	Device   string               `json:"device"`
	Root     string               `json:"root"`
	Profiles int                  `json:"profiles"`
	Cloud    bool                 `json:"cloud"`
	Peers    []syncPkg.PeerStatus `json:"peers"`
	Bridge   *bridgeStatus        `json:"bridge,omitempty"`
}

type bridgeStatus struct {
	State   string `json:"state"`
	Reloads int    `json:"reloads"`
	Dropped int    `json:"dropped"`
}

// HandleSyncStatus reports the root digest over every profile and the last
// known status of each configured peer.
// GET /api/sync/status
func (s *Server) HandleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	digests, err := s.engine.Digests(r.Context())
	if err != nil {
		writeErr(w, errors.Wrap(err, "compute digests"))
		return
	}

	status := syncStatus{
		Device:   s.opts.Name,
		Root:     syncPkg.HexHash(syncPkg.RootDigest(digests)),
		Profiles: len(digests),
		Cloud:    s.engine.HasRemote(),
		Peers:    []syncPkg.PeerStatus{},
	}
	if s.opts.Ticker != nil {
		status.Peers = s.opts.Ticker.Status()
	}
	if b := s.opts.Bridge; b != nil {
		reloads, dropped := b.Stats()
		status.Bridge = &bridgeStatus{State: b.State().String(), Reloads: reloads, Dropped: dropped}
	}
	writeJSON(w, http.StatusOK, status)
}

// httpToWS converts http(s) URLs to ws(s) URLs.
func httpToWS(url string) string {
	if len(url) >= 8 && url[:8] == "https://" {
		return "wss://" + url[8:]
	}
	if len(url) >= 7 && url[:7] == "http://" {
		return "ws://" + url[7:]
	}
	return url
}
