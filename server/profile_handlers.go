package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/teranos/cradle/errors"
)

func profileIDFromPath(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.PathValue("id")
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid profile id %q", raw))
		return uuid.Nil, false
	}
	return id, true
}

// HandleProfileState returns a profile's open actions and history.
// GET /api/profiles/{id}/state
func (s *Server) HandleProfileState(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	profileID, ok := profileIDFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.cache.State(r.Context(), profileID))
}

// HandleProfileExport returns a profile as a shared document. With
// ?compress=1 the body is snappy-compressed.
// GET /api/profiles/{id}/export
func (s *Server) HandleProfileExport(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	profileID, ok := profileIDFromPath(w, r)
	if !ok {
		return
	}
	compress, _ := strconv.ParseBool(r.URL.Query().Get("compress"))

	data, err := s.engine.Export(r.Context(), profileID, compress)
	if err != nil {
		writeErr(w, err)
		return
	}

	name := "cradle-" + shortID(profileID.String())
	if compress {
		w.Header().Set("Content-Type", "application/x-snappy")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".cradle.sz"))
	} else {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".cradle.json"))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Debugw("Export write failed", "profile_id", profileID, "error", err)
	}
}

// HandleProfileImport merges an uploaded shared document, JSON or
// snappy-compressed, and reports how many actions were added and updated.
// POST /api/profiles/import
func (s *Server) HandleProfileImport(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImportBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "Shared profile too large")
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	summary, err := s.engine.Import(r.Context(), data)
	if err != nil {
		s.logger.Warnw("Shared profile import failed", "error", err)
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
