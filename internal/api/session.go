package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/banshee-data/violation.report/internal/db"
	"github.com/banshee-data/violation.report/internal/httputil"
	"github.com/banshee-data/violation.report/internal/monitoring"
	"github.com/banshee-data/violation.report/internal/session"
	"github.com/banshee-data/violation.report/internal/version"
)

type sessionResponse struct {
	session.Status
	Version string `json:"version"`
}

func (s *Server) showSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.session == nil {
		httputil.NotFound(w, "no active session")
		return
	}
	httputil.WriteJSONOK(w, sessionResponse{Status: s.session.Status(), Version: version.String()})
}

// resetSession discards all in-flight state, ends the previous session row
// and records the new one.
func (s *Server) resetSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	if s.session == nil {
		httputil.NotFound(w, "no active session")
		return
	}

	prev := s.session.Status()
	id := s.session.Reset()
	now := s.clock.Now()
	monitoring.Logf("session %s reset after %d frames; new session %s", prev.SessionID, prev.FramesProcessed, id)

	if s.db != nil {
		err := s.db.EndSession(r.Context(), prev.SessionID, now, prev.FramesProcessed, prev.EventsClosed)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			monitoring.Warnf("failed to end session %s: %v", prev.SessionID, err)
		}
		if err := s.db.RecordSession(r.Context(), id, now, version.Version, nil); err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("Failed to record session: %v", err))
			return
		}
	}
	httputil.WriteJSONOK(w, map[string]string{
		"previous_session_id": prev.SessionID,
		"session_id":          id,
	})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = n
	}
	rows, err := s.db.Sessions(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve sessions: %v", err))
		return
	}
	if rows == nil {
		rows = []db.SessionRow{}
	}
	httputil.WriteJSONOK(w, rows)
}
