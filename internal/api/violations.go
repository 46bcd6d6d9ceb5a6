package api

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/banshee-data/violation.report/internal/db"
	"github.com/banshee-data/violation.report/internal/httputil"
	"github.com/banshee-data/violation.report/internal/monitoring"
	"github.com/banshee-data/violation.report/internal/report"
	"github.com/banshee-data/violation.report/internal/security"
	"github.com/banshee-data/violation.report/internal/units"
)

const defaultRecentLimit = 20

var errBadRange = errors.New("invalid 'range' parameter, must be one of: hour, day, week, all")

// summaryRanges maps ?range= values to look-back windows. "all" is zero.
var summaryRanges = map[string]time.Duration{
	"hour": time.Hour,
	"day":  24 * time.Hour,
	"week": 7 * 24 * time.Hour,
	"all":  0,
}

// parseTime accepts RFC 3339 or unix seconds.
func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC 3339 or unix seconds", v)
	}
	return time.Unix(0, int64(secs*float64(time.Second))).UTC(), nil
}

// parseFilter reads rule, session, since, until and limit from the query.
func parseFilter(r *http.Request) (db.EventFilter, error) {
	q := r.URL.Query()
	f := db.EventFilter{
		Rule:      q.Get("rule"),
		SessionID: q.Get("session"),
	}
	var err error
	if v := q.Get("since"); v != "" {
		if f.Since, err = parseTime(v); err != nil {
			return f, fmt.Errorf("since: %w", err)
		}
	}
	if v := q.Get("until"); v != "" {
		if f.Until, err = parseTime(v); err != nil {
			return f, fmt.Errorf("until: %w", err)
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, fmt.Errorf("invalid 'limit' parameter")
		}
		f.Limit = n
	}
	return f, nil
}

// requestUnits returns the ?units= override or the server default.
func (s *Server) requestUnits(r *http.Request) (string, error) {
	u := r.URL.Query().Get("units")
	if u == "" {
		return s.units, nil
	}
	if !units.IsValid(u) {
		return "", fmt.Errorf("invalid 'units' parameter, must be one of: %s", units.GetValidUnitsString())
	}
	return u, nil
}

func (s *Server) convert(rs []report.Record, to string) []report.Record {
	out := make([]report.Record, len(rs))
	for i, rec := range rs {
		out[i] = rec.ConvertSpeeds(s.units, to)
	}
	return out
}

// queryViolations is the shared body of the list, recent and CSV handlers.
func (s *Server) queryViolations(w http.ResponseWriter, r *http.Request, newest bool, defLimit int) ([]report.Record, bool) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return nil, false
	}
	f, err := parseFilter(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return nil, false
	}
	u, err := s.requestUnits(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return nil, false
	}
	f.Newest = newest
	if f.Limit == 0 {
		f.Limit = defLimit
	}
	recs, err := s.db.ListViolationEvents(r.Context(), f)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve violations: %v", err))
		return nil, false
	}
	return s.convert(recs, u), true
}

func (s *Server) listViolations(w http.ResponseWriter, r *http.Request) {
	recs, ok := s.queryViolations(w, r, false, 0)
	if !ok {
		return
	}
	if recs == nil {
		recs = []report.Record{}
	}
	httputil.WriteJSONOK(w, recs)
}

func (s *Server) recentViolations(w http.ResponseWriter, r *http.Request) {
	recs, ok := s.queryViolations(w, r, true, defaultRecentLimit)
	if !ok {
		return
	}
	if recs == nil {
		recs = []report.Record{}
	}
	httputil.WriteJSONOK(w, recs)
}

func (s *Server) exportViolationsCSV(w http.ResponseWriter, r *http.Request) {
	recs, ok := s.queryViolations(w, r, false, 0)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="violations.csv"`)
	cw := csv.NewWriter(w)
	if err := cw.Write(report.CSVHeader); err != nil {
		monitoring.Warnf("csv export: %v", err)
		return
	}
	for _, rec := range recs {
		if err := cw.Write(rec.CSVRow()); err != nil {
			monitoring.Warnf("csv export: %v", err)
			return
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		monitoring.Warnf("csv export: %v", err)
	}
}

// Summary is the response of /api/violations/summary.
type Summary struct {
	Range  string           `json:"range"`
	Since  *time.Time       `json:"since,omitempty"`
	Counts map[string]int64 `json:"counts"`
	Total  int64            `json:"total"`
}

func (s *Server) summarise(r *http.Request, rangeName string) (Summary, error) {
	window, ok := summaryRanges[rangeName]
	if !ok {
		return Summary{}, errBadRange
	}
	sum := Summary{Range: rangeName}
	var since time.Time
	if window > 0 {
		since = s.clock.Now().Add(-window).UTC()
		sum.Since = &since
	}
	counts, err := s.db.CountByRule(r.Context(), since)
	if err != nil {
		return Summary{}, err
	}
	sum.Counts = counts
	for _, n := range counts {
		sum.Total += n
	}
	return sum, nil
}

func (s *Server) violationSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	rangeName := r.URL.Query().Get("range")
	if rangeName == "" {
		rangeName = "day"
	}
	sum, err := s.summarise(r, rangeName)
	if errors.Is(err, errBadRange) {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to summarise violations: %v", err))
		return
	}
	httputil.WriteJSONOK(w, sum)
}

// lookup fetches the event named by the {id} path value, writing the error
// response itself when it fails.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (report.Record, bool) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return report.Record{}, false
	}
	rec, err := s.db.GetViolationEvent(r.Context(), r.PathValue("id"))
	if errors.Is(err, db.ErrNotFound) {
		httputil.NotFound(w, "violation not found")
		return report.Record{}, false
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve violation: %v", err))
		return report.Record{}, false
	}
	return rec, true
}

func (s *Server) getViolation(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	u, err := s.requestUnits(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, rec.ConvertSpeeds(s.units, u))
}

func (s *Server) getViolationEvidence(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if rec.EvidenceRef == "" {
		httputil.NotFound(w, fmt.Sprintf("no evidence recorded (status %s)", rec.EvidenceStatus))
		return
	}
	s.serveEvidence(w, filepath.Base(rec.EvidenceRef))
}

func (s *Server) getEvidenceFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	s.serveEvidence(w, r.PathValue("name"))
}

// serveEvidence writes one file from the evidence directory. Only bare file
// names are accepted.
func (s *Server) serveEvidence(w http.ResponseWriter, name string) {
	if s.evidenceDir == "" {
		httputil.NotFound(w, "evidence directory not configured")
		return
	}
	path, err := security.ResolveInDirectory(s.evidenceDir, name)
	if err != nil {
		httputil.BadRequest(w, "invalid evidence name")
		return
	}
	data, err := s.fs.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		httputil.NotFound(w, "evidence not found")
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to read evidence: %v", err))
		return
	}
	switch filepath.Ext(name) {
	case ".json":
		w.Header().Set("Content-Type", "application/json")
	case ".png":
		w.Header().Set("Content-Type", "image/png")
	default:
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	_, _ = w.Write(data)
}
