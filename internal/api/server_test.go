package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/violation.report/internal/db"
	"github.com/banshee-data/violation.report/internal/dedup"
	"github.com/banshee-data/violation.report/internal/monitoring"
	"github.com/banshee-data/violation.report/internal/report"
	"github.com/banshee-data/violation.report/internal/session"
	"github.com/banshee-data/violation.report/internal/testutil"
	"github.com/banshee-data/violation.report/internal/timeutil"
	"github.com/banshee-data/violation.report/internal/version"
)

var epoch = testutil.Epoch

type fakeSession struct {
	status session.Status
	resets int
}

func (f *fakeSession) Status() session.Status { return f.status }

func (f *fakeSession) Reset() string {
	f.resets++
	f.status = session.Status{SessionID: fmt.Sprintf("session-%d", f.resets+1)}
	return f.status.SessionID
}

type testEnv struct {
	server  *Server
	mux     *http.ServeMux
	db      *db.DB
	session *fakeSession
	clock   *timeutil.MockClock
	dir     string
}

func testEvent(id, rule string, start time.Time, speed float64) *dedup.Event {
	ev := testutil.Event(id, rule, start)
	ev.Metadata["speed"] = speed
	return ev
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	monitoring.SetLogger(t.Logf)
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	database, err := db.NewDB(filepath.Join(t.TempDir(), "violations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	ctx := context.Background()
	require.NoError(t, database.RecordSession(ctx, "session-1", epoch, version.Version, nil))
	require.NoError(t, database.Report(ctx, "session-1", testEvent("e1", "overspeed", epoch, 36)))
	require.NoError(t, database.Report(ctx, "session-1", testEvent("e2", "signal_jump", epoch.Add(30*time.Minute), 0)))
	require.NoError(t, database.Report(ctx, "session-1", testEvent("e3", "overspeed", epoch.Add(90*time.Minute), 72)))

	clock := timeutil.NewMockClock(epoch.Add(2 * time.Hour))
	fs := &fakeSession{status: session.Status{SessionID: "session-1", FramesProcessed: 120, EventsClosed: 3}}
	dir := t.TempDir()
	s := NewServer(Options{
		DB:          database,
		Session:     fs,
		Hub:         NewHub(),
		EvidenceDir: dir,
		Clock:       clock,
		Units:       "kmph",
	})
	return &testEnv{server: s, mux: s.ServeMux(), db: database, session: fs, clock: clock, dir: dir}
}

func (e *testEnv) do(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func eventIDs(rs []report.Record) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.EventID
	}
	return out
}

func TestListViolations(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodGet, "/api/violations")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, []string{"e1", "e2", "e3"}, eventIDs(decode[[]report.Record](t, w)))

	w = env.do(t, http.MethodGet, "/api/violations?rule=overspeed&limit=1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"e1"}, eventIDs(decode[[]report.Record](t, w)))

	since := epoch.Add(time.Hour).Format(time.RFC3339)
	w = env.do(t, http.MethodGet, "/api/violations?since="+since)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"e3"}, eventIDs(decode[[]report.Record](t, w)))

	w = env.do(t, http.MethodGet, fmt.Sprintf("/api/violations?until=%d", epoch.Add(time.Hour).Unix()))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"e1", "e2"}, eventIDs(decode[[]report.Record](t, w)))

	w = env.do(t, http.MethodGet, "/api/violations?session=other")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]\n", w.Body.String())
}

func TestListViolationsUnits(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodGet, "/api/violations?rule=overspeed&units=mph")
	require.Equal(t, http.StatusOK, w.Code)
	recs := decode[[]report.Record](t, w)
	require.Len(t, recs, 2)
	assert.InDelta(t, 22.3694, recs[0].Metadata["speed"], 0.001)
	assert.InDelta(t, 44.7388, recs[1].Metadata["speed"], 0.001)

	w = env.do(t, http.MethodGet, "/api/violations/e1?units=mps")
	require.Equal(t, http.StatusOK, w.Code)
	assert.InDelta(t, 10.0, decode[report.Record](t, w).Metadata["speed"], 0.001)
}

func TestListViolationsBadRequests(t *testing.T) {
	env := setupTestServer(t)

	tests := []struct {
		name   string
		method string
		target string
		want   int
	}{
		{"bad limit", http.MethodGet, "/api/violations?limit=0", http.StatusBadRequest},
		{"non numeric limit", http.MethodGet, "/api/violations?limit=abc", http.StatusBadRequest},
		{"bad units", http.MethodGet, "/api/violations?units=furlongs", http.StatusBadRequest},
		{"bad since", http.MethodGet, "/api/violations?since=yesterday", http.StatusBadRequest},
		{"post", http.MethodPost, "/api/violations", http.StatusMethodNotAllowed},
		{"csv post", http.MethodPost, "/api/violations.csv", http.StatusMethodNotAllowed},
		{"bad range", http.MethodGet, "/api/violations/summary?range=year", http.StatusBadRequest},
		{"chart bad range", http.MethodGet, "/charts/violations?range=year", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.target)
			assert.Equal(t, tt.want, w.Code)
			assert.Contains(t, decode[map[string]string](t, w), "error")
		})
	}

	w := env.do(t, http.MethodDelete, "/api/violations")
	assert.Equal(t, http.MethodGet, w.Header().Get("Allow"))
}

func TestRecentViolations(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodGet, "/api/violations/recent")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"e3", "e2", "e1"}, eventIDs(decode[[]report.Record](t, w)))

	w = env.do(t, http.MethodGet, "/api/violations/recent?limit=2")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"e3", "e2"}, eventIDs(decode[[]report.Record](t, w)))
}

func TestExportViolationsCSV(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodGet, "/api/violations.csv?rule=overspeed")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "violations.csv")

	rows, err := csv.NewReader(w.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, report.CSVHeader, rows[0])
	assert.Equal(t, "e1", rows[1][1])
	assert.Equal(t, "speed=36", rows[1][len(rows[1])-1])
	assert.Equal(t, "e3", rows[2][1])
}

func TestViolationSummary(t *testing.T) {
	env := setupTestServer(t)

	tests := []struct {
		rangeName string
		want      map[string]int64
		total     int64
	}{
		{"all", map[string]int64{"overspeed": 2, "signal_jump": 1}, 3},
		{"hour", map[string]int64{"overspeed": 1}, 1},
		{"day", map[string]int64{"overspeed": 2, "signal_jump": 1}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.rangeName, func(t *testing.T) {
			w := env.do(t, http.MethodGet, "/api/violations/summary?range="+tt.rangeName)
			require.Equal(t, http.StatusOK, w.Code)
			sum := decode[Summary](t, w)
			assert.Equal(t, tt.rangeName, sum.Range)
			assert.Equal(t, tt.want, sum.Counts)
			assert.Equal(t, tt.total, sum.Total)
			if tt.rangeName == "all" {
				assert.Nil(t, sum.Since)
			} else {
				require.NotNil(t, sum.Since)
			}
		})
	}

	// the window follows the clock
	env.clock.Advance(24 * time.Hour)
	w := env.do(t, http.MethodGet, "/api/violations/summary")
	require.Equal(t, http.StatusOK, w.Code)
	sum := decode[Summary](t, w)
	assert.Equal(t, "day", sum.Range)
	assert.Zero(t, sum.Total)
	assert.Empty(t, sum.Counts)
}

func TestGetViolation(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodGet, "/api/violations/e2")
	require.Equal(t, http.StatusOK, w.Code)
	rec := decode[report.Record](t, w)
	assert.Equal(t, "signal_jump", rec.RuleID)
	assert.Equal(t, "session-1", rec.SessionID)
	assert.Equal(t, epoch.Add(30*time.Minute), rec.Start)

	w = env.do(t, http.MethodGet, "/api/violations/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEvidence(t *testing.T) {
	env := setupTestServer(t)

	manifest := []byte(`{"event_id":"e4"}`)
	ref := filepath.Join(env.dir, "overspeed_7_20260301_083000_e4.json")
	require.NoError(t, os.WriteFile(ref, manifest, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(env.dir, "trace.png"), []byte("\x89PNG"), 0o644))

	ev := testEvent("e4", "overspeed", epoch.Add(30*time.Minute), 50)
	ev.EvidenceRef = ref
	ev.EvidenceStatus = dedup.EvidenceCaptured
	require.NoError(t, env.db.Report(context.Background(), "session-1", ev))

	w := env.do(t, http.MethodGet, "/api/violations/e4/evidence")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, manifest, w.Body.Bytes())

	w = env.do(t, http.MethodGet, "/api/evidence/trace.png")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"no evidence recorded", "/api/violations/e1/evidence", http.StatusNotFound},
		{"unknown event", "/api/violations/nope/evidence", http.StatusNotFound},
		{"missing file", "/api/evidence/missing.json", http.StatusNotFound},
		{"backslash", "/api/evidence/a%5Cb.json", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, env.do(t, http.MethodGet, tt.target).Code)
		})
	}

	for _, name := range []string{"", ".", "..", "../violations.db", "sub/file.json"} {
		w := httptest.NewRecorder()
		env.server.serveEvidence(w, name)
		assert.Equal(t, http.StatusBadRequest, w.Code, name)
	}
}

func TestEvidenceNotConfigured(t *testing.T) {
	env := setupTestServer(t)
	env.server.evidenceDir = ""
	w := httptest.NewRecorder()
	env.server.serveEvidence(w, "a.json")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionEndpoints(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodGet, "/api/session")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[map[string]any](t, w)
	assert.Equal(t, "session-1", got["session_id"])
	assert.Equal(t, float64(120), got["frames_processed"])
	assert.Equal(t, version.String(), got["version"])

	w = env.do(t, http.MethodGet, "/api/session/reset")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, http.MethodPost, w.Header().Get("Allow"))

	w = env.do(t, http.MethodPost, "/api/session/reset")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]string{
		"previous_session_id": "session-1",
		"session_id":          "session-2",
	}, decode[map[string]string](t, w))
	assert.Equal(t, 1, env.session.resets)

	rows, err := env.db.Sessions(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "session-2", rows[0].SessionID)
	assert.Equal(t, epoch.Add(2*time.Hour), rows[0].StartedAt)
	require.NotNil(t, rows[1].EndedAt)
	assert.Equal(t, int64(120), rows[1].Frames)
	assert.Equal(t, int64(3), rows[1].EventsClosed)

	w = env.do(t, http.MethodGet, "/api/sessions?limit=1")
	require.Equal(t, http.StatusOK, w.Code)
	listed := decode[[]db.SessionRow](t, w)
	require.Len(t, listed, 1)
	assert.Equal(t, "session-2", listed[0].SessionID)
}

func TestSessionEndpointsWithoutController(t *testing.T) {
	env := setupTestServer(t)
	env.server.session = nil
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/session").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/session/reset").Code)
}

func TestShowConfig(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(t, http.MethodGet, "/api/config")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[map[string]any](t, w)
	assert.Equal(t, "kmph", got["units"])
	assert.Equal(t, version.String(), got["version"])
}

func TestViolationsChart(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(t, http.MethodGet, "/charts/violations?range=all")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, "Violations by rule")
	assert.Contains(t, body, "overspeed")
	assert.Contains(t, body, "2026-03-01 00:00")
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	monitoring.SetLogger(func(format string, v ...interface{}) {
		fmt.Fprintf(&buf, format, v...)
	})
	defer monitoring.SetLogger(nil)

	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/violations?rule=overspeed", nil))

	assert.Equal(t, http.StatusTeapot, w.Code)
	out := buf.String()
	assert.Contains(t, out, "418")
	assert.Contains(t, out, "/api/violations?rule=overspeed")
	assert.True(t, strings.HasPrefix(out, "["+colorBoldRed), out)
}

func TestStatusCodeColor(t *testing.T) {
	assert.Equal(t, colorBoldGreen+"200"+colorReset, statusCodeColor(200))
	assert.Equal(t, colorYellow+"304"+colorReset, statusCodeColor(304))
	assert.Equal(t, colorBoldRed+"404"+colorReset, statusCodeColor(404))
	assert.Equal(t, colorBoldRed+"503"+colorReset, statusCodeColor(503))
	assert.Equal(t, "101", statusCodeColor(101))
}
