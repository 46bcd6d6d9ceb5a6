// Package api serves the violation reporting HTTP surface: stored events as
// JSON and CSV, evidence files, session status and reset, a chart page and a
// live websocket feed of closed events.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/violation.report/internal/db"
	"github.com/banshee-data/violation.report/internal/fsutil"
	"github.com/banshee-data/violation.report/internal/httputil"
	"github.com/banshee-data/violation.report/internal/monitoring"
	"github.com/banshee-data/violation.report/internal/session"
	"github.com/banshee-data/violation.report/internal/timeutil"
	"github.com/banshee-data/violation.report/internal/units"
	"github.com/banshee-data/violation.report/internal/version"
)

// ANSI escape codes used by LoggingMiddleware
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// SessionControl is the part of session.Controller the API drives.
type SessionControl interface {
	Status() session.Status
	Reset() string
}

// Options configures a Server. DB is required; everything else is optional.
type Options struct {
	DB          *db.DB
	Session     SessionControl
	Hub         *Hub
	EvidenceDir string
	FS          fsutil.FileSystem
	Clock       timeutil.Clock
	// Units is the unit speeds are stored in; clients may ask for another
	// with ?units=.
	Units string
}

type Server struct {
	db          *db.DB
	session     SessionControl
	hub         *Hub
	evidenceDir string
	fs          fsutil.FileSystem
	clock       timeutil.Clock
	units       string
}

func NewServer(o Options) *Server {
	s := &Server{
		db:          o.DB,
		session:     o.Session,
		hub:         o.Hub,
		evidenceDir: o.EvidenceDir,
		fs:          o.FS,
		clock:       o.Clock,
		units:       o.Units,
	}
	if s.fs == nil {
		s.fs = fsutil.OSFileSystem{}
	}
	if s.clock == nil {
		s.clock = timeutil.RealClock{}
	}
	if !units.IsValid(s.units) {
		s.units = units.KMPH
	}
	return s
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration.
// Websocket upgrades bypass the wrapper since they need the raw hijacker.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if r.Header.Get("Upgrade") != "" {
			next.ServeHTTP(w, r)
			monitoring.Logf("[ws] %s %s%s%s", r.Method, colorCyan, r.RequestURI, colorReset)
			return
		}
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/violations", s.listViolations)
	mux.HandleFunc("/api/violations.csv", s.exportViolationsCSV)
	mux.HandleFunc("/api/violations/recent", s.recentViolations)
	mux.HandleFunc("/api/violations/summary", s.violationSummary)
	mux.HandleFunc("/api/violations/{id}", s.getViolation)
	mux.HandleFunc("/api/violations/{id}/evidence", s.getViolationEvidence)
	mux.HandleFunc("/api/evidence/{name}", s.getEvidenceFile)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/session", s.showSession)
	mux.HandleFunc("/api/session/reset", s.resetSession)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/charts/violations", s.violationsChart)
	if s.hub != nil {
		mux.Handle("/ws/violations", s.hub)
	}
	return mux
}

// Start serves the API on listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context, listen string, extra func(*http.ServeMux)) error {
	mux := s.ServeMux()
	if extra != nil {
		extra(mux)
	}
	srv := &http.Server{
		Addr:              listen,
		Handler:           LoggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		monitoring.Logf("HTTP server listening on %s", listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			monitoring.Warnf("HTTP server shutdown: %v", err)
		}
		if s.hub != nil {
			s.hub.Close()
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, map[string]any{
		"units":       s.units,
		"valid_units": units.ValidUnits,
		"version":     version.String(),
	})
}
