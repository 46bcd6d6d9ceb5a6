// Package testutil provides shared fixtures for the storage and API tests.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/banshee-data/violation.report/internal/dedup"
	"github.com/banshee-data/violation.report/internal/frame"
)

// Epoch is the session start used across fixtures.
var Epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// At returns Epoch plus secs.
func At(secs float64) time.Time {
	return frame.At(Epoch, secs)
}

// Box returns a w by h box centred on (cx, cy).
func Box(cx, cy, w, h float64) frame.BBox {
	return frame.BBox{X1: cx - w/2, Y1: cy - h/2, X2: cx + w/2, Y2: cy + h/2}
}

// Event returns a closed one-second event for track 7 starting at start.
// Evidence is marked unavailable and metadata holds a speed of 36.
func Event(id, rule string, start time.Time) *dedup.Event {
	return &dedup.Event{
		ID:             id,
		TrackID:        "7",
		RuleID:         rule,
		FirstSeen:      start,
		LastSeen:       start.Add(time.Second),
		FirstFrame:     10,
		LastFrame:      40,
		Count:          31,
		Metadata:       map[string]float64{"speed": 36},
		BBox:           Box(100, 100, 40, 40),
		ClosedAt:       start.Add(2 * time.Second),
		CloseReason:    dedup.ClosedGrace,
		EvidenceStatus: dedup.EvidenceUnavailable,
	}
}

// AdminRequest builds a request from a loopback address, which the /debug/
// routes require.
func AdminRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}
