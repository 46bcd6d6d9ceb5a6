package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/violation.report/internal/dedup"
	"github.com/banshee-data/violation.report/internal/httputil"
	"github.com/banshee-data/violation.report/internal/report"
)

func closedEvent() *dedup.Event {
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	return &dedup.Event{
		ID:             "ev-1",
		TrackID:        "12",
		RuleID:         "signal_jump",
		FirstSeen:      start,
		LastSeen:       start,
		Count:          1,
		Metadata:       map[string]float64{"phase_active_s": 4},
		CloseReason:    dedup.ClosedGrace,
		EvidenceStatus: dedup.EvidenceUnavailable,
	}
}

func TestWebhookPostsRecord(t *testing.T) {
	m := httputil.NewMockDoer()
	w := NewWebhook("http://hooks.local/violations", m, time.Second)

	require.NoError(t, w.Report(context.Background(), "sess", closedEvent()))

	_, body := m.Request(0)
	var got report.Record
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "sess", got.SessionID)
	assert.Equal(t, "signal_jump", got.RuleID)
	assert.Equal(t, "unavailable", got.EvidenceStatus)
	assert.Equal(t, 4.0, got.Metadata["phase_active_s"])

	sent, failed := w.Stats()
	assert.Equal(t, int64(1), sent)
	assert.Zero(t, failed)
}

func TestWebhookFailure(t *testing.T) {
	m := httputil.NewMockDoer(
		httputil.MockResponse{StatusCode: http.StatusInternalServerError},
		httputil.MockResponse{Err: errors.New("no route to host")},
	)
	w := NewWebhook("http://hooks.local/violations", m, 0)

	assert.Error(t, w.Report(context.Background(), "sess", closedEvent()))
	assert.Error(t, w.Report(context.Background(), "sess", closedEvent()))
	_, failed := w.Stats()
	assert.Equal(t, int64(2), failed)
}

func TestWebhookTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, srv.Client(), 20*time.Millisecond)
	err := w.Report(context.Background(), "sess", closedEvent())
	require.Error(t, err)
	_, failed := w.Stats()
	assert.Equal(t, int64(1), failed)
}
