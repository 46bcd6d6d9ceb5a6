// Package notify posts closed violation events to an external webhook.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/banshee-data/violation.report/internal/dedup"
	"github.com/banshee-data/violation.report/internal/httputil"
	"github.com/banshee-data/violation.report/internal/report"
)

// Webhook delivers one JSON report.Record per closed event. Delivery is
// synchronous and bounded by the configured timeout; failures are returned
// to the session, which logs and counts them.
type Webhook struct {
	url     string
	client  httputil.Doer
	timeout time.Duration

	sent   atomic.Int64
	failed atomic.Int64
}

// NewWebhook returns a Webhook posting to url. A nil client uses a plain
// http.Client.
func NewWebhook(url string, client httputil.Doer, timeout time.Duration) *Webhook {
	if client == nil {
		client = &http.Client{}
	}
	return &Webhook{url: url, client: client, timeout: timeout}
}

// Report implements session.Reporter.
func (w *Webhook) Report(ctx context.Context, sessionID string, ev *dedup.Event) error {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	if err := httputil.PostJSON(ctx, w.client, w.url, report.FromEvent(sessionID, ev)); err != nil {
		w.failed.Add(1)
		return fmt.Errorf("webhook delivery for event %s: %w", ev.ID, err)
	}
	w.sent.Add(1)
	return nil
}

// Stats returns delivered and failed counts.
func (w *Webhook) Stats() (sent, failed int64) {
	return w.sent.Load(), w.failed.Load()
}
