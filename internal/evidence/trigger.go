// Package evidence requests snapshot/clip capture for closed violation
// events, once per event.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/violation.report/internal/dedup"
	"github.com/banshee-data/violation.report/internal/frame"
	"github.com/banshee-data/violation.report/internal/monitoring"
)

// ErrAlreadyTriggered is returned when an event id has already been handled.
var ErrAlreadyTriggered = errors.New("evidence already triggered for event")

// Request is what the capture subsystem needs to pick frames or clip bounds.
type Request struct {
	EventID    string             `json:"event_id"`
	TrackID    string             `json:"track_id"`
	RuleID     string             `json:"rule_id"`
	Start      time.Time          `json:"start"`
	End        time.Time          `json:"end"`
	FirstFrame int64              `json:"first_frame"`
	LastFrame  int64              `json:"last_frame"`
	Metadata   map[string]float64 `json:"metadata"`
	BBox       frame.BBox         `json:"bbox"`
	Trace      []dedup.TracePoint `json:"trace"`
}

// NewRequest builds the capture request for ev.
func NewRequest(ev *dedup.Event) Request {
	meta := make(map[string]float64, len(ev.Metadata))
	for k, v := range ev.Metadata {
		meta[k] = v
	}
	return Request{
		EventID:    ev.ID,
		TrackID:    ev.TrackID,
		RuleID:     ev.RuleID,
		Start:      ev.FirstSeen,
		End:        ev.LastSeen,
		FirstFrame: ev.FirstFrame,
		LastFrame:  ev.LastFrame,
		Metadata:   meta,
		BBox:       ev.BBox,
		Trace:      append([]dedup.TracePoint(nil), ev.Trace...),
	}
}

// Capturer is the external evidence subsystem. It returns a reference the
// reporting layer can resolve (a path or identifier).
type Capturer interface {
	Capture(ctx context.Context, req Request) (string, error)
}

// CapturerFunc adapts a function to Capturer.
type CapturerFunc func(ctx context.Context, req Request) (string, error)

func (f CapturerFunc) Capture(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// rememberedIDs bounds how many recent event ids the once-per-event check
// keeps. Older ids are forgotten first.
const rememberedIDs = 4096

// Trigger hands closed events to a Capturer exactly once each.
type Trigger struct {
	capturer Capturer
	limit    int

	mu        sync.Mutex
	triggered map[string]bool
	order     []string // ring of remembered ids, oldest at next
	next      int
	requests  int64
	failures  int64
}

// NewTrigger returns a Trigger. A nil capturer marks every event's evidence
// unavailable.
func NewTrigger(c Capturer) *Trigger {
	return &Trigger{capturer: c, limit: rememberedIDs, triggered: make(map[string]bool)}
}

// OnEventClosed requests capture for ev and records the outcome on it.
// Capture failures are logged and leave the event with status unavailable;
// they are not returned. The only error is ErrAlreadyTriggered.
func (t *Trigger) OnEventClosed(ctx context.Context, ev *dedup.Event) (Request, error) {
	t.mu.Lock()
	if t.triggered[ev.ID] {
		t.mu.Unlock()
		return Request{}, fmt.Errorf("%w: %s", ErrAlreadyTriggered, ev.ID)
	}
	t.remember(ev.ID)
	t.requests++
	t.mu.Unlock()

	req := NewRequest(ev)
	if t.capturer == nil {
		ev.EvidenceStatus = dedup.EvidenceUnavailable
		return req, nil
	}
	ref, err := t.capturer.Capture(ctx, req)
	if err != nil {
		t.mu.Lock()
		t.failures++
		t.mu.Unlock()
		monitoring.Warnf("evidence capture failed for %s event %s (track %s): %v", ev.RuleID, ev.ID, ev.TrackID, err)
		ev.EvidenceStatus = dedup.EvidenceUnavailable
		return req, nil
	}
	ev.EvidenceRef = ref
	ev.EvidenceStatus = dedup.EvidenceCaptured
	return req, nil
}

// remember records id, forgetting the oldest id once limit is reached.
// Callers hold t.mu.
func (t *Trigger) remember(id string) {
	t.triggered[id] = true
	if len(t.order) < t.limit {
		t.order = append(t.order, id)
		return
	}
	delete(t.triggered, t.order[t.next])
	t.order[t.next] = id
	t.next = (t.next + 1) % t.limit
}

// Remembered returns how many event ids are currently held.
func (t *Trigger) Remembered() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.triggered)
}

// Stats returns the number of capture requests and failures since Reset.
func (t *Trigger) Stats() (requests, failures int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requests, t.failures
}

// Reset forgets every triggered event id.
func (t *Trigger) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.triggered = make(map[string]bool)
	t.order, t.next = nil, 0
	t.requests, t.failures = 0, 0
}
