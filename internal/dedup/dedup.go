// Package dedup turns per-frame rule candidates into violation events. There
// is at most one open event per (track, rule); candidates arriving within the
// grace window extend it, and an event is only handed on once it closes.
package dedup

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/violation.report/internal/rules"
)

// Config controls merging.
type Config struct {
	GraceWindow    time.Duration // max gap between candidates of one event
	MaxTracePoints int           // trace cap; the opening point is always kept
	NewID          func() string // defaults to uuid.NewString
}

type key struct {
	track string
	rule  string
}

// Deduplicator owns the open-event table.
type Deduplicator struct {
	cfg Config

	mu      sync.Mutex
	open    map[key]*Event
	pending []*Event // closed during Ingest, returned by the next Tick
	opened  int64
	closed  int64
}

// New creates an empty Deduplicator.
func New(cfg Config) *Deduplicator {
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.MaxTracePoints < 1 {
		cfg.MaxTracePoints = 1
	}
	return &Deduplicator{cfg: cfg, open: make(map[key]*Event)}
}

// Ingest merges c into the open event for its (track, rule) or opens a new
// one, returning the event id and whether it was just opened. A candidate
// arriving more than the grace window after the open event's last candidate
// closes that event (it is returned by the next Tick) and opens a new one.
func (d *Deduplicator) Ingest(c rules.Candidate) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	k := key{c.TrackID, c.RuleID}
	if ev, ok := d.open[k]; ok {
		if c.Timestamp.Sub(ev.LastSeen) <= d.cfg.GraceWindow {
			d.merge(ev, c)
			return ev.ID, false
		}
		d.closeLocked(ev, ev.LastSeen.Add(d.cfg.GraceWindow), ClosedGrace)
		d.pending = append(d.pending, ev)
	}

	ev := &Event{
		ID:             d.cfg.NewID(),
		TrackID:        c.TrackID,
		RuleID:         c.RuleID,
		FirstSeen:      c.Timestamp,
		LastSeen:       c.Timestamp,
		FirstFrame:     c.FrameIndex,
		LastFrame:      c.FrameIndex,
		Count:          1,
		Metadata:       make(map[string]float64, len(c.Metadata)),
		BBox:           c.BBox,
		Trace:          []TracePoint{{Timestamp: c.Timestamp, FrameIndex: c.FrameIndex, Center: c.Center}},
		EvidenceStatus: EvidencePending,
	}
	for k, v := range c.Metadata {
		ev.Metadata[k] = v
	}
	d.open[k] = ev
	d.opened++
	return ev.ID, true
}

// merge extends ev with c. Metadata keeps the maximum observed per key.
func (d *Deduplicator) merge(ev *Event, c rules.Candidate) {
	if c.Timestamp.After(ev.LastSeen) {
		ev.LastSeen = c.Timestamp
	}
	if c.FrameIndex > ev.LastFrame {
		ev.LastFrame = c.FrameIndex
	}
	ev.Count++
	for k, v := range c.Metadata {
		if old, ok := ev.Metadata[k]; !ok || v > old {
			ev.Metadata[k] = v
		}
	}
	if len(ev.Trace) >= d.cfg.MaxTracePoints {
		if d.cfg.MaxTracePoints == 1 {
			return
		}
		ev.Trace = append(ev.Trace[:1], ev.Trace[2:]...)
	}
	ev.Trace = append(ev.Trace, TracePoint{Timestamp: c.Timestamp, FrameIndex: c.FrameIndex, Center: c.Center})
}

// Tick closes every open event whose last candidate is more than the grace
// window before now, and returns those plus any closed during Ingest.
func (d *Deduplicator) Tick(now time.Time) []*Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := d.pending
	d.pending = nil
	for k, ev := range d.open {
		if now.Sub(ev.LastSeen) > d.cfg.GraceWindow {
			delete(d.open, k)
			d.closeLocked(ev, now, ClosedGrace)
			out = append(out, ev)
		}
	}
	sortEvents(out)
	return out
}

// CloseTrack closes every open event of trackID immediately.
func (d *Deduplicator) CloseTrack(trackID string, now time.Time) []*Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*Event
	for k, ev := range d.open {
		if k.track == trackID {
			delete(d.open, k)
			d.closeLocked(ev, now, ClosedEvicted)
			out = append(out, ev)
		}
	}
	sortEvents(out)
	return out
}

// CloseAll closes every open event, including ones awaiting the next Tick.
// Used when a session ends.
func (d *Deduplicator) CloseAll(now time.Time) []*Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := d.pending
	d.pending = nil
	for k, ev := range d.open {
		delete(d.open, k)
		d.closeLocked(ev, now, ClosedStopped)
		out = append(out, ev)
	}
	sortEvents(out)
	return out
}

func (d *Deduplicator) closeLocked(ev *Event, at time.Time, reason string) {
	if k := (key{ev.TrackID, ev.RuleID}); d.open[k] == ev {
		delete(d.open, k)
	}
	ev.ClosedAt = at
	ev.CloseReason = reason
	d.closed++
}

// Open returns copies of the currently open events.
func (d *Deduplicator) Open() []*Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Event, 0, len(d.open))
	for _, ev := range d.open {
		out = append(out, ev.Clone())
	}
	sortEvents(out)
	return out
}

// OpenCount returns the number of open events.
func (d *Deduplicator) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.open)
}

// Stats returns the number of events opened and closed since the last Reset.
func (d *Deduplicator) Stats() (opened, closed int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened, d.closed
}

// Reset drops all open and pending events without closing them.
func (d *Deduplicator) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = make(map[key]*Event)
	d.pending = nil
	d.opened, d.closed = 0, 0
}

func sortEvents(evs []*Event) {
	sort.Slice(evs, func(i, j int) bool {
		a, b := evs[i], evs[j]
		if !a.FirstSeen.Equal(b.FirstSeen) {
			return a.FirstSeen.Before(b.FirstSeen)
		}
		if a.TrackID != b.TrackID {
			return a.TrackID < b.TrackID
		}
		return a.RuleID < b.RuleID
	})
}
