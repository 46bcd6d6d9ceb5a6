// Package session drives the per-frame violation pipeline: track update,
// eviction, rule evaluation, deduplication, then evidence and reporting for
// every event that closed. One Controller handles one video session at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/violation.report/internal/config"
	"github.com/banshee-data/violation.report/internal/dedup"
	"github.com/banshee-data/violation.report/internal/evidence"
	"github.com/banshee-data/violation.report/internal/frame"
	"github.com/banshee-data/violation.report/internal/monitoring"
	"github.com/banshee-data/violation.report/internal/rules"
	"github.com/banshee-data/violation.report/internal/tracks"
	"github.com/banshee-data/violation.report/internal/zones"
)

var (
	// ErrOutOfOrderFrame is returned for a frame older than the previous one.
	ErrOutOfOrderFrame = errors.New("frame out of order")
	// ErrInvalidFrame is returned for a frame without a timestamp.
	ErrInvalidFrame = errors.New("invalid frame")
)

// Reporter receives every closed event after evidence capture. Reporter
// errors are logged and do not stop the session.
type Reporter interface {
	Report(ctx context.Context, sessionID string, ev *dedup.Event) error
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, sessionID string, ev *dedup.Event) error

func (f ReporterFunc) Report(ctx context.Context, sessionID string, ev *dedup.Event) error {
	return f(ctx, sessionID, ev)
}

// FrameResult summarises what one frame did.
type FrameResult struct {
	Index      int64
	Timestamp  time.Time
	Dropped    int
	Evicted    []string
	Candidates []rules.Candidate
	Opened     []string // ids of events opened this frame
	Closed     []*dedup.Event
	Failures   []rules.Failure
}

// Status is a point-in-time view of the session counters.
type Status struct {
	SessionID        string    `json:"session_id"`
	StartedAt        time.Time `json:"started_at"`
	Rules            []string  `json:"rules"`
	FramesProcessed  int64     `json:"frames_processed"`
	FramesRejected   int64     `json:"frames_rejected"`
	DroppedRecords   int64     `json:"dropped_records"`
	RuleFailures     int64     `json:"rule_failures"`
	Candidates       int64     `json:"candidates"`
	EventsOpened     int64     `json:"events_opened"`
	EventsClosed     int64     `json:"events_closed"`
	OpenEvents       int       `json:"open_events"`
	Tracks           int       `json:"tracks"`
	EvidenceRequests int64     `json:"evidence_requests"`
	EvidenceFailures int64     `json:"evidence_failures"`
	ReportFailures   int64     `json:"report_failures"`
	LastFrameIndex   int64     `json:"last_frame_index"`
	LastFrameTime    time.Time `json:"last_frame_time"`
	Stopped          bool      `json:"stopped"`
}

// Controller owns every piece of per-session state.
type Controller struct {
	store   *tracks.Store
	engine  *rules.Engine
	dedup   *dedup.Deduplicator
	trigger *evidence.Trigger
	now     func() time.Time

	// mu serialises frames, Stop and Reset; one frame completes before the
	// next is considered.
	mu        sync.Mutex
	reporters []Reporter
	sessionID string
	startedAt time.Time
	lastTS    time.Time
	haveFrame bool
	stopped   bool

	frames, rejected, dropped, candidates, reportFailures int64

	lastIndex int64
}

// New assembles a Controller from its parts.
func New(store *tracks.Store, engine *rules.Engine, dd *dedup.Deduplicator, trigger *evidence.Trigger, reporters ...Reporter) *Controller {
	c := &Controller{
		store:     store,
		engine:    engine,
		dedup:     dd,
		trigger:   trigger,
		now:       time.Now,
		reporters: reporters,
	}
	c.sessionID = uuid.NewString()
	c.startedAt = c.now()
	return c
}

// NewFromConfig validates cfg and builds the whole pipeline. Any
// configuration problem is returned before a frame is processed.
func NewFromConfig(cfg *config.SessionConfig, capturer evidence.Capturer, reporters ...Reporter) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	zr, err := zones.NewRegistry(cfg.ZoneDefs())
	if err != nil {
		return nil, fmt.Errorf("failed to build zones: %w", err)
	}
	reg, err := rules.FromConfig(cfg, zr)
	if err != nil {
		return nil, fmt.Errorf("failed to build rules: %w", err)
	}
	store := tracks.NewStore(tracks.Config{
		EvictionTimeout: cfg.GetEvictionTimeout(),
		HistoryWindow:   cfg.GetHistoryWindow(),
		MaxSamples:      cfg.GetMaxHistorySamples(),
	}, zr)
	engine := rules.NewEngine(reg, zr, cfg.GetWorkers())
	dd := dedup.New(dedup.Config{
		GraceWindow:    cfg.GetGraceWindow(),
		MaxTracePoints: cfg.GetMaxTracePoints(),
	})
	return New(store, engine, dd, evidence.NewTrigger(capturer), reporters...), nil
}

// AddReporter registers r for subsequent closed events.
func (c *Controller) AddReporter(r Reporter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reporters = append(c.reporters, r)
}

// SessionID returns the current session id.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// ProcessFrame runs one iteration of the pipeline for f.
func (c *Controller) ProcessFrame(ctx context.Context, f frame.Frame) (*FrameResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f.Timestamp.IsZero() {
		c.rejected++
		return nil, fmt.Errorf("%w: frame %d has no timestamp", ErrInvalidFrame, f.Index)
	}
	if c.haveFrame && f.Timestamp.Before(c.lastTS) {
		c.rejected++
		return nil, fmt.Errorf("%w: frame %d at %s is before %s", ErrOutOfOrderFrame, f.Index,
			f.Timestamp.Format(time.RFC3339Nano), c.lastTS.Format(time.RFC3339Nano))
	}
	c.haveFrame = true
	c.stopped = false
	c.lastTS = f.Timestamp
	c.lastIndex = f.Index
	c.frames++

	res := &FrameResult{Index: f.Index, Timestamp: f.Timestamp}
	now := f.Timestamp

	// malformed detections are dropped before any rule can see them
	dets := f.Detections[:0:0]
	for _, d := range f.Detections {
		if !d.BBox.Valid() {
			res.Dropped++
			monitoring.Warnf("frame %d: dropping %s detection with invalid bbox %+v", f.Index, d.Label, d.BBox)
			continue
		}
		dets = append(dets, d)
	}
	f.Detections = dets

	seen := make(map[string]bool, len(f.Tracks))
	snaps := make([]tracks.Snapshot, 0, len(f.Tracks))
	for _, obs := range f.Tracks {
		if seen[obs.ID] {
			res.Dropped++
			monitoring.Warnf("frame %d: dropping duplicate observation of track %s", f.Index, obs.ID)
			continue
		}
		snap, err := c.store.Update(obs.ID, now, obs.BBox, obs.Label)
		if err != nil {
			res.Dropped++
			monitoring.Warnf("frame %d: dropping track record: %v", f.Index, err)
			continue
		}
		seen[obs.ID] = true
		snaps = append(snaps, snap)
	}
	c.dropped += int64(res.Dropped)

	res.Evicted = c.store.EvictStale(now)
	for _, id := range res.Evicted {
		res.Closed = append(res.Closed, c.dedup.CloseTrack(id, now)...)
	}
	c.engine.Forget(res.Evicted...)

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
	eval, err := c.engine.Evaluate(ctx, &f, snaps)
	if err != nil {
		// eviction already removed these from the open table
		c.finalize(context.WithoutCancel(ctx), res.Closed)
		return nil, err
	}
	res.Failures = eval.Failures
	res.Candidates = eval.Candidates
	c.candidates += int64(len(eval.Candidates))

	for _, cand := range eval.Candidates {
		id, opened := c.dedup.Ingest(cand)
		if opened {
			res.Opened = append(res.Opened, id)
			c.store.MarkConfirmed(cand.TrackID, cand.RuleID)
		}
	}

	res.Closed = append(res.Closed, c.dedup.Tick(now)...)
	c.finalize(ctx, res.Closed)
	return res, nil
}

// finalize requests evidence and then reports each closed event.
func (c *Controller) finalize(ctx context.Context, closed []*dedup.Event) {
	for _, ev := range closed {
		if _, err := c.trigger.OnEventClosed(ctx, ev); err != nil {
			monitoring.Warnf("evidence trigger for event %s: %v", ev.ID, err)
		}
		for _, r := range c.reporters {
			if err := r.Report(ctx, c.sessionID, ev); err != nil {
				c.reportFailures++
				monitoring.Warnf("failed to report event %s: %v", ev.ID, err)
			}
		}
	}
}

// Run processes frames until the channel closes or ctx is done. Rejected
// frames are logged and skipped.
func (c *Controller) Run(ctx context.Context, frames <-chan frame.Frame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			if _, err := c.ProcessFrame(ctx, f); err != nil {
				if errors.Is(err, ErrOutOfOrderFrame) || errors.Is(err, ErrInvalidFrame) {
					monitoring.Warnf("%v", err)
					continue
				}
				return err
			}
		}
	}
}

// Stop closes every open event as of the latest frame (or now, if no frame
// arrived) and hands them to evidence and reporting. Further frames are still
// accepted afterwards.
func (c *Controller) Stop(ctx context.Context) []*dedup.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	at := c.lastTS
	if !c.haveFrame {
		at = c.now()
	}
	closed := c.dedup.CloseAll(at)
	c.finalize(ctx, closed)
	c.stopped = true
	return closed
}

// Reset discards all state, including open events, and starts a new session.
func (c *Controller) Reset() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Reset()
	c.engine.Reset()
	c.dedup.Reset()
	c.trigger.Reset()
	c.sessionID = uuid.NewString()
	c.startedAt = c.now()
	c.lastTS = time.Time{}
	c.haveFrame = false
	c.stopped = false
	c.frames, c.rejected, c.dropped, c.candidates, c.reportFailures = 0, 0, 0, 0, 0
	c.lastIndex = 0
	return c.sessionID
}

// Status returns the current counters.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	opened, closed := c.dedup.Stats()
	requests, failures := c.trigger.Stats()
	return Status{
		SessionID:        c.sessionID,
		StartedAt:        c.startedAt,
		Rules:            c.engine.Registry().IDs(),
		FramesProcessed:  c.frames,
		FramesRejected:   c.rejected,
		DroppedRecords:   c.dropped,
		RuleFailures:     c.engine.Failures(),
		Candidates:       c.candidates,
		EventsOpened:     opened,
		EventsClosed:     closed,
		OpenEvents:       c.dedup.OpenCount(),
		Tracks:           c.store.Len(),
		EvidenceRequests: requests,
		EvidenceFailures: failures,
		ReportFailures:   c.reportFailures,
		LastFrameIndex:   c.lastIndex,
		LastFrameTime:    c.lastTS,
		Stopped:          c.stopped,
	}
}
