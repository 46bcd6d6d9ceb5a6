package rules

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/violation.report/internal/frame"
	"github.com/banshee-data/violation.report/internal/monitoring"
	"github.com/banshee-data/violation.report/internal/tracks"
	"github.com/banshee-data/violation.report/internal/zones"
)

// Failure records a rule error or panic for one track in one frame.
type Failure struct {
	TrackID string
	RuleID  string
	Err     error
}

// Result is the outcome of evaluating every rule over a frame's tracks.
// Candidates are ordered by the input snapshot order, then by rule
// registration order.
type Result struct {
	Candidates []Candidate
	Failures   []Failure
}

// Engine runs the registered rules. Tracks are evaluated in parallel, bounded
// by workers; all rules for one track run on the same goroutine so a track's
// scratch memory is never shared.
type Engine struct {
	registry *Registry
	zones    *zones.Registry
	workers  int

	mu     sync.Mutex
	memory map[string]map[string]*Memory // track id -> rule id -> memory

	failures atomic.Int64
}

// NewEngine builds an engine over reg. workers below 1 means sequential.
func NewEngine(reg *Registry, zr *zones.Registry, workers int) *Engine {
	if workers < 1 {
		workers = 1
	}
	return &Engine{
		registry: reg,
		zones:    zr,
		workers:  workers,
		memory:   make(map[string]map[string]*Memory),
	}
}

// Registry returns the rule registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Evaluate runs every rule against every snapshot for frame f. Rule failures
// are isolated and reported in the result; the only error returned is ctx
// cancellation.
func (e *Engine) Evaluate(ctx context.Context, f *frame.Frame, snaps []tracks.Snapshot) (*Result, error) {
	rules := e.registry.Rules()
	mems := make([]map[string]*Memory, len(snaps))
	e.mu.Lock()
	for i, s := range snaps {
		m, ok := e.memory[s.ID]
		if !ok {
			m = make(map[string]*Memory, len(rules))
			for _, r := range rules {
				m[r.ID()] = &Memory{}
			}
			e.memory[s.ID] = m
		}
		mems[i] = m
	}
	e.mu.Unlock()

	type trackResult struct {
		candidates []Candidate
		failures   []Failure
	}
	results := make([]trackResult, len(snaps))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i := range snaps {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			snap := snaps[i]
			for _, r := range rules {
				mem, ok := mems[i][r.ID()]
				if !ok {
					// rule registered after the track was first seen
					mem = &Memory{}
					mems[i][r.ID()] = mem
				}
				in := &Input{Track: snap, Zones: e.zones, Frame: f, Memory: mem}
				c, err := e.evaluateOne(r, in)
				if err != nil {
					results[i].failures = append(results[i].failures, Failure{TrackID: snap.ID, RuleID: r.ID(), Err: err})
					continue
				}
				if c != nil {
					results[i].candidates = append(results[i].candidates, *c)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &Result{}
	for _, tr := range results {
		out.Candidates = append(out.Candidates, tr.candidates...)
		for _, fl := range tr.failures {
			e.failures.Add(1)
			monitoring.Warnf("rule %s failed for track %s in frame %d: %v", fl.RuleID, fl.TrackID, f.Index, fl.Err)
		}
		out.Failures = append(out.Failures, tr.failures...)
	}
	return out, nil
}

// evaluateOne calls r with panics converted to ErrRulePanic and fills in the
// candidate's identity fields.
func (e *Engine) evaluateOne(r Rule, in *Input) (c *Candidate, err error) {
	defer func() {
		if p := recover(); p != nil {
			c = nil
			err = fmt.Errorf("%w: %v", ErrRulePanic, p)
		}
	}()
	c, err = r.Evaluate(in)
	if err != nil || c == nil {
		return nil, err
	}
	latest := in.Track.Latest()
	c.TrackID = in.Track.ID
	c.RuleID = r.ID()
	c.FrameIndex = in.Frame.Index
	c.Timestamp = latest.Timestamp
	c.BBox = latest.BBox
	c.Center = latest.Center
	return c, nil
}

// Forget drops the scratch memory for the given tracks.
func (e *Engine) Forget(ids ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		delete(e.memory, id)
	}
}

// Reset drops all scratch memory and the failure counter.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.memory = make(map[string]map[string]*Memory)
	e.mu.Unlock()
	e.failures.Store(0)
}

// Failures returns the number of rule failures since the last Reset.
func (e *Engine) Failures() int64 { return e.failures.Load() }
