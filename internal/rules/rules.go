// Package rules evaluates violation rules against track snapshots. Each rule
// sees one track, the zone registry and the current frame, and returns at
// most one candidate per frame. Rules are registered by id; the deduplicator
// and session loop only ever see the id.
package rules

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/violation.report/internal/frame"
	"github.com/banshee-data/violation.report/internal/tracks"
	"github.com/banshee-data/violation.report/internal/zones"
)

// Built-in rule ids.
const (
	SignalJumpID   = "signal_jump"
	OverspeedID    = "overspeed"
	WrongLaneID    = "wrong_lane"
	TripleRidingID = "triple_riding"
	HelmetlessID   = "helmetless"
)

// ErrRulePanic wraps a panic recovered from a rule evaluator.
var ErrRulePanic = errors.New("rule panicked")

// Candidate is a single frame's rule firing. The engine fills in the identity
// fields; rules only need to supply Metadata.
type Candidate struct {
	TrackID    string
	RuleID     string
	FrameIndex int64
	Timestamp  time.Time
	BBox       frame.BBox
	Center     frame.Point
	Metadata   map[string]float64
}

// Input is everything a rule may read for one (track, frame) evaluation.
type Input struct {
	Track  tracks.Snapshot
	Zones  *zones.Registry
	Frame  *frame.Frame
	Memory *Memory // scratch owned by this (rule, track) pair
}

// Rule is a violation evaluator. Evaluate must not retain in or mutate
// anything reachable from it other than in.Memory.
type Rule interface {
	ID() string
	Evaluate(in *Input) (*Candidate, error)
}

// Memory is per (rule, track) scratch state for rules that need to count
// consecutive frames or time a sustained condition. The engine creates it on
// first use and drops it when the track is forgotten.
type Memory struct {
	Start  time.Time // first hit of the current streak
	Last   time.Time // latest hit
	Hits   int
	Misses int // consecutive misses since the latest hit
}

// Hit records a frame where the condition held.
func (m *Memory) Hit(ts time.Time) {
	if m.Hits == 0 {
		m.Start = ts
	}
	m.Hits++
	m.Misses = 0
	m.Last = ts
}

// Miss records a frame where the condition did not hold. The streak survives
// up to tolerated consecutive misses.
func (m *Memory) Miss(tolerated int) {
	if m.Hits == 0 {
		return
	}
	m.Misses++
	if m.Misses > tolerated {
		m.Reset()
	}
}

// Reset clears the streak.
func (m *Memory) Reset() { *m = Memory{} }

// Active reports whether a streak is in progress.
func (m *Memory) Active() bool { return m.Hits > 0 }

// Span returns how long the current streak has lasted at now.
func (m *Memory) Span(now time.Time) time.Duration {
	if m.Hits == 0 {
		return 0
	}
	return now.Sub(m.Start)
}

// Registry maps rule ids to evaluators and keeps registration order, which is
// the order candidates for one track are handed to the deduplicator.
type Registry struct {
	rules []Rule
	byID  map[string]Rule
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]Rule)}
}

// Register adds r. Ids must be non-empty and unique.
func (r *Registry) Register(rule Rule) error {
	id := rule.ID()
	if id == "" {
		return fmt.Errorf("rule id is required")
	}
	if _, dup := r.byID[id]; dup {
		return fmt.Errorf("rule %q already registered", id)
	}
	r.byID[id] = rule
	r.rules = append(r.rules, rule)
	return nil
}

// Lookup returns the rule registered under id.
func (r *Registry) Lookup(id string) (Rule, bool) {
	rule, ok := r.byID[id]
	return rule, ok
}

// Rules returns the registered rules in registration order.
func (r *Registry) Rules() []Rule {
	return append([]Rule(nil), r.rules...)
}

// IDs returns the registered ids in registration order.
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.rules))
	for i, rule := range r.rules {
		ids[i] = rule.ID()
	}
	return ids
}

// Len returns the number of registered rules.
func (r *Registry) Len() int { return len(r.rules) }

func labelSet(labels []string) map[string]bool {
	m := make(map[string]bool, len(labels))
	for _, l := range labels {
		m[l] = true
	}
	return m
}
