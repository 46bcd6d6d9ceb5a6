// Package tracks keeps the rolling per-track state that violation rules read:
// bounded position history, zone membership and its transitions, and the set
// of rules already confirmed for the track.
package tracks

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/violation.report/internal/frame"
	"github.com/banshee-data/violation.report/internal/zones"
)

var (
	// ErrInvalidSample is returned for empty ids and non-finite or inverted boxes.
	ErrInvalidSample = errors.New("invalid track sample")
	// ErrOutOfOrder is returned when a sample is older than the track's latest.
	ErrOutOfOrder = errors.New("track sample out of order")
)

// Config bounds the store's memory and sets the eviction policy.
type Config struct {
	EvictionTimeout time.Duration // silence after which a track is destroyed
	HistoryWindow   time.Duration // samples older than latest-HistoryWindow are dropped
	MaxSamples      int           // hard cap on samples per track
}

// Sample is one observation of a track.
type Sample struct {
	Timestamp time.Time
	Center    frame.Point
	BBox      frame.BBox
	Class     string
	Zones     []string // sorted zone membership at this sample
}

// InZone reports whether the sample was inside zone name.
func (s Sample) InZone(name string) bool {
	i := sort.SearchStrings(s.Zones, name)
	return i < len(s.Zones) && s.Zones[i] == name
}

type track struct {
	id        string
	firstSeen time.Time
	samples   []Sample
	zoneSince map[string]time.Time
	entered   []string
	exited    []string
	confirmed map[string]bool
}

// Store is the single owner of track state. It is safe for concurrent use;
// writers are serialised by a mutex and readers receive copies.
type Store struct {
	cfg   Config
	zones *zones.Registry

	mu     sync.RWMutex
	tracks map[string]*track
}

// NewStore creates an empty store. reg may be nil when no zones are configured.
func NewStore(cfg Config, reg *zones.Registry) *Store {
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = 1
	}
	return &Store{
		cfg:    cfg,
		zones:  reg,
		tracks: make(map[string]*track),
	}
}

// Update appends an observation for id, creating the track on first sighting,
// recomputes zone membership and transitions, and returns the new snapshot.
// Invalid samples leave stored history untouched.
func (s *Store) Update(id string, ts time.Time, bbox frame.BBox, class string) (Snapshot, error) {
	if id == "" {
		return Snapshot{}, fmt.Errorf("%w: empty track id", ErrInvalidSample)
	}
	if !bbox.Valid() {
		return Snapshot{}, fmt.Errorf("%w: track %s bbox %+v", ErrInvalidSample, id, bbox)
	}

	center := bbox.Center()
	var membership []string
	if s.zones != nil {
		membership = s.zones.Membership(center)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tracks[id]
	if !ok {
		t = &track{
			id:        id,
			firstSeen: ts,
			zoneSince: make(map[string]time.Time),
			confirmed: make(map[string]bool),
		}
		s.tracks[id] = t
	} else if last := t.samples[len(t.samples)-1].Timestamp; ts.Before(last) {
		return Snapshot{}, fmt.Errorf("%w: track %s sample at %s before %s", ErrOutOfOrder, id, ts.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano))
	}

	var prev []string
	if len(t.samples) > 0 {
		prev = t.samples[len(t.samples)-1].Zones
	}
	t.entered = difference(membership, prev)
	t.exited = difference(prev, membership)
	for _, z := range t.entered {
		t.zoneSince[z] = ts
	}
	for _, z := range t.exited {
		delete(t.zoneSince, z)
	}

	t.samples = append(t.samples, Sample{
		Timestamp: ts,
		Center:    center,
		BBox:      bbox,
		Class:     class,
		Zones:     membership,
	})
	s.trim(t)

	return t.snapshot(), nil
}

// trim drops samples outside the history window and over the sample cap. The
// newest sample is always kept.
func (s *Store) trim(t *track) {
	if n := len(t.samples); n > s.cfg.MaxSamples {
		t.samples = t.samples[n-s.cfg.MaxSamples:]
	}
	if s.cfg.HistoryWindow <= 0 {
		return
	}
	cutoff := t.samples[len(t.samples)-1].Timestamp.Add(-s.cfg.HistoryWindow)
	drop := 0
	for drop < len(t.samples)-1 && t.samples[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		t.samples = append(t.samples[:0:0], t.samples[drop:]...)
	}
}

// Get returns a snapshot of track id.
func (s *Store) Get(id string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tracks[id]
	if !ok {
		return Snapshot{}, false
	}
	return t.snapshot(), true
}

// Snapshots returns snapshots of every track ordered by id.
func (s *Store) Snapshots() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EvictStale destroys every track whose last sample is more than the eviction
// timeout before now and returns their ids in sorted order.
func (s *Store) EvictStale(now time.Time) []string {
	if s.cfg.EvictionTimeout <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var evicted []string
	for id, t := range s.tracks {
		if now.Sub(t.samples[len(t.samples)-1].Timestamp) > s.cfg.EvictionTimeout {
			delete(s.tracks, id)
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)
	return evicted
}

// MarkConfirmed records that rule has produced a confirmed event for id.
func (s *Store) MarkConfirmed(id, rule string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tracks[id]; ok {
		t.confirmed[rule] = true
	}
}

// Len returns the number of live tracks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tracks)
}

// Reset drops every track.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = make(map[string]*track)
}

// difference returns the elements of a (sorted) that are not in b (sorted).
func difference(a, b []string) []string {
	var out []string
	j := 0
	for _, x := range a {
		for j < len(b) && b[j] < x {
			j++
		}
		if j < len(b) && b[j] == x {
			continue
		}
		out = append(out, x)
	}
	return out
}
