package dedup

import (
	"time"

	"github.com/banshee-data/violation.report/internal/frame"
)

// EvidenceStatus records the outcome of evidence capture for an event.
type EvidenceStatus string

const (
	EvidencePending     EvidenceStatus = "pending"
	EvidenceCaptured    EvidenceStatus = "captured"
	EvidenceUnavailable EvidenceStatus = "unavailable"
)

// Close reasons.
const (
	ClosedGrace   = "grace"   // no candidate within the grace window
	ClosedEvicted = "evicted" // track went silent
	ClosedStopped = "stopped" // session ended
)

// TracePoint is one candidate position kept for evidence plotting.
type TracePoint struct {
	Timestamp  time.Time   `json:"ts"`
	FrameIndex int64       `json:"frame"`
	Center     frame.Point `json:"center"`
}

// Event is the deduplicated record of one violation occurrence.
type Event struct {
	ID         string             `json:"event_id"`
	TrackID    string             `json:"track_id"`
	RuleID     string             `json:"rule_id"`
	FirstSeen  time.Time          `json:"first_seen"`
	LastSeen   time.Time          `json:"last_seen"`
	FirstFrame int64              `json:"first_frame"`
	LastFrame  int64              `json:"last_frame"`
	Count      int                `json:"candidates"`
	Metadata   map[string]float64 `json:"metadata"`
	BBox       frame.BBox         `json:"bbox"` // from the opening candidate
	Trace      []TracePoint       `json:"trace"`

	ClosedAt    time.Time `json:"closed_at"`
	CloseReason string    `json:"close_reason"`

	EvidenceRef    string         `json:"evidence_ref,omitempty"`
	EvidenceStatus EvidenceStatus `json:"evidence_status"`
}

// Duration is the span between the first and last candidate.
func (e *Event) Duration() time.Duration {
	return e.LastSeen.Sub(e.FirstSeen)
}

// Clone returns a deep copy.
func (e *Event) Clone() *Event {
	c := *e
	c.Metadata = make(map[string]float64, len(e.Metadata))
	for k, v := range e.Metadata {
		c.Metadata[k] = v
	}
	c.Trace = append([]TracePoint(nil), e.Trace...)
	return &c
}
