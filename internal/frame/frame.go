// Package frame holds the per-frame records handed over by the external
// detector and tracker, and the JSON-lines codec the tracker sidecar emits.
package frame

import (
	"math"
	"time"
)

// Point is an image-space coordinate in pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Finite reports whether both coordinates are finite numbers.
func (p Point) Finite() bool {
	return !math.IsNaN(p.X) && !math.IsInf(p.X, 0) && !math.IsNaN(p.Y) && !math.IsInf(p.Y, 0)
}

// Dist returns the euclidean distance to q in pixels.
func (p Point) Dist(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// BBox is an axis-aligned bounding box in pixels (top-left, bottom-right).
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Valid reports whether every coordinate is finite and the box is not inverted.
func (b BBox) Valid() bool {
	for _, v := range [4]float64{b.X1, b.Y1, b.X2, b.Y2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.X2 >= b.X1 && b.Y2 >= b.Y1
}

// Center returns the box centre.
func (b BBox) Center() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// Area returns the box area in square pixels.
func (b BBox) Area() float64 {
	return (b.X2 - b.X1) * (b.Y2 - b.Y1)
}

// Intersection returns the overlapping area of b and o (0 when disjoint).
func (b BBox) Intersection(o BBox) float64 {
	w := math.Min(b.X2, o.X2) - math.Max(b.X1, o.X1)
	h := math.Min(b.Y2, o.Y2) - math.Max(b.Y1, o.Y1)
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// OverlapRatio returns the fraction of o's area covered by b. A rider box
// sitting on a motorcycle box scores close to 1 even though the IoU is low,
// which is why association uses this rather than IoU.
func (b BBox) OverlapRatio(o BBox) float64 {
	area := o.Area()
	if area <= 0 {
		return 0
	}
	return b.Intersection(o) / area
}

// IoU returns intersection over union of b and o.
func (b BBox) IoU(o BBox) float64 {
	inter := b.Intersection(o)
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Detection is one classifier output for a frame. Confidence filtering has
// already happened upstream.
type Detection struct {
	BBox       BBox    `json:"bbox"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// TrackObservation is one tracker output for a frame. IDs are stable while the
// object is continuously tracked and never reused within a session.
type TrackObservation struct {
	ID    string `json:"id"`
	BBox  BBox   `json:"bbox"`
	Label string `json:"label"`
}

// SignalPhase is the externally supplied traffic light state.
type SignalPhase struct {
	Phase string    `json:"phase"`
	Since time.Time `json:"since"`
}

// ActiveFor returns how long the phase has been active at now.
func (s SignalPhase) ActiveFor(now time.Time) time.Duration {
	return now.Sub(s.Since)
}

// Frame is everything the core receives for one video frame.
type Frame struct {
	Index      int64
	Timestamp  time.Time
	Detections []Detection
	Tracks     []TrackObservation
	Signal     *SignalPhase
}

// DetectionsLabelled returns the detections whose label is in labels.
func (f *Frame) DetectionsLabelled(labels map[string]bool) []Detection {
	var out []Detection
	for _, d := range f.Detections {
		if labels[d.Label] {
			out = append(out, d)
		}
	}
	return out
}

// TracksLabelled returns the track observations whose label is in labels.
func (f *Frame) TracksLabelled(labels map[string]bool) []TrackObservation {
	var out []TrackObservation
	for _, t := range f.Tracks {
		if labels[t.Label] {
			out = append(out, t)
		}
	}
	return out
}
