package rules

import (
	"fmt"

	"github.com/banshee-data/violation.report/internal/frame"
)

// TripleRidingConfig configures the rider count rule.
type TripleRidingConfig struct {
	TwoWheelerClasses  []string
	RiderClasses       []string
	OverlapThreshold   float64 // fraction of the rider box inside the vehicle box
	MaxRiders          int
	MinFrames          int
	ToleratedGapFrames int
}

// TripleRiding fires when more than MaxRiders distinct riders overlap a
// two-wheeler for MinFrames frames. Up to ToleratedGapFrames consecutive
// frames with a lower count do not break the streak.
type TripleRiding struct {
	cfg         TripleRidingConfig
	twoWheelers map[string]bool
	riders      map[string]bool
}

// duplicateIoU is the overlap above which a rider detection and a rider track
// are taken to be the same person.
const duplicateIoU = 0.5

func NewTripleRiding(cfg TripleRidingConfig) (*TripleRiding, error) {
	switch {
	case len(cfg.TwoWheelerClasses) == 0:
		return nil, fmt.Errorf("%s: at least one two-wheeler class is required", TripleRidingID)
	case len(cfg.RiderClasses) == 0:
		return nil, fmt.Errorf("%s: at least one rider class is required", TripleRidingID)
	case cfg.OverlapThreshold <= 0 || cfg.OverlapThreshold > 1:
		return nil, fmt.Errorf("%s: overlap threshold must be in (0, 1]", TripleRidingID)
	case cfg.MaxRiders < 1:
		return nil, fmt.Errorf("%s: max riders must be at least 1", TripleRidingID)
	case cfg.MinFrames < 1:
		return nil, fmt.Errorf("%s: min frames must be at least 1", TripleRidingID)
	case cfg.ToleratedGapFrames < 0:
		return nil, fmt.Errorf("%s: tolerated gap frames must not be negative", TripleRidingID)
	}
	return &TripleRiding{
		cfg:         cfg,
		twoWheelers: labelSet(cfg.TwoWheelerClasses),
		riders:      labelSet(cfg.RiderClasses),
	}, nil
}

func (r *TripleRiding) ID() string { return TripleRidingID }

// CountRiders returns the number of distinct rider boxes in f that overlap
// vehicle. Rider tracks are counted first; a rider detection is ignored when
// it duplicates a box already counted.
func (r *TripleRiding) CountRiders(f *frame.Frame, vehicle frame.BBox, selfID string) int {
	var counted []frame.BBox
	add := func(b frame.BBox) {
		if !b.Valid() || vehicle.OverlapRatio(b) < r.cfg.OverlapThreshold {
			return
		}
		for _, c := range counted {
			if c.IoU(b) >= duplicateIoU {
				return
			}
		}
		counted = append(counted, b)
	}
	for _, t := range f.TracksLabelled(r.riders) {
		if t.ID != selfID {
			add(t.BBox)
		}
	}
	for _, d := range f.DetectionsLabelled(r.riders) {
		add(d.BBox)
	}
	return len(counted)
}

func (r *TripleRiding) Evaluate(in *Input) (*Candidate, error) {
	if !r.twoWheelers[in.Track.Class()] {
		return nil, nil
	}
	latest := in.Track.Latest()
	n := r.CountRiders(in.Frame, latest.BBox, in.Track.ID)
	if n <= r.cfg.MaxRiders {
		in.Memory.Miss(r.cfg.ToleratedGapFrames)
		return nil, nil
	}
	in.Memory.Hit(latest.Timestamp)
	if in.Memory.Hits < r.cfg.MinFrames {
		return nil, nil
	}
	return &Candidate{Metadata: map[string]float64{
		"riders":        float64(n),
		"streak_frames": float64(in.Memory.Hits),
	}}, nil
}
