package rules

import (
	"fmt"
	"time"

	"github.com/banshee-data/violation.report/internal/frame"
)

// HelmetlessConfig configures the helmet rule.
type HelmetlessConfig struct {
	RiderClasses     []string
	HelmetClasses    []string
	OverlapThreshold float64 // fraction of the helmet box inside the rider box
	Sustain          time.Duration
}

// Helmetless fires when a rider track has had no associated helmet for at
// least Sustain. Any frame with a helmet restarts the clock.
type Helmetless struct {
	cfg     HelmetlessConfig
	riders  map[string]bool
	helmets map[string]bool
}

func NewHelmetless(cfg HelmetlessConfig) (*Helmetless, error) {
	switch {
	case len(cfg.RiderClasses) == 0:
		return nil, fmt.Errorf("%s: at least one rider class is required", HelmetlessID)
	case len(cfg.HelmetClasses) == 0:
		return nil, fmt.Errorf("%s: at least one helmet class is required", HelmetlessID)
	case cfg.OverlapThreshold <= 0 || cfg.OverlapThreshold > 1:
		return nil, fmt.Errorf("%s: overlap threshold must be in (0, 1]", HelmetlessID)
	case cfg.Sustain < 0:
		return nil, fmt.Errorf("%s: sustain must not be negative", HelmetlessID)
	}
	return &Helmetless{
		cfg:     cfg,
		riders:  labelSet(cfg.RiderClasses),
		helmets: labelSet(cfg.HelmetClasses),
	}, nil
}

func (r *Helmetless) ID() string { return HelmetlessID }

// HasHelmet reports whether any helmet detection or track in f sits inside rider.
func (r *Helmetless) HasHelmet(f *frame.Frame, rider frame.BBox) bool {
	for _, d := range f.DetectionsLabelled(r.helmets) {
		if d.BBox.Valid() && rider.OverlapRatio(d.BBox) >= r.cfg.OverlapThreshold {
			return true
		}
	}
	for _, t := range f.TracksLabelled(r.helmets) {
		if t.BBox.Valid() && rider.OverlapRatio(t.BBox) >= r.cfg.OverlapThreshold {
			return true
		}
	}
	return false
}

func (r *Helmetless) Evaluate(in *Input) (*Candidate, error) {
	if !r.riders[in.Track.Class()] {
		return nil, nil
	}
	latest := in.Track.Latest()
	if r.HasHelmet(in.Frame, latest.BBox) {
		in.Memory.Reset()
		return nil, nil
	}
	in.Memory.Hit(latest.Timestamp)
	bare := in.Memory.Span(latest.Timestamp)
	if bare < r.cfg.Sustain {
		return nil, nil
	}
	return &Candidate{Metadata: map[string]float64{
		"bare_s": bare.Seconds(),
	}}, nil
}
