package rules

import (
	"fmt"
	"time"

	"github.com/banshee-data/violation.report/internal/zones"
)

// WrongLaneConfig configures the lane discipline rule.
type WrongLaneConfig struct {
	MinDwell time.Duration
	Zones    []string // restrict to these zones; empty means all
}

// WrongLane fires when a track has stayed inside a zone that disallows its
// class for at least MinDwell.
type WrongLane struct {
	cfg   WrongLaneConfig
	zones *zones.Registry
	only  map[string]bool
}

func NewWrongLane(cfg WrongLaneConfig, reg *zones.Registry) (*WrongLane, error) {
	if cfg.MinDwell < 0 {
		return nil, fmt.Errorf("%s: min dwell must not be negative", WrongLaneID)
	}
	for _, name := range cfg.Zones {
		if reg == nil || !reg.Has(name) {
			return nil, fmt.Errorf("%s: unknown zone %q", WrongLaneID, name)
		}
	}
	var only map[string]bool
	if len(cfg.Zones) > 0 {
		only = labelSet(cfg.Zones)
	}
	return &WrongLane{cfg: cfg, zones: reg, only: only}, nil
}

func (r *WrongLane) ID() string { return WrongLaneID }

func (r *WrongLane) Evaluate(in *Input) (*Candidate, error) {
	if r.zones == nil {
		return nil, nil
	}
	latest := in.Track.Latest()
	var (
		best  string
		dwell time.Duration
	)
	for _, name := range r.zones.Disallowing(latest.Zones, latest.Class) {
		if r.only != nil && !r.only[name] {
			continue
		}
		d, ok := in.Track.Dwell(name)
		if !ok || d < r.cfg.MinDwell {
			continue
		}
		if best == "" || d > dwell {
			best, dwell = name, d
		}
	}
	if best == "" {
		return nil, nil
	}
	return &Candidate{Metadata: map[string]float64{
		"dwell_s": dwell.Seconds(),
	}}, nil
}
