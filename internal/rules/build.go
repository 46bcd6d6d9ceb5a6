package rules

import (
	"fmt"

	"github.com/banshee-data/violation.report/internal/config"
	"github.com/banshee-data/violation.report/internal/zones"
)

// FromConfig builds a registry holding every enabled built-in rule, in the
// fixed order signal_jump, overspeed, wrong_lane, triple_riding, helmetless.
// Any error means the session must not start.
func FromConfig(cfg *config.SessionConfig, reg *zones.Registry) (*Registry, error) {
	out := NewRegistry()
	rc := cfg.Rules
	tax := cfg.Taxonomy

	if rc.SignalJump.IsEnabled() {
		r, err := NewSignalJump(SignalJumpConfig{
			VehicleClasses:   tax.Vehicle,
			BeforeZone:       rc.SignalJump.BeforeZone,
			PastZone:         rc.SignalJump.PastZone,
			RestrictedPhases: rc.SignalJump.RestrictedPhases,
			SettleTime:       config.Duration(rc.SignalJump.SettleTime, 0),
		}, reg)
		if err != nil {
			return nil, err
		}
		if err := out.Register(r); err != nil {
			return nil, err
		}
	}

	if rc.Overspeed.IsEnabled() {
		r, err := NewOverspeed(OverspeedConfig{
			MetersPerPixel:  cfg.GetMetersPerPixel(),
			Units:           cfg.GetSpeedUnits(),
			Threshold:       config.Float(rc.Overspeed.Threshold, 0),
			MinSampleGap:    config.Duration(rc.Overspeed.MinSampleGap, 0),
			SmoothingWindow: config.Int(rc.Overspeed.SmoothingWindow, 0),
			Sustain:         config.Duration(rc.Overspeed.Sustain, 0),
		})
		if err != nil {
			return nil, err
		}
		if err := out.Register(r); err != nil {
			return nil, err
		}
	}

	if rc.WrongLane.IsEnabled() {
		r, err := NewWrongLane(WrongLaneConfig{
			MinDwell: config.Duration(rc.WrongLane.MinDwell, 0),
			Zones:    rc.WrongLane.Zones,
		}, reg)
		if err != nil {
			return nil, err
		}
		if err := out.Register(r); err != nil {
			return nil, err
		}
	}

	if rc.TripleRiding.IsEnabled() {
		r, err := NewTripleRiding(TripleRidingConfig{
			TwoWheelerClasses:  tax.TwoWheeler,
			RiderClasses:       tax.Rider,
			OverlapThreshold:   config.Float(rc.TripleRiding.OverlapThreshold, 0),
			MaxRiders:          config.Int(rc.TripleRiding.MaxRiders, 2),
			MinFrames:          config.Int(rc.TripleRiding.MinFrames, 0),
			ToleratedGapFrames: config.Int(rc.TripleRiding.ToleratedGapFrames, 0),
		})
		if err != nil {
			return nil, err
		}
		if err := out.Register(r); err != nil {
			return nil, err
		}
	}

	if rc.Helmetless.IsEnabled() {
		r, err := NewHelmetless(HelmetlessConfig{
			RiderClasses:     tax.Rider,
			HelmetClasses:    tax.Helmet,
			OverlapThreshold: config.Float(rc.Helmetless.OverlapThreshold, 0),
			Sustain:          config.Duration(rc.Helmetless.Sustain, 0),
		})
		if err != nil {
			return nil, err
		}
		if err := out.Register(r); err != nil {
			return nil, err
		}
	}

	if out.Len() == 0 {
		return nil, fmt.Errorf("no rules enabled")
	}
	return out, nil
}
