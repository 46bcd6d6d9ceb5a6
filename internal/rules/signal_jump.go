package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/violation.report/internal/zones"
)

// SignalJumpConfig configures the red-light rule.
type SignalJumpConfig struct {
	VehicleClasses   []string
	BeforeZone       string // optional; the previous sample must be inside it
	PastZone         string
	RestrictedPhases []string
	SettleTime       time.Duration
}

// SignalJump fires when a vehicle crosses into the past-stop-line zone while a
// restricted phase has been active for at least the settle time.
type SignalJump struct {
	cfg      SignalJumpConfig
	vehicles map[string]bool
	phases   map[string]bool
}

// NewSignalJump validates cfg against reg.
func NewSignalJump(cfg SignalJumpConfig, reg *zones.Registry) (*SignalJump, error) {
	if len(cfg.VehicleClasses) == 0 {
		return nil, fmt.Errorf("%s: at least one vehicle class is required", SignalJumpID)
	}
	if cfg.PastZone == "" {
		return nil, fmt.Errorf("%s: past zone is required", SignalJumpID)
	}
	for _, name := range []string{cfg.PastZone, cfg.BeforeZone} {
		if name != "" && (reg == nil || !reg.Has(name)) {
			return nil, fmt.Errorf("%s: unknown zone %q", SignalJumpID, name)
		}
	}
	if len(cfg.RestrictedPhases) == 0 {
		return nil, fmt.Errorf("%s: at least one restricted phase is required", SignalJumpID)
	}
	if cfg.SettleTime < 0 {
		return nil, fmt.Errorf("%s: settle time must not be negative", SignalJumpID)
	}
	phases := make(map[string]bool, len(cfg.RestrictedPhases))
	for _, p := range cfg.RestrictedPhases {
		phases[strings.ToLower(p)] = true
	}
	return &SignalJump{cfg: cfg, vehicles: labelSet(cfg.VehicleClasses), phases: phases}, nil
}

func (r *SignalJump) ID() string { return SignalJumpID }

func (r *SignalJump) Evaluate(in *Input) (*Candidate, error) {
	if !r.vehicles[in.Track.Class()] || !in.Track.JustEntered(r.cfg.PastZone) {
		return nil, nil
	}
	// entering on first sighting is not a crossing
	prev, ok := in.Track.Previous()
	if !ok {
		return nil, nil
	}
	if r.cfg.BeforeZone != "" && !prev.InZone(r.cfg.BeforeZone) {
		return nil, nil
	}
	sig := in.Frame.Signal
	if sig == nil || !r.phases[sig.Phase] {
		return nil, nil
	}
	active := sig.ActiveFor(in.Track.LastSeen())
	if active < r.cfg.SettleTime {
		return nil, nil
	}
	return &Candidate{Metadata: map[string]float64{
		"phase_active_s": active.Seconds(),
	}}, nil
}
