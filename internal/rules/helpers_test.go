package rules

import (
	"testing"
	"time"

	"github.com/banshee-data/violation.report/internal/frame"
	"github.com/banshee-data/violation.report/internal/tracks"
	"github.com/banshee-data/violation.report/internal/zones"
)

var epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func at(secs float64) time.Time { return frame.At(epoch, secs) }

// boxAt returns a w x h box centred on (cx, cy).
func boxAt(cx, cy, w, h float64) frame.BBox {
	return frame.BBox{X1: cx - w/2, Y1: cy - h/2, X2: cx + w/2, Y2: cy + h/2}
}

func rect(name string, role zones.Role, x1, y1, x2, y2 float64, disallowed ...string) zones.Zone {
	return zones.Zone{
		Name:              name,
		Role:              role,
		Points:            []frame.Point{{X: x1, Y: y1}, {X: x2, Y: y1}, {X: x2, Y: y2}, {X: x1, Y: y2}},
		DisallowedClasses: disallowed,
	}
}

func mustZones(t *testing.T, zs ...zones.Zone) *zones.Registry {
	t.Helper()
	reg, err := zones.NewRegistry(zs)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func newStore(reg *zones.Registry) *tracks.Store {
	return tracks.NewStore(tracks.Config{
		EvictionTimeout: 5 * time.Second,
		HistoryWindow:   10 * time.Second,
		MaxSamples:      100,
	}, reg)
}

func mustUpdate(t *testing.T, s *tracks.Store, id string, ts time.Time, b frame.BBox, class string) tracks.Snapshot {
	t.Helper()
	snap, err := s.Update(id, ts, b, class)
	if err != nil {
		t.Fatalf("Update(%s): %v", id, err)
	}
	return snap
}

// funcRule adapts a function to the Rule interface.
type funcRule struct {
	id string
	fn func(*Input) (*Candidate, error)
}

func (r funcRule) ID() string                             { return r.id }
func (r funcRule) Evaluate(in *Input) (*Candidate, error) { return r.fn(in) }
