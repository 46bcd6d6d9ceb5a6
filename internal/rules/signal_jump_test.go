package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/violation.report/internal/frame"
	"github.com/banshee-data/violation.report/internal/zones"
)

func signalJumpFixture(t *testing.T) (*SignalJump, *zones.Registry) {
	t.Helper()
	reg := mustZones(t,
		rect("approach", zones.RoleApproach, 0, 100, 200, 200),
		rect("junction", zones.RoleJunction, 0, 0, 200, 100),
	)
	r, err := NewSignalJump(SignalJumpConfig{
		VehicleClasses:   []string{"car", "motorcycle"},
		BeforeZone:       "approach",
		PastZone:         "junction",
		RestrictedPhases: []string{"Red"},
		SettleTime:       500 * time.Millisecond,
	}, reg)
	require.NoError(t, err)
	return r, reg
}

func TestSignalJumpRedLightCrossing(t *testing.T) {
	r, reg := signalJumpFixture(t)
	red := &frame.SignalPhase{Phase: "red", Since: at(4.0)}

	tests := []struct {
		name   string
		class  string
		signal *frame.SignalPhase
		want   bool
	}{
		{"red settled", "car", red, true},
		{"red just turned", "car", &frame.SignalPhase{Phase: "red", Since: at(4.8)}, false},
		{"red exactly settled", "car", &frame.SignalPhase{Phase: "red", Since: at(4.5)}, true},
		{"green", "car", &frame.SignalPhase{Phase: "green", Since: at(1.0)}, false},
		{"no signal", "car", nil, false},
		{"pedestrian", "person", red, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(reg)
			mustUpdate(t, store, "T1", at(4.5), boxAt(100, 150, 20, 20), tt.class)
			snap := mustUpdate(t, store, "T1", at(5.0), boxAt(100, 50, 20, 20), tt.class)

			c, err := r.Evaluate(&Input{Track: snap, Zones: reg, Frame: &frame.Frame{Timestamp: at(5.0), Signal: tt.signal}, Memory: &Memory{}})
			require.NoError(t, err)
			assert.Equal(t, tt.want, c != nil)
			if c != nil {
				assert.InDelta(t, 5.0-frame.Seconds(epoch, tt.signal.Since), c.Metadata["phase_active_s"], 1e-9)
			}
		})
	}
}

func TestSignalJumpEdgeTriggered(t *testing.T) {
	r, reg := signalJumpFixture(t)
	f := &frame.Frame{Signal: &frame.SignalPhase{Phase: "red", Since: at(0)}}
	store := newStore(reg)

	// first sighting already past the line
	snap := mustUpdate(t, store, "A", at(5.0), boxAt(100, 50, 20, 20), "car")
	c, err := r.Evaluate(&Input{Track: snap, Zones: reg, Frame: f, Memory: &Memory{}})
	require.NoError(t, err)
	assert.Nil(t, c)

	// entering from outside the approach zone
	mustUpdate(t, store, "B", at(4.5), boxAt(300, 150, 20, 20), "car")
	snap = mustUpdate(t, store, "B", at(5.0), boxAt(100, 50, 20, 20), "car")
	c, err = r.Evaluate(&Input{Track: snap, Zones: reg, Frame: f, Memory: &Memory{}})
	require.NoError(t, err)
	assert.Nil(t, c)

	// staying in the junction after the crossing
	mustUpdate(t, store, "C", at(4.5), boxAt(100, 150, 20, 20), "car")
	snap = mustUpdate(t, store, "C", at(5.0), boxAt(100, 50, 20, 20), "car")
	c, _ = r.Evaluate(&Input{Track: snap, Zones: reg, Frame: f, Memory: &Memory{}})
	assert.NotNil(t, c)
	snap = mustUpdate(t, store, "C", at(5.5), boxAt(100, 40, 20, 20), "car")
	c, _ = r.Evaluate(&Input{Track: snap, Zones: reg, Frame: f, Memory: &Memory{}})
	assert.Nil(t, c)
}

func TestSignalJumpStopLine(t *testing.T) {
	reg := mustZones(t, zones.Zone{
		Name:   "stop",
		Role:   zones.RoleStopLine,
		Shape:  zones.ShapeLine,
		Points: []frame.Point{{X: 200, Y: 100}, {X: 0, Y: 100}},
	})
	r, err := NewSignalJump(SignalJumpConfig{
		VehicleClasses:   []string{"car"},
		PastZone:         "stop",
		RestrictedPhases: []string{"red"},
	}, reg)
	require.NoError(t, err)

	store := newStore(reg)
	mustUpdate(t, store, "1", at(1), boxAt(100, 150, 10, 10), "car")
	snap := mustUpdate(t, store, "1", at(2), boxAt(100, 50, 10, 10), "car")
	require.True(t, snap.JustEntered("stop"))

	c, err := r.Evaluate(&Input{Track: snap, Zones: reg, Frame: &frame.Frame{Signal: &frame.SignalPhase{Phase: "red", Since: at(2)}}, Memory: &Memory{}})
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestNewSignalJumpValidation(t *testing.T) {
	reg := mustZones(t, rect("junction", zones.RoleJunction, 0, 0, 10, 10))
	base := SignalJumpConfig{VehicleClasses: []string{"car"}, PastZone: "junction", RestrictedPhases: []string{"red"}}

	_, err := NewSignalJump(base, reg)
	assert.NoError(t, err)

	bad := base
	bad.PastZone = "missing"
	_, err = NewSignalJump(bad, reg)
	assert.Error(t, err)

	bad = base
	bad.BeforeZone = "missing"
	_, err = NewSignalJump(bad, reg)
	assert.Error(t, err)

	bad = base
	bad.RestrictedPhases = nil
	_, err = NewSignalJump(bad, reg)
	assert.Error(t, err)

	bad = base
	bad.VehicleClasses = nil
	_, err = NewSignalJump(bad, reg)
	assert.Error(t, err)
}
