package zones

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/violation.report/internal/frame"
)

func square(name string, x1, y1, x2, y2 float64) Zone {
	return Zone{
		Name:   name,
		Role:   RoleLane,
		Points: []frame.Point{{X: x1, Y: y1}, {X: x2, Y: y1}, {X: x2, Y: y2}, {X: x1, Y: y2}},
	}
}

func TestNewRegistryValidation(t *testing.T) {
	tests := []struct {
		name  string
		zones []Zone
	}{
		{"empty name", []Zone{square(" ", 0, 0, 1, 1)}},
		{"duplicate", []Zone{square("a", 0, 0, 1, 1), square("a", 2, 2, 3, 3)}},
		{"two point polygon", []Zone{{Name: "p", Points: []frame.Point{{X: 0, Y: 0}, {X: 1, Y: 1}}}}},
		{"three point line", []Zone{{Name: "l", Shape: ShapeLine, Points: []frame.Point{{X: 0}, {X: 1}, {X: 2}}}}},
		{"degenerate line", []Zone{{Name: "l", Shape: ShapeLine, Points: []frame.Point{{X: 1, Y: 1}, {X: 1, Y: 1}}}}},
		{"nan point", []Zone{{Name: "n", Points: []frame.Point{{X: math.NaN()}, {X: 1}, {X: 1, Y: 1}}}}},
		{"unknown shape", []Zone{{Name: "c", Shape: "circle", Points: []frame.Point{{X: 0}, {X: 1}, {X: 1, Y: 1}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.zones)
			assert.Error(t, err)
		})
	}
}

func TestMembership(t *testing.T) {
	reg, err := NewRegistry([]Zone{
		square("west", 0, 0, 100, 100),
		square("overlap", 50, 0, 150, 100),
		{Name: "stop", Role: RoleStopLine, Shape: ShapeLine, Points: []frame.Point{{X: 200, Y: 60}, {X: 0, Y: 60}}},
	})
	require.NoError(t, err)

	tests := []struct {
		p    frame.Point
		want []string
	}{
		{frame.Point{X: 10, Y: 10}, []string{"stop", "west"}},
		{frame.Point{X: 75, Y: 50}, []string{"overlap", "stop", "west"}},
		{frame.Point{X: 75, Y: 80}, []string{"overlap", "west"}},
		{frame.Point{X: 500, Y: 80}, nil},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, reg.Membership(tt.p)); diff != "" {
			t.Errorf("Membership(%+v) mismatch (-want +got):\n%s", tt.p, diff)
		}
	}

	assert.True(t, reg.Contains("west", frame.Point{X: 1, Y: 1}))
	assert.False(t, reg.Contains("missing", frame.Point{X: 1, Y: 1}))
	assert.Equal(t, []string{"overlap", "stop", "west"}, reg.Names())
	assert.Equal(t, 3, reg.Len())
}

func TestConcavePolygon(t *testing.T) {
	// L shape
	reg, err := NewRegistry([]Zone{{Name: "l", Points: []frame.Point{
		{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 4}, {X: 4, Y: 4}, {X: 4, Y: 10}, {X: 0, Y: 10},
	}}})
	require.NoError(t, err)
	assert.True(t, reg.Contains("l", frame.Point{X: 2, Y: 8}))
	assert.True(t, reg.Contains("l", frame.Point{X: 8, Y: 2}))
	assert.False(t, reg.Contains("l", frame.Point{X: 8, Y: 8}))
}

func TestDisallows(t *testing.T) {
	bus := square("bus", 0, 0, 1, 1)
	bus.DisallowedClasses = []string{"car", "motorcycle"}
	closed := square("closed", 0, 0, 1, 1)
	closed.DisallowedClasses = []string{AnyClass}

	reg, err := NewRegistry([]Zone{bus, closed, square("open", 0, 0, 1, 1)})
	require.NoError(t, err)

	assert.Equal(t, []string{"bus", "closed"}, reg.Disallowing([]string{"bus", "closed", "open"}, "car"))
	assert.Equal(t, []string{"closed"}, reg.Disallowing([]string{"bus", "closed", "open"}, "bus"))

	z, ok := reg.Lookup("bus")
	require.True(t, ok)
	assert.Equal(t, ShapePolygon, z.Shape, "shape defaults to polygon")
}

func TestRegistryCopiesInput(t *testing.T) {
	zs := []Zone{square("a", 0, 0, 10, 10)}
	reg, err := NewRegistry(zs)
	require.NoError(t, err)
	zs[0].Points[0] = frame.Point{X: 1000, Y: 1000}
	assert.True(t, reg.Contains("a", frame.Point{X: 5, Y: 5}))
	z, _ := reg.Lookup("a")
	assert.Equal(t, frame.Point{X: 0, Y: 0}, z.Points[0])
}
