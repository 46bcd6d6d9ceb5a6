package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/violation.report/internal/frame"
)

func TestHelmetlessSustain(t *testing.T) {
	r, err := NewHelmetless(HelmetlessConfig{
		RiderClasses:     []string{"person"},
		HelmetClasses:    []string{"helmet"},
		OverlapThreshold: 0.6,
		Sustain:          time.Second,
	})
	require.NoError(t, err)

	rider := frame.BBox{X1: 0, Y1: 0, X2: 40, Y2: 100}
	helmet := frame.Detection{BBox: frame.BBox{X1: 10, Y1: 0, X2: 30, Y2: 20}, Label: "helmet"}
	loose := frame.Detection{BBox: frame.BBox{X1: 30, Y1: 0, X2: 70, Y2: 20}, Label: "helmet"} // 25% inside

	tests := []struct {
		name    string
		helmets [][]frame.Detection
		want    []bool
	}{
		{"never helmeted", [][]frame.Detection{nil, nil, nil, nil}, []bool{false, false, true, true}},
		{"helmet resets clock", [][]frame.Detection{nil, {helmet}, nil, nil, nil}, []bool{false, false, false, false, true}},
		{"helmet always", [][]frame.Detection{{helmet}, {helmet}, {helmet}}, []bool{false, false, false}},
		{"helmet elsewhere", [][]frame.Detection{{loose}, {loose}, {loose}}, []bool{false, false, true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(nil)
			mem := &Memory{}
			var got []bool
			for i, dets := range tt.helmets {
				ts := at(float64(i) * 0.5)
				snap := mustUpdate(t, store, "r1", ts, rider, "person")
				c, err := r.Evaluate(&Input{Track: snap, Frame: &frame.Frame{Index: int64(i), Timestamp: ts, Detections: dets}, Memory: mem})
				require.NoError(t, err)
				got = append(got, c != nil)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewHelmetlessValidation(t *testing.T) {
	_, err := NewHelmetless(HelmetlessConfig{RiderClasses: []string{"person"}, OverlapThreshold: 0.5})
	assert.Error(t, err, "helmet classes required")
	_, err = NewHelmetless(HelmetlessConfig{RiderClasses: []string{"person"}, HelmetClasses: []string{"helmet"}, OverlapThreshold: 0})
	assert.Error(t, err)
}
