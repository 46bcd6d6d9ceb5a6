package rules

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/violation.report/internal/tracks"
	"github.com/banshee-data/violation.report/internal/units"
)

// OverspeedConfig configures the speed rule. Threshold is in Units.
type OverspeedConfig struct {
	MetersPerPixel  float64
	Units           string
	Threshold       float64
	MinSampleGap    time.Duration
	SmoothingWindow int
	Sustain         time.Duration
}

// Overspeed fires when the smoothed speed stays above the threshold for at
// least the sustain duration. It is a pure function of the track history.
type Overspeed struct {
	cfg OverspeedConfig
}

func NewOverspeed(cfg OverspeedConfig) (*Overspeed, error) {
	switch {
	case cfg.MetersPerPixel <= 0:
		return nil, fmt.Errorf("%s: meters per pixel must be positive", OverspeedID)
	case !units.IsValid(cfg.Units):
		return nil, fmt.Errorf("%s: units must be one of: %s", OverspeedID, units.GetValidUnitsString())
	case cfg.Threshold <= 0:
		return nil, fmt.Errorf("%s: threshold must be positive", OverspeedID)
	case cfg.MinSampleGap <= 0:
		return nil, fmt.Errorf("%s: min sample gap must be positive", OverspeedID)
	case cfg.SmoothingWindow < 1:
		return nil, fmt.Errorf("%s: smoothing window must be at least 1", OverspeedID)
	case cfg.Sustain < 0:
		return nil, fmt.Errorf("%s: sustain must not be negative", OverspeedID)
	}
	return &Overspeed{cfg: cfg}, nil
}

func (r *Overspeed) ID() string { return OverspeedID }

// Estimate is one speed value and the span of positions that produced it.
type Estimate struct {
	Start time.Time
	End   time.Time
	Speed float64
}

// Speeds returns the instantaneous speed at every sample that has an earlier
// sample at least MinSampleGap older, pairing it with the newest such sample.
func (r *Overspeed) Speeds(samples []tracks.Sample) []Estimate {
	var out []Estimate
	j := -1 // newest index with samples[i].Timestamp - samples[j].Timestamp >= gap
	for i := 1; i < len(samples); i++ {
		for j+1 < i && samples[i].Timestamp.Sub(samples[j+1].Timestamp) >= r.cfg.MinSampleGap {
			j++
		}
		if j < 0 {
			continue
		}
		dt := samples[i].Timestamp.Sub(samples[j].Timestamp).Seconds()
		v, err := units.PixelSpeed(samples[i].Center.Dist(samples[j].Center), dt, r.cfg.MetersPerPixel, r.cfg.Units)
		if err != nil {
			continue
		}
		out = append(out, Estimate{Start: samples[j].Timestamp, End: samples[i].Timestamp, Speed: v})
	}
	return out
}

// Smoothed applies a simple moving average over SmoothingWindow estimates.
// Only full windows produce a value; its Start is the start of the oldest
// estimate in the window.
func (r *Overspeed) Smoothed(est []Estimate) []Estimate {
	k := r.cfg.SmoothingWindow
	if len(est) < k {
		return nil
	}
	vals := make([]float64, len(est))
	for i, e := range est {
		vals[i] = e.Speed
	}
	out := make([]Estimate, 0, len(est)-k+1)
	for i := k - 1; i < len(est); i++ {
		out = append(out, Estimate{
			Start: est[i-k+1].Start,
			End:   est[i].End,
			Speed: stat.Mean(vals[i-k+1:i+1], nil),
		})
	}
	return out
}

func (r *Overspeed) Evaluate(in *Input) (*Candidate, error) {
	smoothed := r.Smoothed(r.Speeds(in.Track.Samples))
	if len(smoothed) == 0 {
		return nil, nil
	}
	latest := smoothed[len(smoothed)-1]
	// only fire on frames that produced a new estimate
	if !latest.End.Equal(in.Track.LastSeen()) || latest.Speed <= r.cfg.Threshold {
		return nil, nil
	}
	first := len(smoothed) - 1
	peak := latest.Speed
	for first > 0 && smoothed[first-1].Speed > r.cfg.Threshold {
		first--
		if smoothed[first].Speed > peak {
			peak = smoothed[first].Speed
		}
	}
	sustained := latest.End.Sub(smoothed[first].Start)
	if sustained < r.cfg.Sustain {
		return nil, nil
	}
	return &Candidate{Metadata: map[string]float64{
		"speed":       latest.Speed,
		"peak_speed":  peak,
		"sustained_s": sustained.Seconds(),
		"threshold":   r.cfg.Threshold,
	}}, nil
}
