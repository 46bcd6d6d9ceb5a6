package frame

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrEmptyLine is returned by Decode for blank input.
var ErrEmptyLine = errors.New("empty frame line")

// wireFrame is the JSON-lines record written by the tracker sidecar, e.g.
//
//	{"frame":12,"ts":5.0,"detections":[{"bbox":[10,20,40,90],"label":"person","confidence":0.91}],
//	 "tracks":[{"id":"7","bbox":[0,40,60,120],"label":"motorcycle"}],"signal":{"phase":"red","since":4.0}}
//
// ts and since are seconds relative to the session epoch.
type wireFrame struct {
	Frame      int64           `json:"frame"`
	TS         float64         `json:"ts"`
	Detections []wireDetection `json:"detections"`
	Tracks     []wireTrack     `json:"tracks"`
	Signal     *wireSignal     `json:"signal,omitempty"`
}

type wireDetection struct {
	BBox       [4]float64 `json:"bbox"`
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
}

type wireTrack struct {
	ID    wireID     `json:"id"`
	BBox  [4]float64 `json:"bbox"`
	Label string     `json:"label"`
}

// wireID accepts track ids written either as JSON numbers or strings.
type wireID string

func (id *wireID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = wireID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("track id: %w", err)
	}
	*id = wireID(n.String())
	return nil
}

type wireSignal struct {
	Phase string  `json:"phase"`
	Since float64 `json:"since"`
}

// Decode parses one JSON line into a Frame. Timestamps are resolved against
// epoch. Individual detections and tracks are not validated here; the session
// drops malformed ones so that one bad box does not cost the whole frame.
func Decode(line string, epoch time.Time) (Frame, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Frame{}, ErrEmptyLine
	}

	var w wireFrame
	if err := json.Unmarshal([]byte(line), &w); err != nil {
		return Frame{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	if math.IsNaN(w.TS) || math.IsInf(w.TS, 0) || w.TS < 0 {
		return Frame{}, fmt.Errorf("frame %d: invalid ts %v", w.Frame, w.TS)
	}

	f := Frame{
		Index:      w.Frame,
		Timestamp:  At(epoch, w.TS),
		Detections: make([]Detection, 0, len(w.Detections)),
		Tracks:     make([]TrackObservation, 0, len(w.Tracks)),
	}
	for _, d := range w.Detections {
		f.Detections = append(f.Detections, Detection{
			BBox:       boxFromWire(d.BBox),
			Label:      d.Label,
			Confidence: d.Confidence,
		})
	}
	for _, t := range w.Tracks {
		f.Tracks = append(f.Tracks, TrackObservation{
			ID:    string(t.ID),
			BBox:  boxFromWire(t.BBox),
			Label: t.Label,
		})
	}
	if w.Signal != nil {
		f.Signal = &SignalPhase{
			Phase: strings.ToLower(strings.TrimSpace(w.Signal.Phase)),
			Since: At(epoch, w.Signal.Since),
		}
	}
	return f, nil
}

// Encode renders f as a single JSON line relative to epoch. It is the inverse
// of Decode and is used by replay tooling and tests.
func Encode(f Frame, epoch time.Time) ([]byte, error) {
	w := wireFrame{
		Frame: f.Index,
		TS:    Seconds(epoch, f.Timestamp),
	}
	for _, d := range f.Detections {
		w.Detections = append(w.Detections, wireDetection{BBox: boxToWire(d.BBox), Label: d.Label, Confidence: d.Confidence})
	}
	for _, t := range f.Tracks {
		w.Tracks = append(w.Tracks, wireTrack{ID: wireID(t.ID), BBox: boxToWire(t.BBox), Label: t.Label})
	}
	if f.Signal != nil {
		w.Signal = &wireSignal{Phase: f.Signal.Phase, Since: Seconds(epoch, f.Signal.Since)}
	}
	return json.Marshal(w)
}

// At converts seconds since epoch into a wall time.
func At(epoch time.Time, secs float64) time.Time {
	return epoch.Add(time.Duration(secs * float64(time.Second)))
}

// Seconds converts a wall time into seconds since epoch.
func Seconds(epoch, t time.Time) float64 {
	return t.Sub(epoch).Seconds()
}

func boxFromWire(b [4]float64) BBox {
	return BBox{X1: b[0], Y1: b[1], X2: b[2], Y2: b[3]}
}

func boxToWire(b BBox) [4]float64 {
	return [4]float64{b.X1, b.Y1, b.X2, b.Y2}
}
