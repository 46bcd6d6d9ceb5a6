package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/violation.report/internal/fsutil"
	"github.com/banshee-data/violation.report/internal/monitoring"
	"github.com/banshee-data/violation.report/internal/security"
	"github.com/banshee-data/violation.report/internal/timeutil"
)

// FileCapturer records evidence as a JSON manifest per event, plus an
// optional PNG of the candidate trajectory. Frame extraction is left to the
// tooling that reads the manifest.
type FileCapturer struct {
	fs    fsutil.FileSystem
	dir   string
	plot  bool
	clock timeutil.Clock
}

// manifest is the file written for each event.
type manifest struct {
	Request
	CapturedAt time.Time `json:"captured_at"`
	Plot       string    `json:"plot,omitempty"`
}

// NewFileCapturer creates dir if needed.
func NewFileCapturer(fs fsutil.FileSystem, dir string, withPlot bool, clock timeutil.Clock) (*FileCapturer, error) {
	if dir == "" {
		return nil, fmt.Errorf("evidence directory is required")
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create evidence directory: %w", err)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &FileCapturer{fs: fs, dir: dir, plot: withPlot, clock: clock}, nil
}

// BaseName returns <rule>_<track>_<YYYYmmdd_HHMMSS>_<event id prefix> for req.
func BaseName(req Request) string {
	id := strings.ReplaceAll(req.EventID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s_%s_%s_%s",
		security.SanitizeFilename(req.RuleID),
		security.SanitizeFilename(req.TrackID),
		req.Start.UTC().Format("20060102_150405"),
		security.SanitizeFilename(id))
}

// Capture writes the manifest (and plot) and returns the manifest path.
func (c *FileCapturer) Capture(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	base := BaseName(req)
	m := manifest{Request: req, CapturedAt: c.clock.Now().UTC()}

	if c.plot && len(req.Trace) >= 2 {
		png, err := renderTrace(req)
		if err != nil {
			return "", fmt.Errorf("failed to render trace: %w", err)
		}
		plotPath := filepath.Join(c.dir, base+"_trace.png")
		if err := c.write(plotPath, png); err != nil {
			return "", err
		}
		m.Plot = plotPath
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode manifest: %w", err)
	}
	path := filepath.Join(c.dir, base+".json")
	if err := c.write(path, data); err != nil {
		if m.Plot != "" {
			if rerr := c.fs.Remove(m.Plot); rerr != nil {
				monitoring.Warnf("failed to remove orphaned plot %s: %v", m.Plot, rerr)
			}
		}
		return "", err
	}
	return path, nil
}

func (c *FileCapturer) write(path string, data []byte) error {
	if err := security.ValidatePathWithinDirectory(path, c.dir); err != nil {
		return fmt.Errorf("invalid evidence path: %w", err)
	}
	if err := c.fs.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// renderTrace plots the candidate centres in image coordinates.
func renderTrace(req Request) ([]byte, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s track %s", req.RuleID, req.TrackID)
	p.X.Label.Text = "x (px)"
	p.Y.Label.Text = "y (px)"
	// image y grows downwards
	p.Y.Scale = plot.InvertedScale{Normalizer: p.Y.Scale}

	pts := make(plotter.XYs, len(req.Trace))
	for i, tp := range req.Trace {
		pts[i] = plotter.XY{X: tp.Center.X, Y: tp.Center.Y}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, err
	}
	line.Width = vg.Points(1)
	marks, err := plotter.NewScatter(pts)
	if err != nil {
		return nil, err
	}
	p.Add(line, marks, plotter.NewGrid())

	wt, err := p.WriterTo(6*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
