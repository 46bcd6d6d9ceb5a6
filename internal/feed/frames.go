package feed

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/banshee-data/violation.report/internal/frame"
	"github.com/banshee-data/violation.report/internal/monitoring"
)

// Decoder turns feed lines into frames, skipping lines that fail to decode.
type Decoder struct {
	epoch time.Time

	decoded atomic.Int64
	skipped atomic.Int64
}

// NewDecoder resolves frame timestamps against epoch.
func NewDecoder(epoch time.Time) *Decoder {
	return &Decoder{epoch: epoch}
}

// Frames decodes lines until lines is closed or ctx is done, then closes the
// returned channel. Blank lines and lines starting with '#' are ignored.
func (d *Decoder) Frames(ctx context.Context, lines <-chan string) <-chan frame.Frame {
	out := make(chan frame.Frame)
	go func() {
		defer close(out)
		for {
			var line string
			var ok bool
			select {
			case <-ctx.Done():
				return
			case line, ok = <-lines:
				if !ok {
					return
				}
			}
			if t := strings.TrimSpace(line); t == "" || strings.HasPrefix(t, "#") {
				continue
			}
			f, err := frame.Decode(line, d.epoch)
			if err != nil {
				if !errors.Is(err, frame.ErrEmptyLine) {
					d.skipped.Add(1)
					monitoring.Warnf("skipping feed line: %v", err)
				}
				continue
			}
			d.decoded.Add(1)
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Stats returns decoded and skipped line counts.
func (d *Decoder) Stats() (decoded, skipped int64) {
	return d.decoded.Load(), d.skipped.Load()
}
