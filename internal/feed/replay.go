package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/banshee-data/violation.report/internal/timeutil"
)

// Replay is a Source that plays back a recorded JSON-lines file, sleeping
// between records by the difference of their "ts" fields divided by rate.
// A rate of zero or less replays as fast as the reader consumes.
type Replay struct {
	r     *bufio.Reader
	c     io.Closer
	clock timeutil.Clock
	rate  float64

	ctx    context.Context
	cancel context.CancelFunc

	pending []byte
	lastTS  float64
	started bool
}

// NewReplay wraps r. Closing the Replay closes r when it is an io.Closer.
func NewReplay(r io.Reader, clock timeutil.Clock, rate float64) *Replay {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	rp := &Replay{
		r:      bufio.NewReaderSize(r, 64*1024),
		clock:  clock,
		rate:   rate,
		ctx:    ctx,
		cancel: cancel,
	}
	if c, ok := r.(io.Closer); ok {
		rp.c = c
	}
	return rp
}

// OpenReplay opens the recording at path.
func OpenReplay(path string, clock timeutil.Clock, rate float64) (*LineMux[*Replay], error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open replay file: %w", err)
	}
	return NewLineMux(NewReplay(f, clock, rate)), nil
}

// Read returns the rest of the current line, fetching and pacing the next
// one when the current line is used up.
func (rp *Replay) Read(p []byte) (int, error) {
	if len(rp.pending) == 0 {
		line, err := rp.r.ReadBytes('\n')
		if len(line) == 0 {
			if err == nil {
				err = io.EOF
			}
			return 0, err
		}
		if err := rp.pace(line); err != nil {
			return 0, err
		}
		rp.pending = line
	}
	n := copy(p, rp.pending)
	rp.pending = rp.pending[n:]
	return n, nil
}

// pace sleeps until line is due. Lines without a readable ts are not delayed.
func (rp *Replay) pace(line []byte) error {
	var rec struct {
		TS *float64 `json:"ts"`
	}
	if json.Unmarshal(line, &rec) != nil || rec.TS == nil {
		return nil
	}
	ts := *rec.TS
	defer func() { rp.lastTS, rp.started = ts, true }()
	if !rp.started || rp.rate <= 0 || ts <= rp.lastTS {
		return nil
	}
	wait := time.Duration((ts - rp.lastTS) / rp.rate * float64(time.Second))
	if err := timeutil.Sleep(rp.ctx, rp.clock, wait); err != nil {
		if errors.Is(err, context.Canceled) {
			return io.ErrClosedPipe
		}
		return err
	}
	return nil
}

// Close stops any pending wait and closes the underlying reader.
func (rp *Replay) Close() error {
	rp.cancel()
	if rp.c != nil {
		return rp.c.Close()
	}
	return nil
}
