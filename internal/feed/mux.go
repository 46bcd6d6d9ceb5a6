// Package feed carries JSON-lines frame records from the tracker sidecar into
// the session: a line multiplexer over a serial link or a replayed file, and
// a decoder that turns lines into frames.
package feed

import (
	"bufio"
	crand "crypto/rand"
	"context"
	"encoding/hex"
	"io"
	"sync"
	"sync/atomic"
)

// Source is anything lines can be read from. serial.Port and *Replay both
// satisfy it.
type Source interface {
	io.Reader
	io.Closer
}

// maxLineBytes bounds one frame record.
const maxLineBytes = 1 << 20

// LineMux reads lines from one Source. Every line is delivered to the
// primary consumer on Lines, which applies backpressure to the reader, and is
// also fanned out to any number of tap subscribers (debug tail, monitors). A
// tap that is not keeping up misses lines rather than stalling the reader;
// the drop is counted.
type LineMux[T Source] struct {
	src     T
	primary chan string

	mu          sync.Mutex
	subscribers map[string]chan string
	closing     bool

	lines   atomic.Int64
	dropped atomic.Int64
}

// NewLineMux wraps src.
func NewLineMux[T Source](src T) *LineMux[T] {
	return &LineMux[T]{
		src:         src,
		primary:     make(chan string, 64),
		subscribers: make(map[string]chan string),
	}
}

// Lines is the lossless stream read by the session. It is closed when
// Monitor returns.
func (m *LineMux[T]) Lines() <-chan string {
	return m.primary
}

func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a tap buffered to hold buffer lines. The id is
// passed to Unsubscribe. After Close the returned channel is already closed.
func (m *LineMux[T]) Subscribe(buffer int) (string, <-chan string) {
	id := randomID()
	ch := make(chan string, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		close(ch)
		return id, ch
	}
	m.subscribers[id] = ch
	return id, ch
}

// Unsubscribe closes and removes subscriber id.
func (m *LineMux[T]) Unsubscribe(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.subscribers[id]; ok {
		close(ch)
		delete(m.subscribers, id)
	}
}

// Monitor reads lines until the source is exhausted, fails, or ctx is done.
// Reaching EOF returns nil. It must be called at most once.
func (m *LineMux[T]) Monitor(ctx context.Context) error {
	defer close(m.primary)

	scan := bufio.NewScanner(m.src)
	scan.Buffer(make([]byte, 64*1024), maxLineBytes)

	lineCh := make(chan string)
	errCh := make(chan error, 1)

	// Scan blocks, so it runs apart from the loop watching ctx.
	go func() {
		defer close(lineCh)
		for scan.Scan() {
			select {
			case lineCh <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			errCh <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case line, ok := <-lineCh:
			if !ok {
				select {
				case err := <-errCh:
					return err
				default:
					return nil
				}
			}
			if !m.publish(line) {
				return nil
			}
			select {
			case m.primary <- line:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// publish hands line to every tap and reports false once closing.
func (m *LineMux[T]) publish(line string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return false
	}
	m.lines.Add(1)
	for _, ch := range m.subscribers {
		select {
		case ch <- line:
		default:
			m.dropped.Add(1)
		}
	}
	return true
}

// Stats returns lines read and subscriber deliveries dropped.
func (m *LineMux[T]) Stats() (lines, dropped int64) {
	return m.lines.Load(), m.dropped.Load()
}

// Close closes every subscriber and then the source.
func (m *LineMux[T]) Close() error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil
	}
	m.closing = true
	for id, ch := range m.subscribers {
		close(ch)
		delete(m.subscribers, id)
	}
	m.mu.Unlock()
	return m.src.Close()
}
