package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// localHostRequest satisfies tsweb's loopback-only debug access check.
func localHostRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func startMux(t *testing.T) (*LineMux[*io.PipeReader], *io.PipeWriter, <-chan error) {
	t.Helper()
	pr, pw := io.Pipe()
	m := NewLineMux(pr)
	done := make(chan error, 1)
	go func() { done <- m.Monitor(context.Background()) }()
	t.Cleanup(func() { m.Close() })
	return m, pw, done
}

func TestLineMuxDeliversToPrimaryAndTaps(t *testing.T) {
	m, pw, done := startMux(t)
	_, tap := m.Subscribe(8)

	go func() {
		io.WriteString(pw, "{\"frame\":1}\n{\"frame\":2}\n")
		pw.Close()
	}()

	var got []string
	for line := range m.Lines() {
		got = append(got, line)
	}
	assert.Equal(t, []string{`{"frame":1}`, `{"frame":2}`}, got)
	require.NoError(t, <-done)

	assert.Equal(t, `{"frame":1}`, <-tap)
	assert.Equal(t, `{"frame":2}`, <-tap)
	lines, dropped := m.Stats()
	assert.Equal(t, int64(2), lines)
	assert.Zero(t, dropped)
}

func TestLineMuxSlowTapDrops(t *testing.T) {
	m, pw, done := startMux(t)
	m.Subscribe(0) // never read

	go func() {
		io.WriteString(pw, "a\nb\nc\n")
		pw.Close()
	}()
	for range m.Lines() {
	}
	require.NoError(t, <-done)

	_, dropped := m.Stats()
	assert.Equal(t, int64(3), dropped)
}

func TestLineMuxSourceError(t *testing.T) {
	pr, pw := io.Pipe()
	m := NewLineMux(pr)
	done := make(chan error, 1)
	go func() { done <- m.Monitor(context.Background()) }()

	pw.CloseWithError(io.ErrUnexpectedEOF)
	for range m.Lines() {
	}
	assert.ErrorIs(t, <-done, io.ErrUnexpectedEOF)
}

func TestLineMuxContextCancel(t *testing.T) {
	pr, _ := io.Pipe()
	m := NewLineMux(pr)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Monitor(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Monitor did not return after cancel")
	}
	m.Close()
}

func TestLineMuxClose(t *testing.T) {
	pr, _ := io.Pipe()
	m := NewLineMux(pr)
	id, tap := m.Subscribe(1)

	require.NoError(t, m.Close())
	_, open := <-tap
	assert.False(t, open, "taps are closed by Close")
	m.Unsubscribe(id)

	_, late := m.Subscribe(1)
	_, open = <-late
	assert.False(t, open, "subscribing after Close yields a closed channel")
	assert.NoError(t, m.Close(), "Close is idempotent")
}

func TestAdminFeedStats(t *testing.T) {
	m, pw, done := startMux(t)
	go func() {
		io.WriteString(pw, "x\n")
		pw.Close()
	}()
	for range m.Lines() {
	}
	<-done

	mux := http.NewServeMux()
	m.AttachAdminRoutes(mux)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/feed-stats"))

	require.Equal(t, http.StatusOK, w.Code)
	var got map[string]int64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, int64(1), got["lines"])
}

func TestAdminFeedTailRejectsPost(t *testing.T) {
	pr, _ := io.Pipe()
	m := NewLineMux(pr)
	defer m.Close()

	mux := http.NewServeMux()
	m.AttachAdminRoutes(mux)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, localHostRequest(http.MethodPost, "/debug/feed-tail"))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestAdminFeedTailStreams(t *testing.T) {
	m, pw, _ := startMux(t)
	go func() {
		for range m.Lines() {
		}
	}()

	mux := http.NewServeMux()
	m.AttachAdminRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/debug/feed-tail", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	ping, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": ping\n", ping)

	go io.WriteString(pw, "hello\n")
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			assert.Equal(t, "data: hello\n", line)
			break
		}
	}
}
