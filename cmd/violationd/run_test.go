package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/violation.report/internal/db"
)

// writeRecording writes a car creeping through the bus lane for three seconds.
func writeRecording(t *testing.T, dir string) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("# bus lane fixture\n")
	for i := 0; i <= 12; i++ {
		x := 1080 + 2*float64(i)
		fmt.Fprintf(&b, `{"frame":%d,"ts":%.2f,"tracks":[{"id":9,"bbox":[%g,180,%g,220],"label":"car"}]}`+"\n",
			i, float64(i)*0.25, x, x+40)
	}
	b.WriteString("not json\n")
	path := filepath.Join(dir, "recording.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func TestRunReplay(t *testing.T) {
	dir := t.TempDir()
	o := options{
		ConfigPath:  filepath.Join("..", "..", "config", "violations.example.json"),
		DBPath:      filepath.Join(dir, "violations.db"),
		Source:      writeRecording(t, dir),
		ReplayRate:  0,
		EvidenceDir: filepath.Join(dir, "evidence"),
		Epoch:       time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, run(ctx, o))

	database, err := db.NewDB(o.DBPath)
	require.NoError(t, err)
	defer database.Close()

	events, err := database.ListViolationEvents(context.Background(), db.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "wrong_lane", ev.RuleID)
	assert.Equal(t, "9", ev.TrackID)
	assert.Equal(t, "stopped", ev.CloseReason)
	assert.Equal(t, o.Epoch.Add(1500*time.Millisecond), ev.Start)
	assert.Equal(t, o.Epoch.Add(3*time.Second), ev.End)
	assert.Equal(t, "captured", ev.EvidenceStatus)
	assert.FileExists(t, ev.EvidenceRef)
	assert.Equal(t, o.EvidenceDir, filepath.Dir(ev.EvidenceRef))

	sessions, err := database.Sessions(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, ev.SessionID, sessions[0].SessionID)
	require.NotNil(t, sessions[0].EndedAt)
	assert.Equal(t, int64(13), sessions[0].Frames)
	assert.Equal(t, int64(1), sessions[0].EventsClosed)
}

func TestRunBadConfig(t *testing.T) {
	dir := t.TempDir()
	err := run(context.Background(), options{
		ConfigPath: filepath.Join(dir, "missing.json"),
		DBPath:     filepath.Join(dir, "violations.db"),
		Source:     filepath.Join(dir, "recording.jsonl"),
	})
	assert.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "violations.db"), "config is checked before anything is created")
}

func TestRunMissingSource(t *testing.T) {
	dir := t.TempDir()
	err := run(context.Background(), options{
		ConfigPath:  filepath.Join("..", "..", "config", "violations.example.json"),
		DBPath:      filepath.Join(dir, "violations.db"),
		Source:      filepath.Join(dir, "missing.jsonl"),
		EvidenceDir: filepath.Join(dir, "evidence"),
	})
	assert.ErrorContains(t, err, "failed to open replay file")
}

func TestRunMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "violations.db")
	require.NoError(t, runMigrate("down", path, ""))
	require.NoError(t, runMigrate("version", path, ""))
	require.NoError(t, runMigrate("force:2", path, ""))
	assert.Error(t, runMigrate("sideways", path, ""))
	assert.Error(t, runMigrate("force:x", path, ""))
}

func TestParseEpoch(t *testing.T) {
	want := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	got, err := parseEpoch("2026-03-01T08:00:00Z")
	require.NoError(t, err)
	assert.True(t, want.Equal(got))

	got, err = parseEpoch(fmt.Sprint(want.Unix()))
	require.NoError(t, err)
	assert.True(t, want.Equal(got))

	got, err = parseEpoch("")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), got, time.Minute)

	_, err = parseEpoch("tuesday")
	assert.Error(t, err)
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "b", "c"))
	assert.Equal(t, "", firstNonEmpty("", ""))
}
