package journal

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func collect(t *testing.T, dir string) []Entry {
	t.Helper()
	var got []Entry
	_, err := Replay(dir, func(e Entry) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)
	return got
}

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, quietLogger())
	require.NoError(t, err)

	require.NoError(t, j.Append("match", "1", "<p>one</p>"))
	require.NoError(t, j.Append("player", "7", "<p>seven</p>"))

	// Unsealed entries are replayed too.
	got := collect(t, dir)
	require.Len(t, got, 2)
	require.Equal(t, "match", got[0].Kind)
	require.Equal(t, "7", got[1].ID)

	require.NoError(t, j.Close())
	files, err := Files(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, ".gz", filepath.Ext(files[0]))

	got = collect(t, dir)
	require.Len(t, got, 2)
	require.Equal(t, "<p>seven</p>", got[1].HTML)
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, quietLogger())
	require.NoError(t, err)

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return now }

	for i := 0; i < MaxEntriesPerFile+1; i++ {
		require.NoError(t, j.Append("report", "m", "x"))
	}
	now = now.Add(MaxFileAge)
	require.NoError(t, j.Append("report", "m", "late"))
	require.NoError(t, j.Close())

	files, err := Files(dir)
	require.NoError(t, err)
	require.Len(t, files, 3)

	got := collect(t, dir)
	require.Len(t, got, MaxEntriesPerFile+2)
	require.Equal(t, "late", got[len(got)-1].HTML)
}

func TestOpenSealsLeftovers(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, activeDir), 0755))
	leftover := filepath.Join(dir, activeDir, "observations_old.jsonl")
	require.NoError(t, os.WriteFile(leftover, []byte(`{"kind":"match","id":"3","html":"h"}`+"\nnot json\n"), 0644))

	j, err := Open(dir, quietLogger())
	require.NoError(t, err)
	defer j.Close()

	_, err = os.Stat(leftover)
	require.True(t, os.IsNotExist(err))

	got := collect(t, dir)
	require.Len(t, got, 1)
	require.Equal(t, "3", got[0].ID)
}

func TestReplayStop(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, quietLogger())
	require.NoError(t, err)
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, j.Append("match", id, ""))
	}
	require.NoError(t, j.Close())

	n, err := Replay(dir, func(e Entry) error {
		if e.ID == "2" {
			return ErrStop
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
