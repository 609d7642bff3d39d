package feeders

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWatcherRequiresPaths(t *testing.T) {
	_, err := NewWatcher(nil, func(string) {})
	assert.ErrorIs(t, err, ErrWatcherNoPaths)
}

func TestWatcherDetectsWrites(t *testing.T) {
	path := writeTempFile(t, "app.yaml", "name: one\n")

	changes := make(chan string, 4)
	w, err := NewWatcher([]string{path}, func(p string) { changes <- p }, WithDebounce(20*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("name: two\n"), 0o600))

	select {
	case got := <-changes:
		assert.Equal(t, filepath.Clean(path), got)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not report the change")
	}
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	watched := filepath.Join(dir, "watched.yaml")
	sibling := filepath.Join(dir, "sibling.yaml")
	require.NoError(t, os.WriteFile(watched, []byte("a: 1\n"), 0o600))

	changes := make(chan string, 4)
	w, err := NewWatcher([]string{watched}, func(p string) { changes <- p }, WithDebounce(20*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(sibling, []byte("b: 2\n"), 0o600))

	select {
	case got := <-changes:
		t.Fatalf("unexpected change reported for %s", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcherDebouncesBursts(t *testing.T) {
	path := writeTempFile(t, "app.yaml", "n: 0\n")

	changes := make(chan string, 16)
	w, err := NewWatcher([]string{path}, func(p string) { changes <- p }, WithDebounce(100*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("n: 1\n"), 0o600))
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-changes:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not report the burst")
	}
	// The burst collapses into one callback.
	select {
	case <-changes:
		t.Fatal("burst produced more than one callback")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherStopIsFinal(t *testing.T) {
	path := writeTempFile(t, "app.yaml", "x: 1\n")

	w, err := NewWatcher([]string{path}, func(string) {})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	w.Stop()
	w.Stop()
	assert.ErrorIs(t, w.Start(context.Background()), ErrWatcherClosed)
}

func TestWatcherStartTwiceIsNoop(t *testing.T) {
	path := writeTempFile(t, "app.yaml", "x: 1\n")

	w, err := NewWatcher([]string{path}, func(string) {})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()
	assert.NoError(t, w.Start(context.Background()))
}
