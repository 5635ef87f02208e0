package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, age time.Duration) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	mod := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mod, mod))

	return path
}

func TestDeleteStaleParts(t *testing.T) {
	dir := t.TempDir()

	stale := writeFile(t, dir, ".stats.json.123.part", 2*time.Hour)
	fresh := writeFile(t, dir, ".init.lua.456.part", time.Minute)
	done := writeFile(t, dir, "entry42.zip", 48*time.Hour)
	visible := writeFile(t, dir, "notes.part", 48*time.Hour)

	require.NoError(t, os.Mkdir(filepath.Join(dir, ".cache.part"), 0o755))

	removed, err := DeleteStaleParts(context.Background(), dir, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
	assert.FileExists(t, done)
	assert.FileExists(t, visible)
	assert.DirExists(t, filepath.Join(dir, ".cache.part"))
}

func TestDeleteStaleParts_MissingDir(t *testing.T) {
	_, err := DeleteStaleParts(context.Background(), filepath.Join(t.TempDir(), "missing"), time.Hour)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDeleteStaleParts_Cancelled(t *testing.T) {
	dir := t.TempDir()
	stale := writeFile(t, dir, ".a.part", 2*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	removed, err := DeleteStaleParts(ctx, dir, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, removed)
	assert.FileExists(t, stale)
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	stale := writeFile(t, dir, ".a.part", 2*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		Run(ctx, dir, 10*time.Millisecond, time.Hour)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		_, err := os.Stat(stale)

		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
