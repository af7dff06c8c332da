package runtime

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLog(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "c.log")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))
	return path
}

func TestLogShowsReady(t *testing.T) {
	ready := writeLog(t, "2026-08-01 INFO db connected\n2026-08-01 INFO Start polling updates\n")
	assert.True(t, logShowsReady(ready))

	notReady := writeLog(t, "2026-08-01 INFO db connected\n")
	assert.False(t, logShowsReady(notReady))

	assert.False(t, logShowsReady(filepath.Join(t.TempDir(), "missing.log")))
}

func TestScanLogErrors(t *testing.T) {
	path := writeLog(t, "ERROR Unauthorized\nTraceback (most recent call last):\n  ...\n")
	found := scanLogErrors(path)
	assert.Contains(t, found, "unauthorized")
	assert.Contains(t, found, "traceback (most recent call last)")

	clean := writeLog(t, "INFO bot started\n")
	assert.Empty(t, scanLogErrors(clean))
}

func TestTailLines(t *testing.T) {
	path := writeLog(t, "a\nb\nc\nd\ne\n")

	got, err := tailLines(path, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d", "e"}, got)

	got, err = tailLines(path, 10)
	require.NoError(t, err)
	assert.Len(t, got, 5)

	got, err = tailLines(filepath.Join(t.TempDir(), "missing.log"), 3)
	require.NoError(t, err)
	assert.Nil(t, got)
}
