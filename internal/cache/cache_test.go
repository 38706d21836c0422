package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signaler/engine/models"
)

func TestPutGetRoundTrip(t *testing.T) {
	c, err := New(Config{Capacity: 10})
	require.NoError(t, err)
	defer c.Close()

	fp := models.Fingerprint("abc123")
	c.Put(fp, models.TargetResult{Fingerprint: fp, DurationMs: 42})

	got, ok := c.Get(fp)
	require.True(t, ok)
	assert.Equal(t, int64(42), got.DurationMs)
	assert.True(t, got.FromCache)
}

func TestMissReturnsFalse(t *testing.T) {
	c, err := New(Config{Capacity: 10})
	require.NoError(t, err)
	defer c.Close()

	_, ok := c.Get("nonexistent")
	assert.False(t, ok)
}

func TestEvictionSpillsToDiskAndReloads(t *testing.T) {
	dir := t.TempDir()
	c, err := New(Config{Capacity: 1, SpillDirectory: dir})
	require.NoError(t, err)
	defer c.Close()

	c.Put("fp-a", models.TargetResult{Fingerprint: "fp-a", DurationMs: 1})
	c.Put("fp-b", models.TargetResult{Fingerprint: "fp-b", DurationMs: 2})

	stats := c.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, 1, stats.SpillFiles)

	got, ok := c.Get("fp-a")
	require.True(t, ok)
	assert.Equal(t, int64(1), got.DurationMs)
}

func TestHitsAndMissesAreCounted(t *testing.T) {
	c, err := New(Config{Capacity: 10})
	require.NoError(t, err)
	defer c.Close()

	fp := models.Fingerprint("abc123")
	c.Put(fp, models.TargetResult{Fingerprint: fp})

	_, _ = c.Get(fp)
	_, _ = c.Get("missing")

	stats := c.Stats()
	assert.Equal(t, 1, stats.Hits)
	assert.Equal(t, 1, stats.Misses)
}

func TestStaleSchemaVersionSpillIsAMiss(t *testing.T) {
	dir := t.TempDir()
	c, err := New(Config{Capacity: 10, SpillDirectory: dir})
	require.NoError(t, err)
	defer c.Close()

	path := filepath.Join(dir, "fp-stale.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schemaVersion":0,"result":{"durationMs":99}}`), 0o644))
	c.mu.Lock()
	c.spill["fp-stale"] = path
	c.mu.Unlock()

	_, ok := c.Get("fp-stale")
	assert.False(t, ok)
}

func TestCheckpointWritesLogAndLoads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoint.log")
	c, err := New(Config{Capacity: 10, CheckpointPath: path})
	require.NoError(t, err)

	c.Checkpoint("fp-done")
	require.NoError(t, c.Close())

	done, err := LoadCheckpoint(path)
	require.NoError(t, err)
	assert.True(t, done[models.Fingerprint("fp-done")])
}

func TestLoadCheckpointMissingFileReturnsEmpty(t *testing.T) {
	done, err := LoadCheckpoint(filepath.Join(t.TempDir(), "missing.log"))
	require.NoError(t, err)
	assert.Empty(t, done)
}
