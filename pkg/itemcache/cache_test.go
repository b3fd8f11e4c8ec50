package itemcache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cachePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "p1_processed.json")
}

func readIDs(t *testing.T, path string) []string {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var ids []string
	require.NoError(t, json.Unmarshal(raw, &ids))
	return ids
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	c := New(cachePath(t), Options{})
	require.NoError(t, c.Load())
	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Contains("anything"))
}

func TestAddPersistRoundTrip(t *testing.T) {
	t.Parallel()

	path := cachePath(t)
	c := New(path, Options{})
	require.NoError(t, c.Load())

	c.Add("1")
	c.Add("2")
	c.Add("1") // duplicate is a no-op
	require.NoError(t, c.Persist())

	assert.Equal(t, []string{"1", "2"}, readIDs(t, path))

	// Fresh cache sees the persisted set.
	c2 := New(path, Options{})
	require.NoError(t, c2.Load())
	assert.True(t, c2.Contains("1"))
	assert.True(t, c2.Contains("2"))
	assert.False(t, c2.Contains("3"))
}

func TestPersistIsAtomic(t *testing.T) {
	t.Parallel()

	path := cachePath(t)
	c := New(path, Options{})
	require.NoError(t, c.Load())
	c.Add("1")
	require.NoError(t, c.Persist())

	// No stale temp file is left behind.
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	// A crash between write and rename leaves only the temp file; a
	// reader of the real path still sees the previous snapshot.
	require.NoError(t, os.WriteFile(path+".tmp", []byte(`["1","2","partial`), 0600))
	assert.Equal(t, []string{"1"}, readIDs(t, path))
}

func TestMaxSizeFIFO(t *testing.T) {
	t.Parallel()

	c := New(cachePath(t), Options{MaxSize: 3})
	require.NoError(t, c.Load())
	for i := 1; i <= 5; i++ {
		c.Add(fmt.Sprintf("%d", i))
	}
	assert.Equal(t, []string{"3", "4", "5"}, c.IDs())
	assert.False(t, c.Contains("1"))
	assert.False(t, c.Contains("2"))
}

func TestLegacyMigrations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		contents string
		expected []string
	}{
		{"processedItems wrapper", `{"processedItems": ["a", "b"]}`, []string{"a", "b"}},
		{"items wrapper", `{"items": ["x"]}`, []string{"x"}},
		{"boolean map", `{"b": true, "a": true, "c": false}`, []string{"a", "b"}},
		{"object array", `[{"id": "1"}, {"id": "2"}]`, []string{"1", "2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := cachePath(t)
			require.NoError(t, os.WriteFile(path, []byte(tt.contents), 0600))

			c := New(path, Options{})
			require.NoError(t, c.Load())
			assert.Equal(t, tt.expected, c.IDs())

			// Backup of the original shape was written once and the
			// canonical file replaced it.
			backup, err := os.ReadFile(path + backupSuffix)
			require.NoError(t, err)
			assert.Equal(t, tt.contents, string(backup))
			assert.Equal(t, tt.expected, readIDs(t, path))
		})
	}
}

func TestMigrateCanonicalIsNoop(t *testing.T) {
	t.Parallel()

	path := cachePath(t)
	require.NoError(t, os.WriteFile(path, []byte(`["a","b"]`), 0600))

	c := New(path, Options{})
	require.NoError(t, c.Load())
	assert.Equal(t, []string{"a", "b"}, c.IDs())

	// Canonical input produces no backup.
	_, err := os.Stat(path + backupSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestMigrationRejectsControlCharacters(t *testing.T) {
	t.Parallel()

	path := cachePath(t)
	require.NoError(t, os.WriteFile(path, []byte("{\"items\": [\"ok\", \"bad\\u0000id\"]}"), 0600))

	c := New(path, Options{})
	require.NoError(t, c.Load())
	// Migration result discarded; set stays empty and file untouched.
	assert.Equal(t, 0, c.Len())
	_, err := os.Stat(path + backupSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestUnrecognizedShapeFails(t *testing.T) {
	t.Parallel()

	path := cachePath(t)
	require.NoError(t, os.WriteFile(path, []byte(`"just a string"`), 0600))

	c := New(path, Options{})
	assert.Error(t, c.Load())
}

func TestTTLEvictionOnLoad(t *testing.T) {
	t.Parallel()

	path := cachePath(t)
	require.NoError(t, os.WriteFile(path, []byte(`["old1","old2"]`), 0600))
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(path, past, past))

	c := New(path, Options{TTL: time.Hour})
	require.NoError(t, c.Load())
	assert.Equal(t, 0, c.Len())

	// Without a TTL the same file loads fully.
	c2 := New(path, Options{})
	require.NoError(t, c2.Load())
	assert.Equal(t, 2, c2.Len())
}

func TestRefreshDetectsExternalModification(t *testing.T) {
	t.Parallel()

	path := cachePath(t)
	c := New(path, Options{})
	require.NoError(t, c.Load())
	c.Add("1")
	require.NoError(t, c.Persist())

	reloaded, err := c.Refresh()
	require.NoError(t, err)
	assert.False(t, reloaded)

	// Simulate an external writer.
	require.NoError(t, os.WriteFile(path, []byte(`["1","2","3"]`), 0600))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	reloaded, err = c.Refresh()
	require.NoError(t, err)
	assert.True(t, reloaded)
	assert.True(t, c.Contains("3"))
}

func TestConcurrentAddPersist(t *testing.T) {
	t.Parallel()

	path := cachePath(t)
	c := New(path, Options{})
	require.NoError(t, c.Load())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c.Add(fmt.Sprintf("id-%d", n))
			assert.NoError(t, c.Persist())
		}(i)
	}
	wg.Wait()

	// Every observed snapshot is a consistent JSON array; the in-memory
	// set holds all adds.
	ids := readIDs(t, path)
	assert.NotEmpty(t, ids)
	assert.LessOrEqual(t, len(ids), 10)
	assert.Equal(t, 10, c.Len())
}
