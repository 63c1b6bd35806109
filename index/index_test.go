package index

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(context.Background(), MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func record(parsed, disk string, n int) Record {
	return Record{
		Hash:            parsed,
		DiskHash:        disk,
		MessageIndex:    n,
		MessageIDHeader: fmt.Sprintf("<%d@example.com>", n),
		MessageIDHash:   fmt.Sprintf("id-%d", n),
		Location:        "/mail/Inbox",
		StartOffset:     int64(n * 100),
		EndOffset:       int64(n*100 + 90),
	}
}

func TestUniqueCountDiffersBySource(t *testing.T) {
	ctx := context.Background()
	idx := openMemory(t)

	// Same message twice, once read and once unread: the parsed hash
	// matches, the disk hash does not.
	require.NoError(t, idx.Add(ctx, record("parsed-a", "disk-read", 0)))
	require.NoError(t, idx.Add(ctx, record("parsed-a", "disk-unread", 1)))

	byDisk, err := idx.UniqueCount(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, byDisk)

	byParsed, err := idx.UniqueCount(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, byParsed)

	total, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestDistinctHashesFirstSeenOrder(t *testing.T) {
	ctx := context.Background()
	idx := openMemory(t)

	for i, hash := range []string{"c", "a", "c", "b", "a", "d"} {
		require.NoError(t, idx.Add(ctx, record(hash, fmt.Sprintf("disk-%d", i), i)))
	}

	var got []string
	for hash, err := range idx.DistinctHashes(ctx, false) {
		require.NoError(t, err)
		got = append(got, hash)
	}
	assert.Equal(t, []string{"c", "a", "b", "d"}, got)
}

func TestDistinctHashesPaging(t *testing.T) {
	ctx := context.Background()
	idx := openMemory(t)

	const unique = distinctPageSize*2 + 7
	for i := 0; i < unique; i++ {
		hash := fmt.Sprintf("h%05d", i)
		require.NoError(t, idx.Add(ctx, record(hash, hash, i)))
		if i%3 == 0 {
			require.NoError(t, idx.Add(ctx, record(hash, hash, i)))
		}
	}

	seen := make(map[string]bool)
	var order []string
	for hash, err := range idx.DistinctHashes(ctx, true) {
		require.NoError(t, err)
		require.False(t, seen[hash], "duplicate %s", hash)
		seen[hash] = true
		order = append(order, hash)

		// Queries while iterating must not block on the single connection.
		_, err := idx.RecordsForHash(ctx, hash, true)
		require.NoError(t, err)
	}
	require.Len(t, order, unique)
	assert.Equal(t, "h00000", order[0])
	assert.Equal(t, fmt.Sprintf("h%05d", unique-1), order[unique-1])
}

func TestDistinctHashesStopEarly(t *testing.T) {
	ctx := context.Background()
	idx := openMemory(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, idx.Add(ctx, record(fmt.Sprint(i), fmt.Sprint(i), i)))
	}

	count := 0
	for range idx.DistinctHashes(ctx, false) {
		count++
		if count == 2 {
			break
		}
	}
	assert.Equal(t, 2, count)
}

func TestRecordsForHash(t *testing.T) {
	ctx := context.Background()
	idx := openMemory(t)

	require.NoError(t, idx.Add(ctx, record("p1", "d1", 0)))
	require.NoError(t, idx.Add(ctx, record("p2", "d2", 1)))
	require.NoError(t, idx.Add(ctx, record("p1", "d3", 2)))

	locations, err := idx.RecordsForHash(ctx, "p1", false)
	require.NoError(t, err)
	require.Len(t, locations, 2)

	assert.Equal(t, "p1", locations[0].Hash)
	assert.Equal(t, "d1", locations[0].DiskHash)
	assert.Equal(t, 0, locations[0].MessageIndex)
	assert.Equal(t, "/mail/Inbox", locations[0].Location)
	assert.Equal(t, int64(0), locations[0].StartOffset)
	assert.Equal(t, int64(90), locations[0].EndOffset)
	assert.Equal(t, int64(90), locations[0].Length)
	assert.Equal(t, "d3", locations[1].DiskHash)

	locations, err = idx.RecordsForHash(ctx, "d2", true)
	require.NoError(t, err)
	require.Len(t, locations, 1)
	assert.Equal(t, 1, locations[0].MessageIndex)

	locations, err = idx.RecordsForHash(ctx, "nope", false)
	require.NoError(t, err)
	assert.Empty(t, locations)
}

func TestSchemaVersionPersistent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "hash.sqlite")

	idx, err := Open(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, path, idx.Path())

	version, err := idx.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
	require.NoError(t, idx.Add(ctx, record("p", "d", 0)))
	require.NoError(t, idx.Close())

	idx, err = Open(ctx, path)
	require.NoError(t, err)
	defer idx.Close()

	version, err = idx.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	var rows int
	require.NoError(t, idx.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_version`).Scan(&rows))
	assert.Equal(t, 2, rows, "reopening must not re-apply migrations")

	total, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "hash.sqlite")

	idx, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, idx.Add(ctx, record("p1", "d1", 0)))
	require.NoError(t, idx.Add(ctx, record("p2", "d2", 1)))
	require.NoError(t, idx.Close())

	idx, err = Open(ctx, path)
	require.NoError(t, err)
	defer idx.Close()
	require.NoError(t, idx.Reset(ctx))

	total, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)
	for hash, err := range idx.DistinctHashes(ctx, false) {
		require.NoError(t, err)
		t.Errorf("unexpected hash %s", hash)
	}

	version, err := idx.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	require.NoError(t, idx.Add(ctx, record("p3", "d3", 0)))
	unique, err := idx.UniqueCount(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, unique)
}

func TestMemoryIndexIsPrivate(t *testing.T) {
	ctx := context.Background()
	a := openMemory(t)
	b := openMemory(t)

	require.NoError(t, a.Add(ctx, record("p", "d", 0)))

	count, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestStorageErrors(t *testing.T) {
	ctx := context.Background()
	idx, err := Open(ctx, MemoryPath)
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	err = idx.Add(ctx, record("p", "d", 0))
	assert.ErrorIs(t, err, ErrStorage)

	_, err = idx.UniqueCount(ctx, true)
	assert.ErrorIs(t, err, ErrStorage)

	assert.ErrorIs(t, idx.Reset(ctx), ErrStorage)

	for _, err := range idx.DistinctHashes(ctx, true) {
		assert.ErrorIs(t, err, ErrStorage)
	}
}
