package dedup

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dedup-store.json")
	s, err := NewStore(path, 30, arbor.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func fpWith(url, content, desc string) Fingerprint {
	return Fingerprint{URLHash: hash64(url), ContentHash: hash64(content), DescHash: hash64(desc)}
}

func TestStore_MarkThenCheckReturnsURLMatch(t *testing.T) {
	s := newTestStore(t)
	fp := fpWith("u1", "c1", "d1")

	assert.Equal(t, MatchNone, s.Check(fp))
	s.Mark(fp)
	assert.Equal(t, MatchURL, s.Check(fp))
}

func TestStore_MarkIsIdempotentOnSize(t *testing.T) {
	s := newTestStore(t)
	fp := fpWith("u1", "c1", "d1")

	s.Mark(fp)
	s.Mark(fp)
	assert.Equal(t, 1, s.Size())
}

func TestStore_ContentMatchSameDescription(t *testing.T) {
	s := newTestStore(t)
	s.Mark(fpWith("u1", "c1", "d1"))

	// Different URL, same content and description
	assert.Equal(t, MatchContent, s.Check(fpWith("u2", "c1", "d1")))
}

func TestStore_ContentMatchRefreshedDescriptionWithinWindow(t *testing.T) {
	s := newTestStore(t)
	s.Mark(fpWith("u1", "c1", "d1"))

	// Stored entry is fresh, so a differing description still counts as the
	// same posting with a refreshed copy.
	assert.Equal(t, MatchContent, s.Check(fpWith("u2", "c1", "d2")))
}

func TestStore_OldEntryWithDifferentDescriptionIsRepost(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dedup-store.json")

	// Seed an on-disk entry older than the 7-day refresh window but inside
	// retention.
	old := storeFile{
		Version: 1,
		Entries: map[string]entry{
			hash64("u1"): {
				StoredAt:    time.Now().Add(-10 * 24 * time.Hour),
				ContentHash: hash64("c1"),
				DescHash:    hash64("d1"),
			},
		},
	}
	data, err := json.Marshal(old)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	s, err := NewStore(path, 30, arbor.NewLogger())
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, MatchURL, s.Check(fpWith("u1", "c1", "d1")))
	// Same content hash but new description against a stale entry: genuine re-post
	assert.Equal(t, MatchNone, s.Check(fpWith("u2", "c1", "d2")))
	// Identical description still matches regardless of age
	assert.Equal(t, MatchContent, s.Check(fpWith("u2", "c1", "d1")))
}

func TestStore_RetentionPruneOnLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dedup-store.json")

	old := storeFile{
		Version: 1,
		Entries: map[string]entry{
			hash64("expired"): {
				StoredAt:    time.Now().Add(-40 * 24 * time.Hour),
				ContentHash: hash64("c-old"),
				DescHash:    hash64("d-old"),
			},
			hash64("fresh"): {
				StoredAt:    time.Now().Add(-time.Hour),
				ContentHash: hash64("c-new"),
				DescHash:    hash64("d-new"),
			},
		},
	}
	data, err := json.Marshal(old)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	s, err := NewStore(path, 30, arbor.NewLogger())
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, 1, s.Size())
	assert.Equal(t, MatchNone, s.Check(fpWith("expired", "c-old", "d-old")))
	assert.Equal(t, MatchURL, s.Check(fpWith("fresh", "c-new", "d-new")))
}

func TestStore_CorruptFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dedup-store.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	s, err := NewStore(path, 30, arbor.NewLogger())
	require.NoError(t, err, "corrupt file must not abort startup")
	defer s.Close()

	assert.Equal(t, 0, s.Size())
}

func TestStore_FlushAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dedup-store.json")

	s, err := NewStore(path, 30, arbor.NewLogger())
	require.NoError(t, err)
	fp := fpWith("u1", "c1", "d1")
	s.Mark(fp)
	require.NoError(t, s.Close())

	reloaded, err := NewStore(path, 30, arbor.NewLogger())
	require.NoError(t, err)
	defer reloaded.Close()

	assert.Equal(t, 1, reloaded.Size())
	assert.Equal(t, MatchURL, reloaded.Check(fp))
}

func TestStore_ClearRemovesEverything(t *testing.T) {
	s := newTestStore(t)
	s.Mark(fpWith("u1", "c1", "d1"))
	s.Mark(fpWith("u2", "c2", "d2"))

	require.NoError(t, s.Clear())
	assert.Equal(t, 0, s.Size())
	assert.Equal(t, MatchNone, s.Check(fpWith("u1", "c1", "d1")))
}
