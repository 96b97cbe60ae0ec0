package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
)

// Match classifies a dedup lookup by the strongest matching tier
type Match string

const (
	MatchURL     Match = "url"
	MatchContent Match = "content"
	MatchNone    Match = "none"
)

const (
	// refreshWindow treats differing descriptions as the same posting when
	// the stored entry is recent; older entries count as genuine re-posts.
	refreshWindow = 7 * 24 * time.Hour

	// flushInterval bounds how much an unclean shutdown can lose
	flushInterval = 5 * time.Minute

	// pruneEvery triggers an opportunistic TTL prune on write batches
	pruneEvery = 250
)

type entry struct {
	StoredAt    time.Time `json:"storedAt"`
	ContentHash string    `json:"contentHash"`
	DescHash    string    `json:"descHash"`
}

type storeFile struct {
	Version int              `json:"version"`
	Entries map[string]entry `json:"entries"`
}

// Store is the content-addressable deduplication set with TTL retention.
// Lookups are three-tier: exact URL hash, then content hash with the
// refreshed-copy rule, then none. A secondary contentHash index keeps the
// second tier O(1) per lookup.
type Store struct {
	mu        sync.Mutex
	entries   map[string]entry
	byContent map[string][]string // contentHash -> urlHashes
	path      string
	retention time.Duration
	logger    arbor.ILogger

	writesSinceFlush int
	writesSincePrune int
	lastFlush        time.Time

	cancelFlusher context.CancelFunc
	flusherDone   chan struct{}
}

// NewStore loads (or creates) the dedup store at path and starts the
// periodic flusher. A corrupt on-disk file is logged and replaced with an
// empty set; it never aborts startup.
func NewStore(path string, retentionDays int, logger arbor.ILogger) (*Store, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}

	s := &Store{
		entries:   make(map[string]entry),
		byContent: make(map[string][]string),
		path:      path,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		logger:    logger,
		lastFlush: time.Now(),
	}

	if err := s.load(); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Dedup store file unreadable, starting empty")
		s.entries = make(map[string]entry)
		s.byContent = make(map[string][]string)
	}
	s.pruneLocked(time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFlusher = cancel
	s.flusherDone = make(chan struct{})
	go s.flushLoop(ctx)

	logger.Info().
		Int("entries", len(s.entries)).
		Int("retention_days", retentionDays).
		Str("path", path).
		Msg("Dedup store initialized")

	return s, nil
}

// Check classifies the fingerprint against the store without mutating it
func (s *Store) Check(fp Fingerprint) Match {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[fp.URLHash]; ok {
		return MatchURL
	}

	now := time.Now()
	for _, urlHash := range s.byContent[fp.ContentHash] {
		e, ok := s.entries[urlHash]
		if !ok {
			continue
		}
		if e.DescHash == fp.DescHash {
			return MatchContent
		}
		// Same title/company/location with a fresh stored copy: treat the
		// differing description as a refreshed version of the same posting.
		if now.Sub(e.StoredAt) < refreshWindow {
			return MatchContent
		}
	}

	return MatchNone
}

// Mark records the fingerprint as seen. Callers must only mark records that
// were accepted downstream.
func (s *Store) Mark(fp Fingerprint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, existed := s.entries[fp.URLHash]
	if existed && old.ContentHash != fp.ContentHash {
		s.removeFromIndex(old.ContentHash, fp.URLHash)
	}

	s.entries[fp.URLHash] = entry{
		StoredAt:    time.Now(),
		ContentHash: fp.ContentHash,
		DescHash:    fp.DescHash,
	}
	if !existed || old.ContentHash != fp.ContentHash {
		s.byContent[fp.ContentHash] = append(s.byContent[fp.ContentHash], fp.URLHash)
	}

	s.writesSinceFlush++
	s.writesSincePrune++
	if s.writesSincePrune >= pruneEvery {
		s.pruneLocked(time.Now())
		s.writesSincePrune = 0
	}
}

// Size returns the current entry count
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Flush writes the store to disk via tmp-file + rename
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// Clear removes all entries and flushes the empty set
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]entry)
	s.byContent = make(map[string][]string)
	return s.flushLocked()
}

// Close stops the periodic flusher and performs a final flush
func (s *Store) Close() error {
	if s.cancelFlusher != nil {
		s.cancelFlusher()
		<-s.flusherDone
	}
	return s.Flush()
}

func (s *Store) flushLoop(ctx context.Context) {
	defer close(s.flusherDone)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			dirty := s.writesSinceFlush > 0
			var err error
			if dirty {
				err = s.flushLocked()
			}
			s.mu.Unlock()
			if err != nil {
				s.logger.Warn().Err(err).Msg("Periodic dedup store flush failed")
			}
		}
	}
}

func (s *Store) flushLocked() error {
	payload := storeFile{Version: 1, Entries: s.entries}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal dedup store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write dedup store temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace dedup store file: %w", err)
	}

	s.writesSinceFlush = 0
	s.lastFlush = time.Now()
	return nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var payload storeFile
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("corrupt dedup store file: %w", err)
	}
	if payload.Entries == nil {
		return nil
	}

	s.entries = payload.Entries
	s.byContent = make(map[string][]string, len(payload.Entries))
	for urlHash, e := range payload.Entries {
		s.byContent[e.ContentHash] = append(s.byContent[e.ContentHash], urlHash)
	}
	return nil
}

// pruneLocked drops entries past the retention window
func (s *Store) pruneLocked(now time.Time) {
	cutoff := now.Add(-s.retention)
	removed := 0
	for urlHash, e := range s.entries {
		if e.StoredAt.Before(cutoff) {
			delete(s.entries, urlHash)
			s.removeFromIndex(e.ContentHash, urlHash)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(s.entries)).
			Msg("Pruned expired dedup entries")
	}
}

func (s *Store) removeFromIndex(contentHash, urlHash string) {
	hashes := s.byContent[contentHash]
	for i, h := range hashes {
		if h == urlHash {
			s.byContent[contentHash] = append(hashes[:i], hashes[i+1:]...)
			break
		}
	}
	if len(s.byContent[contentHash]) == 0 {
		delete(s.byContent, contentHash)
	}
}
