package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/colligo/internal/models"
)

// CachedExtraction is one stored LLM extraction result keyed by the hash
// of the preprocessed page content
type CachedExtraction struct {
	ContentHash string             `badgerhold:"key"`
	PageURL     string             `badgerhold:"index"`
	Jobs        []models.JobRecord `json:"jobs"`
	CachedAt    time.Time          `json:"cached_at"`
}

// Cache stores extraction results so repeat visits to unchanged pages
// never pay for a second completion
type Cache struct {
	store  *badgerhold.Store
	logger arbor.ILogger
}

// OpenCache opens (or creates) the extraction cache at dir
func OpenCache(dir string, logger arbor.ILogger) (*Cache, error) {
	options := badgerhold.DefaultOptions
	options.Dir = dir
	options.ValueDir = dir
	options.Logger = nil // quiet badger's own logger

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open extraction cache: %w", err)
	}
	return &Cache{store: store, logger: logger}, nil
}

// ContentHash derives the cache key from the preprocessed content
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached result for a content hash, or nil on miss
func (c *Cache) Get(contentHash string) (*CachedExtraction, error) {
	var cached CachedExtraction
	err := c.store.Get(contentHash, &cached)
	if err == badgerhold.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("extraction cache read failed: %w", err)
	}
	return &cached, nil
}

// Put stores an extraction result, overwriting any previous entry
func (c *Cache) Put(contentHash, pageURL string, jobs []models.JobRecord) error {
	entry := &CachedExtraction{
		ContentHash: contentHash,
		PageURL:     pageURL,
		Jobs:        jobs,
		CachedAt:    time.Now().UTC(),
	}
	if err := c.store.Upsert(contentHash, entry); err != nil {
		return fmt.Errorf("extraction cache write failed: %w", err)
	}
	return nil
}

// Close releases the underlying badger store
func (c *Cache) Close() error {
	return c.store.Close()
}
