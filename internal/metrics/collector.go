package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/models"
)

const (
	// responseTimeSamples bounds the response-time ring buffer
	responseTimeSamples = 100

	// minSamplesForRate is the request count below which the success rate
	// is reported as not-yet-known
	minSamplesForRate = 5
)

// Collector accumulates run counters and derives the metrics snapshot.
// Record functions do no I/O; the snapshot file is written by a background
// flusher and once more on Close.
type Collector struct {
	mu sync.Mutex

	requestsStarted       int64
	requestsSucceeded     int64
	requestsFailed        int64
	jobsExtracted         int64
	jobsDeduplicated      int64
	jobsStored            int64
	jobsPersistenceFailed int64
	rateLimitHits         int64
	proxyFailures         int64

	rpmWindow       []time.Time
	responseTimes   []float64 // ring, newest overwrite at ringIndex
	ringIndex       int
	ringFilled      bool
	peakMemoryMb    float64
	startedAt       time.Time
	lastExtractedAt time.Time

	path   string
	logger arbor.ILogger

	cancelFlusher context.CancelFunc
	flusherDone   chan struct{}

	now func() time.Time
}

// NewCollector creates a metrics collector flushing snapshots to path
func NewCollector(path string, logger arbor.ILogger) *Collector {
	return &Collector{
		responseTimes: make([]float64, responseTimeSamples),
		startedAt:     time.Now(),
		path:          path,
		logger:        logger,
		now:           time.Now,
	}
}

// RecordRequestStarted counts a request start and stamps the RPM window
func (c *Collector) RecordRequestStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestsStarted++
	c.rpmWindow = append(c.rpmWindow, c.now())
	c.pruneWindowLocked()
}

// RecordRequestSucceeded counts a success and samples its response time
func (c *Collector) RecordRequestSucceeded(durationMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestsSucceeded++
	c.responseTimes[c.ringIndex] = float64(durationMs)
	c.ringIndex = (c.ringIndex + 1) % responseTimeSamples
	if c.ringIndex == 0 {
		c.ringFilled = true
	}
}

// RecordRequestFailed counts a failed request
func (c *Collector) RecordRequestFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestsFailed++
}

// RecordJobExtracted counts an extracted job and stamps the progress marker
func (c *Collector) RecordJobExtracted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobsExtracted++
	c.lastExtractedAt = c.now()
}

// RecordJobDeduplicated counts a dedup skip
func (c *Collector) RecordJobDeduplicated() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobsDeduplicated++
}

// RecordJobStored counts a persisted job
func (c *Collector) RecordJobStored() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobsStored++
}

// RecordJobPersistenceFailed counts a failed database insert
func (c *Collector) RecordJobPersistenceFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobsPersistenceFailed++
}

// RecordRateLimitHit counts a 429/soft-block event
func (c *Collector) RecordRateLimitHit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rateLimitHits++
}

// RecordProxyFailure counts a proxy-level failure (407, dead proxy)
func (c *Collector) RecordProxyFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.proxyFailures++
}

// Snapshot derives the point-in-time metrics view
func (c *Collector) Snapshot() models.MetricsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.pruneWindowLocked()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	currentMb := float64(memStats.Alloc) / 1024 / 1024
	if currentMb > c.peakMemoryMb {
		c.peakMemoryMb = currentMb
	}

	snap := models.MetricsSnapshot{
		GeneratedAt:           now.UTC().Format(time.RFC3339),
		RequestsStarted:       c.requestsStarted,
		RequestsSucceeded:     c.requestsSucceeded,
		RequestsFailed:        c.requestsFailed,
		JobsExtracted:         c.jobsExtracted,
		JobsDeduplicated:      c.jobsDeduplicated,
		JobsStored:            c.jobsStored,
		JobsPersistenceFailed: c.jobsPersistenceFailed,
		RateLimitHits:         c.rateLimitHits,
		ProxyFailures:         c.proxyFailures,
		RequestsPerMinute:     len(c.rpmWindow),
		AvgResponseTimeMs:     c.avgResponseTimeLocked(),
		PeakMemoryMb:          c.peakMemoryMb,
		CurrentMemoryMb:       currentMb,
		UptimeSeconds:         now.Sub(c.startedAt).Seconds(),
	}

	completed := c.requestsSucceeded + c.requestsFailed
	if completed < minSamplesForRate {
		snap.SuccessRatePct = 100
		snap.SuccessRateKnown = false
	} else {
		snap.SuccessRatePct = float64(c.requestsSucceeded) / float64(completed) * 100
		snap.SuccessRateKnown = true
	}

	if c.jobsExtracted > 0 {
		snap.DedupRatioPct = float64(c.jobsDeduplicated) / float64(c.jobsExtracted) * 100
	}

	uptime := snap.UptimeSeconds
	if uptime < 1 {
		uptime = 1
	}
	snap.JobsPerMinute = float64(c.jobsExtracted) * 60 / uptime

	if !c.lastExtractedAt.IsZero() {
		snap.LastJobExtractedAt = c.lastExtractedAt.UTC().Format(time.RFC3339)
	}

	return snap
}

// StartFlusher launches the periodic snapshot-file writer
func (c *Collector) StartFlusher(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelFlusher = cancel
	c.flusherDone = make(chan struct{})

	go func() {
		defer close(c.flusherDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Flush(); err != nil {
					c.logger.Warn().Err(err).Msg("Periodic metrics flush failed")
				}
			}
		}
	}()
}

// Flush writes the current snapshot to the metrics file atomically
func (c *Collector) Flush() error {
	snap := c.Snapshot()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metrics snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write metrics snapshot: %w", err)
	}
	return os.Rename(tmp, c.path)
}

// Close stops the flusher and performs the final flush
func (c *Collector) Close() error {
	if c.cancelFlusher != nil {
		c.cancelFlusher()
		<-c.flusherDone
	}
	return c.Flush()
}

func (c *Collector) pruneWindowLocked() {
	cutoff := c.now().Add(-time.Minute)
	i := 0
	for ; i < len(c.rpmWindow); i++ {
		if c.rpmWindow[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		c.rpmWindow = append(c.rpmWindow[:0], c.rpmWindow[i:]...)
	}
}

func (c *Collector) avgResponseTimeLocked() float64 {
	n := c.ringIndex
	if c.ringFilled {
		n = responseTimeSamples
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += c.responseTimes[i]
	}
	return sum / float64(n)
}
