package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/dedup"
	"github.com/ternarybob/colligo/internal/metrics"
	"github.com/ternarybob/colligo/internal/models"
	"github.com/ternarybob/colligo/internal/persistence"
	"github.com/ternarybob/colligo/internal/sources"
)

type fakeAdapter struct {
	name string
	tier models.SourceTier
	jobs []models.RawJob
	err  string
}

func (f *fakeAdapter) Name() string            { return f.name }
func (f *fakeAdapter) Tier() models.SourceTier { return f.tier }
func (f *fakeAdapter) Fetch(ctx context.Context, q models.Query) models.SourceResult {
	return models.SourceResult{Source: f.name, Tier: f.tier, Jobs: f.jobs, Err: f.err}
}

type memSink struct {
	mu     sync.Mutex
	jobs   []models.JobRecord
	failOn string // job title that errors on insert
}

func (m *memSink) InsertJob(ctx context.Context, job models.JobRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.Title == m.failOn {
		return false, errors.New("simulated insert failure")
	}
	for _, existing := range m.jobs {
		if existing.Fingerprint() == job.Fingerprint() {
			return false, nil
		}
	}
	m.jobs = append(m.jobs, job)
	return true, nil
}

func (m *memSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

type fakeHeadless struct {
	mu     sync.Mutex
	called bool
	jobs   []models.JobRecord
}

func (f *fakeHeadless) Collect(ctx context.Context, queries []models.Query, save func(ctx context.Context, job models.JobRecord)) {
	f.mu.Lock()
	f.called = true
	jobs := f.jobs
	f.mu.Unlock()
	for _, job := range jobs {
		save(ctx, job)
	}
}

func (f *fakeHeadless) wasCalled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.called
}

func makeJobs(prefix string, n int) []models.RawJob {
	jobs := make([]models.RawJob, n)
	for i := 0; i < n; i++ {
		jobs[i] = models.RawJob{
			Title:       fmt.Sprintf("%s Engineer %d", prefix, i),
			Company:     "Acme",
			URL:         fmt.Sprintf("https://jobs.test/%s/%d", prefix, i),
			Description: "A long enough description for validation",
		}
	}
	return jobs
}

type fixture struct {
	orch      *Orchestrator
	sink      *memSink
	headless  *fakeHeadless
	collector *metrics.Collector
}

func newFixture(t *testing.T, adapters []sources.Adapter, sinkFailOn string, headlessConfig common.HeadlessConfig) *fixture {
	t.Helper()
	logger := arbor.NewLogger()

	registry := sources.NewRegistry(logger)
	for _, a := range adapters {
		require.NoError(t, registry.Register(a))
	}

	store, err := dedup.NewStore(filepath.Join(t.TempDir(), "dedup-store.json"), 7, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	collector := metrics.NewCollector(filepath.Join(t.TempDir(), "metrics.json"), logger)
	queue := persistence.NewQueue(context.Background(), 4, collector.RecordJobPersistenceFailed, logger)
	sink := &memSink{failOn: sinkFailOn}
	headless := &fakeHeadless{}

	dedupCfg := common.DedupConfig{Enabled: true, LogSkipped: true}
	orch := NewOrchestrator(registry, store, queue, sink, collector, headless, headlessConfig, dedupCfg, 4, logger)
	return &fixture{orch: orch, sink: sink, headless: headless, collector: collector}
}

func defaultAdapters(stored int) []sources.Adapter {
	return []sources.Adapter{
		&fakeAdapter{name: "api-board", tier: models.TierPrimaryAPI, jobs: makeJobs("api", stored)},
		&fakeAdapter{name: "rss-feed", tier: models.TierSecondaryRSS},
		&fakeAdapter{name: "html-board", tier: models.TierTertiaryHTTP},
	}
}

func TestRun_EmptyQueries(t *testing.T) {
	f := newFixture(t, defaultAdapters(5), "", common.HeadlessConfig{SkipThreshold: 25})

	result := f.orch.Run(context.Background(), nil, false)

	assert.Equal(t, 0, result.TotalStored)
	assert.Empty(t, result.TierBreakdown)
	assert.True(t, result.HeadlessNeeded, "0 collected under threshold escalates")
	assert.Equal(t, "partial collection", result.HeadlessReason)
}

func TestRun_PaidProxyAlwaysLaunchesHeadless(t *testing.T) {
	f := newFixture(t, defaultAdapters(0), "", common.HeadlessConfig{SkipThreshold: 25})

	result := f.orch.Run(context.Background(), []models.Query{{Keywords: "go"}}, true)

	assert.True(t, result.HeadlessNeeded)
	assert.Equal(t, "paid proxy", result.HeadlessReason)
	assert.Equal(t, 0, result.JobsCollectedBeforeHeadless)
	assert.Equal(t, 25, result.HeadlessSkipThreshold)
	assert.True(t, f.headless.wasCalled())
}

func TestRun_SufficientDataSkipsHeadless(t *testing.T) {
	f := newFixture(t, defaultAdapters(30), "", common.HeadlessConfig{SkipThreshold: 25})

	result := f.orch.Run(context.Background(), []models.Query{{Keywords: "go"}}, false)

	assert.False(t, result.HeadlessNeeded)
	assert.Equal(t, "sufficient data", result.HeadlessReason)
	assert.Equal(t, 30, result.JobsCollectedBeforeHeadless)
	assert.False(t, f.headless.wasCalled())
}

func TestRun_PartialCollectionLaunchesHeadless(t *testing.T) {
	f := newFixture(t, defaultAdapters(10), "", common.HeadlessConfig{SkipThreshold: 25})

	result := f.orch.Run(context.Background(), []models.Query{{Keywords: "go"}}, false)

	assert.True(t, result.HeadlessNeeded)
	assert.Equal(t, "partial collection", result.HeadlessReason)
	assert.Equal(t, 10, result.JobsCollectedBeforeHeadless)
	assert.True(t, f.headless.wasCalled())
}

func TestRun_EffectiveThresholdIsMaxOfBoth(t *testing.T) {
	config := common.HeadlessConfig{MinJobsBeforeHeadless: 40, SkipThreshold: 25}
	f := newFixture(t, defaultAdapters(30), "", config)

	result := f.orch.Run(context.Background(), []models.Query{{Keywords: "go"}}, false)

	assert.Equal(t, 40, result.HeadlessSkipThreshold)
	assert.True(t, result.HeadlessNeeded, "30 < max(40,25) escalates")
}

func TestRun_DuplicatesSkipped(t *testing.T) {
	job := models.RawJob{
		Title:       "Go Engineer",
		Company:     "Acme",
		URL:         "https://jobs.test/same",
		Description: "A long enough description for validation",
	}
	adapters := []sources.Adapter{
		&fakeAdapter{name: "api-board", tier: models.TierPrimaryAPI, jobs: []models.RawJob{job}},
		&fakeAdapter{name: "rss-feed", tier: models.TierSecondaryRSS, jobs: []models.RawJob{job}},
		&fakeAdapter{name: "html-board", tier: models.TierTertiaryHTTP},
	}
	f := newFixture(t, adapters, "", common.HeadlessConfig{SkipThreshold: 0})

	result := f.orch.Run(context.Background(), []models.Query{{Keywords: "go"}}, false)

	assert.Equal(t, 1, result.TotalStored)
	assert.Equal(t, 1, result.TotalDuplicatesSkipped)
	assert.Equal(t, 1, f.sink.count())
}

func TestRun_ValidationFailuresCounted(t *testing.T) {
	adapters := []sources.Adapter{
		&fakeAdapter{name: "api-board", tier: models.TierPrimaryAPI, jobs: []models.RawJob{
			{Title: "Short Desc", Company: "Acme", URL: "https://jobs.test/1", Description: "tiny"},
			{Title: "", Company: "Acme", URL: "https://jobs.test/2", Description: "a perfectly fine description"},
		}},
		&fakeAdapter{name: "rss-feed", tier: models.TierSecondaryRSS},
		&fakeAdapter{name: "html-board", tier: models.TierTertiaryHTTP},
	}
	f := newFixture(t, adapters, "", common.HeadlessConfig{SkipThreshold: 0})

	result := f.orch.Run(context.Background(), []models.Query{{Keywords: "go"}}, false)

	assert.Equal(t, 2, result.TotalValidationFailed)
	assert.Equal(t, 0, result.TotalStored)
}

func TestRun_ShortTitleAndRelativeURLRejected(t *testing.T) {
	adapters := []sources.Adapter{
		&fakeAdapter{name: "api-board", tier: models.TierPrimaryAPI, jobs: []models.RawJob{
			{Title: "X", Company: "Acme", URL: "https://jobs.test/1", Description: "a perfectly fine description"},
			{Title: "Valid Title", Company: "Acme", URL: "/jobs/relative-url", Description: "a perfectly fine description"},
		}},
		&fakeAdapter{name: "rss-feed", tier: models.TierSecondaryRSS},
		&fakeAdapter{name: "html-board", tier: models.TierTertiaryHTTP},
	}
	f := newFixture(t, adapters, "", common.HeadlessConfig{SkipThreshold: 0})

	result := f.orch.Run(context.Background(), []models.Query{{Keywords: "go"}}, false)

	assert.Equal(t, 2, result.TotalValidationFailed)
	assert.Equal(t, 0, result.TotalStored)
	assert.Equal(t, 0, f.sink.count())
}

func TestRun_DedupDisabledStoresDuplicates(t *testing.T) {
	job := models.RawJob{
		Title:       "Go Engineer",
		Company:     "Acme",
		URL:         "https://jobs.test/same",
		Description: "A long enough description for validation",
	}
	adapters := []sources.Adapter{
		&fakeAdapter{name: "api-board", tier: models.TierPrimaryAPI, jobs: []models.RawJob{job}},
		&fakeAdapter{name: "rss-feed", tier: models.TierSecondaryRSS, jobs: []models.RawJob{job}},
		&fakeAdapter{name: "html-board", tier: models.TierTertiaryHTTP},
	}

	logger := arbor.NewLogger()
	registry := sources.NewRegistry(logger)
	for _, a := range adapters {
		require.NoError(t, registry.Register(a))
	}
	store, err := dedup.NewStore(filepath.Join(t.TempDir(), "dedup-store.json"), 7, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	collector := metrics.NewCollector(filepath.Join(t.TempDir(), "metrics.json"), logger)
	queue := persistence.NewQueue(context.Background(), 4, collector.RecordJobPersistenceFailed, logger)
	sink := &memSink{}

	orch := NewOrchestrator(registry, store, queue, sink, collector, &fakeHeadless{},
		common.HeadlessConfig{SkipThreshold: 0}, common.DedupConfig{Enabled: false}, 4, logger)

	result := orch.Run(context.Background(), []models.Query{{Keywords: "go"}}, false)

	assert.Equal(t, 0, result.TotalDuplicatesSkipped)
	assert.Equal(t, int64(0), collector.Snapshot().JobsDeduplicated)
	assert.Len(t, orch.Dataset(), 2, "both copies reach the dataset when dedup is off")
}

func TestRun_AdapterFailureDoesNotAbortSiblings(t *testing.T) {
	adapters := []sources.Adapter{
		&fakeAdapter{name: "broken-api", tier: models.TierPrimaryAPI, err: "connection refused"},
		&fakeAdapter{name: "api-board", tier: models.TierPrimaryAPI, jobs: makeJobs("api", 3)},
		&fakeAdapter{name: "rss-feed", tier: models.TierSecondaryRSS},
		&fakeAdapter{name: "html-board", tier: models.TierTertiaryHTTP},
	}
	f := newFixture(t, adapters, "", common.HeadlessConfig{SkipThreshold: 0})

	result := f.orch.Run(context.Background(), []models.Query{{Keywords: "go"}}, false)

	assert.Equal(t, 3, result.TotalStored)
	assert.Equal(t, 0, result.TierBreakdown["broken-api"].Raw)
	assert.Equal(t, 3, result.TierBreakdown["api-board"].Stored)
}

func TestRun_InsertFailureDoesNotMarkDedup(t *testing.T) {
	jobs := makeJobs("api", 2)
	jobs[0].Title = "doomed"
	adapters := []sources.Adapter{
		&fakeAdapter{name: "api-board", tier: models.TierPrimaryAPI, jobs: jobs},
		&fakeAdapter{name: "rss-feed", tier: models.TierSecondaryRSS},
		&fakeAdapter{name: "html-board", tier: models.TierTertiaryHTTP},
	}
	f := newFixture(t, adapters, "doomed", common.HeadlessConfig{SkipThreshold: 0})

	result := f.orch.Run(context.Background(), []models.Query{{Keywords: "go"}}, false)

	assert.Equal(t, 1, result.TotalStored)
	snap := f.collector.Snapshot()
	assert.Equal(t, int64(1), snap.JobsPersistenceFailed)
	assert.Equal(t, int64(1), snap.JobsStored)
}

func TestRun_HeadlessJobsFlowThroughSavePipeline(t *testing.T) {
	f := newFixture(t, defaultAdapters(0), "", common.HeadlessConfig{SkipThreshold: 25})
	f.headless.jobs = []models.JobRecord{{
		RawJob: models.RawJob{
			Title:       "Rendered Job",
			Company:     "Hooli",
			URL:         "https://hooli.test/jobs/1",
			Description: "Extracted from a rendered page",
			Source:      "hooli-headless",
		},
		ScrapedAt: "2026-08-24T10:00:00Z",
		Platform:  "hooli-headless",
	}}

	result := f.orch.Run(context.Background(), []models.Query{{Keywords: "go"}}, false)

	assert.True(t, result.HeadlessNeeded)
	assert.Equal(t, 1, result.TotalStored)
	assert.Equal(t, 1, result.TierBreakdown["hooli-headless"].Stored)
	assert.Equal(t, 1, f.sink.count())
}

func TestRun_DatasetHoldsPushedJobs(t *testing.T) {
	f := newFixture(t, defaultAdapters(4), "", common.HeadlessConfig{SkipThreshold: 0})

	f.orch.Run(context.Background(), []models.Query{{Keywords: "go"}}, false)

	assert.Len(t, f.orch.Dataset(), 4)
}
