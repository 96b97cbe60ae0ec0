package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/dedup"
	"github.com/ternarybob/colligo/internal/metrics"
	"github.com/ternarybob/colligo/internal/models"
	"github.com/ternarybob/colligo/internal/persistence"
	"github.com/ternarybob/colligo/internal/sources"
)

// minDescriptionLen is the validation floor for job descriptions
const minDescriptionLen = 10

// JobSink persists one validated job record
type JobSink interface {
	InsertJob(ctx context.Context, job models.JobRecord) (bool, error)
}

// HeadlessTier is the escalation collaborator. Implementations feed every
// extracted job back through save.
type HeadlessTier interface {
	Collect(ctx context.Context, queries []models.Query, save func(ctx context.Context, job models.JobRecord))
}

// Orchestrator runs the tiered collection: three non-headless tier groups
// with allSettled semantics, a shared per-job save pipeline, and the
// headless escalation predicate after the last group.
type Orchestrator struct {
	registry  *sources.Registry
	dedupe    *dedup.Store
	queue     *persistence.Queue
	sink      JobSink
	collector *metrics.Collector
	headless  HeadlessTier // nil when the escalation tier is unavailable
	validate  *validator.Validate
	config    common.HeadlessConfig
	dedupCfg  common.DedupConfig
	saveSlots int
	logger    arbor.ILogger

	mu      sync.Mutex
	result  *models.CollectionResult
	dataset []models.JobRecord
}

// NewOrchestrator wires a collection run
func NewOrchestrator(
	registry *sources.Registry,
	dedupe *dedup.Store,
	queue *persistence.Queue,
	sink JobSink,
	collector *metrics.Collector,
	headless HeadlessTier,
	config common.HeadlessConfig,
	dedupCfg common.DedupConfig,
	saveConcurrency int,
	logger arbor.ILogger,
) *Orchestrator {
	if saveConcurrency < 1 {
		saveConcurrency = 8
	}
	return &Orchestrator{
		registry:  registry,
		dedupe:    dedupe,
		queue:     queue,
		sink:      sink,
		collector: collector,
		headless:  headless,
		validate:  validator.New(),
		config:    config,
		dedupCfg:  dedupCfg,
		saveSlots: saveConcurrency,
		logger:    logger,
	}
}

// Run executes one full collection over the queries
func (o *Orchestrator) Run(ctx context.Context, queries []models.Query, hasPaidProxy bool) *models.CollectionResult {
	start := time.Now()
	runID := uuid.New().String()

	o.mu.Lock()
	o.result = &models.CollectionResult{
		RunID:         runID,
		TierBreakdown: make(map[string]models.TierStats),
	}
	o.dataset = nil
	o.mu.Unlock()

	o.logger.Info().
		Str("run_id", runID).
		Int("queries", len(queries)).
		Bool("paid_proxy", hasPaidProxy).
		Msg("Collection run starting")

	// Draining per group settles each tier's dedup marks and stored counts
	// before the next tier (and the escalation predicate) reads them
	for _, tier := range models.NonHeadlessTiers() {
		results := o.runTierGroup(ctx, tier, queries)
		o.saveGroup(ctx, results)
		o.queue.Drain()
	}

	preCollected, threshold, launch, reason := o.evaluateEscalation(hasPaidProxy)

	o.mu.Lock()
	o.result.JobsCollectedBeforeHeadless = preCollected
	o.result.HeadlessSkipThreshold = threshold
	o.result.HeadlessNeeded = launch
	o.result.HeadlessReason = reason
	o.mu.Unlock()

	if launch && o.headless != nil && ctx.Err() == nil {
		o.headless.Collect(ctx, queries, o.saveJob)
		o.queue.Drain()
	}

	o.mu.Lock()
	result := o.result
	result.DurationMs = time.Since(start).Milliseconds()
	o.mu.Unlock()

	o.logger.Info().
		Str("run_id", runID).
		Int("stored", result.TotalStored).
		Int("duplicates", result.TotalDuplicatesSkipped).
		Int("validation_failed", result.TotalValidationFailed).
		Bool("headless_needed", result.HeadlessNeeded).
		Str("headless_reason", result.HeadlessReason).
		Int64("duration_ms", result.DurationMs).
		Msg("Collection run finished")
	return result
}

// Dataset returns the jobs the run pushed (post-dedup, pre-persistence)
func (o *Orchestrator) Dataset() []models.JobRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]models.JobRecord, len(o.dataset))
	copy(out, o.dataset)
	return out
}

// runTierGroup runs every (adapter, query) fetcher of one tier
// concurrently. A fetcher's failure yields an errored SourceResult and
// never aborts its siblings.
func (o *Orchestrator) runTierGroup(ctx context.Context, tier models.SourceTier, queries []models.Query) []models.SourceResult {
	adapters := o.registry.ByTier(tier)
	if len(adapters) == 0 || len(queries) == 0 {
		return nil
	}

	type slot struct {
		adapter sources.Adapter
		query   models.Query
	}
	slots := make([]slot, 0, len(adapters)*len(queries))
	for _, adapter := range adapters {
		for _, query := range queries {
			slots = append(slots, slot{adapter, query})
		}
	}

	results := make([]models.SourceResult, len(slots))
	var wg sync.WaitGroup
	for i, s := range slots {
		wg.Add(1)
		i, s := i, s
		common.SafeGo(o.logger, fmt.Sprintf("fetch-%s-%d", tier, i), func() {
			defer wg.Done()
			results[i] = sources.SafeFetch(ctx, s.adapter, s.query)
		})
	}
	wg.Wait()

	for _, r := range results {
		if r.Err != "" {
			o.logger.Warn().
				Str("source", r.Source).
				Str("tier", string(tier)).
				Str("error", r.Err).
				Msg("Source fetch failed; continuing with siblings")
		}
	}
	return results
}

// saveGroup flattens a tier group's results and runs the save pipeline
// over every job with bounded concurrency
func (o *Orchestrator) saveGroup(ctx context.Context, results []models.SourceResult) {
	var jobs []models.JobRecord
	now := time.Now().UTC().Format(time.RFC3339)

	for _, r := range results {
		o.addRaw(r.Source, len(r.Jobs))
		for _, raw := range r.Jobs {
			if raw.Source == "" {
				raw.Source = r.Source
			}
			if raw.SourceTier == "" {
				raw.SourceTier = string(r.Tier)
			}
			jobs = append(jobs, models.JobRecord{
				RawJob:    raw,
				ScrapedAt: now,
				Platform:  raw.Source,
			})
		}
	}
	if len(jobs) == 0 {
		return
	}

	sem := make(chan struct{}, o.saveSlots)
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		job := job
		sem <- struct{}{}
		common.SafeGo(o.logger, "save-pipeline", func() {
			defer wg.Done()
			defer func() { <-sem }()
			o.saveJob(ctx, job)
		})
	}
	wg.Wait()
}

// saveJob is the single save pipeline: validate, dedup, push to the run
// dataset, then queue the persistence task that inserts to the database
// and marks the dedup store. Dedup and persistence are idempotent, so job
// order is not observable.
func (o *Orchestrator) saveJob(ctx context.Context, job models.JobRecord) {
	o.collector.RecordJobExtracted()

	if err := o.validateJob(&job); err != nil {
		o.incValidationFailed()
		o.logger.Debug().
			Err(err).
			Str("title", job.Title).
			Str("source", job.Source).
			Msg("Job failed validation")
		return
	}

	fp := dedup.NewFingerprint(&job)
	if o.dedupCfg.Enabled {
		if match := o.dedupe.Check(fp); match != dedup.MatchNone {
			o.collector.RecordJobDeduplicated()
			o.incDuplicates()
			if o.dedupCfg.LogSkipped {
				o.logger.Debug().
					Str("title", job.Title).
					Str("source", job.Source).
					Str("match", string(match)).
					Msg("Duplicate job skipped")
			}
			return
		}
	}

	o.pushData(job)

	o.queue.Enqueue(func(taskCtx context.Context) error {
		inserted, err := o.sink.InsertJob(taskCtx, job)
		if err != nil {
			return fmt.Errorf("persist %q from %s: %w", job.Title, job.Source, err)
		}
		o.dedupe.Mark(fp)
		if inserted {
			o.collector.RecordJobStored()
			o.addStored(job.Source)
		}
		return nil
	})
}

// validateJob applies the schema invariants
func (o *Orchestrator) validateJob(job *models.JobRecord) error {
	if job.Title == "" || job.Company == "" || job.URL == "" {
		return fmt.Errorf("missing required field")
	}
	if len(job.Description) < minDescriptionLen {
		return fmt.Errorf("description under %d chars", minDescriptionLen)
	}
	return o.validate.Struct(job)
}

// evaluateEscalation decides whether the headless tier launches
func (o *Orchestrator) evaluateEscalation(hasPaidProxy bool) (preCollected, threshold int, launch bool, reason string) {
	o.mu.Lock()
	preCollected = o.result.TotalStored
	o.mu.Unlock()

	threshold = o.config.MinJobsBeforeHeadless
	if o.config.SkipThreshold > threshold {
		threshold = o.config.SkipThreshold
	}

	switch {
	case hasPaidProxy:
		return preCollected, threshold, true, "paid proxy"
	case preCollected >= threshold:
		return preCollected, threshold, false, "sufficient data"
	default:
		o.logger.Warn().
			Int("collected", preCollected).
			Int("threshold", threshold).
			Msgf("Partial collection (%d, %d); escalating to headless tier", preCollected, threshold)
		return preCollected, threshold, true, "partial collection"
	}
}

func (o *Orchestrator) pushData(job models.JobRecord) {
	o.mu.Lock()
	o.dataset = append(o.dataset, job)
	o.mu.Unlock()
}

func (o *Orchestrator) addRaw(source string, count int) {
	o.mu.Lock()
	stats := o.result.TierBreakdown[source]
	stats.Raw += count
	o.result.TierBreakdown[source] = stats
	o.mu.Unlock()
}

func (o *Orchestrator) addStored(source string) {
	o.mu.Lock()
	stats := o.result.TierBreakdown[source]
	stats.Stored++
	o.result.TierBreakdown[source] = stats
	o.result.TotalStored++
	o.mu.Unlock()
}

func (o *Orchestrator) incDuplicates() {
	o.mu.Lock()
	o.result.TotalDuplicatesSkipped++
	o.mu.Unlock()
}

func (o *Orchestrator) incValidationFailed() {
	o.mu.Lock()
	o.result.TotalValidationFailed++
	o.mu.Unlock()
}
