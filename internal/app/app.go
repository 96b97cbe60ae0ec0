package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/alerts"
	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/dedup"
	"github.com/ternarybob/colligo/internal/extract"
	"github.com/ternarybob/colligo/internal/headless"
	"github.com/ternarybob/colligo/internal/health"
	"github.com/ternarybob/colligo/internal/metrics"
	"github.com/ternarybob/colligo/internal/models"
	"github.com/ternarybob/colligo/internal/persistence"
	"github.com/ternarybob/colligo/internal/pipeline"
	"github.com/ternarybob/colligo/internal/proxy"
	"github.com/ternarybob/colligo/internal/ratelimit"
	"github.com/ternarybob/colligo/internal/sources"
)

// App owns every process-wide component and its lifecycle. Construction
// order matters: storage and proxies come up before the pipeline; shutdown
// runs in reverse and flushes all persisted state.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	Dispatcher   *alerts.Dispatcher
	ProxyPool    *proxy.Pool
	Collector    *metrics.Collector
	Health       *health.Evaluator
	DedupStore   *dedup.Store
	DBStore      *persistence.Store
	Queue        *persistence.Queue
	Profiles     *ratelimit.Profiles
	Scheduler    *ratelimit.Scheduler
	Handler      *ratelimit.Handler
	Registry     *sources.Registry
	ExtractCache *extract.Cache
	BrowserPool  *headless.Pool
	Orchestrator *pipeline.Orchestrator
	CronRunner   *pipeline.Scheduler

	healthCancel context.CancelFunc
	healthDone   chan struct{}
}

// New wires the application. Fatal-to-startup conditions are only the
// proxy floor and an unreachable database without fallback.
func New(ctx context.Context, config *common.Config, logger arbor.ILogger) (*App, error) {
	a := &App{Config: config, Logger: logger}

	if config.Storage.ResetData {
		if err := os.RemoveAll(config.Storage.Dir); err != nil {
			logger.Warn().Err(err).Msg("Failed to reset storage directory")
		}
	}
	if err := os.MkdirAll(config.Storage.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	a.Dispatcher = alerts.NewDispatcher(config.Alerts, logger)

	a.ProxyPool = proxy.NewPool(config.Proxy, logger, a.Dispatcher)
	if err := a.ProxyPool.BuildInitialPool(ctx); err != nil {
		return nil, fmt.Errorf("proxy pool startup failed: %w", err)
	}
	a.ProxyPool.StartRefresh()

	a.Collector = metrics.NewCollector(filepath.Join(config.Storage.Dir, "metrics-snapshot.json"), logger)
	a.Collector.StartFlusher(config.Metrics.FlushInterval)
	a.Health = health.NewEvaluator(config.Health, logger)

	var err error
	a.DedupStore, err = dedup.NewStore(
		filepath.Join(config.Storage.Dir, "dedup-store.json"),
		config.Dedup.RetentionDays, logger)
	if err != nil {
		return nil, fmt.Errorf("dedup store startup failed: %w", err)
	}

	a.DBStore, err = persistence.NewStore(ctx, config.Database, logger)
	if err != nil {
		return nil, err
	}
	a.Queue = persistence.NewQueue(ctx, config.Pipeline.PersistenceWorkers,
		a.Collector.RecordJobPersistenceFailed, logger)

	a.Profiles, err = ratelimit.NewProfiles(config.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("rate-limit profiles failed to load: %w", err)
	}
	a.Scheduler = ratelimit.NewScheduler(a.Profiles, config.RateLimit.Enabled,
		config.RateLimit.OffHoursStart, config.RateLimit.OffHoursEnd,
		func() bool { return !a.ProxyPool.HasPaid() }, logger)
	a.Scheduler.StartCleanup(10 * time.Minute)
	a.Handler = ratelimit.NewHandler(a.Profiles, config.RateLimit.MaxBackoffAttempts, logger)

	a.Registry = sources.NewRegistry(logger)
	registerDefaultAdapters(a.Registry, config, logger)
	if err := a.Registry.ValidateCoverage(); err != nil {
		return nil, fmt.Errorf("source registry incomplete: %w", err)
	}

	headlessTier := a.buildHeadlessTier()

	a.Orchestrator = pipeline.NewOrchestrator(
		a.Registry, a.DedupStore, a.Queue, a.DBStore, a.Collector,
		headlessTier, config.Headless, config.Dedup,
		config.Pipeline.SaveConcurrency, logger)
	a.CronRunner = pipeline.NewScheduler(a.Orchestrator, logger)

	a.startHealthLoop()
	return a, nil
}

// buildHeadlessTier assembles the escalation tier. Extraction needs an
// API key; without one the tier is disabled and the orchestrator only
// records the escalation decision.
func (a *App) buildHeadlessTier() pipeline.HeadlessTier {
	if a.Config.Extract.APIKey == "" {
		a.Logger.Warn().Msg("No Anthropic API key; headless tier disabled")
		return nil
	}

	var cache *extract.Cache
	if a.Config.Extract.CacheEnabled {
		var err error
		cache, err = extract.OpenCache(a.Config.Storage.CacheDir, a.Logger)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("Extraction cache unavailable; continuing without it")
			cache = nil
		} else {
			a.ExtractCache = cache
		}
	}

	extractor, err := extract.NewExtractor(a.Config.Extract, cache, a.Logger)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Extractor unavailable; headless tier disabled")
		return nil
	}

	a.BrowserPool = headless.NewPool(a.Config.Headless, a.ProxyPool.HasPaid(), a.Logger)
	controller := headless.NewController(
		a.BrowserPool, a.Scheduler, a.Handler, a.Profiles, a.Collector,
		extractor, a.Config.Headless, a.ProxyPool.HasPaid(), a.Logger)

	return &lazyTier{
		pool:      a.BrowserPool,
		instances: a.Config.Headless.MaxConcurrency,
		tier:      headless.NewTier(controller, nil),
		logger:    a.Logger,
	}
}

// lazyTier defers browser startup until the escalation predicate actually
// fires, so runs that skip headless never launch Chrome
type lazyTier struct {
	pool      *headless.Pool
	instances int
	tier      *headless.Tier
	logger    arbor.ILogger
	failed    bool
}

func (l *lazyTier) Collect(ctx context.Context, queries []models.Query, save func(ctx context.Context, job models.JobRecord)) {
	if l.failed {
		return
	}
	if l.pool.Size() == 0 {
		if err := l.pool.Init(l.instances); err != nil {
			l.failed = true
			l.logger.Error().Err(err).Msg("Browser pool failed to start; headless collection skipped")
			return
		}
	}
	l.tier.Collect(ctx, queries, save)
}

// RunOnce executes a single collection and writes the end-of-run reports
func (a *App) RunOnce(ctx context.Context, queries []models.Query) *models.CollectionResult {
	result := a.Orchestrator.Run(ctx, queries, a.ProxyPool.HasPaid())
	a.writeReports()
	return result
}

// StartSchedule begins recurring runs on the cron expression
func (a *App) StartSchedule(ctx context.Context, schedule string, queries []models.Query) error {
	return a.CronRunner.Start(ctx, schedule, queries, a.ProxyPool.HasPaid())
}

// Shutdown flushes all state and stops every background loop
func (a *App) Shutdown() {
	a.Logger.Info().Msg("Shutting down")

	if a.CronRunner != nil {
		a.CronRunner.Stop()
	}
	if a.healthCancel != nil {
		a.healthCancel()
		<-a.healthDone
	}

	a.Queue.Drain()
	a.writeReports()

	if err := a.Collector.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Metrics final flush failed")
	}
	if err := a.DedupStore.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Dedup store final flush failed")
	}
	if a.ExtractCache != nil {
		if err := a.ExtractCache.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Extraction cache close failed")
		}
	}
	if a.BrowserPool != nil {
		a.BrowserPool.Shutdown()
	}
	a.Scheduler.Stop()
	a.ProxyPool.Stop()
	a.DBStore.Close()

	a.Logger.Info().Msg("Shutdown complete")
}

// writeReports persists the health and rate-limit reports
func (a *App) writeReports() {
	report := a.Health.Evaluate(a.Collector.Snapshot())
	if err := a.Health.WriteReport(filepath.Join(a.Config.Storage.Dir, "health-report.json"), report); err != nil {
		a.Logger.Warn().Err(err).Msg("Health report write failed")
	}
	if err := ratelimit.WriteReport(filepath.Join(a.Config.Storage.Dir, "rate-limit-report.json"),
		a.Scheduler, a.Handler); err != nil {
		a.Logger.Warn().Err(err).Msg("Rate-limit report write failed")
	}
}

// startHealthLoop evaluates thresholds on the configured cadence and
// alerts on degradation
func (a *App) startHealthLoop() {
	interval := a.Config.Health.CheckInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.healthCancel = cancel
	a.healthDone = make(chan struct{})

	common.SafeGo(a.Logger, "health-loop", func() {
		defer close(a.healthDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				report := a.Health.Evaluate(a.Collector.Snapshot())
				if err := a.Health.WriteReport(
					filepath.Join(a.Config.Storage.Dir, "health-report.json"), report); err != nil {
					a.Logger.Warn().Err(err).Msg("Health report write failed")
				}
				if report.Severity != models.SeverityHealthy {
					a.Dispatcher.Dispatch(ctx, report.Severity,
						"Health check "+string(report.Severity), report.Summary)
				}
			}
		}
	})
}

// ParseQueries decodes the JSON query list from config or flag input
func ParseQueries(raw string) ([]models.Query, error) {
	if raw == "" {
		return nil, fmt.Errorf("no search queries configured (set SEARCH_QUERIES or -queries)")
	}
	var queries []models.Query
	if err := json.Unmarshal([]byte(raw), &queries); err != nil {
		// Tolerate a bare list of keyword strings
		var keywords []string
		if err2 := json.Unmarshal([]byte(raw), &keywords); err2 != nil {
			return nil, fmt.Errorf("queries must be a JSON array: %w", err)
		}
		for _, kw := range keywords {
			queries = append(queries, models.Query{Keywords: kw})
		}
	}
	if len(queries) == 0 {
		return nil, fmt.Errorf("query list is empty")
	}
	return queries, nil
}

// registerDefaultAdapters installs the built-in non-headless sources
func registerDefaultAdapters(registry *sources.Registry, config *common.Config, logger arbor.ILogger) {
	userAgent := config.Headless.UserAgent
	timeout := config.Pipeline.AdapterTimeout

	adapters := []sources.Adapter{
		sources.NewHTTPBoardAdapter(sources.HTTPBoardConfig{
			Name:       "remoteok",
			Tier:       models.TierPrimaryAPI,
			BaseURL:    "https://remoteok.com/api",
			QueryParam: "tags",
			UserAgent:  userAgent,
			Timeout:    timeout,
		}, logger),
		sources.NewRSSAdapter(sources.RSSConfig{
			Name:      "weworkremotely",
			Tier:      models.TierSecondaryRSS,
			FeedURL:   "https://weworkremotely.com/remote-jobs.rss",
			UserAgent: userAgent,
			Timeout:   timeout,
		}, logger),
		sources.NewRSSAdapter(sources.RSSConfig{
			Name:      "jobicy",
			Tier:      models.TierTertiaryHTTP,
			FeedURL:   "https://jobicy.com/?feed=job_feed&search_keywords={keywords}",
			UserAgent: userAgent,
			Timeout:   timeout,
		}, logger),
		sources.NewHTTPBoardAdapter(sources.HTTPBoardConfig{
			Name:             "golangprojects",
			Tier:             models.TierTertiaryHTTP,
			BaseURL:          "https://www.golangprojects.com/golang-remote-jobs.html",
			UserAgent:        userAgent,
			Timeout:          timeout,
			ItemSelector:     "div.job-listing",
			TitleSelector:    "a.job-title",
			CompanySelector:  "span.company",
			LocationSelector: "span.location",
			LinkSelector:     "a.job-title",
			DescSelector:     "div.description",
		}, logger),
	}

	for _, adapter := range adapters {
		if err := registry.Register(adapter); err != nil {
			logger.Warn().Err(err).Str("adapter", adapter.Name()).Msg("Adapter registration failed")
		}
	}
}
