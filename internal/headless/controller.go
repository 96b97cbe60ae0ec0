package headless

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/metrics"
	"github.com/ternarybob/colligo/internal/models"
	"github.com/ternarybob/colligo/internal/ratelimit"
)

// maxNavRetries bounds how often one seed is retried through the
// violation/backoff path before it is written off
const maxNavRetries = 3

// Seed is one URL the escalation tier navigates to
type Seed struct {
	URL    string
	Source string
}

// PageExtractor turns rendered page HTML into job records
type PageExtractor interface {
	Extract(ctx context.Context, html, pageURL, sourceLabel string) ([]models.JobRecord, error)
}

// SaveFunc receives each extracted job for the shared save pipeline
type SaveFunc func(ctx context.Context, job models.JobRecord)

// Controller drives browser navigations under the domain scheduler and the
// violation handler. It shares both with the HTTP tiers so headless traffic
// counts against the same per-domain budgets.
type Controller struct {
	pool      *Pool
	scheduler *ratelimit.Scheduler
	handler   *ratelimit.Handler
	profiles  *ratelimit.Profiles
	collector *metrics.Collector
	extractor PageExtractor
	config    common.HeadlessConfig
	paidMode  bool
	logger    arbor.ILogger
}

// NewController wires the headless tier
func NewController(
	pool *Pool,
	scheduler *ratelimit.Scheduler,
	handler *ratelimit.Handler,
	profiles *ratelimit.Profiles,
	collector *metrics.Collector,
	extractor PageExtractor,
	config common.HeadlessConfig,
	paidMode bool,
	logger arbor.ILogger,
) *Controller {
	return &Controller{
		pool:      pool,
		scheduler: scheduler,
		handler:   handler,
		profiles:  profiles,
		collector: collector,
		extractor: extractor,
		config:    config,
		paidMode:  paidMode,
		logger:    logger,
	}
}

// Run navigates every seed with the pool's concurrency bound and feeds
// extracted jobs into save. Seed failures never abort siblings.
func (c *Controller) Run(ctx context.Context, seeds []Seed, save SaveFunc) {
	if len(seeds) == 0 {
		return
	}

	workers := c.pool.Concurrency()
	c.logger.Info().
		Int("seeds", len(seeds)).
		Int("workers", workers).
		Bool("paid_mode", c.paidMode).
		Msg("Headless tier starting")

	seedCh := make(chan Seed)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		common.SafeGo(c.logger, fmt.Sprintf("headless-worker-%d", i), func() {
			defer wg.Done()
			for seed := range seedCh {
				c.scrapeSeed(ctx, seed, save)
			}
		})
	}

	for _, seed := range seeds {
		select {
		case <-ctx.Done():
			close(seedCh)
			wg.Wait()
			return
		case seedCh <- seed:
		}
	}
	close(seedCh)
	wg.Wait()
}

// scrapeSeed navigates one seed, retrying through the violation path
func (c *Controller) scrapeSeed(ctx context.Context, seed Seed, save SaveFunc) {
	domain, err := domainOf(seed.URL)
	if err != nil {
		c.logger.Warn().Err(err).Str("url", seed.URL).Msg("Skipping unparseable seed")
		return
	}

	for attempt := 1; attempt <= maxNavRetries; attempt++ {
		done, retry := c.navigateOnce(ctx, seed, domain, save)
		if done {
			return
		}
		if !retry || ctx.Err() != nil {
			break
		}
	}

	c.logger.Warn().
		Str("url", seed.URL).
		Str("domain", domain).
		Int("attempts", maxNavRetries).
		Msg("Seed abandoned after retries")
}

// navigateOnce runs a single navigation cycle. done means the seed is
// finished (successfully or permanently); retry means the violation path
// fired and the caller may try again.
func (c *Controller) navigateOnce(ctx context.Context, seed Seed, domain string, save SaveFunc) (done, retry bool) {
	c.collector.RecordRequestStarted()

	session, err := c.pool.Acquire()
	if err != nil {
		c.collector.RecordRequestFailed()
		c.logger.Error().Err(err).Msg("No browser session available")
		return true, false
	}

	if err := c.prepareSession(session); err != nil {
		c.collector.RecordRequestFailed()
		session.AddError()
		c.logger.Warn().Err(err).Str("domain", domain).Msg("Session preparation failed")
		return false, true
	}

	if err := c.scheduler.WaitTurn(ctx, domain); err != nil {
		c.collector.RecordRequestFailed()
		return true, false
	}
	c.scheduler.RecordRequest(domain)

	if err := c.scheduler.ApplyDelay(ctx, domain); err != nil {
		c.scheduler.ReleaseRequest(domain)
		return true, false
	}

	profile := c.profiles.Get(domain)
	navCtx, cancel := context.WithTimeout(session.Context(), gotoTimeout(profile.RiskLevel))
	defer cancel()

	start := time.Now()
	var html string
	resp, err := chromedp.RunResponse(navCtx, chromedp.Navigate(seed.URL))
	if err == nil {
		err = chromedp.Run(navCtx,
			chromedp.Sleep(c.config.JavaScriptWaitTime),
			chromedp.OuterHTML("html", &html),
		)
	}
	durationMs := time.Since(start).Milliseconds()
	c.scheduler.ReleaseRequest(domain)

	if err != nil {
		c.collector.RecordRequestFailed()
		session.AddError()
		c.logger.Warn().
			Err(err).
			Str("url", seed.URL).
			Int64("duration_ms", durationMs).
			Msg("Navigation failed permanently")
		return true, false
	}

	status := int(resp.Status)
	if ratelimit.DetectByStatus(status) || ratelimit.IsSoftBlocked(html) {
		c.collector.RecordRateLimitHit()
		reason := "soft_block"
		if ratelimit.DetectByStatus(status) {
			reason = fmt.Sprintf("http_%d", status)
		}
		if status == 403 || status == 429 {
			session.Retire()
		}
		if status == 403 {
			c.logger.Warn().
				Str("url", seed.URL).
				Str("domain", domain).
				Msg("Hard block; request flagged for residential proxy escalation")
		}
		c.handler.HandleViolation(ctx, domain, reason, status)
		return false, true
	}

	if status == 407 {
		c.collector.RecordProxyFailure()
		session.Retire()
		c.logger.Warn().Str("url", seed.URL).Msg("Proxy authentication failed")
		return true, false
	}
	if status >= 500 {
		c.collector.RecordRequestFailed()
		session.AddError()
		c.logger.Warn().
			Str("url", seed.URL).
			Int("status", status).
			Msg("Navigation failed permanently")
		return true, false
	}

	c.collector.RecordRequestSucceeded(durationMs)
	c.handler.RecordSuccess(domain)

	jobs, err := c.extractor.Extract(ctx, html, seed.URL, seed.Source)
	if err != nil {
		c.logger.Warn().Err(err).Str("url", seed.URL).Msg("Page extraction failed")
		return true, false
	}
	for _, job := range jobs {
		save(ctx, job)
	}

	c.logger.Info().
		Str("url", seed.URL).
		Int("jobs", len(jobs)).
		Int64("duration_ms", durationMs).
		Msg("Seed scraped")
	return true, false
}

// prepareSession installs stealth and interception once per session and
// randomizes the viewport for every navigation
func (c *Controller) prepareSession(session *Session) error {
	session.mu.Lock()
	prepared := session.prepared
	session.mu.Unlock()

	if !prepared {
		if err := installStealth(session.Context()); err != nil {
			return fmt.Errorf("stealth install failed: %w", err)
		}
		if err := installInterception(session.Context(), c.paidMode); err != nil {
			return fmt.Errorf("interception install failed: %w", err)
		}
		session.mu.Lock()
		session.prepared = true
		session.mu.Unlock()
	}
	return randomizeViewport(session.Context())
}

// gotoTimeout maps a domain's risk level onto the navigation deadline
func gotoTimeout(risk models.RiskLevel) time.Duration {
	switch risk {
	case models.RiskHigh:
		return 60 * time.Second
	case models.RiskMedium:
		return 45 * time.Second
	default:
		return 30 * time.Second
	}
}

func domainOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid seed url %q: %w", raw, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("seed url %q has no host", raw)
	}
	return u.Hostname(), nil
}
