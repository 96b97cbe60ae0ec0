package ratelimit

import (
	"context"
	"math/rand"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/models"
)

const (
	// windowSpan is the sliding window over which RPM is measured
	windowSpan = time.Minute

	// gateTimeout bounds how long WaitTurn polls before proceeding anyway
	gateTimeout = 2 * time.Minute

	// gatePollInterval is the sleep between CanProceed polls
	gatePollInterval = time.Second

	// idleExpiry prunes domain state untouched for this long
	idleExpiry = 10 * time.Minute
)

type domainState struct {
	window        []time.Time
	active        int
	lastAt        time.Time
	totalRequests int64
	totalBlocked  int64
}

// Scheduler enforces per-domain politeness: a sliding 60-second request
// window against the profile's RPM ceiling and a concurrency counter against
// its per-domain limit.
type Scheduler struct {
	mu       sync.Mutex
	domains  map[string]*domainState
	profiles *Profiles
	logger   arbor.ILogger

	enabled       bool
	offHoursStart int
	offHoursEnd   int

	// freePool reports whether the active proxy pool is free-tier; free
	// pools double the computed domain delay.
	freePool func() bool

	// now is replaceable for tests
	now func() time.Time

	cancelCleanup context.CancelFunc
}

// NewScheduler creates a domain scheduler over the given profile table.
// freePool may be nil when no proxy pool is in play.
func NewScheduler(profiles *Profiles, enabled bool, offHoursStart, offHoursEnd int, freePool func() bool, logger arbor.ILogger) *Scheduler {
	if freePool == nil {
		freePool = func() bool { return false }
	}
	return &Scheduler{
		domains:       make(map[string]*domainState),
		profiles:      profiles,
		logger:        logger,
		enabled:       enabled,
		offHoursStart: offHoursStart,
		offHoursEnd:   offHoursEnd,
		freePool:      freePool,
		now:           time.Now,
	}
}

// Domain extracts the host from a URL for scheduler keying
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// CanProceed reports whether a request to the domain may start now. A false
// result increments the domain's blocked counter.
func (s *Scheduler) CanProceed(domain string) bool {
	if !s.enabled || domain == "" {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.stateLocked(domain)
	s.pruneWindowLocked(state)

	cfg := s.profiles.Get(domain)
	if len(state.window) >= cfg.MaxRequestsPerMinute || state.active >= cfg.MaxConcurrentPerDomain {
		state.totalBlocked++
		return false
	}
	return true
}

// WaitTurn polls CanProceed until it is true, bounded by the 2-minute gate
// timeout. On gate timeout the caller proceeds anyway; only context
// cancellation returns an error.
func (s *Scheduler) WaitTurn(ctx context.Context, domain string) error {
	if s.CanProceed(domain) {
		return nil
	}

	deadline := s.now().Add(gateTimeout)
	ticker := time.NewTicker(gatePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.CanProceed(domain) {
				return nil
			}
			if s.now().After(deadline) {
				s.logger.Warn().
					Str("domain", domain).
					Dur("waited", gateTimeout).
					Msg("Domain gate timeout exceeded, proceeding anyway")
				return nil
			}
		}
	}
}

// RecordRequest marks a request as started. Call exactly before initiating
// the request.
func (s *Scheduler) RecordRequest(domain string) {
	if domain == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.stateLocked(domain)
	now := s.now()
	state.window = append(state.window, now)
	state.active++
	state.lastAt = now
	state.totalRequests++
}

// ReleaseRequest marks a request as finished. Idempotent: extra releases
// never drive the active counter below zero.
func (s *Scheduler) ReleaseRequest(domain string) {
	if domain == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.domains[domain]
	if !ok {
		return
	}
	if state.active > 0 {
		state.active--
	}
	state.lastAt = s.now()
}

// Delay computes the politeness delay before a navigation: profile minimum
// plus jitter, scaled for business hours and doubled under a free proxy pool.
func (s *Scheduler) Delay(domain string) time.Duration {
	cfg := s.profiles.Get(domain)

	delayMs := float64(cfg.MinDelayMs)
	if cfg.JitterMs > 0 {
		delayMs += float64(rand.Intn(cfg.JitterMs + 1))
	}
	if s.isBusinessHours(s.now()) && cfg.BusinessHoursMultiplier > 0 {
		delayMs *= cfg.BusinessHoursMultiplier
	}
	if s.freePool() {
		delayMs *= 2
	}
	return time.Duration(delayMs) * time.Millisecond
}

// ApplyDelay sleeps for the computed domain delay, honoring cancellation
func (s *Scheduler) ApplyDelay(ctx context.Context, domain string) error {
	delay := s.Delay(domain)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Stats returns the externally visible state for one domain
func (s *Scheduler) Stats(domain string) models.DomainStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.domains[domain]
	if !ok {
		return models.DomainStats{Domain: domain}
	}
	s.pruneWindowLocked(state)

	stats := models.DomainStats{
		Domain:           domain,
		RequestsInWindow: len(state.window),
		Active:           state.active,
		TotalRequests:    state.totalRequests,
		TotalBlocked:     state.totalBlocked,
	}
	if !state.lastAt.IsZero() {
		last := state.lastAt
		stats.LastRequestAt = &last
	}
	return stats
}

// AllStats returns stats for every tracked domain, sorted by domain name
func (s *Scheduler) AllStats() []models.DomainStats {
	s.mu.Lock()
	names := make([]string, 0, len(s.domains))
	for domain := range s.domains {
		names = append(names, domain)
	}
	s.mu.Unlock()

	sort.Strings(names)
	stats := make([]models.DomainStats, 0, len(names))
	for _, domain := range names {
		stats = append(stats, s.Stats(domain))
	}
	return stats
}

// ResetCounters zeroes the per-domain totals without touching live windows
func (s *Scheduler) ResetCounters() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, state := range s.domains {
		state.totalRequests = 0
		state.totalBlocked = 0
	}
}

// StartCleanup launches the idle-domain pruner at the given interval
func (s *Scheduler) StartCleanup(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelCleanup = cancel

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Cleanup()
			}
		}
	}()
}

// Cleanup removes state for domains idle longer than 10 minutes
func (s *Scheduler) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-idleExpiry)
	removed := 0
	for domain, state := range s.domains {
		if state.active == 0 && state.lastAt.Before(cutoff) {
			delete(s.domains, domain)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug().Int("removed", removed).Msg("Pruned idle domain state")
	}
}

// Stop cancels the cleanup loop
func (s *Scheduler) Stop() {
	if s.cancelCleanup != nil {
		s.cancelCleanup()
	}
}

func (s *Scheduler) stateLocked(domain string) *domainState {
	state, ok := s.domains[domain]
	if !ok {
		state = &domainState{}
		s.domains[domain] = state
	}
	return state
}

func (s *Scheduler) pruneWindowLocked(state *domainState) {
	cutoff := s.now().Add(-windowSpan)
	i := 0
	for ; i < len(state.window); i++ {
		if state.window[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		state.window = append(state.window[:0], state.window[i:]...)
	}
}

// isBusinessHours reports whether the local hour falls outside the
// configured off-hours window
func (s *Scheduler) isBusinessHours(now time.Time) bool {
	hour := now.Hour()
	start, end := s.offHoursStart, s.offHoursEnd
	if start == end {
		return true // no off-hours window configured
	}
	if start < end {
		// Off-hours within a single day, e.g. 01-06
		return hour < start || hour >= end
	}
	// Off-hours wrap midnight, e.g. 22-06
	return hour < start && hour >= end
}
