package ratelimit

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/models"
)

const (
	// baseBackoffMs is the first-attempt violation backoff
	baseBackoffMs = 30000

	// backoffJitterMs is the random addition on top of the exponential delay
	backoffJitterMs = 10000

	// ledgerCapacity bounds the violation history ring
	ledgerCapacity = 200

	// softBlockBodyWindow is how much rendered body text is inspected
	softBlockBodyWindow = 3000
)

// softBlockPatterns match challenge pages served with HTTP 200
var softBlockPatterns = []string{
	"captcha",
	"unusual traffic",
	"are you a robot",
	"verify you are human",
	"verify you're human",
	"access denied",
	"attention required",
	"pardon our interruption",
	"request blocked",
	"security check",
	"just a moment",
	"press & hold",
	"too many requests",
}

// Handler is the sole backoff authority for rate-limit violations. It owns
// the per-domain attempt counters and the bounded violation ledger; no other
// code path may sleep for rate-limit purposes.
type Handler struct {
	mu          sync.Mutex
	attempts    map[string]int
	ledger      []models.ViolationRecord
	profiles    *Profiles
	maxAttempts int
	logger      arbor.ILogger

	// sleep is replaceable for tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewHandler creates a violation handler. maxAttempts caps the exponential
// growth of the backoff (default 5).
func NewHandler(profiles *Profiles, maxAttempts int, logger arbor.ILogger) *Handler {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Handler{
		attempts:    make(map[string]int),
		profiles:    profiles,
		maxAttempts: maxAttempts,
		logger:      logger,
		sleep:       sleepWithContext,
	}
}

// DetectByStatus reports whether an HTTP status code signals rate limiting
// or blocking
func DetectByStatus(statusCode int) bool {
	switch statusCode {
	case 429, 403, 503:
		return true
	}
	return false
}

// IsSoftBlocked inspects a rendered HTML page for challenge-page markers:
// the title and the first 3000 characters of body text are matched against
// the pattern set.
func IsSoftBlocked(html string) bool {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false
	}

	title := strings.ToLower(doc.Find("title").First().Text())
	body := strings.ToLower(strings.Join(strings.Fields(doc.Find("body").Text()), " "))
	if len(body) > softBlockBodyWindow {
		body = body[:softBlockBodyWindow]
	}

	for _, pattern := range softBlockPatterns {
		if strings.Contains(title, pattern) || strings.Contains(body, pattern) {
			return true
		}
	}
	return false
}

// HandleViolation records a violation for the domain, computes the
// exponential backoff, appends to the ledger, and sleeps. This is the only
// sleep in any rate-limit failure path.
func (h *Handler) HandleViolation(ctx context.Context, domain, reason string, statusCode int) {
	h.mu.Lock()

	attempt := h.attempts[domain] + 1
	if attempt > h.maxAttempts {
		attempt = h.maxAttempts
	}
	h.attempts[domain] = attempt

	cfg := h.profiles.Get(domain)
	jitter := int64(rand.Intn(backoffJitterMs))
	delay := GetBackoffDelay(attempt, cfg.BackoffMultiplier, jitter)
	if maxMs := int64(cfg.MaxBackoffMs); maxMs > 0 && delay > maxMs {
		delay = maxMs
	}

	h.ledger = append(h.ledger, models.ViolationRecord{
		Domain:     domain,
		Reason:     reason,
		StatusCode: statusCode,
		Timestamp:  time.Now(),
		BackoffMs:  delay,
		Attempt:    attempt,
	})
	if len(h.ledger) > ledgerCapacity {
		h.ledger = h.ledger[len(h.ledger)-ledgerCapacity:]
	}
	h.mu.Unlock()

	h.logger.Warn().
		Str("domain", domain).
		Str("reason", reason).
		Int("status_code", statusCode).
		Int("attempt", attempt).
		Int64("backoff_ms", delay).
		Msg("Rate-limit violation, backing off")

	if err := h.sleep(ctx, time.Duration(delay)*time.Millisecond); err != nil {
		h.logger.Debug().Str("domain", domain).Msg("Backoff interrupted by cancellation")
	}
}

// RecordSuccess resets the backoff attempt counter for the domain
func (h *Handler) RecordSuccess(domain string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.attempts, domain)
}

// Attempt returns the current backoff attempt for a domain
func (h *Handler) Attempt(domain string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts[domain]
}

// Violations returns a copy of the ledger, oldest first
func (h *Handler) Violations() []models.ViolationRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.ViolationRecord, len(h.ledger))
	copy(out, h.ledger)
	return out
}

// GetBackoffDelay computes the violation backoff in milliseconds:
// base * multiplier^(attempt-1) + jitter
func GetBackoffDelay(attempt int, multiplier float64, jitterMs int64) int64 {
	if attempt < 1 {
		attempt = 1
	}
	if multiplier <= 0 {
		multiplier = 1
	}
	return int64(float64(baseBackoffMs)*math.Pow(multiplier, float64(attempt-1))) + jitterMs
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
