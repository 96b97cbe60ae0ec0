package health

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/models"
)

// Evaluator applies the configured thresholds to a metrics snapshot and
// produces a health report. Aggregate severity is the max severity of any
// failing check.
type Evaluator struct {
	config common.HealthConfig
	logger arbor.ILogger

	now func() time.Time
}

// NewEvaluator creates a health evaluator with the given thresholds
func NewEvaluator(config common.HealthConfig, logger arbor.ILogger) *Evaluator {
	return &Evaluator{
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Evaluate runs all threshold checks over the snapshot
func (e *Evaluator) Evaluate(snap models.MetricsSnapshot) models.HealthReport {
	checks := []models.HealthCheck{
		e.checkSuccessRate(snap),
		e.checkLastExtracted(snap),
		e.checkMemory(snap),
		e.checkRateLimitHits(snap),
		e.checkProxyFailures(snap),
		e.checkNoProgress(snap),
	}

	severity := models.SeverityHealthy
	for _, check := range checks {
		if check.Passed {
			continue
		}
		if check.Severity == models.CheckCritical {
			severity = models.SeverityCritical
		} else if severity == models.SeverityHealthy {
			severity = models.SeverityDegraded
		}
	}

	report := models.HealthReport{
		GeneratedAt: e.now().UTC().Format(time.RFC3339),
		Severity:    severity,
		Checks:      checks,
		Snapshot:    snap,
	}
	report.Summary = fmt.Sprintf("%s | %.1f jobs/min, %.1f%% dedup, %d stored, %.1f%% success, %d rpm",
		severity, snap.JobsPerMinute, snap.DedupRatioPct, snap.JobsStored,
		snap.SuccessRatePct, snap.RequestsPerMinute)

	return report
}

// WriteReport persists a report to storage/health-report.json atomically
func (e *Evaluator) WriteReport(path string, report models.HealthReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal health report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write health report: %w", err)
	}
	return os.Rename(tmp, path)
}

func (e *Evaluator) checkSuccessRate(snap models.MetricsSnapshot) models.HealthCheck {
	check := models.HealthCheck{
		Name:      "success_rate",
		Passed:    true,
		Severity:  models.CheckWarning,
		Value:     fmt.Sprintf("%.1f%%", snap.SuccessRatePct),
		Threshold: fmt.Sprintf("warn<%.0f%% crit<%.0f%%", e.config.SuccessRateWarnPct, e.config.SuccessRateCritPct),
	}
	if !snap.SuccessRateKnown {
		check.Reason = "insufficient data"
		return check
	}
	switch {
	case snap.SuccessRatePct < e.config.SuccessRateCritPct:
		check.Passed = false
		check.Severity = models.CheckCritical
		check.Reason = "success rate below critical threshold"
	case snap.SuccessRatePct < e.config.SuccessRateWarnPct:
		check.Passed = false
		check.Reason = "success rate below warning threshold"
	}
	return check
}

func (e *Evaluator) checkLastExtracted(snap models.MetricsSnapshot) models.HealthCheck {
	check := models.HealthCheck{
		Name:      "last_job_extracted",
		Passed:    true,
		Severity:  models.CheckWarning,
		Threshold: fmt.Sprintf("warn>%dm crit>%dm", e.config.LastJobWarnMin, e.config.LastJobCritMin),
	}
	if snap.LastJobExtractedAt == "" {
		// Covered by the no-progress check instead
		check.Reason = "no jobs extracted yet"
		check.Value = "never"
		return check
	}

	last, err := time.Parse(time.RFC3339, snap.LastJobExtractedAt)
	if err != nil {
		check.Value = snap.LastJobExtractedAt
		check.Reason = "unparseable timestamp"
		return check
	}

	minutes := e.now().Sub(last).Minutes()
	check.Value = fmt.Sprintf("%.0fm ago", minutes)
	switch {
	case minutes > float64(e.config.LastJobCritMin):
		check.Passed = false
		check.Severity = models.CheckCritical
		check.Reason = "no extraction activity for too long"
	case minutes > float64(e.config.LastJobWarnMin):
		check.Passed = false
		check.Reason = "extraction activity slowing"
	}
	return check
}

func (e *Evaluator) checkMemory(snap models.MetricsSnapshot) models.HealthCheck {
	check := models.HealthCheck{
		Name:      "memory",
		Passed:    true,
		Severity:  models.CheckWarning,
		Value:     fmt.Sprintf("%.0fMB", snap.CurrentMemoryMb),
		Threshold: fmt.Sprintf("warn>%.0fMB crit>%.0fMB", e.config.MemoryWarnMb, e.config.MemoryCritMb),
	}
	switch {
	case snap.CurrentMemoryMb > e.config.MemoryCritMb:
		check.Passed = false
		check.Severity = models.CheckCritical
		check.Reason = "memory above critical threshold"
	case snap.CurrentMemoryMb > e.config.MemoryWarnMb:
		check.Passed = false
		check.Reason = "memory above warning threshold"
	}
	return check
}

func (e *Evaluator) checkRateLimitHits(snap models.MetricsSnapshot) models.HealthCheck {
	check := models.HealthCheck{
		Name:      "rate_limit_hits",
		Passed:    true,
		Severity:  models.CheckWarning,
		Value:     fmt.Sprintf("%d", snap.RateLimitHits),
		Threshold: fmt.Sprintf("warn>%d crit>%d", e.config.RateLimitHitsWarn, e.config.RateLimitHitsCrit),
	}
	switch {
	case snap.RateLimitHits > int64(e.config.RateLimitHitsCrit):
		check.Passed = false
		check.Severity = models.CheckCritical
		check.Reason = "upstream blocking at critical volume"
	case snap.RateLimitHits > int64(e.config.RateLimitHitsWarn):
		check.Passed = false
		check.Reason = "elevated rate-limit hits"
	}
	return check
}

func (e *Evaluator) checkProxyFailures(snap models.MetricsSnapshot) models.HealthCheck {
	check := models.HealthCheck{
		Name:      "proxy_failures",
		Passed:    true,
		Severity:  models.CheckWarning,
		Value:     fmt.Sprintf("%d", snap.ProxyFailures),
		Threshold: fmt.Sprintf("warn>%d crit>%d", e.config.ProxyFailuresWarn, e.config.ProxyFailuresCrit),
	}
	switch {
	case snap.ProxyFailures > int64(e.config.ProxyFailuresCrit):
		check.Passed = false
		check.Severity = models.CheckCritical
		check.Reason = "proxy pool failing at critical volume"
	case snap.ProxyFailures > int64(e.config.ProxyFailuresWarn):
		check.Passed = false
		check.Reason = "elevated proxy failures"
	}
	return check
}

func (e *Evaluator) checkNoProgress(snap models.MetricsSnapshot) models.HealthCheck {
	check := models.HealthCheck{
		Name:      "no_progress",
		Passed:    true,
		Severity:  models.CheckWarning,
		Value:     fmt.Sprintf("%d jobs / %.0fs uptime", snap.JobsExtracted, snap.UptimeSeconds),
		Threshold: fmt.Sprintf("0 jobs after %dm", e.config.NoProgressWarnMin),
	}
	if snap.UptimeSeconds < float64(e.config.NoProgressWarnMin)*60 {
		check.Reason = "insufficient data"
		return check
	}
	if snap.JobsExtracted == 0 {
		check.Passed = false
		check.Reason = "no jobs extracted since startup"
	}
	return check
}
