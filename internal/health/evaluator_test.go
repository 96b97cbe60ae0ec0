package health

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/models"
)

func testConfig() common.HealthConfig {
	return common.HealthConfig{
		SuccessRateWarnPct: 70,
		SuccessRateCritPct: 40,
		LastJobWarnMin:     15,
		LastJobCritMin:     45,
		MemoryWarnMb:       1024,
		MemoryCritMb:       2048,
		RateLimitHitsWarn:  10,
		RateLimitHitsCrit:  30,
		ProxyFailuresWarn:  5,
		ProxyFailuresCrit:  20,
		NoProgressWarnMin:  10,
	}
}

func healthySnapshot() models.MetricsSnapshot {
	return models.MetricsSnapshot{
		SuccessRatePct:     95,
		SuccessRateKnown:   true,
		JobsExtracted:      50,
		JobsStored:         40,
		CurrentMemoryMb:    200,
		UptimeSeconds:      1200,
		LastJobExtractedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

func TestEvaluate_AllHealthy(t *testing.T) {
	e := NewEvaluator(testConfig(), arbor.NewLogger())
	report := e.Evaluate(healthySnapshot())

	assert.Equal(t, models.SeverityHealthy, report.Severity)
	for _, check := range report.Checks {
		assert.True(t, check.Passed, "check %s should pass", check.Name)
	}
	assert.Contains(t, report.Summary, "jobs/min")
	assert.Contains(t, report.Summary, "stored")
}

func TestEvaluate_WarningSeverity(t *testing.T) {
	e := NewEvaluator(testConfig(), arbor.NewLogger())

	snap := healthySnapshot()
	snap.SuccessRatePct = 60 // below warn (70), above crit (40)
	report := e.Evaluate(snap)

	assert.Equal(t, models.SeverityDegraded, report.Severity)
}

func TestEvaluate_CriticalDominatesWarning(t *testing.T) {
	e := NewEvaluator(testConfig(), arbor.NewLogger())

	snap := healthySnapshot()
	snap.SuccessRatePct = 60 // warning
	snap.RateLimitHits = 100 // critical
	report := e.Evaluate(snap)

	assert.Equal(t, models.SeverityCritical, report.Severity)
}

func TestEvaluate_SuccessRateSkippedWhenUnknown(t *testing.T) {
	e := NewEvaluator(testConfig(), arbor.NewLogger())

	snap := healthySnapshot()
	snap.SuccessRateKnown = false
	snap.SuccessRatePct = 100
	report := e.Evaluate(snap)

	for _, check := range report.Checks {
		if check.Name == "success_rate" {
			assert.True(t, check.Passed)
			assert.Equal(t, "insufficient data", check.Reason)
		}
	}
}

func TestEvaluate_NoProgressSkippedDuringWarmup(t *testing.T) {
	e := NewEvaluator(testConfig(), arbor.NewLogger())

	snap := healthySnapshot()
	snap.JobsExtracted = 0
	snap.LastJobExtractedAt = ""
	snap.UptimeSeconds = 120 // under the 10-minute warmup
	report := e.Evaluate(snap)

	for _, check := range report.Checks {
		if check.Name == "no_progress" {
			assert.True(t, check.Passed)
			assert.Equal(t, "insufficient data", check.Reason)
		}
	}
}

func TestEvaluate_NoProgressWarnsAfterWarmup(t *testing.T) {
	e := NewEvaluator(testConfig(), arbor.NewLogger())

	snap := healthySnapshot()
	snap.JobsExtracted = 0
	snap.LastJobExtractedAt = ""
	snap.UptimeSeconds = 900 // past the 10-minute warmup
	report := e.Evaluate(snap)

	assert.Equal(t, models.SeverityDegraded, report.Severity)
}

func TestEvaluate_StaleExtractionIsCritical(t *testing.T) {
	e := NewEvaluator(testConfig(), arbor.NewLogger())

	snap := healthySnapshot()
	snap.LastJobExtractedAt = time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	report := e.Evaluate(snap)

	assert.Equal(t, models.SeverityCritical, report.Severity)
}

func TestWriteReport(t *testing.T) {
	e := NewEvaluator(testConfig(), arbor.NewLogger())
	report := e.Evaluate(healthySnapshot())

	path := filepath.Join(t.TempDir(), "health-report.json")
	require.NoError(t, e.WriteReport(path, report))

	_, err := filepath.Glob(path)
	assert.NoError(t, err)
}
