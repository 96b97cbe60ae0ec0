package ratelimit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/models"
)

func TestWriteReport_MergesBackoffAttempts(t *testing.T) {
	logger := arbor.NewLogger()
	profiles, err := NewProfiles(common.RateLimitEnv{BackoffMultiplier: 2.0})
	require.NoError(t, err)

	scheduler := NewScheduler(profiles, true, 22, 6, func() bool { return false }, logger)
	handler := NewHandler(profiles, 5, logger)
	handler.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	scheduler.RecordRequest("example.com")
	scheduler.ReleaseRequest("example.com")
	handler.HandleViolation(context.Background(), "example.com", "http_429", 429)
	handler.HandleViolation(context.Background(), "example.com", "http_429", 429)

	path := filepath.Join(t.TempDir(), "rate-limit-report.json")
	require.NoError(t, WriteReport(path, scheduler, handler))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var report models.RateLimitReport
	require.NoError(t, json.Unmarshal(data, &report))

	require.Len(t, report.ViolationHistory, 2)
	var found bool
	for _, stats := range report.DomainStats {
		if stats.Domain == "example.com" {
			found = true
			assert.Equal(t, 2, stats.BackoffAttempt)
			assert.Equal(t, int64(1), stats.TotalRequests)
		}
	}
	assert.True(t, found, "example.com missing from domain stats")
}
