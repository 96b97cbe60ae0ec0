package ratelimit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ternarybob/colligo/internal/models"
)

// WriteReport persists the current scheduler state and violation history to
// storage/rate-limit-report.json via tmp-file + rename
func WriteReport(path string, scheduler *Scheduler, handler *Handler) error {
	report := models.RateLimitReport{
		GeneratedAt:      time.Now().UTC().Format(time.RFC3339),
		DomainStats:      scheduler.AllStats(),
		ViolationHistory: handler.Violations(),
	}
	for i := range report.DomainStats {
		report.DomainStats[i].BackoffAttempt = handler.Attempt(report.DomainStats[i].Domain)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal rate-limit report: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write rate-limit report: %w", err)
	}
	return os.Rename(tmp, path)
}
