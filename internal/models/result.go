package models

// TierStats counts raw and stored jobs contributed by one source
type TierStats struct {
	Raw    int `json:"raw"`
	Stored int `json:"stored"`
}

// CollectionResult summarizes a full orchestrator run
type CollectionResult struct {
	RunID                       string               `json:"run_id"`
	TotalStored                 int                  `json:"total_stored"`
	TotalDuplicatesSkipped      int                  `json:"total_duplicates_skipped"`
	TotalValidationFailed       int                  `json:"total_validation_failed"`
	TierBreakdown               map[string]TierStats `json:"tier_breakdown"`
	HeadlessNeeded              bool                 `json:"headless_needed"`
	HeadlessReason              string               `json:"headless_reason"`
	JobsCollectedBeforeHeadless int                  `json:"jobs_collected_before_headless"`
	HeadlessSkipThreshold       int                  `json:"headless_skip_threshold"`
	DurationMs                  int64                `json:"duration_ms"`
}
