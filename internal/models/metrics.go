package models

// MetricsSnapshot is the point-in-time view the accumulator produces.
// Counters are monotonic within a run; derived values are computed at
// snapshot time from the windows and ring buffers.
type MetricsSnapshot struct {
	GeneratedAt string `json:"generated_at"`

	RequestsStarted       int64 `json:"requests_started"`
	RequestsSucceeded     int64 `json:"requests_succeeded"`
	RequestsFailed        int64 `json:"requests_failed"`
	JobsExtracted         int64 `json:"jobs_extracted"`
	JobsDeduplicated      int64 `json:"jobs_deduplicated"`
	JobsStored            int64 `json:"jobs_stored"`
	JobsPersistenceFailed int64 `json:"jobs_persistence_failed"`
	RateLimitHits         int64 `json:"rate_limit_hits"`
	ProxyFailures         int64 `json:"proxy_failures"`

	SuccessRatePct     float64 `json:"success_rate_pct"`
	SuccessRateKnown   bool    `json:"success_rate_known"` // false while fewer than 5 requests completed
	JobsPerMinute      float64 `json:"jobs_per_minute"`
	DedupRatioPct      float64 `json:"dedup_ratio_pct"`
	RequestsPerMinute  int     `json:"requests_per_minute"`
	AvgResponseTimeMs  float64 `json:"avg_response_time_ms"`
	PeakMemoryMb       float64 `json:"peak_memory_mb"`
	CurrentMemoryMb    float64 `json:"current_memory_mb"`
	UptimeSeconds      float64 `json:"uptime_seconds"`
	LastJobExtractedAt string  `json:"last_job_extracted_at,omitempty"`
}
