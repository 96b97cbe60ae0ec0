package models

import "time"

// RiskLevel drives navigation timeouts and default politeness for a domain
type RiskLevel string

const (
	RiskHigh   RiskLevel = "HIGH"
	RiskMedium RiskLevel = "MEDIUM"
	RiskLow    RiskLevel = "LOW"
)

// RateLimitConfig is the static politeness profile for a host. Unknown
// hosts fall back to the default profile.
type RateLimitConfig struct {
	MaxRequestsPerMinute    int       `json:"max_requests_per_minute" yaml:"max_requests_per_minute"`
	MinDelayMs              int       `json:"min_delay_ms" yaml:"min_delay_ms"`
	JitterMs                int       `json:"jitter_ms" yaml:"jitter_ms"`
	MaxConcurrentPerDomain  int       `json:"max_concurrent_per_domain" yaml:"max_concurrent_per_domain"`
	RiskLevel               RiskLevel `json:"risk_level" yaml:"risk_level"`
	BusinessHoursMultiplier float64   `json:"business_hours_multiplier" yaml:"business_hours_multiplier"`
	BackoffMultiplier       float64   `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	MaxBackoffMs            int       `json:"max_backoff_ms" yaml:"max_backoff_ms"`
}

// ViolationRecord is one rate-limit or soft-block event in the bounded ledger
type ViolationRecord struct {
	Domain     string    `json:"domain"`
	Reason     string    `json:"reason"`
	StatusCode int       `json:"status_code,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	BackoffMs  int64     `json:"backoff_ms"`
	Attempt    int       `json:"attempt"`
}

// DomainStats is the externally visible view of a domain's scheduler state
type DomainStats struct {
	Domain           string     `json:"domain"`
	RequestsInWindow int        `json:"requests_in_window"`
	Active           int        `json:"active"`
	LastRequestAt    *time.Time `json:"last_request_at,omitempty"`
	TotalRequests    int64      `json:"total_requests"`
	TotalBlocked     int64      `json:"total_blocked"`
	BackoffAttempt   int        `json:"backoff_attempt"`
}

// RateLimitReport is the persisted rate-limit state summary
// (storage/rate-limit-report.json)
type RateLimitReport struct {
	GeneratedAt      string            `json:"generated_at"`
	DomainStats      []DomainStats     `json:"domain_stats"`
	ViolationHistory []ViolationRecord `json:"violation_history"`
}
