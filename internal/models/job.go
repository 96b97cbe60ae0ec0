package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// SourceTier identifies the cost/risk group a source adapter belongs to.
// Tiers are ordered: API and RSS feeds run before plain HTTP, and
// headless-browser scraping runs only when the escalation predicate fires.
type SourceTier string

const (
	TierPrimaryAPI   SourceTier = "primary_api"
	TierSecondaryRSS SourceTier = "secondary_rss"
	TierTertiaryHTTP SourceTier = "tertiary_http"
	TierHeadless     SourceTier = "headless"
)

// NonHeadlessTiers returns the tier groups the orchestrator runs in order
// before evaluating the headless escalation predicate.
func NonHeadlessTiers() []SourceTier {
	return []SourceTier{TierPrimaryAPI, TierSecondaryRSS, TierTertiaryHTTP}
}

// Query is an immutable search input
type Query struct {
	Keywords   string `json:"keywords"`
	Location   string `json:"location,omitempty"`
	MaxResults int    `json:"max_results,omitempty"`
}

// RawJob is the shape source adapters emit. All fields are strings and the
// record has no identity until it is promoted to a JobRecord.
type RawJob struct {
	Title         string `json:"title" validate:"min=2"`
	Company       string `json:"company"`
	Location      string `json:"location,omitempty"`
	Description   string `json:"description"`
	URL           string `json:"url" validate:"url"`
	ApplyURL      string `json:"apply_url,omitempty"`
	Salary        string `json:"salary,omitempty"`
	JobType       string `json:"job_type,omitempty"`
	Experience    string `json:"experience,omitempty"`
	PostedDate    string `json:"posted_date,omitempty"`
	Seniority     string `json:"seniority,omitempty"`
	Source        string `json:"source"`
	PlatformJobID string `json:"platform_job_id,omitempty"`
	SourceTier    string `json:"source_tier,omitempty"`
}

// JobRecord is a validated RawJob stamped with collection metadata.
// Immutable after promotion.
type JobRecord struct {
	RawJob
	ScrapedAt string `json:"scraped_at" validate:"required"`
	Platform  string `json:"platform" validate:"required"`
}

// Fingerprint returns the stable identity hash persisted to the jobs table.
// SHA-256 of "url||title||company", hex encoded.
func (j *JobRecord) Fingerprint() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s||%s||%s", j.URL, j.Title, j.Company)))
	return hex.EncodeToString(sum[:])
}

// SourceResult is the per-adapter aggregation contract. Adapters own their
// timeouts and report failures through Err rather than panicking.
type SourceResult struct {
	Source     string     `json:"source"`
	Tier       SourceTier `json:"tier"`
	Jobs       []RawJob   `json:"jobs"`
	DurationMs int64      `json:"duration_ms"`
	Err        string     `json:"error,omitempty"`
}
