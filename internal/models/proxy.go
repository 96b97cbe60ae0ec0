package models

// Anonymity classifies how much of the client a proxy reveals upstream
type Anonymity string

const (
	AnonymityElite       Anonymity = "elite"
	AnonymityAnonymous   Anonymity = "anonymous"
	AnonymityTransparent Anonymity = "transparent"
	AnonymityUnknown     Anonymity = "unknown"
)

// PoolClass distinguishes paid provider pools from scraped free lists.
// Free pools double domain delays and cap headless concurrency.
type PoolClass string

const (
	PoolPaid PoolClass = "paid"
	PoolFree PoolClass = "free"
)

// ValidatedProxy is a proxy that passed the echo-endpoint validation.
// The active pool keeps these sorted by ResponseTimeMs ascending.
type ValidatedProxy struct {
	URL            string    `json:"url"`
	Host           string    `json:"host"`
	Port           int       `json:"port"`
	Protocol       string    `json:"protocol"`
	Source         string    `json:"source"` // "manual" or the free-list aggregator name
	ResponseTimeMs int64     `json:"response_time_ms"`
	Anonymity      Anonymity `json:"anonymity"`
}
