package models

// Severity of an individual check or an aggregate report
type Severity string

const (
	SeverityHealthy  Severity = "healthy"
	SeverityDegraded Severity = "degraded"
	SeverityCritical Severity = "critical"
)

// CheckSeverity is the weight a failing check carries
type CheckSeverity string

const (
	CheckWarning  CheckSeverity = "warning"
	CheckCritical CheckSeverity = "critical"
)

// HealthCheck is the outcome of a single threshold evaluation
type HealthCheck struct {
	Name      string        `json:"name"`
	Passed    bool          `json:"passed"`
	Severity  CheckSeverity `json:"severity"`
	Reason    string        `json:"reason"`
	Value     string        `json:"value"`
	Threshold string        `json:"threshold"`
}

// HealthReport aggregates all checks over a metrics snapshot.
// Aggregate severity is the max severity of any failing check.
type HealthReport struct {
	GeneratedAt string          `json:"generated_at"`
	Severity    Severity        `json:"severity"`
	Checks      []HealthCheck   `json:"checks"`
	Summary     string          `json:"summary"`
	Snapshot    MetricsSnapshot `json:"snapshot"`
}
