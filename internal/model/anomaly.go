package model

import "time"

// AnomalySeverity grades a quality finding.
type AnomalySeverity string

const (
	SeverityLow    AnomalySeverity = "low"
	SeverityMedium AnomalySeverity = "medium"
	SeverityHigh   AnomalySeverity = "high"
)

// AnomalyStatus is the lifecycle state of a quality finding.
type AnomalyStatus string

const (
	AnomalyOpen     AnomalyStatus = "open"
	AnomalyIgnored  AnomalyStatus = "ignored"
	AnomalyResolved AnomalyStatus = "resolved"
	// AnomalyStale marks open findings whose condition stopped triggering,
	// under the mark-stale reconcile policy.
	AnomalyStale AnomalyStatus = "stale"
)

// Anomaly is one live instance of a triggered quality rule. At most one
// record exists per (RuleID, Target) pair; scans upsert rather than
// duplicate. Revision supports compare-and-set status updates so a scan
// cannot silently overwrite a human decision.
type Anomaly struct {
	ID         string          `json:"id"`
	RuleID     string          `json:"rule_id"`
	Target     TargetRef       `json:"target"`
	PeriodKey  string          `json:"period_key"`
	Severity   AnomalySeverity `json:"severity"`
	Message    string          `json:"message"`
	Status     AnomalyStatus   `json:"status"`
	Revision   int64           `json:"revision"`
	FirstSeen  time.Time       `json:"first_seen"`
	LastSeen   time.Time       `json:"last_seen"`
	ResolvedBy string          `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

// Finding is the raw tuple a rule yields; the scanner turns findings into
// anomaly upserts.
type Finding struct {
	RuleID   string
	Target   TargetRef
	Severity AnomalySeverity
	Message  string
}

// AnomalyFilter narrows ListAnomalies.
type AnomalyFilter struct {
	PeriodKey string          `json:"period_key,omitempty"`
	Status    AnomalyStatus   `json:"status,omitempty"`
	Severity  AnomalySeverity `json:"severity,omitempty"`
	RuleID    string          `json:"rule_id,omitempty"`
	Limit     int             `json:"limit,omitempty"`
}
