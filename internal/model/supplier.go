package model

import "time"

// SupplierBenchmark pairs a supplier with its best-in-class peer for one
// scope 3 category and reporting period.
type SupplierBenchmark struct {
	ID                    string    `json:"id"`
	SupplierID            string    `json:"supplier_id"`
	SupplierName          string    `json:"supplier_name"`
	PeerID                string    `json:"peer_id"`
	PeerName              string    `json:"peer_name"`
	Category              string    `json:"category"`
	CEERating             string    `json:"cee_rating"`
	SupplierIntensity     float64   `json:"supplier_intensity"`
	PeerIntensity         float64   `json:"peer_intensity"`
	PotentialReductionPct float64   `json:"potential_reduction_pct"`
	UpstreamImpactPct     float64   `json:"upstream_impact_pct"`
	IndustrySector        string    `json:"industry_sector"`
	RevenueBand           string    `json:"revenue_band"`
	AnnualSpendUSD        float64   `json:"annual_spend_usd,omitempty"`
	PeriodKey             string    `json:"period_key"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// EngagementStatus tracks outreach progress with a supplier.
type EngagementStatus string

const (
	EngagementNotStarted      EngagementStatus = "not_started"
	EngagementInProgress      EngagementStatus = "in_progress"
	EngagementPendingResponse EngagementStatus = "pending_response"
	EngagementCompleted       EngagementStatus = "completed"
	EngagementOnHold          EngagementStatus = "on_hold"
)

// EngagementEntry is one append-only history item.
type EngagementEntry struct {
	Status    EngagementStatus `json:"status"`
	Notes     string           `json:"notes,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Engagement is the per-user, per-supplier outreach record.
type Engagement struct {
	UserID         string            `json:"user_id"`
	SupplierID     string            `json:"supplier_id"`
	Status         EngagementStatus  `json:"status"`
	Notes          string            `json:"notes,omitempty"`
	NextActionDate string            `json:"next_action_date,omitempty"`
	PeriodKey      string            `json:"period_key"`
	History        []EngagementEntry `json:"history"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// ActionStep is one step of a recommendation's action plan.
type ActionStep struct {
	Step     int    `json:"step"`
	Title    string `json:"title"`
	Detail   string `json:"detail"`
	Citation string `json:"citation,omitempty"`
}

// Citation points a recommendation claim at source material.
type Citation struct {
	Title      string `json:"title"`
	URL        string `json:"url,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
	Page       int    `json:"page,omitempty"`
	Quote      string `json:"quote,omitempty"`
}

// RecommendationContent is the cached reduction plan for one benchmark.
type RecommendationContent struct {
	BenchmarkID         string       `json:"benchmark_id"`
	Headline            string       `json:"headline"`
	ActionPlan          []ActionStep `json:"action_plan"`
	CaseStudySummary    string       `json:"case_study_summary"`
	ContractClause      string       `json:"contract_clause"`
	SourceCitations     []Citation   `json:"source_citations"`
	FeasibilityTimeline string       `json:"feasibility_timeline"`
	EvidenceStatus      string       `json:"evidence_status,omitempty"`
	GeneratedAt         time.Time    `json:"generated_at"`
}

// Session maps an opaque token to a user until it expires. Authentication
// itself happens upstream; this service only resolves tokens to actors.
type Session struct {
	Token     string    `json:"-"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}
