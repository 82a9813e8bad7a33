package store

import (
	"context"
	"time"

	"github.com/sankalpsthakur/scope3-reduce/internal/model"
)

// SupplierFilter specifies criteria for listing supplier benchmarks.
type SupplierFilter struct {
	PeriodKey    string  `json:"period_key,omitempty"`
	Category     string  `json:"category,omitempty"`
	RatingPrefix string  `json:"rating,omitempty"`
	MinImpact    float64 `json:"min_impact,omitempty"`
	MaxImpact    float64 `json:"max_impact,omitempty"`
	MinReduction float64 `json:"min_reduction,omitempty"`
	SortBy       string  `json:"sort_by,omitempty"`
	SortAsc      bool    `json:"sort_asc,omitempty"`
	Limit        int     `json:"limit,omitempty"`
}

// DocumentStatus is a document row joined with its pipeline bookkeeping,
// consumed by the quality scanner's hygiene rule.
type DocumentStatus struct {
	Document    model.Document
	RenderedAt  *time.Time
	ExtractedAt *time.Time
}

// Store defines the persistence interface for the evidence platform.
type Store interface {
	// Documents and encrypted blobs
	CreateDocument(ctx context.Context, doc model.Document) error
	GetDocument(ctx context.Context, id string) (*model.Document, error)
	GetDocumentByHash(ctx context.Context, contentHash string) (*model.Document, error)
	SetDocumentPageCount(ctx context.Context, id string, pages int) error
	SoftDeleteDocument(ctx context.Context, id string) error
	ListDocumentStatus(ctx context.Context, periodKey string) ([]DocumentStatus, error)

	PutBlob(ctx context.Context, artifactID string, ciphertext, nonce []byte) error
	GetBlob(ctx context.Context, artifactID string) (ciphertext, nonce []byte, err error)
	DeleteBlob(ctx context.Context, artifactID string) error

	// Page artifacts
	CreatePageArtifact(ctx context.Context, pa model.PageArtifact) error
	GetPageArtifact(ctx context.Context, id string) (*model.PageArtifact, error)
	FindPageArtifact(ctx context.Context, documentID string, page int, paramsHash string) (*model.PageArtifact, error)
	DeletePageArtifactsForDocument(ctx context.Context, documentID string) ([]string, error)

	// OCR blocks (append-only generations)
	InsertBlocks(ctx context.Context, blocks []model.OCRBlock) error
	LatestGeneration(ctx context.Context, artifactID string) (int, error)
	GetBlocks(ctx context.Context, artifactID string, generation int) ([]model.OCRBlock, error)

	// Provenance graph
	CreateProvenance(ctx context.Context, fp model.FieldProvenance) error
	GetProvenance(ctx context.Context, id string) (*model.FieldProvenance, error)
	ListProvenance(ctx context.Context, entityType, entityID string) ([]model.FieldProvenance, error)
	ListProvenanceByPeriod(ctx context.Context, periodKey string) ([]model.FieldProvenance, error)
	DeleteProvenance(ctx context.Context, id string) error

	// Anomaly ledger
	GetAnomaly(ctx context.Context, id string) (*model.Anomaly, error)
	GetAnomalyByKey(ctx context.Context, ruleID, targetKey string) (*model.Anomaly, error)
	InsertAnomaly(ctx context.Context, a model.Anomaly) error
	UpdateAnomalyScan(ctx context.Context, a model.Anomaly) error
	UpdateAnomalyStatusCAS(ctx context.Context, id string, status model.AnomalyStatus, actor string, expectedRevision int64, now time.Time) error
	ListAnomalies(ctx context.Context, filter model.AnomalyFilter) ([]model.Anomaly, error)

	// Period locks
	GetPeriodLock(ctx context.Context, periodKey string) (*model.PeriodLock, error)
	LockPeriod(ctx context.Context, periodKey, actor string, now time.Time) error

	// Business data
	UpsertSupplierBenchmark(ctx context.Context, b model.SupplierBenchmark) error
	GetSupplierBenchmark(ctx context.Context, identifier string) (*model.SupplierBenchmark, error)
	ListSupplierBenchmarks(ctx context.Context, filter SupplierFilter) ([]model.SupplierBenchmark, error)
	GetEngagement(ctx context.Context, userID, supplierID string) (*model.Engagement, error)
	ListEngagements(ctx context.Context, userID string) ([]model.Engagement, error)
	PutEngagement(ctx context.Context, e model.Engagement) error
	GetRecommendation(ctx context.Context, benchmarkID string) (*model.RecommendationContent, error)
	PutRecommendation(ctx context.Context, rec model.RecommendationContent) error
	ListRecommendationsByPeriod(ctx context.Context, periodKey string) (map[string]model.RecommendationContent, error)

	// Sessions
	CreateSession(ctx context.Context, s model.Session) error
	GetSession(ctx context.Context, token string) (*model.Session, error)
	DeleteSession(ctx context.Context, token string) error

	// Audit
	InsertAuditEvent(ctx context.Context, ev model.AuditEvent) error
	ListAuditEvents(ctx context.Context, limit int) ([]model.AuditEvent, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
