package model

import "time"

// Extractor identities recorded on OCR blocks.
const (
	ExtractorAnthropic = "anthropic"
	ExtractorFallback  = "deterministic-fallback"
)

// BoundingBox locates a region in page-image coordinate space.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"w"`
	Height int `json:"h"`
}

// OCRBlock is a positioned text fragment extracted from a page artifact.
// Blocks are immutable; a re-run of extraction appends a new generation and
// the latest generation is authoritative for new provenance links.
type OCRBlock struct {
	ID         string      `json:"id"`
	ArtifactID string      `json:"artifact_id"`
	Generation int         `json:"generation"`
	OrderIndex int         `json:"order_index"`
	Box        BoundingBox `json:"box"`
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	Extractor  string      `json:"extractor"`
	CreatedAt  time.Time   `json:"created_at"`
}

// EvidenceRef points at a location inside a stored document: a page plus
// either an extracted block or a reviewer-drawn box, with an optional quote.
// A block reference is not validated against live blocks; reviewers may cite
// regions no extractor produced.
type EvidenceRef struct {
	DocumentID string       `json:"document_id"`
	Page       int          `json:"page"`
	BlockID    string       `json:"block_id,omitempty"`
	Box        *BoundingBox `json:"box,omitempty"`
	Quote      string       `json:"quote,omitempty"`
}

// FieldProvenance links one field of a business entity to one evidence
// location. Many links per field and many fields per location are allowed.
// PeriodKey is the entity's reporting period, captured at link time; it is
// what the lock gate checks on unlink.
type FieldProvenance struct {
	ID         string      `json:"id"`
	EntityType string      `json:"entity_type"`
	EntityID   string      `json:"entity_id"`
	FieldPath  string      `json:"field_path"`
	PeriodKey  string      `json:"period_key"`
	Evidence   EvidenceRef `json:"evidence"`
	CreatedBy  string      `json:"created_by"`
	CreatedAt  time.Time   `json:"created_at"`
}

// TargetRef identifies the subject of an anomaly.
type TargetRef struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	FieldPath  string `json:"field_path,omitempty"`
}

// Key returns the stable string form used in the anomaly upsert key.
func (t TargetRef) Key() string {
	k := t.EntityType + "/" + t.EntityID
	if t.FieldPath != "" {
		k += "#" + t.FieldPath
	}
	return k
}
