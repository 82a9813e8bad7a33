package model

import "time"

// Document is a source file held by the artifact store. Bytes are encrypted
// at rest; ContentHash addresses the plaintext so identical uploads dedupe.
type Document struct {
	ID          string    `json:"id"`
	PeriodKey   string    `json:"period_key"`
	Filename    string    `json:"filename,omitempty"`
	ContentHash string    `json:"content_hash"`
	KeyRef      string    `json:"key_ref"`
	ByteSize    int64     `json:"byte_size"`
	PageCount   int       `json:"page_count"` // 0 until first successful decode
	UploadedBy  string    `json:"uploaded_by"`
	UploadedAt  time.Time `json:"uploaded_at"`
	Deleted     bool      `json:"deleted,omitempty"`
}

// RenderParams control page rasterization and form part of the render cache
// key. Zero values are filled with defaults before hashing.
type RenderParams struct {
	DPI    int    `json:"dpi"`
	Format string `json:"format"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// PageArtifact is one rendered page image. At most one exists per
// (document, page, params hash); it is created lazily and never mutated.
type PageArtifact struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	Page        int       `json:"page"`
	ParamsHash  string    `json:"params_hash"`
	ContentHash string    `json:"content_hash"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	Format      string    `json:"format"`
	CreatedAt   time.Time `json:"created_at"`
}
