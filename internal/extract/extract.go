// Package extract pulls positioned text blocks out of rendered page images.
// Providers are pluggable; every configuration degrades to a deterministic
// fallback so extraction never hard-fails on provider outages.
package extract

import (
	"context"

	"github.com/sankalpsthakur/scope3-reduce/internal/config"
	"github.com/sankalpsthakur/scope3-reduce/internal/model"
)

// PageInput is one rendered page handed to an extractor.
type PageInput struct {
	Image  []byte // encoded page image
	Text   string // decoded page text
	Width  int
	Height int
}

// Block is a positioned text region before it is persisted.
type Block struct {
	Box        model.BoundingBox
	Text       string
	Confidence float64
}

// Extractor produces text blocks from a page.
type Extractor interface {
	// Name identifies the extractor; it is recorded on every block.
	Name() string
	Extract(ctx context.Context, page PageInput) ([]Block, error)
}

// NewExtractor creates the configured extractor. Unknown providers fall back
// to the deterministic extractor rather than failing startup.
func NewExtractor(cfg config.ExtractConfig) Extractor {
	switch cfg.Provider {
	case "anthropic":
		if cfg.AnthropicKey != "" {
			return NewAnthropic(cfg)
		}
	}
	return NewFallback(cfg.FallbackBands)
}
