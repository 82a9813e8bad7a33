package extract

import (
	"context"
	"strings"

	"github.com/sankalpsthakur/scope3-reduce/internal/model"
)

// fallbackConfidence marks fallback output as low-trust. Downstream quality
// rules key off this value.
const fallbackConfidence = 0.25

// Fallback slices the page into equal horizontal bands and assigns each
// band its share of the page text. It needs no network and is a pure
// function of its input, so repeated runs yield identical blocks.
type Fallback struct {
	bands int
}

func NewFallback(bands int) *Fallback {
	if bands <= 0 {
		bands = 4
	}
	return &Fallback{bands: bands}
}

func (f *Fallback) Name() string { return model.ExtractorFallback }

func (f *Fallback) Extract(_ context.Context, page PageInput) ([]Block, error) {
	lines := strings.Split(page.Text, "\n")
	bands := f.bands
	if bands > len(lines) {
		bands = len(lines)
	}
	if bands == 0 {
		return nil, nil
	}

	bandHeight := page.Height / f.bands
	perBand := (len(lines) + bands - 1) / bands

	var blocks []Block
	for i := 0; i < bands; i++ {
		start := i * perBand
		if start >= len(lines) {
			break
		}
		end := start + perBand
		if end > len(lines) {
			end = len(lines)
		}
		text := strings.TrimSpace(strings.Join(lines[start:end], "\n"))
		if text == "" {
			continue
		}
		blocks = append(blocks, Block{
			Box: model.BoundingBox{
				X:      0,
				Y:      i * bandHeight,
				Width:  page.Width,
				Height: bandHeight,
			},
			Text:       text,
			Confidence: fallbackConfidence,
		})
	}
	return blocks, nil
}
