package extract

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sankalpsthakur/scope3-reduce/internal/audit"
	"github.com/sankalpsthakur/scope3-reduce/internal/model"
	"github.com/sankalpsthakur/scope3-reduce/internal/render"
	"github.com/sankalpsthakur/scope3-reduce/internal/store"
)

// Result is a persisted extraction generation.
type Result struct {
	ArtifactID string           `json:"artifact_id"`
	Generation int              `json:"generation"`
	Blocks     []model.OCRBlock `json:"blocks"`
}

// Service runs extractors over rendered pages and persists the output as
// append-only generations. Re-running extraction never rewrites earlier
// generations; it appends the next one.
type Service struct {
	store     store.Store
	renderer  *render.Renderer
	extractor Extractor
	sink      *audit.Sink
	group     singleflight.Group
}

func NewService(st store.Store, r *render.Renderer, ex Extractor, sink *audit.Sink) *Service {
	return &Service{store: st, renderer: r, extractor: ex, sink: sink}
}

// Page extracts blocks from one page, rendering it first if needed.
// Concurrent calls for the same artifact collapse into a single generation.
// When the configured extractor is unavailable the deterministic fallback
// runs instead, so the call still yields blocks.
func (s *Service) Page(ctx context.Context, documentID string, page int, params model.RenderParams, actor string) (*Result, error) {
	rp, err := s.renderer.Page(ctx, documentID, page, params)
	if err != nil {
		return nil, err
	}

	res, err, _ := s.group.Do(rp.Artifact.ID, func() (any, error) {
		// Waiters with live contexts share this work; detach it from the
		// leader's context so one abandoned request does not fail the rest.
		return s.extractArtifact(context.WithoutCancel(ctx), documentID, page, rp, actor)
	})
	if err != nil {
		return nil, err
	}
	return res.(*Result), nil
}

func (s *Service) extractArtifact(ctx context.Context, documentID string, page int, rp *render.RenderedPage, actor string) (*Result, error) {
	source, _, err := s.renderer.Source(ctx, documentID)
	if err != nil {
		return nil, err
	}
	pages, err := render.SplitPages(source)
	if err != nil {
		return nil, err
	}

	input := PageInput{
		Image:  rp.Data,
		Text:   pages[page-1],
		Width:  rp.Artifact.Width,
		Height: rp.Artifact.Height,
	}

	extractor := s.extractor
	raw, err := extractor.Extract(ctx, input)
	if err != nil {
		if !eris.Is(err, model.ErrExtractorUnavailable) {
			return nil, err
		}
		zap.L().Warn("extractor unavailable, using fallback",
			zap.String("extractor", extractor.Name()),
			zap.String("document_id", documentID),
			zap.Int("page", page))
		extractor = NewFallback(0)
		if raw, err = extractor.Extract(ctx, input); err != nil {
			return nil, err
		}
	}

	latest, err := s.store.LatestGeneration(ctx, rp.Artifact.ID)
	if err != nil {
		return nil, err
	}
	generation := latest + 1

	now := time.Now().UTC()
	blocks := make([]model.OCRBlock, 0, len(raw))
	for i, b := range raw {
		blocks = append(blocks, model.OCRBlock{
			ID:         uuid.NewString(),
			ArtifactID: rp.Artifact.ID,
			Generation: generation,
			OrderIndex: i,
			Box:        b.Box,
			Text:       b.Text,
			Confidence: b.Confidence,
			Extractor:  extractor.Name(),
			CreatedAt:  now,
		})
	}
	if err := s.store.InsertBlocks(ctx, blocks); err != nil {
		return nil, err
	}

	s.sink.Emit("extraction.run", "page_artifact", rp.Artifact.ID, actor)
	zap.L().Info("extraction generation written",
		zap.String("artifact_id", rp.Artifact.ID),
		zap.Int("generation", generation),
		zap.Int("blocks", len(blocks)),
		zap.String("extractor", extractor.Name()))
	return &Result{ArtifactID: rp.Artifact.ID, Generation: generation, Blocks: blocks}, nil
}

// Blocks returns a persisted generation; generation 0 means latest. An
// artifact with no generations yet returns ErrNotFound.
func (s *Service) Blocks(ctx context.Context, artifactID string, generation int) (*Result, error) {
	if generation == 0 {
		latest, err := s.store.LatestGeneration(ctx, artifactID)
		if err != nil {
			return nil, err
		}
		if latest == 0 {
			return nil, eris.Wrapf(model.ErrNotFound, "artifact %s has no extraction", artifactID)
		}
		generation = latest
	}
	blocks, err := s.store.GetBlocks(ctx, artifactID, generation)
	if err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return nil, eris.Wrap(model.ErrNotFound, fmt.Sprintf("artifact %s generation %d", artifactID, generation))
	}
	return &Result{ArtifactID: artifactID, Generation: generation, Blocks: blocks}, nil
}
