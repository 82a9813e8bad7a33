// Package provenance maintains the links from business field values to the
// exact evidence locations that justify them.
package provenance

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sankalpsthakur/scope3-reduce/internal/audit"
	"github.com/sankalpsthakur/scope3-reduce/internal/lock"
	"github.com/sankalpsthakur/scope3-reduce/internal/model"
	"github.com/sankalpsthakur/scope3-reduce/internal/store"
)

// LinkRequest names a field value and the evidence that backs it.
type LinkRequest struct {
	EntityType string            `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	FieldPath  string            `json:"field_path"`
	PeriodKey  string            `json:"period_key"`
	Evidence   model.EvidenceRef `json:"evidence"`
}

// Graph is the provenance service.
type Graph struct {
	store store.Store
	gate  *lock.Gate
	sink  *audit.Sink
}

func NewGraph(st store.Store, gate *lock.Gate, sink *audit.Sink) *Graph {
	return &Graph{store: st, gate: gate, sink: sink}
}

// Link records a provenance edge. The referenced document must exist, be
// live, and contain the referenced page; a dangling edge is never created.
func (g *Graph) Link(ctx context.Context, req LinkRequest, actor string) (*model.FieldProvenance, error) {
	if req.EntityType == "" || req.EntityID == "" || req.FieldPath == "" {
		return nil, eris.Wrap(model.ErrInvalid, "provenance: entity_type, entity_id and field_path are required")
	}
	if req.PeriodKey == "" {
		return nil, eris.Wrap(model.ErrInvalid, "provenance: period_key is required")
	}
	if req.Evidence.Page < 1 {
		return nil, eris.Wrapf(model.ErrPageOutOfRange, "page %d", req.Evidence.Page)
	}

	doc, err := g.store.GetDocument(ctx, req.Evidence.DocumentID)
	if err != nil {
		return nil, err
	}
	if doc.Deleted {
		return nil, eris.Wrapf(model.ErrNotFound, "document %s is deleted", doc.ID)
	}
	// Page count is known only once the document has been rendered; until
	// then any positive page is accepted and the quality scan flags misses.
	if doc.PageCount > 0 && req.Evidence.Page > doc.PageCount {
		return nil, eris.Wrapf(model.ErrPageOutOfRange, "page %d of %d", req.Evidence.Page, doc.PageCount)
	}
	fp := model.FieldProvenance{
		ID:         uuid.NewString(),
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		FieldPath:  req.FieldPath,
		PeriodKey:  req.PeriodKey,
		Evidence:   req.Evidence,
		CreatedBy:  actor,
		CreatedAt:  time.Now().UTC(),
	}

	err = g.gate.Guard(ctx, req.PeriodKey, func(ctx context.Context) error {
		return g.store.CreateProvenance(ctx, fp)
	})
	if err != nil {
		return nil, err
	}

	g.sink.Emit("provenance.link", "provenance", fp.ID, actor)
	zap.L().Info("provenance linked",
		zap.String("provenance_id", fp.ID),
		zap.String("entity", fp.EntityType+"/"+fp.EntityID),
		zap.String("field", fp.FieldPath),
		zap.String("document_id", fp.Evidence.DocumentID))
	return &fp, nil
}

// List returns every provenance edge for an entity.
func (g *Graph) List(ctx context.Context, entityType, entityID string) ([]model.FieldProvenance, error) {
	return g.store.ListProvenance(ctx, entityType, entityID)
}

// Get returns one edge by id.
func (g *Graph) Get(ctx context.Context, id string) (*model.FieldProvenance, error) {
	return g.store.GetProvenance(ctx, id)
}

// Unlink removes an edge. The lock check uses the period key captured on
// the edge when it was linked, not whatever period the caller claims.
func (g *Graph) Unlink(ctx context.Context, id, actor string) error {
	fp, err := g.store.GetProvenance(ctx, id)
	if err != nil {
		return err
	}

	err = g.gate.Guard(ctx, fp.PeriodKey, func(ctx context.Context) error {
		return g.store.DeleteProvenance(ctx, id)
	})
	if err != nil {
		return err
	}

	g.sink.Emit("provenance.unlink", "provenance", id, actor)
	zap.L().Info("provenance unlinked",
		zap.String("provenance_id", id),
		zap.String("period_key", fp.PeriodKey))
	return nil
}
