package quality

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/sankalpsthakur/scope3-reduce/internal/model"
	"github.com/sankalpsthakur/scope3-reduce/internal/store"
)

// Snapshot is the immutable view of one period that rules evaluate. AsOf is
// captured once so every rule sees the same clock.
type Snapshot struct {
	PeriodKey       string
	AsOf            time.Time
	Benchmarks      []model.SupplierBenchmark
	Provenance      []model.FieldProvenance
	Documents       []store.DocumentStatus
	Recommendations map[string]model.RecommendationContent

	provByField map[string]int
	locByField  map[string]map[string]struct{}
}

// BuildSnapshot loads everything rules need for one period. The four reads
// fan out concurrently; AsOf is captured before any of them start.
func BuildSnapshot(ctx context.Context, st store.Store, periodKey string) (*Snapshot, error) {
	snap := &Snapshot{
		PeriodKey: periodKey,
		AsOf:      time.Now().UTC(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		benchmarks, err := st.ListSupplierBenchmarks(gctx, store.SupplierFilter{PeriodKey: periodKey, Limit: 10000})
		if err != nil {
			return eris.Wrap(err, "quality: load benchmarks")
		}
		snap.Benchmarks = benchmarks
		return nil
	})
	g.Go(func() error {
		prov, err := st.ListProvenanceByPeriod(gctx, periodKey)
		if err != nil {
			return eris.Wrap(err, "quality: load provenance")
		}
		snap.Provenance = prov
		return nil
	})
	g.Go(func() error {
		docs, err := st.ListDocumentStatus(gctx, periodKey)
		if err != nil {
			return eris.Wrap(err, "quality: load documents")
		}
		snap.Documents = docs
		return nil
	})
	g.Go(func() error {
		recs, err := st.ListRecommendationsByPeriod(gctx, periodKey)
		if err != nil {
			return eris.Wrap(err, "quality: load recommendations")
		}
		snap.Recommendations = recs
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap.provByField = make(map[string]int, len(snap.Provenance))
	snap.locByField = make(map[string]map[string]struct{}, len(snap.Provenance))
	for _, fp := range snap.Provenance {
		key := model.TargetRef{EntityType: fp.EntityType, EntityID: fp.EntityID, FieldPath: fp.FieldPath}.Key()
		snap.provByField[key]++
		locs := snap.locByField[key]
		if locs == nil {
			locs = make(map[string]struct{})
			snap.locByField[key] = locs
		}
		locs[locationKey(fp.Evidence)] = struct{}{}
	}
	return snap, nil
}

// locationKey canonicalizes an evidence reference to the spot it points at,
// so two links to the same place count as one location.
func locationKey(e model.EvidenceRef) string {
	switch {
	case e.BlockID != "":
		return fmt.Sprintf("%s|%d|b:%s", e.DocumentID, e.Page, e.BlockID)
	case e.Box != nil:
		return fmt.Sprintf("%s|%d|r:%d,%d,%d,%d", e.DocumentID, e.Page, e.Box.X, e.Box.Y, e.Box.Width, e.Box.Height)
	default:
		return fmt.Sprintf("%s|%d", e.DocumentID, e.Page)
	}
}

// ProvenanceCount returns how many evidence edges back one field.
func (s *Snapshot) ProvenanceCount(entityType, entityID, fieldPath string) int {
	return s.provByField[model.TargetRef{EntityType: entityType, EntityID: entityID, FieldPath: fieldPath}.Key()]
}

// EvidenceLocations counts distinct evidence locations for a benchmark
// field: provenance edges plus the cached recommendation's document-backed
// citations, deduplicated by (document, page, block/region) so repeated
// links to one spot never satisfy the minimum.
func (s *Snapshot) EvidenceLocations(benchmarkID, fieldPath string) int {
	key := model.TargetRef{EntityType: "supplier_benchmark", EntityID: benchmarkID, FieldPath: fieldPath}.Key()
	locs := make(map[string]struct{}, len(s.locByField[key]))
	for l := range s.locByField[key] {
		locs[l] = struct{}{}
	}
	if rec, ok := s.Recommendations[benchmarkID]; ok {
		for _, c := range rec.SourceCitations {
			if c.DocumentID != "" {
				locs[locationKey(model.EvidenceRef{DocumentID: c.DocumentID, Page: c.Page})] = struct{}{}
			}
		}
	}
	return len(locs)
}
