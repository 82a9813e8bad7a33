package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"

	"github.com/sankalpsthakur/scope3-reduce/internal/model"
	"github.com/sankalpsthakur/scope3-reduce/internal/store"
)

func (s *Server) handleListBenchmarks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SupplierFilter{
		PeriodKey:    q.Get("period_key"),
		Category:     q.Get("category"),
		RatingPrefix: q.Get("rating"),
		SortBy:       q.Get("sort_by"),
		SortAsc:      q.Get("sort_order") == "asc",
	}
	for key, dst := range map[string]*float64{
		"min_impact":    &filter.MinImpact,
		"max_impact":    &filter.MaxImpact,
		"min_reduction": &filter.MinReduction,
	} {
		if raw := q.Get(key); raw != "" {
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				writeBadRequest(w, key+" must be numeric")
				return
			}
			*dst = f
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	benchmarks, err := s.store.ListSupplierBenchmarks(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, benchmarks)
}

type heatmapCell struct {
	ID                    string  `json:"id"`
	SupplierName          string  `json:"supplier_name"`
	Category              string  `json:"category"`
	SupplierIntensity     float64 `json:"supplier_intensity"`
	PotentialReductionPct float64 `json:"potential_reduction_pct"`
	CEERating             string  `json:"cee_rating"`
}

// handleHeatmap serves the intensity-visualization projection of the
// benchmark table.
func (s *Server) handleHeatmap(w http.ResponseWriter, r *http.Request) {
	benchmarks, err := s.store.ListSupplierBenchmarks(r.Context(), store.SupplierFilter{
		PeriodKey: r.URL.Query().Get("period_key"),
		Limit:     500,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	cells := make([]heatmapCell, 0, len(benchmarks))
	for _, b := range benchmarks {
		cells = append(cells, heatmapCell{
			ID:                    b.ID,
			SupplierName:          b.SupplierName,
			Category:              b.Category,
			SupplierIntensity:     b.SupplierIntensity,
			PotentialReductionPct: b.PotentialReductionPct,
			CEERating:             b.CEERating,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"heatmap_data": cells})
}

func (s *Server) handleGetBenchmark(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "benchmarkID")
	b, err := s.store.GetSupplierBenchmark(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if b == nil {
		writeError(w, model.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// handleDeepDive serves the cached reduction plan for a benchmark. Plan
// generation happens out of band; an uncached benchmark is a 404.
func (s *Server) handleDeepDive(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if !s.deepDive.Allow(actor) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "deep dive rate limit exceeded"})
		return
	}
	id := chi.URLParam(r, "benchmarkID")
	b, err := s.store.GetSupplierBenchmark(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if b == nil {
		writeError(w, model.ErrNotFound)
		return
	}
	rec, err := s.store.GetRecommendation(r.Context(), b.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if rec == nil {
		writeError(w, eris.Wrapf(model.ErrNotFound, "no recommendation cached for benchmark %s", b.ID))
		return
	}
	status, err := s.evidenceStatus(r.Context(), b)
	if err != nil {
		writeError(w, err)
		return
	}
	rec.EvidenceStatus = status
	writeJSON(w, http.StatusOK, rec)
}

// evidenceStatus summarizes the open evidence anomalies against a benchmark
// so the deep dive can flag under-evidenced plans instead of serving them
// as verified.
func (s *Server) evidenceStatus(ctx context.Context, b *model.SupplierBenchmark) (string, error) {
	anomalies, err := s.store.ListAnomalies(ctx, model.AnomalyFilter{
		PeriodKey: b.PeriodKey,
		Status:    model.AnomalyOpen,
	})
	if err != nil {
		return "", err
	}
	status := "verified"
	for _, a := range anomalies {
		if a.Target.EntityType != "supplier_benchmark" || a.Target.EntityID != b.ID {
			continue
		}
		switch a.RuleID {
		case "missing-provenance":
			return "unverified", nil
		case "insufficient-evidence-context":
			status = "insufficient"
		}
	}
	return status, nil
}

func (s *Server) handleListEngagements(w http.ResponseWriter, r *http.Request) {
	engagements, err := s.store.ListEngagements(r.Context(), actorFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if engagements == nil {
		engagements = []model.Engagement{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"engagements": engagements})
}

func (s *Server) handleGetEngagement(w http.ResponseWriter, r *http.Request) {
	supplierID := chi.URLParam(r, "supplierID")
	e, err := s.store.GetEngagement(r.Context(), actorFrom(r.Context()), supplierID)
	if err != nil {
		writeError(w, err)
		return
	}
	if e == nil {
		writeError(w, model.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type putEngagementRequest struct {
	Status         model.EngagementStatus `json:"status"`
	Notes          string                 `json:"notes"`
	NextActionDate string                 `json:"next_action_date"`
	PeriodKey      string                 `json:"period_key"`
}

// handlePutEngagement upserts the caller's outreach record for a supplier
// and appends a history entry.
func (s *Server) handlePutEngagement(w http.ResponseWriter, r *http.Request) {
	supplierID := chi.URLParam(r, "supplierID")
	actor := actorFrom(r.Context())
	var req putEngagementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	switch req.Status {
	case model.EngagementNotStarted, model.EngagementInProgress,
		model.EngagementPendingResponse, model.EngagementCompleted, model.EngagementOnHold:
	default:
		writeBadRequest(w, "unknown engagement status")
		return
	}
	if req.PeriodKey == "" {
		writeBadRequest(w, "period_key is required")
		return
	}

	now := time.Now().UTC()
	existing, err := s.store.GetEngagement(r.Context(), actor, supplierID)
	if err != nil {
		writeError(w, err)
		return
	}
	e := model.Engagement{
		UserID:     actor,
		SupplierID: supplierID,
		PeriodKey:  req.PeriodKey,
		CreatedAt:  now,
	}
	if existing != nil {
		e = *existing
		e.PeriodKey = req.PeriodKey
	}
	e.Status = req.Status
	e.Notes = req.Notes
	e.NextActionDate = req.NextActionDate
	e.UpdatedAt = now
	e.History = append(e.History, model.EngagementEntry{
		Status:    req.Status,
		Notes:     req.Notes,
		Timestamp: now,
	})

	err = s.gate.Guard(r.Context(), e.PeriodKey, func(ctx context.Context) error {
		return s.store.PutEngagement(ctx, e)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.sink.Emit("engagement.update", "engagement", e.SupplierID, actor)
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	events, err := s.store.ListAuditEvents(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}
