package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sankalpsthakur/scope3-reduce/internal/model"
)

type scanRequest struct {
	PeriodKey string `json:"period_key"`
}

// handleRunScan executes the quality rule set for a period and reconciles
// the anomaly ledger.
func (s *Server) handleRunScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PeriodKey == "" {
		writeBadRequest(w, "period_key is required")
		return
	}
	report, err := s.scanner.Run(r.Context(), req.PeriodKey, actorFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListAnomalies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.AnomalyFilter{
		PeriodKey: q.Get("period_key"),
		Status:    model.AnomalyStatus(q.Get("status")),
		Severity:  model.AnomalySeverity(q.Get("severity")),
		RuleID:    q.Get("rule_id"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	anomalies, err := s.scanner.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, anomalies)
}

type setStatusRequest struct {
	Status   model.AnomalyStatus `json:"status"`
	Revision int64               `json:"revision"`
}

// handleSetAnomalyStatus applies a triage decision. The client sends the
// revision it last read; a stale revision gets 409 and must re-read.
func (s *Server) handleSetAnomalyStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "anomalyID")
	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if err := s.scanner.SetStatus(r.Context(), id, req.Status, actorFrom(r.Context()), req.Revision); err != nil {
		writeError(w, err)
		return
	}
	a, err := s.store.GetAnomaly(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleGetLock(w http.ResponseWriter, r *http.Request) {
	periodKey := chi.URLParam(r, "periodKey")
	status, err := s.gate.Status(r.Context(), periodKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleLockPeriod closes a reporting period. Locking is one-way and
// idempotent.
func (s *Server) handleLockPeriod(w http.ResponseWriter, r *http.Request) {
	periodKey := chi.URLParam(r, "periodKey")
	if err := s.gate.Lock(r.Context(), periodKey, actorFrom(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	status, err := s.gate.Status(r.Context(), periodKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleExportAnomalies streams the anomaly workbook for a period.
func (s *Server) handleExportAnomalies(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if !s.export.Allow(actor) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "export rate limit exceeded"})
		return
	}
	periodKey := r.URL.Query().Get("period_key")
	if periodKey == "" {
		writeBadRequest(w, "period_key is required")
		return
	}
	data, err := s.exporter.Anomalies(r.Context(), periodKey, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	filename := "anomalies-" + periodKey + "-" + time.Now().UTC().Format("20060102") + ".xlsx"
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
