// Package api exposes the evidence platform over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sankalpsthakur/scope3-reduce/internal/audit"
	"github.com/sankalpsthakur/scope3-reduce/internal/config"
	"github.com/sankalpsthakur/scope3-reduce/internal/extract"
	"github.com/sankalpsthakur/scope3-reduce/internal/lock"
	"github.com/sankalpsthakur/scope3-reduce/internal/model"
	"github.com/sankalpsthakur/scope3-reduce/internal/provenance"
	"github.com/sankalpsthakur/scope3-reduce/internal/quality"
	"github.com/sankalpsthakur/scope3-reduce/internal/render"
	"github.com/sankalpsthakur/scope3-reduce/internal/report"
	"github.com/sankalpsthakur/scope3-reduce/internal/store"
	"github.com/sankalpsthakur/scope3-reduce/internal/vault"
)

// Server wires every service behind the HTTP API.
type Server struct {
	store    store.Store
	vault    *vault.Vault
	renderer *render.Renderer
	extract  *extract.Service
	graph    *provenance.Graph
	scanner  *quality.Scanner
	gate     *lock.Gate
	exporter *report.Exporter
	sink     *audit.Sink

	deepDive *actorLimiter
	export   *actorLimiter
}

func NewServer(
	st store.Store,
	v *vault.Vault,
	r *render.Renderer,
	ex *extract.Service,
	g *provenance.Graph,
	sc *quality.Scanner,
	gate *lock.Gate,
	exp *report.Exporter,
	sink *audit.Sink,
	cfg config.ServerConfig,
) *Server {
	return &Server{
		store:    st,
		vault:    v,
		renderer: r,
		extract:  ex,
		graph:    g,
		scanner:  sc,
		gate:     gate,
		exporter: exp,
		sink:     sink,
		deepDive: newActorLimiter(cfg.DeepDivePerMinute),
		export:   newActorLimiter(cfg.ExportPerMinute),
	}
}

// Router builds the chi router with CORS, auth and rate limiting.
func (s *Server) Router(cfg config.ServerConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Post("/api/auth/session", s.handleCreateSession)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		// Evidence pipeline
		r.Post("/api/documents", s.handleUploadDocument)
		r.Get("/api/documents", s.handleListDocuments)
		r.Get("/api/documents/{documentID}", s.handleGetDocument)
		r.Delete("/api/documents/{documentID}", s.handleDeleteDocument)
		r.Get("/api/documents/{documentID}/pages/{page}", s.handleRenderPage)
		r.Post("/api/documents/{documentID}/pages/{page}/extract", s.handleExtractPage)
		r.Get("/api/artifacts/{artifactID}/blocks", s.handleGetBlocks)

		// Provenance graph
		r.Post("/api/provenance", s.handleLinkProvenance)
		r.Get("/api/provenance/{entityType}/{entityID}", s.handleListProvenance)
		r.Delete("/api/provenance/{provenanceID}", s.handleUnlinkProvenance)

		// Quality and locking
		r.Post("/api/quality/scan", s.handleRunScan)
		r.Get("/api/anomalies", s.handleListAnomalies)
		r.Put("/api/anomalies/{anomalyID}/status", s.handleSetAnomalyStatus)
		r.Get("/api/periods/{periodKey}/lock", s.handleGetLock)
		r.Post("/api/periods/{periodKey}/lock", s.handleLockPeriod)
		r.Get("/api/export/anomalies", s.handleExportAnomalies)

		// Supplier dashboard
		r.Get("/api/benchmarks", s.handleListBenchmarks)
		r.Get("/api/benchmarks/heatmap", s.handleHeatmap)
		r.Get("/api/benchmarks/{benchmarkID}", s.handleGetBenchmark)
		r.Get("/api/benchmarks/{benchmarkID}/deep-dive", s.handleDeepDive)
		r.Post("/api/auth/logout", s.handleLogout)
		r.Get("/api/engagements", s.handleListEngagements)
		r.Get("/api/engagements/{supplierID}", s.handleGetEngagement)
		r.Put("/api/engagements/{supplierID}", s.handlePutEngagement)
		r.Get("/api/audit", s.handleListAudit)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

// writeJSON writes a JSON response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps sentinel errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case eris.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case eris.Is(err, model.ErrLocked):
		status = http.StatusLocked
	case eris.Is(err, model.ErrConflict):
		status = http.StatusConflict
	case eris.Is(err, model.ErrStorageUnavailable):
		status = http.StatusServiceUnavailable
	case eris.Is(err, model.ErrPageOutOfRange), eris.Is(err, model.ErrCorruptSource):
		status = http.StatusUnprocessableEntity
	case eris.Is(err, model.ErrInvalid):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		zap.L().Error("request failed", zap.Error(err))
		writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}
