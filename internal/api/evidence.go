package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sankalpsthakur/scope3-reduce/internal/provenance"
)

// handleLinkProvenance records an evidence link for a business field.
func (s *Server) handleLinkProvenance(w http.ResponseWriter, r *http.Request) {
	var req provenance.LinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	fp, err := s.graph.Link(r.Context(), req, actorFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, fp)
}

func (s *Server) handleListProvenance(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	entityID := chi.URLParam(r, "entityID")
	links, err := s.graph.List(r.Context(), entityType, entityID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, links)
}

func (s *Server) handleUnlinkProvenance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "provenanceID")
	if err := s.graph.Unlink(r.Context(), id, actorFrom(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
