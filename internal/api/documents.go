package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sankalpsthakur/scope3-reduce/internal/model"
)

// maxUploadBytes caps source uploads at 32 MiB.
const maxUploadBytes = 32 << 20

// handleUploadDocument accepts a multipart upload (file + period_key) and
// stores it encrypted. Re-uploading identical bytes returns the existing
// document.
func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeBadRequest(w, "expected multipart form upload")
		return
	}
	periodKey := r.FormValue("period_key")
	if periodKey == "" {
		writeBadRequest(w, "period_key is required")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeBadRequest(w, "file field is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		writeError(w, err)
		return
	}
	if len(data) == 0 {
		writeBadRequest(w, "file is empty")
		return
	}
	if len(data) > maxUploadBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "file exceeds upload limit"})
		return
	}
	doc, err := s.vault.Put(r.Context(), periodKey, header.Filename, data, actorFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

// handleListDocuments returns per-document pipeline status for a period.
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	periodKey := r.URL.Query().Get("period_key")
	if periodKey == "" {
		writeBadRequest(w, "period_key is required")
		return
	}
	statuses, err := s.store.ListDocumentStatus(r.Context(), periodKey)
	if err != nil {
		writeError(w, err)
		return
	}
	type docStatus struct {
		model.Document
		RenderedAt  any `json:"rendered_at"`
		ExtractedAt any `json:"extracted_at"`
	}
	out := make([]docStatus, 0, len(statuses))
	for _, st := range statuses {
		ds := docStatus{Document: st.Document}
		if st.RenderedAt != nil {
			ds.RenderedAt = *st.RenderedAt
		}
		if st.ExtractedAt != nil {
			ds.ExtractedAt = *st.ExtractedAt
		}
		out = append(out, ds)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "documentID")
	doc, err := s.store.GetDocument(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if doc.Deleted {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "document deleted"})
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "documentID")
	if err := s.vault.Delete(r.Context(), id, actorFrom(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// renderParamsFromQuery reads optional dpi/format/width/height overrides.
func renderParamsFromQuery(r *http.Request) (model.RenderParams, bool) {
	var p model.RenderParams
	q := r.URL.Query()
	for key, dst := range map[string]*int{"dpi": &p.DPI, "width": &p.Width, "height": &p.Height} {
		if raw := q.Get(key); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				return p, false
			}
			*dst = n
		}
	}
	p.Format = q.Get("format")
	return p, true
}

// handleRenderPage serves a rendered page image, producing and caching it
// on first request.
func (s *Server) handleRenderPage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "documentID")
	page, err := strconv.Atoi(chi.URLParam(r, "page"))
	if err != nil || page < 1 {
		writeBadRequest(w, "page must be a positive integer")
		return
	}
	params, ok := renderParamsFromQuery(r)
	if !ok {
		writeBadRequest(w, "dpi, width and height must be positive integers")
		return
	}
	rp, err := s.renderer.Page(r.Context(), id, page, params)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/"+rp.Artifact.Format)
	w.Header().Set("ETag", `"`+rp.Artifact.ContentHash+`"`)
	w.Header().Set("Cache-Control", "private, max-age=86400")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rp.Data)
}

// handleExtractPage runs block extraction for a page and returns the new
// generation.
func (s *Server) handleExtractPage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "documentID")
	page, err := strconv.Atoi(chi.URLParam(r, "page"))
	if err != nil || page < 1 {
		writeBadRequest(w, "page must be a positive integer")
		return
	}
	params, ok := renderParamsFromQuery(r)
	if !ok {
		writeBadRequest(w, "dpi, width and height must be positive integers")
		return
	}
	res, err := s.extract.Page(r.Context(), id, page, params, actorFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleGetBlocks returns extracted blocks for an artifact. generation=0
// (or absent) means latest.
func (s *Server) handleGetBlocks(w http.ResponseWriter, r *http.Request) {
	artifactID := chi.URLParam(r, "artifactID")
	generation := 0
	if raw := r.URL.Query().Get("generation"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeBadRequest(w, "generation must be a non-negative integer")
			return
		}
		generation = n
	}
	res, err := s.extract.Blocks(r.Context(), artifactID, generation)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
