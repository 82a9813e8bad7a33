// Package render turns stored documents into per-page image artifacts,
// lazily and exactly once per (document, page, params) key.
package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sankalpsthakur/scope3-reduce/internal/config"
	"github.com/sankalpsthakur/scope3-reduce/internal/model"
	"github.com/sankalpsthakur/scope3-reduce/internal/store"
	"github.com/sankalpsthakur/scope3-reduce/internal/vault"
)

// RenderedPage is a cache hit or freshly produced page image.
type RenderedPage struct {
	Artifact model.PageArtifact
	Data     []byte
}

// Renderer fills the page-artifact cache on demand. Concurrent requests for
// the same page collapse into one render via singleflight.
type Renderer struct {
	store    store.Store
	vault    *vault.Vault
	defaults config.RenderConfig
	group    singleflight.Group
}

func NewRenderer(st store.Store, v *vault.Vault, defaults config.RenderConfig) *Renderer {
	return &Renderer{store: st, vault: v, defaults: defaults}
}

// Normalize fills zero-valued params from configured defaults so equivalent
// requests share one cache entry.
func (r *Renderer) Normalize(p model.RenderParams) model.RenderParams {
	if p.DPI <= 0 {
		p.DPI = r.defaults.DPI
	}
	if p.Format == "" {
		p.Format = r.defaults.Format
	}
	if p.Width <= 0 {
		p.Width = r.defaults.Width
	}
	if p.Height <= 0 {
		p.Height = r.defaults.Height
	}
	return p
}

// ParamsHash is the canonical cache-key component for render parameters.
func ParamsHash(p model.RenderParams) string {
	return fmt.Sprintf("dpi=%d,fmt=%s,w=%d,h=%d", p.DPI, p.Format, p.Width, p.Height)
}

// Source returns the decrypted source bytes and document record.
func (r *Renderer) Source(ctx context.Context, documentID string) ([]byte, *model.Document, error) {
	return r.vault.Get(ctx, documentID)
}

// Page returns the rendered image for a 1-based page number, producing and
// caching it on first request.
func (r *Renderer) Page(ctx context.Context, documentID string, page int, params model.RenderParams) (*RenderedPage, error) {
	if page < 1 {
		return nil, eris.Wrapf(model.ErrPageOutOfRange, "page %d", page)
	}
	params = r.Normalize(params)
	paramsHash := ParamsHash(params)

	if cached, err := r.lookup(ctx, documentID, page, paramsHash); err != nil || cached != nil {
		return cached, err
	}

	key := documentID + "|" + fmt.Sprint(page) + "|" + paramsHash
	res, err, shared := r.group.Do(key, func() (any, error) {
		// The flight's work is shared with waiters whose contexts are
		// still live, so it must not die with the leader's context.
		ctx := context.WithoutCancel(ctx)
		// Re-check under the flight: the winner of a prior flight may have
		// filled the cache between our lookup and here.
		if cached, err := r.lookup(ctx, documentID, page, paramsHash); err != nil || cached != nil {
			return cached, err
		}
		return r.produce(ctx, documentID, page, params, paramsHash)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		zap.L().Debug("render request collapsed",
			zap.String("document_id", documentID),
			zap.Int("page", page))
	}
	return res.(*RenderedPage), nil
}

func (r *Renderer) lookup(ctx context.Context, documentID string, page int, paramsHash string) (*RenderedPage, error) {
	pa, err := r.store.FindPageArtifact(ctx, documentID, page, paramsHash)
	if err != nil || pa == nil {
		return nil, err
	}
	data, err := r.vault.GetArtifact(ctx, pa.ID)
	if err != nil {
		return nil, err
	}
	return &RenderedPage{Artifact: *pa, Data: data}, nil
}

func (r *Renderer) produce(ctx context.Context, documentID string, page int, params model.RenderParams, paramsHash string) (*RenderedPage, error) {
	source, doc, err := r.vault.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}

	pages, err := SplitPages(source)
	if err != nil {
		return nil, eris.Wrapf(err, "render: document %s", documentID)
	}
	if doc.PageCount == 0 {
		if err := r.store.SetDocumentPageCount(ctx, documentID, len(pages)); err != nil {
			return nil, err
		}
	}
	if page > len(pages) {
		return nil, eris.Wrapf(model.ErrPageOutOfRange, "page %d of %d", page, len(pages))
	}

	data, err := rasterize(pages[page-1], params)
	if err != nil {
		return nil, err
	}

	pa := model.PageArtifact{
		ID:          uuid.NewString(),
		DocumentID:  documentID,
		Page:        page,
		ParamsHash:  paramsHash,
		ContentHash: vault.ContentHash(data),
		Width:       params.Width,
		Height:      params.Height,
		Format:      params.Format,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.vault.PutArtifact(ctx, pa.ID, data); err != nil {
		return nil, err
	}
	if err := r.store.CreatePageArtifact(ctx, pa); err != nil {
		// A competing process may have filled the slot; serve its artifact.
		if cached, lookupErr := r.lookup(ctx, documentID, page, paramsHash); lookupErr == nil && cached != nil {
			_ = r.store.DeleteBlob(ctx, pa.ID)
			return cached, nil
		}
		return nil, err
	}

	zap.L().Info("page rendered",
		zap.String("document_id", documentID),
		zap.Int("page", page),
		zap.String("params", paramsHash))
	return &RenderedPage{Artifact: pa, Data: data}, nil
}

// SplitPages decodes a source document into its pages. Documents are UTF-8
// text with form-feed page separators, the shape pdftotext produces.
func SplitPages(source []byte) ([]string, error) {
	if len(source) == 0 {
		return nil, eris.Wrap(model.ErrCorruptSource, "empty document")
	}
	if !utf8.Valid(source) {
		return nil, eris.Wrap(model.ErrCorruptSource, "not valid UTF-8")
	}
	text := strings.TrimRight(string(source), "\f\n ")
	pages := strings.Split(text, "\f")
	if len(pages) == 1 && strings.TrimSpace(pages[0]) == "" {
		return nil, eris.Wrap(model.ErrCorruptSource, "document has no content")
	}
	return pages, nil
}

// rasterize paints the page text into a grayscale PNG. The mapping from text
// to pixels is fixed, so the same page and params always produce the same
// bytes and the same content hash.
func rasterize(pageText string, params model.RenderParams) ([]byte, error) {
	const cellW, cellH = 8, 16
	img := image.NewGray(image.Rect(0, 0, params.Width, params.Height))
	// White background.
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}

	cols := params.Width / cellW
	rows := params.Height / cellH
	if cols < 1 || rows < 1 {
		return nil, eris.Wrap(model.ErrCorruptSource, "render: degenerate dimensions")
	}

	row := 0
	for _, line := range strings.Split(pageText, "\n") {
		if row >= rows {
			break
		}
		col := 0
		for _, ch := range line {
			if col >= cols {
				break
			}
			if ch != ' ' && ch != '\t' {
				shade := uint8(ch % 160) // darker than the background
				fillCell(img, col*cellW, row*cellH, cellW, cellH, shade)
			}
			col++
		}
		row++
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, eris.Wrap(err, "render: encode png")
	}
	return buf.Bytes(), nil
}

func fillCell(img *image.Gray, x, y, w, h int, shade uint8) {
	c := color.Gray{Y: shade}
	for dy := 1; dy < h-1; dy++ {
		for dx := 1; dx < w-1; dx++ {
			img.SetGray(x+dx, y+dy, c)
		}
	}
}
