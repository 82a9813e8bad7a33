package provenance

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sankalpsthakur/scope3-reduce/internal/audit"
	"github.com/sankalpsthakur/scope3-reduce/internal/config"
	"github.com/sankalpsthakur/scope3-reduce/internal/lock"
	"github.com/sankalpsthakur/scope3-reduce/internal/model"
	"github.com/sankalpsthakur/scope3-reduce/internal/store"
	"github.com/sankalpsthakur/scope3-reduce/internal/vault"
)

const testKeyHex = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func newTestGraph(t *testing.T) (*Graph, *vault.Vault, *lock.Gate, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	gate := lock.NewGate(s)
	sink := audit.NewSink(s, 64)
	t.Cleanup(sink.Close)
	v := vault.New(s, gate, sink, config.VaultConfig{KeyHex: testKeyHex, KeyRef: "primary"})
	return NewGraph(s, gate, sink), v, gate, s
}

func linkReq(documentID string) LinkRequest {
	return LinkRequest{
		EntityType: "supplier_benchmark",
		EntityID:   "bm-1",
		FieldPath:  "supplier_intensity",
		PeriodKey:  "2026-Q1",
		Evidence: model.EvidenceRef{
			DocumentID: documentID,
			Page:       1,
			Box:        &model.BoundingBox{X: 10, Y: 20, Width: 200, Height: 40},
			Quote:      "12.4 tCO2e per $M revenue",
		},
	}
}

func TestGraphLinkAndList(t *testing.T) {
	g, v, _, _ := newTestGraph(t)
	ctx := context.Background()

	doc, err := v.Put(ctx, "2026-Q1", "evidence.txt", []byte("supplier data"), "analyst@example.com")
	require.NoError(t, err)

	fp, err := g.Link(ctx, linkReq(doc.ID), "analyst@example.com")
	require.NoError(t, err)
	assert.Equal(t, "analyst@example.com", fp.CreatedBy)
	assert.Equal(t, "2026-Q1", fp.PeriodKey)

	edges, err := g.List(ctx, "supplier_benchmark", "bm-1")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, fp.ID, edges[0].ID)
	require.NotNil(t, edges[0].Evidence.Box)
	assert.Equal(t, 200, edges[0].Evidence.Box.Width)
}

func TestGraphLinkValidation(t *testing.T) {
	g, v, _, s := newTestGraph(t)
	ctx := context.Background()

	doc, err := v.Put(ctx, "2026-Q1", "evidence.txt", []byte("data"), "analyst@example.com")
	require.NoError(t, err)

	// Unknown document.
	req := linkReq("no-such-doc")
	_, err = g.Link(ctx, req, "a")
	assert.True(t, eris.Is(err, model.ErrNotFound))

	// Zero page.
	req = linkReq(doc.ID)
	req.Evidence.Page = 0
	_, err = g.Link(ctx, req, "a")
	assert.True(t, eris.Is(err, model.ErrPageOutOfRange))

	// Page beyond a known page count.
	require.NoError(t, s.SetDocumentPageCount(ctx, doc.ID, 3))
	req = linkReq(doc.ID)
	req.Evidence.Page = 4
	_, err = g.Link(ctx, req, "a")
	assert.True(t, eris.Is(err, model.ErrPageOutOfRange))

	// Missing field path.
	req = linkReq(doc.ID)
	req.FieldPath = ""
	_, err = g.Link(ctx, req, "a")
	assert.Error(t, err)

	// Deleted document.
	require.NoError(t, v.Delete(ctx, doc.ID, "a"))
	_, err = g.Link(ctx, linkReq(doc.ID), "a")
	assert.True(t, eris.Is(err, model.ErrNotFound))
}

func TestGraphLinkRefusedWhenLocked(t *testing.T) {
	g, v, gate, _ := newTestGraph(t)
	ctx := context.Background()

	doc, err := v.Put(ctx, "2026-Q1", "evidence.txt", []byte("data"), "analyst@example.com")
	require.NoError(t, err)

	require.NoError(t, gate.Lock(ctx, "2026-Q1", "cfo@example.com"))

	_, err = g.Link(ctx, linkReq(doc.ID), "analyst@example.com")
	assert.True(t, eris.Is(err, model.ErrLocked))
}

func TestGraphUnlink(t *testing.T) {
	g, v, _, _ := newTestGraph(t)
	ctx := context.Background()

	doc, err := v.Put(ctx, "2026-Q1", "evidence.txt", []byte("data"), "analyst@example.com")
	require.NoError(t, err)
	fp, err := g.Link(ctx, linkReq(doc.ID), "analyst@example.com")
	require.NoError(t, err)

	require.NoError(t, g.Unlink(ctx, fp.ID, "analyst@example.com"))

	edges, err := g.List(ctx, "supplier_benchmark", "bm-1")
	require.NoError(t, err)
	assert.Empty(t, edges)

	err = g.Unlink(ctx, fp.ID, "analyst@example.com")
	assert.True(t, eris.Is(err, model.ErrNotFound))
}

func TestGraphUnlinkUsesEdgePeriod(t *testing.T) {
	g, v, gate, _ := newTestGraph(t)
	ctx := context.Background()

	doc, err := v.Put(ctx, "2026-Q1", "evidence.txt", []byte("data"), "analyst@example.com")
	require.NoError(t, err)
	fp, err := g.Link(ctx, linkReq(doc.ID), "analyst@example.com")
	require.NoError(t, err)

	// Locking the edge's own period blocks the unlink regardless of any
	// other period's state.
	require.NoError(t, gate.Lock(ctx, "2026-Q1", "cfo@example.com"))
	err = g.Unlink(ctx, fp.ID, "analyst@example.com")
	assert.True(t, eris.Is(err, model.ErrLocked))

	edges, err := g.List(ctx, "supplier_benchmark", "bm-1")
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}
