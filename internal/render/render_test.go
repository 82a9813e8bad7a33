package render

import (
	"bytes"
	"context"
	"image/png"
	"path/filepath"
	"sync"
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

var testRenderDefaults = config.RenderConfig{DPI: 144, Format: "png", Width: 408, Height: 528}

func newTestRenderer(t *testing.T) (*Renderer, *vault.Vault, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	sink := audit.NewSink(s, 64)
	t.Cleanup(sink.Close)
	v := vault.New(s, lock.NewGate(s), sink, config.VaultConfig{KeyHex: testKeyHex, KeyRef: "primary"})
	return NewRenderer(s, v, testRenderDefaults), v, s
}

func uploadDoc(t *testing.T, v *vault.Vault, content string) *model.Document {
	t.Helper()
	doc, err := v.Put(context.Background(), "2026-Q1", "report.txt", []byte(content), "analyst@example.com")
	require.NoError(t, err)
	return doc
}

func TestRenderPageProducesPNG(t *testing.T) {
	r, v, s := newTestRenderer(t)
	ctx := context.Background()
	doc := uploadDoc(t, v, "emissions summary\ntotal: 1,200 tCO2e\fpage two text")

	rp, err := r.Page(ctx, doc.ID, 1, model.RenderParams{})
	require.NoError(t, err)
	assert.Equal(t, 1, rp.Artifact.Page)
	assert.Equal(t, "png", rp.Artifact.Format)
	assert.Equal(t, vault.ContentHash(rp.Data), rp.Artifact.ContentHash)

	img, err := png.Decode(bytes.NewReader(rp.Data))
	require.NoError(t, err)
	assert.Equal(t, 408, img.Bounds().Dx())
	assert.Equal(t, 528, img.Bounds().Dy())

	// First render records the page count.
	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.PageCount)
}

func TestRenderPageDeterministic(t *testing.T) {
	r, v, _ := newTestRenderer(t)
	ctx := context.Background()
	doc := uploadDoc(t, v, "stable content")

	first, err := r.Page(ctx, doc.ID, 1, model.RenderParams{})
	require.NoError(t, err)
	second, err := r.Page(ctx, doc.ID, 1, model.RenderParams{})
	require.NoError(t, err)

	// Second call is a cache hit: same artifact, same bytes.
	assert.Equal(t, first.Artifact.ID, second.Artifact.ID)
	assert.Equal(t, first.Data, second.Data)
}

func TestRenderPageCacheKeyIncludesParams(t *testing.T) {
	r, v, _ := newTestRenderer(t)
	ctx := context.Background()
	doc := uploadDoc(t, v, "content")

	a, err := r.Page(ctx, doc.ID, 1, model.RenderParams{})
	require.NoError(t, err)
	b, err := r.Page(ctx, doc.ID, 1, model.RenderParams{Width: 816, Height: 1056})
	require.NoError(t, err)
	assert.NotEqual(t, a.Artifact.ID, b.Artifact.ID)

	// Explicitly passing the defaults hits the same cache entry.
	c, err := r.Page(ctx, doc.ID, 1, model.RenderParams{DPI: 144, Format: "png", Width: 408, Height: 528})
	require.NoError(t, err)
	assert.Equal(t, a.Artifact.ID, c.Artifact.ID)
}

func TestRenderPageOutOfRange(t *testing.T) {
	r, v, _ := newTestRenderer(t)
	ctx := context.Background()
	doc := uploadDoc(t, v, "only one page")

	_, err := r.Page(ctx, doc.ID, 2, model.RenderParams{})
	assert.True(t, eris.Is(err, model.ErrPageOutOfRange))
	_, err = r.Page(ctx, doc.ID, 0, model.RenderParams{})
	assert.True(t, eris.Is(err, model.ErrPageOutOfRange))
}

func TestRenderCorruptSource(t *testing.T) {
	r, v, _ := newTestRenderer(t)
	ctx := context.Background()

	doc, err := v.Put(context.Background(), "2026-Q1", "bad.bin", []byte{0xff, 0xfe, 0xfd}, "analyst@example.com")
	require.NoError(t, err)

	_, err = r.Page(ctx, doc.ID, 1, model.RenderParams{})
	assert.True(t, eris.Is(err, model.ErrCorruptSource))
}

func TestRenderUnknownDocument(t *testing.T) {
	r, _, _ := newTestRenderer(t)

	_, err := r.Page(context.Background(), "no-such-doc", 1, model.RenderParams{})
	assert.True(t, eris.Is(err, model.ErrNotFound))
}

func TestRenderConcurrentRequestsSingleArtifact(t *testing.T) {
	r, v, s := newTestRenderer(t)
	ctx := context.Background()
	doc := uploadDoc(t, v, "contended page")

	const n = 16
	results := make([]*RenderedPage, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rp, err := r.Page(ctx, doc.ID, 1, model.RenderParams{})
			assert.NoError(t, err)
			results[i] = rp
		}(i)
	}
	wg.Wait()

	require.NotNil(t, results[0])
	for i := 1; i < n; i++ {
		require.NotNil(t, results[i])
		assert.Equal(t, results[0].Artifact.ID, results[i].Artifact.ID)
	}

	// Exactly one artifact row exists for the key.
	pa, err := s.FindPageArtifact(ctx, doc.ID, 1, ParamsHash(r.Normalize(model.RenderParams{})))
	require.NoError(t, err)
	require.NotNil(t, pa)
	assert.Equal(t, results[0].Artifact.ID, pa.ID)
}

func TestSplitPages(t *testing.T) {
	pages, err := SplitPages([]byte("one\ftwo\fthree\f"))
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, pages)

	pages, err = SplitPages([]byte("single page, no separator"))
	require.NoError(t, err)
	assert.Len(t, pages, 1)

	_, err = SplitPages(nil)
	assert.True(t, eris.Is(err, model.ErrCorruptSource))
	_, err = SplitPages([]byte("   \f\f"))
	assert.True(t, eris.Is(err, model.ErrCorruptSource))
}

// cancelingStore cancels the attached context on its second page-artifact
// lookup, which lands inside the render flight.
type cancelingStore struct {
	store.Store
	cancel context.CancelFunc

	mu    sync.Mutex
	calls int
}

func (c *cancelingStore) FindPageArtifact(ctx context.Context, documentID string, page int, paramsHash string) (*model.PageArtifact, error) {
	c.mu.Lock()
	c.calls++
	if c.calls == 2 {
		c.cancel()
	}
	c.mu.Unlock()
	return c.Store.FindPageArtifact(ctx, documentID, page, paramsHash)
}

func TestRenderSurvivesLeaderCancellation(t *testing.T) {
	_, v, s := newTestRenderer(t)
	doc := uploadDoc(t, v, "page one\fpage two")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cs := &cancelingStore{Store: s, cancel: cancel}
	r := NewRenderer(cs, v, testRenderDefaults)

	// The leader's context dies mid-flight; the render must still finish
	// and cache, because waiters joining the flight rely on its result.
	rp, err := r.Page(ctx, doc.ID, 2, model.RenderParams{})
	require.NoError(t, err)
	require.Error(t, ctx.Err())
	assert.Equal(t, 2, rp.Artifact.Page)

	again, err := r.Page(context.Background(), doc.ID, 2, model.RenderParams{})
	require.NoError(t, err)
	assert.Equal(t, rp.Artifact.ID, again.Artifact.ID)
}
