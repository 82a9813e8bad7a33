package extract

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sankalpsthakur/scope3-reduce/internal/audit"
	"github.com/sankalpsthakur/scope3-reduce/internal/config"
	"github.com/sankalpsthakur/scope3-reduce/internal/lock"
	"github.com/sankalpsthakur/scope3-reduce/internal/model"
	"github.com/sankalpsthakur/scope3-reduce/internal/render"
	"github.com/sankalpsthakur/scope3-reduce/internal/resilience"
	"github.com/sankalpsthakur/scope3-reduce/internal/store"
	"github.com/sankalpsthakur/scope3-reduce/internal/vault"
)

const testKeyHex = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func newTestService(t *testing.T, ex Extractor) (*Service, *vault.Vault, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	sink := audit.NewSink(s, 64)
	t.Cleanup(sink.Close)
	v := vault.New(s, lock.NewGate(s), sink, config.VaultConfig{KeyHex: testKeyHex, KeyRef: "primary"})
	r := render.NewRenderer(s, v, config.RenderConfig{DPI: 144, Format: "png", Width: 408, Height: 528})
	return NewService(s, r, ex, sink), v, s
}

func TestFallbackDeterministic(t *testing.T) {
	f := NewFallback(4)
	page := PageInput{
		Text:   "line one\nline two\nline three\nline four\nline five\nline six\nline seven\nline eight",
		Width:  408,
		Height: 528,
	}

	first, err := f.Extract(context.Background(), page)
	require.NoError(t, err)
	second, err := f.Extract(context.Background(), page)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	require.Len(t, first, 4)
	for _, b := range first {
		assert.Equal(t, fallbackConfidence, b.Confidence)
		assert.Equal(t, 408, b.Box.Width)
	}
	// Bands tile the page top to bottom.
	assert.Equal(t, 0, first[0].Box.Y)
	assert.Equal(t, 528/4, first[1].Box.Y)
	assert.Contains(t, first[0].Text, "line one")
	assert.Contains(t, first[3].Text, "line eight")
}

func TestFallbackShortPage(t *testing.T) {
	f := NewFallback(4)

	blocks, err := f.Extract(context.Background(), PageInput{Text: "only line", Width: 408, Height: 528})
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "only line", blocks[0].Text)

	blocks, err = f.Extract(context.Background(), PageInput{Text: "", Width: 408, Height: 528})
	require.NoError(t, err)
	assert.Empty(t, blocks)
}

func TestNewExtractorSelection(t *testing.T) {
	ex := NewExtractor(config.ExtractConfig{Provider: "fallback", FallbackBands: 4})
	assert.Equal(t, model.ExtractorFallback, ex.Name())

	// Anthropic without a key degrades to the fallback.
	ex = NewExtractor(config.ExtractConfig{Provider: "anthropic"})
	assert.Equal(t, model.ExtractorFallback, ex.Name())

	ex = NewExtractor(config.ExtractConfig{Provider: "anthropic", AnthropicKey: "sk-test", AnthropicModel: "m"})
	assert.Equal(t, model.ExtractorAnthropic, ex.Name())
}

func TestServiceAppendsGenerations(t *testing.T) {
	svc, v, s := newTestService(t, NewFallback(4))
	ctx := context.Background()

	doc, err := v.Put(ctx, "2026-Q1", "report.txt", []byte("alpha\nbeta\ngamma\ndelta"), "analyst@example.com")
	require.NoError(t, err)

	first, err := svc.Page(ctx, doc.ID, 1, model.RenderParams{}, "analyst@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Generation)
	require.NotEmpty(t, first.Blocks)
	assert.Equal(t, model.ExtractorFallback, first.Blocks[0].Extractor)

	second, err := svc.Page(ctx, doc.ID, 1, model.RenderParams{}, "analyst@example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, second.Generation)

	// The first generation is untouched by the rerun.
	gen1, err := s.GetBlocks(ctx, first.ArtifactID, 1)
	require.NoError(t, err)
	require.Len(t, gen1, len(first.Blocks))
	for i := range gen1 {
		assert.Equal(t, first.Blocks[i].ID, gen1[i].ID)
		assert.Equal(t, first.Blocks[i].Text, gen1[i].Text)
	}
}

type brokenExtractor struct{}

func (brokenExtractor) Name() string { return model.ExtractorAnthropic }
func (brokenExtractor) Extract(context.Context, PageInput) ([]Block, error) {
	return nil, eris.Wrap(model.ErrExtractorUnavailable, "simulated outage")
}

func TestServiceFallsBackOnProviderOutage(t *testing.T) {
	svc, v, _ := newTestService(t, brokenExtractor{})
	ctx := context.Background()

	doc, err := v.Put(ctx, "2026-Q1", "report.txt", []byte("some text"), "analyst@example.com")
	require.NoError(t, err)

	res, err := svc.Page(ctx, doc.ID, 1, model.RenderParams{}, "analyst@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, res.Blocks)
	// Blocks carry the identity of the extractor that actually ran.
	assert.Equal(t, model.ExtractorFallback, res.Blocks[0].Extractor)
	assert.Equal(t, fallbackConfidence, res.Blocks[0].Confidence)
}

func TestServiceBlocksLatest(t *testing.T) {
	svc, v, _ := newTestService(t, NewFallback(4))
	ctx := context.Background()

	doc, err := v.Put(ctx, "2026-Q1", "report.txt", []byte("one\ntwo"), "analyst@example.com")
	require.NoError(t, err)

	_, err = svc.Page(ctx, doc.ID, 1, model.RenderParams{}, "analyst@example.com")
	require.NoError(t, err)
	second, err := svc.Page(ctx, doc.ID, 1, model.RenderParams{}, "analyst@example.com")
	require.NoError(t, err)

	latest, err := svc.Blocks(ctx, second.ArtifactID, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Generation)

	pinned, err := svc.Blocks(ctx, second.ArtifactID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, pinned.Generation)

	_, err = svc.Blocks(ctx, second.ArtifactID, 99)
	assert.True(t, eris.Is(err, model.ErrNotFound))
	_, err = svc.Blocks(ctx, "unknown-artifact", 0)
	assert.True(t, eris.Is(err, model.ErrNotFound))
}

func TestParseBlocksToleratesCodeFence(t *testing.T) {
	page := PageInput{Width: 400, Height: 500}
	raw := "```json\n[{\"x\":10,\"y\":20,\"w\":100,\"h\":30,\"text\":\"total\",\"confidence\":0.9},{\"x\":-5,\"y\":480,\"w\":900,\"h\":90,\"text\":\"footer\",\"confidence\":2.0}]\n```"

	blocks, err := parseBlocks(raw, page)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, "total", blocks[0].Text)
	assert.Equal(t, 0.9, blocks[0].Confidence)

	// Out-of-range geometry and confidence are clamped.
	assert.Equal(t, 0, blocks[1].Box.X)
	assert.LessOrEqual(t, blocks[1].Box.X+blocks[1].Box.Width, 400)
	assert.LessOrEqual(t, blocks[1].Box.Y+blocks[1].Box.Height, 500)
	assert.Equal(t, 0.5, blocks[1].Confidence)

	_, err = parseBlocks("sorry, I cannot do that", page)
	assert.Error(t, err)
}

type failingMessenger struct{ calls int }

func (m *failingMessenger) New(context.Context, sdk.MessageNewParams, ...option.RequestOption) (*sdk.Message, error) {
	m.calls++
	return nil, eris.New("connection refused by provider")
}

func TestAnthropicBreakerShortCircuits(t *testing.T) {
	msgs := &failingMessenger{}
	a := &Anthropic{
		messages: msgs,
		model:    "test-model",
		timeout:  time.Second,
		retry:    resilience.RetryConfig{MaxAttempts: 1},
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: 2,
			ResetTimeout:     time.Minute,
		}),
	}
	page := PageInput{Image: []byte("img"), Width: 100, Height: 100}

	for i := 0; i < 2; i++ {
		_, err := a.Extract(context.Background(), page)
		require.True(t, eris.Is(err, model.ErrExtractorUnavailable))
	}
	require.Equal(t, 2, msgs.calls)

	// Circuit is open now; the provider is not called again.
	_, err := a.Extract(context.Background(), page)
	require.True(t, eris.Is(err, model.ErrExtractorUnavailable))
	assert.Equal(t, 2, msgs.calls)
}

// gateExtractor holds the first extraction open until released, so a test
// can pile concurrent callers onto one in-flight extraction.
type gateExtractor struct {
	inner   Extractor
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gateExtractor) Name() string { return g.inner.Name() }

func (g *gateExtractor) Extract(ctx context.Context, page PageInput) ([]Block, error) {
	g.once.Do(func() { close(g.started) })
	<-g.release
	return g.inner.Extract(ctx, page)
}

func TestServiceConcurrentCallsSingleGeneration(t *testing.T) {
	gate := &gateExtractor{inner: NewFallback(4), started: make(chan struct{}), release: make(chan struct{})}
	svc, v, _ := newTestService(t, gate)
	ctx := context.Background()

	doc, err := v.Put(ctx, "2026-Q1", "report.txt", []byte("alpha\nbeta\ngamma\ndelta"), "analyst@example.com")
	require.NoError(t, err)

	results := make([]*Result, 8)
	errs := make([]error, 8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Page(ctx, doc.ID, 1, model.RenderParams{}, "analyst@example.com")
		}(i)
	}
	<-gate.started
	// Give the remaining callers time to join the open flight.
	time.Sleep(100 * time.Millisecond)
	close(gate.release)
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, 1, results[i].Generation, "caller %d", i)
	}

	latest, err := svc.Blocks(ctx, results[0].ArtifactID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Generation)
}

// cancelingExtractor kills the given context from inside the extraction
// flight, standing in for a caller that disconnects mid-extract.
type cancelingExtractor struct {
	inner  Extractor
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancelingExtractor) Name() string { return c.inner.Name() }

func (c *cancelingExtractor) Extract(ctx context.Context, page PageInput) ([]Block, error) {
	c.once.Do(c.cancel)
	return c.inner.Extract(ctx, page)
}

func TestServiceSurvivesLeaderCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc, v, _ := newTestService(t, &cancelingExtractor{inner: NewFallback(4), cancel: cancel})

	doc, err := v.Put(context.Background(), "2026-Q1", "report.txt", []byte("alpha\nbeta"), "analyst@example.com")
	require.NoError(t, err)

	// The generation must still be written even though the caller that
	// started the flight is gone.
	res, err := svc.Page(ctx, doc.ID, 1, model.RenderParams{}, "analyst@example.com")
	require.NoError(t, err)
	require.Error(t, ctx.Err())
	assert.Equal(t, 1, res.Generation)
	require.NotEmpty(t, res.Blocks)
}
