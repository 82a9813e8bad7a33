package vault

import (
	"context"
	"encoding/hex"
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
)

const testKeyHex = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func newTestVault(t *testing.T) (*Vault, store.Store, *lock.Gate) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	gate := lock.NewGate(s)
	sink := audit.NewSink(s, 64)
	t.Cleanup(sink.Close)

	v := New(s, gate, sink, config.VaultConfig{KeyHex: testKeyHex, KeyRef: "primary"})
	require.True(t, v.Ready())
	return v, s, gate
}

func TestVaultPutGetRoundTrip(t *testing.T) {
	v, _, _ := newTestVault(t)
	ctx := context.Background()

	data := []byte("page one\fpage two\fpage three")
	doc, err := v.Put(ctx, "2026-Q1", "report.txt", data, "analyst@example.com")
	require.NoError(t, err)
	assert.Equal(t, ContentHash(data), doc.ContentHash)
	assert.Equal(t, "primary", doc.KeyRef)
	assert.Equal(t, int64(len(data)), doc.ByteSize)

	plaintext, got, err := v.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, data, plaintext)
	assert.Equal(t, doc.ID, got.ID)
}

func TestVaultCiphertextAtRest(t *testing.T) {
	v, s, _ := newTestVault(t)
	ctx := context.Background()

	data := []byte("confidential supplier emissions data")
	doc, err := v.Put(ctx, "2026-Q1", "secret.txt", data, "analyst@example.com")
	require.NoError(t, err)

	ciphertext, nonce, err := s.GetBlob(ctx, doc.ID)
	require.NoError(t, err)
	assert.NotContains(t, string(ciphertext), "confidential")
	assert.Len(t, nonce, 24)
	assert.NotEqual(t, data, ciphertext)
}

func TestVaultPutDeduplicates(t *testing.T) {
	v, _, _ := newTestVault(t)
	ctx := context.Background()

	data := []byte("same bytes")
	first, err := v.Put(ctx, "2026-Q1", "a.txt", data, "analyst@example.com")
	require.NoError(t, err)
	second, err := v.Put(ctx, "2026-Q1", "b.txt", data, "other@example.com")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	// The original upload's metadata wins.
	assert.Equal(t, "a.txt", second.Filename)
}

func TestVaultPutRefusedWhenLocked(t *testing.T) {
	v, _, gate := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, gate.Lock(ctx, "2026-Q1", "cfo@example.com"))

	_, err := v.Put(ctx, "2026-Q1", "late.txt", []byte("too late"), "analyst@example.com")
	assert.True(t, eris.Is(err, model.ErrLocked))

	// Other periods unaffected.
	_, err = v.Put(ctx, "2026-Q2", "ok.txt", []byte("on time"), "analyst@example.com")
	assert.NoError(t, err)
}

func TestVaultDelete(t *testing.T) {
	v, s, _ := newTestVault(t)
	ctx := context.Background()

	data := []byte("to be removed")
	doc, err := v.Put(ctx, "2026-Q1", "old.txt", data, "analyst@example.com")
	require.NoError(t, err)

	require.NoError(t, v.Delete(ctx, doc.ID, "analyst@example.com"))

	_, _, err = v.Get(ctx, doc.ID)
	assert.True(t, eris.Is(err, model.ErrNotFound))
	_, _, err = s.GetBlob(ctx, doc.ID)
	assert.True(t, eris.Is(err, model.ErrNotFound))

	// Double delete reports not found.
	err = v.Delete(ctx, doc.ID, "analyst@example.com")
	assert.True(t, eris.Is(err, model.ErrNotFound))

	// The hash can be re-uploaded after deletion.
	again, err := v.Put(ctx, "2026-Q1", "new.txt", data, "analyst@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, doc.ID, again.ID)
}

func TestVaultDeleteRefusedWhenLocked(t *testing.T) {
	v, _, gate := newTestVault(t)
	ctx := context.Background()

	doc, err := v.Put(ctx, "2026-Q1", "keep.txt", []byte("evidence"), "analyst@example.com")
	require.NoError(t, err)

	require.NoError(t, gate.Lock(ctx, "2026-Q1", "cfo@example.com"))

	err = v.Delete(ctx, doc.ID, "analyst@example.com")
	assert.True(t, eris.Is(err, model.ErrLocked))

	// Reads still work after the lock.
	plaintext, _, err := v.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("evidence"), plaintext)
}

func TestVaultWithoutKeyMaterial(t *testing.T) {
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	sink := audit.NewSink(s, 8)
	t.Cleanup(sink.Close)

	v := New(s, lock.NewGate(s), sink, config.VaultConfig{KeyRef: "primary"})
	assert.False(t, v.Ready())

	_, err = v.Put(context.Background(), "2026-Q1", "x.txt", []byte("x"), "a")
	assert.True(t, eris.Is(err, model.ErrStorageUnavailable))
}

func TestVaultArtifactRoundTrip(t *testing.T) {
	v, _, _ := newTestVault(t)
	ctx := context.Background()

	png := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 1, 2, 3}
	require.NoError(t, v.PutArtifact(ctx, "pa-1", png))

	got, err := v.GetArtifact(ctx, "pa-1")
	require.NoError(t, err)
	assert.Equal(t, png, got)
}

func TestVaultTamperDetected(t *testing.T) {
	v, s, _ := newTestVault(t)
	ctx := context.Background()

	doc, err := v.Put(ctx, "2026-Q1", "x.txt", []byte("original"), "analyst@example.com")
	require.NoError(t, err)

	ciphertext, nonce, err := s.GetBlob(ctx, doc.ID)
	require.NoError(t, err)
	ciphertext[0] ^= 0xff
	require.NoError(t, s.PutBlob(ctx, doc.ID, ciphertext, nonce))

	_, _, err = v.Get(ctx, doc.ID)
	assert.True(t, eris.Is(err, model.ErrCorruptSource))
}

func TestContentHashDeterministic(t *testing.T) {
	h := ContentHash([]byte("abc"))
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", h)
	decoded, err := hex.DecodeString(h)
	require.NoError(t, err)
	assert.Len(t, decoded, 32)
}

// failingDocStore rejects document rows while letting blob writes through.
type failingDocStore struct {
	store.Store
}

func (f *failingDocStore) CreateDocument(ctx context.Context, doc model.Document) error {
	return eris.New("create document: disk full")
}

func TestVaultPutFailureLeavesNothingVisible(t *testing.T) {
	_, s, gate := newTestVault(t)
	ctx := context.Background()

	sink := audit.NewSink(s, 64)
	t.Cleanup(sink.Close)
	v := New(&failingDocStore{Store: s}, gate, sink, config.VaultConfig{KeyHex: testKeyHex, KeyRef: "primary"})

	data := []byte("page one\fpage two")
	_, err := v.Put(ctx, "2026-Q1", "report.txt", data, "analyst@example.com")
	require.Error(t, err)

	// No half-written document: the hash is free and a retry against a
	// healthy store succeeds cleanly.
	existing, err := s.GetDocumentByHash(ctx, ContentHash(data))
	require.NoError(t, err)
	assert.Nil(t, existing)

	healthy := New(s, gate, sink, config.VaultConfig{KeyHex: testKeyHex, KeyRef: "primary"})
	doc, err := healthy.Put(ctx, "2026-Q1", "report.txt", data, "analyst@example.com")
	require.NoError(t, err)
	got, _, err := healthy.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
