// Package vault stores source documents and derived artifacts encrypted at
// rest, addressed by the SHA-256 of their plaintext.
package vault

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/sankalpsthakur/scope3-reduce/internal/audit"
	"github.com/sankalpsthakur/scope3-reduce/internal/config"
	"github.com/sankalpsthakur/scope3-reduce/internal/lock"
	"github.com/sankalpsthakur/scope3-reduce/internal/model"
	"github.com/sankalpsthakur/scope3-reduce/internal/store"
)

// Vault encrypts and stores document bytes. Without key material every
// operation fails; there is no plaintext fallback.
type Vault struct {
	store  store.Store
	gate   *lock.Gate
	sink   *audit.Sink
	key    *[32]byte
	keyRef string
}

// New builds a Vault from config. A missing or malformed key is not an
// error here; operations report ErrStorageUnavailable instead, so read-only
// paths that never touch blobs still work.
func New(st store.Store, gate *lock.Gate, sink *audit.Sink, cfg config.VaultConfig) *Vault {
	v := &Vault{store: st, gate: gate, sink: sink, keyRef: cfg.KeyRef}
	if raw, err := hex.DecodeString(cfg.KeyHex); err == nil && len(raw) == 32 {
		var key [32]byte
		copy(key[:], raw)
		v.key = &key
	}
	return v
}

// Ready reports whether key material is loaded.
func (v *Vault) Ready() bool {
	return v.key != nil
}

// seal encrypts plaintext with a fresh random nonce. The nonce is returned
// separately and stored beside the ciphertext.
func (v *Vault) seal(plaintext []byte) (ciphertext, nonce []byte, err error) {
	if v.key == nil {
		return nil, nil, eris.Wrap(model.ErrStorageUnavailable, "vault: no key material")
	}
	var n [24]byte
	if _, err := rand.Read(n[:]); err != nil {
		return nil, nil, eris.Wrap(err, "vault: generate nonce")
	}
	return secretbox.Seal(nil, plaintext, &n, v.key), n[:], nil
}

// open decrypts a sealed blob.
func (v *Vault) open(ciphertext, nonce []byte) ([]byte, error) {
	if v.key == nil {
		return nil, eris.Wrap(model.ErrStorageUnavailable, "vault: no key material")
	}
	if len(nonce) != 24 {
		return nil, eris.Wrap(model.ErrCorruptSource, "vault: bad nonce length")
	}
	var n [24]byte
	copy(n[:], nonce)
	plaintext, ok := secretbox.Open(nil, ciphertext, &n, v.key)
	if !ok {
		return nil, eris.Wrap(model.ErrCorruptSource, "vault: decrypt failed")
	}
	return plaintext, nil
}

// ContentHash returns the hex SHA-256 of plaintext, the vault's address key.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put stores a source document. Uploading bytes already stored for the
// period returns the existing document without writing anything.
func (v *Vault) Put(ctx context.Context, periodKey, filename string, data []byte, actor string) (*model.Document, error) {
	if !v.Ready() {
		return nil, eris.Wrap(model.ErrStorageUnavailable, "vault: no key material")
	}
	hash := ContentHash(data)

	existing, err := v.store.GetDocumentByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		zap.L().Debug("document upload deduplicated",
			zap.String("document_id", existing.ID),
			zap.String("content_hash", hash))
		return existing, nil
	}

	doc := model.Document{
		ID:          uuid.NewString(),
		PeriodKey:   periodKey,
		Filename:    filename,
		ContentHash: hash,
		KeyRef:      v.keyRef,
		ByteSize:    int64(len(data)),
		UploadedBy:  actor,
		UploadedAt:  time.Now().UTC(),
	}

	err = v.gate.Guard(ctx, periodKey, func(ctx context.Context) error {
		ciphertext, nonce, err := v.seal(data)
		if err != nil {
			return err
		}
		// Blob first: an orphan blob with no row is invisible, a row with
		// no blob is a document whose Get fails.
		if err := v.store.PutBlob(ctx, doc.ID, ciphertext, nonce); err != nil {
			return err
		}
		if err := v.store.CreateDocument(ctx, doc); err != nil {
			if delErr := v.store.DeleteBlob(ctx, doc.ID); delErr != nil {
				zap.L().Warn("orphan blob left behind",
					zap.String("document_id", doc.ID),
					zap.Error(delErr))
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	v.sink.Emit("document.upload", "document", doc.ID, actor)
	zap.L().Info("document stored",
		zap.String("document_id", doc.ID),
		zap.String("period_key", periodKey),
		zap.Int64("bytes", doc.ByteSize))
	return &doc, nil
}

// Get returns the decrypted source bytes and the document record. The
// plaintext is re-hashed against the stored address, so silent corruption
// surfaces as ErrCorruptSource instead of garbage pages.
func (v *Vault) Get(ctx context.Context, documentID string) ([]byte, *model.Document, error) {
	doc, err := v.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, nil, err
	}
	if doc.Deleted {
		return nil, nil, eris.Wrapf(model.ErrNotFound, "document %s is deleted", documentID)
	}

	ciphertext, nonce, err := v.store.GetBlob(ctx, documentID)
	if err != nil {
		return nil, nil, err
	}
	plaintext, err := v.open(ciphertext, nonce)
	if err != nil {
		return nil, nil, err
	}
	if ContentHash(plaintext) != doc.ContentHash {
		return nil, nil, eris.Wrapf(model.ErrCorruptSource, "document %s hash mismatch", documentID)
	}
	return plaintext, doc, nil
}

// PutArtifact seals derived bytes (rendered pages) under the given id.
func (v *Vault) PutArtifact(ctx context.Context, artifactID string, data []byte) error {
	ciphertext, nonce, err := v.seal(data)
	if err != nil {
		return err
	}
	return v.store.PutBlob(ctx, artifactID, ciphertext, nonce)
}

// GetArtifact opens derived bytes stored with PutArtifact.
func (v *Vault) GetArtifact(ctx context.Context, artifactID string) ([]byte, error) {
	ciphertext, nonce, err := v.store.GetBlob(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	return v.open(ciphertext, nonce)
}

// Delete soft-deletes the document record and hard-deletes its blob along
// with every derived page artifact. Refused for locked periods.
func (v *Vault) Delete(ctx context.Context, documentID, actor string) error {
	doc, err := v.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.Deleted {
		return eris.Wrapf(model.ErrNotFound, "document %s already deleted", documentID)
	}

	err = v.gate.Guard(ctx, doc.PeriodKey, func(ctx context.Context) error {
		if err := v.store.SoftDeleteDocument(ctx, documentID); err != nil {
			return err
		}
		artifactIDs, err := v.store.DeletePageArtifactsForDocument(ctx, documentID)
		if err != nil {
			return err
		}
		for _, id := range artifactIDs {
			if err := v.store.DeleteBlob(ctx, id); err != nil {
				return err
			}
		}
		return v.store.DeleteBlob(ctx, documentID)
	})
	if err != nil {
		return err
	}

	v.sink.Emit("document.delete", "document", documentID, actor)
	zap.L().Info("document deleted",
		zap.String("document_id", documentID),
		zap.String("period_key", doc.PeriodKey))
	return nil
}
