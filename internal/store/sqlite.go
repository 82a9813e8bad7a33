package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sankalpsthakur/scope3-reduce/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS documents (
	id           TEXT PRIMARY KEY,
	period_key   TEXT NOT NULL,
	filename     TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL,
	key_ref      TEXT NOT NULL,
	byte_size    INTEGER NOT NULL,
	page_count   INTEGER NOT NULL DEFAULT 0,
	uploaded_by  TEXT NOT NULL,
	uploaded_at  DATETIME NOT NULL,
	deleted      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS blobs (
	artifact_id TEXT PRIMARY KEY,
	ciphertext  BLOB NOT NULL,
	nonce       BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS page_artifacts (
	id           TEXT PRIMARY KEY,
	document_id  TEXT NOT NULL REFERENCES documents(id),
	page         INTEGER NOT NULL,
	params_hash  TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	width        INTEGER NOT NULL,
	height       INTEGER NOT NULL,
	format       TEXT NOT NULL,
	created_at   DATETIME NOT NULL,
	UNIQUE(document_id, page, params_hash)
);

CREATE TABLE IF NOT EXISTS ocr_blocks (
	id          TEXT PRIMARY KEY,
	artifact_id TEXT NOT NULL REFERENCES page_artifacts(id),
	generation  INTEGER NOT NULL,
	order_idx   INTEGER NOT NULL,
	x           INTEGER NOT NULL,
	y           INTEGER NOT NULL,
	w           INTEGER NOT NULL,
	h           INTEGER NOT NULL,
	text        TEXT NOT NULL,
	confidence  REAL NOT NULL,
	extractor   TEXT NOT NULL,
	created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS provenance (
	id          TEXT PRIMARY KEY,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	field_path  TEXT NOT NULL,
	period_key  TEXT NOT NULL,
	document_id TEXT NOT NULL,
	page        INTEGER NOT NULL,
	block_id    TEXT NOT NULL DEFAULT '',
	box         TEXT,
	quote       TEXT NOT NULL DEFAULT '',
	created_by  TEXT NOT NULL,
	created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS anomalies (
	id          TEXT PRIMARY KEY,
	rule_id     TEXT NOT NULL,
	target_key  TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	field_path  TEXT NOT NULL DEFAULT '',
	period_key  TEXT NOT NULL,
	severity    TEXT NOT NULL,
	message     TEXT NOT NULL,
	status      TEXT NOT NULL,
	revision    INTEGER NOT NULL DEFAULT 1,
	first_seen  DATETIME NOT NULL,
	last_seen   DATETIME NOT NULL,
	resolved_by TEXT NOT NULL DEFAULT '',
	resolved_at DATETIME,
	UNIQUE(rule_id, target_key)
);

CREATE TABLE IF NOT EXISTS period_locks (
	period_key TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	locked_by  TEXT NOT NULL DEFAULT '',
	locked_at  DATETIME
);

CREATE TABLE IF NOT EXISTS supplier_benchmarks (
	id                      TEXT PRIMARY KEY,
	supplier_id             TEXT NOT NULL,
	supplier_name           TEXT NOT NULL,
	peer_id                 TEXT NOT NULL,
	peer_name               TEXT NOT NULL,
	category                TEXT NOT NULL,
	cee_rating              TEXT NOT NULL,
	supplier_intensity      REAL NOT NULL,
	peer_intensity          REAL NOT NULL,
	potential_reduction_pct REAL NOT NULL,
	upstream_impact_pct     REAL NOT NULL,
	industry_sector         TEXT NOT NULL,
	revenue_band            TEXT NOT NULL,
	annual_spend_usd        REAL NOT NULL DEFAULT 0,
	period_key              TEXT NOT NULL,
	created_at              DATETIME NOT NULL,
	updated_at              DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS engagements (
	user_id          TEXT NOT NULL,
	supplier_id      TEXT NOT NULL,
	status           TEXT NOT NULL,
	notes            TEXT NOT NULL DEFAULT '',
	next_action_date TEXT NOT NULL DEFAULT '',
	period_key       TEXT NOT NULL,
	history          TEXT NOT NULL DEFAULT '[]',
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL,
	PRIMARY KEY(user_id, supplier_id)
);

CREATE TABLE IF NOT EXISTS recommendations (
	benchmark_id TEXT PRIMARY KEY,
	content      TEXT NOT NULL,
	generated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	token      TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	expires_at DATETIME NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_events (
	id            TEXT PRIMARY KEY,
	event_name    TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	resource_id   TEXT NOT NULL,
	actor         TEXT NOT NULL,
	ts            DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_hash_live ON documents(content_hash) WHERE deleted = 0;
CREATE INDEX IF NOT EXISTS idx_documents_period ON documents(period_key);
CREATE INDEX IF NOT EXISTS idx_ocr_blocks_artifact ON ocr_blocks(artifact_id, generation, order_idx);
CREATE INDEX IF NOT EXISTS idx_provenance_entity ON provenance(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_provenance_period ON provenance(period_key);
CREATE INDEX IF NOT EXISTS idx_anomalies_period ON anomalies(period_key, status);
CREATE INDEX IF NOT EXISTS idx_benchmarks_period ON supplier_benchmarks(period_key);
CREATE INDEX IF NOT EXISTS idx_benchmarks_supplier ON supplier_benchmarks(supplier_id);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(ts);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Documents ---

func (s *SQLiteStore) CreateDocument(ctx context.Context, doc model.Document) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, period_key, filename, content_hash, key_ref, byte_size, page_count, uploaded_by, uploaded_at, deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		doc.ID, doc.PeriodKey, doc.Filename, doc.ContentHash, doc.KeyRef, doc.ByteSize, doc.PageCount, doc.UploadedBy, doc.UploadedAt,
	)
	return eris.Wrapf(err, "sqlite: insert document %s", doc.ID)
}

const selectDocument = `SELECT id, period_key, filename, content_hash, key_ref, byte_size, page_count, uploaded_by, uploaded_at, deleted FROM documents`

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	row := s.db.QueryRowContext(ctx, selectDocument+` WHERE id = ?`, id)
	return scanDocument(row)
}

func (s *SQLiteStore) GetDocumentByHash(ctx context.Context, contentHash string) (*model.Document, error) {
	row := s.db.QueryRowContext(ctx, selectDocument+` WHERE content_hash = ? AND deleted = 0`, contentHash)
	doc, err := scanDocument(row)
	if eris.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	return doc, err
}

func (s *SQLiteStore) SetDocumentPageCount(ctx context.Context, id string, pages int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE documents SET page_count = ? WHERE id = ?`, pages, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set page count %s", id)
	}
	return checkRowsAffected(res, "document", id)
}

func (s *SQLiteStore) SoftDeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE documents SET deleted = 1 WHERE id = ? AND deleted = 0`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: soft delete document %s", id)
	}
	return checkRowsAffected(res, "document", id)
}

// exprTime scans a timestamp-valued SQL expression. SQLite reports no
// declared type for expression columns (e.g. a MIN() subquery), so the
// driver hands back the stored text form instead of a time.Time.
type exprTime struct {
	Time  time.Time
	Valid bool
}

func (e *exprTime) Scan(v any) error {
	e.Valid = false
	switch x := v.(type) {
	case nil:
		return nil
	case time.Time:
		e.Time, e.Valid = x, true
		return nil
	case string:
		// The driver may store time.Time values in Go's String() format,
		// optionally with a monotonic clock suffix (" m=±...").
		if i := strings.Index(x, " m="); i >= 0 {
			x = x[:i]
		}
		for _, layout := range []string{
			"2006-01-02 15:04:05.999999999 -0700 MST",
			"2006-01-02 15:04:05.999999999-07:00",
			"2006-01-02T15:04:05.999999999-07:00",
			"2006-01-02 15:04:05.999999999",
			"2006-01-02T15:04:05.999999999",
		} {
			if t, err := time.Parse(layout, x); err == nil {
				e.Time, e.Valid = t, true
				return nil
			}
		}
		return eris.Errorf("sqlite: cannot parse time %q", x)
	default:
		return eris.Errorf("sqlite: cannot scan %T as time", v)
	}
}

func (s *SQLiteStore) ListDocumentStatus(ctx context.Context, periodKey string) ([]DocumentStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, period_key, filename, content_hash, key_ref, byte_size, page_count, uploaded_by, uploaded_at, deleted,
		 (SELECT MIN(pa.created_at) FROM page_artifacts pa WHERE pa.document_id = documents.id),
		 (SELECT MIN(b.created_at) FROM ocr_blocks b JOIN page_artifacts pa ON b.artifact_id = pa.id WHERE pa.document_id = documents.id)
		 FROM documents WHERE period_key = ? AND deleted = 0 ORDER BY uploaded_at`,
		periodKey,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list document status")
	}
	defer rows.Close()

	var out []DocumentStatus
	for rows.Next() {
		var ds DocumentStatus
		var deleted int
		var renderedAt, extractedAt exprTime
		d := &ds.Document
		if err := rows.Scan(&d.ID, &d.PeriodKey, &d.Filename, &d.ContentHash, &d.KeyRef, &d.ByteSize, &d.PageCount, &d.UploadedBy, &d.UploadedAt, &deleted, &renderedAt, &extractedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan document status")
		}
		if renderedAt.Valid {
			t := renderedAt.Time
			ds.RenderedAt = &t
		}
		if extractedAt.Valid {
			t := extractedAt.Time
			ds.ExtractedAt = &t
		}
		out = append(out, ds)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list document status iterate")
}

// --- Blobs ---

func (s *SQLiteStore) PutBlob(ctx context.Context, artifactID string, ciphertext, nonce []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs (artifact_id, ciphertext, nonce) VALUES (?, ?, ?)
		 ON CONFLICT(artifact_id) DO UPDATE SET ciphertext = excluded.ciphertext, nonce = excluded.nonce`,
		artifactID, ciphertext, nonce,
	)
	return eris.Wrapf(err, "sqlite: put blob %s", artifactID)
}

func (s *SQLiteStore) GetBlob(ctx context.Context, artifactID string) ([]byte, []byte, error) {
	var ciphertext, nonce []byte
	err := s.db.QueryRowContext(ctx, `SELECT ciphertext, nonce FROM blobs WHERE artifact_id = ?`, artifactID).
		Scan(&ciphertext, &nonce)
	if err == sql.ErrNoRows {
		return nil, nil, eris.Wrapf(model.ErrNotFound, "sqlite: blob %s", artifactID)
	}
	if err != nil {
		return nil, nil, eris.Wrapf(err, "sqlite: get blob %s", artifactID)
	}
	return ciphertext, nonce, nil
}

func (s *SQLiteStore) DeleteBlob(ctx context.Context, artifactID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE artifact_id = ?`, artifactID)
	return eris.Wrapf(err, "sqlite: delete blob %s", artifactID)
}

// --- Page artifacts ---

func (s *SQLiteStore) CreatePageArtifact(ctx context.Context, pa model.PageArtifact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO page_artifacts (id, document_id, page, params_hash, content_hash, width, height, format, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pa.ID, pa.DocumentID, pa.Page, pa.ParamsHash, pa.ContentHash, pa.Width, pa.Height, pa.Format, pa.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert page artifact %s", pa.ID)
}

const selectPageArtifact = `SELECT id, document_id, page, params_hash, content_hash, width, height, format, created_at FROM page_artifacts`

func (s *SQLiteStore) GetPageArtifact(ctx context.Context, id string) (*model.PageArtifact, error) {
	row := s.db.QueryRowContext(ctx, selectPageArtifact+` WHERE id = ?`, id)
	return scanPageArtifact(row)
}

func (s *SQLiteStore) FindPageArtifact(ctx context.Context, documentID string, page int, paramsHash string) (*model.PageArtifact, error) {
	row := s.db.QueryRowContext(ctx,
		selectPageArtifact+` WHERE document_id = ? AND page = ? AND params_hash = ?`,
		documentID, page, paramsHash,
	)
	pa, err := scanPageArtifact(row)
	if eris.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	return pa, err
}

func (s *SQLiteStore) DeletePageArtifactsForDocument(ctx context.Context, documentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM page_artifacts WHERE document_id = ?`, documentID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list page artifacts")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan artifact id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate artifact ids")
	}

	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM ocr_blocks WHERE artifact_id = ?`, id); err != nil {
			return nil, eris.Wrapf(err, "sqlite: delete blocks for artifact %s", id)
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM page_artifacts WHERE document_id = ?`, documentID); err != nil {
		return nil, eris.Wrapf(err, "sqlite: delete page artifacts for %s", documentID)
	}
	return ids, nil
}

// --- OCR blocks ---

func (s *SQLiteStore) InsertBlocks(ctx context.Context, blocks []model.OCRBlock) error {
	if len(blocks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin insert blocks")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO ocr_blocks (id, artifact_id, generation, order_idx, x, y, w, h, text, confidence, extractor, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert blocks")
	}
	defer stmt.Close()

	for _, b := range blocks {
		if _, err := stmt.ExecContext(ctx,
			b.ID, b.ArtifactID, b.Generation, b.OrderIndex,
			b.Box.X, b.Box.Y, b.Box.Width, b.Box.Height,
			b.Text, b.Confidence, b.Extractor, b.CreatedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert block %s", b.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit insert blocks")
}

func (s *SQLiteStore) LatestGeneration(ctx context.Context, artifactID string) (int, error) {
	var gen sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(generation) FROM ocr_blocks WHERE artifact_id = ?`, artifactID,
	).Scan(&gen)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: latest generation %s", artifactID)
	}
	if !gen.Valid {
		return 0, nil
	}
	return int(gen.Int64), nil
}

func (s *SQLiteStore) GetBlocks(ctx context.Context, artifactID string, generation int) ([]model.OCRBlock, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, artifact_id, generation, order_idx, x, y, w, h, text, confidence, extractor, created_at
		 FROM ocr_blocks WHERE artifact_id = ? AND generation = ? ORDER BY order_idx`,
		artifactID, generation,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get blocks")
	}
	defer rows.Close()

	var blocks []model.OCRBlock
	for rows.Next() {
		var b model.OCRBlock
		if err := rows.Scan(&b.ID, &b.ArtifactID, &b.Generation, &b.OrderIndex,
			&b.Box.X, &b.Box.Y, &b.Box.Width, &b.Box.Height,
			&b.Text, &b.Confidence, &b.Extractor, &b.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan block")
		}
		blocks = append(blocks, b)
	}
	return blocks, eris.Wrap(rows.Err(), "sqlite: get blocks iterate")
}

// --- Provenance ---

func (s *SQLiteStore) CreateProvenance(ctx context.Context, fp model.FieldProvenance) error {
	var boxJSON any
	if fp.Evidence.Box != nil {
		b, err := json.Marshal(fp.Evidence.Box)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal evidence box")
		}
		boxJSON = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provenance (id, entity_type, entity_id, field_path, period_key, document_id, page, block_id, box, quote, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fp.ID, fp.EntityType, fp.EntityID, fp.FieldPath, fp.PeriodKey,
		fp.Evidence.DocumentID, fp.Evidence.Page, fp.Evidence.BlockID, boxJSON, fp.Evidence.Quote,
		fp.CreatedBy, fp.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert provenance %s", fp.ID)
}

const selectProvenance = `SELECT id, entity_type, entity_id, field_path, period_key, document_id, page, block_id, box, quote, created_by, created_at FROM provenance`

func (s *SQLiteStore) GetProvenance(ctx context.Context, id string) (*model.FieldProvenance, error) {
	row := s.db.QueryRowContext(ctx, selectProvenance+` WHERE id = ?`, id)
	return scanProvenance(row)
}

func (s *SQLiteStore) ListProvenance(ctx context.Context, entityType, entityID string) ([]model.FieldProvenance, error) {
	rows, err := s.db.QueryContext(ctx,
		selectProvenance+` WHERE entity_type = ? AND entity_id = ? ORDER BY created_at`,
		entityType, entityID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list provenance")
	}
	return collectProvenance(rows)
}

func (s *SQLiteStore) ListProvenanceByPeriod(ctx context.Context, periodKey string) ([]model.FieldProvenance, error) {
	rows, err := s.db.QueryContext(ctx,
		selectProvenance+` WHERE period_key = ? ORDER BY created_at`, periodKey,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list provenance by period")
	}
	return collectProvenance(rows)
}

func (s *SQLiteStore) DeleteProvenance(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM provenance WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete provenance %s", id)
	}
	return checkRowsAffected(res, "provenance", id)
}

// --- Anomalies ---

const selectAnomaly = `SELECT id, rule_id, entity_type, entity_id, field_path, period_key, severity, message, status, revision, first_seen, last_seen, resolved_by, resolved_at FROM anomalies`

func (s *SQLiteStore) GetAnomaly(ctx context.Context, id string) (*model.Anomaly, error) {
	row := s.db.QueryRowContext(ctx, selectAnomaly+` WHERE id = ?`, id)
	return scanAnomaly(row)
}

func (s *SQLiteStore) GetAnomalyByKey(ctx context.Context, ruleID, targetKey string) (*model.Anomaly, error) {
	row := s.db.QueryRowContext(ctx, selectAnomaly+` WHERE rule_id = ? AND target_key = ?`, ruleID, targetKey)
	a, err := scanAnomaly(row)
	if eris.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	return a, err
}

func (s *SQLiteStore) InsertAnomaly(ctx context.Context, a model.Anomaly) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO anomalies (id, rule_id, target_key, entity_type, entity_id, field_path, period_key, severity, message, status, revision, first_seen, last_seen, resolved_by, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RuleID, a.Target.Key(), a.Target.EntityType, a.Target.EntityID, a.Target.FieldPath,
		a.PeriodKey, string(a.Severity), a.Message, string(a.Status), a.Revision,
		a.FirstSeen, a.LastSeen, a.ResolvedBy, a.ResolvedAt,
	)
	return eris.Wrapf(err, "sqlite: insert anomaly %s", a.ID)
}

// UpdateAnomalyScan applies a scanner-driven reconcile to an existing row and
// bumps its revision. The write is conditioned on a.Revision, the revision
// the scanner read; a human status change landing in between bumps the row
// past it and the scan write fails ErrConflict instead of reverting the
// human's decision.
func (s *SQLiteStore) UpdateAnomalyScan(ctx context.Context, a model.Anomaly) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE anomalies SET severity = ?, message = ?, status = ?, revision = revision + 1,
		 last_seen = ?, resolved_by = ?, resolved_at = ? WHERE id = ? AND revision = ?`,
		string(a.Severity), a.Message, string(a.Status), a.LastSeen, a.ResolvedBy, a.ResolvedAt, a.ID, a.Revision,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: scan update anomaly %s", a.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		if _, getErr := s.GetAnomaly(ctx, a.ID); getErr != nil {
			return getErr
		}
		return eris.Wrapf(model.ErrConflict, "anomaly %s at revision %d", a.ID, a.Revision)
	}
	return nil
}

func (s *SQLiteStore) UpdateAnomalyStatusCAS(ctx context.Context, id string, status model.AnomalyStatus, actor string, expectedRevision int64, now time.Time) error {
	var resolvedBy string
	var resolvedAt any
	if status == model.AnomalyResolved {
		resolvedBy = actor
		resolvedAt = now
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE anomalies SET status = ?, revision = revision + 1, resolved_by = ?, resolved_at = ?
		 WHERE id = ? AND revision = ?`,
		string(status), resolvedBy, resolvedAt, id, expectedRevision,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update anomaly status %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		// Distinguish a stale revision from a missing row.
		if _, getErr := s.GetAnomaly(ctx, id); getErr != nil {
			return getErr
		}
		return eris.Wrapf(model.ErrConflict, "anomaly %s at revision %d", id, expectedRevision)
	}
	return nil
}

func (s *SQLiteStore) ListAnomalies(ctx context.Context, filter model.AnomalyFilter) ([]model.Anomaly, error) {
	query := selectAnomaly + ` WHERE 1=1`
	var args []any

	if filter.PeriodKey != "" {
		query += ` AND period_key = ?`
		args = append(args, filter.PeriodKey)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(filter.Severity))
	}
	if filter.RuleID != "" {
		query += ` AND rule_id = ?`
		args = append(args, filter.RuleID)
	}
	query += ` ORDER BY first_seen`

	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list anomalies")
	}
	defer rows.Close()

	var anomalies []model.Anomaly
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, err
		}
		anomalies = append(anomalies, *a)
	}
	return anomalies, eris.Wrap(rows.Err(), "sqlite: list anomalies iterate")
}

// --- Period locks ---

func (s *SQLiteStore) GetPeriodLock(ctx context.Context, periodKey string) (*model.PeriodLock, error) {
	var pl model.PeriodLock
	var lockedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT period_key, status, locked_by, locked_at FROM period_locks WHERE period_key = ?`,
		periodKey,
	).Scan(&pl.PeriodKey, &pl.Status, &pl.LockedBy, &lockedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get period lock %s", periodKey)
	}
	if lockedAt.Valid {
		t := lockedAt.Time
		pl.LockedAt = &t
	}
	return &pl, nil
}

func (s *SQLiteStore) LockPeriod(ctx context.Context, periodKey, actor string, now time.Time) error {
	// Locking an already-locked period is a no-op success.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO period_locks (period_key, status, locked_by, locked_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(period_key) DO UPDATE SET status = ?, locked_by = CASE WHEN period_locks.status = ? THEN period_locks.locked_by ELSE excluded.locked_by END,
		 locked_at = CASE WHEN period_locks.status = ? THEN period_locks.locked_at ELSE excluded.locked_at END`,
		periodKey, string(model.PeriodLocked), actor, now,
		string(model.PeriodLocked), string(model.PeriodLocked), string(model.PeriodLocked),
	)
	return eris.Wrapf(err, "sqlite: lock period %s", periodKey)
}

// --- Business data ---

const selectBenchmark = `SELECT id, supplier_id, supplier_name, peer_id, peer_name, category, cee_rating, supplier_intensity, peer_intensity, potential_reduction_pct, upstream_impact_pct, industry_sector, revenue_band, annual_spend_usd, period_key, created_at, updated_at FROM supplier_benchmarks`

func (s *SQLiteStore) UpsertSupplierBenchmark(ctx context.Context, b model.SupplierBenchmark) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO supplier_benchmarks (id, supplier_id, supplier_name, peer_id, peer_name, category, cee_rating, supplier_intensity, peer_intensity, potential_reduction_pct, upstream_impact_pct, industry_sector, revenue_band, annual_spend_usd, period_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET supplier_name = excluded.supplier_name, peer_id = excluded.peer_id,
		 peer_name = excluded.peer_name, category = excluded.category, cee_rating = excluded.cee_rating,
		 supplier_intensity = excluded.supplier_intensity, peer_intensity = excluded.peer_intensity,
		 potential_reduction_pct = excluded.potential_reduction_pct, upstream_impact_pct = excluded.upstream_impact_pct,
		 industry_sector = excluded.industry_sector, revenue_band = excluded.revenue_band,
		 annual_spend_usd = excluded.annual_spend_usd, period_key = excluded.period_key, updated_at = excluded.updated_at`,
		b.ID, b.SupplierID, b.SupplierName, b.PeerID, b.PeerName, b.Category, b.CEERating,
		b.SupplierIntensity, b.PeerIntensity, b.PotentialReductionPct, b.UpstreamImpactPct,
		b.IndustrySector, b.RevenueBand, b.AnnualSpendUSD, b.PeriodKey, b.CreatedAt, b.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: upsert benchmark %s", b.ID)
}

// GetSupplierBenchmark resolves by benchmark id first, then by supplier_id,
// matching what the UI sends for either identifier.
func (s *SQLiteStore) GetSupplierBenchmark(ctx context.Context, identifier string) (*model.SupplierBenchmark, error) {
	row := s.db.QueryRowContext(ctx, selectBenchmark+` WHERE id = ?`, identifier)
	b, err := scanBenchmark(row)
	if err == nil {
		return b, nil
	}
	if !eris.Is(err, model.ErrNotFound) {
		return nil, err
	}
	row = s.db.QueryRowContext(ctx, selectBenchmark+` WHERE supplier_id = ? ORDER BY updated_at DESC LIMIT 1`, identifier)
	return scanBenchmark(row)
}

var benchmarkSortColumns = map[string]string{
	"upstream_impact_pct":     "upstream_impact_pct",
	"potential_reduction_pct": "potential_reduction_pct",
	"supplier_intensity":      "supplier_intensity",
	"supplier_name":           "supplier_name",
	"cee_rating":              "cee_rating",
}

func (s *SQLiteStore) ListSupplierBenchmarks(ctx context.Context, filter SupplierFilter) ([]model.SupplierBenchmark, error) {
	query := selectBenchmark + ` WHERE 1=1`
	var args []any

	if filter.PeriodKey != "" {
		query += ` AND period_key = ?`
		args = append(args, filter.PeriodKey)
	}
	if filter.Category != "" {
		query += ` AND category LIKE ?`
		args = append(args, "%"+filter.Category+"%")
	}
	if filter.RatingPrefix != "" {
		query += ` AND cee_rating LIKE ?`
		args = append(args, filter.RatingPrefix+"%")
	}
	if filter.MinImpact > 0 {
		query += ` AND upstream_impact_pct >= ?`
		args = append(args, filter.MinImpact)
	}
	if filter.MaxImpact > 0 {
		query += ` AND upstream_impact_pct <= ?`
		args = append(args, filter.MaxImpact)
	}
	if filter.MinReduction > 0 {
		query += ` AND potential_reduction_pct >= ?`
		args = append(args, filter.MinReduction)
	}

	sortCol, ok := benchmarkSortColumns[filter.SortBy]
	if !ok {
		sortCol = "upstream_impact_pct"
	}
	dir := "DESC"
	if filter.SortAsc {
		dir = "ASC"
	}
	query += ` ORDER BY ` + sortCol + ` ` + dir

	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list benchmarks")
	}
	defer rows.Close()

	var out []model.SupplierBenchmark
	for rows.Next() {
		b, err := scanBenchmark(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list benchmarks iterate")
}

func (s *SQLiteStore) GetEngagement(ctx context.Context, userID, supplierID string) (*model.Engagement, error) {
	var e model.Engagement
	var historyJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, supplier_id, status, notes, next_action_date, period_key, history, created_at, updated_at
		 FROM engagements WHERE user_id = ? AND supplier_id = ?`,
		userID, supplierID,
	).Scan(&e.UserID, &e.SupplierID, &e.Status, &e.Notes, &e.NextActionDate, &e.PeriodKey, &historyJSON, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get engagement")
	}
	if err := json.Unmarshal([]byte(historyJSON), &e.History); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal engagement history")
	}
	return &e, nil
}

func (s *SQLiteStore) ListEngagements(ctx context.Context, userID string) ([]model.Engagement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, supplier_id, status, notes, next_action_date, period_key, history, created_at, updated_at
		 FROM engagements WHERE user_id = ? ORDER BY updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list engagements")
	}
	defer rows.Close()

	var out []model.Engagement
	for rows.Next() {
		var e model.Engagement
		var historyJSON string
		if err := rows.Scan(&e.UserID, &e.SupplierID, &e.Status, &e.Notes, &e.NextActionDate, &e.PeriodKey, &historyJSON, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan engagement")
		}
		if err := json.Unmarshal([]byte(historyJSON), &e.History); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal engagement history")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PutEngagement(ctx context.Context, e model.Engagement) error {
	historyJSON, err := json.Marshal(e.History)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal engagement history")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO engagements (user_id, supplier_id, status, notes, next_action_date, period_key, history, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, supplier_id) DO UPDATE SET status = excluded.status, notes = excluded.notes,
		 next_action_date = excluded.next_action_date, period_key = excluded.period_key,
		 history = excluded.history, updated_at = excluded.updated_at`,
		e.UserID, e.SupplierID, string(e.Status), e.Notes, e.NextActionDate, e.PeriodKey,
		string(historyJSON), e.CreatedAt, e.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: put engagement")
}

func (s *SQLiteStore) GetRecommendation(ctx context.Context, benchmarkID string) (*model.RecommendationContent, error) {
	var contentJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM recommendations WHERE benchmark_id = ?`, benchmarkID,
	).Scan(&contentJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get recommendation")
	}
	var rec model.RecommendationContent
	if err := json.Unmarshal([]byte(contentJSON), &rec); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal recommendation")
	}
	return &rec, nil
}

func (s *SQLiteStore) PutRecommendation(ctx context.Context, rec model.RecommendationContent) error {
	contentJSON, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal recommendation")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO recommendations (benchmark_id, content, generated_at) VALUES (?, ?, ?)
		 ON CONFLICT(benchmark_id) DO UPDATE SET content = excluded.content, generated_at = excluded.generated_at`,
		rec.BenchmarkID, string(contentJSON), rec.GeneratedAt,
	)
	return eris.Wrapf(err, "sqlite: put recommendation %s", rec.BenchmarkID)
}

func (s *SQLiteStore) ListRecommendationsByPeriod(ctx context.Context, periodKey string) (map[string]model.RecommendationContent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.benchmark_id, r.content FROM recommendations r
		 JOIN supplier_benchmarks b ON b.id = r.benchmark_id WHERE b.period_key = ?`,
		periodKey,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list recommendations by period")
	}
	defer rows.Close()

	out := make(map[string]model.RecommendationContent)
	for rows.Next() {
		var id, contentJSON string
		if err := rows.Scan(&id, &contentJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan recommendation")
		}
		var rec model.RecommendationContent
		if err := json.Unmarshal([]byte(contentJSON), &rec); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal recommendation")
		}
		out[id] = rec
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list recommendations iterate")
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess model.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		sess.Token, sess.UserID, sess.ExpiresAt, sess.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert session")
}

func (s *SQLiteStore) GetSession(ctx context.Context, token string) (*model.Session, error) {
	var sess model.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT token, user_id, expires_at, created_at FROM sessions WHERE token = ?`, token,
	).Scan(&sess.Token, &sess.UserID, &sess.ExpiresAt, &sess.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(model.ErrNotFound, "sqlite: session")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get session")
	}
	return &sess, nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token)
	return eris.Wrap(err, "sqlite: delete session")
}

// --- Audit ---

func (s *SQLiteStore) InsertAuditEvent(ctx context.Context, ev model.AuditEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, event_name, resource_type, resource_id, actor, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.EventName, ev.ResourceType, ev.ResourceID, ev.Actor, ev.Timestamp,
	)
	return eris.Wrap(err, "sqlite: insert audit event")
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, limit int) ([]model.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_name, resource_type, resource_id, actor, ts FROM audit_events ORDER BY ts DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audit events")
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var ev model.AuditEvent
		if err := rows.Scan(&ev.ID, &ev.EventName, &ev.ResourceType, &ev.ResourceID, &ev.Actor, &ev.Timestamp); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit event")
		}
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: list audit events iterate")
}

// --- helpers ---

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanDocument(row scannable) (*model.Document, error) {
	var d model.Document
	var deleted int
	err := row.Scan(&d.ID, &d.PeriodKey, &d.Filename, &d.ContentHash, &d.KeyRef, &d.ByteSize, &d.PageCount, &d.UploadedBy, &d.UploadedAt, &deleted)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(model.ErrNotFound, "document")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan document")
	}
	d.Deleted = deleted != 0
	return &d, nil
}

func scanPageArtifact(row scannable) (*model.PageArtifact, error) {
	var pa model.PageArtifact
	err := row.Scan(&pa.ID, &pa.DocumentID, &pa.Page, &pa.ParamsHash, &pa.ContentHash, &pa.Width, &pa.Height, &pa.Format, &pa.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(model.ErrNotFound, "page artifact")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan page artifact")
	}
	return &pa, nil
}

func scanProvenance(row scannable) (*model.FieldProvenance, error) {
	var fp model.FieldProvenance
	var boxJSON sql.NullString
	err := row.Scan(&fp.ID, &fp.EntityType, &fp.EntityID, &fp.FieldPath, &fp.PeriodKey,
		&fp.Evidence.DocumentID, &fp.Evidence.Page, &fp.Evidence.BlockID, &boxJSON, &fp.Evidence.Quote,
		&fp.CreatedBy, &fp.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(model.ErrNotFound, "provenance")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan provenance")
	}
	if boxJSON.Valid && boxJSON.String != "" {
		var box model.BoundingBox
		if err := json.Unmarshal([]byte(boxJSON.String), &box); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal evidence box")
		}
		fp.Evidence.Box = &box
	}
	return &fp, nil
}

func collectProvenance(rows *sql.Rows) ([]model.FieldProvenance, error) {
	defer rows.Close()
	var out []model.FieldProvenance
	for rows.Next() {
		fp, err := scanProvenance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *fp)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: provenance iterate")
}

func scanAnomaly(row scannable) (*model.Anomaly, error) {
	var a model.Anomaly
	var resolvedAt sql.NullTime
	err := row.Scan(&a.ID, &a.RuleID, &a.Target.EntityType, &a.Target.EntityID, &a.Target.FieldPath,
		&a.PeriodKey, &a.Severity, &a.Message, &a.Status, &a.Revision,
		&a.FirstSeen, &a.LastSeen, &a.ResolvedBy, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(model.ErrNotFound, "anomaly")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan anomaly")
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}
	return &a, nil
}

func scanBenchmark(row scannable) (*model.SupplierBenchmark, error) {
	var b model.SupplierBenchmark
	err := row.Scan(&b.ID, &b.SupplierID, &b.SupplierName, &b.PeerID, &b.PeerName, &b.Category, &b.CEERating,
		&b.SupplierIntensity, &b.PeerIntensity, &b.PotentialReductionPct, &b.UpstreamImpactPct,
		&b.IndustrySector, &b.RevenueBand, &b.AnnualSpendUSD, &b.PeriodKey, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(model.ErrNotFound, "benchmark")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan benchmark")
	}
	return &b, nil
}
