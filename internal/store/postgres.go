package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sankalpsthakur/scope3-reduce/internal/db"
	"github.com/sankalpsthakur/scope3-reduce/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the hottest store operations.
var preparedStatements = map[string]string{
	"get_document":       pgSelectDocument + ` WHERE id = $1`,
	"get_blob":           `SELECT ciphertext, nonce FROM blobs WHERE artifact_id = $1`,
	"find_page_artifact": pgSelectPageArtifact + ` WHERE document_id = $1 AND page = $2 AND params_hash = $3`,
	"latest_generation":  `SELECT MAX(generation) FROM ocr_blocks WHERE artifact_id = $1`,
	"get_period_lock":    `SELECT period_key, status, locked_by, locked_at FROM period_locks WHERE period_key = $1`,
	"get_session":        `SELECT token, user_id, expires_at, created_at FROM sessions WHERE token = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS documents (
	id           TEXT PRIMARY KEY,
	period_key   TEXT NOT NULL,
	filename     TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL,
	key_ref      TEXT NOT NULL,
	byte_size    BIGINT NOT NULL,
	page_count   INTEGER NOT NULL DEFAULT 0,
	uploaded_by  TEXT NOT NULL,
	uploaded_at  TIMESTAMPTZ NOT NULL,
	deleted      BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS blobs (
	artifact_id TEXT PRIMARY KEY,
	ciphertext  BYTEA NOT NULL,
	nonce       BYTEA NOT NULL
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
	created_at   TIMESTAMPTZ NOT NULL,
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
	confidence  DOUBLE PRECISION NOT NULL,
	extractor   TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
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
	box         JSONB,
	quote       TEXT NOT NULL DEFAULT '',
	created_by  TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
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
	revision    BIGINT NOT NULL DEFAULT 1,
	first_seen  TIMESTAMPTZ NOT NULL,
	last_seen   TIMESTAMPTZ NOT NULL,
	resolved_by TEXT NOT NULL DEFAULT '',
	resolved_at TIMESTAMPTZ,
	UNIQUE(rule_id, target_key)
);

CREATE TABLE IF NOT EXISTS period_locks (
	period_key TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	locked_by  TEXT NOT NULL DEFAULT '',
	locked_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS supplier_benchmarks (
	id                      TEXT PRIMARY KEY,
	supplier_id             TEXT NOT NULL,
	supplier_name           TEXT NOT NULL,
	peer_id                 TEXT NOT NULL,
	peer_name               TEXT NOT NULL,
	category                TEXT NOT NULL,
	cee_rating              TEXT NOT NULL,
	supplier_intensity      DOUBLE PRECISION NOT NULL,
	peer_intensity          DOUBLE PRECISION NOT NULL,
	potential_reduction_pct DOUBLE PRECISION NOT NULL,
	upstream_impact_pct     DOUBLE PRECISION NOT NULL,
	industry_sector         TEXT NOT NULL,
	revenue_band            TEXT NOT NULL,
	annual_spend_usd        DOUBLE PRECISION NOT NULL DEFAULT 0,
	period_key              TEXT NOT NULL,
	created_at              TIMESTAMPTZ NOT NULL,
	updated_at              TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS engagements (
	user_id          TEXT NOT NULL,
	supplier_id      TEXT NOT NULL,
	status           TEXT NOT NULL,
	notes            TEXT NOT NULL DEFAULT '',
	next_action_date TEXT NOT NULL DEFAULT '',
	period_key       TEXT NOT NULL,
	history          JSONB NOT NULL DEFAULT '[]',
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY(user_id, supplier_id)
);

CREATE TABLE IF NOT EXISTS recommendations (
	benchmark_id TEXT PRIMARY KEY,
	content      JSONB NOT NULL,
	generated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	token      TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_events (
	id            TEXT PRIMARY KEY,
	event_name    TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	resource_id   TEXT NOT NULL,
	actor         TEXT NOT NULL,
	ts            TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_hash_live ON documents(content_hash) WHERE NOT deleted;
CREATE INDEX IF NOT EXISTS idx_documents_period ON documents(period_key);
CREATE INDEX IF NOT EXISTS idx_ocr_blocks_artifact ON ocr_blocks(artifact_id, generation, order_idx);
CREATE INDEX IF NOT EXISTS idx_provenance_entity ON provenance(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_provenance_period ON provenance(period_key);
CREATE INDEX IF NOT EXISTS idx_anomalies_period ON anomalies(period_key, status);
CREATE INDEX IF NOT EXISTS idx_benchmarks_period ON supplier_benchmarks(period_key);
CREATE INDEX IF NOT EXISTS idx_benchmarks_supplier ON supplier_benchmarks(supplier_id);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(ts);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// --- Documents ---

const pgSelectDocument = `SELECT id, period_key, filename, content_hash, key_ref, byte_size, page_count, uploaded_by, uploaded_at, deleted FROM documents`

func (s *PostgresStore) CreateDocument(ctx context.Context, doc model.Document) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, period_key, filename, content_hash, key_ref, byte_size, page_count, uploaded_by, uploaded_at, deleted)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE)`,
		doc.ID, doc.PeriodKey, doc.Filename, doc.ContentHash, doc.KeyRef, doc.ByteSize, doc.PageCount, doc.UploadedBy, doc.UploadedAt,
	)
	return eris.Wrapf(err, "postgres: insert document %s", doc.ID)
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	return pgScanDocument(s.pool.QueryRow(ctx, pgSelectDocument+` WHERE id = $1`, id))
}

func (s *PostgresStore) GetDocumentByHash(ctx context.Context, contentHash string) (*model.Document, error) {
	doc, err := pgScanDocument(s.pool.QueryRow(ctx, pgSelectDocument+` WHERE content_hash = $1 AND NOT deleted`, contentHash))
	if eris.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	return doc, err
}

func (s *PostgresStore) SetDocumentPageCount(ctx context.Context, id string, pages int) error {
	tag, err := s.pool.Exec(ctx, `UPDATE documents SET page_count = $1 WHERE id = $2`, pages, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: set page count %s", id)
	}
	return pgCheckAffected(tag.RowsAffected(), "document", id)
}

func (s *PostgresStore) SoftDeleteDocument(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE documents SET deleted = TRUE WHERE id = $1 AND NOT deleted`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: soft delete document %s", id)
	}
	return pgCheckAffected(tag.RowsAffected(), "document", id)
}

func (s *PostgresStore) ListDocumentStatus(ctx context.Context, periodKey string) ([]DocumentStatus, error) {
	rows, err := s.pool.Query(ctx,
		pgSelectDocument+`,
		 (SELECT MIN(pa.created_at) FROM page_artifacts pa WHERE pa.document_id = documents.id),
		 (SELECT MIN(b.created_at) FROM ocr_blocks b JOIN page_artifacts pa ON b.artifact_id = pa.id WHERE pa.document_id = documents.id)
		 FROM documents WHERE period_key = $1 AND NOT deleted ORDER BY uploaded_at`,
		periodKey,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list document status")
	}
	defer rows.Close()

	var out []DocumentStatus
	for rows.Next() {
		var ds DocumentStatus
		d := &ds.Document
		if err := rows.Scan(&d.ID, &d.PeriodKey, &d.Filename, &d.ContentHash, &d.KeyRef, &d.ByteSize, &d.PageCount, &d.UploadedBy, &d.UploadedAt, &d.Deleted, &ds.RenderedAt, &ds.ExtractedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan document status")
		}
		out = append(out, ds)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list document status iterate")
}

// --- Blobs ---

func (s *PostgresStore) PutBlob(ctx context.Context, artifactID string, ciphertext, nonce []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO blobs (artifact_id, ciphertext, nonce) VALUES ($1, $2, $3)
		 ON CONFLICT (artifact_id) DO UPDATE SET ciphertext = EXCLUDED.ciphertext, nonce = EXCLUDED.nonce`,
		artifactID, ciphertext, nonce,
	)
	return eris.Wrapf(err, "postgres: put blob %s", artifactID)
}

func (s *PostgresStore) GetBlob(ctx context.Context, artifactID string) ([]byte, []byte, error) {
	var ciphertext, nonce []byte
	err := s.pool.QueryRow(ctx, `SELECT ciphertext, nonce FROM blobs WHERE artifact_id = $1`, artifactID).
		Scan(&ciphertext, &nonce)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, eris.Wrapf(model.ErrNotFound, "postgres: blob %s", artifactID)
	}
	if err != nil {
		return nil, nil, eris.Wrapf(err, "postgres: get blob %s", artifactID)
	}
	return ciphertext, nonce, nil
}

func (s *PostgresStore) DeleteBlob(ctx context.Context, artifactID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM blobs WHERE artifact_id = $1`, artifactID)
	return eris.Wrapf(err, "postgres: delete blob %s", artifactID)
}

// --- Page artifacts ---

const pgSelectPageArtifact = `SELECT id, document_id, page, params_hash, content_hash, width, height, format, created_at FROM page_artifacts`

func (s *PostgresStore) CreatePageArtifact(ctx context.Context, pa model.PageArtifact) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO page_artifacts (id, document_id, page, params_hash, content_hash, width, height, format, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		pa.ID, pa.DocumentID, pa.Page, pa.ParamsHash, pa.ContentHash, pa.Width, pa.Height, pa.Format, pa.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert page artifact %s", pa.ID)
}

func (s *PostgresStore) GetPageArtifact(ctx context.Context, id string) (*model.PageArtifact, error) {
	return pgScanPageArtifact(s.pool.QueryRow(ctx, pgSelectPageArtifact+` WHERE id = $1`, id))
}

func (s *PostgresStore) FindPageArtifact(ctx context.Context, documentID string, page int, paramsHash string) (*model.PageArtifact, error) {
	pa, err := pgScanPageArtifact(s.pool.QueryRow(ctx,
		pgSelectPageArtifact+` WHERE document_id = $1 AND page = $2 AND params_hash = $3`,
		documentID, page, paramsHash,
	))
	if eris.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	return pa, err
}

func (s *PostgresStore) DeletePageArtifactsForDocument(ctx context.Context, documentID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM page_artifacts WHERE document_id = $1`, documentID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list page artifacts")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan artifact id")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate artifact ids")
	}

	if _, err := s.pool.Exec(ctx,
		`DELETE FROM ocr_blocks WHERE artifact_id IN (SELECT id FROM page_artifacts WHERE document_id = $1)`,
		documentID,
	); err != nil {
		return nil, eris.Wrapf(err, "postgres: delete blocks for document %s", documentID)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM page_artifacts WHERE document_id = $1`, documentID); err != nil {
		return nil, eris.Wrapf(err, "postgres: delete page artifacts for %s", documentID)
	}
	return ids, nil
}

// --- OCR blocks ---

func (s *PostgresStore) InsertBlocks(ctx context.Context, blocks []model.OCRBlock) error {
	if len(blocks) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(blocks))
	for _, b := range blocks {
		rows = append(rows, []any{
			b.ID, b.ArtifactID, b.Generation, b.OrderIndex,
			b.Box.X, b.Box.Y, b.Box.Width, b.Box.Height,
			b.Text, b.Confidence, b.Extractor, b.CreatedAt,
		})
	}
	_, err := db.CopyFrom(ctx, s.pool, "ocr_blocks",
		[]string{"id", "artifact_id", "generation", "order_idx", "x", "y", "w", "h", "text", "confidence", "extractor", "created_at"},
		rows,
	)
	return eris.Wrap(err, "postgres: insert blocks")
}

func (s *PostgresStore) LatestGeneration(ctx context.Context, artifactID string) (int, error) {
	var gen *int64
	err := s.pool.QueryRow(ctx, `SELECT MAX(generation) FROM ocr_blocks WHERE artifact_id = $1`, artifactID).Scan(&gen)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: latest generation %s", artifactID)
	}
	if gen == nil {
		return 0, nil
	}
	return int(*gen), nil
}

func (s *PostgresStore) GetBlocks(ctx context.Context, artifactID string, generation int) ([]model.OCRBlock, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, artifact_id, generation, order_idx, x, y, w, h, text, confidence, extractor, created_at
		 FROM ocr_blocks WHERE artifact_id = $1 AND generation = $2 ORDER BY order_idx`,
		artifactID, generation,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get blocks")
	}
	defer rows.Close()

	var blocks []model.OCRBlock
	for rows.Next() {
		var b model.OCRBlock
		if err := rows.Scan(&b.ID, &b.ArtifactID, &b.Generation, &b.OrderIndex,
			&b.Box.X, &b.Box.Y, &b.Box.Width, &b.Box.Height,
			&b.Text, &b.Confidence, &b.Extractor, &b.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan block")
		}
		blocks = append(blocks, b)
	}
	return blocks, eris.Wrap(rows.Err(), "postgres: get blocks iterate")
}

// --- Provenance ---

const pgSelectProvenance = `SELECT id, entity_type, entity_id, field_path, period_key, document_id, page, block_id, box, quote, created_by, created_at FROM provenance`

func (s *PostgresStore) CreateProvenance(ctx context.Context, fp model.FieldProvenance) error {
	var boxJSON any
	if fp.Evidence.Box != nil {
		b, err := json.Marshal(fp.Evidence.Box)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal evidence box")
		}
		boxJSON = b
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO provenance (id, entity_type, entity_id, field_path, period_key, document_id, page, block_id, box, quote, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		fp.ID, fp.EntityType, fp.EntityID, fp.FieldPath, fp.PeriodKey,
		fp.Evidence.DocumentID, fp.Evidence.Page, fp.Evidence.BlockID, boxJSON, fp.Evidence.Quote,
		fp.CreatedBy, fp.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert provenance %s", fp.ID)
}

func (s *PostgresStore) GetProvenance(ctx context.Context, id string) (*model.FieldProvenance, error) {
	return pgScanProvenance(s.pool.QueryRow(ctx, pgSelectProvenance+` WHERE id = $1`, id))
}

func (s *PostgresStore) ListProvenance(ctx context.Context, entityType, entityID string) ([]model.FieldProvenance, error) {
	rows, err := s.pool.Query(ctx,
		pgSelectProvenance+` WHERE entity_type = $1 AND entity_id = $2 ORDER BY created_at`,
		entityType, entityID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list provenance")
	}
	return pgCollectProvenance(rows)
}

func (s *PostgresStore) ListProvenanceByPeriod(ctx context.Context, periodKey string) ([]model.FieldProvenance, error) {
	rows, err := s.pool.Query(ctx, pgSelectProvenance+` WHERE period_key = $1 ORDER BY created_at`, periodKey)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list provenance by period")
	}
	return pgCollectProvenance(rows)
}

func (s *PostgresStore) DeleteProvenance(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM provenance WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete provenance %s", id)
	}
	return pgCheckAffected(tag.RowsAffected(), "provenance", id)
}

// --- Anomalies ---

const pgSelectAnomaly = `SELECT id, rule_id, entity_type, entity_id, field_path, period_key, severity, message, status, revision, first_seen, last_seen, resolved_by, resolved_at FROM anomalies`

func (s *PostgresStore) GetAnomaly(ctx context.Context, id string) (*model.Anomaly, error) {
	return pgScanAnomaly(s.pool.QueryRow(ctx, pgSelectAnomaly+` WHERE id = $1`, id))
}

func (s *PostgresStore) GetAnomalyByKey(ctx context.Context, ruleID, targetKey string) (*model.Anomaly, error) {
	a, err := pgScanAnomaly(s.pool.QueryRow(ctx, pgSelectAnomaly+` WHERE rule_id = $1 AND target_key = $2`, ruleID, targetKey))
	if eris.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	return a, err
}

func (s *PostgresStore) InsertAnomaly(ctx context.Context, a model.Anomaly) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO anomalies (id, rule_id, target_key, entity_type, entity_id, field_path, period_key, severity, message, status, revision, first_seen, last_seen, resolved_by, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		a.ID, a.RuleID, a.Target.Key(), a.Target.EntityType, a.Target.EntityID, a.Target.FieldPath,
		a.PeriodKey, string(a.Severity), a.Message, string(a.Status), a.Revision,
		a.FirstSeen, a.LastSeen, a.ResolvedBy, a.ResolvedAt,
	)
	return eris.Wrapf(err, "postgres: insert anomaly %s", a.ID)
}

func (s *PostgresStore) UpdateAnomalyScan(ctx context.Context, a model.Anomaly) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE anomalies SET severity = $1, message = $2, status = $3, revision = revision + 1,
		 last_seen = $4, resolved_by = $5, resolved_at = $6 WHERE id = $7 AND revision = $8`,
		string(a.Severity), a.Message, string(a.Status), a.LastSeen, a.ResolvedBy, a.ResolvedAt, a.ID, a.Revision,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: scan update anomaly %s", a.ID)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetAnomaly(ctx, a.ID); getErr != nil {
			return getErr
		}
		return eris.Wrapf(model.ErrConflict, "anomaly %s at revision %d", a.ID, a.Revision)
	}
	return nil
}

func (s *PostgresStore) UpdateAnomalyStatusCAS(ctx context.Context, id string, status model.AnomalyStatus, actor string, expectedRevision int64, now time.Time) error {
	var resolvedBy string
	var resolvedAt *time.Time
	if status == model.AnomalyResolved {
		resolvedBy = actor
		resolvedAt = &now
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE anomalies SET status = $1, revision = revision + 1, resolved_by = $2, resolved_at = $3
		 WHERE id = $4 AND revision = $5`,
		string(status), resolvedBy, resolvedAt, id, expectedRevision,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update anomaly status %s", id)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetAnomaly(ctx, id); getErr != nil {
			return getErr
		}
		return eris.Wrapf(model.ErrConflict, "anomaly %s at revision %d", id, expectedRevision)
	}
	return nil
}

func (s *PostgresStore) ListAnomalies(ctx context.Context, filter model.AnomalyFilter) ([]model.Anomaly, error) {
	query := pgSelectAnomaly + ` WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return placeholder(len(args))
	}

	if filter.PeriodKey != "" {
		query += ` AND period_key = ` + arg(filter.PeriodKey)
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	if filter.Severity != "" {
		query += ` AND severity = ` + arg(string(filter.Severity))
	}
	if filter.RuleID != "" {
		query += ` AND rule_id = ` + arg(filter.RuleID)
	}
	query += ` ORDER BY first_seen`

	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	query += ` LIMIT ` + arg(limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list anomalies")
	}
	defer rows.Close()

	var anomalies []model.Anomaly
	for rows.Next() {
		a, err := pgScanAnomaly(rows)
		if err != nil {
			return nil, err
		}
		anomalies = append(anomalies, *a)
	}
	return anomalies, eris.Wrap(rows.Err(), "postgres: list anomalies iterate")
}

// --- Period locks ---

func (s *PostgresStore) GetPeriodLock(ctx context.Context, periodKey string) (*model.PeriodLock, error) {
	var pl model.PeriodLock
	err := s.pool.QueryRow(ctx,
		`SELECT period_key, status, locked_by, locked_at FROM period_locks WHERE period_key = $1`,
		periodKey,
	).Scan(&pl.PeriodKey, &pl.Status, &pl.LockedBy, &pl.LockedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get period lock %s", periodKey)
	}
	return &pl, nil
}

func (s *PostgresStore) LockPeriod(ctx context.Context, periodKey, actor string, now time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO period_locks (period_key, status, locked_by, locked_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (period_key) DO UPDATE SET status = EXCLUDED.status,
		 locked_by = EXCLUDED.locked_by, locked_at = EXCLUDED.locked_at
		 WHERE period_locks.status <> EXCLUDED.status`,
		periodKey, string(model.PeriodLocked), actor, now,
	)
	return eris.Wrapf(err, "postgres: lock period %s", periodKey)
}

// --- Business data ---

const pgSelectBenchmark = `SELECT id, supplier_id, supplier_name, peer_id, peer_name, category, cee_rating, supplier_intensity, peer_intensity, potential_reduction_pct, upstream_impact_pct, industry_sector, revenue_band, annual_spend_usd, period_key, created_at, updated_at FROM supplier_benchmarks`

func (s *PostgresStore) UpsertSupplierBenchmark(ctx context.Context, b model.SupplierBenchmark) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO supplier_benchmarks (id, supplier_id, supplier_name, peer_id, peer_name, category, cee_rating, supplier_intensity, peer_intensity, potential_reduction_pct, upstream_impact_pct, industry_sector, revenue_band, annual_spend_usd, period_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 ON CONFLICT (id) DO UPDATE SET supplier_name = EXCLUDED.supplier_name, peer_id = EXCLUDED.peer_id,
		 peer_name = EXCLUDED.peer_name, category = EXCLUDED.category, cee_rating = EXCLUDED.cee_rating,
		 supplier_intensity = EXCLUDED.supplier_intensity, peer_intensity = EXCLUDED.peer_intensity,
		 potential_reduction_pct = EXCLUDED.potential_reduction_pct, upstream_impact_pct = EXCLUDED.upstream_impact_pct,
		 industry_sector = EXCLUDED.industry_sector, revenue_band = EXCLUDED.revenue_band,
		 annual_spend_usd = EXCLUDED.annual_spend_usd, period_key = EXCLUDED.period_key, updated_at = EXCLUDED.updated_at`,
		b.ID, b.SupplierID, b.SupplierName, b.PeerID, b.PeerName, b.Category, b.CEERating,
		b.SupplierIntensity, b.PeerIntensity, b.PotentialReductionPct, b.UpstreamImpactPct,
		b.IndustrySector, b.RevenueBand, b.AnnualSpendUSD, b.PeriodKey, b.CreatedAt, b.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert benchmark %s", b.ID)
}

func (s *PostgresStore) GetSupplierBenchmark(ctx context.Context, identifier string) (*model.SupplierBenchmark, error) {
	b, err := pgScanBenchmark(s.pool.QueryRow(ctx, pgSelectBenchmark+` WHERE id = $1`, identifier))
	if err == nil {
		return b, nil
	}
	if !eris.Is(err, model.ErrNotFound) {
		return nil, err
	}
	return pgScanBenchmark(s.pool.QueryRow(ctx,
		pgSelectBenchmark+` WHERE supplier_id = $1 ORDER BY updated_at DESC LIMIT 1`, identifier))
}

func (s *PostgresStore) ListSupplierBenchmarks(ctx context.Context, filter SupplierFilter) ([]model.SupplierBenchmark, error) {
	query := pgSelectBenchmark + ` WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return placeholder(len(args))
	}

	if filter.PeriodKey != "" {
		query += ` AND period_key = ` + arg(filter.PeriodKey)
	}
	if filter.Category != "" {
		query += ` AND category ILIKE ` + arg("%"+filter.Category+"%")
	}
	if filter.RatingPrefix != "" {
		query += ` AND cee_rating ILIKE ` + arg(filter.RatingPrefix+"%")
	}
	if filter.MinImpact > 0 {
		query += ` AND upstream_impact_pct >= ` + arg(filter.MinImpact)
	}
	if filter.MaxImpact > 0 {
		query += ` AND upstream_impact_pct <= ` + arg(filter.MaxImpact)
	}
	if filter.MinReduction > 0 {
		query += ` AND potential_reduction_pct >= ` + arg(filter.MinReduction)
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
	query += ` LIMIT ` + arg(limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list benchmarks")
	}
	defer rows.Close()

	var out []model.SupplierBenchmark
	for rows.Next() {
		b, err := pgScanBenchmark(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list benchmarks iterate")
}

func (s *PostgresStore) GetEngagement(ctx context.Context, userID, supplierID string) (*model.Engagement, error) {
	var e model.Engagement
	var historyJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, supplier_id, status, notes, next_action_date, period_key, history, created_at, updated_at
		 FROM engagements WHERE user_id = $1 AND supplier_id = $2`,
		userID, supplierID,
	).Scan(&e.UserID, &e.SupplierID, &e.Status, &e.Notes, &e.NextActionDate, &e.PeriodKey, &historyJSON, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get engagement")
	}
	if err := json.Unmarshal(historyJSON, &e.History); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal engagement history")
	}
	return &e, nil
}

func (s *PostgresStore) ListEngagements(ctx context.Context, userID string) ([]model.Engagement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, supplier_id, status, notes, next_action_date, period_key, history, created_at, updated_at
		 FROM engagements WHERE user_id = $1 ORDER BY updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list engagements")
	}
	defer rows.Close()

	var out []model.Engagement
	for rows.Next() {
		var e model.Engagement
		var historyJSON []byte
		if err := rows.Scan(&e.UserID, &e.SupplierID, &e.Status, &e.Notes, &e.NextActionDate, &e.PeriodKey, &historyJSON, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan engagement")
		}
		if err := json.Unmarshal(historyJSON, &e.History); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal engagement history")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutEngagement(ctx context.Context, e model.Engagement) error {
	historyJSON, err := json.Marshal(e.History)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal engagement history")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO engagements (user_id, supplier_id, status, notes, next_action_date, period_key, history, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (user_id, supplier_id) DO UPDATE SET status = EXCLUDED.status, notes = EXCLUDED.notes,
		 next_action_date = EXCLUDED.next_action_date, period_key = EXCLUDED.period_key,
		 history = EXCLUDED.history, updated_at = EXCLUDED.updated_at`,
		e.UserID, e.SupplierID, string(e.Status), e.Notes, e.NextActionDate, e.PeriodKey,
		historyJSON, e.CreatedAt, e.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: put engagement")
}

func (s *PostgresStore) GetRecommendation(ctx context.Context, benchmarkID string) (*model.RecommendationContent, error) {
	var contentJSON []byte
	err := s.pool.QueryRow(ctx, `SELECT content FROM recommendations WHERE benchmark_id = $1`, benchmarkID).Scan(&contentJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get recommendation")
	}
	var rec model.RecommendationContent
	if err := json.Unmarshal(contentJSON, &rec); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal recommendation")
	}
	return &rec, nil
}

func (s *PostgresStore) PutRecommendation(ctx context.Context, rec model.RecommendationContent) error {
	contentJSON, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal recommendation")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO recommendations (benchmark_id, content, generated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (benchmark_id) DO UPDATE SET content = EXCLUDED.content, generated_at = EXCLUDED.generated_at`,
		rec.BenchmarkID, contentJSON, rec.GeneratedAt,
	)
	return eris.Wrapf(err, "postgres: put recommendation %s", rec.BenchmarkID)
}

func (s *PostgresStore) ListRecommendationsByPeriod(ctx context.Context, periodKey string) (map[string]model.RecommendationContent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT r.benchmark_id, r.content FROM recommendations r
		 JOIN supplier_benchmarks b ON b.id = r.benchmark_id WHERE b.period_key = $1`,
		periodKey,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list recommendations by period")
	}
	defer rows.Close()

	out := make(map[string]model.RecommendationContent)
	for rows.Next() {
		var id string
		var contentJSON []byte
		if err := rows.Scan(&id, &contentJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan recommendation")
		}
		var rec model.RecommendationContent
		if err := json.Unmarshal(contentJSON, &rec); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal recommendation")
		}
		out[id] = rec
	}
	return out, eris.Wrap(rows.Err(), "postgres: list recommendations iterate")
}

// --- Sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, sess model.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (token, user_id, expires_at, created_at) VALUES ($1, $2, $3, $4)`,
		sess.Token, sess.UserID, sess.ExpiresAt, sess.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert session")
}

func (s *PostgresStore) GetSession(ctx context.Context, token string) (*model.Session, error) {
	var sess model.Session
	err := s.pool.QueryRow(ctx,
		`SELECT token, user_id, expires_at, created_at FROM sessions WHERE token = $1`, token,
	).Scan(&sess.Token, &sess.UserID, &sess.ExpiresAt, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(model.ErrNotFound, "postgres: session")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get session")
	}
	return &sess, nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, token string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE token = $1`, token)
	return eris.Wrap(err, "postgres: delete session")
}

// --- Audit ---

func (s *PostgresStore) InsertAuditEvent(ctx context.Context, ev model.AuditEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_events (id, event_name, resource_type, resource_id, actor, ts) VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.EventName, ev.ResourceType, ev.ResourceID, ev.Actor, ev.Timestamp,
	)
	return eris.Wrap(err, "postgres: insert audit event")
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, limit int) ([]model.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, event_name, resource_type, resource_id, actor, ts FROM audit_events ORDER BY ts DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audit events")
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var ev model.AuditEvent
		if err := rows.Scan(&ev.ID, &ev.EventName, &ev.ResourceType, &ev.ResourceID, &ev.Actor, &ev.Timestamp); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit event")
		}
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "postgres: list audit events iterate")
}

// --- helpers ---

func placeholder(n int) string {
	const digits = "0123456789"
	if n < 10 {
		return "$" + digits[n:n+1]
	}
	return "$" + digits[n/10:n/10+1] + digits[n%10:n%10+1]
}

func pgCheckAffected(n int64, entity, id string) error {
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func pgScanDocument(row pgx.Row) (*model.Document, error) {
	var d model.Document
	err := row.Scan(&d.ID, &d.PeriodKey, &d.Filename, &d.ContentHash, &d.KeyRef, &d.ByteSize, &d.PageCount, &d.UploadedBy, &d.UploadedAt, &d.Deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(model.ErrNotFound, "document")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan document")
	}
	return &d, nil
}

func pgScanPageArtifact(row pgx.Row) (*model.PageArtifact, error) {
	var pa model.PageArtifact
	err := row.Scan(&pa.ID, &pa.DocumentID, &pa.Page, &pa.ParamsHash, &pa.ContentHash, &pa.Width, &pa.Height, &pa.Format, &pa.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(model.ErrNotFound, "page artifact")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan page artifact")
	}
	return &pa, nil
}

func pgScanProvenance(row pgx.Row) (*model.FieldProvenance, error) {
	var fp model.FieldProvenance
	var boxJSON []byte
	err := row.Scan(&fp.ID, &fp.EntityType, &fp.EntityID, &fp.FieldPath, &fp.PeriodKey,
		&fp.Evidence.DocumentID, &fp.Evidence.Page, &fp.Evidence.BlockID, &boxJSON, &fp.Evidence.Quote,
		&fp.CreatedBy, &fp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(model.ErrNotFound, "provenance")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan provenance")
	}
	if len(boxJSON) > 0 {
		var box model.BoundingBox
		if err := json.Unmarshal(boxJSON, &box); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal evidence box")
		}
		fp.Evidence.Box = &box
	}
	return &fp, nil
}

func pgCollectProvenance(rows pgx.Rows) ([]model.FieldProvenance, error) {
	defer rows.Close()
	var out []model.FieldProvenance
	for rows.Next() {
		fp, err := pgScanProvenance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *fp)
	}
	return out, eris.Wrap(rows.Err(), "postgres: provenance iterate")
}

func pgScanAnomaly(row pgx.Row) (*model.Anomaly, error) {
	var a model.Anomaly
	err := row.Scan(&a.ID, &a.RuleID, &a.Target.EntityType, &a.Target.EntityID, &a.Target.FieldPath,
		&a.PeriodKey, &a.Severity, &a.Message, &a.Status, &a.Revision,
		&a.FirstSeen, &a.LastSeen, &a.ResolvedBy, &a.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(model.ErrNotFound, "anomaly")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan anomaly")
	}
	return &a, nil
}

func pgScanBenchmark(row pgx.Row) (*model.SupplierBenchmark, error) {
	var b model.SupplierBenchmark
	err := row.Scan(&b.ID, &b.SupplierID, &b.SupplierName, &b.PeerID, &b.PeerName, &b.Category, &b.CEERating,
		&b.SupplierIntensity, &b.PeerIntensity, &b.PotentialReductionPct, &b.UpstreamImpactPct,
		&b.IndustrySector, &b.RevenueBand, &b.AnnualSpendUSD, &b.PeriodKey, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(model.ErrNotFound, "benchmark")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan benchmark")
	}
	return &b, nil
}
