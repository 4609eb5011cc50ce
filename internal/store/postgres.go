package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-ingest/internal/db"
	"github.com/sells-group/catalog-ingest/internal/model"
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

// preparedStatements lists the hot-path queries prepared on each new connection.
var preparedStatements = map[string]string{
	"get_attempt":         `SELECT ` + attemptColumns + ` FROM attempts WHERE id = $1`,
	"max_attempt_index":   `SELECT MAX(attempt_index) FROM attempts WHERE root_id = $1`,
	"count_catalog_entry": `SELECT COUNT(*) FROM catalog_entries WHERE source_attempt_id = $1`,
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

// NewPostgresFromPool wraps an existing pool. Close is a no-op; the caller
// owns the pool.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for subsystems that share it
// (the Postgres job queue).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS attempts (
	id                     TEXT PRIMARY KEY,
	root_id                TEXT NOT NULL,
	parent_id              TEXT,
	attempt_index          INTEGER NOT NULL,
	document_name          TEXT NOT NULL,
	storage_path           TEXT NOT NULL,
	byte_size              BIGINT NOT NULL DEFAULT 0,
	media_type             TEXT NOT NULL DEFAULT '',
	vendor_key             TEXT NOT NULL,
	status                 TEXT NOT NULL DEFAULT 'pending',
	uploaded_at            TIMESTAMPTZ NOT NULL,
	mapping_started_at     TIMESTAMPTZ,
	mapping_ended_at       TIMESTAMPTZ,
	duration_ms            BIGINT NOT NULL DEFAULT 0,
	ocr                    JSONB,
	ocr_digest             TEXT,
	mapping                JSONB,
	mapping_digest         TEXT,
	requires_manual_review BOOLEAN NOT NULL DEFAULT false,
	review_reason          TEXT,
	reviewed_by            TEXT,
	reviewed_at            TIMESTAMPTZ,
	export_status          TEXT NOT NULL DEFAULT 'not_exported',
	exported_at            TIMESTAMPTZ,
	exported_count         INTEGER NOT NULL DEFAULT 0,
	last_error             TEXT,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (root_id, attempt_index)
);

CREATE INDEX IF NOT EXISTS idx_attempts_status ON attempts(status);
CREATE INDEX IF NOT EXISTS idx_attempts_vendor ON attempts(vendor_key);

CREATE TABLE IF NOT EXISTS catalog_entries (
	id                TEXT PRIMARY KEY,
	vendor_key        TEXT NOT NULL,
	vendor_name       TEXT NOT NULL,
	line_no           INTEGER NOT NULL,
	sku               TEXT NOT NULL,
	name              TEXT NOT NULL,
	price             NUMERIC(14,4) NOT NULL,
	unit              TEXT,
	description       TEXT,
	source_attempt_id TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (source_attempt_id, line_no)
);

CREATE INDEX IF NOT EXISTS idx_catalog_entries_vendor ON catalog_entries(vendor_key);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

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

func (s *PostgresStore) CreateAttempt(ctx context.Context, a *model.Attempt) error {
	var ocrJSON, mappingJSON []byte
	var err error
	if a.OCR != nil {
		if ocrJSON, err = encodePayload(a.OCR); err != nil {
			return err
		}
	}
	if a.Mapping != nil {
		if mappingJSON, err = encodePayload(a.Mapping); err != nil {
			return err
		}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO attempts (`+attemptColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28)`,
		a.ID, a.RootID, nullable(a.ParentID), a.AttemptIndex,
		a.Source.DocumentName, a.Source.StoragePath, a.Source.ByteSize, a.Source.MediaType, a.Source.VendorKey,
		string(a.Status), a.UploadedAt, a.MappingStartedAt, a.MappingEndedAt, a.DurationMs,
		ocrJSON, nullable(a.OCRDigest), mappingJSON, nullable(a.MappingDigest),
		a.RequiresManualReview, nullable(a.ReviewReason), nullable(a.ReviewedBy), a.ReviewedAt,
		string(a.ExportStatus), a.ExportedAt, a.ExportedCount,
		nullable(a.LastError), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == db.UniqueViolation {
			return eris.Wrapf(ErrDuplicate, "postgres: insert attempt %s (root %s, index %d)", a.ID, a.RootID, a.AttemptIndex)
		}
		return eris.Wrapf(err, "postgres: insert attempt %s", a.ID)
	}
	return nil
}

func (s *PostgresStore) GetAttempt(ctx context.Context, id string) (*model.Attempt, error) {
	a, err := scanAttempt(s.pool.QueryRow(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "postgres: attempt %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get attempt %s", id)
	}
	return a, nil
}

func (s *PostgresStore) ListLineage(ctx context.Context, rootID string) ([]model.Attempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE root_id = $1 ORDER BY attempt_index`, rootID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list lineage %s", rootID)
	}
	defer rows.Close()

	var out []model.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan attempt")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list lineage iterate")
}

func (s *PostgresStore) MaxAttemptIndex(ctx context.Context, rootID string) (int, error) {
	var idx *int
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(attempt_index) FROM attempts WHERE root_id = $1`, rootID).Scan(&idx)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: max attempt index %s", rootID)
	}
	if idx == nil {
		return -1, nil
	}
	return *idx, nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[model.AttemptStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM attempts GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count by status")
	}
	defer rows.Close()

	counts := make(map[model.AttemptStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		counts[model.AttemptStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count by status iterate")
}

func (s *PostgresStore) ApplyOCRResult(ctx context.Context, id string, payload *model.OCRPayload, digest string, at time.Time) (bool, error) {
	ocrJSON, err := encodePayload(payload)
	if err != nil {
		return false, err
	}
	return s.guarded(ctx, "apply ocr result", id,
		`UPDATE attempts SET status = $1, ocr = $2, ocr_digest = $3, updated_at = $4
		 WHERE id = $5 AND status = $6`,
		string(model.StatusOCRComplete), ocrJSON, digest, at, id, string(model.StatusPending))
}

func (s *PostgresStore) ApplyMappingStart(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.guarded(ctx, "apply mapping start", id,
		`UPDATE attempts SET status = $1, mapping_started_at = $2, updated_at = $2
		 WHERE id = $3 AND status = $4`,
		string(model.StatusMappingInProgress), at, id, string(model.StatusOCRComplete))
}

func (s *PostgresStore) ApplyMappingResult(ctx context.Context, id string, rec MappingRecord) (bool, error) {
	mappingJSON, err := encodePayload(rec.Payload)
	if err != nil {
		return false, err
	}
	return s.guarded(ctx, "apply mapping result", id,
		`UPDATE attempts SET status = $1, mapping = $2, mapping_digest = $3,
			requires_manual_review = $4, review_reason = $5,
			mapping_ended_at = $6, duration_ms = $7, last_error = NULL, updated_at = $6
		 WHERE id = $8 AND status = $9`,
		string(model.StatusCompleted), mappingJSON, rec.Digest,
		rec.RequiresReview, nullable(rec.ReviewReason),
		rec.EndedAt, rec.DurationMs,
		id, string(model.StatusMappingInProgress))
}

func (s *PostgresStore) ApplyFailure(ctx context.Context, id string, reason string, at time.Time) (bool, error) {
	return s.guarded(ctx, "apply failure", id,
		`UPDATE attempts SET status = $1, last_error = $2,
			mapping_ended_at = CASE WHEN mapping_started_at IS NULL THEN NULL ELSE $3::timestamptz END,
			duration_ms = CASE WHEN mapping_started_at IS NULL THEN 0
				ELSE (EXTRACT(EPOCH FROM ($3::timestamptz - mapping_started_at)) * 1000)::bigint END,
			updated_at = $3
		 WHERE id = $4 AND status IN ($5, $6, $7)`,
		string(model.StatusFailed), reason, at, id,
		string(model.StatusPending), string(model.StatusOCRComplete), string(model.StatusMappingInProgress))
}

func (s *PostgresStore) ApplyReview(ctx context.Context, id string, reviewer string, at time.Time) (bool, error) {
	return s.guarded(ctx, "apply review", id,
		`UPDATE attempts SET requires_manual_review = false, reviewed_by = $1, reviewed_at = $2, updated_at = $2
		 WHERE id = $3 AND status = $4`,
		reviewer, at, id, string(model.StatusCompleted))
}

func (s *PostgresStore) ApplyExportConfirmed(ctx context.Context, id string, count int, at time.Time) (bool, error) {
	return s.guarded(ctx, "apply export confirmed", id,
		`UPDATE attempts SET export_status = $1, exported_at = $2, exported_count = $3, updated_at = $2
		 WHERE id = $4 AND status = $5 AND export_status = $6`,
		string(model.ExportConfirmed), at, count,
		id, string(model.StatusCompleted), string(model.ExportNotExported))
}

func (s *PostgresStore) ApplyExportRejected(ctx context.Context, id string, reviewer, reason string, at time.Time) (bool, error) {
	return s.guarded(ctx, "apply export rejected", id,
		`UPDATE attempts SET export_status = $1, reviewed_by = $2, reviewed_at = $3, review_reason = $4, updated_at = $3
		 WHERE id = $5 AND status = $6 AND export_status = $7`,
		string(model.ExportRejected), reviewer, at, nullable(reason),
		id, string(model.StatusCompleted), string(model.ExportNotExported))
}

var catalogUpsert = db.UpsertConfig{
	Table: "catalog_entries",
	Columns: []string{"id", "vendor_key", "vendor_name", "line_no", "sku", "name", "price",
		"unit", "description", "source_attempt_id", "created_at"},
	ConflictKeys:     []string{"source_attempt_id", "line_no"},
	IgnoreOnConflict: true,
}

// InsertCatalogEntries writes entries once; rows already present for the
// same (source_attempt_id, line_no) are left untouched.
func (s *PostgresStore) InsertCatalogEntries(ctx context.Context, entries []model.CatalogEntry) (int, error) {
	rows := make([][]any, len(entries))
	for i, e := range entries {
		rows[i] = []any{e.ID, e.VendorKey, e.VendorName, e.LineNo, e.SKU, e.Name, e.Price.String(),
			nullable(e.Unit), nullable(e.Description), e.SourceAttemptID, e.CreatedAt}
	}
	n, err := db.BulkUpsert(ctx, s.pool, catalogUpsert, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert catalog entries")
	}
	return int(n), nil
}

func (s *PostgresStore) CountCatalogEntries(ctx context.Context, attemptID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM catalog_entries WHERE source_attempt_id = $1`, attemptID).Scan(&n)
	return n, eris.Wrapf(err, "postgres: count catalog entries %s", attemptID)
}

func (s *PostgresStore) DeleteCatalogEntries(ctx context.Context, attemptID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM catalog_entries WHERE source_attempt_id = $1`, attemptID)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: delete catalog entries %s", attemptID)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ListCatalogEntries(ctx context.Context, filter CatalogFilter) ([]model.CatalogEntry, error) {
	query := `SELECT id, vendor_key, vendor_name, line_no, sku, name, price::text, unit, description, source_attempt_id, created_at
		FROM catalog_entries WHERE true`
	var args []any
	argN := 1

	if filter.VendorKey != "" {
		query += fmt.Sprintf(` AND vendor_key = $%d`, argN)
		args = append(args, filter.VendorKey)
		argN++
	}
	if filter.SourceAttemptID != "" {
		query += fmt.Sprintf(` AND source_attempt_id = $%d`, argN)
		args = append(args, filter.SourceAttemptID)
		argN++
	}
	query += fmt.Sprintf(` ORDER BY vendor_key, source_attempt_id, line_no LIMIT $%d`, argN)
	args = append(args, catalogLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list catalog entries")
	}
	defer rows.Close()

	var out []model.CatalogEntry
	for rows.Next() {
		e, err := scanCatalogEntry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan catalog entry")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list catalog entries iterate")
}

func (s *PostgresStore) DeleteLineage(ctx context.Context, rootID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM attempts WHERE root_id = $1`, rootID)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: delete lineage %s", rootID)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) DeleteAttempt(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM attempts WHERE id = $1 AND attempt_index > 0`, id)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: delete attempt %s", id)
	}
	return tag.RowsAffected() > 0, nil
}

// guarded runs a conditional single-row update and reports whether it matched.
func (s *PostgresStore) guarded(ctx context.Context, op, id, query string, args ...any) (bool, error) {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: %s %s", op, id)
	}
	return tag.RowsAffected() > 0, nil
}
