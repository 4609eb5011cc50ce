package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/catalog-ingest/internal/model"
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
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// A single writer avoids SQLITE_BUSY under concurrent workers.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS attempts (
	id                     TEXT PRIMARY KEY,
	root_id                TEXT NOT NULL,
	parent_id              TEXT,
	attempt_index          INTEGER NOT NULL,
	document_name          TEXT NOT NULL,
	storage_path           TEXT NOT NULL,
	byte_size              INTEGER NOT NULL DEFAULT 0,
	media_type             TEXT NOT NULL DEFAULT '',
	vendor_key             TEXT NOT NULL,
	status                 TEXT NOT NULL DEFAULT 'pending',
	uploaded_at            DATETIME NOT NULL,
	mapping_started_at     DATETIME,
	mapping_ended_at       DATETIME,
	duration_ms            INTEGER NOT NULL DEFAULT 0,
	ocr                    TEXT,
	ocr_digest             TEXT,
	mapping                TEXT,
	mapping_digest         TEXT,
	requires_manual_review INTEGER NOT NULL DEFAULT 0,
	review_reason          TEXT,
	reviewed_by            TEXT,
	reviewed_at            DATETIME,
	export_status          TEXT NOT NULL DEFAULT 'not_exported',
	exported_at            DATETIME,
	exported_count         INTEGER NOT NULL DEFAULT 0,
	last_error             TEXT,
	created_at             DATETIME NOT NULL,
	updated_at             DATETIME NOT NULL,
	UNIQUE (root_id, attempt_index)
);

CREATE TABLE IF NOT EXISTS catalog_entries (
	id                TEXT PRIMARY KEY,
	vendor_key        TEXT NOT NULL,
	vendor_name       TEXT NOT NULL,
	line_no           INTEGER NOT NULL,
	sku               TEXT NOT NULL,
	name              TEXT NOT NULL,
	price             TEXT NOT NULL,
	unit              TEXT,
	description       TEXT,
	source_attempt_id TEXT NOT NULL,
	created_at        DATETIME NOT NULL,
	UNIQUE (source_attempt_id, line_no)
);

CREATE INDEX IF NOT EXISTS idx_attempts_status ON attempts(status);
CREATE INDEX IF NOT EXISTS idx_attempts_vendor ON attempts(vendor_key);
CREATE INDEX IF NOT EXISTS idx_catalog_entries_vendor ON catalog_entries(vendor_key);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateAttempt(ctx context.Context, a *model.Attempt) error {
	ocrJSON, err := sqliteJSON(a.OCR != nil, a.OCR)
	if err != nil {
		return err
	}
	mappingJSON, err := sqliteJSON(a.Mapping != nil, a.Mapping)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO attempts (`+attemptColumns+`) VALUES (
			?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
			?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RootID, nullable(a.ParentID), a.AttemptIndex,
		a.Source.DocumentName, a.Source.StoragePath, a.Source.ByteSize, a.Source.MediaType, a.Source.VendorKey,
		string(a.Status), a.UploadedAt.UTC(), a.MappingStartedAt, a.MappingEndedAt, a.DurationMs,
		ocrJSON, nullable(a.OCRDigest), mappingJSON, nullable(a.MappingDigest),
		a.RequiresManualReview, nullable(a.ReviewReason), nullable(a.ReviewedBy), a.ReviewedAt,
		string(a.ExportStatus), a.ExportedAt, a.ExportedCount,
		nullable(a.LastError), a.CreatedAt.UTC(), a.UpdatedAt.UTC(),
	)
	if err != nil {
		if isSQLiteUnique(err) {
			return eris.Wrapf(ErrDuplicate, "sqlite: insert attempt %s (root %s, index %d)", a.ID, a.RootID, a.AttemptIndex)
		}
		return eris.Wrapf(err, "sqlite: insert attempt %s", a.ID)
	}
	return nil
}

func (s *SQLiteStore) GetAttempt(ctx context.Context, id string) (*model.Attempt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE id = ?`, id)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: attempt %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get attempt %s", id)
	}
	return a, nil
}

func (s *SQLiteStore) ListLineage(ctx context.Context, rootID string) ([]model.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE root_id = ? ORDER BY attempt_index`, rootID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list lineage %s", rootID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attempt")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list lineage iterate")
}

func (s *SQLiteStore) MaxAttemptIndex(ctx context.Context, rootID string) (int, error) {
	var idx sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(attempt_index) FROM attempts WHERE root_id = ?`, rootID).Scan(&idx)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: max attempt index %s", rootID)
	}
	if !idx.Valid {
		return -1, nil
	}
	return int(idx.Int64), nil
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[model.AttemptStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM attempts GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count by status")
	}
	defer rows.Close() //nolint:errcheck

	counts := make(map[model.AttemptStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		counts[model.AttemptStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count by status iterate")
}

func (s *SQLiteStore) ApplyOCRResult(ctx context.Context, id string, payload *model.OCRPayload, digest string, at time.Time) (bool, error) {
	ocrJSON, err := sqliteJSON(true, payload)
	if err != nil {
		return false, err
	}
	return s.guarded(ctx, "apply ocr result", id,
		`UPDATE attempts SET status = ?, ocr = ?, ocr_digest = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.StatusOCRComplete), ocrJSON, digest, at.UTC(), id, string(model.StatusPending))
}

func (s *SQLiteStore) ApplyMappingStart(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.guarded(ctx, "apply mapping start", id,
		`UPDATE attempts SET status = ?, mapping_started_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.StatusMappingInProgress), at.UTC(), at.UTC(), id, string(model.StatusOCRComplete))
}

func (s *SQLiteStore) ApplyMappingResult(ctx context.Context, id string, rec MappingRecord) (bool, error) {
	mappingJSON, err := sqliteJSON(true, rec.Payload)
	if err != nil {
		return false, err
	}
	return s.guarded(ctx, "apply mapping result", id,
		`UPDATE attempts SET status = ?, mapping = ?, mapping_digest = ?,
			requires_manual_review = ?, review_reason = ?,
			mapping_ended_at = ?, duration_ms = ?, last_error = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.StatusCompleted), mappingJSON, rec.Digest,
		rec.RequiresReview, nullable(rec.ReviewReason),
		rec.EndedAt.UTC(), rec.DurationMs, rec.EndedAt.UTC(),
		id, string(model.StatusMappingInProgress))
}

func (s *SQLiteStore) ApplyFailure(ctx context.Context, id string, reason string, at time.Time) (bool, error) {
	return s.guarded(ctx, "apply failure", id,
		`UPDATE attempts SET status = ?, last_error = ?,
			mapping_ended_at = CASE WHEN mapping_started_at IS NULL THEN NULL ELSE ? END,
			updated_at = ?
		 WHERE id = ? AND status IN (?, ?, ?)`,
		string(model.StatusFailed), reason, at.UTC(), at.UTC(), id,
		string(model.StatusPending), string(model.StatusOCRComplete), string(model.StatusMappingInProgress))
}

func (s *SQLiteStore) ApplyReview(ctx context.Context, id string, reviewer string, at time.Time) (bool, error) {
	return s.guarded(ctx, "apply review", id,
		`UPDATE attempts SET requires_manual_review = 0, reviewed_by = ?, reviewed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		reviewer, at.UTC(), at.UTC(), id, string(model.StatusCompleted))
}

func (s *SQLiteStore) ApplyExportConfirmed(ctx context.Context, id string, count int, at time.Time) (bool, error) {
	return s.guarded(ctx, "apply export confirmed", id,
		`UPDATE attempts SET export_status = ?, exported_at = ?, exported_count = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND export_status = ?`,
		string(model.ExportConfirmed), at.UTC(), count, at.UTC(),
		id, string(model.StatusCompleted), string(model.ExportNotExported))
}

func (s *SQLiteStore) ApplyExportRejected(ctx context.Context, id string, reviewer, reason string, at time.Time) (bool, error) {
	return s.guarded(ctx, "apply export rejected", id,
		`UPDATE attempts SET export_status = ?, reviewed_by = ?, reviewed_at = ?, review_reason = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND export_status = ?`,
		string(model.ExportRejected), reviewer, at.UTC(), nullable(reason), at.UTC(),
		id, string(model.StatusCompleted), string(model.ExportNotExported))
}

func (s *SQLiteStore) InsertCatalogEntries(ctx context.Context, entries []model.CatalogEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin catalog insert")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO catalog_entries (`+catalogColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare catalog insert")
	}
	defer stmt.Close() //nolint:errcheck

	inserted := 0
	for _, e := range entries {
		res, err := stmt.ExecContext(ctx, e.ID, e.VendorKey, e.VendorName, e.LineNo, e.SKU, e.Name,
			e.Price.String(), nullable(e.Unit), nullable(e.Description), e.SourceAttemptID, e.CreatedAt.UTC())
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert catalog entry %s", e.ID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "rows affected")
		}
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit catalog insert")
	}
	return inserted, nil
}

func (s *SQLiteStore) CountCatalogEntries(ctx context.Context, attemptID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM catalog_entries WHERE source_attempt_id = ?`, attemptID).Scan(&n)
	return n, eris.Wrapf(err, "sqlite: count catalog entries %s", attemptID)
}

func (s *SQLiteStore) DeleteCatalogEntries(ctx context.Context, attemptID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM catalog_entries WHERE source_attempt_id = ?`, attemptID)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: delete catalog entries %s", attemptID)
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrapf(err, "sqlite: delete catalog entries %s", attemptID)
}

func (s *SQLiteStore) ListCatalogEntries(ctx context.Context, filter CatalogFilter) ([]model.CatalogEntry, error) {
	query := `SELECT ` + catalogColumns + ` FROM catalog_entries WHERE 1=1`
	var args []any
	if filter.VendorKey != "" {
		query += ` AND vendor_key = ?`
		args = append(args, filter.VendorKey)
	}
	if filter.SourceAttemptID != "" {
		query += ` AND source_attempt_id = ?`
		args = append(args, filter.SourceAttemptID)
	}
	query += ` ORDER BY vendor_key, source_attempt_id, line_no LIMIT ?`
	args = append(args, catalogLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list catalog entries")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.CatalogEntry
	for rows.Next() {
		e, err := scanCatalogEntry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan catalog entry")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list catalog entries iterate")
}

func (s *SQLiteStore) DeleteLineage(ctx context.Context, rootID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM attempts WHERE root_id = ?`, rootID)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: delete lineage %s", rootID)
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "rows affected")
}

func (s *SQLiteStore) DeleteAttempt(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM attempts WHERE id = ? AND attempt_index > 0`, id)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: delete attempt %s", id)
	}
	n, err := res.RowsAffected()
	return n > 0, eris.Wrap(err, "rows affected")
}

// guarded runs a conditional single-row update and reports whether it matched.
func (s *SQLiteStore) guarded(ctx context.Context, op, id, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: %s %s", op, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "rows affected")
	}
	return n > 0, nil
}

// sqliteJSON encodes a payload as TEXT, or NULL when absent.
func sqliteJSON(present bool, v any) (any, error) {
	if !present {
		return nil, nil
	}
	b, err := encodePayload(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
