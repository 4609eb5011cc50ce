package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-ingest/internal/model"
)

// ErrDuplicate is returned by CreateAttempt when (root_id, attempt_index)
// is already taken by another attempt of the same lineage.
var ErrDuplicate = eris.New("duplicate attempt index")

// MappingRecord carries everything written by the Completed transition.
type MappingRecord struct {
	Payload        *model.MappingPayload
	Digest         string
	RequiresReview bool
	ReviewReason   string
	EndedAt        time.Time
	DurationMs     int64
}

// CatalogFilter specifies criteria for listing catalog entries.
type CatalogFilter struct {
	VendorKey       string `json:"vendor_key,omitempty"`
	SourceAttemptID string `json:"source_attempt_id,omitempty"`
	Limit           int    `json:"limit,omitempty"`
}

// Store is the Document Record Store. Every Apply* method is a single-row
// update conditional on the attempt's current status; it reports whether the
// row changed and never returns an error for a failed guard.
type Store interface {
	// Attempts
	CreateAttempt(ctx context.Context, a *model.Attempt) error
	GetAttempt(ctx context.Context, id string) (*model.Attempt, error)
	ListLineage(ctx context.Context, rootID string) ([]model.Attempt, error)
	MaxAttemptIndex(ctx context.Context, rootID string) (int, error)
	CountByStatus(ctx context.Context) (map[model.AttemptStatus]int, error)

	// Guarded transitions
	ApplyOCRResult(ctx context.Context, id string, payload *model.OCRPayload, digest string, at time.Time) (bool, error)
	ApplyMappingStart(ctx context.Context, id string, at time.Time) (bool, error)
	ApplyMappingResult(ctx context.Context, id string, rec MappingRecord) (bool, error)
	ApplyFailure(ctx context.Context, id string, reason string, at time.Time) (bool, error)
	ApplyReview(ctx context.Context, id string, reviewer string, at time.Time) (bool, error)
	ApplyExportConfirmed(ctx context.Context, id string, count int, at time.Time) (bool, error)
	ApplyExportRejected(ctx context.Context, id string, reviewer, reason string, at time.Time) (bool, error)

	// Catalog
	InsertCatalogEntries(ctx context.Context, entries []model.CatalogEntry) (int, error)
	CountCatalogEntries(ctx context.Context, attemptID string) (int, error)
	ListCatalogEntries(ctx context.Context, filter CatalogFilter) ([]model.CatalogEntry, error)
	// DeleteCatalogEntries removes the entries promoted from one attempt.
	DeleteCatalogEntries(ctx context.Context, attemptID string) (int, error)

	// Purge
	DeleteLineage(ctx context.Context, rootID string) (int, error)
	DeleteAttempt(ctx context.Context, id string) (bool, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// attemptColumns is the select list shared by both backends; scanAttempt
// reads columns in exactly this order.
const attemptColumns = `id, root_id, parent_id, attempt_index,
	document_name, storage_path, byte_size, media_type, vendor_key,
	status, uploaded_at, mapping_started_at, mapping_ended_at, duration_ms,
	ocr, ocr_digest, mapping, mapping_digest,
	requires_manual_review, review_reason, reviewed_by, reviewed_at,
	export_status, exported_at, exported_count,
	last_error, created_at, updated_at`

const catalogColumns = `id, vendor_key, vendor_name, line_no, sku, name, price, unit, description, source_attempt_id, created_at`

// scannable is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanAttempt(row scannable) (*model.Attempt, error) {
	var (
		a                                   model.Attempt
		parentID                            *string
		ocrJSON, mappingJSON                []byte
		ocrDigest, mappingDigest            *string
		reviewReason, reviewedBy, lastError *string
	)
	err := row.Scan(
		&a.ID, &a.RootID, &parentID, &a.AttemptIndex,
		&a.Source.DocumentName, &a.Source.StoragePath, &a.Source.ByteSize, &a.Source.MediaType, &a.Source.VendorKey,
		&a.Status, &a.UploadedAt, &a.MappingStartedAt, &a.MappingEndedAt, &a.DurationMs,
		&ocrJSON, &ocrDigest, &mappingJSON, &mappingDigest,
		&a.RequiresManualReview, &reviewReason, &reviewedBy, &a.ReviewedAt,
		&a.ExportStatus, &a.ExportedAt, &a.ExportedCount,
		&lastError, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.ParentID = deref(parentID)
	a.OCRDigest = deref(ocrDigest)
	a.MappingDigest = deref(mappingDigest)
	a.ReviewReason = deref(reviewReason)
	a.ReviewedBy = deref(reviewedBy)
	a.LastError = deref(lastError)

	if len(ocrJSON) > 0 {
		a.OCR = &model.OCRPayload{}
		if err := json.Unmarshal(ocrJSON, a.OCR); err != nil {
			return nil, eris.Wrapf(err, "store: unmarshal ocr payload for %s", a.ID)
		}
	}
	if len(mappingJSON) > 0 {
		a.Mapping = &model.MappingPayload{}
		if err := json.Unmarshal(mappingJSON, a.Mapping); err != nil {
			return nil, eris.Wrapf(err, "store: unmarshal mapping payload for %s", a.ID)
		}
	}
	return &a, nil
}

func scanCatalogEntry(row scannable) (*model.CatalogEntry, error) {
	var (
		e                 model.CatalogEntry
		price             string
		unit, description *string
	)
	if err := row.Scan(&e.ID, &e.VendorKey, &e.VendorName, &e.LineNo, &e.SKU, &e.Name, &price,
		&unit, &description, &e.SourceAttemptID, &e.CreatedAt); err != nil {
		return nil, err
	}
	if err := e.Price.Scan(price); err != nil {
		return nil, eris.Wrapf(err, "store: parse price for catalog entry %s", e.ID)
	}
	e.Unit = deref(unit)
	e.Description = deref(description)
	return &e, nil
}

// encodePayload marshals a payload. A nil result is stored as NULL.
func encodePayload(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal payload")
	}
	return b, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func catalogLimit(limit int) int {
	if limit <= 0 {
		return 1000
	}
	return limit
}
