package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// AttemptStatus represents the lifecycle position of a processing attempt.
type AttemptStatus string

const (
	StatusPending           AttemptStatus = "pending"
	StatusOCRComplete       AttemptStatus = "ocr_complete"
	StatusMappingInProgress AttemptStatus = "mapping_in_progress"
	StatusCompleted         AttemptStatus = "completed"
	StatusFailed            AttemptStatus = "failed"
)

// rank orders statuses along the forward path. Completed and Failed share
// the terminal rank.
func (s AttemptStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusOCRComplete:
		return 1
	case StatusMappingInProgress:
		return 2
	case StatusCompleted, StatusFailed:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s AttemptStatus) Valid() bool {
	return s.rank() >= 0
}

// IsTerminal reports whether no further transition is possible for the attempt.
func (s AttemptStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanAdvanceTo reports whether moving from s to next follows the forward
// order Pending → OCRComplete → MappingInProgress → {Completed|Failed}.
// Failed is reachable from every non-terminal status; Completed only from
// MappingInProgress.
func (s AttemptStatus) CanAdvanceTo(next AttemptStatus) bool {
	if !s.Valid() || !next.Valid() || s.IsTerminal() {
		return false
	}
	switch next {
	case StatusFailed:
		return true
	case StatusCompleted:
		return s == StatusMappingInProgress
	default:
		return next.rank() == s.rank()+1
	}
}

// ExportStatus tracks promotion of an attempt into the production catalog.
type ExportStatus string

const (
	ExportNotExported ExportStatus = "not_exported"
	ExportConfirmed   ExportStatus = "confirmed"
	ExportRejected    ExportStatus = "rejected"
)

// Review reasons recorded when an attempt needs a human look.
const (
	ReviewNoProducts       = "no_products"
	ReviewNoTables         = "no_tables"
	ReviewLowOCRConfidence = "low_ocr_confidence"
)

// SourceMetadata describes the uploaded artifact an attempt processes.
type SourceMetadata struct {
	DocumentName string `json:"document_name"`
	StoragePath  string `json:"storage_path"`
	ByteSize     int64  `json:"byte_size"`
	MediaType    string `json:"media_type"`
	VendorKey    string `json:"vendor_key"`
}

// OCRPayload is the output of the OCR stage.
type OCRPayload struct {
	Text       string  `json:"text"`
	Tables     []Table `json:"tables"`
	PageCount  int     `json:"page_count"`
	TableCount int     `json:"table_count"`
	Cost       float64 `json:"cost"`
	Confidence float64 `json:"confidence"` // 0 when the engine does not report one
}

// Normalize fills derived fields and replaces nil slices so that equal
// payloads always encode to the same bytes.
func (p *OCRPayload) Normalize() {
	if p.Tables == nil {
		p.Tables = []Table{}
	}
	for i := range p.Tables {
		if p.Tables[i].Cells == nil {
			p.Tables[i].Cells = []Cell{}
		}
	}
	p.TableCount = len(p.Tables)
}

// Digest returns a stable fingerprint of the payload.
func (p OCRPayload) Digest() string {
	p.Normalize()
	return digestJSON(p)
}

// ColumnMapping assigns table column indexes to product roles for a whole
// document. Name is required; the other roles may be absent.
type ColumnMapping struct {
	SKU         *int `json:"sku"`
	Name        int  `json:"name"`
	Price       *int `json:"price"`
	Unit        *int `json:"unit"`
	Description *int `json:"description"`
}

// MappingPayload is the output of the column-mapping stage.
type MappingPayload struct {
	Products     []Product     `json:"products"`
	Columns      ColumnMapping `json:"columns"`
	Model        string        `json:"model"`
	Prompt       string        `json:"prompt"`
	InputTokens  int64         `json:"input_tokens"`
	OutputTokens int64         `json:"output_tokens"`
	Cost         float64       `json:"cost"`
	VendorLabel  string        `json:"vendor_label"`
	ProductCount int           `json:"product_count"`
}

// Normalize fills derived fields and replaces nil slices.
func (p *MappingPayload) Normalize() {
	if p.Products == nil {
		p.Products = []Product{}
	}
	p.ProductCount = len(p.Products)
}

// Digest returns a stable fingerprint of the payload.
func (p MappingPayload) Digest() string {
	p.Normalize()
	return digestJSON(p)
}

// ValidProducts returns the products eligible for promotion.
func (p *MappingPayload) ValidProducts() []Product {
	if p == nil {
		return nil
	}
	out := make([]Product, 0, len(p.Products))
	for _, prod := range p.Products {
		if prod.Valid() {
			out = append(out, prod)
		}
	}
	return out
}

// Attempt is one OCR + mapping run over one uploaded artifact. Attempts that
// share a RootID form a lineage, totally ordered by AttemptIndex.
type Attempt struct {
	ID           string         `json:"id"`
	RootID       string         `json:"root_id"`
	ParentID     string         `json:"parent_id,omitempty"`
	AttemptIndex int            `json:"attempt_index"`
	Source       SourceMetadata `json:"source"`

	Status           AttemptStatus `json:"status"`
	UploadedAt       time.Time     `json:"uploaded_at"`
	MappingStartedAt *time.Time    `json:"mapping_started_at,omitempty"`
	MappingEndedAt   *time.Time    `json:"mapping_ended_at,omitempty"`
	DurationMs       int64         `json:"duration_ms"`

	OCR           *OCRPayload     `json:"ocr,omitempty"`
	OCRDigest     string          `json:"-"`
	Mapping       *MappingPayload `json:"mapping,omitempty"`
	MappingDigest string          `json:"-"`

	RequiresManualReview bool       `json:"requires_manual_review"`
	ReviewReason         string     `json:"review_reason,omitempty"`
	ReviewedBy           string     `json:"reviewed_by,omitempty"`
	ReviewedAt           *time.Time `json:"reviewed_at,omitempty"`

	ExportStatus  ExportStatus `json:"export_status"`
	ExportedAt    *time.Time   `json:"exported_at,omitempty"`
	ExportedCount int          `json:"exported_count"`

	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsRoot reports whether the attempt is the original of its lineage.
func (a *Attempt) IsRoot() bool {
	return a.AttemptIndex == 0 && a.RootID == a.ID
}

func digestJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
