package ocr

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-ingest/internal/model"
)

// layoutMinColumns is the narrowest line run treated as a table.
const layoutMinColumns = 3

// PdfToText extracts text from PDFs using the pdftotext CLI tool and
// recovers tables from the -layout column alignment.
type PdfToText struct {
	binPath string
}

// NewPdfToText creates a PdfToText analyzer. If binPath is empty, "pdftotext" is used.
func NewPdfToText(binPath string) *PdfToText {
	if binPath == "" {
		binPath = "pdftotext"
	}
	return &PdfToText{binPath: binPath}
}

// Name implements Analyzer.
func (p *PdfToText) Name() string { return "pdftotext" }

// Analyze writes the document to a temp file and runs pdftotext -layout on it.
func (p *PdfToText) Analyze(ctx context.Context, doc Document) (*model.OCRPayload, error) {
	f, err := os.CreateTemp("", "catalog-*.pdf")
	if err != nil {
		return nil, eris.Wrap(err, "ocr: create temp file")
	}
	defer os.Remove(f.Name()) //nolint:errcheck

	if _, err := f.Write(doc.Data); err != nil {
		f.Close() //nolint:errcheck,gosec
		return nil, eris.Wrap(err, "ocr: write temp file")
	}
	if err := f.Close(); err != nil {
		return nil, eris.Wrap(err, "ocr: close temp file")
	}

	text, err := p.extractText(ctx, f.Name())
	if err != nil {
		return nil, err
	}

	return &model.OCRPayload{
		Text:      text,
		Tables:    parseLayoutTables(text, layoutMinColumns),
		PageCount: countPages(text),
	}, nil
}

func (p *PdfToText) extractText(ctx context.Context, pdfPath string) (string, error) {
	cmd := exec.CommandContext(ctx, p.binPath, "-layout", pdfPath, "-")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", eris.Wrapf(err, "ocr: pdftotext failed for %s: %s", pdfPath, stderr.String())
	}

	return stdout.String(), nil
}

// countPages counts form feeds; pdftotext ends every page with one.
func countPages(text string) int {
	n := strings.Count(text, "\f")
	if n == 0 && strings.TrimSpace(text) != "" {
		return 1
	}
	return n
}
