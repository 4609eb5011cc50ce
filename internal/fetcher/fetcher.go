// Package fetcher pulls vendor documents from remote drop locations.
package fetcher

import (
	"context"
	"io"
	"path"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-ingest/internal/model"
)

// MaxDocumentBytes caps a fetched document, matching the upload limit.
const MaxDocumentBytes = 64 << 20

// Remote is a document read from a drop location.
type Remote struct {
	Name string
	Data []byte
}

// Fetcher retrieves a single remote document.
type Fetcher interface {
	// Download opens the remote file. The caller must close it.
	Download(ctx context.Context, rawURL string) (io.ReadCloser, error)
	// Fetch reads the whole remote file.
	Fetch(ctx context.Context, rawURL string) (*Remote, error)
}

// readAll reads rc up to MaxDocumentBytes and names the result after the
// last element of remotePath.
func readAll(rc io.Reader, remotePath string) (*Remote, error) {
	data, err := io.ReadAll(io.LimitReader(rc, MaxDocumentBytes+1))
	if err != nil {
		return nil, eris.Wrap(err, "read remote file")
	}
	if len(data) > MaxDocumentBytes {
		return nil, eris.Wrapf(model.ErrValidation, "remote file %s exceeds 64 MiB", remotePath)
	}
	if len(data) == 0 {
		return nil, eris.Wrapf(model.ErrValidation, "remote file %s is empty", remotePath)
	}
	return &Remote{Name: path.Base(remotePath), Data: data}, nil
}
