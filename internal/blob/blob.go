// Package blob stores uploaded vendor artifacts and the bronze audit copies
// written by the OCR and mapping stages. Keys are slash-separated paths such
// as "uploads/<root>/<name>" or "attempts/<id>/ocr/v000001".
package blob

import (
	"context"
	"path"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-ingest/internal/model"
)

// ErrObjectNotFound is returned by Get for an unknown key.
var ErrObjectNotFound = eris.New("blob: object not found")

// Bucket is a flat key/value object store.
type Bucket interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns every key with the given prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Open returns the bucket backend named by kind ("dir" or "pebble") rooted at dir.
func Open(kind, dir string) (Bucket, error) {
	switch kind {
	case "", "dir":
		return NewDirBucket(dir)
	case "pebble":
		return NewPebbleBucket(dir)
	default:
		return nil, eris.Wrapf(model.ErrValidation, "blob: unknown backend %q", kind)
	}
}

// UploadKey is where an uploaded artifact for a lineage root is stored.
func UploadKey(rootID, documentName string) string {
	name := path.Base(strings.ReplaceAll(documentName, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "document"
	}
	return path.Join("uploads", rootID, name)
}

func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return eris.Wrapf(model.ErrValidation, "blob: invalid key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." || part == "" {
			return eris.Wrapf(model.ErrValidation, "blob: invalid key %q", key)
		}
	}
	return nil
}
