// Package audit writes immutable bronze copies of stage inputs and outputs
// (the uploaded artifact, OCR payloads, LLM prompts and responses, mapping
// payloads). Every write for the same attempt and kind gets the next version
// suffix, so reprocessing and redelivery never overwrite earlier copies.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-ingest/internal/blob"
	"github.com/sells-group/catalog-ingest/internal/resilience"
)

// Kinds of audit records.
const (
	KindArtifact = "artifact"
	KindOCR      = "ocr"
	KindPrompt   = "prompt"
	KindResponse = "response"
	KindMapping  = "mapping"
)

// Recorder is the write side used by the pipeline and the mapping engine.
type Recorder interface {
	Write(ctx context.Context, attemptID, kind string, data []byte) (string, error)
	WriteJSON(ctx context.Context, attemptID, kind string, v any) (string, error)
}

// Sink stores audit records in a blob bucket.
type Sink struct {
	bucket blob.Bucket
	retry  resilience.RetryConfig
}

// NewSink creates a sink over bucket.
func NewSink(bucket blob.Bucket, retry resilience.RetryConfig) *Sink {
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("blob", "audit write")
	}
	return &Sink{bucket: bucket, retry: retry}
}

// Prefix returns the key prefix shared by all versions of a record.
func Prefix(attemptID, kind string) string {
	return path.Join("attempts", attemptID, kind) + "/"
}

// Write stores data under the next free version and returns its key.
// Concurrent writers for the same attempt and kind may pick the same version;
// the dispatcher only runs one handler per attempt at a time.
func (s *Sink) Write(ctx context.Context, attemptID, kind string, data []byte) (string, error) {
	if attemptID == "" || kind == "" {
		return "", eris.New("audit: attempt id and kind are required")
	}
	prefix := Prefix(attemptID, kind)

	key, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) (string, error) {
		existing, err := s.bucket.List(ctx, prefix)
		if err != nil {
			return "", err
		}
		key := prefix + versionSuffix(nextVersion(existing, prefix))
		if err := s.bucket.Put(ctx, key, data); err != nil {
			return "", err
		}
		return key, nil
	})
	if err != nil {
		return "", eris.Wrapf(err, "audit: write %s", prefix)
	}

	zap.L().Debug("audit record written",
		zap.String("attempt_id", attemptID),
		zap.String("kind", kind),
		zap.String("key", key),
		zap.Int("bytes", len(data)),
	)
	return key, nil
}

// WriteJSON marshals v with indentation and writes it.
func (s *Sink) WriteJSON(ctx context.Context, attemptID, kind string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", eris.Wrapf(err, "audit: marshal %s", kind)
	}
	return s.Write(ctx, attemptID, kind, data)
}

// Versions lists stored keys for an attempt and kind, oldest first.
func (s *Sink) Versions(ctx context.Context, attemptID, kind string) ([]string, error) {
	keys, err := s.bucket.List(ctx, Prefix(attemptID, kind))
	return keys, eris.Wrap(err, "audit: list versions")
}

func versionSuffix(v int) string {
	return fmt.Sprintf("v%06d", v)
}

func nextVersion(keys []string, prefix string) int {
	highest := 0
	for _, k := range keys {
		rest := strings.TrimPrefix(k, prefix)
		if !strings.HasPrefix(rest, "v") {
			continue
		}
		n, err := strconv.Atoi(rest[1:])
		if err == nil && n > highest {
			highest = n
		}
	}
	return highest + 1
}

// Nop discards every record. Used when no bucket is configured.
type Nop struct{}

func (Nop) Write(context.Context, string, string, []byte) (string, error) { return "", nil }

func (Nop) WriteJSON(context.Context, string, string, any) (string, error) { return "", nil }
