package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-ingest/internal/blob"
	"github.com/sells-group/catalog-ingest/internal/cost"
	"github.com/sells-group/catalog-ingest/internal/lifecycle"
	"github.com/sells-group/catalog-ingest/internal/lineage"
	"github.com/sells-group/catalog-ingest/internal/metrics"
	"github.com/sells-group/catalog-ingest/internal/model"
	"github.com/sells-group/catalog-ingest/internal/ocr"
	"github.com/sells-group/catalog-ingest/internal/pipeline"
	"github.com/sells-group/catalog-ingest/internal/promote"
	"github.com/sells-group/catalog-ingest/internal/queue"
	"github.com/sells-group/catalog-ingest/internal/registry"
	"github.com/sells-group/catalog-ingest/internal/resilience"
	"github.com/sells-group/catalog-ingest/internal/store"
)

type stubAnalyzer struct{}

func (stubAnalyzer) Name() string { return "pdftotext" }

func (stubAnalyzer) Analyze(context.Context, ocr.Document) (*model.OCRPayload, error) {
	return &model.OCRPayload{Text: "price list", PageCount: 2}, nil
}

type testServer struct {
	server   *Server
	handler  http.Handler
	recorder *lifecycle.Recorder
	queue    *queue.MemoryTransport
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewSQLite(filepath.Join(dir, "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	bucket, err := blob.NewDirBucket(filepath.Join(dir, "blob"))
	require.NoError(t, err)
	m := metrics.NewRegistry()
	rec := lifecycle.NewRecorder(st, m)
	q := queue.NewMemoryTransport(queue.Options{PollInterval: time.Millisecond})
	retry := resilience.RetryConfig{MaxAttempts: 1}

	s := NewServer(Deps{
		Store:    st,
		Recorder: rec,
		Pipeline: pipeline.New(pipeline.Options{
			Recorder: rec, Bucket: bucket, Analyzer: stubAnalyzer{}, Queue: q, Rates: cost.DefaultRates(), Metrics: m, Retry: retry,
		}),
		Lineage: lineage.NewManager(st, rec, q, retry),
		Promote: promote.NewManager(st, registry.New(registry.Vendor{Key: "acme", Name: "Acme"}), m),
		Queue:   q,
		Metrics: m,
	})
	return &testServer{server: s, handler: s.Router([]string{"*"}), recorder: rec, queue: q}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func (ts *testServer) upload(t *testing.T, vendor, name string, sync bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("vendor", vendor))
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write([]byte("%PDF-1.4 catalog"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	path := "/v1/uploads"
	if sync {
		path += "?sync=true"
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

// completed drives an attempt to Completed with the given products.
func (ts *testServer) completed(t *testing.T, products ...model.Product) *model.Attempt {
	t.Helper()
	ctx := context.Background()
	a, err := ts.recorder.Create(ctx, "", model.SourceMetadata{
		DocumentName: "c.pdf", StoragePath: "uploads/c/c.pdf", VendorKey: "acme",
	})
	require.NoError(t, err)
	require.NoError(t, ts.recorder.RecordOCRResult(ctx, a.ID, &model.OCRPayload{Text: "t", PageCount: 1}))
	_, err = ts.recorder.BeginMapping(ctx, a.ID)
	require.NoError(t, err)
	require.NoError(t, ts.recorder.RecordMappingResult(ctx, a.ID, lifecycle.MappingResult{
		Payload: &model.MappingPayload{Products: products},
	}))
	return a
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	assert.Equal(t, "ok", decode[map[string]string](t, rr)["status"])
}

func TestMetrics(t *testing.T) {
	ts := newTestServer(t)
	ts.completed(t)
	rr := ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "catalog_attempt_transitions_total")
}

func TestUpload_Sync(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.upload(t, "acme", "acme.pdf", true)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	a := decode[model.Attempt](t, rr)
	assert.Equal(t, model.StatusOCRComplete, a.Status)
	assert.Equal(t, "acme.pdf", a.Source.DocumentName)
	assert.Equal(t, 1, ts.queue.Len())
}

func TestUpload_Async(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.upload(t, "acme", "acme.pdf", false)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	a := decode[model.Attempt](t, rr)
	assert.Equal(t, model.StatusPending, a.Status)

	ts.server.Wait()
	got := decode[model.Attempt](t, ts.do(t, http.MethodGet, "/v1/attempts/"+a.ID, nil))
	assert.Equal(t, model.StatusOCRComplete, got.Status)
}

func TestUpload_Invalid(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.upload(t, "Bad Vendor", "acme.pdf", true)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/uploads", strings.NewReader("plain"))
	req.Header.Set("Content-Type", "text/plain")
	rr = httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetAttempt_NotFound(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodGet, "/v1/attempts/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, decode[map[string]string](t, rr)["error"], "not found")
}

func TestReprocessAndLineage(t *testing.T) {
	ts := newTestServer(t)
	root := ts.completed(t)

	rr := ts.do(t, http.MethodPost, "/v1/attempts/"+root.ID+"/reprocess", nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	child := decode[model.Attempt](t, rr)
	assert.Equal(t, root.ID, child.RootID)
	assert.Equal(t, 1, child.AttemptIndex)

	rr = ts.do(t, http.MethodGet, "/v1/attempts/"+child.ID+"/lineage", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode[struct {
		Attempts []model.Attempt `json:"attempts"`
	}](t, rr)
	require.Len(t, body.Attempts, 2)
	assert.Equal(t, root.ID, body.Attempts[0].ID)

	rr = ts.do(t, http.MethodDelete, "/v1/attempts/"+root.ID, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = ts.do(t, http.MethodDelete, "/v1/attempts/"+child.ID, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = ts.do(t, http.MethodDelete, "/v1/lineages/"+root.ID, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, decode[map[string]int](t, rr)["deleted"])
}

func TestPromote(t *testing.T) {
	ts := newTestServer(t)
	a := ts.completed(t, model.Product{SKU: "A1", Name: "Widget", Price: decimal.NewFromInt(4)})

	for i := 0; i < 2; i++ {
		rr := ts.do(t, http.MethodPost, "/v1/attempts/"+a.ID+"/promote", nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.EqualValues(t, 1, decode[map[string]any](t, rr)["exported_count"])
	}

	rr := ts.do(t, http.MethodGet, "/v1/catalog?vendor=acme", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	entries := decode[struct {
		Entries []model.CatalogEntry `json:"entries"`
	}](t, rr)
	require.Len(t, entries.Entries, 1)
	assert.Equal(t, "Acme", entries.Entries[0].VendorName)

	rr = ts.do(t, http.MethodPost, "/v1/attempts/"+a.ID+"/reject", decision{Reviewer: "dana", Reason: "late"})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestPromote_NoProducts(t *testing.T) {
	ts := newTestServer(t)
	a := ts.completed(t)
	rr := ts.do(t, http.MethodPost, "/v1/attempts/"+a.ID+"/promote", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestRejectAndReview(t *testing.T) {
	ts := newTestServer(t)
	a := ts.completed(t, model.Product{SKU: "A1", Name: "Widget"})

	rr := ts.do(t, http.MethodPost, "/v1/attempts/"+a.ID+"/review", decision{Reviewer: "dana"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "dana", decode[model.Attempt](t, rr).ReviewedBy)

	rr = ts.do(t, http.MethodPost, "/v1/attempts/"+a.ID+"/reject", decision{Reviewer: "dana", Reason: "blurry"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, model.ExportRejected, decode[model.Attempt](t, rr).ExportStatus)

	rr = ts.do(t, http.MethodPost, "/v1/attempts/"+a.ID+"/promote", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/attempts/"+a.ID+"/reject", strings.NewReader("{"))
	rr = httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDeadLetters(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, ts.queue.Enqueue(ctx, "att-1"))
	d, err := ts.queue.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, ts.queue.DeadLetter(ctx, d, model.ErrNotFound))

	rr := ts.do(t, http.MethodGet, "/v1/dead-letters?error_type=permanent", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode[struct {
		DeadLetters []resilience.DeadLetter `json:"dead_letters"`
	}](t, rr)
	require.Len(t, body.DeadLetters, 1)
	assert.Equal(t, "att-1", body.DeadLetters[0].AttemptID)

	rr = ts.do(t, http.MethodPost, fmt.Sprintf("/v1/dead-letters/%s/redrive", body.DeadLetters[0].ID), nil)
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, 1, ts.queue.Len())

	rr = ts.do(t, http.MethodPost, "/v1/dead-letters/unknown/redrive", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{model.ErrValidation, http.StatusBadRequest},
		{model.ErrNotFound, http.StatusNotFound},
		{model.ErrInvalidState, http.StatusConflict},
		{model.ErrPreconditionFailed, http.StatusConflict},
		{model.ErrNoProducts, http.StatusUnprocessableEntity},
		{model.External("queue", errors.New("down")), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}
