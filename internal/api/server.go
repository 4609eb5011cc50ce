// Package api exposes the ingest lifecycle over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-ingest/internal/lifecycle"
	"github.com/sells-group/catalog-ingest/internal/lineage"
	"github.com/sells-group/catalog-ingest/internal/metrics"
	"github.com/sells-group/catalog-ingest/internal/model"
	"github.com/sells-group/catalog-ingest/internal/pipeline"
	"github.com/sells-group/catalog-ingest/internal/promote"
	"github.com/sells-group/catalog-ingest/internal/queue"
	"github.com/sells-group/catalog-ingest/internal/resilience"
	"github.com/sells-group/catalog-ingest/internal/store"
)

// maxUploadBytes bounds a multipart upload request.
const maxUploadBytes = 64<<20 + 1<<20

// Deps are the components behind the API.
type Deps struct {
	Store    store.Store
	Recorder *lifecycle.Recorder
	Pipeline *pipeline.Pipeline
	Lineage  *lineage.Manager
	Promote  *promote.Manager
	Queue    queue.Transport
	Metrics  *metrics.Registry
}

// Server holds the HTTP handlers. OCR runs triggered by uploads continue in
// the background; Wait blocks until they finish.
type Server struct {
	deps Deps
	ocr  sync.WaitGroup
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	return &Server{deps: deps}
}

// Router builds the chi router.
func (s *Server) Router(corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	if len(corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.health)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/uploads", s.upload)
		r.Route("/attempts/{id}", func(r chi.Router) {
			r.Get("/", s.getAttempt)
			r.Delete("/", s.purgeAttempt)
			r.Get("/lineage", s.listLineage)
			r.Post("/reprocess", s.reprocess)
			r.Post("/promote", s.promote)
			r.Post("/reject", s.reject)
			r.Post("/review", s.review)
		})
		r.Delete("/lineages/{id}", s.purgeLineage)
		r.Get("/dead-letters", s.deadLetters)
		r.Post("/dead-letters/{id}/redrive", s.redrive)
		r.Get("/catalog", s.catalog)
	})
	return r
}

// Wait blocks until background OCR runs have finished.
func (s *Server) Wait() { s.ocr.Wait() }

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart upload")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close() //nolint:errcheck
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload")
		return
	}

	up := pipeline.Upload{
		DocumentName: header.Filename,
		MediaType:    header.Header.Get("Content-Type"),
		VendorKey:    r.FormValue("vendor"),
		Data:         data,
	}
	a, err := s.deps.Pipeline.SubmitUpload(r.Context(), up)
	if err != nil {
		writeErr(w, err)
		return
	}

	if inline, _ := strconv.ParseBool(r.URL.Query().Get("sync")); inline {
		a, err = s.deps.Pipeline.RunOCR(r.Context(), a.ID)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, a)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	id := a.ID
	s.ocr.Add(1)
	go func() {
		defer s.ocr.Done()
		if _, err := s.deps.Pipeline.RunOCR(ctx, id); err != nil {
			zap.L().Error("api: ocr stage", zap.String("attempt_id", id), zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, a)
}

func (s *Server) getAttempt(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Recorder.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) listLineage(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Lineage.List(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": list})
}

func (s *Server) reprocess(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Lineage.Reprocess(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) promote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := s.deps.Promote.Promote(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempt_id": id, "exported_count": n})
}

type decision struct {
	Reviewer string `json:"reviewer"`
	Reason   string `json:"reason"`
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request) {
	var req decision
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.deps.Promote.Reject(r.Context(), id, req.Reviewer, req.Reason); err != nil {
		writeErr(w, err)
		return
	}
	s.getAttempt(w, r)
}

func (s *Server) review(w http.ResponseWriter, r *http.Request) {
	var req decision
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	a, err := s.deps.Promote.Review(r.Context(), chi.URLParam(r, "id"), req.Reviewer)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) purgeAttempt(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Lineage.PurgeAttempt(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) purgeLineage(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Lineage.PurgeLineage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) deadLetters(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	dead, err := s.deps.Queue.DeadLetters(r.Context(), resilience.DeadLetterFilter{
		ErrorType: r.URL.Query().Get("error_type"),
		Limit:     limit,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	if dead == nil {
		dead = []resilience.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": dead})
}

func (s *Server) redrive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Queue.Redrive(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "redriven", "id": id})
}

func (s *Server) catalog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	entries, err := s.deps.Promote.Catalog(r.Context(), store.CatalogFilter{
		VendorKey:       q.Get("vendor"),
		SourceAttemptID: q.Get("attempt_id"),
		Limit:           limit,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	if entries == nil {
		entries = []model.CatalogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidState), errors.Is(err, model.ErrPreconditionFailed):
		return http.StatusConflict
	case errors.Is(err, model.ErrNoProducts):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrExternalService):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		zap.L().Error("api: internal error", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: encode response", zap.Error(err))
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
