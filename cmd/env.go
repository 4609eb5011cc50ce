package main

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-ingest/internal/audit"
	"github.com/sells-group/catalog-ingest/internal/blob"
	"github.com/sells-group/catalog-ingest/internal/db"
	"github.com/sells-group/catalog-ingest/internal/dispatch"
	"github.com/sells-group/catalog-ingest/internal/lifecycle"
	"github.com/sells-group/catalog-ingest/internal/lineage"
	"github.com/sells-group/catalog-ingest/internal/mapping"
	"github.com/sells-group/catalog-ingest/internal/metrics"
	"github.com/sells-group/catalog-ingest/internal/monitoring"
	"github.com/sells-group/catalog-ingest/internal/ocr"
	"github.com/sells-group/catalog-ingest/internal/pipeline"
	"github.com/sells-group/catalog-ingest/internal/promote"
	"github.com/sells-group/catalog-ingest/internal/queue"
	"github.com/sells-group/catalog-ingest/internal/registry"
	"github.com/sells-group/catalog-ingest/internal/resilience"
	"github.com/sells-group/catalog-ingest/internal/store"
	anthropicpkg "github.com/sells-group/catalog-ingest/pkg/anthropic"
)

// appEnv holds the components shared by every command. Queue is nil in
// store mode; Bucket and Audit are nil unless the mode runs a stage.
type appEnv struct {
	Store    store.Store
	Queue    queue.Transport
	Bucket   blob.Bucket
	Audit    *audit.Sink
	Vendors  *registry.Registry
	Metrics  *metrics.Registry
	Breakers *resilience.ServiceBreakers
	Retry    resilience.RetryConfig
	Recorder *lifecycle.Recorder
	Lineage  *lineage.Manager
	Promote  *promote.Manager
}

// initEnv validates cfg for mode and opens what the mode needs. Callers
// should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	vendors, err := registry.LoadVendors(cfg.Vendors.Path)
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	breakers := resilience.NewServiceBreakers(resilience.FromCircuitConfig(
		cfg.Mapping.BreakerFailures,
		time.Duration(cfg.Mapping.BreakerResetSecs)*time.Second,
	))
	env := &appEnv{
		Store:    st,
		Vendors:  vendors,
		Metrics:  metrics.NewRegistry(),
		Breakers: breakers,
		Retry:    resilience.FromRetryConfig(3, 200*time.Millisecond, 5*time.Second),
	}

	if mode != "store" {
		var pool db.Pool
		if ps, ok := st.(*store.PostgresStore); ok {
			pool = ps.Pool()
		}
		q, err := queue.New(cfg.Queue, pool)
		if err != nil {
			env.Close()
			return nil, eris.Wrap(err, "init queue")
		}
		env.Queue = q
	}

	if mode == "serve" || mode == "ocr" || mode == "worker" {
		bucket, err := blob.Open(cfg.Blob.Driver, cfg.Blob.Dir)
		if err != nil {
			env.Close()
			return nil, eris.Wrap(err, "init blob bucket")
		}
		env.Bucket = bucket
		env.Audit = audit.NewSink(bucket, env.Retry)
	}

	env.Recorder = lifecycle.NewRecorder(st, env.Metrics)
	env.Lineage = lineage.NewManager(st, env.Recorder, env.Queue, env.Retry)
	env.Promote = promote.NewManager(st, vendors, env.Metrics)
	return env, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// migrate applies the store schema and, for the postgres transport, the job
// tables.
func (e *appEnv) migrate(ctx context.Context) error {
	if err := e.Store.Migrate(ctx); err != nil {
		return eris.Wrap(err, "migrate store")
	}
	if m, ok := e.Queue.(interface{ Migrate(context.Context) error }); ok {
		if err := m.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate queue")
		}
	}
	return nil
}

// pipeline builds the upload and OCR stage.
func (e *appEnv) pipeline() (*pipeline.Pipeline, error) {
	if e.Bucket == nil || e.Queue == nil {
		return nil, eris.New("pipeline requires a blob bucket and a queue")
	}
	analyzer, err := ocr.NewAnalyzer(cfg.OCR, e.Breakers)
	if err != nil {
		return nil, err
	}
	return pipeline.New(pipeline.Options{
		Recorder: e.Recorder,
		Bucket:   e.Bucket,
		Audit:    e.Audit,
		Analyzer: analyzer,
		Queue:    e.Queue,
		Rates:    cfg.Pricing,
		Metrics:  e.Metrics,
		Retry:    e.Retry,
	}), nil
}

// dispatcher builds the mapping worker pool over the Claude mapper.
func (e *appEnv) dispatcher() *dispatch.Dispatcher {
	client := anthropicpkg.NewClient(cfg.Anthropic.Key)
	mapper := mapping.NewClaudeMapper(client, mapping.ClaudeOptions{
		Model:             cfg.Anthropic.Model,
		MaxTokens:         cfg.Anthropic.MaxTokens,
		RequestsPerSecond: cfg.Mapping.RequestsPerSecond,
		Burst:             cfg.Mapping.Burst,
		Timeout:           cfg.Mapping.Timeout(),
		Breaker:           e.Breakers.Get("llm"),
	})

	var rec audit.Recorder = audit.Nop{}
	if e.Audit != nil {
		rec = e.Audit
	}
	engine := mapping.NewEngine(mapping.EngineOptions{
		Mapper:                    mapper,
		Audit:                     rec,
		Vendors:                   e.Vendors,
		Rates:                     cfg.Pricing,
		Metrics:                   e.Metrics,
		ReviewConfidenceThreshold: cfg.Mapping.ReviewConfidenceThreshold,
	})
	return dispatch.New(e.Queue, e.Recorder, engine, dispatch.Options{
		Workers:    cfg.Dispatch.Workers,
		JobTimeout: cfg.Queue.VisibilityTimeout(),
		Metrics:    e.Metrics,
	})
}

// checker builds the health checker, or nil when monitoring is disabled.
func (e *appEnv) checker() *monitoring.Checker {
	if !cfg.Monitoring.Enabled {
		return nil
	}
	collector := monitoring.NewCollector(e.Store, e.Queue, e.Metrics)
	return monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Queue != nil {
		if err := e.Queue.Close(); err != nil {
			zap.L().Warn("close queue", zap.Error(err))
		}
	}
	if e.Bucket != nil {
		if err := e.Bucket.Close(); err != nil {
			zap.L().Warn("close blob bucket", zap.Error(err))
		}
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
