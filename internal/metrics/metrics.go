// Package metrics holds the private prometheus registry for the ingest
// lifecycle. All recording methods are safe on a nil *Registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Job outcomes reported by the dispatcher.
const (
	OutcomeAck        = "ack"
	OutcomeSkipped    = "skipped"
	OutcomeNack       = "nack"
	OutcomeDeadLetter = "dead_letter"
)

type Registry struct {
	reg *prometheus.Registry

	Transitions     *prometheus.CounterVec
	GuardRejections *prometheus.CounterVec
	Jobs            *prometheus.CounterVec
	Promotions      *prometheus.CounterVec
	ExportedRows    prometheus.Counter
	LLMTokens       *prometheus.CounterVec
	StageCost       *prometheus.CounterVec
	MappingSeconds  prometheus.Histogram
	OCRSeconds      prometheus.Histogram
	AttemptsGauge   *prometheus.GaugeVec
	DeadLetterGauge prometheus.Gauge
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_attempt_transitions_total",
		Help: "Applied attempt status transitions by target status.",
	}, []string{"to"})
	guards := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_guard_rejections_total",
		Help: "Transitions refused by the state machine guard, by operation.",
	}, []string{"op"})
	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_mapping_jobs_total",
		Help: "Mapping job deliveries by outcome.",
	}, []string{"outcome"})
	promotions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_promotions_total",
		Help: "Promotion calls by result.",
	}, []string{"result"})
	exported := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "catalog_entries_exported_total",
	})
	tokens := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_llm_tokens_total",
	}, []string{"direction"})
	stageCost := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_stage_cost_usd_total",
	}, []string{"stage"})
	mappingSec := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "catalog_mapping_duration_seconds",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})
	ocrSec := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "catalog_ocr_duration_seconds",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})
	attempts := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "catalog_attempts",
		Help: "Attempts by status, refreshed by the collector.",
	}, []string{"status"})
	deadLetters := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "catalog_dead_letters",
	})

	r.MustRegister(transitions, guards, jobs, promotions, exported, tokens, stageCost,
		mappingSec, ocrSec, attempts, deadLetters)
	return &Registry{
		reg:             r,
		Transitions:     transitions,
		GuardRejections: guards,
		Jobs:            jobs,
		Promotions:      promotions,
		ExportedRows:    exported,
		LLMTokens:       tokens,
		StageCost:       stageCost,
		MappingSeconds:  mappingSec,
		OCRSeconds:      ocrSec,
		AttemptsGauge:   attempts,
		DeadLetterGauge: deadLetters,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }

// Gatherer exposes the registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) Transition(to string) {
	if r != nil {
		r.Transitions.WithLabelValues(to).Inc()
	}
}

func (r *Registry) GuardRejected(op string) {
	if r != nil {
		r.GuardRejections.WithLabelValues(op).Inc()
	}
}

func (r *Registry) Job(outcome string) {
	if r != nil {
		r.Jobs.WithLabelValues(outcome).Inc()
	}
}

func (r *Registry) Promotion(result string, exported int) {
	if r == nil {
		return
	}
	r.Promotions.WithLabelValues(result).Inc()
	if exported > 0 {
		r.ExportedRows.Add(float64(exported))
	}
}

func (r *Registry) Tokens(input, output int64) {
	if r == nil {
		return
	}
	r.LLMTokens.WithLabelValues("input").Add(float64(input))
	r.LLMTokens.WithLabelValues("output").Add(float64(output))
}

func (r *Registry) Cost(stage string, usd float64) {
	if r != nil && usd > 0 {
		r.StageCost.WithLabelValues(stage).Add(usd)
	}
}

func (r *Registry) ObserveMapping(d time.Duration) {
	if r != nil {
		r.MappingSeconds.Observe(d.Seconds())
	}
}

func (r *Registry) ObserveOCR(d time.Duration) {
	if r != nil {
		r.OCRSeconds.Observe(d.Seconds())
	}
}

// SetAttempts replaces the per-status gauge values.
func (r *Registry) SetAttempts(counts map[string]int) {
	if r == nil {
		return
	}
	r.AttemptsGauge.Reset()
	for status, n := range counts {
		r.AttemptsGauge.WithLabelValues(status).Set(float64(n))
	}
}

func (r *Registry) SetDeadLetters(n int) {
	if r != nil {
		r.DeadLetterGauge.Set(float64(n))
	}
}
