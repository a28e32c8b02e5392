package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records score cache lookup calls.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records score cache store attempts.
	CacheOperationStore CacheOperation = "store"
)

// CacheLookupOutcome captures the result of a cache lookup.
type CacheLookupOutcome string

const (
	// CacheLookupHit indicates the lookup reused a cached score.
	CacheLookupHit CacheLookupOutcome = "hit"
	// CacheLookupMiss indicates no cached score was present.
	CacheLookupMiss CacheLookupOutcome = "miss"
	// CacheLookupError indicates the lookup failed due to an error.
	CacheLookupError CacheLookupOutcome = "error"
)

// CacheStoreOutcome captures the result of a cache store attempt.
type CacheStoreOutcome string

const (
	// CacheStoreStored indicates the score entry was persisted.
	CacheStoreStored CacheStoreOutcome = "stored"
	// CacheStoreError indicates the store operation failed.
	CacheStoreError CacheStoreOutcome = "error"
)

// UpstreamErrorClass labels collaborator failures by their retry semantics.
type UpstreamErrorClass string

const (
	// UpstreamErrorTransient covers timeouts and connection-level failures.
	UpstreamErrorTransient UpstreamErrorClass = "transient"
	// UpstreamErrorPermanent covers semantic failures such as malformed responses.
	UpstreamErrorPermanent UpstreamErrorClass = "permanent"
)

// Recorder publishes Prometheus metrics for scoring pipeline activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	scoreRequests *prometheus.CounterVec
	scoreLatency  *prometheus.HistogramVec
	tokensUsed    prometheus.Histogram

	injectionAttempts prometheus.Counter
	rateLimited       prometheus.Counter
	upstreamErrors    *prometheus.CounterVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	scoreRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scoregate",
		Subsystem: "score",
		Name:      "requests_total",
		Help:      "Total /score requests processed by the pipeline.",
	}, []string{"outcome", "action"})

	scoreLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scoregate",
		Subsystem: "score",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed /score requests.",
		Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 1.5, 2, 3, 5, 10},
	}, []string{"outcome"})

	tokensUsed := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "scoregate",
		Subsystem: "upstream",
		Name:      "tokens_used",
		Help:      "Tokens consumed per scored request.",
		Buckets:   []float64{100, 200, 300, 400, 500, 750, 1000, 1500, 2000},
	})

	injectionAttempts := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scoregate",
		Subsystem: "security",
		Name:      "injection_attempts_total",
		Help:      "Messages blocked by the injection detector.",
	})

	rateLimited := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scoregate",
		Subsystem: "limits",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the per-client rate limiter.",
	})

	upstreamErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scoregate",
		Subsystem: "upstream",
		Name:      "errors_total",
		Help:      "Scoring collaborator failures by retry class.",
	}, []string{"class"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scoregate",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Score cache operations executed by the pipeline.",
	}, []string{"operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scoregate",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for score cache operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"operation", "result"})

	reg.MustRegister(scoreRequests, scoreLatency, tokensUsed, injectionAttempts, rateLimited, upstreamErrors, cacheOperations, cacheLatency)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:          reg,
		handler:           handler,
		scoreRequests:     scoreRequests,
		scoreLatency:      scoreLatency,
		tokensUsed:        tokensUsed,
		injectionAttempts: injectionAttempts,
		rateLimited:       rateLimited,
		upstreamErrors:    upstreamErrors,
		cacheOperations:   cacheOperations,
		cacheLatency:      cacheLatency,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveScore records the outcome and latency for a completed /score request.
func (r *Recorder) ObserveScore(outcome, action string, duration time.Duration) {
	if r == nil {
		return
	}
	outcomeLabel := normalizeLabel(outcome)
	r.scoreRequests.WithLabelValues(outcomeLabel, normalizeLabel(action)).Inc()
	r.scoreLatency.WithLabelValues(outcomeLabel).Observe(duration.Seconds())
}

// ObserveTokens records the tokens consumed by a scored request.
func (r *Recorder) ObserveTokens(tokens int) {
	if r == nil || tokens <= 0 {
		return
	}
	r.tokensUsed.Observe(float64(tokens))
}

// ObserveInjectionAttempt counts a blocked injection attempt.
func (r *Recorder) ObserveInjectionAttempt() {
	if r == nil {
		return
	}
	r.injectionAttempts.Inc()
}

// ObserveRateLimited counts a request rejected by the rate limiter.
func (r *Recorder) ObserveRateLimited() {
	if r == nil {
		return
	}
	r.rateLimited.Inc()
}

// ObserveUpstreamError counts a collaborator failure by retry class.
func (r *Recorder) ObserveUpstreamError(class UpstreamErrorClass) {
	if r == nil {
		return
	}
	label := string(class)
	if label == "" {
		label = string(UpstreamErrorPermanent)
	}
	r.upstreamErrors.WithLabelValues(label).Inc()
}

// ObserveCacheLookup records the result of a cache lookup.
func (r *Recorder) ObserveCacheLookup(result CacheLookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	r.observeCache(CacheOperationLookup, resultLabel, duration)
}

// ObserveCacheStore records the result of a cache store attempt.
func (r *Recorder) ObserveCacheStore(result CacheStoreOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheStoreError)
	}
	r.observeCache(CacheOperationStore, resultLabel, duration)
}

func (r *Recorder) observeCache(operation CacheOperation, result string, duration time.Duration) {
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	resLabel := normalizeLabel(result)
	r.cacheOperations.WithLabelValues(opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(opLabel, resLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
