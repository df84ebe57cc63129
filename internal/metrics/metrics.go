package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shadowscan/internal/logger"
)

// Metrics is the per-process registry for one run. Final counter values
// are echoed into the run summary payload.
type Metrics struct {
	registry *prometheus.Registry

	EventsIngested prometheus.Counter
	ParseErrors    prometheus.Counter
	PIIRedactions  *prometheus.CounterVec
	CacheHits      prometheus.Counter
	RuleHits       prometheus.Counter
	LLMRequests    prometheus.Counter
	LLMTokens      *prometheus.CounterVec
	StageDurations *prometheus.GaugeVec

	server *http.Server
}

// New builds and registers the run metrics.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.EventsIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shadowscan_events_ingested_total",
		Help: "Canonical events produced by ingestion.",
	})
	m.ParseErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shadowscan_parse_errors_total",
		Help: "Input rows rejected during ingestion.",
	})
	m.PIIRedactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shadowscan_pii_redactions_total",
		Help: "Token abstractions applied during canonicalization.",
	}, []string{"kind"})
	m.CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shadowscan_cache_hits_total",
		Help: "Signatures resolved from the classification cache.",
	})
	m.RuleHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shadowscan_rule_hits_total",
		Help: "Signatures classified by the declarative rule set.",
	})
	m.LLMRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shadowscan_llm_requests_total",
		Help: "Batches dispatched to the external analyzer.",
	})
	m.LLMTokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shadowscan_llm_tokens_total",
		Help: "Tokens consumed by the external analyzer.",
	}, []string{"direction"})
	m.StageDurations = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shadowscan_stage_duration_seconds",
		Help: "Wall-clock duration of each completed pipeline stage.",
	}, []string{"stage"})

	m.registry.MustRegister(
		m.EventsIngested, m.ParseErrors, m.PIIRedactions,
		m.CacheHits, m.RuleHits, m.LLMRequests, m.LLMTokens,
		m.StageDurations,
	)
	return m
}

// Serve exposes the registry on the given address for the duration of
// the run. Errors are logged, never fatal.
func (m *Metrics) Serve(listen string) {
	if listen == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	m.server = &http.Server{Addr: listen, Handler: mux}
	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warnf("Metrics endpoint failed: %v", err)
		}
	}()
	logger.Infof("Metrics endpoint listening on %s", listen)
}

// Shutdown stops the endpoint if one was started.
func (m *Metrics) Shutdown() {
	if m.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.server.Shutdown(ctx)
}
