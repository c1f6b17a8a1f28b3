package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus instruments for the generation service.
// Every method is safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry          *prometheus.Registry
	requestsTotal     prometheus.Counter
	errorsTotal       prometheus.Counter
	generationsTotal  *prometheus.CounterVec
	segmentsTotal     *prometheus.CounterVec
	providerRetries   *prometheus.CounterVec
	rateLimitedTotal  prometheus.Counter
	apiErrorsTotal    *prometheus.CounterVec
	stitchTotal       *prometheus.CounterVec
	activeGenerations prometheus.Gauge
	generationSeconds prometheus.Histogram
	playlistEntries   prometheus.Gauge
}

// New creates and registers the service's metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "s2v_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "s2v_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		generationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "s2v_generations_total",
			Help: "Finished generation requests by terminal status",
		}, []string{"status"}),
		segmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "s2v_segments_total",
			Help: "Segment jobs by terminal state",
		}, []string{"state"}),
		providerRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "s2v_provider_retries_total",
			Help: "Provider calls retried after a transient failure",
		}, []string{"op"}),
		rateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "s2v_rate_limited_total",
			Help: "Requests rejected by the per-caller rate limiter",
		}),
		apiErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "s2v_api_errors_total",
			Help: "API requests answered with an error, by error kind",
		}, []string{"kind"}),
		stitchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "s2v_stitch_total",
			Help: "Stitch calls by outcome",
		}, []string{"outcome"}),
		activeGenerations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "s2v_active_generations",
			Help: "Generation requests that have not finished",
		}),
		generationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "s2v_generation_seconds",
			Help:    "Wall time of finished generation requests",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		playlistEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "s2v_playlist_entries",
			Help: "Entries across all playlists",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.generationsTotal,
		m.segmentsTotal,
		m.providerRetries,
		m.rateLimitedTotal,
		m.apiErrorsTotal,
		m.stitchTotal,
		m.activeGenerations,
		m.generationSeconds,
		m.playlistEntries,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// ObserveGeneration records a finished request.
func (m *Metrics) ObserveGeneration(status string, took time.Duration) {
	if m == nil {
		return
	}
	m.generationsTotal.WithLabelValues(status).Inc()
	m.generationSeconds.Observe(took.Seconds())
}

func (m *Metrics) IncSegment(state string) {
	if m == nil {
		return
	}
	m.segmentsTotal.WithLabelValues(state).Inc()
}

func (m *Metrics) IncProviderRetry(op string) {
	if m == nil {
		return
	}
	m.providerRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimitedTotal.Inc()
}

// IncAPIError counts an error answer of the given kind.
func (m *Metrics) IncAPIError(kind string) {
	if m == nil {
		return
	}
	m.apiErrorsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncStitch(outcome string) {
	if m == nil {
		return
	}
	m.stitchTotal.WithLabelValues(outcome).Inc()
}

// SetActiveGenerations sets the in-flight requests gauge.
func (m *Metrics) SetActiveGenerations(n int) {
	if m == nil {
		return
	}
	m.activeGenerations.Set(float64(n))
}

// SetPlaylistEntries sets the playlist size gauge.
func (m *Metrics) SetPlaylistEntries(n int) {
	if m == nil {
		return
	}
	m.playlistEntries.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.NotFound(w, r)
			return
		}
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
