package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"archie-core-clover-layer/internal/domain"
	"archie-core-clover-layer/internal/ports"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()

	// UpstreamRequests counts POS platform calls by endpoint and status (0 = transport error)
	UpstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "clover_upstream_requests_total", Help: "POS platform requests by endpoint and status."},
		[]string{"endpoint", "status"},
	)
	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "clover_upstream_request_duration_seconds", Help: "POS platform request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"endpoint"},
	)

	SyncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "catalog_sync_runs_total", Help: "Catalog sync runs by scope and result."},
		[]string{"scope", "result"},
	)
	SyncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "catalog_sync_duration_seconds", Help: "Catalog sync duration in seconds.", Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120}},
		[]string{"scope"},
	)

	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_events_total", Help: "Webhook events by outcome."},
		[]string{"outcome"},
	)

	TokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "token_refreshes_total", Help: "Access token refreshes by trigger and result."},
		[]string{"trigger", "result"},
	)

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "route", "status"},
	)
)

var regOnce sync.Once

// RegisterDefault registers every collector on Registry
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(UpstreamRequests)
		Registry.MustRegister(UpstreamDuration)
		Registry.MustRegister(SyncRuns)
		Registry.MustRegister(SyncDuration)
		Registry.MustRegister(WebhookEvents)
		Registry.MustRegister(TokenRefreshes)
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler exposes Registry in the Prometheus text format
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveUpstream records one POS platform call
func ObserveUpstream(endpoint string, status int, elapsed time.Duration) {
	UpstreamRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	UpstreamDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// Recorder feeds application measurements into the collectors
type Recorder struct{}

var _ ports.Metrics = Recorder{}

func (Recorder) ObserveSync(scope domain.SyncScope, result string, elapsed time.Duration) {
	SyncRuns.WithLabelValues(string(scope), result).Inc()
	SyncDuration.WithLabelValues(string(scope)).Observe(elapsed.Seconds())
}

func (Recorder) ObserveWebhookEvent(outcome string) {
	WebhookEvents.WithLabelValues(outcome).Inc()
}

func (Recorder) ObserveTokenRefresh(trigger, result string) {
	TokenRefreshes.WithLabelValues(trigger, result).Inc()
}

// Middleware counts requests by chi route pattern to keep label cardinality bounded
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
	})
}
