package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// TelemetrySystem is the process-wide metrics set. Nil until
	// InitTelemetry runs or when metrics are disabled.
	TelemetrySystem *Telemetry

	// PrometheusExporter serves TelemetrySystem on the metrics port.
	PrometheusExporter *Exporter
)

// Telemetry holds the job service's Prometheus collectors on a private
// registry.
type Telemetry struct {
	namespace      string
	registry       *prometheus.Registry
	jobsSubmitted  prometheus.Counter
	jobsFinished   *prometheus.CounterVec
	uploadFailures *prometheus.CounterVec
}

// NewTelemetry creates the collectors under namespace (the binary name).
func NewTelemetry(namespace string) *Telemetry {
	ns := strings.NewReplacer("-", "_", ".", "_").Replace(namespace)
	t := &Telemetry{
		namespace: ns,
		registry:  prometheus.NewRegistry(),
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "jobs_submitted_total",
			Help:      "Jobs accepted by the orchestrator.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal status.",
		}, []string{"status"}),
		uploadFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "upload_failures_total",
			Help:      "Video uploads rejected by durable storage, by failure class.",
		}, []string{"class"}),
	}
	t.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		t.jobsSubmitted,
		t.jobsFinished,
		t.uploadFailures,
	)
	return t
}

// JobSubmitted counts an accepted job.
func (t *Telemetry) JobSubmitted() { t.jobsSubmitted.Inc() }

// JobFinished counts a terminal transition.
func (t *Telemetry) JobFinished(status string) { t.jobsFinished.WithLabelValues(status).Inc() }

// UploadFailed counts a failed upload.
func (t *Telemetry) UploadFailed(class string) { t.uploadFailures.WithLabelValues(class).Inc() }

// TrackInFlight exports fn as the in-flight jobs gauge. Call once.
func (t *Telemetry) TrackInFlight(fn func() int) error {
	return t.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: t.namespace,
		Name:      "jobs_in_flight",
		Help:      "Jobs whose lifecycle has not finished.",
	}, func() float64 { return float64(fn()) }))
}

// Registry returns the backing registry.
func (t *Telemetry) Registry() *prometheus.Registry { return t.registry }

// Handler serves the registry in the Prometheus text format.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{Registry: t.registry})
}

// Exporter is the metrics HTTP listener.
type Exporter struct {
	srv *http.Server
}

// NewPrometheusExporter serves t at /metrics on addr.
func NewPrometheusExporter(t *Telemetry, addr string) *Exporter {
	mux := http.NewServeMux()
	mux.Handle("/metrics", t.Handler())
	return &Exporter{srv: &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}}
}

// Addr returns the listen address.
func (e *Exporter) Addr() string { return e.srv.Addr }

// Handler returns the exporter's mux.
func (e *Exporter) Handler() http.Handler { return e.srv.Handler }

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (e *Exporter) Start() error {
	ServerLogger.Info("Metrics exporter listening", zap.String("addr", e.srv.Addr))
	if err := e.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve is Start on an existing listener.
func (e *Exporter) Serve(ln net.Listener) error {
	ServerLogger.Info("Metrics exporter listening", zap.String("addr", ln.Addr().String()))
	if err := e.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener.
func (e *Exporter) Shutdown(ctx context.Context) error {
	return e.srv.Shutdown(ctx)
}

// InitTelemetry builds TelemetrySystem and PrometheusExporter.
func InitTelemetry(namespace, addr string) *Telemetry {
	TelemetrySystem = NewTelemetry(namespace)
	PrometheusExporter = NewPrometheusExporter(TelemetrySystem, addr)
	return TelemetrySystem
}
