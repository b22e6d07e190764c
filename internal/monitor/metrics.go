package monitor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds all Prometheus metrics for the recorder and filter.
type Metrics struct {
	Registry *prometheus.Registry

	PacketsTotal      *prometheus.CounterVec
	PacketBytes       prometheus.Histogram
	ReportsTotal      *prometheus.CounterVec
	CommandDuration   *prometheus.HistogramVec
	DiagnosticsTotal  *prometheus.CounterVec
	StoreEntries      prometheus.Gauge
	ActiveConnections prometheus.Gauge
	LinesTotal        *prometheus.CounterVec
	ArtifactsTotal    *prometheus.CounterVec
}

// Packet results.
const (
	ResultRecorded  = "recorded"
	ResultControl   = "control"
	ResultMalformed = "malformed"
	ResultTruncated = "truncated"
	ResultDropped   = "dropped"
)

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		PacketsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "buildscope",
				Subsystem: "recorder",
				Name:      "packets_total",
				Help:      "Packets received by the recorder, by result.",
			},
			[]string{"result"},
		),

		PacketBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "buildscope",
				Subsystem: "recorder",
				Name:      "packet_bytes",
				Help:      "Size of received packets in bytes.",
				Buckets:   prometheus.ExponentialBuckets(64, 2, 9),
			},
		),

		ReportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "buildscope",
				Subsystem: "recorder",
				Name:      "reports_total",
				Help:      "Reports appended to the record store, by classified action.",
			},
			[]string{"action"},
		),

		CommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "buildscope",
				Name:      "command_duration_seconds",
				Help:      "Wall-clock duration of reported build commands.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"action"},
		),

		DiagnosticsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "buildscope",
				Name:      "diagnostics_total",
				Help:      "Tool diagnostics seen in reported stderr, by severity.",
			},
			[]string{"severity"},
		),

		StoreEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "buildscope",
				Subsystem: "recorder",
				Name:      "store_entries",
				Help:      "Reports currently held in the record store.",
			},
		),

		ActiveConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "buildscope",
				Subsystem: "recorder",
				Name:      "active_connections",
				Help:      "Connections currently being read.",
			},
		),

		LinesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "buildscope",
				Subsystem: "filter",
				Name:      "lines_total",
				Help:      "Build output lines processed by the filter, by category.",
			},
			[]string{"category"},
		),

		ArtifactsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "buildscope",
				Subsystem: "filter",
				Name:      "artifacts_total",
				Help:      "Logged artifacts after filesystem reconciliation.",
			},
			[]string{"on_disk"},
		),
	}

	reg.MustRegister(
		m.PacketsTotal,
		m.PacketBytes,
		m.ReportsTotal,
		m.CommandDuration,
		m.DiagnosticsTotal,
		m.StoreEntries,
		m.ActiveConnections,
		m.LinesTotal,
		m.ArtifactsTotal,
	)

	return m
}

// RecordPacket counts one received packet.
func (m *Metrics) RecordPacket(result string, size int) {
	m.PacketsTotal.WithLabelValues(result).Inc()
	if size > 0 {
		m.PacketBytes.Observe(float64(size))
	}
}

// RecordReport records metrics for an appended report. elapsed is the
// command's wall-clock duration in seconds, negative when unknown.
func (m *Metrics) RecordReport(action string, elapsed float64) {
	m.ReportsTotal.WithLabelValues(action).Inc()
	if elapsed >= 0 {
		m.CommandDuration.WithLabelValues(action).Observe(elapsed)
	}
}

// RecordDiagnostics counts diagnostics by severity.
func (m *Metrics) RecordDiagnostics(diags []Diagnostic) {
	for _, d := range diags {
		m.DiagnosticsTotal.WithLabelValues(d.Severity.String()).Inc()
	}
}

// Serve exposes the registry on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr, path string) error {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle("GET "+path, promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("path", path).Msg("metrics endpoint listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
