// Package metrics exposes Prometheus counters and the scrape endpoint.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grid_trader/internal/core"
)

// Collector holds the engine's counters and gauges.
type Collector struct {
	ReconcilePasses  prometheus.Counter
	ReconcileErrors  prometheus.Counter
	OrdersPlaced     *prometheus.CounterVec
	OrdersCancelled  prometheus.Counter
	FillsDetected    *prometheus.CounterVec
	GridResets       prometheus.Counter
	Capital          prometheus.Gauge
	PositionLevel    prometheus.Gauge
	WSReconnects     prometheus.Counter
	LastReconcileSec prometheus.Gauge
}

// NewCollector registers the engine metrics on the default registry.
func NewCollector() *Collector {
	return &Collector{
		ReconcilePasses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "grid_reconcile_passes_total",
			Help: "Total reconciliation passes completed",
		}),
		ReconcileErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "grid_reconcile_errors_total",
			Help: "Total reconciliation passes that failed",
		}),
		OrdersPlaced: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_orders_placed_total",
			Help: "Orders placed at the venue by kind",
		}, []string{"kind"}),
		OrdersCancelled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "grid_orders_cancelled_total",
			Help: "Orders cancelled at the venue",
		}),
		FillsDetected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_fills_detected_total",
			Help: "Fills inferred from venue state by event",
		}, []string{"event"}),
		GridResets: promauto.NewCounter(prometheus.CounterOpts{
			Name: "grid_resets_total",
			Help: "Grid recenter events from range breaches",
		}),
		Capital: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "grid_capital",
			Help: "Current strategy capital",
		}),
		PositionLevel: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "grid_position_level",
			Help: "Current filled ladder level, 0 when flat",
		}),
		WSReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "grid_ws_reconnects_total",
			Help: "Kline stream reconnects",
		}),
		LastReconcileSec: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "grid_last_reconcile_duration_seconds",
			Help: "Duration of the most recent reconciliation pass",
		}),
	}
}

// Server handles Prometheus metrics export
type Server struct {
	port   int
	logger core.Logger
	srv    *http.Server
}

// NewServer creates a new metrics server
func NewServer(port int, logger core.Logger) *Server {
	return &Server{
		port:   port,
		logger: logger.WithField("component", "metrics_server"),
	}
}

// Start starts the metrics HTTP server
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	go func() {
		s.logger.Info("Starting Prometheus metrics server", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()
}

// Stop gracefully stops the metrics server
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping metrics server")
	return s.srv.Shutdown(ctx)
}
