package mcpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsHandler exposes reg in the Prometheus exposition format.
func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// MetricsServer serves /metrics on its own listener, separate from the MCP
// transports.
type MetricsServer struct {
	logger *zap.Logger
	server *http.Server
}

// NewMetricsServer creates a MetricsServer listening on addr.
func NewMetricsServer(addr string, reg *prometheus.Registry, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", MetricsHandler(reg))

	return &MetricsServer{
		logger: logger,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start binds the listener and serves in the background.
func (m *MetricsServer) Start() error {
	ln, err := net.Listen("tcp", m.server.Addr)
	if err != nil {
		return err
	}
	m.logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops the listener.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.server.Shutdown(ctx)
}
