// Package server exposes the serve-mode HTTP endpoints.
//
// Routes:
//   - GET /health: dependency checks plus run counters; 503 when a check fails
//   - GET /metrics: Prometheus exposition of the given registry
//
// Example Usage:
//
//	reg := prometheus.NewRegistry()
//	metrics := monitoring.NewMetricsWith(reg)
//	srv := server.NewServer(server.Config{Addr: ":9464"}, reg, metrics, logger)
//	go srv.Run()
//	defer srv.Shutdown(ctx)
package server
