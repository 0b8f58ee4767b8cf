/*
Package monitoring provides Prometheus metrics for the sandbox.

# Overview

Runs, orchestrator state transitions, captured IoCs, drain windows, broker
traffic and the serve-mode HTTP listener are all counted here.

# Usage

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetricsWith(reg)

	// Add middleware to Gin router
	router.Use(monitoring.Middleware(metrics))

	// Time a stage
	timer := monitoring.NewTimer(metrics, "navigate")
	// ... perform stage ...
	timer.Stop("success")

# Metrics Endpoint

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
*/
package monitoring
