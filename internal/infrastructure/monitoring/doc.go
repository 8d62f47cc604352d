/*
Package monitoring provides Prometheus metrics for the tracing service.

# Overview

Tracks connection counts, tracing-session lifecycle, buffer throughput
(chunks copied out of shared memory, torn chunks deferred, ring pages
written) and admin API request metrics.

# Usage

	metrics := monitoring.NewMetrics()

	// Add middleware to the admin Gin router
	router.Use(monitoring.Middleware(metrics))

	// Record domain metrics
	metrics.ProducersConnected.Inc()
	metrics.ChunksCopied.Add(3)

Each Metrics value owns its registry, so expose it with:

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		metrics.Registry(), promhttp.HandlerOpts{})))
*/
package monitoring
