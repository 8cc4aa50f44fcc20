// Package observability provides structured logging, Prometheus metrics,
// health checks, OpenTelemetry tracing and graceful shutdown for the
// gatekeeper server.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.ParseLogLevel("debug"), observability.FormatJSON, os.Stdout)
//	logger.WithField("user_id", id).Info("Permissions resolved")
//
// # Prometheus Metrics
//
//	registry := observability.NewRegistry()
//	httpMetrics := observability.NewHTTPMetrics(registry)
//	router.Use(httpMetrics.Middleware)
//	router.Handle("/metrics", observability.MetricsHandler(registry))
//
// Request metrics are labelled with the matched route template, never the
// raw path.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, version)
//	observability.RegisterHealthRoutes(router, checker)
//
// /healthz and /healthz/ready ping the database; /healthz/live does not.
//
// # OpenTelemetry
//
//	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "gatekeeper",
//	}, logger)
//	defer observability.ShutdownTracing(ctx, tp, logger)
//
// When tracing is disabled the global tracer is a no-op.
package observability
