// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing and health probes for the warden service.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("provider_id", id).Info("login initiated")
//
// Request-scoped loggers carry the request id and user id:
//
//	ctx = observability.WithRequestID(ctx, reqID)
//	observability.FromContext(ctx).WithError(err).Warn("callback rejected")
//
// # Metrics
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.RecordLogin("oidc", "success")
//	metrics.RecordPermissionCheck(true)
//
// # Tracing
//
//	providers, err := observability.InitOTel(ctx, cfg, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//	ctx, span := observability.StartSpan(ctx, "sso.complete")
//	defer span.End()
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient)
//	observability.RegisterHealthRoutes(router, checker)
package observability
