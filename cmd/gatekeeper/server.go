package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/config"
	"github.com/platinummonkey/gatekeeper/pkg/httputil"
	"github.com/platinummonkey/gatekeeper/pkg/middleware"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "dev"

// openDB opens and pings the configured database
func openDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open(cfg.Driver, cfg.DataSource())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}

	if cfg.Driver == "sqlite3" {
		// SQLite serializes writers; a single connection avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", cfg.Driver, err)
	}

	return db, nil
}

// newManager builds the RBAC manager, registering its metrics on registry
// when metrics are enabled.
func newManager(cfg *config.Config, db *sql.DB, registry prometheus.Registerer, logger *logrus.Logger) (*rbac.Manager, error) {
	opts := []rbac.ManagerOption{rbac.WithLogger(logger)}
	if cfg.Observability.MetricsEnabled && registry != nil {
		opts = append(opts, rbac.WithRegisterer(registry))
	}
	return rbac.NewManager(db, cfg.RBAC.Manager(), opts...)
}

// newHandler assembles the HTTP surface. Health and metrics endpoints are
// public; the RBAC API requires an authenticated identity.
func newHandler(cfg *config.Config, db *sql.DB, manager *rbac.Manager, registry *prometheus.Registry, logger *logrus.Logger) http.Handler {
	router := mux.NewRouter()
	// No-op until InitTracing installs a provider and propagator
	router.Use(observability.TracingMiddleware("gatekeeper"))

	if cfg.Observability.MetricsEnabled && registry != nil {
		httpMetrics := observability.NewHTTPMetrics(registry)
		router.Use(httpMetrics.Middleware)
		router.Handle("/metrics", observability.MetricsHandler(registry)).Methods(http.MethodGet)
	}
	observability.RegisterHealthRoutes(router, observability.NewHealthChecker(db, version))

	authn := middleware.NewAuthenticator(manager,
		middleware.WithHeader(cfg.Auth.TrustedUserHeader),
		middleware.WithAuthLogger(logger),
	)
	// Registered last so the public routes above match first
	protected := router.NewRoute().Subrouter()
	protected.Use(authn.Handler)
	manager.RegisterRoutes(protected)

	return httputil.Chain(
		httputil.RecoveryMiddleware(logger),
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
		httputil.MaxBytesMiddleware(cfg.Server.MaxBodyBytes),
	)(router)
}
