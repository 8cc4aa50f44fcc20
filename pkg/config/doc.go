// Package config provides application configuration from environment
// variables and an optional YAML file.
//
// # Environment
//
// Server settings:
//
//	GATEKEEPER_HOST="0.0.0.0"
//	GATEKEEPER_PORT="8080"
//	GATEKEEPER_READ_TIMEOUT="15s"
//	GATEKEEPER_WRITE_TIMEOUT="15s"
//	GATEKEEPER_SHUTDOWN_TIMEOUT="30s"
//	GATEKEEPER_MAX_BODY_BYTES="1048576"
//
// Database settings:
//
//	GATEKEEPER_DB_DRIVER="postgres"   # postgres or sqlite3
//	GATEKEEPER_DB_DSN="postgres://gatekeeper@localhost/gatekeeper?sslmode=disable"
//	GATEKEEPER_DB_MAX_OPEN_CONNS="20"
//
// Permission cache settings:
//
//	GATEKEEPER_CACHE_TTL="5m"         # 0 disables caching
//	GATEKEEPER_CACHE_SIZE="10000"
//	GATEKEEPER_CACHE_SWEEP_SCHEDULE="@every 1m"
//
// Authentication and observability:
//
//	GATEKEEPER_TRUSTED_USER_HEADER="X-Remote-User"
//	GATEKEEPER_LOG_LEVEL="info"
//	GATEKEEPER_LOG_FORMAT="json"      # json or text
//	GATEKEEPER_METRICS_ENABLED="true"
//	GATEKEEPER_OTEL_ENABLED="false"
//	GATEKEEPER_OTEL_ENDPOINT="localhost:4317"
//
// # Config File
//
// GATEKEEPER_CONFIG_FILE (or the --config flag) names a YAML file that adds
// capability mappings, permissions and roles to the built-in catalogue. See
// File for the format.
//
// # Usage
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//	manager, err := rbac.NewManager(db, cfg.RBAC.Manager())
package config
