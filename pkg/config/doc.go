// Package config loads and validates application configuration from
// environment variables, with defaults suitable for local development.
//
// Server settings:
//
//	GATEHOUSE_HOST="0.0.0.0"
//	GATEHOUSE_PORT="8080"
//	GATEHOUSE_HEALTH_PORT="9090"
//	GATEHOUSE_READ_TIMEOUT="15s"
//	GATEHOUSE_WRITE_TIMEOUT="15s"
//	GATEHOUSE_IDLE_TIMEOUT="60s"
//	GATEHOUSE_SHUTDOWN_TIMEOUT="30s"
//
// Storage settings:
//
//	GATEHOUSE_POSTGRES_URL="postgres://localhost/gatehouse"
//	GATEHOUSE_POSTGRES_REPLICA_URLS="postgres://replica1/gatehouse,postgres://replica2/gatehouse"
//	GATEHOUSE_POSTGRES_MAX_CONNS="25"
//	GATEHOUSE_POSTGRES_MIN_CONNS="5"
//	GATEHOUSE_POSTGRES_TIMEOUT="10s"
//	GATEHOUSE_REDIS_URL="redis://localhost:6379/0"
//	GATEHOUSE_REDIS_PASSWORD=""
//	GATEHOUSE_REDIS_POOL_SIZE="10"
//
// Federation settings:
//
//	GATEHOUSE_BASE_URL="https://sso.example.com"
//	GATEHOUSE_SECURE_COOKIES="true"
//	GATEHOUSE_STATE_TTL="5m"
//	GATEHOUSE_CERT_GRACE_PERIOD="720h"
//	GATEHOUSE_CLEANUP_INTERVAL="5m"
//
// Observability settings:
//
//	GATEHOUSE_LOG_LEVEL="info"  # debug, info, warn, error
//	GATEHOUSE_METRICS_ENABLED="true"
//	GATEHOUSE_OTEL_ENABLED="false"
//	GATEHOUSE_OTEL_ENDPOINT="otel-collector:4317"
//
// Load configuration with:
//
//	cfg, err := config.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
package config
