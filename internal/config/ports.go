// Package config provides configuration management for the trading pipeline.
// This file centralizes all port constants to avoid duplication and ensure consistency.
package config

// ============================================================================
// CENTRALIZED PORT CONFIGURATION
// ============================================================================
//
// This file defines all ports used by tradefabric workers.
// Update this file when adding new workers or changing port assignments.
//
// Port Allocation Strategy:
//   8200-8299: Infrastructure services (Vault, etc.)
//   9100-9199: Prometheus metrics endpoints
//
// ============================================================================

// Infrastructure Service Ports
const (
	// VaultPort is the default port for HashiCorp Vault.
	VaultPort = 8200

	// PostgresPort is the default port for PostgreSQL.
	PostgresPort = 5432

	// RedisPort is the default port for Redis.
	RedisPort = 6379

	// NATSPort is the default port for NATS messaging.
	NATSPort = 4222
)

// Prometheus Metrics Ports for Pipeline Workers
// Each worker gets a unique port for metrics scraping.
const (
	// MetricsPortStrategyWorker is the metrics port for the strategy worker.
	MetricsPortStrategyWorker = 9101

	// MetricsPortRiskWorker is the metrics port for the risk worker.
	MetricsPortRiskWorker = 9102

	// MetricsPortExecutionWorker is the metrics port for the execution worker.
	MetricsPortExecutionWorker = 9103
)

// Monitoring Service Ports
const (
	// PrometheusPort is the default port for Prometheus.
	PrometheusPort = 9090

	// NATSExporterPort is the port for the NATS Prometheus exporter.
	NATSExporterPort = 7777
)

// WorkerMetricsPorts provides a mapping of worker names to their metrics ports.
// This is useful for Prometheus configuration and health checks.
var WorkerMetricsPorts = map[string]int{
	"strategy-worker":  MetricsPortStrategyWorker,
	"risk-worker":      MetricsPortRiskWorker,
	"execution-worker": MetricsPortExecutionWorker,
}

// GetWorkerMetricsPort returns the metrics port for a given worker name.
// Returns 0 if the worker is not found.
func GetWorkerMetricsPort(workerName string) int {
	if port, ok := WorkerMetricsPorts[workerName]; ok {
		return port
	}
	return 0
}
