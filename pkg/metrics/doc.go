// Package metrics defines the Prometheus collectors exported by the
// orchestrator and the /metrics HTTP handler.
package metrics
