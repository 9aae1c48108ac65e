// Package metrics defines the process-wide Prometheus collectors and the
// storage metrics hook. A single Metrics instance is constructed at startup
// and injected into the components that observe into it.
package metrics
