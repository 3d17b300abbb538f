// Package metrics defines the Prometheus collectors exported by the receiver service.
package metrics
