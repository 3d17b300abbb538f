// Package server exposes the receiver over HTTP: health and statistics,
// endpoint configuration, the peer table, outbound sends, lifecycle control
// and the Prometheus metrics endpoint.
package server
