package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wjake/udp-receiver/internal/metrics"
	"github.com/wjake/udp-receiver/internal/peers"
	"github.com/wjake/udp-receiver/internal/receiver"
	"github.com/wjake/udp-receiver/internal/relay"
)

const (
	serviceName    = "udp-receiver"
	serviceVersion = "1.0.0"

	maxBodyBytes    = 1 << 20
	shutdownTimeout = 5 * time.Second
)

// HTTPServer provides HTTP API endpoints for monitoring and controlling the receiver
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	endpoint *receiver.Endpoint
	peers    *peers.Tracker
	relay    *relay.Relay
	metrics  *metrics.Metrics

	startTime time.Time
}

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// NewHTTPServer creates the API server. The peer tracker and relay are optional.
func NewHTTPServer(cfg HTTPServerConfig, logger *slog.Logger, ep *receiver.Endpoint,
	tracker *peers.Tracker, rl *relay.Relay, m *metrics.Metrics) *HTTPServer {

	if logger == nil {
		logger = slog.Default()
	}

	h := &HTTPServer{
		logger:    logger.With(slog.String("component", "http-api")),
		endpoint:  ep,
		peers:     tracker,
		relay:     rl,
		metrics:   m,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Address, fmt.Sprintf("%d", cfg.Port)),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/peers", h.withMetrics("/peers", h.handlePeers))
	mux.HandleFunc("/send", h.withMetrics("/send", h.handleSend))

	mux.HandleFunc("/control/start", h.withMetrics("/control/start", h.handleStart))
	mux.HandleFunc("/control/stop", h.withMetrics("/control/stop", h.handleStop))
	mux.HandleFunc("/control/restart", h.withMetrics("/control/restart", h.handleRestart))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	if h.metrics != nil {
		mux.Handle("/metrics", h.metrics.Handler())
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// Handler returns the routed handler, mainly for tests
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// Addr returns the configured listen address
func (h *HTTPServer) Addr() string {
	return h.server.Addr
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Run listens and serves until ctx is cancelled, then shuts down gracefully
func (h *HTTPServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.logger.Info("Starting HTTP API server",
		slog.String("address", ln.Addr().String()),
	)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- h.server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server error: %w", err)
	case <-ctx.Done():
	}

	h.logger.Info("Stopping HTTP API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := h.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{
		"error":     err.Error(),
		"timestamp": time.Now().UTC(),
	})
}

// statusFor maps receiver errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, receiver.ErrInvalidAddress), errors.Is(err, receiver.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, receiver.ErrSocketClosed):
		return http.StatusConflict
	case errors.Is(err, receiver.ErrBindFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	state := h.endpoint.State()
	status, code := "healthy", http.StatusOK
	switch state {
	case receiver.StateFailed:
		status, code = "unhealthy", http.StatusServiceUnavailable
	case receiver.StateIdle, receiver.StateStarting, receiver.StateStopping:
		status = "idle"
	}

	components := map[string]any{
		"udp_receiver": map[string]any{
			"state":      state.String(),
			"local_addr": h.endpoint.LocalAddr().String(),
		},
	}
	if h.peers != nil {
		components["peer_tracker"] = map[string]any{
			"active_peers": h.peers.Count(),
		}
	}
	if h.relay != nil {
		components["relay"] = h.relay.Statistics()
	}

	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": components,
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"udp":       h.endpoint.Statistics(),
	}
	if handle, ok := h.endpoint.Handle(); ok {
		stats["session"] = handle
	}
	if h.peers != nil {
		stats["peers"] = map[string]any{
			"active_count":  h.peers.Count(),
			"evicted_count": h.peers.Evicted(),
		}
	}
	if h.relay != nil {
		stats["relay"] = h.relay.Statistics()
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleConfig implements GET and PUT on /config
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"endpoint": h.endpoint.Config(),
			"state":    h.endpoint.State(),
		})

	case http.MethodPut:
		current := h.endpoint.Config()
		next := current
		if err := decodeBody(r, &next); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		if err := h.endpoint.UpdateConfig(next); err != nil {
			writeError(w, statusFor(err), err)
			return
		}

		restartRequired := h.endpoint.State() == receiver.StateRunning &&
			(next.BindAddress != current.BindAddress ||
				next.Port != current.Port ||
				next.BufferSize != current.BufferSize)

		writeJSON(w, http.StatusOK, map[string]any{
			"endpoint":         next,
			"restart_required": restartRequired,
		})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handlePeers implements the /peers endpoint
func (h *HTTPServer) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.peers == nil {
		http.Error(w, "Peer tracking disabled", http.StatusNotFound)
		return
	}

	list := h.peers.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"total_peers": len(list),
		"timestamp":   time.Now().UTC(),
		"peers":       list,
	})
}

// sendRequest is the body of POST /send. Without a port the configured port is used.
type sendRequest struct {
	Message string `json:"message"`
	IP      string `json:"ip"`
	Port    uint16 `json:"port,omitempty"`
}

// handleSend implements the /send endpoint
func (h *HTTPServer) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req sendRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var (
		dst string
		err error
	)
	if req.Port == 0 {
		dst = req.IP
		err = h.endpoint.Send(req.Message, req.IP)
	} else {
		addr, parseErr := receiver.ParseIPv4(req.IP)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr)
			return
		}
		ap := netip.AddrPortFrom(addr, req.Port)
		dst = ap.String()
		err = h.endpoint.SendTo(req.Message, ap)
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "sent",
		"destination": dst,
		"bytes":       len(req.Message),
	})
}

// handleStart implements the /control/start endpoint
func (h *HTTPServer) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	handle, err := h.endpoint.Start(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"state":   h.endpoint.State(),
		"session": handle,
	})
}

// handleStop implements the /control/stop endpoint
func (h *HTTPServer) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.endpoint.Stop()

	writeJSON(w, http.StatusOK, map[string]any{
		"state": h.endpoint.State(),
	})
}

// handleRestart implements the /control/restart endpoint
func (h *HTTPServer) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	handle, err := h.endpoint.Restart(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"state":   h.endpoint.State(),
		"session": handle,
	})
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"service": "UDP Receiver Service",
		"version": serviceVersion,
		"endpoints": map[string]any{
			"GET /":                 "API documentation",
			"GET /health":           "Service health check",
			"GET /stats":            "Receiver, peer and relay statistics",
			"GET /config":           "Get endpoint configuration",
			"PUT /config":           "Update endpoint configuration (applies on next start)",
			"GET /peers":            "List recently active senders",
			"POST /send":            "Send a datagram {message, ip, port?}",
			"POST /control/start":   "Start the receiver",
			"POST /control/stop":    "Stop the receiver",
			"POST /control/restart": "Restart with the current configuration",
			"GET /metrics":          "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
