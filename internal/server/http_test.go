package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wjake/udp-receiver/internal/metrics"
	"github.com/wjake/udp-receiver/internal/peers"
	"github.com/wjake/udp-receiver/internal/receiver"
)

type testEnv struct {
	server   *HTTPServer
	endpoint *receiver.Endpoint
	peers    *peers.Tracker
	metrics  *metrics.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.NewMetrics()

	ep := receiver.New(receiver.EndpointConfig{
		SocketName:  "api-socket",
		BindAddress: "127.0.0.1",
		Port:        0,
		BufferSize:  1024,
	}, receiver.Options{Logger: logger, Metrics: m})
	t.Cleanup(ep.Stop)

	tracker := peers.NewTracker(logger, m, peers.Config{})
	t.Cleanup(tracker.Stop)

	h := NewHTTPServer(HTTPServerConfig{Address: "127.0.0.1", Port: 0, Enabled: true}, logger, ep, tracker, nil, m)
	return &testEnv{server: h, endpoint: ep, peers: tracker, metrics: m}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "idle", body["status"])

	_, err := env.endpoint.Start(context.Background())
	require.NoError(t, err)

	rec, body = env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	udp := body["components"].(map[string]any)["udp_receiver"].(map[string]any)
	assert.Equal(t, "running", udp["state"])
}

func TestHealthReportsBindFailure(t *testing.T) {
	env := newTestEnv(t)

	holder, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer holder.Close()

	cfg := env.endpoint.Config()
	cfg.Port = uint16(holder.LocalAddr().(*net.UDPAddr).Port)
	require.NoError(t, env.endpoint.UpdateConfig(cfg))

	rec, _ := env.do(t, http.MethodPost, "/control/start", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec, body := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", body["status"])
}

func TestControlLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodPost, "/control/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "running", body["state"])
	session := body["session"].(map[string]any)
	assert.Equal(t, "api-socket", session["socket_name"])

	rec, body = env.do(t, http.MethodPost, "/control/restart", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEqual(t, session["id"], body["session"].(map[string]any)["id"])

	rec, body = env.do(t, http.MethodPost, "/control/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "idle", body["state"])
	assert.Equal(t, receiver.StateIdle, env.endpoint.State())

	rec, _ = env.do(t, http.MethodGet, "/control/start", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestConfigGetAndPut(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodGet, "/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "api-socket", body["endpoint"].(map[string]any)["socket_name"])

	_, err := env.endpoint.Start(context.Background())
	require.NoError(t, err)

	rec, body = env.do(t, http.MethodPut, "/config", `{"buffer_size": 4096}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["restart_required"])
	assert.Equal(t, 4096, env.endpoint.Config().BufferSize)
	assert.Equal(t, "api-socket", env.endpoint.Config().SocketName, "fields not in the body are kept")

	rec, _ = env.do(t, http.MethodPut, "/config", `{"bind_address": "not-an-ip"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "127.0.0.1", env.endpoint.Config().BindAddress)

	rec, _ = env.do(t, http.MethodPut, "/config", `{"unknown": 1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendEndpoint(t *testing.T) {
	env := newTestEnv(t)

	client, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer client.Close()
	port := client.LocalAddr().(*net.UDPAddr).Port

	body := `{"message":"hello","ip":"127.0.0.1","port":` + strconv.Itoa(port) + `}`

	rec, _ := env.do(t, http.MethodPost, "/send", body)
	assert.Equal(t, http.StatusConflict, rec.Code, "not running")

	// No explicit port and an ephemeral configured port
	rec, _ = env.do(t, http.MethodPost, "/send", `{"message":"hello","ip":"127.0.0.1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code, "not running without port")

	_, err = env.endpoint.Start(context.Background())
	require.NoError(t, err)

	rec, out := env.do(t, http.MethodPost, "/send", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sent", out["status"])

	buf := make([]byte, 64)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := client.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	rec, _ = env.do(t, http.MethodPost, "/send", `{"message":"x","ip":"999.1.1.1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPeersEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.endpoint.Subscribe(env.peers.Observe)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.endpoint.Dispatcher().Run(ctx)

	_, err := env.endpoint.Start(context.Background())
	require.NoError(t, err)

	client, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.WriteToUDPAddrPort([]byte("ping"), env.endpoint.LocalAddr())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return env.peers.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	rec, body := env.do(t, http.MethodGet, "/peers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["total_peers"])
	peer := body["peers"].([]any)[0].(map[string]any)
	assert.Equal(t, "127.0.0.1", peer["ip"])
	assert.Equal(t, "ping", peer["last_message"])
}

func TestStatsAndRoot(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	udp := body["udp"].(map[string]any)
	assert.Equal(t, "idle", udp["state"])
	assert.Contains(t, body, "peers")
	assert.NotContains(t, body, "relay")

	rec, body = env.do(t, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body["endpoints"], "POST /send")

	rec, _ = env.do(t, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestMetrics(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, http.MethodGet, "/stats", "")
	env.do(t, http.MethodDelete, "/stats", "")

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.HTTPRequests.WithLabelValues("GET", "/stats", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.HTTPErrors.WithLabelValues("DELETE", "/stats", "client_error")))

	rec, _ := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "udp_receiver_http_requests_total")
}

func TestRunShutsDownOnCancel(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.server.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * shutdownTimeout):
		t.Fatal("Run did not return after cancel")
	}
}
