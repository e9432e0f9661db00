package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ChuLiYu/beaver-async/internal/snapshot"
	"github.com/ChuLiYu/beaver-async/pkg/async"
	"github.com/ChuLiYu/beaver-async/pkg/health"
	"github.com/ChuLiYu/beaver-async/pkg/tracing"
)

func newRuntime(t *testing.T) *async.Runtime {
	t.Helper()
	cfg := async.DefaultConfig()
	cfg.NumThreads = 2
	cfg.EnableTracing = true
	cfg.ServiceName = "server-test"
	cfg.HeartbeatInterval = time.Hour
	cfg.WatchdogInterval = time.Hour
	cfg.Logger = zaptest.NewLogger(t)
	rt, err := async.NewWithConfig(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Shutdown(context.Background()) })
	return rt
}

func newTestServer(t *testing.T, rt *async.Runtime) (*HTTPServer, *httptest.Server) {
	t.Helper()
	s, err := NewHTTP(rt, HTTPOptions{StreamInterval: 20 * time.Millisecond, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Hub().Run(ctx)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return s, ts
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestMetricsEndpoint(t *testing.T) {
	rt := newRuntime(t)
	s, ts := newTestServer(t, rt)

	_, err := async.BlockOn(rt, func(context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)
	rt.Metrics().IncrementCounter("jobs", 2)

	code, body := get(t, ts.URL+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "beaver_async_tasks_spawned_total 1")
	assert.Contains(t, body, `beaver_async_custom_counter_total{name="jobs"} 2`)
	assert.Contains(t, body, "go_goroutines")

	n, err := testutil.GatherAndCount(s.Registry(), "beaver_async_tasks_completed_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHealthEndpoint(t *testing.T) {
	rt := newRuntime(t)
	_, ts := newTestServer(t, rt)

	code, body := get(t, ts.URL+"/health")
	assert.Equal(t, http.StatusOK, code)
	var report health.Report
	require.NoError(t, json.Unmarshal([]byte(body), &report))
	assert.Equal(t, health.Healthy, report.Status)
	assert.True(t, report.Ready)

	rt.Health().AddCheck("database", health.Unhealthy, "connection refused")
	code, body = get(t, ts.URL+"/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "connection refused")
}

func TestProbeEndpoints(t *testing.T) {
	rt := newRuntime(t)
	_, ts := newTestServer(t, rt)

	code, _ := get(t, ts.URL+"/healthz")
	assert.Equal(t, http.StatusOK, code)
	code, _ = get(t, ts.URL+"/readyz")
	assert.Equal(t, http.StatusOK, code)

	require.NoError(t, rt.Shutdown(context.Background()))
	code, _ = get(t, ts.URL+"/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	rt.Health().SetAlive(false)
	code, _ = get(t, ts.URL+"/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestTracesEndpoint(t *testing.T) {
	rt := newRuntime(t)
	_, ts := newTestServer(t, rt)

	_, err := async.BlockOn(rt, func(context.Context) (int, error) { return 1, nil },
		async.WithName("traced"))
	require.NoError(t, err)

	code, body := get(t, ts.URL+"/traces")
	require.Equal(t, http.StatusOK, code)
	refs, err := tracing.ParseJaegerJSON([]byte(body))
	require.NoError(t, err)
	require.NotEmpty(t, refs)
	assert.Equal(t, "task", refs[0].Operation)
}

func TestUnknownMethodRejected(t *testing.T) {
	rt := newRuntime(t)
	_, ts := newTestServer(t, rt)

	resp, err := http.Post(ts.URL+"/metrics", "text/plain", strings.NewReader(""))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestSnapshotStream(t *testing.T) {
	rt := newRuntime(t)
	s, ts := newTestServer(t, rt)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	for range 2 {
		var rec snapshot.Record
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		require.NoError(t, conn.ReadJSON(&rec))
		assert.Equal(t, "server-test", rec.Service)
		assert.Equal(t, 2, rec.Stats.Workers)
	}
	assert.Equal(t, 1, s.Hub().ClientCount())

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()
	assert.Eventually(t, func() bool { return s.Hub().ClientCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestServeStopsWithContext(t *testing.T) {
	rt := newRuntime(t)
	s, err := NewHTTP(rt, HTTPOptions{ShutdownTimeout: time.Second})
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, lis) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + lis.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
