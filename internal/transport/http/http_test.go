package http

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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadzzz/voicechat/internal/metrics"
	"github.com/nadzzz/voicechat/internal/session"
	"github.com/nadzzz/voicechat/internal/voicetest"
)

var testSession = session.Config{
	Language:         "en-US",
	PerChar:          10 * time.Millisecond,
	IntentsPerSecond: 100,
	IntentBurst:      100,
	OutboundBuffer:   64,
}

func newTransport(m *metrics.Collector) *Transport {
	return New(0, testSession, session.Backends{Chat: &voicetest.ChatClient{}}, m)
}

func TestIndexServesUI(t *testing.T) {
	srv := httptest.NewServer(newTransport(nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "/ws")

	missing, err := http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestCapabilities(t *testing.T) {
	srv := httptest.NewServer(newTransport(nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/capabilities")
	require.NoError(t, err)
	defer resp.Body.Close()

	var caps Capabilities
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&caps))
	assert.Equal(t, Capabilities{Chat: "fake", Capture: "browser", Playback: "browser", Language: "en-US"}, caps)
}

func TestSwaggerDocs(t *testing.T) {
	srv := httptest.NewServer(newTransport(nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/swagger/doc.json")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "/api/v1/capabilities")
}

func activeSessions(t *testing.T, reg *prometheus.Registry) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == "voicechat_active_sessions" {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return -1
}

func TestWebSocketSessionLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector("voicechat", reg)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	tr := newTransport(m)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Serve(ctx, lis) }()

	url := "ws://" + lis.Addr().String() + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"type":"view"`), string(data))

	require.Eventually(t, func() bool {
		return activeSessions(t, reg) == 1
	}, 3*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("transport did not stop")
	}
	assert.Equal(t, float64(0), activeSessions(t, reg))
}

func TestUpgradeRequired(t *testing.T) {
	srv := httptest.NewServer(newTransport(nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionsRejectedAfterShutdown(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	tr := newTransport(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, tr.Serve(ctx, lis))

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	rec := httptest.NewRecorder()
	tr.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
