// Package http implements the HTTP/WebSocket transport for voicechat.
//
// This transport serves the single-page chat UI, upgrades /ws connections
// into chat sessions and exposes a small REST API describing the configured
// speech and chat backends.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	_ "github.com/nadzzz/voicechat/docs"
	"github.com/nadzzz/voicechat/internal/metrics"
	"github.com/nadzzz/voicechat/internal/session"
	"github.com/nadzzz/voicechat/web"
)

// Capabilities describes the backends a session will be built from.
type Capabilities struct {
	Chat     string `json:"chat" example:"openai"`
	Capture  string `json:"capture" example:"browser"`
	Playback string `json:"playback" example:"browser"`
	Language string `json:"language" example:"en-US"`
}

// Transport implements transport.Transport over HTTP and WebSocket.
type Transport struct {
	port     int
	cfg      session.Config
	backends session.Backends
	metrics  *metrics.Collector
	caps     Capabilities
	upgrader websocket.Upgrader

	server   *http.Server
	sessions sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New creates a new HTTP transport on the given port. m may be nil.
func New(port int, cfg session.Config, b session.Backends, m *metrics.Collector) *Transport {
	caps := Capabilities{
		Chat:     b.Chat.Name(),
		Capture:  "browser",
		Playback: "browser",
		Language: cfg.Language,
	}
	if b.Transcriber != nil {
		caps.Capture = b.Transcriber.Name()
	}
	if b.Synthesizer != nil {
		caps.Playback = "piper"
	}

	return &Transport{
		port:     port,
		cfg:      cfg,
		backends: b,
		metrics:  m,
		caps:     caps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Name returns the transport identifier.
func (t *Transport) Name() string { return "http" }

// Handler returns the transport's routes.
func (t *Transport) Handler() http.Handler {
	mux := http.NewServeMux()

	// GET /: the chat UI.
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFileFS(w, r, web.FS, "index.html")
	})

	// GET /ws: one chat session per connection.
	mux.HandleFunc("GET /ws", t.handleSession)

	mux.HandleFunc("GET /api/v1/capabilities", t.handleCapabilities)

	// Swagger UI, serving the generated OpenAPI docs.
	mux.Handle("GET /swagger/", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	return mux
}

// Listen starts the HTTP server and blocks until ctx is cancelled and every
// session has ended.
func (t *Transport) Listen(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", t.port))
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	return t.Serve(ctx, lis)
}

// Serve runs the HTTP server on lis until ctx is cancelled.
func (t *Transport) Serve(ctx context.Context, lis net.Listener) error {
	// Shutdown does not track hijacked connections; sessions end with ctx.
	t.server = &http.Server{
		Handler:           t.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	slog.Info("http transport listening", "addr", lis.Addr().String())

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		slog.Info("http transport shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = t.server.Shutdown(shutdownCtx)
	}()

	err := t.server.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		<-stopped
	}
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.sessions.Wait()
	if !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

// handleSession upgrades the request and runs a chat session on it.
//
// @Summary     Open a chat session
// @Description Upgrades to a WebSocket carrying the session protocol. The server sends
// @Description "view" and "notice" frames and relays speech commands; the browser sends
// @Description intents ("submit_text", "toggle_voice") and speech events.
// @Tags        session
// @Success     101  {string}  string  "Switching Protocols"
// @Failure     400  {string}  string  "Not a WebSocket handshake"
// @Failure     503  {string}  string  "Shutting down"
// @Router      /ws [get]
func (t *Transport) handleSession(w http.ResponseWriter, r *http.Request) {
	if !t.beginSession() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer t.sessions.Done()

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s := session.New(conn, t.cfg, t.backends, t.metrics)
	if err := s.Serve(r.Context()); err != nil {
		slog.Warn("session failed", "session_id", s.ID(), "error", err)
	}
}

// beginSession registers a session unless the transport has stopped serving.
func (t *Transport) beginSession() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.sessions.Add(1)
	return true
}

// handleCapabilities reports the configured backends.
//
// @Summary     Describe the configured backends
// @Description Returns which chat, speech capture and speech playback backends new sessions use.
// @Tags        meta
// @Produce     json
// @Success     200  {object}  Capabilities
// @Router      /api/v1/capabilities [get]
func (t *Transport) handleCapabilities(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(t.caps)
}
