// Voicechat is a browser voice chat daemon: users talk or type to an
// assistant whose replies stream in and are optionally spoken back.
//
// Usage:
//
//	voicechat [flags]
//	voicechat --config /path/to/voicechat.yaml
//
// @title       voicechat API
// @version     1.0
// @description Browser voice chat with streamed assistant replies.
// @BasePath    /
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/nadzzz/voicechat/internal/capture/google"
	"github.com/nadzzz/voicechat/internal/capture/whisper"
	"github.com/nadzzz/voicechat/internal/chat"
	"github.com/nadzzz/voicechat/internal/chat/ollama"
	"github.com/nadzzz/voicechat/internal/chat/openai"
	"github.com/nadzzz/voicechat/internal/config"
	"github.com/nadzzz/voicechat/internal/health"
	"github.com/nadzzz/voicechat/internal/metrics"
	"github.com/nadzzz/voicechat/internal/playback/piper"
	"github.com/nadzzz/voicechat/internal/session"
	"github.com/nadzzz/voicechat/internal/transport"
	grpctransport "github.com/nadzzz/voicechat/internal/transport/grpc"
	httptransport "github.com/nadzzz/voicechat/internal/transport/http"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configFile := flag.String("config", "", "path to config file (e.g. configs/voicechat.local.yaml)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("voicechat %s\n", version)
		os.Exit(0)
	}

	// Load configuration.
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging.
	config.SetupLogging(cfg.Logging)
	slog.Info("voicechat starting", "version", version)

	// Create root context with signal handling for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("voicechat failed", "error", err)
		os.Exit(1)
	}
	slog.Info("voicechat stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	backends, closeBackends, err := buildBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackends()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewCollector("voicechat", reg)

	sessionCfg := session.Config{
		Language:         cfg.Session.Language,
		PerChar:          cfg.Playback.PerChar,
		MaxAudioBytes:    cfg.Capture.MaxAudioBytes,
		IntentsPerSecond: cfg.Session.IntentsPerSecond,
		IntentBurst:      cfg.Session.IntentBurst,
		OutboundBuffer:   cfg.Session.OutboundBuffer,
		StreamTimeout:    cfg.Chat.Timeout,
	}

	healthServer := health.New(cfg.Server.HealthPort, reg)
	transports := []transport.Transport{
		healthServer,
		httptransport.New(cfg.Server.HTTPPort, sessionCfg, backends, m),
	}
	var grpcTransport *grpctransport.Transport
	if cfg.Server.GRPCEnabled {
		grpcTransport = grpctransport.New(cfg.Server.GRPCPort)
		transports = append(transports, grpcTransport)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, t := range transports {
		g.Go(func() error {
			slog.Info("starting transport", "name", t.Name())
			if err := t.Listen(ctx); err != nil {
				return fmt.Errorf("%s transport: %w", t.Name(), err)
			}
			return nil
		})
	}

	// Mark as ready once all transports are started.
	healthServer.SetReady(true)
	if grpcTransport != nil {
		grpcTransport.SetServing(true)
	}
	slog.Info("voicechat ready",
		"http_port", cfg.Server.HTTPPort,
		"health_port", cfg.Server.HealthPort,
		"chat", backends.Chat.Name(),
		"capture", cfg.Capture.Backend,
		"playback", cfg.Playback.Backend)

	<-ctx.Done()
	slog.Info("shutdown signal received, draining...")
	healthServer.SetReady(false)
	if grpcTransport != nil {
		grpcTransport.SetServing(false)
	}
	return g.Wait()
}

// buildBackends creates the shared chat, capture and playback backends.
func buildBackends(ctx context.Context, cfg *config.Config) (session.Backends, func(), error) {
	var b session.Backends
	closeFn := func() {}

	var client chat.Client
	switch cfg.Chat.Backend {
	case "openai":
		client = openai.New(cfg.Chat.OpenAI, cfg.Chat.SystemPrompt)
		slog.Info("using OpenAI chat", "base_url", cfg.Chat.OpenAI.BaseURL, "model", cfg.Chat.OpenAI.Model)
	case "ollama":
		client = ollama.New(cfg.Chat.Ollama, cfg.Chat.SystemPrompt)
		slog.Info("using Ollama chat", "endpoint", cfg.Chat.Ollama.Endpoint, "model", cfg.Chat.Ollama.Model)
	default:
		return b, closeFn, fmt.Errorf("unknown chat backend %q", cfg.Chat.Backend)
	}
	b.Chat = client

	switch cfg.Capture.Backend {
	case "browser":
		slog.Info("using browser speech recognition")
	case "whisper":
		b.Transcriber = whisper.New(cfg.Capture.Whisper)
		slog.Info("using Whisper transcription", "endpoint", cfg.Capture.Whisper.Endpoint, "model", cfg.Capture.Whisper.Model)
	case "google":
		tr, err := google.New(ctx, cfg.Capture.Google)
		if err != nil {
			return b, closeFn, fmt.Errorf("creating google speech client: %w", err)
		}
		b.Transcriber = tr
		closeFn = func() {
			if err := tr.Close(); err != nil {
				slog.Warn("closing google speech client", "error", err)
			}
		}
		slog.Info("using Google Cloud Speech-to-Text")
	default:
		return b, closeFn, fmt.Errorf("unknown capture backend %q", cfg.Capture.Backend)
	}

	switch cfg.Playback.Backend {
	case "browser":
		slog.Info("using browser speech synthesis", "per_char", cfg.Playback.PerChar)
	case "piper":
		b.Synthesizer = piper.NewSynthesizer(cfg.Playback.Piper)
		slog.Info("using Piper synthesis", "endpoint", cfg.Playback.Piper.Endpoint)
	default:
		return b, closeFn, fmt.Errorf("unknown playback backend %q", cfg.Playback.Backend)
	}

	return b, closeFn, nil
}
