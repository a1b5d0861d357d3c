// Package config handles loading and validating the voicechat configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the root configuration for the voicechat daemon.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Session  SessionConfig  `mapstructure:"session"`
	Chat     ChatConfig     `mapstructure:"chat"`
	Capture  CaptureConfig  `mapstructure:"capture"`
	Playback PlaybackConfig `mapstructure:"playback"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	HTTPPort    int  `mapstructure:"http_port"`
	HealthPort  int  `mapstructure:"health_port"`
	GRPCEnabled bool `mapstructure:"grpc_enabled"`
	GRPCPort    int  `mapstructure:"grpc_port"`
}

// SessionConfig tunes per-connection behavior.
type SessionConfig struct {
	IntentsPerSecond float64 `mapstructure:"intents_per_second"`
	IntentBurst      int     `mapstructure:"intent_burst"`
	OutboundBuffer   int     `mapstructure:"outbound_buffer"`
	Language         string  `mapstructure:"language"` // BCP-47 tag for recognition and synthesis (e.g., "en-US")
}

// ChatConfig selects and configures the completion backend.
type ChatConfig struct {
	Backend      string        `mapstructure:"backend"` // "openai" or "ollama"
	SystemPrompt string        `mapstructure:"system_prompt"`
	Timeout      time.Duration `mapstructure:"timeout"`
	OpenAI       OpenAIConfig  `mapstructure:"openai"`
	Ollama       OllamaConfig  `mapstructure:"ollama"`
}

// OpenAIConfig holds settings for any OpenAI-compatible chat API.
type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

// OllamaConfig holds self-hosted Ollama settings.
type OllamaConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Model    string `mapstructure:"model"`
}

// CaptureConfig selects the speech capture adapter.
type CaptureConfig struct {
	Backend       string        `mapstructure:"backend"` // "browser", "whisper" or "google"
	MaxAudioBytes int           `mapstructure:"max_audio_bytes"`
	Whisper       WhisperConfig `mapstructure:"whisper"`
	Google        GoogleConfig  `mapstructure:"google"`
}

// WhisperConfig holds settings for a Whisper transcription endpoint.
type WhisperConfig struct {
	API       string `mapstructure:"api"` // "openai" or "asr" (whisper-asr-webservice)
	APIKey    string `mapstructure:"api_key"`
	Endpoint  string `mapstructure:"endpoint"`
	Model     string `mapstructure:"model"`
	VADFilter bool   `mapstructure:"vad_filter"` // asr only
}

// GoogleConfig holds Google Cloud Speech-to-Text settings.
type GoogleConfig struct {
	CredentialsFile string `mapstructure:"credentials_file"` // empty uses application default credentials
	SampleRateHertz int    `mapstructure:"sample_rate_hertz"`
}

// PlaybackConfig selects the speech playback adapter.
type PlaybackConfig struct {
	Backend string `mapstructure:"backend"` // "browser" or "piper"

	// PerChar is the estimated speaking time per character of text, used to
	// approximate the end of an utterance when no end event is available.
	PerChar time.Duration `mapstructure:"per_char"`
	Piper   PiperConfig   `mapstructure:"piper"`
}

// PiperConfig holds Piper TTS settings (Wyoming protocol).
//
// For a single Piper instance that serves all languages, set Endpoint.
// For per-language instances, set Endpoints which maps ISO-639-1 codes to
// individual Wyoming TCP endpoints. Endpoints takes precedence.
type PiperConfig struct {
	Endpoint  string            `mapstructure:"endpoint"`
	Endpoints map[string]string `mapstructure:"endpoints"`
	Voices    map[string]string `mapstructure:"voices"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// Load reads the configuration from a .env file, the config file,
// environment variables, and defaults. If configFile is non-empty it is used
// directly; otherwise the standard search order applies: ./voicechat.yaml,
// ./configs/voicechat.yaml, /etc/voicechat/voicechat.yaml.
func Load(configFile string) (*Config, error) {
	// .env is optional; real environment variables win over it.
	if err := godotenv.Load(); err == nil {
		slog.Info("loaded .env file")
	}

	v := viper.New()

	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.health_port", 8081)
	v.SetDefault("server.grpc_enabled", true)
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("session.intents_per_second", 5.0)
	v.SetDefault("session.intent_burst", 10)
	v.SetDefault("session.outbound_buffer", 256)
	v.SetDefault("session.language", "en-US")
	v.SetDefault("chat.backend", "openai")
	v.SetDefault("chat.system_prompt", "You are Alex, a friendly voice assistant. Keep answers short and conversational.")
	v.SetDefault("chat.timeout", "60s")
	v.SetDefault("chat.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("chat.openai.model", "gpt-4o-mini")
	v.SetDefault("chat.ollama.endpoint", "http://localhost:11434/api/chat")
	v.SetDefault("chat.ollama.model", "llama3")
	v.SetDefault("capture.backend", "browser")
	v.SetDefault("capture.max_audio_bytes", 25<<20)
	v.SetDefault("capture.whisper.api", "openai")
	v.SetDefault("capture.whisper.endpoint", "https://api.openai.com/v1/audio/transcriptions")
	v.SetDefault("capture.whisper.model", "gpt-4o-transcribe")
	v.SetDefault("capture.google.sample_rate_hertz", 48000)
	v.SetDefault("playback.backend", "browser")
	v.SetDefault("playback.per_char", "50ms")
	v.SetDefault("playback.piper.endpoint", "localhost:10200")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("voicechat")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/voicechat")
	}

	// Environment variables: VOICECHAT_CHAT_BACKEND, VOICECHAT_SERVER_HTTP_PORT, etc.
	v.SetEnvPrefix("VOICECHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		slog.Info("no config file found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	// Resolve env var references in sensitive fields (e.g., "${OPENAI_API_KEY}").
	cfg.Chat.OpenAI.APIKey = resolveEnvRef(cfg.Chat.OpenAI.APIKey)
	cfg.Capture.Whisper.APIKey = resolveEnvRef(cfg.Capture.Whisper.APIKey)
	cfg.Capture.Google.CredentialsFile = resolveEnvRef(cfg.Capture.Google.CredentialsFile)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks backend selections and numeric bounds.
func (c *Config) Validate() error {
	switch c.Chat.Backend {
	case "openai", "ollama":
	default:
		return fmt.Errorf("unknown chat backend %q", c.Chat.Backend)
	}
	switch c.Capture.Backend {
	case "browser", "whisper", "google":
	default:
		return fmt.Errorf("unknown capture backend %q", c.Capture.Backend)
	}
	switch c.Playback.Backend {
	case "browser", "piper":
	default:
		return fmt.Errorf("unknown playback backend %q", c.Playback.Backend)
	}
	if c.Capture.Backend == "whisper" {
		switch c.Capture.Whisper.API {
		case "openai", "asr":
		default:
			return fmt.Errorf("unknown whisper api %q", c.Capture.Whisper.API)
		}
	}
	if c.Playback.PerChar <= 0 {
		return fmt.Errorf("playback.per_char must be positive, got %s", c.Playback.PerChar)
	}
	if c.Session.IntentsPerSecond <= 0 || c.Session.IntentBurst <= 0 {
		return fmt.Errorf("session intent rate must be positive")
	}
	if c.Session.OutboundBuffer <= 0 {
		return fmt.Errorf("session.outbound_buffer must be positive")
	}
	return nil
}

// resolveEnvRef replaces "${VAR_NAME}" patterns with the corresponding env var value.
func resolveEnvRef(val string) string {
	if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
		envKey := val[2 : len(val)-1]
		if envVal := os.Getenv(envKey); envVal != "" {
			return envVal
		}
	}
	return val
}

// SetupLogging configures the global slog logger based on config.
func SetupLogging(cfg LoggingConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
