// Package whisper implements capture.Transcriber using a Whisper
// transcription endpoint: the OpenAI audio API (or a self-hosted server
// speaking it) or whisper-asr-webservice.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/nadzzz/voicechat/internal/config"
)

// Transcriber posts recorded utterances to the transcription API.
type Transcriber struct {
	api       string
	apiKey    string
	endpoint  string
	model     string
	vadFilter bool
	client    *http.Client
}

// New creates a new Whisper transcriber from config.
func New(cfg config.WhisperConfig) *Transcriber {
	return &Transcriber{
		api:       cfg.API,
		apiKey:    cfg.APIKey,
		endpoint:  cfg.Endpoint,
		model:     cfg.Model,
		vadFilter: cfg.VADFilter,
		client:    &http.Client{},
	}
}

// Name returns the backend identifier.
func (t *Transcriber) Name() string { return "whisper" }

// Transcribe sends audio to the transcription API and returns its text.
// Supports two flavors:
//   - "openai": OpenAI-compatible API (OpenAI, whisper.cpp server, faster-whisper)
//   - "asr":    ahmetoner/whisper-asr-webservice (POST /asr with query params)
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte, contentType, language string) (string, error) {
	if t.api == "asr" {
		return t.transcribeASR(ctx, audio, contentType, language)
	}
	return t.transcribeOpenAI(ctx, audio, contentType, language)
}

func (t *Transcriber) transcribeOpenAI(ctx context.Context, audio []byte, contentType, language string) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "utterance"+extFromContentType(contentType))
	if err != nil {
		return "", fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("writing audio: %w", err)
	}
	_ = writer.WriteField("model", t.model)
	if lang := baseLanguage(language); lang != "" {
		_ = writer.WriteField("language", lang)
	}
	_ = writer.WriteField("response_format", "json")
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("closing form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, body)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	return t.do(req, len(audio))
}

// transcribeASR handles the whisper-asr-webservice format.
// API: POST /asr?task=transcribe&language=en&output=json&vad_filter=true
// Body: multipart/form-data with field "audio_file"
func (t *Transcriber) transcribeASR(ctx context.Context, audio []byte, contentType, language string) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("audio_file", "utterance"+extFromContentType(contentType))
	if err != nil {
		return "", fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("writing audio: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("closing form: %w", err)
	}

	q := make(url.Values)
	q.Set("task", "transcribe")
	q.Set("output", "json")
	q.Set("encode", "true")
	if lang := baseLanguage(language); lang != "" {
		q.Set("language", lang)
	}
	if t.vadFilter {
		q.Set("vad_filter", "true")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+"?"+q.Encode(), body)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	return t.do(req, len(audio))
}

// do sends req and decodes the {"text": ...} body both flavors return.
func (t *Transcriber) do(req *http.Request, audioBytes int) (string, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("transcription failed (status %d): %s", resp.StatusCode, respBody)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding transcription: %w", err)
	}

	slog.Debug("transcription complete", "api", t.api, "text_length", len(result.Text), "audio_bytes", audioBytes)
	return result.Text, nil
}

func extFromContentType(ct string) string {
	switch {
	case strings.Contains(ct, "wav"):
		return ".wav"
	case strings.Contains(ct, "ogg"):
		return ".ogg"
	case strings.Contains(ct, "mp4"), strings.Contains(ct, "m4a"):
		return ".m4a"
	case strings.Contains(ct, "mpeg"), strings.Contains(ct, "mp3"):
		return ".mp3"
	default:
		return ".webm"
	}
}

// baseLanguage reduces a BCP-47 tag ("en-US") to the ISO-639-1 code the
// transcription API expects.
func baseLanguage(tag string) string {
	lang, _, _ := strings.Cut(tag, "-")
	return strings.ToLower(lang)
}
