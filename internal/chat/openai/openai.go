// Package openai implements the chat Client over any OpenAI-compatible Chat
// Completions API using server-sent events.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nadzzz/voicechat/internal/chat"
	"github.com/nadzzz/voicechat/internal/config"
)

// Client streams completions from an OpenAI-compatible endpoint.
type Client struct {
	apiKey       string
	baseURL      string
	model        string
	systemPrompt string
	client       *http.Client
}

// New creates a new OpenAI chat client from config.
func New(cfg config.OpenAIConfig, systemPrompt string) *Client {
	return &Client{
		apiKey:       cfg.APIKey,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		model:        cfg.Model,
		systemPrompt: systemPrompt,
		client:       &http.Client{},
	}
}

// Name returns the backend identifier.
func (c *Client) Name() string { return "openai" }

// StreamChat implements chat.Client.
func (c *Client) StreamChat(ctx context.Context, history []chat.Message, h chat.Handler) chat.Stream {
	return chat.Start(ctx, h, func(ctx context.Context, emit func(string)) error {
		return c.stream(ctx, history, emit)
	})
}

func (c *Client) stream(ctx context.Context, history []chat.Message, emit func(string)) error {
	if len(history) == 0 {
		return chat.ErrEmptyHistory
	}

	msgs := make([]chatMessage, 0, len(history)+1)
	if c.systemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: c.systemPrompt})
	}
	for _, m := range history {
		msgs = append(msgs, chatMessage{Role: string(m.Role), Content: m.Content})
	}

	bodyBytes, err := json.Marshal(chatRequest{Model: c.model, Messages: msgs, Stream: true})
	if err != nil {
		return fmt.Errorf("marshalling chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("creating chat request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("chat failed (status %d): %s", resp.StatusCode, errorMessage(respBody))
	}

	return readSSE(resp.Body, emit)
}

// readSSE parses "data:" lines until [DONE] or EOF.
func readSSE(body io.Reader, emit func(string)) error {
	reader := bufio.NewReader(body)
	chunks := 0
	for {
		line, err := reader.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			if err == io.EOF {
				slog.Debug("chat stream ended without [DONE]", "chunks", chunks)
				return nil
			}
			return fmt.Errorf("reading chat stream: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			slog.Debug("chat stream complete", "chunks", chunks)
			return nil
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("decoding chat chunk: %w", err)
		}
		if chunk.Error != nil {
			return fmt.Errorf("chat stream error: %s", chunk.Error.Message)
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				chunks++
				emit(choice.Delta.Content)
			}
		}
	}
}

// errorMessage extracts error.message from an API error body when present.
func errorMessage(body []byte) string {
	var wrapper struct {
		Error *apiError `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Error != nil && wrapper.Error.Message != "" {
		return wrapper.Error.Message
	}
	return string(body)
}

// --- Internal types ---

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiError struct {
	Message string `json:"message"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}
