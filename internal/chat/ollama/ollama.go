// Package ollama implements the chat Client against a self-hosted Ollama
// server. Ollama streams newline-delimited JSON objects from /api/chat, the
// last of which carries "done": true.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/nadzzz/voicechat/internal/chat"
	"github.com/nadzzz/voicechat/internal/config"
)

// Client streams completions from Ollama.
type Client struct {
	endpoint     string
	model        string
	systemPrompt string
	client       *http.Client
}

// New creates a new Ollama chat client from config.
func New(cfg config.OllamaConfig, systemPrompt string) *Client {
	model := cfg.Model
	if model == "" {
		model = "llama3"
	}
	return &Client{
		endpoint:     cfg.Endpoint,
		model:        model,
		systemPrompt: systemPrompt,
		client:       &http.Client{},
	}
}

// Name returns the backend identifier.
func (c *Client) Name() string { return "ollama" }

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

	msgs := make([]message, 0, len(history)+1)
	if c.systemPrompt != "" {
		msgs = append(msgs, message{Role: "system", Content: c.systemPrompt})
	}
	for _, m := range history {
		msgs = append(msgs, message{Role: string(m.Role), Content: m.Content})
	}

	payload, err := json.Marshal(request{Model: c.model, Messages: msgs, Stream: true})
	if err != nil {
		return fmt.Errorf("failed to marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to ollama: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ollama returned non-200 status: %s, body: %s", resp.Status, string(body))
	}

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var sr streamResponse
			if jerr := json.Unmarshal(line, &sr); jerr != nil {
				return fmt.Errorf("error decoding ollama stream: %w", jerr)
			}
			if sr.Error != "" {
				return fmt.Errorf("ollama error: %s", sr.Error)
			}
			emit(sr.Message.Content)
			if sr.Done {
				slog.Debug("ollama stream complete", "model", sr.Model)
				return nil
			}
		}
		if err == io.EOF {
			return fmt.Errorf("ollama stream ended before done")
		}
		if err != nil {
			return fmt.Errorf("error reading stream: %w", err)
		}
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type streamResponse struct {
	Model   string  `json:"model"`
	Message message `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error,omitempty"`
}
