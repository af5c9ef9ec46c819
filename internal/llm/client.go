// Package llm talks to an OpenAI-compatible chat-completion endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrEmptyResponse is returned when the provider answers without any content.
var ErrEmptyResponse = errors.New("empty completion")

// Client produces a raw text artifact for a prompt.
type Client interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// ProviderError wraps provider failures.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// Options configure a ChatClient.
type Options struct {
	URL       string
	Token     string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// ChatClient calls a /chat/completions endpoint.
type ChatClient struct {
	opts Options
	http *http.Client
}

// NewChatClient creates a client. A zero timeout defaults to 60s.
func NewChatClient(opts Options) *ChatClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &ChatClient{opts: opts, http: &http.Client{Timeout: opts.Timeout}}
}

// Model returns the configured model name.
func (c *ChatClient) Model() string { return c.opts.Model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends one system+user exchange and returns the first choice.
func (c *ChatClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.opts.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
		MaxTokens: c.opts.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", ProviderError{Provider: c.provider(), Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", ProviderError{Provider: c.provider(), Message: fmt.Sprintf("reading body: %v", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return "", ProviderError{Provider: c.provider(), StatusCode: resp.StatusCode, Message: snippet(data)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", ProviderError{Provider: c.provider(), Message: fmt.Sprintf("decoding response: %v", err)}
	}
	if parsed.Error != nil {
		return "", ProviderError{Provider: c.provider(), Message: parsed.Error.Message}
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return parsed.Choices[0].Message.Content, nil
}

func (c *ChatClient) provider() string {
	if c.opts.Model != "" {
		return c.opts.Model
	}
	return "llm"
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
