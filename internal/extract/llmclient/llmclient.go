// Package llmclient is a real net/http LLM client for server-side
// extraction, replacing the teacher's WASM-only syscall/js fetch
// (pkg/memory/openrouter.go, pkg/batch/openrouter.go). It keeps the
// teacher's OpenRouter-compatible request/response struct shapes and
// system-prompt construction but talks over a genuine *http.Client
// instead of jsFetchWithAuth.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is a chat-completions-compatible LLM client (OpenRouter/OpenAI
// wire format).
type Client struct {
	httpClient *http.Client
	apiBase    string
	apiKey     string
	model      string
	maxTokens  int
}

// Config configures a Client.
type Config struct {
	APIBase   string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// New builds a Client; a zero-value APIKey means Available() is false.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		apiBase:    cfg.APIBase,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
	}
}

// Available reports whether the client has credentials configured.
func (c *Client) Available() bool { return c != nil && c.apiKey != "" && c.apiBase != "" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error,omitempty"`
}

// Complete sends a system+user prompt pair and returns the raw
// completion text.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if !c.Available() {
		return "", fmt.Errorf("llmclient: no API key/base configured")
	}
	reqBody, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: 0.1,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("llmclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llmclient: status %d: %s", resp.StatusCode, string(data))
	}

	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("llmclient: decode response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("llmclient: provider error %d: %s", out.Error.Code, out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("llmclient: empty choices")
	}
	return out.Choices[0].Message.Content, nil
}
