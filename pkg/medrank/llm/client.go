package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/caredirect/medrank/pkg/medrank/internalerr"
)

// Completer is the chat-completion surface the ranking components depend on.
// The production implementation is Client; tests supply scripted fakes.
type Completer interface {
	Chat(ctx context.Context, req Request) (string, error)
}

// Request describes one chat completion.
type Request struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float64
}

// Client calls an OpenAI-compatible chat completion endpoint.
type Client struct {
	BaseURL string
	APIKey  string
	Model   string

	HTTPClient *http.Client
}

// FromEnv builds a Client from OPENAI_API_KEY, OPENAI_BASE_URL and
// OPENAI_MODEL. Returns nil when no API key is set; callers treat a nil
// client as "LLM-backed variants unavailable".
func FromEnv() *Client {
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		return nil
	}
	base := os.Getenv("OPENAI_BASE_URL")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Client{BaseURL: base, APIKey: key, Model: model}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Chat sends a system+user message pair and returns the assistant content.
func (c *Client) Chat(ctx context.Context, req Request) (string, error) {
	if c.BaseURL == "" || c.Model == "" {
		return "", fmt.Errorf("llm: base URL and model required: %w", internalerr.ErrInvalidConfig)
	}
	messages := []chatMessage{
		{Role: "system", Content: req.System},
		{Role: "user", Content: req.User},
	}
	payload, err := c.send(ctx, chatRequest{
		Model:       c.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return "", err
	}
	if len(payload.Choices) == 0 {
		return "", fmt.Errorf("llm: empty response: %w", internalerr.ErrLLMUnavailable)
	}
	return payload.Choices[0].Message.Content, nil
}

func (c *Client) send(ctx context.Context, req chatRequest) (*chatResponse, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()
	var payload chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("llm decode: %w", err)
	}
	if payload.Error != nil {
		return nil, fmt.Errorf("llm error: %s", payload.Error.Message)
	}
	return &payload, nil
}

func (c *Client) endpoint() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if strings.HasSuffix(base, "/chat/completions") {
		return base
	}
	return base + "/chat/completions"
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// StripFence removes a leading ```json (or bare ```) fence and the trailing
// fence from a model response. Returns the input unchanged when unfenced.
func StripFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```json") {
		s = strings.TrimPrefix(s, "```json")
	} else if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// UnmarshalLoose decodes a model response into v, retrying once after
// stripping markdown fences. Model output is never trusted to be bare JSON.
func UnmarshalLoose(raw string, v any) error {
	if err := json.Unmarshal([]byte(raw), v); err == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(StripFence(raw)), v); err != nil {
		return fmt.Errorf("llm response parse: %w", err)
	}
	return nil
}
