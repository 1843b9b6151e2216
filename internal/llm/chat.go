package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

const (
	DefaultChatBaseURL = "https://api.openai.com/v1"
	DefaultChatModel   = "gpt-4o-mini"
	chatHTTPTimeout    = 30 * time.Second
)

// ChatRequest is a single system+user exchange.
type ChatRequest struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float64
}

// ChatModel completes chat prompts.
type ChatModel interface {
	Name() string
	Complete(ctx context.Context, req ChatRequest) (string, error)
}

// ChatConfig configures the OpenAI-compatible chat client.
type ChatConfig struct {
	APIKey            string
	BaseURL           string
	Model             string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// OpenAIChat talks to any OpenAI-compatible /chat/completions endpoint.
type OpenAIChat struct {
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
	apiKey  string
	model   string
}

var _ ChatModel = (*OpenAIChat)(nil)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// NewOpenAIChat creates a chat client. An API key is required.
func NewOpenAIChat(cfg ChatConfig) (*OpenAIChat, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required for openai text generation")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultChatBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultChatModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = chatHTTPTimeout
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &OpenAIChat{
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		model:   model,
	}, nil
}

// Name returns the chat model name.
func (c *OpenAIChat) Name() string { return c.model }

// Complete sends one chat completion request and returns the first choice.
func (c *OpenAIChat) Complete(ctx context.Context, req ChatRequest) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("chat rate limiter: %w", err)
	}

	body, err := json.Marshal(chatCompletionRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send chat request to %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("chat API error (model=%s, status=%d): %s",
			c.model, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("chat API returned no choices (model=%s)", c.model)
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}
