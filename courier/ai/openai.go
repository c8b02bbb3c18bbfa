// Package ai provides the responder used to generate outreach text, backed by
// any OpenAI-compatible chat completions endpoint.
package ai

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

	"github.com/LerianStudio/lib-courier/courier/history"
	"github.com/LerianStudio/lib-courier/courier/log"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultChatPath  = "/chat/completions"
	maxErrorBodySize = 4 << 10
)

var (
	// ErrMissingModel is returned when no model is configured.
	ErrMissingModel = errors.New("ai: model is required")
	// ErrEmptyCompletion is returned when the endpoint returns no choices.
	ErrEmptyCompletion = errors.New("ai: completion has no content")
)

// APIError is a non-2xx response from the endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ai: chat completion failed with status %d: %s", e.StatusCode, e.Body)
}

// Config configures an OpenAI-compatible responder.
type Config struct {
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
}

// Responder calls /chat/completions.
type Responder struct {
	cfg    Config
	client *http.Client
	logger log.Logger
}

// NewResponder builds a responder. A nil client gets one with cfg.Timeout.
func NewResponder(cfg Config, client *http.Client, logger log.Logger) (*Responder, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, ErrMissingModel
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}

	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &Responder{cfg: cfg, client: client, logger: log.OrNop(logger)}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// GenerateResponse sends the system prompt, the conversation and prompt as
// the final user turn, and returns the first choice.
func (r *Responder) GenerateResponse(ctx context.Context, prompt string, recent []history.Entry) (string, error) {
	messages := make([]chatMessage, 0, len(recent)+2)

	if r.cfg.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: r.cfg.SystemPrompt})
	}

	for _, e := range recent {
		messages = append(messages, chatMessage{Role: e.Role, Content: e.Text})
	}

	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(chatRequest{
		Model:       r.cfg.Model,
		Messages:    messages,
		Temperature: r.cfg.Temperature,
		MaxTokens:   r.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("ai: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+defaultChatPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("ai: build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	start := time.Now()

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ai: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

		return "", &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("ai: decode response: %w", err)
	}

	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", ErrEmptyCompletion
	}

	text := strings.TrimSpace(out.Choices[0].Message.Content)

	r.logger.Log(ctx, log.LevelDebug, "completion generated",
		log.String("model", r.cfg.Model),
		log.Duration("elapsed", time.Since(start)),
		log.String("preview", log.Preview(text, log.DefaultPreviewLength)),
	)

	return text, nil
}
