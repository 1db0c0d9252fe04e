// Package llm provides streaming chat-completion clients.
package llm

import (
	"context"
	"fmt"

	"github.com/mindful-ai/companion/pkg/logger"
)

// CompletionRequest represents a streaming completion request.
type CompletionRequest struct {
	Model       string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// ChatMessage represents a chat message for the LLM.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Stream yields text deltas in the order the bytes arrived.
//
// Recv returns io.EOF once the backend signalled the end of the response; any
// other error is terminal. Close releases the underlying connection and may be
// called at any point, including mid-stream, and more than once.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Client is the interface for LLM providers.
type Client interface {
	// Stream opens a streaming completion. A non-success HTTP status is
	// reported here as an *APIError.
	Stream(ctx context.Context, req *CompletionRequest) (Stream, error)

	// Name returns the provider name.
	Name() string
}

// APIError is a non-success response from the model endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm endpoint returned status %d: %s", e.StatusCode, e.Body)
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderOpenRouter Provider = "openrouter"
	ProviderOpenAI     Provider = "openai"
	ProviderAnthropic  Provider = "anthropic"
)

// Config selects and configures a provider.
type Config struct {
	Provider Provider
	APIKey   string
	BaseURL  string
	Model    string
	SiteURL  string
	AppName  string
}

// New creates a new LLM client based on provider.
func New(cfg Config, log *logger.Logger) (Client, error) {
	var (
		client Client
		err    error
	)
	switch cfg.Provider {
	case ProviderOpenAI:
		client, err = NewOpenAIClient(cfg.APIKey, cfg.BaseURL)
	case ProviderAnthropic:
		client, err = NewAnthropicClient(cfg.APIKey)
	case ProviderOpenRouter, "":
		client, err = NewOpenRouterClient(OpenRouterConfig{
			APIKey:   cfg.APIKey,
			BaseURL:  cfg.BaseURL,
			SiteURL:  cfg.SiteURL,
			SiteName: cfg.AppName,
		}, log)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return client, nil
}

// DefaultModel returns the model used when a request names none.
func DefaultModel(p Provider) string {
	switch p {
	case ProviderOpenAI:
		return defaultOpenAIModel
	case ProviderAnthropic:
		return defaultAnthropicModel
	default:
		return defaultOpenRouterModel
	}
}
