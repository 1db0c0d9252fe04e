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
	"sync"

	"github.com/mindful-ai/companion/pkg/logger"
)

const (
	defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
	defaultOpenRouterModel   = "nvidia/nemotron-nano-9b-v2:free"

	readBufferSize = 4096
	maxErrorBody   = 64 * 1024
)

// OpenRouterConfig configures the OpenRouter client.
type OpenRouterConfig struct {
	APIKey   string
	BaseURL  string
	SiteURL  string // sent as HTTP-Referer
	SiteName string // sent as X-Title

	// HTTPClient overrides the transport. It must not set a Timeout: the
	// response body is read for as long as the model keeps streaming.
	HTTPClient *http.Client
}

// OpenRouterClient streams completions from any OpenAI-compatible
// /chat/completions endpoint and decodes the event stream itself.
type OpenRouterClient struct {
	apiKey     string
	baseURL    string
	siteURL    string
	siteName   string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewOpenRouterClient creates a new OpenRouter client.
func NewOpenRouterClient(cfg OpenRouterConfig, log *logger.Logger) (*OpenRouterClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("OpenRouter API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenRouterBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if log == nil {
		log = logger.NewNop()
	}

	return &OpenRouterClient{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		siteURL:    cfg.SiteURL,
		siteName:   cfg.SiteName,
		httpClient: cfg.HTTPClient,
		logger:     log,
	}, nil
}

// Name returns the provider name.
func (c *OpenRouterClient) Name() string {
	return string(ProviderOpenRouter)
}

type openRouterRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

// Stream sends a streaming completion request.
func (c *OpenRouterClient) Stream(ctx context.Context, req *CompletionRequest) (Stream, error) {
	model := req.Model
	if model == "" {
		model = defaultOpenRouterModel
	}

	body, err := json.Marshal(openRouterRequest{
		Model:       model,
		Messages:    req.Messages,
		Stream:      true,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.siteURL != "" {
		httpReq.Header.Set("HTTP-Referer", c.siteURL)
	}
	if c.siteName != "" {
		httpReq.Header.Set("X-Title", c.siteName)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(errBody))}
	}

	return newEventStream(resp.Body, NewDecoder(c.logger)), nil
}

// eventStream adapts a response body to Stream.
type eventStream struct {
	body    io.ReadCloser
	decoder *Decoder
	pending []string
	buf     []byte
	err     error

	closeOnce sync.Once
}

func newEventStream(body io.ReadCloser, decoder *Decoder) *eventStream {
	return &eventStream{
		body:    body,
		decoder: decoder,
		buf:     make([]byte, readBufferSize),
	}
}

// Recv returns the next delta. Reads are sequential; the stream is not safe
// for concurrent Recv calls.
func (s *eventStream) Recv() (string, error) {
	for {
		if len(s.pending) > 0 {
			delta := s.pending[0]
			s.pending = s.pending[1:]
			return delta, nil
		}
		if s.err != nil {
			return "", s.err
		}
		if s.decoder.Done() {
			s.err = io.EOF
			s.Close()
			continue
		}

		n, readErr := s.body.Read(s.buf)
		if n > 0 {
			s.pending = append(s.pending, s.decoder.Feed(s.buf[:n])...)
		}
		if err := s.decoder.Err(); err != nil {
			s.fail(err)
			continue
		}

		switch {
		case readErr == nil:
		case errors.Is(readErr, io.EOF):
			s.pending = append(s.pending, s.decoder.Flush()...)
			if err := s.decoder.Err(); err != nil {
				s.fail(err)
			} else if !s.decoder.Done() {
				s.fail(io.ErrUnexpectedEOF)
			}
		default:
			s.fail(readErr)
		}
	}
}

// fail records a terminal error. Deltas decoded before it are still
// delivered.
func (s *eventStream) fail(err error) {
	s.err = err
	s.Close()
}

// Close releases the response body.
func (s *eventStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}
