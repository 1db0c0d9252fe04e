package llm

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultAnthropicModel     = "claude-3-5-haiku-20241022"
	defaultAnthropicMaxTokens = 1024
)

// AnthropicClient streams completions through the Anthropic SDK.
type AnthropicClient struct {
	client *anthropic.Client
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}

	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}, nil
}

// Name returns the provider name.
func (c *AnthropicClient) Name() string {
	return string(ProviderAnthropic)
}

// Stream sends a streaming completion request. System messages are folded into
// the first user turn.
func (c *AnthropicClient) Stream(ctx context.Context, req *CompletionRequest) (Stream, error) {
	model := req.Model
	if model == "" {
		model = defaultAnthropicModel
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	chat := foldSystemMessages(req.Messages)
	if len(chat) == 0 {
		return nil, errors.New("no messages to send")
	}

	messages := make([]anthropic.MessageParam, len(chat))
	for i, msg := range chat {
		messages[i] = anthropic.MessageParam{
			Role: anthropic.F(anthropic.MessageParamRole(msg.Role)),
			Content: anthropic.F([]anthropic.ContentBlockParamUnion{
				anthropic.TextBlockParam{
					Type: anthropic.F(anthropic.TextBlockParamTypeText),
					Text: anthropic.F(msg.Content),
				},
			}),
		}
	}

	stream := c.client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:     anthropic.F(model),
		MaxTokens: anthropic.F(int64(maxTokens)),
		Messages:  anthropic.F(messages),
	})

	return &anthropicStream{events: stream}, nil
}

// foldSystemMessages prepends system content to the first user message. The
// conversation must open with a user turn and alternate, so leading assistant
// messages are dropped and consecutive messages of one role are merged.
func foldSystemMessages(in []ChatMessage) []ChatMessage {
	var system []string
	out := make([]ChatMessage, 0, len(in))
	for _, msg := range in {
		switch {
		case msg.Role == "system":
			system = append(system, msg.Content)
		case len(out) == 0 && msg.Role == "assistant":
			// dropped
		case len(out) > 0 && out[len(out)-1].Role == msg.Role:
			out[len(out)-1].Content += "\n\n" + msg.Content
		default:
			out = append(out, msg)
		}
	}
	if len(system) == 0 {
		return out
	}
	prompt := strings.Join(system, "\n\n")
	if len(out) == 0 {
		return []ChatMessage{{Role: "user", Content: prompt}}
	}
	out[0].Content = prompt + "\n\n" + out[0].Content
	return out
}

type anthropicEvents interface {
	Next() bool
	Current() anthropic.MessageStreamEvent
	Err() error
	Close() error
}

type anthropicStream struct {
	events anthropicEvents
	done   bool
}

func (s *anthropicStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for s.events.Next() {
		event := s.events.Current()
		if event.Type == anthropic.MessageStreamEventTypeContentBlockDelta && event.Delta.Type == "text_delta" {
			if event.Delta.Text != "" {
				return event.Delta.Text, nil
			}
		}
	}
	if err := s.events.Err(); err != nil {
		return "", err
	}
	s.done = true
	return "", io.EOF
}

func (s *anthropicStream) Close() error {
	return s.events.Close()
}
