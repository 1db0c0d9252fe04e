package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// writeFrames writes each part as its own flushed network write.
func writeFrames(w http.ResponseWriter, parts ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher := w.(http.Flusher)
	for _, p := range parts {
		io.WriteString(w, p)
		flusher.Flush()
	}
}

func newTestOpenRouter(t *testing.T, server *httptest.Server) *OpenRouterClient {
	t.Helper()
	c, err := NewOpenRouterClient(OpenRouterConfig{
		APIKey:     "test-key",
		BaseURL:    server.URL,
		SiteURL:    "https://companion.test",
		SiteName:   "Companion",
		HTTPClient: server.Client(),
	}, nil)
	require.NoError(t, err)
	return c
}

func drain(t *testing.T, s Stream) ([]string, error) {
	t.Helper()
	defer s.Close()
	var out []string
	for {
		delta, err := s.Recv()
		if err != nil {
			return out, err
		}
		out = append(out, delta)
	}
}

func TestOpenRouterStream_SendsRequestAndDecodes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "https://companion.test", r.Header.Get("HTTP-Referer"))
		assert.Equal(t, "Companion", r.Header.Get("X-Title"))

		var body openRouterRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.Stream)
		assert.Equal(t, defaultOpenRouterModel, body.Model)
		require.Len(t, body.Messages, 2)
		assert.Equal(t, "system", body.Messages[0].Role)
		assert.Equal(t, "I had a good day", body.Messages[1].Content)

		writeFrames(w,
			`data: {"choices":[{"delta":{"content":"Hel"}}]}`+"\n\n",
			`data: {"choices":[{"delta":{"content":"lo "}}]}`+"\n\nda",
			`ta: {"choices":[{"delta":{"content":"there"}}]}`+"\n\n",
			"data: [DONE]\n\n",
		)
	}))
	defer server.Close()

	c := newTestOpenRouter(t, server)
	s, err := c.Stream(context.Background(), &CompletionRequest{Messages: []ChatMessage{
		{Role: "system", Content: "be kind"},
		{Role: "user", Content: "I had a good day"},
	}})
	require.NoError(t, err)

	deltas, err := drain(t, s)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"Hel", "lo ", "there"}, deltas)
}

func TestOpenRouterStream_SplitSentinel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w,
			`data: {"choices":[{"delta":{"content":"A"}}]}`+"\n\nda",
			"ta: [DONE]\n\n",
		)
	}))
	defer server.Close()

	s, err := newTestOpenRouter(t, server).Stream(context.Background(), &CompletionRequest{})
	require.NoError(t, err)

	deltas, err := drain(t, s)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"A"}, deltas)
}

func TestOpenRouterStream_NonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"message":"No auth credentials found"}}`)
	}))
	defer server.Close()

	_, err := newTestOpenRouter(t, server).Stream(context.Background(), &CompletionRequest{})

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "No auth credentials found")
}

func TestOpenRouterStream_TruncatedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w, `data: {"choices":[{"delta":{"content":"partial"}}]}`+"\n\n")
	}))
	defer server.Close()

	s, err := newTestOpenRouter(t, server).Stream(context.Background(), &CompletionRequest{})
	require.NoError(t, err)

	deltas, err := drain(t, s)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, []string{"partial"}, deltas)
}

func TestOpenRouterStream_InBandError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w,
			`data: {"choices":[{"delta":{"content":"ok"}}]}`+"\n\n",
			`data: {"error":{"message":"upstream timeout"}}`+"\n\n",
		)
	}))
	defer server.Close()

	s, err := newTestOpenRouter(t, server).Stream(context.Background(), &CompletionRequest{})
	require.NoError(t, err)

	deltas, err := drain(t, s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream timeout")
	assert.Equal(t, []string{"ok"}, deltas)
}

func TestOpenRouterStream_CloseMidStreamReleasesConnection(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w, `data: {"choices":[{"delta":{"content":"first"}}]}`+"\n\n")
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	s, err := newTestOpenRouter(t, server).Stream(context.Background(), &CompletionRequest{})
	require.NoError(t, err)

	delta, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "first", delta)

	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestOpenRouterStream_ContextCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w, `data: {"choices":[{"delta":{"content":"first"}}]}`+"\n\n")
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	s, err := newTestOpenRouter(t, server).Stream(ctx, &CompletionRequest{})
	require.NoError(t, err)

	deltas, err := drain(t, s)
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"first"}, deltas)
}

func TestNew_UnknownProvider(t *testing.T) {
	_, err := New(Config{Provider: "carrier-pigeon", APIKey: "k"}, nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "carrier-pigeon"))
}

func TestNew_RequiresKey(t *testing.T) {
	for _, p := range []Provider{ProviderOpenRouter, ProviderOpenAI, ProviderAnthropic} {
		_, err := New(Config{Provider: p}, nil)
		assert.Error(t, err, p)
	}
}

func TestFoldSystemMessages(t *testing.T) {
	tests := []struct {
		name string
		in   []ChatMessage
		want []ChatMessage
	}{
		{
			name: "system folded into first user turn",
			in: []ChatMessage{
				{Role: "system", Content: "be kind"},
				{Role: "user", Content: "hi"},
				{Role: "assistant", Content: "hello"},
				{Role: "user", Content: "how are you"},
			},
			want: []ChatMessage{
				{Role: "user", Content: "be kind\n\nhi"},
				{Role: "assistant", Content: "hello"},
				{Role: "user", Content: "how are you"},
			},
		},
		{
			name: "window opening with an assistant reply",
			in: []ChatMessage{
				{Role: "system", Content: "be kind"},
				{Role: "assistant", Content: "hello"},
				{Role: "user", Content: "hi"},
			},
			want: []ChatMessage{
				{Role: "user", Content: "be kind\n\nhi"},
			},
		},
		{
			name: "user turns left unanswered by a failed reply",
			in: []ChatMessage{
				{Role: "system", Content: "be kind"},
				{Role: "user", Content: "are you there"},
				{Role: "user", Content: "hello?"},
			},
			want: []ChatMessage{
				{Role: "user", Content: "be kind\n\nare you there\n\nhello?"},
			},
		},
		{
			name: "system only",
			in:   []ChatMessage{{Role: "system", Content: "be kind"}},
			want: []ChatMessage{{Role: "user", Content: "be kind"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, foldSystemMessages(tt.in))
		})
	}
}
