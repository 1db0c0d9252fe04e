package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mindful-ai/companion/internal/llm"
	"github.com/mindful-ai/companion/internal/middleware"
	"github.com/mindful-ai/companion/internal/model"
	"github.com/mindful-ai/companion/internal/risk"
	"github.com/mindful-ai/companion/internal/service"
	"github.com/mindful-ai/companion/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testSecret = "handler-secret"

type scriptedClient struct {
	deltas []string
	block  bool
}

func (c *scriptedClient) Name() string { return "scripted" }

func (c *scriptedClient) Stream(ctx context.Context, _ *llm.CompletionRequest) (llm.Stream, error) {
	return &scriptedStream{ctx: ctx, deltas: append([]string(nil), c.deltas...), block: c.block}, nil
}

type scriptedStream struct {
	ctx    context.Context
	deltas []string
	block  bool
}

func (s *scriptedStream) Recv() (string, error) {
	if len(s.deltas) > 0 {
		d := s.deltas[0]
		s.deltas = s.deltas[1:]
		return d, nil
	}
	if s.block {
		<-s.ctx.Done()
		return "", s.ctx.Err()
	}
	return "", io.EOF
}

func (s *scriptedStream) Close() error { return nil }

type brokenPinger struct{}

func (brokenPinger) Ping(context.Context) error { return errors.New("connection refused") }

type testAPI struct {
	handler  http.Handler
	registry *service.SessionRegistry
	store    *store.Memory
}

func newTestAPI(t *testing.T, client llm.Client, authDisabled bool) *testAPI {
	t.Helper()
	mem := store.NewMemory()
	registry := service.NewSessionRegistry(mem, client, service.Options{}, nil)
	t.Cleanup(func() {
		require.NoError(t, registry.Wait(context.Background()))
	})
	return &testAPI{
		handler: NewRouter(RouterConfig{
			Registry:     registry,
			Store:        mem,
			JWTSecret:    testSecret,
			AuthDisabled: authDisabled,
		}),
		registry: registry,
		store:    mem,
	}
}

func (a *testAPI) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func tokenFor(t *testing.T, subject string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

type sseEvent struct {
	name string
	data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var (
		events  []sseEvent
		current sseEvent
	)
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if current.name != "" {
				events = append(events, current)
			}
			current = sseEvent{}
		}
	}
	require.NoError(t, scanner.Err())
	return events
}

func eventNames(events []sseEvent) []string {
	names := make([]string, 0, len(events))
	for _, ev := range events {
		names = append(names, ev.name)
	}
	return names
}

func TestTurn_StreamsReply(t *testing.T) {
	api := newTestAPI(t, &scriptedClient{deltas: []string{"That sounds ", "lovely."}}, true)

	rec := api.do(t, http.MethodPost, "/api/v1/chat/turns", `{"content":"I had a good day"}`, "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := parseSSE(t, rec.Body.String())
	assert.Equal(t, []string{"turn", "chunk", "chunk", "complete", "done"}, eventNames(events))

	var started model.TurnStartedEvent
	require.NoError(t, json.Unmarshal([]byte(events[0].data), &started))
	require.NotEmpty(t, started.ConversationID)

	var chunk model.ChunkEvent
	require.NoError(t, json.Unmarshal([]byte(events[2].data), &chunk))
	assert.Equal(t, model.ChunkEvent{Text: "lovely.", Index: 1}, chunk)

	var complete model.CompleteEvent
	require.NoError(t, json.Unmarshal([]byte(events[3].data), &complete))
	assert.Equal(t, "That sounds lovely.", complete.Message.Content)
	assert.Equal(t, model.KindText, complete.Message.Kind)
	assert.Equal(t, started.ConversationID, complete.Message.ConversationID)

	history, err := api.store.History(context.Background(), started.ConversationID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, model.RoleUser, history[0].Role)
	assert.Equal(t, model.RoleAssistant, history[1].Role)
}

func TestTurn_ContinuesConversation(t *testing.T) {
	api := newTestAPI(t, &scriptedClient{deltas: []string{"ok"}}, true)

	first := parseSSE(t, api.do(t, http.MethodPost, "/api/v1/chat/turns", `{"content":"hello"}`, "").Body.String())
	var started model.TurnStartedEvent
	require.NoError(t, json.Unmarshal([]byte(first[0].data), &started))

	body := `{"conversation_id":"` + started.ConversationID + `","content":"and again"}`
	second := parseSSE(t, api.do(t, http.MethodPost, "/api/v1/chat/turns", body, "").Body.String())
	require.NotEmpty(t, second)
	var again model.TurnStartedEvent
	require.NoError(t, json.Unmarshal([]byte(second[0].data), &again))
	assert.Equal(t, started.ConversationID, again.ConversationID)

	history, err := api.store.History(context.Background(), started.ConversationID)
	require.NoError(t, err)
	assert.Len(t, history, 4)
}

func TestTurn_CrisisReply(t *testing.T) {
	api := newTestAPI(t, &scriptedClient{deltas: []string{"should not be used"}}, true)

	rec := api.do(t, http.MethodPost, "/api/v1/chat/turns", `{"content":"I want to end my life"}`, "")

	require.Equal(t, http.StatusOK, rec.Code)
	events := parseSSE(t, rec.Body.String())
	assert.Equal(t, []string{"turn", "complete", "done"}, eventNames(events))

	var complete model.CompleteEvent
	require.NoError(t, json.Unmarshal([]byte(events[1].data), &complete))
	assert.Equal(t, model.KindCrisis, complete.Message.Kind)
	assert.Equal(t, service.CrisisText, complete.Message.Content)
	assert.Len(t, complete.Message.Resources, 3)
	assert.True(t, complete.Risk.Emergency)
}

func TestTurn_Rejections(t *testing.T) {
	api := newTestAPI(t, &scriptedClient{}, true)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"content":`, http.StatusBadRequest},
		{"empty content", `{"content":""}`, http.StatusBadRequest},
		{"whitespace content", `{"content":"   "}`, http.StatusBadRequest},
		{"bad conversation id", `{"conversation_id":"nope","content":"hi"}`, http.StatusBadRequest},
		{"unknown conversation", `{"conversation_id":"` + uuid.NewString() + `","content":"hi"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, http.MethodPost, "/api/v1/chat/turns", tt.body, "")
			assert.Equal(t, tt.want, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestTurn_ConflictWhileReplying(t *testing.T) {
	api := newTestAPI(t, &scriptedClient{block: true}, true)

	ctx, cancel := context.WithCancel(context.Background())
	controller := api.registry.New(middleware.AnonymousOwner)
	events, err := controller.ProcessTurn(ctx, model.NewUtterance("hello"))
	require.NoError(t, err)
	api.registry.Track(middleware.AnonymousOwner, controller)

	body := `{"conversation_id":"` + controller.ConversationID() + `","content":"are you there?"}`
	rec := api.do(t, http.MethodPost, "/api/v1/chat/turns", body, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	cancel()
	for range events {
	}
}

func TestAPI_RequiresToken(t *testing.T) {
	api := newTestAPI(t, &scriptedClient{}, false)

	rec := api.do(t, http.MethodPost, "/api/v1/chat/turns", `{"content":"hi"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestConversation_OwnerIsolation(t *testing.T) {
	api := newTestAPI(t, &scriptedClient{deltas: []string{"hi"}}, false)
	alice, bob := tokenFor(t, "alice"), tokenFor(t, "bob")

	events := parseSSE(t, api.do(t, http.MethodPost, "/api/v1/chat/turns", `{"content":"hello"}`, alice).Body.String())
	var started model.TurnStartedEvent
	require.NoError(t, json.Unmarshal([]byte(events[0].data), &started))
	id := started.ConversationID

	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, "/api/v1/conversations/"+id+"/messages", "", bob).Code)
	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodDelete, "/api/v1/conversations/"+id, "", bob).Code)
	body := `{"conversation_id":"` + id + `","content":"hi"}`
	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodPost, "/api/v1/chat/turns", body, bob).Code)

	assert.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/api/v1/conversations/"+id+"/messages", "", alice).Code)
}

func TestMessages_List(t *testing.T) {
	api := newTestAPI(t, &scriptedClient{}, true)
	ctx := context.Background()

	id, err := api.store.CreateSession(ctx, middleware.AnonymousOwner)
	require.NoError(t, err)
	for _, text := range []string{"one", "two", "three"} {
		_, err := api.store.AppendMessage(ctx, id, model.RoleUser, text, nil)
		require.NoError(t, err)
	}

	rec := api.do(t, http.MethodGet, "/api/v1/conversations/"+id+"/messages?limit=2", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.ListMessagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, id, resp.ConversationID)
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, "two", resp.Messages[0].Content)
	assert.Equal(t, "three", resp.Messages[1].Content)

	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodGet, "/api/v1/conversations/bogus/messages", "", "").Code)
}

func TestConversation_Delete(t *testing.T) {
	api := newTestAPI(t, &scriptedClient{}, true)
	ctx := context.Background()

	id, err := api.store.CreateSession(ctx, middleware.AnonymousOwner)
	require.NoError(t, err)

	rec := api.do(t, http.MethodDelete, "/api/v1/conversations/"+id, "", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, err = api.store.GetSession(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)

	rec = api.do(t, http.MethodDelete, "/api/v1/conversations/"+id, "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRisk_Classify(t *testing.T) {
	api := newTestAPI(t, &scriptedClient{}, true)

	rec := api.do(t, http.MethodPost, "/api/v1/risk/classify", `{"text":"I feel so overwhelmed"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got risk.Classification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, risk.Classification{Crisis: true}, got)

	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodPost, "/api/v1/risk/classify", `nope`, "").Code)
}

func TestRisk_CrisisResources(t *testing.T) {
	api := newTestAPI(t, &scriptedClient{}, true)

	rec := api.do(t, http.MethodGet, "/api/v1/crisis-resources", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got CrisisResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, service.CrisisText, got.Message)
	assert.Equal(t, service.CrisisResources(), got.Resources)
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t, &scriptedClient{}, true)

	assert.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/health", "", "").Code)
	assert.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/ready", "", "").Code)
	assert.Equal(t, "nosniff", api.do(t, http.MethodGet, "/health", "", "").Header().Get("X-Content-Type-Options"))
}

func TestReady_StoreDown(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthHandler(brokenPinger{}, nil).Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "not ready")
}
