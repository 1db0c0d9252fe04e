package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/goleak"

	"github.com/mindful-ai/companion/internal/llm"
	"github.com/mindful-ai/companion/internal/model"
	"github.com/mindful-ai/companion/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClient replays scripted deltas.
type fakeClient struct {
	deltas  []string
	err     error // returned by Recv after the deltas
	openErr error // returned by Stream
	block   bool  // Recv blocks on the stream context after the deltas

	calls    atomic.Int32
	mu       sync.Mutex
	requests []*llm.CompletionRequest
	streams  []*fakeStream
}

func (c *fakeClient) Name() string { return "fake" }

func (c *fakeClient) Stream(ctx context.Context, req *llm.CompletionRequest) (llm.Stream, error) {
	c.calls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.openErr != nil {
		return nil, c.openErr
	}
	s := &fakeStream{ctx: ctx, deltas: append([]string(nil), c.deltas...), err: c.err, block: c.block}
	c.streams = append(c.streams, s)
	return s, nil
}

func (c *fakeClient) lastRequest() *llm.CompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.requests) == 0 {
		return nil
	}
	return c.requests[len(c.requests)-1]
}

func (c *fakeClient) lastStream() *fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.streams) == 0 {
		return nil
	}
	return c.streams[len(c.streams)-1]
}

type fakeStream struct {
	ctx    context.Context
	deltas []string
	err    error
	block  bool
	closed atomic.Bool
}

func (s *fakeStream) Recv() (string, error) {
	if s.closed.Load() {
		return "", errors.New("stream closed")
	}
	if len(s.deltas) > 0 {
		d := s.deltas[0]
		s.deltas = s.deltas[1:]
		return d, nil
	}
	if s.block {
		<-s.ctx.Done()
		return "", s.ctx.Err()
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

// failingStore fails every call.
type failingStore struct{}

var errStoreDown = errors.New("store unavailable")

func (failingStore) CreateSession(context.Context, string) (string, error) {
	return "", errStoreDown
}

func (failingStore) AppendMessage(context.Context, string, model.Role, string, model.Metadata) (*model.Message, error) {
	return nil, errStoreDown
}

func (failingStore) RecentContext(context.Context, string, int) ([]model.ContextMessage, error) {
	return nil, errStoreDown
}

func (failingStore) DeleteConversation(context.Context, string) error {
	return errStoreDown
}

// collect drains a turn's events.
func collect(t *testing.T, events <-chan model.TurnEvent) []model.TurnEvent {
	t.Helper()
	var out []model.TurnEvent
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func chunkText(events []model.TurnEvent) string {
	var s string
	for _, ev := range events {
		if ev.Type == model.TurnEventChunk {
			s += ev.Text
		}
	}
	return s
}

// gatedStore holds every AppendMessage until gate is closed.
type gatedStore struct {
	*store.Memory
	gate chan struct{}
}

func (s *gatedStore) AppendMessage(ctx context.Context, conversationID string, role model.Role, content string, meta model.Metadata) (*model.Message, error) {
	<-s.gate
	return s.Memory.AppendMessage(ctx, conversationID, role, content, meta)
}

// countingStore counts RecordEvent calls that reach the store.
type countingStore struct {
	*store.Memory
	recorded atomic.Int32
}

func (s *countingStore) RecordEvent(ctx context.Context, event *model.ConversationEvent) error {
	s.recorded.Add(1)
	return s.Memory.RecordEvent(ctx, event)
}
