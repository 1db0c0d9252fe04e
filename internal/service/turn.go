// Package service runs conversation turns: risk screening, model streaming
// and persistence.
package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mindful-ai/companion/internal/llm"
	"github.com/mindful-ai/companion/internal/model"
	"github.com/mindful-ai/companion/internal/risk"
	"github.com/mindful-ai/companion/internal/store"
	"github.com/mindful-ai/companion/pkg/logger"
	"github.com/mindful-ai/companion/pkg/metrics"
	"github.com/mindful-ai/companion/pkg/tracing"
)

var (
	// ErrEmptyUtterance is returned for blank input.
	ErrEmptyUtterance = errors.New("utterance is empty")

	// ErrTurnInProgress is returned when a turn is already running.
	ErrTurnInProgress = errors.New("a turn is already in progress")

	// ErrForbidden is returned when a conversation belongs to someone else.
	ErrForbidden = errors.New("conversation belongs to another owner")

	errEmptyResponse = errors.New("model returned an empty response")
)

// DefaultContextWindow is the number of prior messages sent with each turn.
const DefaultContextWindow = 10

// Failure codes carried by failed events.
const (
	CodeTimeout        = "timeout"
	CodeUpstreamStatus = "upstream_status"
	CodeStreamFailed   = "stream_failed"
	CodeEmptyResponse  = "empty_response"
)

// Turn outcomes recorded in metrics.
const (
	outcomeCompleted = "completed"
	outcomeCrisis    = "crisis"
	outcomeFailed    = "failed"
	outcomeTimeout   = "timeout"
	outcomeCancelled = "cancelled"
)

// Options configures a TurnController.
type Options struct {
	// OwnerID is recorded on conversations this controller creates.
	OwnerID string

	// ContextWindow bounds the prior messages sent to the model. Zero means
	// DefaultContextWindow.
	ContextWindow int

	// StreamTimeout bounds the whole model stream. Zero disables it.
	StreamTimeout time.Duration

	// SystemPrompt defaults to DefaultSystemPrompt.
	SystemPrompt string

	// Model is passed through to the client; empty uses the provider default.
	Model       string
	MaxTokens   int
	Temperature float64
}

// TurnController processes the turns of one chat session. It holds the
// session's conversation id and a rolling cache of recent messages. At most
// one turn runs at a time.
type TurnController struct {
	store  store.Store
	client llm.Client
	opts   Options
	logger *logger.Logger
	writes writeQueue

	mu             sync.Mutex
	conversationID string
	cache          []model.ContextMessage
	seeded         bool
	active         bool
	generation     uint64
	resets         uint64
}

// NewTurnController creates a controller for a new session.
func NewTurnController(s store.Store, client llm.Client, opts Options, log *logger.Logger) *TurnController {
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = DefaultContextWindow
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = DefaultSystemPrompt
	}
	if opts.StreamTimeout < 0 {
		opts.StreamTimeout = 0
	}
	if log == nil {
		log = logger.NewNop()
	}

	return &TurnController{
		store:  s,
		client: client,
		opts:   opts,
		logger: log,
	}
}

// ConversationID returns the held conversation id, or "" before the first
// turn and after Reset.
func (c *TurnController) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// Active reports whether a turn is running.
func (c *TurnController) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Resume adopts an existing conversation. The context cache is seeded from
// the store on the next turn.
func (c *TurnController) Resume(conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active {
		return ErrTurnInProgress
	}
	c.conversationID = conversationID
	c.cache = nil
	c.seeded = false
	c.generation++
	return nil
}

// Reset starts a new chat: the held id and cache are cleared, then the old
// conversation is deleted from the store after every queued write. The
// in-memory state is cleared even when deletion fails. Calling Reset with no
// conversation is a no-op.
func (c *TurnController) Reset(ctx context.Context) error {
	c.mu.Lock()
	id := c.conversationID
	c.conversationID = ""
	c.cache = nil
	c.seeded = false
	c.generation++
	c.resets++
	c.mu.Unlock()

	if id == "" {
		return nil
	}

	log := c.logger.WithConversation(id)
	result := make(chan error, 1)
	writeCtx := context.WithoutCancel(ctx)
	c.writes.enqueue(func() {
		result <- c.store.DeleteConversation(writeCtx, id)
	})

	select {
	case err := <-result:
		if err != nil {
			metrics.RecordPersistenceError("delete_conversation")
			log.Warn("failed to delete conversation", zap.Error(err))
			return err
		}
		metrics.ConversationsDeleted.Inc()
		log.Info("conversation deleted")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Idle reports whether no turn is running and no store write is pending.
func (c *TurnController) Idle() bool {
	return !c.Active() && c.writes.idle()
}

// Wait blocks until every queued store write has finished.
func (c *TurnController) Wait(ctx context.Context) error {
	return c.writes.drain(ctx)
}

// turn carries the state of one ProcessTurn call.
type turn struct {
	ctx            context.Context
	span           trace.Span
	conversationID string
	generation     uint64
	resets         uint64
	utterance      model.Utterance
	window         []model.ContextMessage
	log            *logger.Logger
	events         chan model.TurnEvent
}

// ProcessTurn runs one turn and returns its events: zero or more chunks
// followed by exactly one complete or failed event, after which the channel
// is closed. The caller must drain the channel or cancel ctx; a cancelled
// turn emits no terminal event, releases the stream and persists nothing
// further.
func (c *TurnController) ProcessTurn(ctx context.Context, utterance model.Utterance) (<-chan model.TurnEvent, error) {
	if strings.TrimSpace(utterance.Text) == "" {
		return nil, ErrEmptyUtterance
	}

	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return nil, ErrTurnInProgress
	}
	c.active = true
	gen, resets := c.generation, c.resets
	c.mu.Unlock()

	ctx, span := tracing.Tracer().Start(ctx, "TurnController.ProcessTurn")

	t := &turn{
		ctx:        ctx,
		span:       span,
		generation: gen,
		resets:     resets,
		utterance:  utterance,
		events:     make(chan model.TurnEvent),
	}
	t.conversationID = c.ensureConversation(ctx, gen)
	t.log = c.logger.WithConversation(t.conversationID)
	t.window = c.contextWindow(ctx, t)
	span.SetAttributes(attribute.String("conversation_id", t.conversationID))

	c.enqueueAppend(t, model.RoleUser, utterance.Text, nil)
	c.appendCache(gen, model.ContextMessage{Role: model.RoleUser, Content: utterance.Text})

	go c.run(t)

	return t.events, nil
}

func (c *TurnController) run(t *turn) {
	defer close(t.events)
	defer c.finish()
	defer t.span.End()

	classification := risk.Classify(t.utterance.Text)
	metrics.RecordRisk(classification.Emergency, classification.Crisis)
	t.span.SetAttributes(
		attribute.Bool("risk.emergency", classification.Emergency),
		attribute.Bool("risk.crisis", classification.Crisis),
	)

	if classification.Escalate() {
		c.shortCircuit(t, classification)
		return
	}
	c.stream(t)
}

// shortCircuit answers with the scripted crisis reply. The model is not
// called.
func (c *TurnController) shortCircuit(t *turn, classification risk.Classification) {
	t.log.Warn("risk detected, sending crisis response",
		zap.Bool("emergency", classification.Emergency),
		zap.Bool("crisis", classification.Crisis),
	)

	meta := model.Metadata{
		model.MetaKind:      string(model.KindCrisis),
		model.MetaResources: CrisisResources(),
		model.MetaEmergency: classification.Emergency,
		model.MetaCrisis:    classification.Crisis,
	}
	msg := CrisisMessage(t.conversationID)
	msg.Metadata = meta
	msg.CreatedAt = time.Now().UTC()

	c.appendCache(t.generation, model.ContextMessage{Role: model.RoleAssistant, Content: CrisisText})
	metrics.RecordTurn(outcomeCrisis)
	t.span.SetAttributes(attribute.String("outcome", outcomeCrisis))

	// The reply goes out before any store write so a slow store cannot hold
	// it back. The writes are queued before the turn ends, which keeps them
	// ahead of the next turn's.
	c.emit(t, model.TurnEvent{
		Type:    model.TurnEventComplete,
		Message: msg,
		Risk:    model.Risk{Emergency: classification.Emergency, Crisis: classification.Crisis},
	})
	c.enqueueAppend(t, model.RoleAssistant, CrisisText, meta)
	c.recordEvent(t, model.EventTypeCrisisEscalation, crisisReason(classification), nil)
}

// stream forwards model deltas and finishes the turn.
func (c *TurnController) stream(t *turn) {
	streamCtx := t.ctx
	if c.opts.StreamTimeout > 0 {
		var cancel context.CancelFunc
		streamCtx, cancel = context.WithTimeout(t.ctx, c.opts.StreamTimeout)
		defer cancel()
	}

	start := time.Now()
	chunks := 0
	provider := c.client.Name()

	s, err := c.client.Stream(streamCtx, c.buildRequest(t))
	if err != nil {
		metrics.RecordLLMStream(provider, "error", time.Since(start).Seconds(), 0)
		c.fail(t, streamCtx, err)
		return
	}
	defer s.Close()

	var content strings.Builder
	for {
		delta, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			metrics.RecordLLMStream(provider, "error", time.Since(start).Seconds(), chunks)
			c.fail(t, streamCtx, err)
			return
		}

		content.WriteString(delta)
		if !c.emit(t, model.TurnEvent{Type: model.TurnEventChunk, Text: delta, Index: chunks}) {
			s.Close()
			metrics.RecordLLMStream(provider, "cancelled", time.Since(start).Seconds(), chunks)
			c.cancelled(t)
			return
		}
		chunks++
	}
	metrics.RecordLLMStream(provider, "success", time.Since(start).Seconds(), chunks)

	text := content.String()
	// A clean end with no text is reported as a failure so the user sees
	// the apology rather than an empty bubble. Nothing is persisted.
	if text == "" {
		c.fail(t, streamCtx, errEmptyResponse)
		return
	}

	meta := model.Metadata{model.MetaKind: string(model.KindText)}
	if risk.SuggestsMeditation(text) {
		meta[model.MetaKind] = string(model.KindMeditation)
		meta[model.MetaTitle] = MeditationTitle
	}

	msg := <-c.enqueueAppend(t, model.RoleAssistant, text, meta)
	if msg == nil {
		msg = &model.Message{
			ConversationID: t.conversationID,
			Role:           model.RoleAssistant,
			Content:        text,
			Metadata:       meta,
			CreatedAt:      time.Now().UTC(),
		}
		msg.Hydrate()
	}
	c.appendCache(t.generation, model.ContextMessage{Role: model.RoleAssistant, Content: text})

	metrics.RecordTurn(outcomeCompleted)
	t.span.SetAttributes(attribute.String("outcome", outcomeCompleted), attribute.Int("chunks", chunks))
	t.log.Debug("turn completed", zap.Int("chunks", chunks), zap.String("kind", string(msg.Kind)))
	c.emit(t, model.TurnEvent{Type: model.TurnEventComplete, Message: msg})
}

// fail ends the turn with the fallback apology. A cancellation by the caller
// is not a failure.
func (c *TurnController) fail(t *turn, streamCtx context.Context, err error) {
	if t.ctx.Err() != nil {
		c.cancelled(t)
		return
	}

	eventType, code, outcome := model.EventTypeStreamFailed, CodeStreamFailed, outcomeFailed
	var apiErr *llm.APIError
	switch {
	case errors.Is(streamCtx.Err(), context.DeadlineExceeded):
		eventType, code, outcome = model.EventTypeTimeout, CodeTimeout, outcomeTimeout
	case errors.As(err, &apiErr):
		code = CodeUpstreamStatus
	case errors.Is(err, errEmptyResponse):
		code = CodeEmptyResponse
	}

	t.log.Error("completion stream failed", zap.String("code", code), zap.Error(err))
	t.span.RecordError(err)
	t.span.SetStatus(codes.Error, code)
	t.span.SetAttributes(attribute.String("outcome", outcome))

	c.recordEvent(t, eventType, err.Error(), map[string]any{"code": code})
	metrics.RecordTurn(outcome)

	c.emit(t, model.TurnEvent{
		Type:    model.TurnEventFailed,
		Message: FallbackMessage(t.conversationID),
		Err:     &TurnError{Code: code, Err: err},
	})
}

func (c *TurnController) cancelled(t *turn) {
	t.log.Info("turn cancelled", zap.Error(context.Cause(t.ctx)))
	t.span.SetAttributes(attribute.String("outcome", outcomeCancelled))
	c.recordEvent(t, model.EventTypeCancel, "caller cancelled the turn", nil)
	metrics.RecordTurn(outcomeCancelled)
}

// TurnError is the error carried by a failed event.
type TurnError struct {
	Code string
	Err  error
}

func (e *TurnError) Error() string {
	return e.Code + ": " + e.Err.Error()
}

func (e *TurnError) Unwrap() error {
	return e.Err
}

func (c *TurnController) buildRequest(t *turn) *llm.CompletionRequest {
	messages := make([]llm.ChatMessage, 0, len(t.window)+2)
	messages = append(messages, llm.ChatMessage{Role: string(model.RoleSystem), Content: c.opts.SystemPrompt})
	for _, m := range t.window {
		messages = append(messages, llm.ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	messages = append(messages, llm.ChatMessage{Role: string(model.RoleUser), Content: t.utterance.Text})

	return &llm.CompletionRequest{
		Model:       c.opts.Model,
		Messages:    messages,
		MaxTokens:   c.opts.MaxTokens,
		Temperature: c.opts.Temperature,
	}
}

// emit delivers an event unless the caller has gone away.
func (c *TurnController) emit(t *turn, event model.TurnEvent) bool {
	select {
	case t.events <- event:
		return true
	case <-t.ctx.Done():
		return false
	}
}

func (c *TurnController) finish() {
	c.mu.Lock()
	c.active = false
	c.mu.Unlock()
}

// ensureConversation returns the held conversation id, creating a session
// when there is none. A store failure leaves the turn unpersisted.
func (c *TurnController) ensureConversation(ctx context.Context, gen uint64) string {
	c.mu.Lock()
	id := c.conversationID
	c.mu.Unlock()
	if id != "" {
		return id
	}

	id, err := c.store.CreateSession(ctx, c.opts.OwnerID)
	if err != nil {
		metrics.RecordPersistenceError("create_session")
		c.logger.Warn("failed to create conversation, continuing without persistence", zap.Error(err))
		return ""
	}
	metrics.ConversationsTotal.Inc()
	c.logger.Info("conversation created", zap.String("conversation_id", id))

	c.mu.Lock()
	if c.generation == gen {
		c.conversationID = id
		c.cache = nil
		c.seeded = true
	}
	c.mu.Unlock()
	return id
}

// contextWindow returns the prior messages to send, seeding the cache from
// the store for a resumed conversation.
func (c *TurnController) contextWindow(ctx context.Context, t *turn) []model.ContextMessage {
	c.mu.Lock()
	needSeed := !c.seeded && t.conversationID != ""
	c.mu.Unlock()

	if needSeed {
		recent, err := c.store.RecentContext(ctx, t.conversationID, c.opts.ContextWindow)
		if err != nil {
			metrics.RecordPersistenceError("recent_context")
			t.log.Warn("failed to load conversation context", zap.Error(err))
		} else {
			c.mu.Lock()
			if c.generation == t.generation && !c.seeded {
				c.cache = recent
				c.seeded = true
			}
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	window := c.cache
	if len(window) > c.opts.ContextWindow {
		window = window[len(window)-c.opts.ContextWindow:]
	}
	out := make([]model.ContextMessage, len(window))
	copy(out, window)
	return out
}

func (c *TurnController) appendCache(gen uint64, msgs ...model.ContextMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return
	}
	c.cache = append(c.cache, msgs...)
	if over := len(c.cache) - c.opts.ContextWindow; over > 0 {
		c.cache = append([]model.ContextMessage(nil), c.cache[over:]...)
	}
}

// enqueueAppend queues a message write behind earlier writes. The returned
// channel yields the stored message, or nil when it was not persisted.
func (c *TurnController) enqueueAppend(t *turn, role model.Role, content string, meta model.Metadata) <-chan *model.Message {
	result := make(chan *model.Message, 1)
	if t.conversationID == "" {
		result <- nil
		return result
	}

	ctx := context.WithoutCancel(t.ctx)
	c.writes.enqueue(func() {
		if c.resetSince(t) {
			result <- nil
			return
		}
		msg, err := c.store.AppendMessage(ctx, t.conversationID, role, content, meta)
		if err != nil {
			metrics.RecordPersistenceError("append_message")
			t.log.Warn("failed to persist message", zap.String("role", string(role)), zap.Error(err))
			result <- nil
			return
		}
		metrics.MessagesTotal.WithLabelValues(string(msg.Role), string(msg.Kind)).Inc()
		result <- msg
	})
	return result
}

// recordEvent queues an audit event when the store keeps them.
func (c *TurnController) recordEvent(t *turn, eventType model.EventType, reason string, meta map[string]any) {
	recorder, ok := c.store.(store.EventRecorder)
	if !ok || t.conversationID == "" {
		return
	}

	ctx := context.WithoutCancel(t.ctx)
	event := &model.ConversationEvent{
		ConversationID: t.conversationID,
		Type:           eventType,
		Reason:         reason,
		Metadata:       meta,
		CreatedAt:      time.Now().UTC(),
	}
	c.writes.enqueue(func() {
		if c.resetSince(t) {
			t.log.Debug("dropping event for reset conversation", zap.String("type", string(eventType)))
			return
		}
		if err := recorder.RecordEvent(ctx, event); err != nil {
			metrics.RecordPersistenceError("record_event")
			t.log.Warn("failed to record event", zap.String("type", string(eventType)), zap.Error(err))
		}
	})
}

// resetSince reports whether Reset ran after t started. The conversation is
// then queued for deletion and t must not write to it again.
func (c *TurnController) resetSince(t *turn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resets != t.resets
}

func crisisReason(c risk.Classification) string {
	switch {
	case c.Emergency && c.Crisis:
		return "emergency,crisis"
	case c.Emergency:
		return "emergency"
	default:
		return "crisis"
	}
}

// writeQueue runs store writes one at a time in submission order without
// blocking the submitter.
type writeQueue struct {
	mu   sync.Mutex
	tail chan struct{}
}

func (q *writeQueue) enqueue(fn func()) {
	q.mu.Lock()
	prev := q.tail
	done := make(chan struct{})
	q.tail = done
	q.mu.Unlock()

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		fn()
	}()
}

func (q *writeQueue) idle() bool {
	q.mu.Lock()
	tail := q.tail
	q.mu.Unlock()

	if tail == nil {
		return true
	}
	select {
	case <-tail:
		return true
	default:
		return false
	}
}

// drain waits for every write queued so far.
func (q *writeQueue) drain(ctx context.Context) error {
	q.mu.Lock()
	tail := q.tail
	q.mu.Unlock()

	if tail == nil {
		return nil
	}
	select {
	case <-tail:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
