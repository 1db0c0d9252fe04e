// Package handler provides HTTP handlers for the API.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/mindful-ai/companion/internal/middleware"
	"github.com/mindful-ai/companion/internal/model"
	"github.com/mindful-ai/companion/internal/service"
	"github.com/mindful-ai/companion/pkg/logger"
	"github.com/mindful-ai/companion/pkg/metrics"
)

// StreamHandler runs chat turns over server-sent events.
type StreamHandler struct {
	registry *service.SessionRegistry
	logger   *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(registry *service.SessionRegistry, log *logger.Logger) *StreamHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &StreamHandler{
		registry: registry,
		logger:   log,
	}
}

// Turn handles POST /api/v1/chat/turns
//
// The response is an event stream: turn, zero or more chunk events, one
// complete or failed event, then done. Validation failures and overlapping
// turns are rejected before the stream starts.
func (h *StreamHandler) Turn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := middleware.GetOwnerID(ctx)

	var req model.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var controller *service.TurnController
	if req.ConversationID != "" {
		if err := middleware.ValidateConversationID(req.ConversationID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		var err error
		controller, err = h.registry.Get(ctx, ownerID, req.ConversationID)
		if writeLookupError(w, err) {
			return
		}
	} else {
		controller = h.registry.New(ownerID)
	}

	events, err := controller.ProcessTurn(ctx, model.NewUtterance(req.Content))
	switch {
	case errors.Is(err, service.ErrTurnInProgress):
		writeError(w, http.StatusConflict, "a reply is still being generated for this conversation")
		return
	case errors.Is(err, service.ErrEmptyUtterance):
		writeError(w, http.StatusBadRequest, "content cannot be empty")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to start turn")
		return
	}

	conversationID := controller.ConversationID()
	if req.ConversationID == "" {
		h.registry.Track(ownerID, controller)
	}
	log := h.logger.With(
		zap.String("conversation_id", conversationID),
		zap.String("correlation_id", middleware.GetCorrelationID(ctx)),
	)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	sendSSEEvent(w, flusher, "turn", &model.TurnStartedEvent{ConversationID: conversationID})

	// Keep draining after a write error: the turn stops on its own once the
	// request context is cancelled.
	for ev := range events {
		var sendErr error
		switch ev.Type {
		case model.TurnEventChunk:
			sendErr = sendSSEEvent(w, flusher, "chunk", &model.ChunkEvent{Text: ev.Text, Index: ev.Index})
		case model.TurnEventComplete:
			sendErr = sendSSEEvent(w, flusher, "complete", &model.CompleteEvent{Message: *ev.Message, Risk: ev.Risk})
		case model.TurnEventFailed:
			code := service.CodeStreamFailed
			var turnErr *service.TurnError
			if errors.As(ev.Err, &turnErr) {
				code = turnErr.Code
			}
			sendErr = sendSSEEvent(w, flusher, "failed", &model.FailedEvent{Message: *ev.Message, Code: code})
		}
		if sendErr != nil {
			log.Debug("failed to write event", zap.String("event", string(ev.Type)), zap.Error(sendErr))
		}
	}

	if ctx.Err() != nil {
		log.Info("SSE client disconnected")
		return
	}
	sendSSEEvent(w, flusher, "done", map[string]bool{"success": true})
}
