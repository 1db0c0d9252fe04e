package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mindful-ai/companion/internal/middleware"
	"github.com/mindful-ai/companion/internal/service"
	"github.com/mindful-ai/companion/internal/store"
	"github.com/mindful-ai/companion/pkg/logger"
)

// ConversationHandler handles conversation lifecycle endpoints.
type ConversationHandler struct {
	registry *service.SessionRegistry
	logger   *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(registry *service.SessionRegistry, log *logger.Logger) *ConversationHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &ConversationHandler{
		registry: registry,
		logger:   log,
	}
}

// Delete handles DELETE /api/v1/conversations/:id
//
// This is the "new chat" action: the conversation and its messages are
// removed and the client starts over without a conversation id.
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := middleware.GetOwnerID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err := h.registry.Delete(ctx, ownerID, conversationID)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, service.ErrForbidden) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to delete conversation",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
