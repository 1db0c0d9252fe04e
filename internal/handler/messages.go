package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mindful-ai/companion/internal/middleware"
	"github.com/mindful-ai/companion/internal/model"
	"github.com/mindful-ai/companion/internal/service"
	"github.com/mindful-ai/companion/internal/store"
	"github.com/mindful-ai/companion/pkg/logger"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 500
)

// MessageHandler serves persisted conversation history.
type MessageHandler struct {
	reader store.Reader
	logger *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(reader store.Reader, log *logger.Logger) *MessageHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &MessageHandler{
		reader: reader,
		logger: log,
	}
}

// List handles GET /api/v1/conversations/:id/messages
//
// It returns the most recent ?limit= messages, oldest first.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := middleware.GetOwnerID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := defaultHistoryLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxHistoryLimit {
			limit = parsed
		}
	}

	if h.reader == nil {
		writeError(w, http.StatusNotImplemented, "history is not available for this store")
		return
	}

	conv, err := h.reader.GetSession(ctx, conversationID)
	if err == nil && conv.OwnerID != ownerID {
		err = service.ErrForbidden
	}
	if writeLookupError(w, err) {
		return
	}

	messages, err := h.reader.History(ctx, conversationID)
	if err != nil {
		h.logger.Error("failed to load history",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	if messages == nil {
		messages = []model.Message{}
	}

	writeJSON(w, http.StatusOK, &model.ListMessagesResponse{
		ConversationID: conversationID,
		Messages:       messages,
	})
}
