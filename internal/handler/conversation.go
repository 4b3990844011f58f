package handler

import (
	"errors"
	"net/http"

	"github.com/classline/messenger/internal/logger"
	"github.com/classline/messenger/internal/middleware"
	"github.com/classline/messenger/internal/store"
)

const (
	defaultPageSize = 30
	maxPageSize     = 100
)

type ConversationHandler struct {
	store store.Store
}

func NewConversationHandler(s store.Store) *ConversationHandler {
	return &ConversationHandler{store: s}
}

// List handles GET /api/conversations?before=<id>&limit=<n>. The before
// cursor is a conversation id from the previous page; an unknown cursor is
// a client error rather than an empty page.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	limit := clampLimit(queryInt(r, "limit", defaultPageSize))
	before := r.URL.Query().Get("before")

	convs, err := h.store.Conversations(r.Context(), userID, before, limit)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusBadRequest, codeBadRequest, "unknown cursor")
			return
		}
		logger.Errorf("list conversations user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	writeResult(w, http.StatusOK, convs)
}

func clampLimit(n int) int {
	if n < 1 {
		return defaultPageSize
	}
	if n > maxPageSize {
		return maxPageSize
	}
	return n
}
