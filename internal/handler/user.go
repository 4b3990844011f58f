package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/classline/messenger/internal/logger"
	"github.com/classline/messenger/internal/middleware"
	"github.com/classline/messenger/internal/model"
	"github.com/classline/messenger/internal/storage"
	"github.com/classline/messenger/internal/store"
)

type UserHandler struct {
	store    store.Store
	sessions storage.SessionStore
}

func NewUserHandler(s store.Store, sessions storage.SessionStore) *UserHandler {
	return &UserHandler{store: s, sessions: sessions}
}

// Me handles GET /api/me.
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	u, err := h.store.UserByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "user not found")
			return
		}
		logger.Errorf("me user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	writeResult(w, http.StatusOK, u)
}

// Provision handles POST /internal/users: creates an account and issues an
// access token. The classline backend calls this when it enrolls a user;
// the endpoint sits behind the InternalOnly middleware.
func (h *UserHandler) Provision(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username  string `json:"username"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "username required")
		return
	}

	u := &model.User{
		ID:        uuid.New().String(),
		Username:  req.Username,
		AvatarURL: req.AvatarURL,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateUser(r.Context(), u); err != nil {
		logger.Errorf("provision user %s: %v", req.Username, err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}

	token := uuid.New().String()
	if err := h.sessions.SaveToken(r.Context(), token, u.ID); err != nil {
		logger.Errorf("provision token for %s: %v", u.ID, err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}

	writeResult(w, http.StatusCreated, map[string]any{"user": u, "token": token})
}
