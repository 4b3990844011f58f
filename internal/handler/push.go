package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/classline/messenger/internal/logger"
	"github.com/classline/messenger/internal/middleware"
	"github.com/classline/messenger/internal/push"
	"github.com/classline/messenger/internal/storage"
)

type PushHandler struct {
	sessions       storage.SessionStore
	vapidPublicKey string
}

func NewPushHandler(sessions storage.SessionStore, vapidPublicKey string) *PushHandler {
	return &PushHandler{sessions: sessions, vapidPublicKey: vapidPublicKey}
}

// PublicKey handles GET /api/push/key: the VAPID public key the browser
// needs to register a subscription.
func (h *PushHandler) PublicKey(w http.ResponseWriter, r *http.Request) {
	if h.vapidPublicKey == "" {
		writeError(w, http.StatusNotFound, codeNotFound, "push disabled")
		return
	}
	writeResult(w, http.StatusOK, map[string]string{"public_key": h.vapidPublicKey})
}

// Subscribe handles POST /api/push/subscribe. The body is the subscription
// object from the browser's PushManager, stored verbatim.
func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	body, err := io.ReadAll(io.LimitReader(r.Body, 16*1024))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid body")
		return
	}

	var sub push.Subscription
	if err := json.Unmarshal(body, &sub); err != nil || sub.Endpoint == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid subscription")
		return
	}

	if err := h.sessions.AddPushSubscription(r.Context(), userID, string(body)); err != nil {
		logger.Errorf("push subscribe user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	writeResult(w, http.StatusCreated, map[string]string{"status": "subscribed"})
}

// Unsubscribe handles DELETE /api/push/subscribe with {"endpoint": ...}.
func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "endpoint required")
		return
	}

	list, err := h.sessions.PushSubscriptions(r.Context(), userID)
	if err != nil {
		logger.Errorf("push unsubscribe user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	for _, raw := range list {
		var sub push.Subscription
		if json.Unmarshal([]byte(raw), &sub) != nil || sub.Endpoint != req.Endpoint {
			continue
		}
		if err := h.sessions.RemovePushSubscription(r.Context(), userID, raw); err != nil {
			logger.Errorf("push unsubscribe remove user=%s: %v", userID, err)
			writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
			return
		}
	}
	writeResult(w, http.StatusOK, map[string]string{"status": "unsubscribed"})
}
