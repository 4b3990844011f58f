package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/classline/messenger/internal/broker"
	"github.com/classline/messenger/internal/fileserver"
	"github.com/classline/messenger/internal/logger"
	"github.com/classline/messenger/internal/middleware"
	"github.com/classline/messenger/internal/model"
	"github.com/classline/messenger/internal/store"
)

// Broadcaster fans a frame out to topic subscribers and reports presence.
type Broadcaster interface {
	Publish(frame broker.Frame)
	UserOnline(userID string) bool
}

// pushNotifier delivers a Web Push notification to one user. nil disables
// pushes.
type pushNotifier func(userID, title, body string, data map[string]string)

type MessageHandler struct {
	store store.Store
	files *fileserver.Store
	hub   Broadcaster
	push  pushNotifier
}

func NewMessageHandler(s store.Store, files *fileserver.Store, hub Broadcaster, push pushNotifier) *MessageHandler {
	return &MessageHandler{store: s, files: files, hub: hub, push: push}
}

// List handles GET /api/conversations/{id}/messages?limit=<n>: the newest
// limit messages in ascending creation order.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	conversationID := chi.URLParam(r, "id")
	limit := clampLimit(queryInt(r, "limit", defaultPageSize))

	ok, err := h.store.IsParticipant(r.Context(), conversationID, userID)
	if err != nil {
		logger.Errorf("list messages conversation=%s: %v", conversationID, err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, codeForbidden, "not a participant")
		return
	}

	msgs, err := h.store.Messages(r.Context(), conversationID, limit)
	if err != nil {
		logger.Errorf("list messages conversation=%s: %v", conversationID, err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	writeResult(w, http.StatusOK, msgs)
}

// Send handles POST /api/messages (multipart/form-data). Fields:
// conversation_id or recipient_id (first contact creates the conversation),
// content, reply_to_id, and an optional file part. The response carries the
// full refreshed message list of the conversation.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("handler.Send", time.Now())()
	userID := middleware.GetUserID(r.Context())
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, h.files.MaxSize+64*1024)
	if err := r.ParseMultipartForm(h.files.MaxSize); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid multipart body")
		return
	}

	content := r.FormValue("content")
	file, fileHeader, fileErr := r.FormFile("file")
	hasFile := fileErr == nil
	if hasFile {
		defer file.Close()
	}
	if strings.TrimSpace(content) == "" && !hasFile {
		writeError(w, http.StatusBadRequest, codeBadRequest, "message needs text or a file")
		return
	}

	conversationID := r.FormValue("conversation_id")
	if conversationID == "" {
		recipientID := r.FormValue("recipient_id")
		if recipientID == "" || recipientID == userID {
			writeError(w, http.StatusBadRequest, codeBadRequest, "conversation_id or recipient_id required")
			return
		}
		if _, err := h.store.UserByID(ctx, recipientID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, codeNotFound, "recipient not found")
				return
			}
			logger.Errorf("send lookup recipient=%s: %v", recipientID, err)
			writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
			return
		}
		id, err := h.store.FindOrCreateConversation(ctx, userID, recipientID)
		if err != nil {
			logger.Errorf("send create conversation user=%s: %v", userID, err)
			writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
			return
		}
		conversationID = id
	} else {
		ok, err := h.store.IsParticipant(ctx, conversationID, userID)
		if err != nil {
			logger.Errorf("send check conversation=%s: %v", conversationID, err)
			writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
			return
		}
		if !ok {
			writeError(w, http.StatusForbidden, codeForbidden, "not a participant")
			return
		}
	}

	var attachment *model.Attachment
	if hasFile {
		var err error
		attachment, err = h.files.Save(ctx, fileHeader.Filename, file)
		switch {
		case errors.Is(err, fileserver.ErrBlockedType),
			errors.Is(err, fileserver.ErrContentMismatch):
			writeError(w, http.StatusBadRequest, codeBadRequest, "file type not allowed")
			return
		case errors.Is(err, fileserver.ErrTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, codeBadRequest, "file too large")
			return
		case err != nil:
			logger.Errorf("send save file: %v", err)
			writeError(w, http.StatusInternalServerError, codeInternal, "failed to save file")
			return
		}
	}

	sender, err := h.store.UserByID(ctx, userID)
	if err != nil {
		logger.Errorf("send lookup sender=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}

	var replyToID *string
	if v := r.FormValue("reply_to_id"); v != "" {
		replyToID = &v
	}

	m := &model.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Sender:         sender.ToPublic(),
		Content:        content,
		Attachment:     attachment,
		ReplyToID:      replyToID,
		CreatedAt:      time.Now().UTC(),
	}
	if err := h.store.CreateMessage(ctx, m); err != nil {
		logger.Errorf("send save message conversation=%s: %v", conversationID, err)
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to save message")
		return
	}

	h.broadcast(m)

	msgs, err := h.store.Messages(ctx, conversationID, maxPageSize)
	if err != nil {
		logger.Errorf("send refresh messages conversation=%s: %v", conversationID, err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	writeResult(w, http.StatusCreated, msgs)
}

// broadcast fans the new message out: a message frame on the conversation
// topic, a notify frame on each participant's user topic, and Web Push for
// participants with no live connection.
func (h *MessageHandler) broadcast(m *model.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if frame, err := broker.MessageFrame(m.ConversationID, m); err == nil {
		h.hub.Publish(frame)
	} else {
		logger.Errorf("broadcast marshal message %s: %v", m.ID, err)
	}

	participants, err := h.store.ParticipantIDs(ctx, m.ConversationID)
	if err != nil {
		logger.Errorf("broadcast participants conversation=%s: %v", m.ConversationID, err)
		return
	}

	notify, err := broker.NotifyFrame(m.ConversationID, m.ID)
	if err != nil {
		logger.Errorf("broadcast marshal notify %s: %v", m.ID, err)
		return
	}
	for _, uid := range participants {
		frame := notify
		frame.Topic = broker.UserTopic(uid)
		h.hub.Publish(frame)
	}

	if h.push == nil {
		return
	}
	body := m.Content
	if body == "" && m.Attachment != nil {
		body = m.Attachment.Name
	}
	if runes := []rune(body); len(runes) > 120 {
		body = string(runes[:117]) + "..."
	}
	data := map[string]string{"conversation_id": m.ConversationID, "message_id": m.ID}
	for _, uid := range participants {
		if uid == m.Sender.ID || h.hub.UserOnline(uid) {
			continue
		}
		go h.push(uid, m.Sender.Username, body, data)
	}
}
