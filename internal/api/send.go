package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/classline/messenger/internal/model"
)

// ErrEmptyMessage is returned before any network call when a send carries
// neither text nor a file.
var ErrEmptyMessage = errors.New("api: message needs text or a file")

// File is a single attachment for a send. One file per message; the server
// stores it and returns an Attachment reference.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// SendRequest is a message submission. ConversationID may be empty when
// RecipientID is set: the server then finds or creates the conversation.
type SendRequest struct {
	ConversationID string
	RecipientID    string
	Content        string
	ReplyToID      string
	File           *File
}

// Send submits a message as multipart/form-data and returns the full updated
// message list of the conversation. The server response is authoritative for
// ordering and the new message id.
func (c *Client) Send(ctx context.Context, req SendRequest) ([]model.Message, error) {
	if strings.TrimSpace(req.Content) == "" && req.File == nil {
		return nil, ErrEmptyMessage
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := map[string]string{
		"conversation_id": req.ConversationID,
		"recipient_id":    req.RecipientID,
		"content":         req.Content,
		"reply_to_id":     req.ReplyToID,
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("api.Send field %s: %w", k, err)
		}
	}
	if req.File != nil {
		hdr := make(textproto.MIMEHeader)
		hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, req.File.Name))
		ct := req.File.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		hdr.Set("Content-Type", ct)
		part, err := mw.CreatePart(hdr)
		if err != nil {
			return nil, fmt.Errorf("api.Send file part: %w", err)
		}
		if _, err := io.Copy(part, bytes.NewReader(req.File.Data)); err != nil {
			return nil, fmt.Errorf("api.Send file copy: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("api.Send close multipart: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/messages", &body)
	if err != nil {
		return nil, fmt.Errorf("api.Send: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("api.Send: %w", err)
	}
	defer resp.Body.Close()

	var msgs []model.Message
	if err := decodeEnvelope(resp, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}
