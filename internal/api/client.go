// Package api is the REST client for the classline messaging endpoints.
// Every response is wrapped in an envelope {message, code, result, httpStatus};
// code 1000 with a 2xx status is success, everything else is a uniform error.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/classline/messenger/internal/model"
)

// Client calls the messaging REST API with a bearer credential.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client. The token is sent as Authorization: Bearer on
// every request.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Error is a failed envelope: non-2xx status or code != 1000.
type Error struct {
	HTTPStatus int
	Code       int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api: %s (code=%d status=%d)", e.Message, e.Code, e.HTTPStatus)
}

// Conversations fetches one page of the viewer's conversation list, newest
// first. Empty before means the most recent page.
func (c *Client) Conversations(ctx context.Context, before string, limit int) ([]model.Conversation, error) {
	q := url.Values{}
	if before != "" {
		q.Set("before", before)
	}
	q.Set("limit", strconv.Itoa(limit))

	var convs []model.Conversation
	if err := c.get(ctx, "/api/conversations", q, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// Messages fetches the newest page of a conversation, ascending by creation
// time.
func (c *Client) Messages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))

	var msgs []model.Message
	if err := c.get(ctx, "/api/conversations/"+url.PathEscape(conversationID)+"/messages", q, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("api.get %s: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("api.get %s: %w", path, err)
	}
	defer resp.Body.Close()
	return decodeEnvelope(resp, out)
}

// decodeEnvelope unwraps the response envelope into out. A non-2xx status or
// a code other than 1000 yields *Error.
func decodeEnvelope(resp *http.Response, out any) error {
	var env model.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("api: decode envelope: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || env.Code != model.CodeOK {
		msg := env.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &Error{HTTPStatus: resp.StatusCode, Code: env.Code, Message: msg}
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("api: decode result: %w", err)
	}
	return nil
}
