package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classline/messenger/internal/broker"
	"github.com/classline/messenger/internal/fileserver"
	"github.com/classline/messenger/internal/model"
	memorysessions "github.com/classline/messenger/internal/storage/memory"
	memorystore "github.com/classline/messenger/internal/store/memory"
	"github.com/classline/messenger/internal/ws"
)

type testEnv struct {
	srv      *httptest.Server
	store    *memorystore.Store
	sessions *memorysessions.Client
	hub      *ws.Hub

	mu     sync.Mutex
	pushes []string // "userID:body"
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    memorystore.New(),
		sessions: memorysessions.New(),
	}

	env.hub = ws.NewHub(env.store, 100)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go env.hub.Run(ctx)

	router := NewRouter(RouterDeps{
		Store:    env.store,
		Sessions: env.sessions,
		Files:    fileserver.New(t.TempDir(), 1<<20),
		Hub:      env.hub,
		Push: func(userID, title, body string, data map[string]string) {
			env.mu.Lock()
			env.pushes = append(env.pushes, userID+":"+body)
			env.mu.Unlock()
		},
		AllowedOrigins: "*",
	})
	env.srv = httptest.NewServer(router)
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) pushCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pushes)
}

// provision creates a user through the internal endpoint and returns the
// user id and access token.
func (e *testEnv) provision(t *testing.T, username string) (string, string) {
	t.Helper()
	body := fmt.Sprintf(`{"username":%q}`, username)
	resp, err := http.Post(e.srv.URL+"/internal/users", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var result struct {
		User  model.User `json:"user"`
		Token string     `json:"token"`
	}
	decodeResult(t, resp, &result)
	return result.User.ID, result.Token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func (e *testEnv) send(t *testing.T, token string, fields map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return e.do(t, http.MethodPost, "/api/messages", token, &buf, mw.FormDataContentType())
}

func decodeResult(t *testing.T, resp *http.Response, out any) model.Envelope {
	t.Helper()
	var env model.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	if out != nil && len(env.Result) > 0 {
		require.NoError(t, json.Unmarshal(env.Result, out))
	}
	return env
}

func TestUnauthorizedWithoutToken(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/api/conversations")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")

	var envp model.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envp))
	assert.Equal(t, codeUnauthorized, envp.Code)
	assert.Equal(t, http.StatusUnauthorized, envp.HTTPStatus)
}

func TestUnknownTokenRejectedAsEnvelope(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/api/me", "never-issued", nil, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")

	var envp model.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envp))
	assert.Equal(t, codeUnauthorized, envp.Code)
}

func TestProvisionAndMe(t *testing.T) {
	env := newTestEnv(t)
	userID, token := env.provision(t, "alice")

	resp := env.do(t, http.MethodGet, "/api/me", token, nil, "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var u model.User
	envp := decodeResult(t, resp, &u)
	assert.Equal(t, model.CodeOK, envp.Code)
	assert.Equal(t, userID, u.ID)
	assert.Equal(t, "alice", u.Username)
}

func TestSendFirstContactCreatesConversation(t *testing.T) {
	env := newTestEnv(t)
	aliceID, aliceTok := env.provision(t, "alice")
	bobID, bobTok := env.provision(t, "bob")

	resp := env.send(t, aliceTok, map[string]string{"recipient_id": bobID, "content": "hi bob"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var msgs []model.Message
	envp := decodeResult(t, resp, &msgs)
	require.Equal(t, model.CodeOK, envp.Code)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi bob", msgs[0].Content)
	assert.Equal(t, aliceID, msgs[0].Sender.ID)

	// The recipient sees the conversation with the last message filled.
	resp2 := env.do(t, http.MethodGet, "/api/conversations", bobTok, nil, "")
	defer resp2.Body.Close()
	var convs []model.Conversation
	decodeResult(t, resp2, &convs)
	require.Len(t, convs, 1)
	assert.Equal(t, aliceID, convs[0].Participant.ID)
	require.NotNil(t, convs[0].LastMessage)
	assert.Equal(t, "hi bob", convs[0].LastMessage.Content)
}

func TestSendToSelfRejected(t *testing.T) {
	env := newTestEnv(t)
	aliceID, aliceTok := env.provision(t, "alice")

	resp := env.send(t, aliceTok, map[string]string{"recipient_id": aliceID, "content": "hi me"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSendToUnknownRecipient(t *testing.T) {
	env := newTestEnv(t)
	_, aliceTok := env.provision(t, "alice")

	resp := env.send(t, aliceTok, map[string]string{"recipient_id": "nobody", "content": "hi"})
	defer resp.Body.Close()
	var envp model.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envp))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, codeNotFound, envp.Code)
}

func TestEmptySendRejected(t *testing.T) {
	env := newTestEnv(t)
	_, aliceTok := env.provision(t, "alice")

	resp := env.send(t, aliceTok, map[string]string{"recipient_id": "x", "content": "   "})
	defer resp.Body.Close()
	var envp model.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envp))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, codeBadRequest, envp.Code)
}

func TestMessagesForbiddenForOutsider(t *testing.T) {
	env := newTestEnv(t)
	_, aliceTok := env.provision(t, "alice")
	bobID, _ := env.provision(t, "bob")
	_, carolTok := env.provision(t, "carol")

	resp := env.send(t, aliceTok, map[string]string{"recipient_id": bobID, "content": "private"})
	var msgs []model.Message
	decodeResult(t, resp, &msgs)
	resp.Body.Close()
	require.Len(t, msgs, 1)
	convID := msgs[0].ConversationID

	resp2 := env.do(t, http.MethodGet, "/api/conversations/"+convID+"/messages", carolTok, nil, "")
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp2.StatusCode)

	resp3 := env.send(t, carolTok, map[string]string{"conversation_id": convID, "content": "let me in"})
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp3.StatusCode)
}

func TestMessagesNewestWindowAscending(t *testing.T) {
	env := newTestEnv(t)
	_, aliceTok := env.provision(t, "alice")
	bobID, _ := env.provision(t, "bob")

	var convID string
	for i := 1; i <= 3; i++ {
		fields := map[string]string{"content": fmt.Sprintf("m%d", i)}
		if convID == "" {
			fields["recipient_id"] = bobID
		} else {
			fields["conversation_id"] = convID
		}
		resp := env.send(t, aliceTok, fields)
		var msgs []model.Message
		decodeResult(t, resp, &msgs)
		resp.Body.Close()
		require.NotEmpty(t, msgs)
		convID = msgs[0].ConversationID
	}

	resp := env.do(t, http.MethodGet, "/api/conversations/"+convID+"/messages?limit=2", aliceTok, nil, "")
	defer resp.Body.Close()
	var msgs []model.Message
	decodeResult(t, resp, &msgs)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[0].Content)
	assert.Equal(t, "m3", msgs[1].Content)
}

func TestConversationPaginationCursor(t *testing.T) {
	env := newTestEnv(t)
	_, aliceTok := env.provision(t, "alice")

	// Three conversations, touched in order: c with chris is the newest.
	for _, name := range []string{"adam", "beth", "chris"} {
		otherID, _ := env.provision(t, name)
		resp := env.send(t, aliceTok, map[string]string{"recipient_id": otherID, "content": "hi " + name})
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		time.Sleep(2 * time.Millisecond)
	}

	resp := env.do(t, http.MethodGet, "/api/conversations?limit=2", aliceTok, nil, "")
	var page1 []model.Conversation
	decodeResult(t, resp, &page1)
	resp.Body.Close()
	require.Len(t, page1, 2)
	assert.Equal(t, "chris", page1[0].Participant.Username)
	assert.Equal(t, "beth", page1[1].Participant.Username)

	resp2 := env.do(t, http.MethodGet, "/api/conversations?limit=2&before="+page1[1].ID, aliceTok, nil, "")
	var page2 []model.Conversation
	decodeResult(t, resp2, &page2)
	resp2.Body.Close()
	require.Len(t, page2, 1)
	assert.Equal(t, "adam", page2[0].Participant.Username)
}

func TestConversationsUnknownCursorIsClientError(t *testing.T) {
	env := newTestEnv(t)
	_, aliceTok := env.provision(t, "alice")
	bobID, _ := env.provision(t, "bob")
	resp := env.send(t, aliceTok, map[string]string{"recipient_id": bobID, "content": "hi"})
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	resp2 := env.do(t, http.MethodGet, "/api/conversations?before=no-such-id", aliceTok, nil, "")
	defer resp2.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp2.StatusCode)

	var envp model.Envelope
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&envp))
	assert.Equal(t, codeBadRequest, envp.Code)
	assert.Equal(t, "unknown cursor", envp.Message)
}

func TestSendWithAttachment(t *testing.T) {
	env := newTestEnv(t)
	_, aliceTok := env.provision(t, "alice")
	bobID, _ := env.provision(t, "bob")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("recipient_id", bobID))
	part, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("lecture notes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp := env.do(t, http.MethodPost, "/api/messages", aliceTok, &buf, mw.FormDataContentType())
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var msgs []model.Message
	decodeResult(t, resp, &msgs)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Attachment)
	assert.Equal(t, "notes.txt", msgs[0].Attachment.Name)
	require.True(t, strings.HasPrefix(msgs[0].Attachment.URL, "/api/files/"))

	// The stored file serves back decompressed without auth.
	resp2, err := http.Get(env.srv.URL + msgs[0].Attachment.URL)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	data, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	assert.Equal(t, "lecture notes", string(data))
}

func TestSendBlockedFileType(t *testing.T) {
	env := newTestEnv(t)
	_, aliceTok := env.provision(t, "alice")
	bobID, _ := env.provision(t, "bob")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("recipient_id", bobID))
	part, err := mw.CreateFormFile("file", "payload.exe")
	require.NoError(t, err)
	part.Write([]byte("MZ"))
	require.NoError(t, mw.Close())

	resp := env.do(t, http.MethodPost, "/api/messages", aliceTok, &buf, mw.FormDataContentType())
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReplyCarriesPreview(t *testing.T) {
	env := newTestEnv(t)
	_, aliceTok := env.provision(t, "alice")
	bobID, _ := env.provision(t, "bob")

	resp := env.send(t, aliceTok, map[string]string{"recipient_id": bobID, "content": "original"})
	var first []model.Message
	decodeResult(t, resp, &first)
	resp.Body.Close()
	require.Len(t, first, 1)

	resp2 := env.send(t, aliceTok, map[string]string{
		"conversation_id": first[0].ConversationID,
		"content":         "the reply",
		"reply_to_id":     first[0].ID,
	})
	var msgs []model.Message
	decodeResult(t, resp2, &msgs)
	resp2.Body.Close()
	require.Len(t, msgs, 2)
	require.NotNil(t, msgs[1].ReplyTo)
	assert.Equal(t, "original", msgs[1].ReplyTo.Content)
}

func TestOfflineRecipientGetsPush(t *testing.T) {
	env := newTestEnv(t)
	_, aliceTok := env.provision(t, "alice")
	bobID, _ := env.provision(t, "bob")

	resp := env.send(t, aliceTok, map[string]string{"recipient_id": bobID, "content": "wake up"})
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	require.Eventually(t, func() bool { return env.pushCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	env.mu.Lock()
	defer env.mu.Unlock()
	assert.Equal(t, bobID+":wake up", env.pushes[0])
}

func TestPushBodyTruncatesOnRuneBoundary(t *testing.T) {
	env := newTestEnv(t)
	_, aliceTok := env.provision(t, "alice")
	bobID, _ := env.provision(t, "bob")

	long := strings.Repeat("é", 200)
	resp := env.send(t, aliceTok, map[string]string{"recipient_id": bobID, "content": long})
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	require.Eventually(t, func() bool { return env.pushCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	env.mu.Lock()
	defer env.mu.Unlock()
	body := strings.TrimPrefix(env.pushes[0], bobID+":")
	assert.True(t, utf8.ValidString(body))
	assert.True(t, strings.HasSuffix(body, "..."))
	assert.Equal(t, 120, utf8.RuneCountInString(body))
}

func TestPushKeyDisabled(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/api/push/key")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPushSubscribeRoundtrip(t *testing.T) {
	env := newTestEnv(t)
	bobID, bobTok := env.provision(t, "bob")

	sub := `{"endpoint":"https://push.example/abc","keys":{"p256dh":"k1","auth":"a1"}}`
	resp := env.do(t, http.MethodPost, "/api/push/subscribe", bobTok, strings.NewReader(sub), "application/json")
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	stored, err := env.sessions.PushSubscriptions(context.Background(), bobID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.JSONEq(t, sub, stored[0])

	resp2 := env.do(t, http.MethodDelete, "/api/push/subscribe", bobTok,
		strings.NewReader(`{"endpoint":"https://push.example/abc"}`), "application/json")
	io.Copy(io.Discard, resp2.Body)
	resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	stored, err = env.sessions.PushSubscriptions(context.Background(), bobID)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestWebSocketNotifyOnNewMessage(t *testing.T) {
	env := newTestEnv(t)
	_, aliceTok := env.provision(t, "alice")
	bobID, bobTok := env.provision(t, "bob")

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	session := broker.NewSession(wsURL, bobID, 50*time.Millisecond, 0)

	var mu sync.Mutex
	var notified []string
	session.OnNotify = func(topic string, payload json.RawMessage) {
		var hint struct {
			ConversationID string `json:"conversation_id"`
		}
		json.Unmarshal(payload, &hint)
		mu.Lock()
		notified = append(notified, hint.ConversationID)
		mu.Unlock()
	}
	session.Activate(bobTok)
	defer session.Deactivate()
	require.Eventually(t, func() bool { return env.hub.UserOnline(bobID) }, 3*time.Second, 5*time.Millisecond)

	resp := env.send(t, aliceTok, map[string]string{"recipient_id": bobID, "content": "ping"})
	var msgs []model.Message
	decodeResult(t, resp, &msgs)
	resp.Body.Close()
	require.Len(t, msgs, 1)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(notified) == 1 && notified[0] == msgs[0].ConversationID
	}, 3*time.Second, 5*time.Millisecond)

	// An online recipient gets no Web Push.
	assert.Never(t, func() bool { return env.pushCount() > 0 }, 150*time.Millisecond, 10*time.Millisecond)
}
