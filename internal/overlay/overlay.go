// Package overlay implements the messaging overlay session: one broker
// connection, one focused conversation, a de-duplicated message list and a
// keyset-paged conversation list.
package overlay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/classline/messenger/internal/api"
	"github.com/classline/messenger/internal/broker"
	"github.com/classline/messenger/internal/logger"
	"github.com/classline/messenger/internal/model"
)

const fetchTimeout = 10 * time.Second

// ErrNoConversation is returned by Send when nothing is focused.
var ErrNoConversation = errors.New("overlay: no focused conversation")

// API is the REST surface the overlay consumes.
type API interface {
	Conversations(ctx context.Context, before string, limit int) ([]model.Conversation, error)
	Messages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
	Send(ctx context.Context, req api.SendRequest) ([]model.Message, error)
}

// Broker is the connection surface the overlay drives. *broker.Session
// implements it; its callbacks are wired to HandleConnect/HandleNotify/
// HandleMessage.
type Broker interface {
	Activate(token string)
	Deactivate()
	Subscribe(topic string)
	Unsubscribe(topic string)
}

// Overlay owns the state of one open messaging overlay. Create a fresh one
// per open: closing and reopening must yield a fresh connection, never reuse
// a stale one.
type Overlay struct {
	api      API
	session  Broker
	userID   string
	pageSize int

	mu            sync.Mutex
	open          bool
	connected     bool
	focused       string
	pendingFocus  string
	conversations []model.Conversation
	pager         pager
	messages      *messageList
	draftFile     *api.File
	draftReplyTo  string

	onUpdate func()
}

func New(client API, session Broker, userID string, pageSize int) *Overlay {
	if pageSize <= 0 {
		pageSize = 20
	}
	return &Overlay{
		api:      client,
		session:  session,
		userID:   userID,
		pageSize: pageSize,
		pager:    newPager(),
		messages: newMessageList(),
	}
}

// SetOnUpdate registers a hook fired after any state change the UI should
// re-render for. Called without the overlay lock held.
func (o *Overlay) SetOnUpdate(fn func()) {
	o.onUpdate = fn
}

// Open activates the broker connection. Non-blocking; the conversation list
// loads once the connection is up.
func (o *Overlay) Open(token string) {
	o.mu.Lock()
	if o.open {
		o.mu.Unlock()
		return
	}
	o.open = true
	o.mu.Unlock()

	o.session.Activate(token)
}

// Close unfocuses, deactivates the connection and resets all state so a
// reopen starts clean. Idempotent.
func (o *Overlay) Close() {
	o.Unfocus()

	o.mu.Lock()
	if !o.open {
		o.mu.Unlock()
		return
	}
	o.open = false
	o.connected = false
	o.conversations = nil
	o.pager = newPager()
	o.messages.Reset()
	o.draftFile = nil
	o.draftReplyTo = ""
	o.mu.Unlock()

	o.session.Deactivate()
}

// HandleConnect runs on every successful broker connect: refresh the
// conversation list from the top and flush a focus that was deferred while
// disconnected (it runs exactly once).
func (o *Overlay) HandleConnect() {
	o.mu.Lock()
	if !o.open {
		o.mu.Unlock()
		return
	}
	o.connected = true
	pending := o.pendingFocus
	o.pendingFocus = ""
	o.mu.Unlock()

	o.loadConversations(true)
	if pending != "" {
		o.Focus(pending)
	}
}

// HandleNotify reacts to a frame on the viewer's notification topic. The
// payload is deliberately ignored: it is untyped upstream and only ever used
// as a hint to refetch the conversation list from the beginning.
func (o *Overlay) HandleNotify(topic string, payload json.RawMessage) {
	_ = payload
	o.loadConversations(true)
}

// HandleMessage handles a frame on a conversation topic: parse, drop if
// malformed or not for the focused conversation, append with de-duplication,
// then refresh the conversation list (decoupled from the append so a refresh
// failure never blocks message display).
func (o *Overlay) HandleMessage(topic string, payload json.RawMessage) {
	var m model.Message
	if err := json.Unmarshal(payload, &m); err != nil || m.ID == "" {
		logger.Errorf("overlay: drop malformed message frame on %s: %v", topic, err)
		return
	}

	o.mu.Lock()
	if !o.open || o.focused == "" || topic != broker.ConversationTopic(o.focused) {
		// A frame for an unfocused conversation must not leak into the view.
		o.mu.Unlock()
		return
	}
	added := o.messages.Append(m)
	o.mu.Unlock()

	if added {
		o.update()
	}
	o.loadConversations(true)
}

// Focus switches the live stream to conversationID: tear down the previous
// conversation's subscription first, subscribe the new topic, fetch the
// initial message page. Before the connection is up the focus is deferred and
// applied once on connect.
func (o *Overlay) Focus(conversationID string) {
	o.mu.Lock()
	if !o.open || conversationID == "" {
		o.mu.Unlock()
		return
	}
	if !o.connected {
		o.pendingFocus = conversationID
		o.mu.Unlock()
		return
	}
	if o.focused == conversationID {
		o.mu.Unlock()
		return
	}
	prev := o.focused
	o.focused = conversationID
	o.messages.Reset()
	o.mu.Unlock()

	if prev != "" {
		o.session.Unsubscribe(broker.ConversationTopic(prev))
	}
	// Subscribe before fetching history: an occasional duplicate near the
	// boundary is absorbed by de-duplication, a missed frame is not.
	o.session.Subscribe(broker.ConversationTopic(conversationID))
	go o.fetchMessages(conversationID)
}

// Unfocus tears down the current conversation subscription. Idempotent and
// safe with no active subscription.
func (o *Overlay) Unfocus() {
	o.mu.Lock()
	prev := o.focused
	o.focused = ""
	o.pendingFocus = ""
	o.messages.Reset()
	o.mu.Unlock()

	if prev != "" {
		o.session.Unsubscribe(broker.ConversationTopic(prev))
	}
}

func (o *Overlay) fetchMessages(conversationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	page, err := o.api.Messages(ctx, conversationID, o.pageSize)
	if err != nil {
		logger.Errorf("overlay: fetch messages %s: %v", conversationID, err)
		return
	}

	o.mu.Lock()
	// Stale-response guard: apply only if this conversation is still focused.
	if o.focused != conversationID {
		o.mu.Unlock()
		return
	}
	o.messages.SetHistory(page)
	o.mu.Unlock()
	o.update()
}

// LoadMoreConversations fetches the next page of the conversation list. The
// pager suppresses concurrent loads and loads past the end; the caller only
// supplies the trigger (the UI's near-bottom scroll heuristic).
func (o *Overlay) LoadMoreConversations() {
	o.loadConversations(false)
}

func (o *Overlay) loadConversations(refresh bool) {
	o.mu.Lock()
	if !o.open {
		o.mu.Unlock()
		return
	}
	var before string
	var ok bool
	if refresh {
		before, ok = o.pager.beginRefresh()
	} else {
		before, ok = o.pager.begin()
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		page, err := o.api.Conversations(ctx, before, o.pageSize)

		o.mu.Lock()
		if err != nil {
			o.pager.fail()
			o.mu.Unlock()
			logger.Errorf("overlay: fetch conversations: %v", err)
			return
		}
		if before == "" {
			o.conversations = page
		} else {
			o.conversations = append(o.conversations, page...)
		}
		lastID := ""
		if len(page) > 0 {
			lastID = page[len(page)-1].ID
		}
		again := o.pager.finish(lastID, len(page), o.pageSize)
		o.mu.Unlock()

		o.update()
		if again {
			o.loadConversations(true)
		}
	}()
}

// AttachFile stages a file for the next send.
func (o *Overlay) AttachFile(f *api.File) {
	o.mu.Lock()
	o.draftFile = f
	o.mu.Unlock()
}

// SetReplyTo stages a reply reference for the next send.
func (o *Overlay) SetReplyTo(messageID string) {
	o.mu.Lock()
	o.draftReplyTo = messageID
	o.mu.Unlock()
}

// Send submits content plus any staged file/reply to the focused
// conversation and replaces the local message list with the server's
// response. The staged draft state is cleared only on success, so a failed
// send can be retried as-is.
func (o *Overlay) Send(ctx context.Context, content string) error {
	o.mu.Lock()
	conv := o.focused
	file := o.draftFile
	replyTo := o.draftReplyTo
	o.mu.Unlock()

	if conv == "" {
		return ErrNoConversation
	}
	// An empty send never reaches the network.
	if strings.TrimSpace(content) == "" && file == nil {
		return api.ErrEmptyMessage
	}

	msgs, err := o.api.Send(ctx, api.SendRequest{
		ConversationID: conv,
		Content:        content,
		ReplyToID:      replyTo,
		File:           file,
	})
	if err != nil {
		return err
	}

	o.mu.Lock()
	if o.focused == conv {
		o.messages.ReplaceAll(msgs)
	}
	o.draftFile = nil
	o.draftReplyTo = ""
	o.mu.Unlock()
	o.update()
	return nil
}

// Conversations returns a copy of the loaded conversation list.
func (o *Overlay) Conversations() []model.Conversation {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]model.Conversation, len(o.conversations))
	copy(out, o.conversations)
	return out
}

// Messages returns a copy of the focused conversation's message list.
func (o *Overlay) Messages() []model.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.messages.Snapshot()
}

// HasMoreConversations reports whether another page can be loaded.
func (o *Overlay) HasMoreConversations() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pager.hasMore
}

// Focused returns the focused conversation id ("" when none).
func (o *Overlay) Focused() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.focused
}

func (o *Overlay) update() {
	if o.onUpdate != nil {
		o.onUpdate()
	}
}
