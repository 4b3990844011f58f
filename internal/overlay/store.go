package overlay

import "github.com/classline/messenger/internal/model"

// messageList is the in-memory message list of the focused conversation.
// Entries are kept in first-seen order and de-duplicated by id: broker
// re-delivery and fetch/push overlap must never produce duplicates.
// Not safe for concurrent use; the Overlay mutex guards it.
type messageList struct {
	order []model.Message
	seen  map[string]struct{}
}

func newMessageList() *messageList {
	return &messageList{seen: make(map[string]struct{})}
}

// Append adds m unless its id was already seen. Reports whether it was added.
func (l *messageList) Append(m model.Message) bool {
	if _, ok := l.seen[m.ID]; ok {
		return false
	}
	l.seen[m.ID] = struct{}{}
	l.order = append(l.order, m)
	return true
}

// SetHistory installs a fetched history page. Live frames that raced in while
// the fetch was in flight are kept after the page instead of being dropped:
// near the fetch/subscribe boundary a duplicate is acceptable, a lost message
// is not.
func (l *messageList) SetHistory(page []model.Message) {
	prior := l.order
	l.order = nil
	l.seen = make(map[string]struct{}, len(page)+len(prior))
	for _, m := range page {
		l.Append(m)
	}
	for _, m := range prior {
		l.Append(m)
	}
}

// ReplaceAll swaps the whole list for the server-returned one (the response
// of a send is authoritative for ordering and ids).
func (l *messageList) ReplaceAll(ms []model.Message) {
	l.order = nil
	l.seen = make(map[string]struct{}, len(ms))
	for _, m := range ms {
		l.Append(m)
	}
}

func (l *messageList) Reset() {
	l.order = nil
	l.seen = make(map[string]struct{})
}

// Snapshot returns a copy safe to hand to the UI.
func (l *messageList) Snapshot() []model.Message {
	out := make([]model.Message, len(l.order))
	copy(out, l.order)
	return out
}
