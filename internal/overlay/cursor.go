package overlay

// pager tracks the keyset cursor over the conversation list: beforeID only
// advances during scrolling, hasMore flips false exactly on the first page
// shorter than the page size, and at most one load is in flight at a time.
// Not safe for concurrent use; the Overlay mutex guards it.
type pager struct {
	beforeID       string
	hasMore        bool
	inFlight       bool
	pendingRefresh bool
}

func newPager() pager {
	return pager{hasMore: true}
}

// begin starts a load-more fetch. Returns false when a fetch is already in
// flight or the list is exhausted.
func (p *pager) begin() (before string, ok bool) {
	if p.inFlight || !p.hasMore {
		return "", false
	}
	p.inFlight = true
	return p.beforeID, true
}

// beginRefresh starts a from-the-top fetch (cursor reset to null), used when
// a notification hints that the list changed. If a fetch is in flight the
// refresh is queued and re-run by finish.
func (p *pager) beginRefresh() (before string, ok bool) {
	if p.inFlight {
		p.pendingRefresh = true
		return "", false
	}
	p.beforeID = ""
	p.hasMore = true
	p.inFlight = true
	return "", true
}

// finish records a completed page. lastID is the id of the page's last item
// (empty for an empty page). Reports whether a queued refresh should run now.
func (p *pager) finish(lastID string, got, pageSize int) (refreshQueued bool) {
	p.inFlight = false
	if got > 0 {
		p.beforeID = lastID
	}
	p.hasMore = got == pageSize
	refreshQueued = p.pendingRefresh
	p.pendingRefresh = false
	return refreshQueued
}

// fail aborts the in-flight fetch, leaving the cursor untouched for a retry.
func (p *pager) fail() {
	p.inFlight = false
}
