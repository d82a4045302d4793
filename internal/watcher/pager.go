package watcher

import "context"

// HistoryPager is a lazy, restartable-by-construction sequence of change
// pages. Each pager is an independent walk from its start cursor; nothing is
// cached across pagers. The pager itself enforces no upper cursor bound.
type HistoryPager struct {
	mailbox    Mailbox
	start      Cursor
	eventTypes []string

	pageToken string
	begun     bool
	exhausted bool
}

// NewHistoryPager returns a pager over the principal's change log beginning
// at start, filtered to the given history event types.
func NewHistoryPager(mailbox Mailbox, start Cursor, eventTypes []string) *HistoryPager {
	return &HistoryPager{mailbox: mailbox, start: start, eventTypes: eventTypes}
}

// Next fetches the next page, blocking on the mailbox call. It returns
// (nil, nil) once the sequence is exhausted, which happens after the first
// page that carries no continuation token. Fetch errors propagate unwrapped;
// retry policy belongs to the caller or the collaborator.
func (p *HistoryPager) Next(ctx context.Context) (*ChangePage, error) {
	if p.exhausted {
		return nil, nil
	}
	if p.begun && p.pageToken == "" {
		p.exhausted = true
		return nil, nil
	}
	page, err := p.mailbox.ListHistory(ctx, p.start, p.pageToken, p.eventTypes)
	if err != nil {
		return nil, err
	}
	p.begun = true
	p.pageToken = page.NextPageToken
	return page, nil
}
