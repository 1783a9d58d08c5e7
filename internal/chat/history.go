package chat

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/quickconnect/chat-sdk-go/internal/backend"
	"github.com/quickconnect/chat-sdk-go/internal/timeline"
)

// HistoryAPI is the slice of the backend client the pager needs.
type HistoryAPI interface {
	FetchChats(ctx context.Context, token, conversationID, cursor string, limit int) (*backend.ChatPage, error)
}

const defaultPageLimit = 20

// Pager backfills past messages page by page, merging them in front of
// the live timeline. Each cursor is fetched at most once and only one
// fetch runs at a time.
type Pager struct {
	api   HistoryAPI
	tl    *timeline.Timeline
	limit int

	mu        sync.Mutex
	inFlight  bool
	cursor    string
	hasMore   bool
	exhausted bool
}

// NewPager returns a Pager reading pages of limit messages. limit <= 0
// falls back to the default.
func NewPager(api HistoryAPI, tl *timeline.Timeline, limit int) *Pager {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	return &Pager{
		api:     api,
		tl:      tl,
		limit:   limit,
		hasMore: true,
	}
}

// LoadMore fetches the next page and prepends it to the timeline.
// Concurrent calls while a fetch is in flight coalesce into a no-op, as
// does any call after the history is exhausted.
func (p *Pager) LoadMore(ctx context.Context, token, conversationID, userID string) error {
	p.mu.Lock()
	if p.inFlight || p.exhausted {
		p.mu.Unlock()
		return nil
	}
	p.inFlight = true
	cursor := p.cursor
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inFlight = false
		p.mu.Unlock()
	}()

	page, err := p.api.FetchChats(ctx, token, conversationID, cursor, p.limit)
	if err != nil {
		// Retried on the next trigger; the cursor has not moved.
		log.Warn().Err(err).Str("cursor", cursor).Msg("[chat] history fetch failed")
		return err
	}

	// The server returns newest-first; the timeline wants oldest-first.
	msgs := make([]timeline.Message, 0, len(page.Results))
	for i := len(page.Results) - 1; i >= 0; i-- {
		rec := page.Results[i]
		msgs = append(msgs, timeline.Message{
			ID:        rec.ID,
			Content:   rec.Content,
			CreatedAt: rec.CreatedAt,
			IsOwn:     rec.SenderID == userID,
			Status:    timeline.StatusSent,
		})
	}

	p.mu.Lock()
	p.cursor = page.NextCursor
	p.hasMore = page.HasMore
	if !page.HasMore || len(page.Results) == 0 {
		p.exhausted = true
	}
	p.mu.Unlock()

	p.tl.Prepend(msgs)
	return nil
}

// HasMore reports whether another page may exist.
func (p *Pager) HasMore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasMore && !p.exhausted
}

// Loaded reports whether at least the first page was fetched.
func (p *Pager) Loaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exhausted || p.cursor != ""
}

// Reset forgets all pagination state, for a full session reset.
func (p *Pager) Reset() {
	p.mu.Lock()
	p.cursor = ""
	p.hasMore = true
	p.exhausted = false
	p.inFlight = false
	p.mu.Unlock()
}
