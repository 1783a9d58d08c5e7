// Package timeline owns the ordered message log the rest of the client
// reads and writes.
package timeline

import (
	"sync"
	"time"
)

// Status tracks the delivery state of an own message.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	// StatusRead is reserved for a server-driven read receipt; the
	// client never sets it on its own.
	StatusRead Status = "read"
)

// Message is a single entry in the timeline. System entries only carry
// Content; everything else describes a chat message.
type Message struct {
	ID            string
	CorrelationID string
	Content       string
	CreatedAt     time.Time
	IsOwn         bool
	Status        Status
	IsSystem      bool
}

// EventKind discriminates timeline change notifications.
type EventKind int

const (
	// EventAppended means a message was added at the end.
	EventAppended EventKind = iota
	// EventPrepended means history was merged in at the front.
	EventPrepended
	// EventUpdated means an existing message changed in place.
	EventUpdated
	// EventReset means the whole timeline was cleared.
	EventReset
)

// Event is a change notification delivered to subscribers.
type Event struct {
	Kind    EventKind
	Message Message
}

// Timeline is the ordered message log, insertion order being display
// order. It is safe for concurrent use.
type Timeline struct {
	mu       sync.Mutex
	messages []Message
	unread   int
	viewing  bool
	subs     []chan Event
}

// New returns an empty Timeline.
func New() *Timeline {
	return &Timeline{}
}

// Subscribe returns a channel of change events. Slow subscribers lose
// events rather than block writers.
func (t *Timeline) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	t.mu.Lock()
	t.subs = append(t.subs, ch)
	t.mu.Unlock()
	return ch
}

func (t *Timeline) publish(ev Event) {
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Append adds a message at the end of the timeline. Inbound messages
// arriving while the conversation is not being viewed bump the unread
// counter.
func (t *Timeline) Append(m Message) {
	t.mu.Lock()
	t.messages = append(t.messages, m)
	if !m.IsOwn && !m.IsSystem && !t.viewing {
		t.unread++
	}
	t.publish(Event{Kind: EventAppended, Message: m})
	t.mu.Unlock()
}

// Prepend merges older history in front of whatever is already there,
// leaving live and pending messages untouched.
func (t *Timeline) Prepend(ms []Message) {
	if len(ms) == 0 {
		return
	}
	t.mu.Lock()
	merged := make([]Message, 0, len(ms)+len(t.messages))
	merged = append(merged, ms...)
	merged = append(merged, t.messages...)
	t.messages = merged
	t.publish(Event{Kind: EventPrepended})
	t.mu.Unlock()
}

// ResolvePending finds the pending message carrying correlationID,
// marks it sent and adopts the server-assigned id. It reports whether a
// match was found.
func (t *Timeline) ResolvePending(correlationID, serverID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.messages {
		m := &t.messages[i]
		if m.CorrelationID != correlationID || m.Status != StatusPending {
			continue
		}
		if serverID != "" {
			m.ID = serverID
		}
		m.CorrelationID = ""
		m.Status = StatusSent
		t.publish(Event{Kind: EventUpdated, Message: *m})
		return true
	}
	return false
}

// Messages returns a copy of the log in display order.
func (t *Timeline) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Len returns the number of entries.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// Unread returns how many inbound messages arrived while not viewing.
func (t *Timeline) Unread() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unread
}

// SetViewing flags whether the conversation is currently on screen.
// Switching to viewing clears the unread counter.
func (t *Timeline) SetViewing(viewing bool) {
	t.mu.Lock()
	t.viewing = viewing
	if viewing {
		t.unread = 0
	}
	t.mu.Unlock()
}

// Reset drops every message, for a full session reset.
func (t *Timeline) Reset() {
	t.mu.Lock()
	t.messages = nil
	t.unread = 0
	t.publish(Event{Kind: EventReset})
	t.mu.Unlock()
}
