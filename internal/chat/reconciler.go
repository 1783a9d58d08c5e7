package chat

import (
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog/log"

	"github.com/quickconnect/chat-sdk-go/internal/timeline"
	"github.com/quickconnect/chat-sdk-go/internal/wire"
)

// Sender is the slice of the connection the reconciler and typing
// coordinator need.
type Sender interface {
	Send(wire.Frame) error
	State() State
}

// Reconciler guarantees at most one visible bubble per send action and
// correct attribution of inbound echoes. Outbound messages appear
// immediately as pending and are matched against the server echo by a
// client-generated correlation id.
type Reconciler struct {
	tl     *timeline.Timeline
	conn   Sender
	policy *bluemonday.Policy

	mu             sync.Mutex
	userID         string
	convID         string
	sending        bool
	onConversation func(id string)
}

// NewReconciler returns a Reconciler writing to tl and transmitting
// over conn. onConversation, when set, is told about a conversation id
// adopted from an inbound frame.
func NewReconciler(tl *timeline.Timeline, conn Sender, onConversation func(id string)) *Reconciler {
	return &Reconciler{
		tl:   tl,
		conn: conn,
		// Incoming content is sanitized to text before it reaches the
		// timeline.
		policy:         bluemonday.StrictPolicy(),
		onConversation: onConversation,
	}
}

// SetIdentity records the local user id used for self-echo detection.
func (r *Reconciler) SetIdentity(userID string) {
	r.mu.Lock()
	r.userID = userID
	r.mu.Unlock()
}

// SetConversation records the active conversation id.
func (r *Reconciler) SetConversation(id string) {
	r.mu.Lock()
	r.convID = id
	r.mu.Unlock()
}

// Conversation returns the active conversation id, or "".
func (r *Reconciler) Conversation() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.convID
}

// Send validates content, appends an optimistic pending message and
// transmits it. A send still in flight suppresses a second one, so a
// double Enter cannot produce two bubbles.
func (r *Reconciler) Send(content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return &ValidationError{Reason: "empty message content"}
	}
	if r.conn.State() != StateOpen {
		return ErrNotConnected
	}

	r.mu.Lock()
	if r.sending {
		r.mu.Unlock()
		return ErrSendInFlight
	}
	r.sending = true
	convID := r.convID
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.sending = false
		r.mu.Unlock()
	}()

	corr := "local_" + shortuuid.New()
	r.tl.Append(timeline.Message{
		ID:            corr,
		CorrelationID: corr,
		Content:       content,
		CreatedAt:     time.Now(),
		IsOwn:         true,
		Status:        timeline.StatusPending,
	})

	err := r.conn.Send(wire.TextFrame{
		ClientMessageID: corr,
		Content:         content,
		ConversationID:  convID,
	})
	if err != nil {
		// The pending bubble stays; the next successful echo or a
		// session reset cleans it up.
		log.Warn().Err(err).Str("correlation_id", corr).Msg("[chat] send transmit failed")
		return err
	}
	return nil
}

// HandleText applies inbound text frames in strict precedence order:
// reconcile an echo first, then discard unmatched self-echoes, and only
// then append as a genuine inbound message. A message must never show
// up twice.
func (r *Reconciler) HandleText(f wire.TextFrame) {
	r.mu.Lock()
	userID := r.userID
	convID := r.convID
	r.mu.Unlock()

	var p wire.TextPayload
	if f.Payload != nil {
		p = *f.Payload
	}

	// 1. Echo of one of our pending sends.
	if f.ClientMessageID != "" && r.tl.ResolvePending(f.ClientMessageID, p.ID) {
		return
	}

	// 2. Self-originated frame with nothing pending to match. This
	// happens after a reload or a lost race; rendering it would
	// duplicate the bubble.
	if userID != "" && p.SenderID == userID {
		log.Debug().Str("message_id", p.ID).Msg("[chat] discarding unmatched self echo")
		return
	}

	// 3. Genuine inbound message.
	if convID == "" && p.ConversationID != "" {
		r.SetConversation(p.ConversationID)
		if r.onConversation != nil {
			r.onConversation(p.ConversationID)
		}
	}

	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	r.tl.Append(timeline.Message{
		ID:        p.ID,
		Content:   r.policy.Sanitize(p.Content),
		CreatedAt: created,
		IsOwn:     false,
		Status:    timeline.StatusSent,
	})
}
