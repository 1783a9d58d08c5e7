package chat

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/quickconnect/chat-sdk-go/internal/wire"
)

// TypingOptions tunes the typing coordinator. Zero values fall back to
// defaults.
type TypingOptions struct {
	// ThrottleWindow is how often at most a typing-started signal goes
	// out. First keystroke in a fresh window fires immediately.
	ThrottleWindow time.Duration

	// Expiry is how long an inbound typing indicator survives without
	// a follow-up signal. Covers lost typing-stopped packets.
	Expiry time.Duration
}

const (
	defaultThrottleWindow = 5 * time.Second
	defaultTypingExpiry   = 6 * time.Second
)

// Typing coordinates typing indicators in both directions: outbound
// signals are throttled, inbound ones auto-expire per sender.
type Typing struct {
	conn   Sender
	convID func() string
	opts   TypingOptions

	mu       sync.Mutex
	lim      *rate.Limiter
	typers   map[string]struct{}
	timers   map[string]*time.Timer
	onChange func()
}

// NewTyping returns a coordinator sending over conn. convID supplies
// the active conversation id; onChange, when set, fires after every
// change to the typing set.
func NewTyping(conn Sender, convID func() string, opts TypingOptions, onChange func()) *Typing {
	if opts.ThrottleWindow == 0 {
		opts.ThrottleWindow = defaultThrottleWindow
	}
	if opts.Expiry == 0 {
		opts.Expiry = defaultTypingExpiry
	}
	return &Typing{
		conn:     conn,
		convID:   convID,
		opts:     opts,
		lim:      rate.NewLimiter(rate.Every(opts.ThrottleWindow), 1),
		typers:   make(map[string]struct{}),
		timers:   make(map[string]*time.Timer),
		onChange: onChange,
	}
}

// NotifyLocalTyping sends a typing-started signal at most once per
// throttle window; suppressed calls are a silent no-op.
func (t *Typing) NotifyLocalTyping() error {
	id := t.convID()
	if id == "" {
		return &ValidationError{Reason: "no active conversation"}
	}

	t.mu.Lock()
	allowed := t.lim.Allow()
	t.mu.Unlock()
	if !allowed {
		return nil
	}

	return t.conn.Send(wire.SystemFrame{
		SubType:        wire.TypingStarted,
		ConversationID: id,
	})
}

// NotifyStoppedTyping sends a typing-stopped signal and resets the
// throttle window unconditionally, so the next keystroke fires again.
func (t *Typing) NotifyStoppedTyping() error {
	id := t.convID()
	if id == "" {
		return &ValidationError{Reason: "no active conversation"}
	}

	t.mu.Lock()
	t.lim = rate.NewLimiter(rate.Every(t.opts.ThrottleWindow), 1)
	t.mu.Unlock()

	return t.conn.Send(wire.SystemFrame{
		SubType:        wire.TypingStopped,
		ConversationID: id,
	})
}

// Started records an inbound typing-started signal from sender and
// (re)arms its expiry timer, replacing any prior one.
func (t *Typing) Started(sender string) {
	if sender == "" {
		return
	}
	t.mu.Lock()
	t.typers[sender] = struct{}{}
	if old := t.timers[sender]; old != nil {
		old.Stop()
	}
	t.timers[sender] = time.AfterFunc(t.opts.Expiry, func() { t.expire(sender) })
	t.mu.Unlock()
	t.notify()
}

// Stopped removes sender from the typing set and cancels its timer.
func (t *Typing) Stopped(sender string) {
	if sender == "" {
		return
	}
	t.mu.Lock()
	delete(t.typers, sender)
	if old := t.timers[sender]; old != nil {
		old.Stop()
		delete(t.timers, sender)
	}
	t.mu.Unlock()
	t.notify()
}

func (t *Typing) expire(sender string) {
	t.mu.Lock()
	delete(t.typers, sender)
	delete(t.timers, sender)
	t.mu.Unlock()

	log.Debug().Str("sender_id", sender).Msg("[chat] typing indicator expired")
	t.notify()
}

// Anyone reports whether the typing set is non-empty.
func (t *Typing) Anyone() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.typers) > 0
}

// Typers returns the ids currently typing.
func (t *Typing) Typers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.typers))
	for id := range t.typers {
		out = append(out, id)
	}
	return out
}

// Reset clears the typing set and stops every timer, for teardown.
func (t *Typing) Reset() {
	t.mu.Lock()
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
	clear(t.typers)
	t.mu.Unlock()
}

func (t *Typing) notify() {
	if t.onChange != nil {
		t.onChange()
	}
}
