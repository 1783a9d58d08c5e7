// Package chat implements the client-side chat engine: websocket
// lifecycle, optimistic send with echo reconciliation, typing
// coordination and history backfill. It is headless; a presentation
// layer observes the timeline and drives the engine.
package chat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quickconnect/chat-sdk-go/internal/backend"
	"github.com/quickconnect/chat-sdk-go/internal/config"
	"github.com/quickconnect/chat-sdk-go/internal/session"
	"github.com/quickconnect/chat-sdk-go/internal/timeline"
	"github.com/quickconnect/chat-sdk-go/internal/wire"
)

// presenceRecheck is how long after a peer liveness signal the
// conversation is re-resolved to refresh presence.
const presenceRecheck = 60 * time.Second

const (
	welcomeText      = "Welcome to support chat!"
	profileSavedText = "Your info was saved."
)

// Engine wires the session store, the backend client, the websocket
// connection and the timeline into one chat client instance. All state
// lives here or below; there are no package-level globals.
type Engine struct {
	cfg    config.Config
	store  *session.Store
	api    *backend.Client
	boot   *session.Bootstrapper
	tl     *timeline.Timeline
	rec    *Reconciler
	typing *Typing
	pager  *Pager

	// OnStateChange, when set before Start, observes connection state
	// transitions.
	OnStateChange func(State)

	mu           sync.Mutex
	conn         *Conn
	sess         *session.Session
	conv         *backend.Conversation
	resolveTimer *time.Timer
	welcomed     bool
}

// NewEngine builds an Engine from cfg. Call Start to bring it up and
// Close to tear it down.
func NewEngine(cfg config.Config) (*Engine, error) {
	store, err := session.OpenStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	api := backend.New(cfg.ManagerURL, cfg.ChatAPIURL)

	e := &Engine{
		cfg:   cfg,
		store: store,
		api:   api,
		boot:  session.NewBootstrapper(store, api, cfg.GuestName),
		tl:    timeline.New(),
	}
	e.rec = NewReconciler(e.tl, e, e.adoptConversation)
	e.typing = NewTyping(e, e.Conversation, TypingOptions{}, nil)
	e.pager = NewPager(api, e.tl, defaultPageLimit)
	return e, nil
}

// Start bootstraps the session, resolves the conversation and opens the
// websocket. A registration failure is returned so the caller can show
// a disconnected state; everything after that recovers on its own.
func (e *Engine) Start(ctx context.Context) error {
	sess, err := e.boot.Bootstrap(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.sess = sess
	e.mu.Unlock()
	e.rec.SetIdentity(sess.UserID)

	// Pick up where the last run left off.
	if id, err := e.store.ConversationID(); err == nil && id != "" {
		e.rec.SetConversation(id)
	}

	e.resolveConversation(ctx)

	conn := NewConn(ConnOptions{
		URL:           e.cfg.ChatWSURL,
		Token:         sess.Token,
		OnStateChange: e.onConnState,
	}, e, e.Conversation)

	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()

	conn.Connect()
	return nil
}

// resolveConversation fetches the active conversation. Failures are
// logged and retried opportunistically on the next open or heartbeat
// acknowledgment.
func (e *Engine) resolveConversation(ctx context.Context) {
	sess := e.session()
	if sess == nil {
		return
	}

	conv, err := e.api.ActiveConversation(ctx, sess.Token)
	if err != nil {
		log.Warn().Err(err).Msg("[chat] conversation resolve failed")
		return
	}
	if conv == nil {
		return
	}

	e.mu.Lock()
	e.conv = conv
	e.mu.Unlock()

	e.rec.SetConversation(conv.ID)
	if err := e.store.SetConversationID(conv.ID); err != nil {
		log.Debug().Err(err).Msg("[chat] failed to persist conversation id")
	}
}

// adoptConversation records a conversation id first learned from an
// inbound frame.
func (e *Engine) adoptConversation(id string) {
	if err := e.store.SetConversationID(id); err != nil {
		log.Debug().Err(err).Msg("[chat] failed to persist conversation id")
	}
}

func (e *Engine) onConnState(s State) {
	if s == StateOpen {
		e.maybeWelcome()

		e.mu.Lock()
		unresolved := e.conv == nil
		e.mu.Unlock()
		if unresolved {
			// A resolve that failed before this open gets another shot.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				e.resolveConversation(ctx)
			}()
		}
	}

	if e.OnStateChange != nil {
		e.OnStateChange(s)
	}
}

// maybeWelcome greets a visitor whose conversation has no history yet.
// At most once per engine lifetime.
func (e *Engine) maybeWelcome() {
	e.mu.Lock()
	welcome := !e.welcomed && e.tl.Len() == 0 && e.pager.Loaded()
	if welcome {
		e.welcomed = true
	}
	e.mu.Unlock()

	if welcome {
		e.tl.Append(timeline.Message{
			Content:   welcomeText,
			CreatedAt: time.Now(),
			IsSystem:  true,
		})
	}
}

// HandleText dispatches an inbound text frame to the reconciler.
func (e *Engine) HandleText(f wire.TextFrame) {
	e.rec.HandleText(f)
}

// HandleSystem dispatches an inbound system frame by sub-type.
func (e *Engine) HandleSystem(f wire.SystemFrame) {
	var sender string
	if f.Payload != nil {
		sender = f.Payload.SenderID
	}

	switch f.SubType {
	case wire.TypingStarted:
		e.typing.Started(sender)
	case wire.TypingStopped:
		e.typing.Stopped(sender)
	case wire.Online:
		e.peerOnline()
	}
}

// peerOnline refreshes counterpart presence from a liveness signal and
// schedules a re-resolve once the signal goes quiet.
func (e *Engine) peerOnline() {
	e.mu.Lock()
	if e.conv != nil {
		e.conv.Counterpart.Online = true
		e.conv.Counterpart.LastOnlineAt = time.Now()
	}
	if e.resolveTimer != nil {
		e.resolveTimer.Stop()
	}
	e.resolveTimer = time.AfterFunc(presenceRecheck, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		e.resolveConversation(ctx)
	})
	e.mu.Unlock()
}

// SendMessage sends content as a chat message. A successful send also
// clears the local typing indicator.
func (e *Engine) SendMessage(content string) error {
	if err := e.rec.Send(content); err != nil {
		return err
	}
	if err := e.typing.NotifyStoppedTyping(); err != nil {
		log.Debug().Err(err).Msg("[chat] typing stop after send failed")
	}
	return nil
}

// NotifyTyping signals that the local user is typing, throttled.
func (e *Engine) NotifyTyping() error {
	return e.typing.NotifyLocalTyping()
}

// StopTyping signals that the local user stopped typing.
func (e *Engine) StopTyping() error {
	return e.typing.NotifyStoppedTyping()
}

// LoadHistory fetches the next page of past messages into the
// timeline.
func (e *Engine) LoadHistory(ctx context.Context) error {
	sess := e.session()
	if sess == nil {
		return &ValidationError{Reason: "session not bootstrapped"}
	}
	convID := e.Conversation()
	if convID == "" {
		return &ValidationError{Reason: "no active conversation"}
	}
	if err := e.pager.LoadMore(ctx, sess.Token, convID, sess.UserID); err != nil {
		return err
	}
	e.maybeWelcome()
	return nil
}

// UpdateProfile submits the guest's display name and email and notes
// the result in the timeline.
func (e *Engine) UpdateProfile(ctx context.Context, fullname, email string) error {
	if fullname == "" {
		return &ValidationError{Reason: "empty display name"}
	}
	sess := e.session()
	if sess == nil {
		return &ValidationError{Reason: "session not bootstrapped"}
	}
	if sess.UserState != session.UserStateGuest {
		return &ValidationError{Reason: "profile update is only for guest sessions"}
	}

	if err := e.api.UpdateGuestProfile(ctx, sess.Token, fullname, email); err != nil {
		return err
	}

	e.tl.Append(timeline.Message{
		Content:   profileSavedText,
		CreatedAt: time.Now(),
		IsSystem:  true,
	})
	return nil
}

// Timeline exposes the message log for observation.
func (e *Engine) Timeline() *timeline.Timeline {
	return e.tl
}

// Conversation returns the active conversation id, or "".
func (e *Engine) Conversation() string {
	return e.rec.Conversation()
}

// Counterpart returns the counterpart info from the last resolve, or
// nil.
func (e *Engine) Counterpart() *backend.Counterpart {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conv == nil {
		return nil
	}
	cp := e.conv.Counterpart
	return &cp
}

// SetViewing flags whether the conversation is on screen; viewing
// clears the unread counter.
func (e *Engine) SetViewing(viewing bool) {
	e.tl.SetViewing(viewing)
}

// StatusLine derives the header status: typing wins over online, and a
// dead socket shows as connecting.
func (e *Engine) StatusLine() string {
	if e.State() != StateOpen {
		return "connecting"
	}
	if e.typing.Anyone() {
		return "typing"
	}

	e.mu.Lock()
	conv := e.conv
	e.mu.Unlock()
	if conv != nil && !conv.Counterpart.Online && !conv.Counterpart.LastOnlineAt.IsZero() {
		return "last seen " + conv.Counterpart.LastOnlineAt.Format("15:04")
	}
	return "online"
}

// Send implements Sender by forwarding to the current connection.
func (e *Engine) Send(f wire.Frame) error {
	conn := e.connRef()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(f)
}

// State implements Sender.
func (e *Engine) State() State {
	conn := e.connRef()
	if conn == nil {
		return StateDisconnected
	}
	return conn.State()
}

// Logout clears the persisted session, drops all local state and
// closes the socket for good.
func (e *Engine) Logout() error {
	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	e.sess = nil
	e.conv = nil
	if e.resolveTimer != nil {
		e.resolveTimer.Stop()
		e.resolveTimer = nil
	}
	e.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	e.typing.Reset()
	e.pager.Reset()
	e.rec.SetConversation("")
	e.tl.Reset()
	return e.store.Clear()
}

// Close tears the engine down: socket closed, timers stopped, store
// released. The session itself stays persisted for the next run.
func (e *Engine) Close() error {
	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	if e.resolveTimer != nil {
		e.resolveTimer.Stop()
		e.resolveTimer = nil
	}
	e.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	e.typing.Reset()
	return e.store.Close()
}

func (e *Engine) session() *session.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess
}

func (e *Engine) connRef() *Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}
