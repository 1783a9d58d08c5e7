package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quickconnect/chat-sdk-go/internal/wire"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "disconnected"
	}
}

// FrameHandler consumes inbound frames decoded off the socket.
type FrameHandler interface {
	HandleText(wire.TextFrame)
	HandleSystem(wire.SystemFrame)
}

// Capped backoff for reconnects: the delay climbs through the sequence
// and stays at the last entry.
var defaultReconnectDelays = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
}

const (
	defaultHeartbeatEvery = 50 * time.Second
	writeTimeout          = 10 * time.Second
	dialTimeout           = 10 * time.Second
)

// ConnOptions configures a Conn. Zero intervals fall back to defaults.
type ConnOptions struct {
	// URL of the chat websocket endpoint.
	URL string

	// Token is the session token, carried as the websocket
	// sub-protocol the way the server expects.
	Token string

	ReconnectDelays []time.Duration
	HeartbeatEvery  time.Duration

	// OnStateChange, when set, is invoked after every state
	// transition. Called from connection goroutines; keep it cheap.
	OnStateChange func(State)
}

// Conn owns the websocket lifecycle: dialing, the read loop, the
// liveness heartbeat and bounded-backoff reconnects. It is the only
// writer on the socket handle.
type Conn struct {
	opts    ConnOptions
	handler FrameHandler
	convID  func() string

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	ws        *websocket.Conn
	attempts  int
	lastBeat  time.Time
	reconnect *time.Timer
	stopBeat  chan struct{}
	closed    bool
}

// NewConn returns a Conn that dispatches frames to handler. convID
// supplies the current conversation id for heartbeat frames; it may
// return "" while none is known.
func NewConn(opts ConnOptions, handler FrameHandler, convID func() string) *Conn {
	if len(opts.ReconnectDelays) == 0 {
		opts.ReconnectDelays = defaultReconnectDelays
	}
	if opts.HeartbeatEvery == 0 {
		opts.HeartbeatEvery = defaultHeartbeatEvery
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		opts:    opts,
		handler: handler,
		convID:  convID,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Connect dials the chat server. It is a no-op while a dial is in
// flight or a socket is already open; without this guard rapid
// triggers end up with duplicate sockets and duplicate sends.
func (c *Conn) Connect() {
	c.mu.Lock()
	if c.closed || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()

	c.notify(StateConnecting)
	go c.dial()
}

func (c *Conn) dial() {
	ctx, cancel := context.WithTimeout(c.ctx, dialTimeout)
	defer cancel()

	ws, resp, err := websocket.Dial(ctx, c.opts.URL, &websocket.DialOptions{
		Subprotocols: []string{c.opts.Token},
	})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.mu.Lock()
		attempt := c.attempts
		c.state = StateDisconnected
		c.mu.Unlock()

		log.Warn().Err(err).Int("attempt", attempt).Msg("[ws] dial failed")
		c.notify(StateDisconnected)
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close(websocket.StatusNormalClosure, "teardown")
		return
	}
	c.ws = ws
	c.state = StateOpen
	c.attempts = 0
	stop := make(chan struct{})
	c.stopBeat = stop
	c.mu.Unlock()

	log.Info().Str("url", c.opts.URL).Msg("[ws] connected")
	c.notify(StateOpen)

	go c.heartbeat(stop)
	go c.readLoop(ws)
}

// readLoop pulls frames until the socket dies. Malformed frames are
// dropped; they must never take the connection down.
func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(c.ctx)
		if err != nil {
			c.handleClose(ws, err)
			return
		}

		frame, err := wire.Decode(data)
		if err != nil {
			log.Warn().Err(err).Msg("[ws] dropping malformed frame")
			continue
		}

		switch f := frame.(type) {
		case wire.TextFrame:
			c.handler.HandleText(f)
		case wire.SystemFrame:
			c.handler.HandleSystem(f)
		}
	}
}

func (c *Conn) handleClose(ws *websocket.Conn, cause error) {
	c.mu.Lock()
	// A stale read loop from a previous socket must not touch the
	// current one.
	if c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.state = StateDisconnected
	if c.stopBeat != nil {
		close(c.stopBeat)
		c.stopBeat = nil
	}
	closed := c.closed
	c.mu.Unlock()

	c.notify(StateDisconnected)
	if closed {
		return
	}

	log.Warn().Err(cause).Msg("[ws] connection lost")
	c.scheduleReconnect()
}

func (c *Conn) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	idx := c.attempts
	if idx >= len(c.opts.ReconnectDelays) {
		idx = len(c.opts.ReconnectDelays) - 1
	}
	delay := c.opts.ReconnectDelays[idx]
	c.attempts++

	if c.reconnect != nil {
		c.reconnect.Stop()
	}
	c.reconnect = time.AfterFunc(delay, c.Connect)
	log.Info().Dur("delay", delay).Int("attempt", c.attempts).Msg("[ws] reconnect scheduled")
}

// heartbeat announces liveness while the socket is open and a
// conversation is known. The first beat fires immediately.
func (c *Conn) heartbeat(stop chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatEvery)
	defer ticker.Stop()

	beat := func() {
		id := c.convID()
		if id == "" {
			return
		}
		err := c.Send(wire.SystemFrame{SubType: wire.Online, ConversationID: id})
		if err != nil {
			log.Debug().Err(err).Msg("[ws] heartbeat send failed")
			return
		}
		c.mu.Lock()
		c.lastBeat = time.Now()
		c.mu.Unlock()
	}

	beat()
	for {
		select {
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

// Send encodes and writes a frame on the open socket.
func (c *Conn) Send(f wire.Frame) error {
	c.mu.Lock()
	ws := c.ws
	open := c.state == StateOpen
	c.mu.Unlock()

	if !open || ws == nil {
		return ErrNotConnected
	}

	data, err := wire.Encode(f)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("chat: socket write: %w", err)
	}
	return nil
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns how many reconnects have been scheduled since the
// last successful open.
func (c *Conn) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// LastHeartbeatAt returns when the last liveness signal went out.
func (c *Conn) LastHeartbeatAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastBeat
}

func (c *Conn) notify(s State) {
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

// Close tears the connection down for good: no further reconnects, all
// timers stopped. The Conn cannot be reused afterwards.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	if c.stopBeat != nil {
		close(c.stopBeat)
		c.stopBeat = nil
	}
	ws := c.ws
	c.ws = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.cancel()
	if ws != nil {
		ws.Close(websocket.StatusNormalClosure, "teardown")
	}
}
