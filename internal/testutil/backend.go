// Package testutil runs an in-process stand-in for the chat backend:
// the manager and chat API endpoints plus a scriptable websocket
// server.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/quickconnect/chat-sdk-go/internal/backend"
	"github.com/quickconnect/chat-sdk-go/internal/wire"
)

// Page is one scripted history page, keyed by the cursor that requests
// it ("" for the first page).
type Page struct {
	Results    []backend.ChatRecord
	NextCursor string
	HasMore    bool
}

// Backend is the fake server. Exported fields configure responses and
// record what the client did; guard direct access with Lock when the
// client is live.
type Backend struct {
	Server *httptest.Server

	mu sync.Mutex

	// Configuration.
	Token             string
	UserID            string
	ConversationID    string
	AssignedSupportID string
	SupportName       string
	SupportAvatar     string
	LastOnlineAt      time.Time
	Pages             map[string]Page
	RegisterStatus    int // non-zero forces this status on register
	EchoText          bool

	// Recordings.
	RegisterCalls int
	UpdateCalls   int
	LastFullname  string
	LastEmail     string
	AcceptCount   int
	Subprotocols  []string
	received      []wire.Frame

	msgSeq int
	conns  map[*websocket.Conn]struct{}
}

// NewBackend starts the fake server with sane defaults and registers
// its shutdown with t.
func NewBackend(t *testing.T) *Backend {
	t.Helper()

	b := &Backend{
		UserID:         "user-guest-1",
		ConversationID: "conv-1",
		SupportName:    "Sana",
		LastOnlineAt:   time.Now(),
		Pages:          make(map[string]Page),
		EchoText:       true,
		conns:          make(map[*websocket.Conn]struct{}),
	}
	b.Token = MintToken(t, b.UserID)

	r := chi.NewRouter()
	r.Post("/users/guest/register", b.handleRegister)
	r.Put("/users/guest/update", b.handleUpdate)
	r.Get("/conversations/active", b.handleActive)
	r.Post("/chats", b.handleChats)
	r.Get("/ws", b.handleWS)

	b.Server = httptest.NewServer(r)
	t.Cleanup(b.Server.Close)
	return b
}

// MintToken signs a throwaway JWT carrying a user_id claim.
func MintToken(t *testing.T, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"jti":     uuid.NewString(),
		"iat":     time.Now().Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign test token: %+v", err)
	}
	return signed
}

// ManagerURL returns the base URL of the fake manager service.
func (b *Backend) ManagerURL() string { return b.Server.URL }

// ChatAPIURL returns the base URL of the fake chat API.
func (b *Backend) ChatAPIURL() string { return b.Server.URL }

// WSURL returns the websocket endpoint URL.
func (b *Backend) WSURL() string {
	return "ws" + strings.TrimPrefix(b.Server.URL, "http") + "/ws"
}

// Lock takes the backend mutex for direct field access.
func (b *Backend) Lock() func() {
	b.mu.Lock()
	return b.mu.Unlock
}

// Received returns every frame the server read off its sockets.
func (b *Backend) Received() []wire.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]wire.Frame, len(b.received))
	copy(out, b.received)
	return out
}

// Push sends a frame to every connected client.
func (b *Backend) Push(t *testing.T, f wire.Frame) {
	t.Helper()
	data, err := wire.Encode(f)
	if err != nil {
		t.Fatalf("failed to encode push frame: %+v", err)
	}
	b.PushRaw(t, data)
}

// PushRaw sends raw bytes to every connected client, for malformed
// frame scenarios.
func (b *Backend) PushRaw(t *testing.T, data []byte) {
	t.Helper()
	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, c := range conns {
		if err := c.Write(ctx, websocket.MessageText, data); err != nil {
			t.Logf("push write failed: %+v", err)
		}
	}
}

// CloseConns force-closes every live socket from the server side.
func (b *Backend) CloseConns() {
	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "server closing")
	}
}

func (b *Backend) handleRegister(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.RegisterCalls++
	status := b.RegisterStatus
	token := b.Token
	b.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"qc_token": token})
}

func (b *Backend) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Fullname string `json:"fullname"`
		Email    string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	b.UpdateCalls++
	b.LastFullname = body.Fullname
	b.LastEmail = body.Email
	b.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleActive(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	resp := map[string]any{
		"id":                  b.ConversationID,
		"assigned_support_id": b.AssignedSupportID,
		"support_info": map[string]any{
			"fullname":       b.SupportName,
			"avatar":         b.SupportAvatar,
			"last_online_at": b.LastOnlineAt,
		},
	}
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (b *Backend) handleChats(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConversationID string `json:"conversation_id"`
		Pagination     struct {
			Cursor *string `json:"cursor"`
			Limit  int     `json:"limit"`
		} `json:"pagination"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	cursor := ""
	if body.Pagination.Cursor != nil {
		cursor = *body.Pagination.Cursor
	}

	b.mu.Lock()
	page := b.Pages[cursor]
	b.mu.Unlock()

	resp := map[string]any{
		"results": page.Results,
		"paginate": map[string]any{
			"next_cursor": page.NextCursor,
			"has_more":    page.HasMore,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (b *Backend) handleWS(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.AcceptCount++
	b.Subprotocols = append(b.Subprotocols, r.Header.Get("Sec-WebSocket-Protocol"))
	b.mu.Unlock()

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}

	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.conns, c)
		b.mu.Unlock()
		c.CloseNow()
	}()

	ctx := r.Context()
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}

		frame, err := wire.Decode(data)
		if err != nil {
			continue
		}

		b.mu.Lock()
		b.received = append(b.received, frame)
		echo := b.EchoText
		userID := b.UserID
		convID := b.ConversationID
		b.msgSeq++
		seq := b.msgSeq
		b.mu.Unlock()

		tf, ok := frame.(wire.TextFrame)
		if !ok || !echo {
			continue
		}

		out, err := wire.Encode(wire.TextFrame{
			ClientMessageID: tf.ClientMessageID,
			Payload: &wire.TextPayload{
				ID:             fmt.Sprintf("m%d", seq),
				SenderID:       userID,
				Content:        tf.Content,
				CreatedAt:      time.Now(),
				ConversationID: convID,
			},
		})
		if err != nil {
			continue
		}
		if err := c.Write(ctx, websocket.MessageText, out); err != nil {
			return
		}
	}
}
