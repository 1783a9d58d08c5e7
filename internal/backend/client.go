// Package backend talks to the external chat services over HTTP: the
// user manager (guest accounts) and the chat API (conversations and
// history).
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// presenceWindow is how recently the counterpart must have been seen to
// be shown as online.
const presenceWindow = 5 * time.Minute

// Client issues authenticated requests against the manager and chat
// API base URLs.
type Client struct {
	managerURL string
	chatAPIURL string
	http       *http.Client
}

// New returns a Client for the given base URLs.
func New(managerURL, chatAPIURL string) *Client {
	return &Client{
		managerURL: strings.TrimRight(managerURL, "/"),
		chatAPIURL: strings.TrimRight(chatAPIURL, "/"),
		http:       &http.Client{Timeout: 15 * time.Second},
	}
}

// Counterpart is the display info of whoever is on the other side of
// the conversation.
type Counterpart struct {
	DisplayName  string
	AvatarURL    string
	LastOnlineAt time.Time
	Online       bool
}

// Conversation is the one active conversation the client tracks.
type Conversation struct {
	ID          string
	Assigned    bool
	Counterpart Counterpart
}

// RegisterGuest creates a guest account and returns its token.
func (c *Client) RegisterGuest(ctx context.Context, fullname string) (string, error) {
	body, err := json.Marshal(map[string]string{"fullname": fullname})
	if err != nil {
		return "", fmt.Errorf("backend: encode register body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.managerURL+"/users/guest/register", bytes.NewReader(body))
	if err != nil {
		return "", &AuthError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &AuthError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &AuthError{Status: resp.StatusCode}
	}

	var out struct {
		Token string `json:"qc_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &AuthError{Err: fmt.Errorf("decode register response: %w", err)}
	}
	if out.Token == "" {
		return "", &AuthError{Err: errors.New("register response carried no token")}
	}
	return out.Token, nil
}

// UpdateGuestProfile sets the guest's display name and email.
func (c *Client) UpdateGuestProfile(ctx context.Context, token, fullname, email string) error {
	body, err := json.Marshal(map[string]string{
		"fullname": fullname,
		"email":    email,
	})
	if err != nil {
		return fmt.Errorf("backend: encode profile body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.managerURL+"/users/guest/update", bytes.NewReader(body))
	if err != nil {
		return &NetworkError{Op: "profile update", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: "profile update", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &NetworkError{Op: "profile update", Status: resp.StatusCode}
	}
	return nil
}

// ActiveConversation fetches the visitor's active conversation. It
// returns nil without error when the server reports none yet.
func (c *Client) ActiveConversation(ctx context.Context, token string) (*Conversation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.chatAPIURL+"/conversations/active", nil)
	if err != nil {
		return nil, &NetworkError{Op: "conversation resolve", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: "conversation resolve", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &NetworkError{Op: "conversation resolve", Status: resp.StatusCode}
	}

	var out struct {
		ID                string `json:"id"`
		AssignedSupportID string `json:"assigned_support_id"`
		SupportInfo       struct {
			Fullname     string    `json:"fullname"`
			Avatar       string    `json:"avatar"`
			LastOnlineAt time.Time `json:"last_online_at"`
		} `json:"support_info"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &NetworkError{Op: "conversation resolve", Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.ID == "" {
		return nil, nil
	}

	return &Conversation{
		ID:       out.ID,
		Assigned: out.AssignedSupportID != "",
		Counterpart: Counterpart{
			DisplayName:  out.SupportInfo.Fullname,
			AvatarURL:    out.SupportInfo.Avatar,
			LastOnlineAt: out.SupportInfo.LastOnlineAt,
			Online:       IsOnline(out.SupportInfo.LastOnlineAt, time.Now()),
		},
	}, nil
}

// IsOnline reports whether someone last seen at last counts as online
// at now. Future timestamps (clock skew) do not.
func IsOnline(last, now time.Time) bool {
	if last.IsZero() {
		return false
	}
	d := now.Sub(last)
	return d >= 0 && d < presenceWindow
}

// ChatRecord is one historical message as the chat API returns it.
type ChatRecord struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatPage is one page of history. Results arrive newest-first.
type ChatPage struct {
	Results    []ChatRecord
	NextCursor string
	HasMore    bool
}

// FetchChats fetches one page of conversation history. An empty cursor
// requests the first (most recent) page.
func (c *Client) FetchChats(ctx context.Context, token, conversationID, cursor string, limit int) (*ChatPage, error) {
	type pagination struct {
		Cursor *string `json:"cursor"`
		Limit  int     `json:"limit"`
	}
	reqBody := struct {
		ConversationID string     `json:"conversation_id"`
		Pagination     pagination `json:"pagination"`
	}{
		ConversationID: conversationID,
		Pagination:     pagination{Limit: limit},
	}
	if cursor != "" {
		reqBody.Pagination.Cursor = &cursor
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("backend: encode chats body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.chatAPIURL+"/chats", bytes.NewReader(body))
	if err != nil {
		return nil, &NetworkError{Op: "history fetch", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: "history fetch", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &NetworkError{Op: "history fetch", Status: resp.StatusCode}
	}

	var out struct {
		Results  []ChatRecord `json:"results"`
		Paginate struct {
			NextCursor string `json:"next_cursor"`
			HasMore    bool   `json:"has_more"`
		} `json:"paginate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &NetworkError{Op: "history fetch", Err: fmt.Errorf("decode response: %w", err)}
	}

	return &ChatPage{
		Results:    out.Results,
		NextCursor: out.Paginate.NextCursor,
		HasMore:    out.Paginate.HasMore,
	}, nil
}
