package backend_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quickconnect/chat-sdk-go/internal/backend"
	"github.com/quickconnect/chat-sdk-go/internal/testutil"
)

func TestRegisterGuest(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		b := testutil.NewBackend(t)
		c := backend.New(b.ManagerURL(), b.ChatAPIURL())

		token, err := c.RegisterGuest(context.Background(), "Guest Visitor")
		if err != nil {
			t.Fatalf("RegisterGuest() error = %+v", err)
		}
		if token != b.Token {
			t.Errorf("token = %q, want %q", token, b.Token)
		}

		unlock := b.Lock()
		calls := b.RegisterCalls
		unlock()
		if calls != 1 {
			t.Errorf("register calls = %d, want 1", calls)
		}
	})

	t.Run("server error", func(t *testing.T) {
		b := testutil.NewBackend(t)
		b.RegisterStatus = 500
		c := backend.New(b.ManagerURL(), b.ChatAPIURL())

		_, err := c.RegisterGuest(context.Background(), "Guest Visitor")
		var authErr *backend.AuthError
		if !errors.As(err, &authErr) {
			t.Fatalf("error = %+v, want AuthError", err)
		}
		if authErr.Status != 500 {
			t.Errorf("AuthError.Status = %d, want 500", authErr.Status)
		}
	})

	t.Run("unreachable server", func(t *testing.T) {
		c := backend.New("http://127.0.0.1:1", "http://127.0.0.1:1")
		_, err := c.RegisterGuest(context.Background(), "Guest Visitor")
		var authErr *backend.AuthError
		if !errors.As(err, &authErr) {
			t.Fatalf("error = %+v, want AuthError", err)
		}
	})
}

func TestUpdateGuestProfile(t *testing.T) {
	b := testutil.NewBackend(t)
	c := backend.New(b.ManagerURL(), b.ChatAPIURL())

	err := c.UpdateGuestProfile(context.Background(), b.Token, "Jamie Doe", "jamie@example.com")
	if err != nil {
		t.Fatalf("UpdateGuestProfile() error = %+v", err)
	}

	unlock := b.Lock()
	defer unlock()
	if b.UpdateCalls != 1 {
		t.Errorf("update calls = %d, want 1", b.UpdateCalls)
	}
	if b.LastFullname != "Jamie Doe" || b.LastEmail != "jamie@example.com" {
		t.Errorf("recorded profile = (%q, %q)", b.LastFullname, b.LastEmail)
	}
}

func TestActiveConversation(t *testing.T) {
	b := testutil.NewBackend(t)
	b.AssignedSupportID = "support-1"
	c := backend.New(b.ManagerURL(), b.ChatAPIURL())

	conv, err := c.ActiveConversation(context.Background(), b.Token)
	if err != nil {
		t.Fatalf("ActiveConversation() error = %+v", err)
	}
	if conv == nil {
		t.Fatal("ActiveConversation() = nil, want conversation")
	}
	if conv.ID != b.ConversationID {
		t.Errorf("ID = %q, want %q", conv.ID, b.ConversationID)
	}
	if !conv.Assigned {
		t.Error("Assigned = false, want true")
	}
	if conv.Counterpart.DisplayName != b.SupportName {
		t.Errorf("DisplayName = %q, want %q", conv.Counterpart.DisplayName, b.SupportName)
	}
	if !conv.Counterpart.Online {
		t.Error("Online = false for a just-seen counterpart, want true")
	}
}

func TestActiveConversationNone(t *testing.T) {
	b := testutil.NewBackend(t)
	b.ConversationID = ""
	c := backend.New(b.ManagerURL(), b.ChatAPIURL())

	conv, err := c.ActiveConversation(context.Background(), b.Token)
	if err != nil {
		t.Fatalf("ActiveConversation() error = %+v", err)
	}
	if conv != nil {
		t.Errorf("ActiveConversation() = %+v, want nil when server has no id", conv)
	}
}

func TestIsOnline(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		last time.Time
		want bool
	}{
		{"just seen", now.Add(-30 * time.Second), true},
		{"almost five minutes", now.Add(-5*time.Minute + time.Second), true},
		{"exactly five minutes", now.Add(-5 * time.Minute), false},
		{"long gone", now.Add(-2 * time.Hour), false},
		{"future timestamp", now.Add(30 * time.Second), false},
		{"zero value", time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := backend.IsOnline(tt.last, now); got != tt.want {
				t.Errorf("IsOnline() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFetchChats(t *testing.T) {
	b := testutil.NewBackend(t)
	created := time.Now().Add(-time.Hour)
	b.Pages[""] = testutil.Page{
		Results: []backend.ChatRecord{
			{ID: "m2", SenderID: "support-1", Content: "newer", CreatedAt: created.Add(time.Minute)},
			{ID: "m1", SenderID: b.UserID, Content: "older", CreatedAt: created},
		},
		NextCursor: "x",
		HasMore:    true,
	}
	c := backend.New(b.ManagerURL(), b.ChatAPIURL())

	page, err := c.FetchChats(context.Background(), b.Token, b.ConversationID, "", 20)
	if err != nil {
		t.Fatalf("FetchChats() error = %+v", err)
	}
	if len(page.Results) != 2 {
		t.Fatalf("len(Results) = %d, want 2", len(page.Results))
	}
	if page.Results[0].ID != "m2" {
		t.Errorf("Results[0].ID = %q, want newest-first order", page.Results[0].ID)
	}
	if page.NextCursor != "x" || !page.HasMore {
		t.Errorf("paginate = (%q, %v), want (%q, true)", page.NextCursor, page.HasMore, "x")
	}
}
