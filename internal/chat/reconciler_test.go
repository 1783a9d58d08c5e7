package chat

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/quickconnect/chat-sdk-go/internal/timeline"
	"github.com/quickconnect/chat-sdk-go/internal/wire"
)

// fakeSender records frames instead of writing to a socket.
type fakeSender struct {
	mu     sync.Mutex
	state  State
	err    error
	block  chan struct{} // when set, Send blocks until closed
	frames []wire.Frame
}

func (f *fakeSender) Send(fr wire.Frame) error {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeSender) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSender) sent() []wire.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Frame, len(f.frames))
	copy(out, f.frames)
	return out
}

func TestSendValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		state   State
		wantErr error
	}{
		{"empty content", "", StateOpen, nil},
		{"whitespace only", "   \n\t", StateOpen, nil},
		{"disconnected", "hello", StateDisconnected, ErrNotConnected},
		{"still connecting", "hello", StateConnecting, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{state: tt.state}
			tl := timeline.New()
			r := NewReconciler(tl, sender, nil)

			err := r.Send(tt.content)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Send() error = %+v, want %+v", err, tt.wantErr)
				}
			} else {
				var valErr *ValidationError
				if !errors.As(err, &valErr) {
					t.Fatalf("Send() error = %+v, want ValidationError", err)
				}
			}
			if tl.Len() != 0 {
				t.Errorf("timeline len = %d, want 0 after rejected send", tl.Len())
			}
		})
	}
}

func TestSendAndReconcileEcho(t *testing.T) {
	sender := &fakeSender{state: StateOpen}
	tl := timeline.New()
	r := NewReconciler(tl, sender, nil)
	r.SetIdentity("me")
	r.SetConversation("conv-1")

	if err := r.Send("hello"); err != nil {
		t.Fatalf("Send() error = %+v", err)
	}

	frames := sender.sent()
	if len(frames) != 1 {
		t.Fatalf("frames sent = %d, want 1", len(frames))
	}
	tf := frames[0].(wire.TextFrame)
	if tf.Content != "hello" || tf.ConversationID != "conv-1" {
		t.Errorf("outbound frame = %+v", tf)
	}
	if !strings.HasPrefix(tf.ClientMessageID, "local_") {
		t.Errorf("ClientMessageID = %q, want local_ prefix", tf.ClientMessageID)
	}

	msgs := tl.Messages()
	if len(msgs) != 1 {
		t.Fatalf("timeline len = %d, want 1", len(msgs))
	}
	if msgs[0].Status != timeline.StatusPending || !msgs[0].IsOwn {
		t.Errorf("optimistic message = %+v", msgs[0])
	}

	// Server echo carrying the correlation id and our own sender id:
	// reconciliation must win over self-echo discard.
	r.HandleText(wire.TextFrame{
		ClientMessageID: tf.ClientMessageID,
		Payload: &wire.TextPayload{
			ID:       "m1",
			SenderID: "me",
			Content:  "hello",
		},
	})

	msgs = tl.Messages()
	if len(msgs) != 1 {
		t.Fatalf("timeline len after echo = %d, want exactly 1", len(msgs))
	}
	if msgs[0].ID != "m1" {
		t.Errorf("ID = %q, want server id %q", msgs[0].ID, "m1")
	}
	if msgs[0].Status != timeline.StatusSent {
		t.Errorf("Status = %q, want %q", msgs[0].Status, timeline.StatusSent)
	}
	if !msgs[0].IsOwn {
		t.Error("IsOwn = false, want true")
	}
}

func TestUnmatchedSelfEchoDiscarded(t *testing.T) {
	sender := &fakeSender{state: StateOpen}
	tl := timeline.New()
	r := NewReconciler(tl, sender, nil)
	r.SetIdentity("me")

	// A frame from ourselves with no pending match, as happens after a
	// reload. It must not produce a second bubble.
	r.HandleText(wire.TextFrame{
		ClientMessageID: "local_gone",
		Payload: &wire.TextPayload{
			ID:       "m5",
			SenderID: "me",
			Content:  "ghost",
		},
	})

	if tl.Len() != 0 {
		t.Errorf("timeline len = %d, want 0 after self-echo discard", tl.Len())
	}
}

func TestInboundMessageAppended(t *testing.T) {
	sender := &fakeSender{state: StateOpen}
	tl := timeline.New()

	var adopted string
	r := NewReconciler(tl, sender, func(id string) { adopted = id })
	r.SetIdentity("me")

	r.HandleText(wire.TextFrame{
		Payload: &wire.TextPayload{
			ID:             "m7",
			SenderID:       "support-1",
			Content:        "hi, how can I help?",
			ConversationID: "conv-9",
		},
	})

	msgs := tl.Messages()
	if len(msgs) != 1 {
		t.Fatalf("timeline len = %d, want 1", len(msgs))
	}
	if msgs[0].IsOwn {
		t.Error("IsOwn = true for inbound message")
	}
	if msgs[0].Status != timeline.StatusSent {
		t.Errorf("Status = %q, want %q", msgs[0].Status, timeline.StatusSent)
	}
	if adopted != "conv-9" {
		t.Errorf("adopted conversation = %q, want %q", adopted, "conv-9")
	}
	if r.Conversation() != "conv-9" {
		t.Errorf("Conversation() = %q, want %q", r.Conversation(), "conv-9")
	}
}

func TestInboundContentSanitized(t *testing.T) {
	sender := &fakeSender{state: StateOpen}
	tl := timeline.New()
	r := NewReconciler(tl, sender, nil)
	r.SetIdentity("me")

	r.HandleText(wire.TextFrame{
		Payload: &wire.TextPayload{
			ID:       "m8",
			SenderID: "support-1",
			Content:  `<a href="x">click</a><script>alert(1)</script>`,
		},
	})

	msgs := tl.Messages()
	if len(msgs) != 1 {
		t.Fatalf("timeline len = %d, want 1", len(msgs))
	}
	if strings.Contains(msgs[0].Content, "<") {
		t.Errorf("Content = %q, want markup stripped", msgs[0].Content)
	}
}

func TestSendInFlightSuppressed(t *testing.T) {
	block := make(chan struct{})
	sender := &fakeSender{state: StateOpen, block: block}
	tl := timeline.New()
	r := NewReconciler(tl, sender, nil)

	done := make(chan error, 1)
	go func() { done <- r.Send("first") }()

	// Wait for the first send to be appended, which happens before the
	// blocked transmit.
	waitFor(t, func() bool { return tl.Len() == 1 })

	if err := r.Send("second"); !errors.Is(err, ErrSendInFlight) {
		t.Errorf("second Send() error = %+v, want ErrSendInFlight", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first Send() error = %+v", err)
	}

	// With the lock released a new send goes through.
	if err := r.Send("third"); err != nil {
		t.Fatalf("third Send() error = %+v", err)
	}
	if tl.Len() != 2 {
		t.Errorf("timeline len = %d, want 2", tl.Len())
	}
}
