package chat

import (
	"errors"
	"testing"
	"time"

	"github.com/quickconnect/chat-sdk-go/internal/wire"
)

func convIDFunc(id string) func() string {
	return func() string { return id }
}

func countSystem(frames []wire.Frame, sub wire.SystemSubType) int {
	n := 0
	for _, f := range frames {
		if sf, ok := f.(wire.SystemFrame); ok && sf.SubType == sub {
			n++
		}
	}
	return n
}

func TestTypingThrottle(t *testing.T) {
	sender := &fakeSender{state: StateOpen}
	ty := NewTyping(sender, convIDFunc("conv-1"), TypingOptions{}, nil)

	// Two keystrokes inside the window produce exactly one signal.
	if err := ty.NotifyLocalTyping(); err != nil {
		t.Fatalf("NotifyLocalTyping() #1 error = %+v", err)
	}
	if err := ty.NotifyLocalTyping(); err != nil {
		t.Fatalf("NotifyLocalTyping() #2 error = %+v", err)
	}

	if got := countSystem(sender.sent(), wire.TypingStarted); got != 1 {
		t.Errorf("typing_started frames = %d, want 1", got)
	}
}

func TestTypingThrottleWindowRollsOver(t *testing.T) {
	sender := &fakeSender{state: StateOpen}
	ty := NewTyping(sender, convIDFunc("conv-1"), TypingOptions{ThrottleWindow: 50 * time.Millisecond}, nil)

	if err := ty.NotifyLocalTyping(); err != nil {
		t.Fatalf("NotifyLocalTyping() error = %+v", err)
	}
	time.Sleep(80 * time.Millisecond)
	if err := ty.NotifyLocalTyping(); err != nil {
		t.Fatalf("NotifyLocalTyping() after window error = %+v", err)
	}

	if got := countSystem(sender.sent(), wire.TypingStarted); got != 2 {
		t.Errorf("typing_started frames = %d, want 2", got)
	}
}

func TestStoppedTypingResetsThrottle(t *testing.T) {
	sender := &fakeSender{state: StateOpen}
	ty := NewTyping(sender, convIDFunc("conv-1"), TypingOptions{}, nil)

	if err := ty.NotifyLocalTyping(); err != nil {
		t.Fatalf("NotifyLocalTyping() error = %+v", err)
	}
	if err := ty.NotifyStoppedTyping(); err != nil {
		t.Fatalf("NotifyStoppedTyping() error = %+v", err)
	}

	// The stop reset the window, so the next keystroke fires again
	// without waiting out the throttle.
	if err := ty.NotifyLocalTyping(); err != nil {
		t.Fatalf("NotifyLocalTyping() after stop error = %+v", err)
	}

	frames := sender.sent()
	if got := countSystem(frames, wire.TypingStarted); got != 2 {
		t.Errorf("typing_started frames = %d, want 2", got)
	}
	if got := countSystem(frames, wire.TypingStopped); got != 1 {
		t.Errorf("typing_stopped frames = %d, want 1", got)
	}
}

func TestTypingRequiresConversation(t *testing.T) {
	sender := &fakeSender{state: StateOpen}
	ty := NewTyping(sender, convIDFunc(""), TypingOptions{}, nil)

	var valErr *ValidationError
	if err := ty.NotifyLocalTyping(); !errors.As(err, &valErr) {
		t.Errorf("NotifyLocalTyping() error = %+v, want ValidationError", err)
	}
	if err := ty.NotifyStoppedTyping(); !errors.As(err, &valErr) {
		t.Errorf("NotifyStoppedTyping() error = %+v, want ValidationError", err)
	}
	if len(sender.sent()) != 0 {
		t.Errorf("frames sent = %d, want 0", len(sender.sent()))
	}
}

func TestInboundTypingExpires(t *testing.T) {
	sender := &fakeSender{state: StateOpen}
	ty := NewTyping(sender, convIDFunc("conv-1"), TypingOptions{Expiry: 60 * time.Millisecond}, nil)

	ty.Started("support-1")
	if !ty.Anyone() {
		t.Fatal("Anyone() = false right after Started")
	}

	waitFor(t, func() bool { return !ty.Anyone() })
}

func TestInboundTypingTimerResets(t *testing.T) {
	sender := &fakeSender{state: StateOpen}
	ty := NewTyping(sender, convIDFunc("conv-1"), TypingOptions{Expiry: 120 * time.Millisecond}, nil)

	ty.Started("support-1")
	time.Sleep(80 * time.Millisecond)

	// A fresh signal replaces the timer instead of stacking on it, so
	// the indicator survives past the first deadline.
	ty.Started("support-1")
	time.Sleep(80 * time.Millisecond)
	if !ty.Anyone() {
		t.Fatal("Anyone() = false; second signal should have reset the timer")
	}

	waitFor(t, func() bool { return !ty.Anyone() })
}

func TestInboundTypingStopped(t *testing.T) {
	sender := &fakeSender{state: StateOpen}
	ty := NewTyping(sender, convIDFunc("conv-1"), TypingOptions{}, nil)

	ty.Started("support-1")
	ty.Started("support-2")
	if got := len(ty.Typers()); got != 2 {
		t.Fatalf("typers = %d, want 2", got)
	}

	ty.Stopped("support-1")
	if got := ty.Typers(); len(got) != 1 || got[0] != "support-2" {
		t.Errorf("typers = %v, want [support-2]", got)
	}

	ty.Stopped("support-2")
	if ty.Anyone() {
		t.Error("Anyone() = true after both stopped")
	}
}

func TestTypingReset(t *testing.T) {
	sender := &fakeSender{state: StateOpen}
	ty := NewTyping(sender, convIDFunc("conv-1"), TypingOptions{}, nil)

	ty.Started("support-1")
	ty.Reset()
	if ty.Anyone() {
		t.Error("Anyone() = true after Reset")
	}
}
