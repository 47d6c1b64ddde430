package model

import "testing"

func TestTruncateShortString(t *testing.T) {
	got := Truncate("hello", 10)
	if got != "hello" {
		t.Fatalf("expected 'hello', got %q", got)
	}
}

func TestTruncateLongString(t *testing.T) {
	got := Truncate("hello world", 8)
	if got != "hello..." {
		t.Fatalf("expected 'hello...', got %q", got)
	}
}

func TestTruncateVerySmallMaxLen(t *testing.T) {
	got := Truncate("hello", 2)
	if got != "he" {
		t.Fatalf("expected 'he', got %q", got)
	}
}

func TestTruncateUnicode(t *testing.T) {
	got := Truncate("こんにちは世界", 6)
	if got != "こんに..." {
		t.Fatalf("expected 'こんに...', got %q", got)
	}
}

func TestStreamStatusTerminal(t *testing.T) {
	terminal := []StreamStatus{StreamDone, StreamCancelled, StreamError}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Fatalf("expected %q to be terminal", s)
		}
		if s.InFlight() {
			t.Fatalf("expected %q not in flight", s)
		}
	}
	for _, s := range []StreamStatus{StreamConnecting, StreamStreaming} {
		if s.IsTerminal() || !s.InFlight() {
			t.Fatalf("expected %q in flight", s)
		}
	}
	if StreamIdle.IsTerminal() || StreamIdle.InFlight() {
		t.Fatal("idle is neither terminal nor in flight")
	}
}

func TestTaskStateTerminal(t *testing.T) {
	cases := map[TaskState]bool{
		TaskPending: false,
		TaskStarted: false,
		TaskSuccess: true,
		TaskFailure: true,
		TaskRevoked: true,
		"RETRY":     false,
	}
	for state, want := range cases {
		if got := state.IsTerminal(); got != want {
			t.Fatalf("%s: expected terminal=%v, got %v", state, want, got)
		}
	}
}
