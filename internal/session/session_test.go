package session

import (
	"context"
	"testing"
	"time"
)

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateCompleted, StateInterrupted, StateFailed} {
		if !s.Terminal() {
			t.Fatalf("expected %s to be terminal", s)
		}
	}
	for _, s := range []State{StateIdle, StateRetrieving, StateGenerating, StateSpeaking} {
		if s.Terminal() {
			t.Fatalf("expected %s to be non-terminal", s)
		}
	}
}

func TestMemoryStoreAppendLoad(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.Append(ctx, "s1", Turn{ID: "t1", Role: RoleUser, Text: "hi", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Append(ctx, "s1", Turn{ID: "t2", Role: RoleAssistant, Text: "hello", Outcome: OutcomeCompleted, Completed: true}); err != nil {
		t.Fatalf("append: %v", err)
	}

	sess, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if sess.State != StateIdle {
		t.Fatalf("expected idle session, got %s", sess.State)
	}
	if len(sess.History) != 2 || sess.History[0].ID != "t1" || sess.History[1].ID != "t2" {
		t.Fatalf("unexpected history %+v", sess.History)
	}

	// Loaded history is a copy.
	sess.History[0].Text = "changed"
	again, _ := store.Load(ctx, "s1")
	if again.History[0].Text != "hi" {
		t.Fatal("store history mutated through loaded session")
	}

	empty, err := store.Load(ctx, "unknown")
	if err != nil {
		t.Fatalf("load unknown: %v", err)
	}
	if len(empty.History) != 0 {
		t.Fatalf("expected empty history, got %d", len(empty.History))
	}
}

func TestInterruptFlag(t *testing.T) {
	s := New("s1")
	if s.TakeInterrupted() {
		t.Fatal("new session should not be interrupted")
	}
	s.MarkInterrupted()
	if !s.Interrupted() {
		t.Fatal("expected interrupted flag")
	}
	if !s.TakeInterrupted() {
		t.Fatal("expected take to report the flag")
	}
	if s.Interrupted() {
		t.Fatal("expected flag cleared")
	}
}

func TestRecent(t *testing.T) {
	s := New("s1")
	for _, id := range []string{"a", "b", "c"} {
		s.History = append(s.History, Turn{ID: id})
	}
	recent := s.Recent(2)
	if len(recent) != 2 || recent[0].ID != "b" || recent[1].ID != "c" {
		t.Fatalf("unexpected recent turns %+v", recent)
	}
	if len(s.Recent(0)) != 3 {
		t.Fatal("expected all turns when n is zero")
	}
}
