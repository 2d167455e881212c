package memory

import (
	"context"
	"testing"

	"github.com/drover-dev/drover/agent"
)

func TestInMemoryStoreRoundTrip(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	msgs := []agent.Message{
		agent.NewUserMessage("hello"),
		agent.NewAssistantMessage("hi there"),
	}
	for _, msg := range msgs {
		if err := store.AddMessage(ctx, "sess-1", msg); err != nil {
			t.Fatalf("AddMessage failed: %v", err)
		}
	}

	got, err := store.GetMessages(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Content != "hello" || got[1].Content != "hi there" {
		t.Errorf("messages out of order: %v", got)
	}
}

func TestInMemoryStoreUnknownSessionEmpty(t *testing.T) {
	store := NewInMemoryStore()

	got, err := store.GetMessages(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("unknown session returned %d messages", len(got))
	}
}

func TestInMemoryStoreSessionIsolation(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	_ = store.AddMessage(ctx, "a", agent.NewUserMessage("for a"))
	_ = store.AddMessage(ctx, "b", agent.NewUserMessage("for b"))

	got, _ := store.GetMessages(ctx, "a")
	if len(got) != 1 || got[0].Content != "for a" {
		t.Errorf("session a = %v", got)
	}
}

func TestInMemoryStoreClear(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	_ = store.AddMessage(ctx, "sess", agent.NewUserMessage("hello"))
	if err := store.Clear(ctx, "sess"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	got, _ := store.GetMessages(ctx, "sess")
	if len(got) != 0 {
		t.Errorf("history survived Clear: %v", got)
	}

	// Clearing again is a no-op.
	if err := store.Clear(ctx, "sess"); err != nil {
		t.Errorf("second Clear failed: %v", err)
	}
}

func TestInMemoryStoreReturnsCopies(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	msg := agent.NewAssistantToolCalls("", []agent.ToolCall{
		{ID: "call_1", Name: "calculator", Arguments: map[string]any{"expression": "1+1"}},
	})
	_ = store.AddMessage(ctx, "sess", msg)

	got, _ := store.GetMessages(ctx, "sess")
	got[0].Content = "mutated"
	got[0].ToolCalls[0].Arguments["expression"] = "9*9"

	again, _ := store.GetMessages(ctx, "sess")
	if again[0].Content == "mutated" {
		t.Error("stored message content aliased to caller slice")
	}
	if again[0].ToolCalls[0].Arguments["expression"] != "1+1" {
		t.Error("stored tool call arguments aliased to caller map")
	}
}

func TestInMemoryStoreClosed(t *testing.T) {
	store := NewInMemoryStore()
	_ = store.Close()

	if err := store.AddMessage(context.Background(), "s", agent.NewUserMessage("x")); err != ErrStoreClosed {
		t.Errorf("AddMessage after Close = %v, want ErrStoreClosed", err)
	}
	if _, err := store.GetMessages(context.Background(), "s"); err != ErrStoreClosed {
		t.Errorf("GetMessages after Close = %v, want ErrStoreClosed", err)
	}
}
