package memory

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/drover-dev/drover/agent"
)

func setupRedisStore(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreFromClient(client, "test:", ttl)

	t.Cleanup(func() { _ = store.Close() })
	return mr, store
}

func TestRedisStoreRoundTrip(t *testing.T) {
	_, store := setupRedisStore(t, 0)
	ctx := context.Background()

	msgs := []agent.Message{
		agent.NewUserMessage("first"),
		agent.NewAssistantToolCalls("", []agent.ToolCall{
			{ID: "call_1", Name: "clock", Arguments: map[string]any{"timezone": "UTC"}},
		}),
		agent.NewToolMessage("call_1", `{"time":"2026-01-02T15:04:05Z"}`),
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
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[1].ToolCalls[0].Arguments["timezone"] != "UTC" {
		t.Errorf("tool call arguments lost: %+v", got[1])
	}
}

func TestRedisStoreUnknownSessionEmpty(t *testing.T) {
	_, store := setupRedisStore(t, 0)

	got, err := store.GetMessages(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("unknown session returned %d messages", len(got))
	}
}

func TestRedisStoreClear(t *testing.T) {
	_, store := setupRedisStore(t, 0)
	ctx := context.Background()

	_ = store.AddMessage(ctx, "sess", agent.NewUserMessage("x"))
	if err := store.Clear(ctx, "sess"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	got, _ := store.GetMessages(ctx, "sess")
	if len(got) != 0 {
		t.Errorf("history survived Clear: %v", got)
	}
}

func TestRedisStoreTTLExpires(t *testing.T) {
	mr, store := setupRedisStore(t, time.Minute)
	ctx := context.Background()

	if err := store.AddMessage(ctx, "sess", agent.NewUserMessage("x")); err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	got, err := store.GetMessages(ctx, "sess")
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("history survived TTL: %v", got)
	}
}

func TestRedisStoreClosed(t *testing.T) {
	_, store := setupRedisStore(t, 0)
	_ = store.Close()

	if err := store.AddMessage(context.Background(), "s", agent.NewUserMessage("x")); err != ErrStoreClosed {
		t.Errorf("AddMessage after Close = %v, want ErrStoreClosed", err)
	}
}

func TestNewRedisStoreRequiresAddr(t *testing.T) {
	if _, err := NewRedisStore(RedisConfig{}); err == nil {
		t.Error("NewRedisStore accepted empty address")
	}
}
