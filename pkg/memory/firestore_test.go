package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-dev/drover/agent"
)

func TestMessageFirestoreRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	original := agent.Message{
		Role:    agent.RoleAssistant,
		Content: "checking two things",
		ToolCalls: []agent.ToolCall{
			{ID: "call_1", Name: "calculator", Arguments: map[string]any{"expression": "6*7"}},
			{ID: "call_2", Name: "clock", Arguments: map[string]any{"timezone": "UTC"}},
		},
		Timestamp: now,
	}

	restored := messageFromFirestore(messageToFirestore(original))

	assert.Equal(t, original.Role, restored.Role)
	assert.Equal(t, original.Content, restored.Content)
	assert.Equal(t, original.Timestamp, restored.Timestamp)
	require.Len(t, restored.ToolCalls, 2)
	assert.Equal(t, "calculator", restored.ToolCalls[0].Name)
	assert.Equal(t, map[string]any{"expression": "6*7"}, restored.ToolCalls[0].Arguments)
}

func TestMessageFirestoreToolResponse(t *testing.T) {
	original := agent.NewToolMessage("call_9", `{"result":42}`)

	converted := messageToFirestore(original)
	assert.Equal(t, "tool", converted.Role)
	assert.Equal(t, "call_9", converted.ToolCallID)
	assert.Empty(t, converted.ToolCalls)

	restored := messageFromFirestore(converted)
	assert.Equal(t, original.Role, restored.Role)
	assert.Equal(t, original.ToolCallID, restored.ToolCallID)
}

func TestNewFirestoreStoreRequiresProject(t *testing.T) {
	_, err := NewFirestoreStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "project ID")
}
