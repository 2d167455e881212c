package agent

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of a conversation between the user, the model, and
// the tools the model invokes.
//
// An assistant message may carry ToolCalls instead of (or in addition to)
// text content; each tool-role message answers exactly one of those calls
// and carries the originating call's id in ToolCallID.
type Message struct {
	// Role is the author of the message.
	Role Role `json:"role"`

	// Content is the message text. Empty when the message only carries
	// tool-call intents.
	Content string `json:"content,omitempty"`

	// ToolCalls holds the tool invocations requested by an assistant turn.
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`

	// ToolCallID correlates a tool-role message with the assistant tool
	// call it answers.
	ToolCallID string `json:"toolCallId,omitempty"`

	// Timestamp is when the message was created.
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// ToolCall is a model-requested invocation of a named tool.
type ToolCall struct {
	// ID uniquely identifies the call within its run. Assigned by the
	// engine when the model omits one.
	ID string `json:"id"`

	// Name is the exact tool name the model selected.
	Name string `json:"name"`

	// Arguments holds the call arguments as decoded JSON.
	Arguments map[string]any `json:"arguments,omitempty"`
}

// NewToolCallID returns a fresh id for a tool call that arrived without one.
func NewToolCallID() string {
	return "call_" + uuid.NewString()
}

// NewSystemMessage creates a system-role message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content, Timestamp: time.Now().UTC()}
}

// NewUserMessage creates a user-role message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content, Timestamp: time.Now().UTC()}
}

// NewAssistantMessage creates an assistant-role message with text content.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content, Timestamp: time.Now().UTC()}
}

// NewAssistantToolCalls creates an assistant-role message carrying tool-call
// intents. Content may be empty when the model produced no thinking text.
func NewAssistantToolCalls(content string, calls []ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls, Timestamp: time.Now().UTC()}
}

// NewToolMessage creates a tool-role message answering the given call id.
func NewToolMessage(toolCallID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: toolCallID, Timestamp: time.Now().UTC()}
}

// SanitizeMessages removes incomplete tool exchanges from a conversation.
//
// An assistant message carrying tool-call intents is kept only when every
// one of its calls is answered by a tool-role message later in the slice.
// Tool-role messages are kept only when they answer a call on a kept
// assistant message. All other messages pass through unchanged, preserving
// order. The result is safe to persist or to replay to a model provider:
// it never references a tool call without its result.
//
// Sanitizing already-sanitized history is a no-op.
func SanitizeMessages(messages []Message) []Message {
	if len(messages) == 0 {
		return nil
	}

	// Tool-call ids that have a recorded result anywhere in the history.
	answered := make(map[string]bool)
	for _, msg := range messages {
		if msg.Role == RoleTool && msg.ToolCallID != "" {
			answered[msg.ToolCallID] = true
		}
	}

	// Calls that belong to assistant messages surviving the first pass.
	kept := make(map[string]bool)
	sanitized := make([]Message, 0, len(messages))
	for _, msg := range messages {
		switch {
		case msg.Role == RoleAssistant && len(msg.ToolCalls) > 0:
			complete := true
			for _, call := range msg.ToolCalls {
				if call.ID == "" || !answered[call.ID] {
					complete = false
					break
				}
			}
			if !complete {
				continue
			}
			for _, call := range msg.ToolCalls {
				kept[call.ID] = true
			}
			sanitized = append(sanitized, msg)
		case msg.Role == RoleTool:
			if msg.ToolCallID == "" || !kept[msg.ToolCallID] {
				continue
			}
			sanitized = append(sanitized, msg)
		default:
			sanitized = append(sanitized, msg)
		}
	}
	return sanitized
}

// CloneMessages returns a deep copy of the slice. Tool-call argument maps
// are copied so callers can mutate the result without aliasing the source.
func CloneMessages(messages []Message) []Message {
	if messages == nil {
		return nil
	}
	out := make([]Message, len(messages))
	for i, msg := range messages {
		out[i] = msg
		if len(msg.ToolCalls) > 0 {
			calls := make([]ToolCall, len(msg.ToolCalls))
			for j, call := range msg.ToolCalls {
				calls[j] = call
				if call.Arguments != nil {
					args := make(map[string]any, len(call.Arguments))
					for k, v := range call.Arguments {
						args[k] = v
					}
					calls[j].Arguments = args
				}
			}
			out[i].ToolCalls = calls
		}
	}
	return out
}
