package agents

import (
	"context"
	"sync"

	"github.com/drover-dev/drover/agent"
)

// MockModel is a scripted agent.Model for testing
type MockModel struct {
	responses []*agent.ChatResponse
	errors    []error
	calls     []*agent.ChatRequest
	callIndex int
	mu        sync.Mutex
}

// NewMockModel creates a new scripted model
func NewMockModel() *MockModel {
	return &MockModel{
		responses: make([]*agent.ChatResponse, 0),
		errors:    make([]error, 0),
		calls:     make([]*agent.ChatRequest, 0),
	}
}

// Chat implements agent.Model.Chat
func (m *MockModel) Chat(ctx context.Context, req *agent.ChatRequest) (*agent.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, snapshotRequest(req))

	if m.callIndex >= len(m.responses) {
		// Return empty response if no more responses configured
		return &agent.ChatResponse{FinishReason: "stop"}, nil
	}

	resp := m.responses[m.callIndex]
	var err error
	if m.callIndex < len(m.errors) {
		err = m.errors[m.callIndex]
	}

	m.callIndex++
	if err != nil {
		return nil, err
	}
	out := *resp
	return &out, nil
}

// AddResponse adds a response to return from Chat
func (m *MockModel) AddResponse(resp *agent.ChatResponse, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if resp == nil {
		resp = &agent.ChatResponse{}
	}
	m.responses = append(m.responses, resp)
	m.errors = append(m.errors, err)
}

// AddText adds a plain assistant turn ending the loop
func (m *MockModel) AddText(content string) {
	m.AddResponse(&agent.ChatResponse{
		Content:      content,
		FinishReason: "stop",
		Usage:        agent.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil)
}

// AddToolCall adds a turn requesting a single tool invocation
func (m *MockModel) AddToolCall(name string, args map[string]any) {
	m.AddResponse(&agent.ChatResponse{
		ToolCalls: []agent.ToolCall{{
			ID:        agent.NewToolCallID(),
			Name:      name,
			Arguments: args,
		}},
		FinishReason: "tool_calls",
		Usage:        agent.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil)
}

// AddToolCalls adds a turn requesting several tool invocations at once
func (m *MockModel) AddToolCalls(calls ...agent.ToolCall) {
	m.AddResponse(&agent.ChatResponse{
		ToolCalls:    calls,
		FinishReason: "tool_calls",
		Usage:        agent.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil)
}

// GetCalls returns all recorded calls to Chat
func (m *MockModel) GetCalls() []*agent.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	calls := make([]*agent.ChatRequest, len(m.calls))
	copy(calls, m.calls)
	return calls
}

// CallCount reports how many times Chat was invoked
func (m *MockModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Reset resets the mock state
func (m *MockModel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.responses = make([]*agent.ChatResponse, 0)
	m.errors = make([]error, 0)
	m.calls = make([]*agent.ChatRequest, 0)
	m.callIndex = 0
}

// snapshotRequest copies the request so later loop iterations cannot
// mutate what the test asserts on.
func snapshotRequest(req *agent.ChatRequest) *agent.ChatRequest {
	cp := *req
	cp.Messages = append([]agent.Message(nil), req.Messages...)
	cp.Tools = append([]agent.ToolDefinition(nil), req.Tools...)
	return &cp
}
