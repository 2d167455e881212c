package provider

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"google.golang.org/genai"

	"github.com/drover-dev/drover/agent"
)

func TestVertexAIBuildContents(t *testing.T) {
	messages := []agent.Message{
		{Role: agent.RoleSystem, Content: "be precise"},
		{Role: agent.RoleUser, Content: "weather in Oslo?"},
		{Role: agent.RoleAssistant, Content: "checking", ToolCalls: []agent.ToolCall{
			{ID: "call_1", Name: "get_weather", Arguments: map[string]any{"city": "Oslo"}},
		}},
		{Role: agent.RoleTool, ToolCallID: "call_1", Content: `{"temp": 12}`},
	}

	contents, system := buildVertexContents(messages)

	if system == nil || len(system.Parts) != 1 || system.Parts[0].Text != "be precise" {
		t.Fatalf("system instruction = %+v, want text part", system)
	}
	if len(contents) != 3 {
		t.Fatalf("len(contents) = %d, want 3 (system extracted)", len(contents))
	}

	if contents[0].Role != "user" || contents[0].Parts[0].Text != "weather in Oslo?" {
		t.Errorf("contents[0] = %+v", contents[0])
	}

	model := contents[1]
	if model.Role != "model" || len(model.Parts) != 2 {
		t.Fatalf("model content = %+v, want text + function call", model)
	}
	fc := model.Parts[1].FunctionCall
	if fc == nil || fc.Name != "get_weather" {
		t.Fatalf("function call part = %+v", model.Parts[1])
	}
	if fc.Args["city"] != "Oslo" {
		t.Errorf("function call args = %v", fc.Args)
	}

	fn := contents[2]
	if fn.Role != "function" || fn.Parts[0].FunctionResponse == nil {
		t.Fatalf("function response content = %+v", fn)
	}
	fr := fn.Parts[0].FunctionResponse
	if fr.Name != "get_weather" {
		t.Errorf("function response correlated to %q, want get_weather", fr.Name)
	}
	if fr.Response["temp"] != float64(12) {
		t.Errorf("function response payload = %v", fr.Response)
	}
}

func TestVertexAIBuildContentsFallsBackToText(t *testing.T) {
	tests := []struct {
		name     string
		messages []agent.Message
	}{
		{
			name: "unknown call id",
			messages: []agent.Message{
				{Role: agent.RoleTool, ToolCallID: "call_missing", Content: `{"ok": true}`},
			},
		},
		{
			name: "non-JSON tool output",
			messages: []agent.Message{
				{Role: agent.RoleAssistant, ToolCalls: []agent.ToolCall{{ID: "call_1", Name: "fetch"}}},
				{Role: agent.RoleTool, ToolCallID: "call_1", Content: "plain text result"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			contents, _ := buildVertexContents(tt.messages)
			last := contents[len(contents)-1]
			if last.Role != "user" {
				t.Errorf("fallback role = %q, want user", last.Role)
			}
			if last.Parts[0].FunctionResponse != nil {
				t.Error("fallback still produced a function response part")
			}
			if last.Parts[0].Text == "" {
				t.Error("fallback lost the tool output text")
			}
		})
	}
}

func TestVertexAIBuildTools(t *testing.T) {
	tools := buildVertexTools([]agent.ToolDefinition{
		{
			Name:        "get_weather",
			Description: "Current weather",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
		},
		{Name: "noop", Description: "No arguments"},
	})

	if len(tools) != 1 {
		t.Fatalf("len(tools) = %d, want 1", len(tools))
	}
	decls := tools[0].FunctionDeclarations
	if len(decls) != 2 {
		t.Fatalf("len(declarations) = %d, want 2", len(decls))
	}
	if decls[0].Name != "get_weather" || decls[0].Description != "Current weather" {
		t.Errorf("decls[0] = %+v", decls[0])
	}
	if decls[0].Parameters == nil {
		t.Error("decls[0].Parameters = nil, want decoded schema")
	}
	if decls[1].Parameters != nil {
		t.Errorf("decls[1].Parameters = %+v, want nil for tool without arguments", decls[1].Parameters)
	}
}

func TestVertexAIParseResponse(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{
				Content: &genai.Content{
					Role: "model",
					Parts: []*genai.Part{
						{Text: "checking "},
						{Text: "the forecast"},
						{FunctionCall: &genai.FunctionCall{
							Name: "get_weather",
							Args: map[string]any{"city": "Oslo"},
						}},
					},
				},
				FinishReason: genai.FinishReason("STOP"),
			},
		},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     30,
			CandidatesTokenCount: 12,
			TotalTokenCount:      42,
		},
	}

	got, err := parseVertexResponse(resp)
	if err != nil {
		t.Fatalf("parseVertexResponse error: %v", err)
	}
	if got.Content != "checking the forecast" {
		t.Errorf("Content = %q", got.Content)
	}
	if len(got.ToolCalls) != 1 {
		t.Fatalf("len(ToolCalls) = %d, want 1", len(got.ToolCalls))
	}
	call := got.ToolCalls[0]
	if call.Name != "get_weather" || call.ID != "get_weather" {
		t.Errorf("tool call = %+v, want id and name get_weather", call)
	}
	if call.Arguments["city"] != "Oslo" {
		t.Errorf("Arguments = %v", call.Arguments)
	}
	if got.FinishReason != "tool_calls" {
		t.Errorf("FinishReason = %q, want tool_calls", got.FinishReason)
	}
	if got.Usage.TotalTokens != 42 || got.Usage.PromptTokens != 30 {
		t.Errorf("Usage = %+v", got.Usage)
	}
}

func TestVertexAIParseResponseFinishReasons(t *testing.T) {
	tests := []struct {
		reason genai.FinishReason
		want   string
	}{
		{genai.FinishReason("STOP"), "stop"},
		{genai.FinishReason(""), "stop"},
		{genai.FinishReason("MAX_TOKENS"), "max_tokens"},
		{genai.FinishReason("SAFETY"), "safety"},
	}

	for _, tt := range tests {
		resp := &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{
				{
					Content:      &genai.Content{Parts: []*genai.Part{{Text: "hi"}}},
					FinishReason: tt.reason,
				},
			},
		}
		got, err := parseVertexResponse(resp)
		if err != nil {
			t.Fatalf("parseVertexResponse(%q) error: %v", tt.reason, err)
		}
		if got.FinishReason != tt.want {
			t.Errorf("FinishReason for %q = %q, want %q", tt.reason, got.FinishReason, tt.want)
		}
	}
}

func TestVertexAIParseResponseNoCandidates(t *testing.T) {
	for _, resp := range []*genai.GenerateContentResponse{nil, {}} {
		_, err := parseVertexResponse(resp)
		var agentErr *agent.Error
		if !errors.As(err, &agentErr) {
			t.Fatalf("error = %v, want *agent.Error", err)
		}
		if agentErr.Code != agent.CodeModelError {
			t.Errorf("Code = %s, want MODEL_ERROR", agentErr.Code)
		}
	}
}

func TestVertexAIQuotaError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("googleapi: Error 429: Quota exceeded"), true},
		{errors.New("rpc error: code = ResourceExhausted desc = resource exhausted"), true},
		{errors.New("rate limit reached for project"), true},
		{errors.New("service temporarily UNAVAILABLE"), true},
		{errors.New("googleapi: Error 400: invalid argument"), false},
		{errors.New("permission denied"), false},
	}

	for _, tt := range tests {
		if got := isVertexQuotaError(tt.err); got != tt.want {
			t.Errorf("isVertexQuotaError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestVertexAIBackoffBounds(t *testing.T) {
	tests := []struct {
		attempt int
		base    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{10, 8 * time.Second},
		{-3, 1 * time.Second},
	}

	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			got := vertexBackoff(tt.attempt)
			lo := time.Duration(float64(tt.base) * (1 - vertexJitterFactor))
			hi := time.Duration(float64(tt.base) * (1 + vertexJitterFactor))
			if got < lo || got > hi {
				t.Fatalf("vertexBackoff(%d) = %v, want within [%v, %v]", tt.attempt, got, lo, hi)
			}
		}
	}
}
