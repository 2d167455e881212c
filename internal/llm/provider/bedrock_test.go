package provider

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/drover-dev/drover/agent"
)

type fakeModelInvoker struct {
	captured *bedrockruntime.InvokeModelInput
	body     string
	err      error
}

func (f *fakeModelInvoker) InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	f.captured = params
	if f.err != nil {
		return nil, f.err
	}
	return &bedrockruntime.InvokeModelOutput{Body: []byte(f.body)}, nil
}

const bedrockTextBody = `{"id":"msg_1","role":"assistant","content":[{"type":"text","text":"done"}],"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":4}}`

func TestBedrockProviderName(t *testing.T) {
	p := NewBedrockWithClient(&fakeModelInvoker{body: bedrockTextBody}, "")
	if p.Name() != "bedrock" {
		t.Errorf("Name() = %q, want bedrock", p.Name())
	}
}

func TestBedrockRequestBody(t *testing.T) {
	fake := &fakeModelInvoker{body: bedrockTextBody}
	p := NewBedrockWithClient(fake, "")

	req := &agent.ChatRequest{
		Messages: []agent.Message{
			{Role: agent.RoleSystem, Content: "be safe"},
			{Role: agent.RoleUser, Content: "compare Oslo and Bergen"},
			{Role: agent.RoleAssistant, Content: "checking both", ToolCalls: []agent.ToolCall{
				{ID: "call_1", Name: "get_weather", Arguments: map[string]any{"city": "Oslo"}},
				{ID: "call_2", Name: "get_weather", Arguments: map[string]any{"city": "Bergen"}},
			}},
			{Role: agent.RoleTool, ToolCallID: "call_1", Content: `{"temp": 12}`},
			{Role: agent.RoleTool, ToolCallID: "call_2", Content: `{"temp": 9}`},
		},
		Tools: []agent.ToolDefinition{
			{Name: "get_weather", Description: "Current weather"},
		},
	}

	if _, err := p.Chat(context.Background(), req); err != nil {
		t.Fatalf("Chat error: %v", err)
	}

	if got := aws.ToString(fake.captured.ModelId); got != bedrockDefaultModel {
		t.Errorf("ModelId = %q, want %q", got, bedrockDefaultModel)
	}
	if got := aws.ToString(fake.captured.ContentType); got != "application/json" {
		t.Errorf("ContentType = %q", got)
	}

	var body anthropicRequest
	if err := json.Unmarshal(fake.captured.Body, &body); err != nil {
		t.Fatalf("request body did not decode: %v", err)
	}

	if body.AnthropicVersion != anthropicVersion {
		t.Errorf("anthropic_version = %q, want %q", body.AnthropicVersion, anthropicVersion)
	}
	if body.MaxTokens != anthropicDefaultMaxTokens {
		t.Errorf("max_tokens = %d, want default %d", body.MaxTokens, anthropicDefaultMaxTokens)
	}
	if body.System != "be safe" {
		t.Errorf("system = %q, want be safe", body.System)
	}

	if len(body.Messages) != 3 {
		t.Fatalf("len(messages) = %d, want 3 (user, assistant, merged user)", len(body.Messages))
	}
	if body.Messages[0].Role != "user" || body.Messages[1].Role != "assistant" || body.Messages[2].Role != "user" {
		t.Fatalf("roles = %s/%s/%s, want user/assistant/user",
			body.Messages[0].Role, body.Messages[1].Role, body.Messages[2].Role)
	}

	assistant := body.Messages[1]
	if len(assistant.Content) != 3 {
		t.Fatalf("assistant blocks = %d, want text + two tool_use", len(assistant.Content))
	}
	if assistant.Content[0].Type != "text" || assistant.Content[0].Text != "checking both" {
		t.Errorf("assistant text block = %+v", assistant.Content[0])
	}
	use := assistant.Content[1]
	if use.Type != "tool_use" || use.ID != "call_1" || use.Name != "get_weather" {
		t.Errorf("tool_use block = %+v", use)
	}
	if use.Input["city"] != "Oslo" {
		t.Errorf("tool_use input = %v", use.Input)
	}

	results := body.Messages[2]
	if len(results.Content) != 2 {
		t.Fatalf("tool results not merged into one user message: %+v", results)
	}
	for i, want := range []string{"call_1", "call_2"} {
		block := results.Content[i]
		if block.Type != "tool_result" || block.ToolUseID != want {
			t.Errorf("result block %d = %+v, want tool_result for %s", i, block, want)
		}
	}

	if len(body.Tools) != 1 {
		t.Fatalf("len(tools) = %d, want 1", len(body.Tools))
	}
	if string(body.Tools[0].InputSchema) != `{"type":"object"}` {
		t.Errorf("empty tool schema = %s, want object default", body.Tools[0].InputSchema)
	}
	if body.ToolChoice == nil || body.ToolChoice.Type != "auto" {
		t.Errorf("tool_choice = %+v, want auto", body.ToolChoice)
	}
	if body.Temperature != nil {
		t.Errorf("temperature = %v, want omitted when zero", *body.Temperature)
	}
}

func TestBedrockToolChoice(t *testing.T) {
	tools := []agent.ToolDefinition{{Name: "lookup"}}

	tests := []struct {
		choice    agent.ToolChoice
		wantTools bool
		wantType  string
	}{
		{agent.ToolChoiceAuto, true, "auto"},
		{agent.ToolChoiceRequired, true, "any"},
		{agent.ToolChoiceNone, false, ""},
	}

	for _, tt := range tests {
		fake := &fakeModelInvoker{body: bedrockTextBody}
		p := NewBedrockWithClient(fake, "")

		_, err := p.Chat(context.Background(), &agent.ChatRequest{
			Messages:   []agent.Message{agent.NewUserMessage("hi")},
			Tools:      tools,
			ToolChoice: tt.choice,
		})
		if err != nil {
			t.Fatalf("Chat error: %v", err)
		}

		var body anthropicRequest
		if err := json.Unmarshal(fake.captured.Body, &body); err != nil {
			t.Fatalf("request body did not decode: %v", err)
		}
		if tt.wantTools != (len(body.Tools) > 0) {
			t.Errorf("choice %q: tools present = %v, want %v", tt.choice, len(body.Tools) > 0, tt.wantTools)
		}
		if tt.wantType == "" {
			if body.ToolChoice != nil {
				t.Errorf("choice %q: tool_choice = %+v, want omitted", tt.choice, body.ToolChoice)
			}
		} else if body.ToolChoice == nil || body.ToolChoice.Type != tt.wantType {
			t.Errorf("choice %q: tool_choice = %+v, want %q", tt.choice, body.ToolChoice, tt.wantType)
		}
	}
}

func TestBedrockResponseFormatSteering(t *testing.T) {
	fake := &fakeModelInvoker{body: bedrockTextBody}
	p := NewBedrockWithClient(fake, "")

	_, err := p.Chat(context.Background(), &agent.ChatRequest{
		Messages: []agent.Message{
			{Role: agent.RoleSystem, Content: "be brief"},
			{Role: agent.RoleUser, Content: "report"},
		},
		ResponseFormat: &agent.ResponseFormat{
			Type:   "json_schema",
			Schema: map[string]any{"type": "object"},
		},
		Temperature: 0.5,
		MaxTokens:   800,
	})
	if err != nil {
		t.Fatalf("Chat error: %v", err)
	}

	var body anthropicRequest
	if err := json.Unmarshal(fake.captured.Body, &body); err != nil {
		t.Fatalf("request body did not decode: %v", err)
	}

	if !strings.Contains(body.System, "be brief") {
		t.Errorf("system lost the caller instruction: %q", body.System)
	}
	if !strings.Contains(body.System, "valid JSON object") {
		t.Errorf("system lacks the JSON steering instruction: %q", body.System)
	}
	if !strings.Contains(body.System, `"type":"object"`) {
		t.Errorf("system lacks the schema payload: %q", body.System)
	}
	if body.Temperature == nil || *body.Temperature != 0.5 {
		t.Errorf("temperature = %v, want 0.5", body.Temperature)
	}
	if body.MaxTokens != 800 {
		t.Errorf("max_tokens = %d, want 800", body.MaxTokens)
	}
}

func TestBedrockParsesToolUse(t *testing.T) {
	fake := &fakeModelInvoker{
		body: `{
			"id": "msg_2",
			"role": "assistant",
			"content": [
				{"type": "text", "text": "let me look"},
				{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"city": "Oslo"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 25, "output_tokens": 17}
		}`,
	}
	p := NewBedrockWithClient(fake, "")

	resp, err := p.Chat(context.Background(), &agent.ChatRequest{
		Messages: []agent.Message{agent.NewUserMessage("weather in Oslo")},
	})
	if err != nil {
		t.Fatalf("Chat error: %v", err)
	}

	if resp.Content != "let me look" {
		t.Errorf("Content = %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("len(ToolCalls) = %d, want 1", len(resp.ToolCalls))
	}
	call := resp.ToolCalls[0]
	if call.ID != "toolu_1" || call.Name != "get_weather" || call.Arguments["city"] != "Oslo" {
		t.Errorf("tool call = %+v", call)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("FinishReason = %q, want tool_calls", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 42 {
		t.Errorf("TotalTokens = %d, want 42 (input + output)", resp.Usage.TotalTokens)
	}
}

func TestBedrockStopReasons(t *testing.T) {
	tests := []struct {
		stopReason string
		want       string
	}{
		{"end_turn", "stop"},
		{"stop_sequence", "stop"},
		{"tool_use", "tool_calls"},
		{"max_tokens", "length"},
		{"guardrail_intervened", "guardrail_intervened"},
	}

	for _, tt := range tests {
		fake := &fakeModelInvoker{
			body: `{"content":[{"type":"text","text":"x"}],"stop_reason":"` + tt.stopReason + `","usage":{"input_tokens":1,"output_tokens":1}}`,
		}
		p := NewBedrockWithClient(fake, "")

		resp, err := p.Chat(context.Background(), &agent.ChatRequest{
			Messages: []agent.Message{agent.NewUserMessage("hi")},
		})
		if err != nil {
			t.Fatalf("Chat error for %q: %v", tt.stopReason, err)
		}
		if resp.FinishReason != tt.want {
			t.Errorf("FinishReason for %q = %q, want %q", tt.stopReason, resp.FinishReason, tt.want)
		}
	}
}

func TestBedrockMalformedResponseBody(t *testing.T) {
	p := NewBedrockWithClient(&fakeModelInvoker{body: "not json"}, "")

	_, err := p.Chat(context.Background(), &agent.ChatRequest{
		Messages: []agent.Message{agent.NewUserMessage("hi")},
	})
	var agentErr *agent.Error
	if !errors.As(err, &agentErr) {
		t.Fatalf("error = %v, want *agent.Error", err)
	}
	if agentErr.Code != agent.CodeModelError {
		t.Errorf("Code = %s, want MODEL_ERROR", agentErr.Code)
	}
}

func TestBedrockErrorMapping(t *testing.T) {
	tests := []struct {
		name            string
		err             error
		wantCode        agent.Code
		wantRecoverable bool
	}{
		{
			name:            "throttled",
			err:             &brtypes.ThrottlingException{Message: aws.String("slow down")},
			wantCode:        agent.CodeRateLimit,
			wantRecoverable: true,
		},
		{
			name:            "access denied",
			err:             &brtypes.AccessDeniedException{Message: aws.String("no model access")},
			wantCode:        agent.CodeInvalidCredentials,
			wantRecoverable: false,
		},
		{
			name:            "validation",
			err:             &brtypes.ValidationException{Message: aws.String("bad body")},
			wantCode:        agent.CodeInvalidRequest,
			wantRecoverable: false,
		},
		{
			name:            "model timeout",
			err:             &brtypes.ModelTimeoutException{Message: aws.String("too slow")},
			wantCode:        agent.CodeTimeout,
			wantRecoverable: true,
		},
		{
			name:            "model not found",
			err:             &brtypes.ResourceNotFoundException{Message: aws.String("no such model")},
			wantCode:        agent.CodeInvalidRequest,
			wantRecoverable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewBedrockWithClient(&fakeModelInvoker{err: tt.err}, "")
			_, err := p.Chat(context.Background(), &agent.ChatRequest{
				Messages: []agent.Message{agent.NewUserMessage("hi")},
			})
			var agentErr *agent.Error
			if !errors.As(err, &agentErr) {
				t.Fatalf("error = %v, want *agent.Error", err)
			}
			if agentErr.Code != tt.wantCode {
				t.Errorf("Code = %s, want %s", agentErr.Code, tt.wantCode)
			}
			if agentErr.Recoverable != tt.wantRecoverable {
				t.Errorf("Recoverable = %v, want %v", agentErr.Recoverable, tt.wantRecoverable)
			}
		})
	}
}

func TestBedrockThrottleRetryAfterDefault(t *testing.T) {
	p := NewBedrockWithClient(&fakeModelInvoker{
		err: &brtypes.ThrottlingException{Message: aws.String("throttled")},
	}, "")

	_, err := p.Chat(context.Background(), &agent.ChatRequest{
		Messages: []agent.Message{agent.NewUserMessage("hi")},
	})
	var agentErr *agent.Error
	if !errors.As(err, &agentErr) {
		t.Fatalf("error = %v, want *agent.Error", err)
	}
	if agentErr.RetryAfter != 60*time.Second {
		t.Errorf("RetryAfter = %v, want 60s policy default", agentErr.RetryAfter)
	}
}
