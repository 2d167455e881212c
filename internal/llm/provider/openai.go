package provider

import (
	"context"
	"encoding/json"
	"errors"

	openai "github.com/sashabaranov/go-openai"

	"github.com/drover-dev/drover/agent"
)

const openaiDefaultModel = "gpt-4o"

func init() {
	RegisterFactory("openai", func(config map[string]any) (Provider, error) {
		apiKey, err := requireConfigString(config, "api_key", "OPENAI_API_KEY")
		if err != nil {
			return nil, err
		}

		baseURL := configString(config, "base_url", "OPENAI_BASE_URL", "")
		model := configString(config, "model", "", openaiDefaultModel)

		return NewOpenAI(apiKey, baseURL, model), nil
	})
}

// ChatCompleter is the slice of the OpenAI client the provider needs.
// Tests substitute a scripted implementation.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI adapts the OpenAI chat completions API to agent.Model.
type OpenAI struct {
	client ChatCompleter
	model  string
}

// NewOpenAI creates an OpenAI provider. An empty baseURL uses the public
// API; set it for Azure or compatible gateways.
func NewOpenAI(apiKey, baseURL, model string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openaiDefaultModel
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), model: model}
}

// NewOpenAIWithClient creates a provider around an existing client.
func NewOpenAIWithClient(client ChatCompleter, model string) *OpenAI {
	if model == "" {
		model = openaiDefaultModel
	}
	return &OpenAI{client: client, model: model}
}

// Name returns the provider name.
func (p *OpenAI) Name() string {
	return "openai"
}

// Chat implements agent.Model.
func (p *OpenAI) Chat(ctx context.Context, req *agent.ChatRequest) (*agent.ChatResponse, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req))
	if err != nil {
		return nil, mapOpenAIError(err)
	}
	return parseOpenAIResponse(&resp)
}

func (p *OpenAI) buildRequest(req *agent.ChatRequest) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, call := range m.ToolCalls {
			args, err := json.Marshal(call.Arguments)
			if err != nil {
				args = []byte("{}")
			}
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: string(args),
				},
			})
		}
		messages = append(messages, msg)
	}

	oReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	}

	if len(req.Tools) > 0 {
		oReq.Tools = make([]openai.Tool, len(req.Tools))
		for i, t := range req.Tools {
			oReq.Tools[i] = openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			}
		}
		switch req.ToolChoice {
		case agent.ToolChoiceRequired:
			oReq.ToolChoice = "required"
		case agent.ToolChoiceNone:
			oReq.ToolChoice = "none"
		case agent.ToolChoiceAuto:
			oReq.ToolChoice = "auto"
		}
	}

	if rf := req.ResponseFormat; rf != nil {
		switch rf.Type {
		case "json_schema":
			name := rf.Name
			if name == "" {
				name = "response"
			}
			schema, err := json.Marshal(rf.Schema)
			if err != nil {
				schema = []byte("{}")
			}
			oReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
				JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
					Name:   name,
					Schema: json.RawMessage(schema),
				},
			}
		default:
			oReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			}
		}
	}

	return oReq
}

func parseOpenAIResponse(resp *openai.ChatCompletionResponse) (*agent.ChatResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, agent.NewError(agent.CodeModelError, "no choices in response")
	}

	choice := resp.Choices[0]
	result := &agent.ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: agent.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}

	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			args = map[string]any{}
		}
		id := tc.ID
		if id == "" {
			id = agent.NewToolCallID()
		}
		result.ToolCalls = append(result.ToolCalls, agent.ToolCall{
			ID:        id,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	if len(result.ToolCalls) > 0 && result.FinishReason == "" {
		result.FinishReason = "tool_calls"
	}

	return result, nil
}

func mapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return agent.ClassifyStatus(apiErr.HTTPStatusCode, apiErr.Message, 0)
	}
	return agent.Classify(err, agent.SiteModel)
}
