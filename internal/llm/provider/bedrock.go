package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/drover-dev/drover/agent"
)

const (
	bedrockDefaultModel       = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	bedrockDefaultRegion      = "us-east-1"
	anthropicVersion          = "bedrock-2023-05-31"
	anthropicDefaultMaxTokens = 4096
)

func init() {
	RegisterFactory("bedrock", func(config map[string]any) (Provider, error) {
		region := configString(config, "region", "AWS_REGION", bedrockDefaultRegion)
		model := configString(config, "model", "", bedrockDefaultModel)

		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		return NewBedrockWithClient(bedrockruntime.NewFromConfig(awsCfg), model), nil
	})
}

// ModelInvoker is the slice of the Bedrock runtime client the provider
// needs. Tests substitute a scripted implementation.
type ModelInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Bedrock adapts Anthropic models on AWS Bedrock to agent.Model using the
// raw messages JSON over InvokeModel.
type Bedrock struct {
	client ModelInvoker
	model  string
}

// NewBedrockWithClient creates a Bedrock provider around an existing
// runtime client.
func NewBedrockWithClient(client ModelInvoker, model string) *Bedrock {
	if model == "" {
		model = bedrockDefaultModel
	}
	return &Bedrock{client: client, model: model}
}

// Name returns the provider name.
func (p *Bedrock) Name() string {
	return "bedrock"
}

// anthropicRequest is the messages-API body Bedrock forwards to Anthropic
// models.
type anthropicRequest struct {
	AnthropicVersion string               `json:"anthropic_version"`
	MaxTokens        int                  `json:"max_tokens"`
	System           string               `json:"system,omitempty"`
	Messages         []anthropicMessage   `json:"messages"`
	Temperature      *float64             `json:"temperature,omitempty"`
	Tools            []anthropicTool      `json:"tools,omitempty"`
	ToolChoice       *anthropicToolChoice `json:"tool_choice,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

// anthropicBlock is one content block. The populated fields depend on
// Type: "text" uses Text; "tool_use" uses ID, Name, Input; "tool_result"
// uses ToolUseID and Content.
type anthropicBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicToolChoice struct {
	Type string `json:"type"`
}

type anthropicResponse struct {
	ID         string           `json:"id"`
	Role       string           `json:"role"`
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Chat implements agent.Model.
func (p *Bedrock) Chat(ctx context.Context, req *agent.ChatRequest) (*agent.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	body, err := json.Marshal(buildAnthropicRequest(req))
	if err != nil {
		return nil, agent.WrapError(agent.CodeInvalidRequest, err, "failed to encode request body")
	}

	out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, mapBedrockError(err)
	}

	var resp anthropicResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, agent.WrapError(agent.CodeModelError, err, "failed to decode response body")
	}

	return parseAnthropicResponse(&resp), nil
}

func buildAnthropicRequest(req *agent.ChatRequest) anthropicRequest {
	aReq := anthropicRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        req.MaxTokens,
	}
	if aReq.MaxTokens <= 0 {
		aReq.MaxTokens = anthropicDefaultMaxTokens
	}
	if req.Temperature > 0 {
		temp := req.Temperature
		aReq.Temperature = &temp
	}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case agent.RoleSystem:
			system = append(system, m.Content)

		case agent.RoleAssistant:
			blocks := make([]anthropicBlock, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Content})
			}
			for _, call := range m.ToolCalls {
				input := call.Arguments
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropicBlock{
					Type:  "tool_use",
					ID:    call.ID,
					Name:  call.Name,
					Input: input,
				})
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: ""})
			}
			appendAnthropicMessage(&aReq.Messages, "assistant", blocks)

		case agent.RoleTool:
			appendAnthropicMessage(&aReq.Messages, "user", []anthropicBlock{{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
			}})

		default:
			appendAnthropicMessage(&aReq.Messages, "user", []anthropicBlock{{
				Type: "text",
				Text: m.Content,
			}})
		}
	}

	if len(req.Tools) > 0 && req.ToolChoice != agent.ToolChoiceNone {
		aReq.Tools = make([]anthropicTool, len(req.Tools))
		for i, t := range req.Tools {
			schema := t.Parameters
			if len(schema) == 0 {
				schema = json.RawMessage(`{"type":"object"}`)
			}
			aReq.Tools[i] = anthropicTool{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: schema,
			}
		}
		if req.ToolChoice == agent.ToolChoiceRequired {
			aReq.ToolChoice = &anthropicToolChoice{Type: "any"}
		} else {
			aReq.ToolChoice = &anthropicToolChoice{Type: "auto"}
		}
	}

	// The messages API has no response-format parameter; steer JSON output
	// through the system prompt instead.
	if req.ResponseFormat != nil {
		instruction := "Respond with a single valid JSON object and nothing else."
		if len(req.ResponseFormat.Schema) > 0 {
			if raw, err := json.Marshal(req.ResponseFormat.Schema); err == nil {
				instruction += " The object must conform to this JSON schema: " + string(raw)
			}
		}
		system = append(system, instruction)
	}

	aReq.System = strings.Join(system, "\n\n")
	return aReq
}

// appendAnthropicMessage merges consecutive same-role messages, which the
// messages API requires: several tool results after one assistant turn
// must arrive as blocks of a single user message.
func appendAnthropicMessage(messages *[]anthropicMessage, role string, blocks []anthropicBlock) {
	if n := len(*messages); n > 0 && (*messages)[n-1].Role == role {
		(*messages)[n-1].Content = append((*messages)[n-1].Content, blocks...)
		return
	}
	*messages = append(*messages, anthropicMessage{Role: role, Content: blocks})
}

func parseAnthropicResponse(resp *anthropicResponse) *agent.ChatResponse {
	result := &agent.ChatResponse{
		Usage: agent.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			result.Content += block.Text
		case "tool_use":
			id := block.ID
			if id == "" {
				id = agent.NewToolCallID()
			}
			args := block.Input
			if args == nil {
				args = map[string]any{}
			}
			result.ToolCalls = append(result.ToolCalls, agent.ToolCall{
				ID:        id,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}

	switch resp.StopReason {
	case "end_turn", "stop_sequence":
		result.FinishReason = "stop"
	case "tool_use":
		result.FinishReason = "tool_calls"
	case "max_tokens":
		result.FinishReason = "length"
	default:
		result.FinishReason = resp.StopReason
	}

	return result
}

func mapBedrockError(err error) error {
	var throttle *brtypes.ThrottlingException
	if errors.As(err, &throttle) {
		return agent.ClassifyStatus(429, aws.ToString(throttle.Message), 0)
	}
	var denied *brtypes.AccessDeniedException
	if errors.As(err, &denied) {
		return agent.ClassifyStatus(403, aws.ToString(denied.Message), 0)
	}
	var invalid *brtypes.ValidationException
	if errors.As(err, &invalid) {
		return agent.ClassifyStatus(400, aws.ToString(invalid.Message), 0)
	}
	var timeout *brtypes.ModelTimeoutException
	if errors.As(err, &timeout) {
		return agent.ClassifyStatus(408, aws.ToString(timeout.Message), 0)
	}
	var notFound *brtypes.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return agent.ClassifyStatus(404, aws.ToString(notFound.Message), 0)
	}
	return agent.Classify(err, agent.SiteModel)
}
