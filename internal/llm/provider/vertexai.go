package provider

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/drover-dev/drover/agent"
)

const (
	vertexDefaultModel    = "gemini-2.0-flash"
	vertexDefaultLocation = "us-central1"
	vertexClientTimeout   = 30 * time.Second

	// Quota blips are retried here, inside the provider, with short jittered
	// delays. Everything else is left to the invoker's retry policy so the
	// two loops do not multiply.
	vertexQuotaRetries = 3
	vertexBaseDelay    = 1 * time.Second
	vertexMaxDelay     = 8 * time.Second
	vertexJitterFactor = 0.3
)

func init() {
	RegisterFactory("vertexai", func(config map[string]any) (Provider, error) {
		projectID, err := requireConfigString(config, "project_id", "GOOGLE_CLOUD_PROJECT")
		if err != nil {
			return nil, err
		}
		location := configString(config, "location", "VERTEX_AI_LOCATION", vertexDefaultLocation)
		model := configString(config, "model", "", vertexDefaultModel)

		return NewVertexAI(projectID, location, model)
	})
}

// VertexAI adapts Gemini models on Vertex AI to agent.Model. It uses
// Application Default Credentials for authentication.
type VertexAI struct {
	projectID string
	location  string
	model     string
	client    *genai.Client
}

// NewVertexAI creates a Vertex AI provider.
func NewVertexAI(projectID, location, model string) (*VertexAI, error) {
	ctx, cancel := context.WithTimeout(context.Background(), vertexClientTimeout)
	defer cancel()

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  projectID,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Vertex AI client: %w", err)
	}

	if model == "" {
		model = vertexDefaultModel
	}

	return &VertexAI{
		projectID: projectID,
		location:  location,
		model:     model,
		client:    client,
	}, nil
}

// Name returns the provider name.
func (p *VertexAI) Name() string {
	return "vertexai"
}

// Chat implements agent.Model.
func (p *VertexAI) Chat(ctx context.Context, req *agent.ChatRequest) (*agent.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	config := &genai.GenerateContentConfig{}
	config.Temperature = genai.Ptr(float32(req.Temperature))
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}

	contents, systemInstruction := buildVertexContents(req.Messages)
	if systemInstruction != nil {
		config.SystemInstruction = systemInstruction
	}

	if len(req.Tools) > 0 && req.ToolChoice != agent.ToolChoiceNone {
		config.Tools = buildVertexTools(req.Tools)
		if req.ToolChoice == agent.ToolChoiceRequired {
			config.ToolConfig = &genai.ToolConfig{
				FunctionCallingConfig: &genai.FunctionCallingConfig{
					Mode: genai.FunctionCallingConfigModeAny,
				},
			}
		}
	}

	if rf := req.ResponseFormat; rf != nil {
		config.ResponseMIMEType = "application/json"
		if len(rf.Schema) > 0 {
			if raw, err := json.Marshal(rf.Schema); err == nil {
				var schema *genai.Schema
				if err := json.Unmarshal(raw, &schema); err == nil {
					config.ResponseSchema = schema
				}
			}
		}
	}

	var resp *genai.GenerateContentResponse
	var err error
	for attempt := 0; attempt < vertexQuotaRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, agent.Classify(ctx.Err(), agent.SiteModel)
			case <-time.After(vertexBackoff(attempt)):
			}
		}

		resp, err = p.client.Models.GenerateContent(ctx, model, contents, config)
		if err == nil {
			break
		}
		if !isVertexQuotaError(err) {
			return nil, agent.Classify(err, agent.SiteModel)
		}
	}
	if err != nil {
		return nil, agent.Classify(err, agent.SiteModel)
	}

	return parseVertexResponse(resp)
}

// buildVertexContents converts conversation messages into Gen AI contents.
// System turns become the system instruction. Tool-role messages become
// function responses; their tool name is recovered from the assistant call
// they answer, since Gemini correlates by name rather than call id.
func buildVertexContents(messages []agent.Message) ([]*genai.Content, *genai.Content) {
	callNames := make(map[string]string)
	for _, m := range messages {
		for _, call := range m.ToolCalls {
			callNames[call.ID] = call.Name
		}
	}

	var systemInstruction *genai.Content
	contents := make([]*genai.Content, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case agent.RoleSystem:
			systemInstruction = &genai.Content{
				Parts: []*genai.Part{{Text: m.Content}},
			}

		case agent.RoleAssistant:
			parts := make([]*genai.Part, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			for _, call := range m.ToolCalls {
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						Name: call.Name,
						Args: call.Arguments,
					},
				})
			}
			if len(parts) == 0 {
				parts = append(parts, &genai.Part{Text: ""})
			}
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})

		case agent.RoleTool:
			name := callNames[m.ToolCallID]
			var response map[string]any
			if name != "" && json.Unmarshal([]byte(m.Content), &response) == nil {
				contents = append(contents, &genai.Content{
					Role: "function",
					Parts: []*genai.Part{{
						FunctionResponse: &genai.FunctionResponse{
							Name:     name,
							Response: response,
						},
					}},
				})
				continue
			}
			// Unattributable tool output still reaches the model as text.
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: m.Content}},
			})

		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: m.Content}},
			})
		}
	}

	return contents, systemInstruction
}

func buildVertexTools(tools []agent.ToolDefinition) []*genai.Tool {
	funcDecls := make([]*genai.FunctionDeclaration, len(tools))
	for i, t := range tools {
		var params *genai.Schema
		if len(t.Parameters) > 0 {
			_ = json.Unmarshal(t.Parameters, &params)
		}
		funcDecls[i] = &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		}
	}
	return []*genai.Tool{{FunctionDeclarations: funcDecls}}
}

func parseVertexResponse(resp *genai.GenerateContentResponse) (*agent.ChatResponse, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, agent.NewError(agent.CodeModelError, "no candidates in response")
	}

	candidate := resp.Candidates[0]
	result := &agent.ChatResponse{}

	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				result.Content += part.Text
			}
			if part.FunctionCall != nil {
				result.ToolCalls = append(result.ToolCalls, agent.ToolCall{
					// Gemini correlates function responses by name.
					ID:        part.FunctionCall.Name,
					Name:      part.FunctionCall.Name,
					Arguments: part.FunctionCall.Args,
				})
			}
		}
	}

	switch {
	case len(result.ToolCalls) > 0:
		result.FinishReason = "tool_calls"
	case string(candidate.FinishReason) == "STOP" || candidate.FinishReason == "":
		result.FinishReason = "stop"
	default:
		result.FinishReason = strings.ToLower(string(candidate.FinishReason))
	}

	if resp.UsageMetadata != nil {
		result.Usage = agent.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}

	return result, nil
}

func isVertexQuotaError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "quota") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "resource exhausted") ||
		strings.Contains(msg, "unavailable")
}

// vertexBackoff returns the delay before retry attempt n, exponential
// with ±30% jitter.
func vertexBackoff(attempt int) time.Duration {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 31 {
		shift = 31
	}
	delay := time.Duration(1<<uint(shift)) * vertexBaseDelay
	if delay > vertexMaxDelay {
		delay = vertexMaxDelay
	}
	jitter := time.Duration(float64(delay) * vertexJitterFactor * (cryptoRandFloat64()*2 - 1))
	return delay + jitter
}

// cryptoRandFloat64 returns a random float64 in [0.0, 1.0).
func cryptoRandFloat64() float64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0.5
	}
	return float64(binary.BigEndian.Uint64(b[:])>>11) / (1 << 53)
}
