package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ToolChoice controls whether the model may, must, or must not call tools.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceRequired ToolChoice = "required"
	ToolChoiceNone     ToolChoice = "none"
)

// OutputFormat selects how a run's final answer is shaped.
type OutputFormat string

const (
	// OutputText returns the assistant's final text unchanged.
	OutputText OutputFormat = "text"
	// OutputJSON asks the model for a JSON object and decodes it.
	OutputJSON OutputFormat = "json"
	// OutputStructured enforces a caller-supplied JSON schema.
	OutputStructured OutputFormat = "structured"
	// OutputFull additionally returns the complete message history.
	OutputFull OutputFormat = "full"
)

// RoutingStrategy selects how a coordinator distributes work.
type RoutingStrategy string

const (
	// RouteAuto lets the coordinating model choose delegations turn by turn.
	RouteAuto RoutingStrategy = "auto"
	// RouteBroadcast sends the same task to every sub-agent.
	RouteBroadcast RoutingStrategy = "broadcast"
	// RouteSequential pipelines sub-agents in roster order.
	RouteSequential RoutingStrategy = "sequential"
)

// AggregationMode selects how sub-agent results are combined.
type AggregationMode string

const (
	AggregateSynthesize  AggregationMode = "synthesize"
	AggregateConcatenate AggregationMode = "concatenate"
	AggregateBest        AggregationMode = "best"
	AggregateStructured  AggregationMode = "structured"
)

// ToolDefinition is the provider-facing description of a callable tool.
type ToolDefinition struct {
	// Name is the exact name the model must use to call the tool.
	Name string `json:"name"`

	// Description tells the model what the tool does.
	Description string `json:"description"`

	// Parameters is a JSON-schema object describing the arguments.
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// ResponseFormat asks the model to emit machine-parseable output.
type ResponseFormat struct {
	// Type is "json_object" for free-form JSON or "json_schema" when a
	// schema is enforced.
	Type string `json:"type"`

	// Name labels the schema for providers that require one.
	Name string `json:"name,omitempty"`

	// Schema is the JSON-schema object for "json_schema" formats.
	Schema map[string]any `json:"schema,omitempty"`
}

// ChatRequest is one model invocation.
type ChatRequest struct {
	// Model optionally routes to a specific model within the provider.
	Model string

	Messages []Message

	// Tools offered for this turn. Empty means the model cannot call tools.
	Tools []ToolDefinition

	// ToolChoice applies only when Tools is non-empty.
	ToolChoice ToolChoice

	// ResponseFormat, when set, constrains the output shape.
	ResponseFormat *ResponseFormat

	Temperature float64
	MaxTokens   int
}

// ChatResponse is the normalized result of one model invocation.
type ChatResponse struct {
	// Content is the assistant text, empty when the turn only carries
	// tool calls.
	Content string

	// ToolCalls are the invocations the model requested, in order.
	ToolCalls []ToolCall

	// FinishReason is the provider's stop reason ("stop", "tool_calls",
	// "length", ...).
	FinishReason string

	Usage Usage
}

// Model is the language-model collaborator. Implementations translate the
// normalized request into a concrete provider API.
type Model interface {
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// Memory is the conversation-history collaborator. A nil Memory is legal;
// the engine then runs without persisted history. Failures from any method
// degrade the run (empty history, skipped persist) but never abort it.
type Memory interface {
	// GetMessages returns the stored history for a session, oldest first.
	GetMessages(ctx context.Context, sessionID string) ([]Message, error)

	// AddMessage appends one message to a session's history.
	AddMessage(ctx context.Context, sessionID string, msg Message) error

	// Clear removes a session's history.
	Clear(ctx context.Context, sessionID string) error
}

// Tool is one callable capability offered to the model.
type Tool interface {
	// Definition describes the tool to the model.
	Definition() ToolDefinition

	// Execute runs the tool. A returned error is absorbed by the engine as
	// a failed outcome; it never aborts the run.
	Execute(ctx context.Context, args map[string]any) (*ToolOutcome, error)
}

// ToolOutcome is the structured result of a tool execution.
type ToolOutcome struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`

	// HumanInput, when set, suspends the run until a person responds.
	HumanInput *HumanInputRequest `json:"humanInput,omitempty"`
}

// HumanInputRequest is a tool's signal that the run needs a person.
type HumanInputRequest struct {
	// Question is shown to the human.
	Question string `json:"question"`

	// TimeoutSeconds bounds the wait. Zero waits indefinitely.
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
}

// SubAgent is a delegation target owned by a coordinator.
type SubAgent interface {
	// ID uniquely identifies the agent instance.
	ID() string

	// Name is the display name; the coordinator derives the delegation
	// tool name from it.
	Name() string

	// Description tells the coordinating model what the agent is good at.
	Description() string

	// ExecuteTask runs one delegated task to completion. Implementations
	// must capture their own failures in the result rather than panic.
	ExecuteTask(ctx context.Context, req *TaskRequest) (*TaskResult, error)
}

// TaskRequest is one delegated unit of work.
type TaskRequest struct {
	// Task is the instruction for the sub-agent.
	Task string

	// Context carries upstream results for pipeline stages.
	Context string

	// ExpectedOutput hints at the desired answer shape.
	ExpectedOutput string

	// SharedContext is the rolling window of recent successful delegation
	// results, newest last.
	SharedContext []string

	// SessionID scopes the sub-agent's own history.
	SessionID string

	// FallbackModel is used when the sub-agent has no model of its own.
	FallbackModel Model
}

// TaskResult is the outcome of one delegation.
type TaskResult struct {
	Success  bool        `json:"success"`
	Response string      `json:"response,omitempty"`
	Error    string      `json:"error,omitempty"`
	Metadata RunMetadata `json:"metadata"`
}

// Run limits. A zero value in RunConfig selects the default; values outside
// the allowed range are rejected.
const (
	DefaultMaxIterations = 10
	MaxIterationsLimit   = 50

	DefaultMaxDelegations = 10
	MaxDelegationsLimit   = 50

	DefaultTimeoutMS = 300_000
	MinTimeoutMS     = 1_000
	MaxTimeoutMS     = 600_000

	DefaultSessionID = "default"
)

// RunConfig describes one standalone agent run.
type RunConfig struct {
	// SystemPrompt seeds a fresh conversation. Ignored when history exists.
	SystemPrompt string `json:"systemPrompt,omitempty" yaml:"system_prompt"`

	// UserMessage is the new user turn. Required.
	UserMessage string `json:"userMessage" yaml:"user_message"`

	// MaxIterations bounds model calls per run (1 to 50, default 10).
	MaxIterations int `json:"maxIterations,omitempty" yaml:"max_iterations"`

	// ToolChoice defaults to auto.
	ToolChoice ToolChoice `json:"toolChoice,omitempty" yaml:"tool_choice"`

	// OutputFormat defaults to text.
	OutputFormat OutputFormat `json:"outputFormat,omitempty" yaml:"output_format"`

	// OutputSchema is required when OutputFormat is structured and must
	// declare a JSON-schema object type.
	OutputSchema map[string]any `json:"outputSchema,omitempty" yaml:"output_schema"`

	// SessionID scopes persisted history. Empty or whitespace falls back
	// to "default".
	SessionID string `json:"sessionId,omitempty" yaml:"session_id"`

	// TimeoutMS bounds the whole run (1000 to 600000, default 300000).
	TimeoutMS int `json:"timeoutMs,omitempty" yaml:"timeout_ms"`

	// Reset clears the session's stored history before the run.
	Reset bool `json:"reset,omitempty" yaml:"reset"`

	// ExecutionID identifies the run for pause/resume and checkpoints.
	// Generated when empty.
	ExecutionID string `json:"executionId,omitempty" yaml:"execution_id"`
}

// Normalize applies defaults in place and validates ranges. It returns an
// INVALID_REQUEST error naming the offending field otherwise.
func (c *RunConfig) Normalize() error {
	if strings.TrimSpace(c.UserMessage) == "" {
		return NewError(CodeInvalidRequest, "userMessage is required")
	}

	if c.MaxIterations == 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.MaxIterations < 1 || c.MaxIterations > MaxIterationsLimit {
		return NewError(CodeInvalidRequest, "maxIterations must be between 1 and %d, got %d", MaxIterationsLimit, c.MaxIterations)
	}

	if c.TimeoutMS == 0 {
		c.TimeoutMS = DefaultTimeoutMS
	}
	if c.TimeoutMS < MinTimeoutMS || c.TimeoutMS > MaxTimeoutMS {
		return NewError(CodeInvalidRequest, "timeoutMs must be between %d and %d, got %d", MinTimeoutMS, MaxTimeoutMS, c.TimeoutMS)
	}

	switch c.ToolChoice {
	case "":
		c.ToolChoice = ToolChoiceAuto
	case ToolChoiceAuto, ToolChoiceRequired, ToolChoiceNone:
	default:
		return NewError(CodeInvalidRequest, "toolChoice must be auto, required, or none, got %q", c.ToolChoice)
	}

	switch c.OutputFormat {
	case "":
		c.OutputFormat = OutputText
	case OutputText, OutputJSON, OutputFull:
	case OutputStructured:
		if len(c.OutputSchema) == 0 {
			return NewError(CodeInvalidRequest, "outputFormat structured requires outputSchema")
		}
		if t, _ := c.OutputSchema["type"].(string); t != "object" {
			return NewError(CodeInvalidRequest, "outputSchema must declare a JSON-schema object type")
		}
	default:
		return NewError(CodeInvalidRequest, "outputFormat must be text, json, structured, or full, got %q", c.OutputFormat)
	}

	if strings.TrimSpace(c.SessionID) == "" {
		c.SessionID = DefaultSessionID
	}
	if c.ExecutionID == "" {
		c.ExecutionID = uuid.NewString()
	}
	return nil
}

// RunResult is the outcome of a standalone run.
type RunResult struct {
	// Response is the assistant's final text (raw text kept when
	// structured parsing fails).
	Response string `json:"response"`

	// Structured holds the decoded object for json and structured formats.
	Structured map[string]any `json:"structured,omitempty"`

	Metadata RunMetadata `json:"metadata"`

	// ToolCalls is the dispatch ledger for the run.
	ToolCalls []ToolCallRecord `json:"toolCalls,omitempty"`

	// Messages is the full conversation; populated only for OutputFull.
	Messages []Message `json:"messages,omitempty"`

	// Paused is set when the run suspended for human input.
	Paused *PauseInfo `json:"paused,omitempty"`
}

// Decode unmarshals the structured payload (or, failing that, the raw
// response text) into v.
func (r *RunResult) Decode(v any) error {
	if r.Structured != nil {
		data, err := json.Marshal(r.Structured)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, v)
	}
	if err := json.Unmarshal([]byte(r.Response), v); err != nil {
		return fmt.Errorf("response carries no structured payload: %w", err)
	}
	return nil
}

// PauseInfo describes a run suspended for human input. The execution id is
// the key for resume and cancel calls on the pause registry.
type PauseInfo struct {
	ExecutionID string `json:"executionId"`
	Question    string `json:"question"`

	// TimeoutSeconds is the configured human-response bound, zero for
	// indefinite.
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
}

// CoordinatorConfig describes one coordinated multi-agent run.
type CoordinatorConfig struct {
	RunConfig `yaml:",inline"`

	// RoutingStrategy defaults to auto.
	RoutingStrategy RoutingStrategy `json:"routingStrategy,omitempty" yaml:"routing_strategy"`

	// MaxDelegations bounds sub-agent invocations (1 to 50, default 10).
	MaxDelegations int `json:"maxDelegations,omitempty" yaml:"max_delegations"`

	// AggregationMode defaults to concatenate.
	AggregationMode AggregationMode `json:"aggregationMode,omitempty" yaml:"aggregation_mode"`

	// ParallelExecution runs broadcast rounds concurrently.
	ParallelExecution bool `json:"parallelExecution,omitempty" yaml:"parallel_execution"`
}

// Normalize applies defaults and validates both the embedded run options
// and the coordinator-specific ones.
func (c *CoordinatorConfig) Normalize() error {
	if err := c.RunConfig.Normalize(); err != nil {
		return err
	}

	switch c.RoutingStrategy {
	case "":
		c.RoutingStrategy = RouteAuto
	case RouteAuto, RouteBroadcast, RouteSequential:
	default:
		return NewError(CodeInvalidRequest, "routingStrategy must be auto, broadcast, or sequential, got %q", c.RoutingStrategy)
	}

	if c.MaxDelegations == 0 {
		c.MaxDelegations = DefaultMaxDelegations
	}
	if c.MaxDelegations < 1 || c.MaxDelegations > MaxDelegationsLimit {
		return NewError(CodeInvalidRequest, "maxDelegations must be between 1 and %d, got %d", MaxDelegationsLimit, c.MaxDelegations)
	}

	switch c.AggregationMode {
	case "":
		c.AggregationMode = AggregateConcatenate
	case AggregateSynthesize, AggregateConcatenate, AggregateBest, AggregateStructured:
	default:
		return NewError(CodeInvalidRequest, "aggregationMode must be synthesize, concatenate, best, or structured, got %q", c.AggregationMode)
	}
	return nil
}

// CoordinatorResult is the outcome of a coordinated run.
type CoordinatorResult struct {
	Response   string         `json:"response"`
	Structured map[string]any `json:"structured,omitempty"`

	// Delegations is the complete delegation ledger, in invocation order.
	Delegations []DelegationRecord `json:"delegations,omitempty"`

	Metadata RunMetadata `json:"metadata"`
}
