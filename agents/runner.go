package agents

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/drover-dev/drover/agent"
	"github.com/drover-dev/drover/internal/llm"
	"github.com/drover-dev/drover/internal/observability"
	metrics "github.com/drover-dev/drover/pkg/observability"
	"github.com/drover-dev/drover/pkg/pause"
	"github.com/drover-dev/drover/pkg/tool"
)

// Runner executes single-agent runs: the iteration loop over the model,
// tool dispatch, history persistence, and the pause protocol for human
// input. A Runner is safe for concurrent runs; all per-run state lives in
// the RunState created for each call.
type Runner struct {
	name         string
	model        agent.Model
	memory       agent.Memory
	tools        *tool.Registry
	dispatcher   *Dispatcher
	pauses       *pause.Registry
	checkpointer pause.Checkpointer
	invokerOpts  []llm.Option
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithName labels the runner in logs, metrics, and traces.
func WithName(name string) RunnerOption {
	return func(r *Runner) {
		if name != "" {
			r.name = name
		}
	}
}

// WithMemory attaches persisted conversation history. Without it the
// runner is stateless and every run starts fresh.
func WithMemory(m agent.Memory) RunnerOption {
	return func(r *Runner) { r.memory = m }
}

// WithTools sets the tools offered to the model.
func WithTools(reg *tool.Registry) RunnerOption {
	return func(r *Runner) {
		if reg != nil {
			r.tools = reg
		}
	}
}

// WithPauseRegistry enables the human-input pause protocol. The
// checkpointer is optional; when set, paused runs are persisted so they
// survive a restart and can be resumed later.
func WithPauseRegistry(reg *pause.Registry, cp pause.Checkpointer) RunnerOption {
	return func(r *Runner) {
		r.pauses = reg
		r.checkpointer = cp
	}
}

// WithInvokerOptions tunes the retry and rate-limit behavior of the
// model invoker. Ignored when the model is already an *llm.Invoker.
func WithInvokerOptions(opts ...llm.Option) RunnerOption {
	return func(r *Runner) { r.invokerOpts = append(r.invokerOpts, opts...) }
}

// NewRunner builds a runner around the given model. Unless the model is
// already an invoker it is wrapped in one, so every run gets retry with
// backoff for recoverable provider failures.
func NewRunner(model agent.Model, opts ...RunnerOption) *Runner {
	r := &Runner{
		name:  "agent",
		tools: tool.NewRegistry(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if inv, ok := model.(*llm.Invoker); ok {
		r.model = inv
	} else {
		invOpts := append([]llm.Option{llm.WithName(r.name)}, r.invokerOpts...)
		r.model = llm.New(model, invOpts...)
	}
	r.dispatcher = NewDispatcher(r.tools)
	return r
}

// Tools returns the registry the runner offers to the model.
func (r *Runner) Tools() *tool.Registry { return r.tools }

// Name returns the runner's label.
func (r *Runner) Name() string { return r.name }

// Run executes one run to a terminal status. The returned error carries
// the classified failure; on MAX_ITERATIONS, timeout, and model failure
// the partial result (metadata plus the tool ledger) comes back alongside
// it. A run that pauses for human input returns a result whose Paused
// field names the execution to resume.
func (r *Runner) Run(ctx context.Context, cfg agent.RunConfig) (*agent.RunResult, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.TimeoutMS)*time.Millisecond)
	defer cancel()

	ctx, span := observability.StartSpan(ctx, "agent.run", map[string]any{
		"agent.name":   r.name,
		"session.id":   cfg.SessionID,
		"execution.id": cfg.ExecutionID,
	})
	defer span.End()

	state := agent.NewRunState(cfg.SessionID, cfg.ExecutionID, cfg.MaxIterations)

	if cfg.Reset && r.memory != nil {
		if err := r.memory.Clear(ctx, cfg.SessionID); err != nil {
			log.Printf("Warning: failed to reset session %s: %v", cfg.SessionID, err)
		}
	}

	base := r.loadHistory(ctx, cfg.SessionID)
	state.SetMessages(base)
	if len(base) == 0 && cfg.SystemPrompt != "" {
		state.AddMessage(agent.NewSystemMessage(cfg.SystemPrompt))
	}
	state.AddMessage(agent.NewUserMessage(cfg.UserMessage))

	return r.loop(ctx, span, cfg, state, len(base))
}

// loop is the iteration cycle shared by Run and Resume: invoke the model,
// dispatch any tool calls, and stop on a tool-free answer, a pause, the
// iteration cap, or a fatal failure. baseLen marks how much of the
// conversation is already persisted.
func (r *Runner) loop(ctx context.Context, span *observability.Span, cfg agent.RunConfig, state *agent.RunState, baseLen int) (*agent.RunResult, error) {
	start := time.Now()
	ledger := &agent.ToolLedger{}

	toolChoice := cfg.ToolChoice
	var defs []agent.ToolDefinition
	if toolChoice != agent.ToolChoiceNone {
		defs = r.dispatcher.Definitions()
	}
	if len(defs) == 0 {
		toolChoice = agent.ToolChoiceNone
	}

	for !state.HasReachedMaxIterations() {
		if err := ctx.Err(); err != nil {
			return r.abort(span, state, ledger, start, deadlineError(ctx, err))
		}
		state.IncrementIteration()

		resp, err := r.model.Chat(ctx, &agent.ChatRequest{
			Messages:       state.Messages,
			Tools:          defs,
			ToolChoice:     toolChoice,
			ResponseFormat: responseFormat(cfg),
		})
		if err != nil {
			return r.abort(span, state, ledger, start, err)
		}
		state.AddUsage(resp.Usage)

		if len(resp.ToolCalls) == 0 {
			return r.finish(ctx, span, cfg, state, ledger, baseLen, start, resp.Content)
		}

		calls := assignCallIDs(resp.ToolCalls)
		state.AddMessage(agent.NewAssistantToolCalls(resp.Content, calls))

		// A forced first tool call has happened; keep forcing it and the
		// model could never answer.
		if toolChoice == agent.ToolChoiceRequired {
			toolChoice = agent.ToolChoiceAuto
		}

		for _, call := range calls {
			outcome := r.dispatcher.Dispatch(ctx, state, ledger, call)

			if outcome.HumanInput != nil && outcome.Success {
				paused, perr := r.pauseRun(ctx, state, ledger, outcome.HumanInput, start)
				if perr == nil {
					return paused, nil
				}
				// Pause refused (no registry, duplicate execution):
				// degrade to a failed tool outcome and keep going.
				outcome = &agent.ToolOutcome{Success: false, Error: perr.Error()}
			}

			state.AddMessage(agent.NewToolMessage(call.ID, marshalOutcome(outcome)))
		}
	}

	state.MarkMaxIterations()
	err := agent.NewError(agent.CodeMaxIterations,
		"no final answer after %d iterations", cfg.MaxIterations)
	return r.abort(span, state, ledger, start, err)
}

// finish handles a tool-free assistant turn: persist the new turns, parse
// structured output, and assemble the result.
func (r *Runner) finish(ctx context.Context, span *observability.Span, cfg agent.RunConfig, state *agent.RunState, ledger *agent.ToolLedger, baseLen int, start time.Time, content string) (*agent.RunResult, error) {
	state.AddMessage(agent.NewAssistantMessage(content))
	state.MarkCompleted()

	r.persistDelta(ctx, cfg.SessionID, baseLen, state.Messages)

	result := &agent.RunResult{
		Response:  content,
		Metadata:  state.Metadata(),
		ToolCalls: ledger.Records(),
	}
	if cfg.OutputFormat == agent.OutputJSON || cfg.OutputFormat == agent.OutputStructured {
		structured, err := parseStructured(content)
		if err != nil {
			log.Printf("Warning: run %s produced unparseable %s output: %v",
				cfg.ExecutionID, cfg.OutputFormat, err)
		} else {
			result.Structured = structured
		}
	}
	if cfg.OutputFormat == agent.OutputFull {
		result.Messages = agent.CloneMessages(state.Messages)
	}

	span.SetAttribute("run.iterations", state.CurrentIteration)
	metrics.RecordRun(r.name, string(state.Status), time.Since(start), state.CurrentIteration)
	return result, nil
}

// pauseRun suspends the run for human input: park a ticket in the
// registry, checkpoint the conversation, and hand the execution id back
// to the caller.
func (r *Runner) pauseRun(ctx context.Context, state *agent.RunState, ledger *agent.ToolLedger, req *agent.HumanInputRequest, start time.Time) (*agent.RunResult, error) {
	if r.pauses == nil {
		return nil, agent.NewError(agent.CodeToolExecutionError,
			"human input is not available in this run")
	}

	_, err := r.pauses.Pause(pause.PauseRequest{
		ExecutionID:    state.ExecutionID,
		SessionID:      state.SessionID,
		Question:       req.Question,
		TimeoutSeconds: req.TimeoutSeconds,
	})
	if err != nil {
		return nil, agent.WrapError(agent.CodeToolExecutionError, err,
			"cannot pause execution %s", state.ExecutionID)
	}

	if r.checkpointer != nil {
		now := time.Now().UTC()
		cp := &pause.Checkpoint{
			ExecutionID: state.ExecutionID,
			SessionID:   state.SessionID,
			Status:      pause.CheckpointPaused,
			Question:    req.Question,
			Messages:    agent.SanitizeMessages(state.Messages),
			CreatedAt:   now,
			PausedAt:    &now,
		}
		if cerr := r.checkpointer.Save(ctx, cp); cerr != nil {
			log.Printf("Warning: failed to checkpoint paused execution %s: %v",
				state.ExecutionID, cerr)
		}
	}

	state.MarkWaitingForHuman()
	metrics.SetPausedRuns(len(r.pauses.List()))
	metrics.RecordRun(r.name, string(state.Status), time.Since(start), state.CurrentIteration)

	return &agent.RunResult{
		Metadata:  state.Metadata(),
		ToolCalls: ledger.Records(),
		Paused: &agent.PauseInfo{
			ExecutionID:    state.ExecutionID,
			Question:       req.Question,
			TimeoutSeconds: req.TimeoutSeconds,
		},
	}, nil
}

// abort marks the run failed (unless a cap already set the status) and
// returns the partial result alongside the error.
func (r *Runner) abort(span *observability.Span, state *agent.RunState, ledger *agent.ToolLedger, start time.Time, err error) (*agent.RunResult, error) {
	if !state.Status.Terminal() {
		state.MarkFailed()
	}
	span.SetError(err)
	metrics.RecordRun(r.name, string(state.Status), time.Since(start), state.CurrentIteration)
	return &agent.RunResult{
		Metadata:  state.Metadata(),
		ToolCalls: ledger.Records(),
	}, err
}

// deadlineError distinguishes the run's own time budget expiring from an
// external cancellation.
func deadlineError(ctx context.Context, cause error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return agent.WrapError(agent.CodeExecutionTimeout, cause,
			"run exceeded its time budget")
	}
	return cause
}

// loadHistory fetches and sanitizes the session's stored messages. A
// memory failure degrades to an empty history rather than aborting.
func (r *Runner) loadHistory(ctx context.Context, sessionID string) []agent.Message {
	if r.memory == nil {
		return nil
	}
	msgs, err := r.memory.GetMessages(ctx, sessionID)
	if err != nil {
		log.Printf("Warning: failed to load history for session %s: %v", sessionID, err)
		return nil
	}
	return agent.SanitizeMessages(msgs)
}

// persistDelta appends the turns added by this run to the session's
// history. Only sanitized messages are stored, so a reloaded session
// never carries unanswered tool calls.
func (r *Runner) persistDelta(ctx context.Context, sessionID string, baseLen int, messages []agent.Message) {
	if r.memory == nil {
		return
	}
	final := agent.SanitizeMessages(messages)
	if baseLen > len(final) {
		baseLen = len(final)
	}
	for _, msg := range final[baseLen:] {
		if err := r.memory.AddMessage(ctx, sessionID, msg); err != nil {
			log.Printf("Warning: failed to persist history for session %s: %v", sessionID, err)
			return
		}
	}
}

// assignCallIDs fills in call ids the provider left empty so tool results
// can be correlated with their calls.
func assignCallIDs(calls []agent.ToolCall) []agent.ToolCall {
	out := make([]agent.ToolCall, len(calls))
	copy(out, calls)
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = agent.NewToolCallID()
		}
	}
	return out
}

// responseFormat maps the run's output format onto the wire request.
func responseFormat(cfg agent.RunConfig) *agent.ResponseFormat {
	switch cfg.OutputFormat {
	case agent.OutputJSON:
		return &agent.ResponseFormat{Type: "json_object"}
	case agent.OutputStructured:
		return &agent.ResponseFormat{Type: "json_schema", Name: "response", Schema: cfg.OutputSchema}
	default:
		return nil
	}
}

// parseStructured decodes the assistant's final text as a JSON object,
// tolerating a markdown code fence around it.
func parseStructured(content string) (map[string]any, error) {
	text := strings.TrimSpace(content)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, err
	}
	return out, nil
}
