package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drover-dev/drover/agent"
	"github.com/drover-dev/drover/internal/llm"
	"github.com/drover-dev/drover/internal/observability"
	metrics "github.com/drover-dev/drover/pkg/observability"
	"github.com/drover-dev/drover/pkg/tool"
)

// finalAnswerTool is the reserved tool name that ends an auto-routed run.
const finalAnswerTool = "final_answer"

const (
	sharedContextWindow   = 3
	sharedContextMaxRunes = 500
)

// Coordinator fans work out to a roster of sub-agents and folds their
// results into one answer. Three routing strategies are supported: auto
// (the model delegates through synthetic tools), broadcast (same task to
// everyone), and sequential (a pipeline where each output feeds the next
// task).
type Coordinator struct {
	name        string
	model       agent.Model
	roster      []agent.SubAgent
	byTool      map[string]agent.SubAgent
	toolOrder   []string
	aggregator  *Aggregator
	invokerOpts []llm.Option
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorName labels the coordinator in logs, metrics, and traces.
func WithCoordinatorName(name string) CoordinatorOption {
	return func(c *Coordinator) {
		if name != "" {
			c.name = name
		}
	}
}

// WithCoordinatorInvokerOptions tunes the coordinator model's retry and
// rate-limit behavior. Ignored when the model is already an *llm.Invoker.
func WithCoordinatorInvokerOptions(opts ...llm.Option) CoordinatorOption {
	return func(c *Coordinator) { c.invokerOpts = append(c.invokerOpts, opts...) }
}

// NewCoordinator builds a coordinator over the given roster. Each
// sub-agent gets a delegation tool named after it: lower-cased, runs of
// non-alphanumerics collapsed to underscores, capped at 50 characters,
// with a numeric suffix on collision. The coordinator's model doubles as
// the fallback for sub-agents that carry none of their own.
func NewCoordinator(model agent.Model, roster []agent.SubAgent, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		name:   "coordinator",
		roster: roster,
		byTool: make(map[string]agent.SubAgent, len(roster)),
	}
	for _, opt := range opts {
		opt(c)
	}

	if inv, ok := model.(*llm.Invoker); ok {
		c.model = inv
	} else {
		invOpts := append([]llm.Option{llm.WithName(c.name)}, c.invokerOpts...)
		c.model = llm.New(model, invOpts...)
	}

	for _, sub := range roster {
		name := c.assignToolName(sub.Name())
		c.byTool[name] = sub
		c.toolOrder = append(c.toolOrder, name)
	}
	c.aggregator = NewAggregator(c.model)
	return c
}

// Agents lists the roster in registration order.
func (c *Coordinator) Agents() []agent.SubAgent {
	return append([]agent.SubAgent(nil), c.roster...)
}

// Name returns the coordinator's label.
func (c *Coordinator) Name() string { return c.name }

// Execute runs one coordinated request to a terminal status. On failure
// the partial result (delegation ledger plus metadata) comes back
// alongside the classified error.
func (c *Coordinator) Execute(ctx context.Context, cfg agent.CoordinatorConfig) (*agent.CoordinatorResult, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	if len(c.roster) == 0 {
		return nil, agent.NewError(agent.CodeInvalidRequest, "coordinator has no sub-agents")
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.TimeoutMS)*time.Millisecond)
	defer cancel()

	ctx, span := observability.StartSpan(ctx, "coordinator.execute", map[string]any{
		"coordinator.name": c.name,
		"routing.strategy": string(cfg.RoutingStrategy),
		"agents.count":     len(c.roster),
	})
	defer span.End()

	start := time.Now()
	run := &coordinatedRun{
		cfg:   &cfg,
		state: agent.NewRunState(cfg.SessionID, cfg.ExecutionID, cfg.MaxIterations),
	}

	var (
		result *agent.CoordinatorResult
		err    error
	)
	switch cfg.RoutingStrategy {
	case agent.RouteBroadcast:
		result, err = c.runBroadcast(ctx, run)
	case agent.RouteSequential:
		result, err = c.runSequential(ctx, run)
	default:
		result, err = c.runAuto(ctx, run)
	}

	state := run.state
	if err != nil {
		if !state.Status.Terminal() {
			state.MarkFailed()
		}
		span.SetError(err)
		metrics.RecordRun(c.name, string(state.Status), time.Since(start), state.CurrentIteration)
		return &agent.CoordinatorResult{
			Delegations: run.records,
			Metadata:    state.Metadata(),
		}, err
	}

	state.MarkCompleted()
	result.Delegations = run.records
	result.Metadata = state.Metadata()

	if result.Structured == nil && (cfg.OutputFormat == agent.OutputJSON || cfg.OutputFormat == agent.OutputStructured) {
		structured, perr := parseStructured(result.Response)
		if perr != nil {
			log.Printf("Warning: coordinated run produced unparseable %s output: %v",
				cfg.OutputFormat, perr)
		} else {
			result.Structured = structured
		}
	}

	span.SetAttribute("delegations.count", len(run.records))
	metrics.RecordRun(c.name, string(state.Status), time.Since(start), state.CurrentIteration)
	return result, nil
}

// coordinatedRun is the bookkeeping one strategy mutates from a single
// goroutine. Parallel branches never touch it; each fills its own record
// slot and the round is folded in after the join.
type coordinatedRun struct {
	cfg     *agent.CoordinatorConfig
	state   *agent.RunState
	records []agent.DelegationRecord
	shared  []string
	used    int
}

func (run *coordinatedRun) budgetLeft() bool {
	return run.used < run.cfg.MaxDelegations
}

// runAuto lets the model drive: every roster member is a tool, and the
// reserved final_answer tool ends the run with its payload. The loop is
// bounded by maxIterations reasoning turns on top of the delegation
// budget.
func (c *Coordinator) runAuto(ctx context.Context, run *coordinatedRun) (*agent.CoordinatorResult, error) {
	cfg := run.cfg
	state := run.state

	state.AddMessage(agent.NewSystemMessage(c.autoSystemPrompt(cfg.SystemPrompt)))
	state.AddMessage(agent.NewUserMessage(cfg.UserMessage))
	defs := c.delegationTools()

	for !state.HasReachedMaxIterations() {
		if err := ctx.Err(); err != nil {
			return nil, deadlineError(ctx, err)
		}
		state.IncrementIteration()

		resp, err := c.model.Chat(ctx, &agent.ChatRequest{
			Messages:   state.Messages,
			Tools:      defs,
			ToolChoice: agent.ToolChoiceAuto,
		})
		if err != nil {
			return nil, err
		}
		state.AddUsage(resp.Usage)

		if len(resp.ToolCalls) == 0 {
			// The model answered inline instead of calling final_answer.
			return &agent.CoordinatorResult{Response: resp.Content}, nil
		}

		calls := assignCallIDs(resp.ToolCalls)
		state.AddMessage(agent.NewAssistantToolCalls(resp.Content, calls))

		for _, call := range calls {
			if call.Name == finalAnswerTool {
				answer := tool.Args(call.Arguments).String("answer")
				return &agent.CoordinatorResult{Response: answer}, nil
			}
			outcome := c.dispatchDelegation(ctx, run, call)
			state.AddMessage(agent.NewToolMessage(call.ID, marshalOutcome(outcome)))
		}
	}

	state.MarkMaxIterations()
	return nil, agent.NewError(agent.CodeMaxIterations,
		"coordinator reached %d iterations without a final answer", cfg.MaxIterations)
}

// dispatchDelegation resolves one delegation tool call, enforces the
// budget, runs the sub-agent, and folds the outcome into the run.
func (c *Coordinator) dispatchDelegation(ctx context.Context, run *coordinatedRun, call agent.ToolCall) *agent.ToolOutcome {
	sub, ok := c.byTool[call.Name]
	if !ok {
		return &agent.ToolOutcome{Success: false, Error: fmt.Sprintf(
			"unknown agent tool: %s; available: %v", call.Name, c.toolOrder)}
	}

	args := tool.Args(call.Arguments)
	task := strings.TrimSpace(args.String("task"))
	if task == "" {
		return &agent.ToolOutcome{Success: false, Error: "task is required"}
	}

	var rec agent.DelegationRecord
	if !run.budgetLeft() {
		rec = refusedDelegation(sub, task, run.cfg.MaxDelegations)
	} else {
		run.used++
		rec = c.delegate(ctx, run.cfg, sub, task, args.String("context"), args.String("expected_output"), run.shared)
		if rec.Status == agent.RecordSuccess {
			run.shared = foldShared(run.shared, rec.Result)
		}
	}
	run.records = append(run.records, rec)
	return delegationOutcome(rec)
}

// runBroadcast sends the same task to every sub-agent and aggregates
// whatever comes back. Parallel rounds join with a settle-all policy: a
// failing branch never cancels the others.
func (c *Coordinator) runBroadcast(ctx context.Context, run *coordinatedRun) (*agent.CoordinatorResult, error) {
	if run.cfg.ParallelExecution {
		c.broadcastParallel(ctx, run)
	} else {
		c.broadcastSequential(ctx, run)
	}
	if err := ctx.Err(); err != nil {
		return nil, deadlineError(ctx, err)
	}

	response, structured := c.aggregator.Aggregate(ctx, run.cfg.AggregationMode, run.records)
	return &agent.CoordinatorResult{Response: response, Structured: structured}, nil
}

func (c *Coordinator) broadcastParallel(ctx context.Context, run *coordinatedRun) {
	cfg := run.cfg
	records := make([]agent.DelegationRecord, len(c.roster))

	var wg sync.WaitGroup
	for i, sub := range c.roster {
		if i >= cfg.MaxDelegations {
			records[i] = refusedDelegation(sub, cfg.UserMessage, cfg.MaxDelegations)
			continue
		}
		wg.Add(1)
		go func(i int, sub agent.SubAgent) {
			defer wg.Done()
			records[i] = c.delegate(ctx, cfg, sub, cfg.UserMessage, "", "", nil)
		}(i, sub)
	}
	wg.Wait()

	run.used += min(len(c.roster), cfg.MaxDelegations)
	run.records = append(run.records, records...)
	for _, rec := range records {
		if rec.Status == agent.RecordSuccess {
			run.shared = foldShared(run.shared, rec.Result)
		}
	}
}

// broadcastSequential differs from the parallel round in one way: later
// agents see the successes of earlier ones through the shared context.
func (c *Coordinator) broadcastSequential(ctx context.Context, run *coordinatedRun) {
	cfg := run.cfg
	for _, sub := range c.roster {
		if ctx.Err() != nil {
			return
		}
		var rec agent.DelegationRecord
		if !run.budgetLeft() {
			rec = refusedDelegation(sub, cfg.UserMessage, cfg.MaxDelegations)
		} else {
			run.used++
			rec = c.delegate(ctx, cfg, sub, cfg.UserMessage, "", "", run.shared)
			if rec.Status == agent.RecordSuccess {
				run.shared = foldShared(run.shared, rec.Result)
			}
		}
		run.records = append(run.records, rec)
	}
}

// runSequential pipelines the roster: each agent's successful output is
// embedded as context for the next task. A failed stage leaves the carry
// at the last good output.
func (c *Coordinator) runSequential(ctx context.Context, run *coordinatedRun) (*agent.CoordinatorResult, error) {
	cfg := run.cfg
	carry := ""

	for _, sub := range c.roster {
		if ctx.Err() != nil {
			break
		}
		var rec agent.DelegationRecord
		if !run.budgetLeft() {
			rec = refusedDelegation(sub, cfg.UserMessage, cfg.MaxDelegations)
		} else {
			run.used++
			rec = c.delegate(ctx, cfg, sub, cfg.UserMessage, carry, "", run.shared)
			if rec.Status == agent.RecordSuccess {
				carry = rec.Result
				run.shared = foldShared(run.shared, rec.Result)
			}
		}
		run.records = append(run.records, rec)
	}
	if err := ctx.Err(); err != nil {
		return nil, deadlineError(ctx, err)
	}

	response, structured := c.aggregator.Aggregate(ctx, cfg.AggregationMode, run.records)
	return &agent.CoordinatorResult{Response: response, Structured: structured}, nil
}

// delegate invokes one sub-agent and returns its completed record. The
// sub-agent's failures, returned errors, and panics all land in the
// record; a delegation never fails the coordinated run.
func (c *Coordinator) delegate(ctx context.Context, cfg *agent.CoordinatorConfig, sub agent.SubAgent, task, taskCtx, expected string, shared []string) agent.DelegationRecord {
	rec := agent.DelegationRecord{
		DelegationID: uuid.NewString(),
		AgentID:      sub.ID(),
		AgentName:    sub.Name(),
		Task:         task,
		Status:       agent.RecordPending,
		StartedAt:    time.Now().UTC(),
	}

	_, span := observability.StartSpan(ctx, "coordinator.delegate", map[string]any{
		"agent.name":    sub.Name(),
		"delegation.id": rec.DelegationID,
	})
	defer span.End()

	result := executeTask(ctx, sub, &agent.TaskRequest{
		Task:           task,
		Context:        taskCtx,
		ExpectedOutput: expected,
		SharedContext:  shared,
		SessionID:      cfg.SessionID,
		FallbackModel:  c.model,
	})

	rec.DurationMS = time.Since(rec.StartedAt).Milliseconds()
	if result.Success {
		rec.Status = agent.RecordSuccess
		rec.Result = result.Response
		metrics.RecordDelegation(sub.Name(), "ok", time.Since(rec.StartedAt))
	} else {
		rec.Status = agent.RecordFailed
		rec.Error = result.Error
		if rec.Error == "" {
			rec.Error = "sub-agent reported failure"
		}
		span.SetError(errors.New(rec.Error))
		metrics.RecordDelegation(sub.Name(), "error", time.Since(rec.StartedAt))
	}
	return rec
}

// executeTask guards the sub-agent call: a panic or a returned error both
// become a failed result.
func executeTask(ctx context.Context, sub agent.SubAgent, req *agent.TaskRequest) (res *agent.TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			res = &agent.TaskResult{
				Success: false,
				Error:   fmt.Sprintf("agent %s panicked: %v", sub.Name(), r),
			}
		}
	}()

	out, err := sub.ExecuteTask(ctx, req)
	if err != nil {
		return &agent.TaskResult{Success: false, Error: err.Error()}
	}
	if out == nil {
		return &agent.TaskResult{
			Success: false,
			Error:   fmt.Sprintf("agent %s returned no result", sub.Name()),
		}
	}
	return out
}

// refusedDelegation records an attempt rejected by the delegation budget.
// The target is not invoked.
func refusedDelegation(sub agent.SubAgent, task string, max int) agent.DelegationRecord {
	return agent.DelegationRecord{
		DelegationID: uuid.NewString(),
		AgentID:      sub.ID(),
		AgentName:    sub.Name(),
		Task:         task,
		Status:       agent.RecordFailed,
		Error:        fmt.Sprintf("delegation budget exhausted (maxDelegations=%d)", max),
		StartedAt:    time.Now().UTC(),
	}
}

// delegationOutcome renders a delegation record as the tool outcome the
// coordinating model sees on its next turn.
func delegationOutcome(rec agent.DelegationRecord) *agent.ToolOutcome {
	if rec.Status == agent.RecordSuccess {
		return &agent.ToolOutcome{Success: true, Data: map[string]any{
			"agent":    rec.AgentName,
			"response": rec.Result,
		}}
	}
	return &agent.ToolOutcome{
		Success: false,
		Error:   rec.Error,
		Data:    map[string]any{"agent": rec.AgentName},
	}
}

// foldShared appends a successful result to the rolling shared-context
// window: the most recent successes, each truncated, newest last.
func foldShared(shared []string, result string) []string {
	shared = append(shared, truncateRunes(result, sharedContextMaxRunes))
	if len(shared) > sharedContextWindow {
		shared = shared[len(shared)-sharedContextWindow:]
	}
	return shared
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// assignToolName derives a unique delegation tool name from an agent's
// display name.
func (c *Coordinator) assignToolName(agentName string) string {
	base := slugify(agentName)
	if base == "" {
		base = "agent"
	}
	name := base
	for n := 2; name == finalAnswerTool || c.byTool[name] != nil; n++ {
		name = fmt.Sprintf("%s_%d", base, n)
	}
	return name
}

// slugify lowercases a display name and collapses runs of anything that
// is not a letter or digit into single underscores.
func slugify(s string) string {
	var b strings.Builder
	pending := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pending && b.Len() > 0 {
				b.WriteByte('_')
			}
			pending = false
			b.WriteRune(r)
		default:
			pending = true
		}
	}
	out := b.String()
	if len(out) > 50 {
		out = strings.TrimRight(out[:50], "_")
	}
	return out
}

// autoSystemPrompt describes the roster to the coordinating model, in the
// order the delegation tools are offered.
func (c *Coordinator) autoSystemPrompt(base string) string {
	var b strings.Builder
	if base != "" {
		b.WriteString(base)
	} else {
		b.WriteString("You are a coordinator that completes tasks by delegating to specialist agents.")
	}
	b.WriteString("\n\nAvailable agents:\n")
	for i, name := range c.toolOrder {
		fmt.Fprintf(&b, "- %s: %s\n", name, c.roster[i].Description())
	}
	b.WriteString("\nDelegate subtasks with the agent tools. When the work is done, call final_answer with the complete answer.")
	return b.String()
}

// delegationTools builds the synthetic tool set for the auto strategy:
// one delegation tool per roster member plus final_answer.
func (c *Coordinator) delegationTools() []agent.ToolDefinition {
	defs := make([]agent.ToolDefinition, 0, len(c.roster)+1)
	for i, name := range c.toolOrder {
		sub := c.roster[i]
		desc := sub.Description()
		if desc == "" {
			desc = fmt.Sprintf("Delegate a task to the %s agent.", sub.Name())
		}
		defs = append(defs, agent.ToolDefinition{
			Name:        name,
			Description: desc,
			Parameters:  schemaJSON(delegationSchema),
		})
	}
	defs = append(defs, agent.ToolDefinition{
		Name:        finalAnswerTool,
		Description: "Deliver the final answer and end the run. Call this once the delegated work is done.",
		Parameters:  schemaJSON(finalAnswerSchema),
	})
	return defs
}

var (
	delegationSchema = tool.Schema{
		"task": {
			Kind:        tool.KindString,
			Description: "The task for the agent to perform.",
			Required:    true,
			MinLength:   1,
		},
		"context": {
			Kind:        tool.KindString,
			Description: "Background or upstream results the agent should consider.",
		},
		"expected_output": {
			Kind:        tool.KindString,
			Description: "What shape the answer should take.",
		},
	}

	finalAnswerSchema = tool.Schema{
		"answer": {
			Kind:        tool.KindString,
			Description: "The complete final answer.",
			Required:    true,
			MinLength:   1,
		},
		"summary": {
			Kind:        tool.KindString,
			Description: "One-line summary of how the answer was produced.",
		},
	}
)

func schemaJSON(s tool.Schema) json.RawMessage {
	data, err := json.Marshal(s.JSONSchema())
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}
