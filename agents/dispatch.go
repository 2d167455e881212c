package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/drover-dev/drover/agent"
	"github.com/drover-dev/drover/internal/observability"
	metrics "github.com/drover-dev/drover/pkg/observability"
	"github.com/drover-dev/drover/pkg/tool"
)

// Dispatcher resolves, validates, and executes the tool calls a model
// requests. Every attempt lands in the run's ledger, and every failure is
// absorbed into a failure outcome the model sees on its next turn. A
// dispatch never aborts the run.
type Dispatcher struct {
	tools *tool.Registry
}

// NewDispatcher creates a dispatcher over the given registry. A nil
// registry dispatches against an empty one, so every call reports
// tool-not-found.
func NewDispatcher(reg *tool.Registry) *Dispatcher {
	if reg == nil {
		reg = tool.NewRegistry()
	}
	return &Dispatcher{tools: reg}
}

// Definitions lists the wire definitions offered to the model.
func (d *Dispatcher) Definitions() []agent.ToolDefinition {
	return d.tools.Definitions()
}

// Dispatch runs one tool call: exact-name lookup, argument validation
// against the tool's schema, then execution with panic recovery. The
// ledger entry is opened before resolution so unknown tools are recorded
// too.
func (d *Dispatcher) Dispatch(ctx context.Context, state *agent.RunState, ledger *agent.ToolLedger, call agent.ToolCall) *agent.ToolOutcome {
	_, span := observability.StartSpan(ctx, "tool.dispatch", map[string]any{
		"tool.name":  call.Name,
		"session.id": state.SessionID,
	})
	defer span.End()

	rec := ledger.Begin(call.Name, call.Arguments)

	t, ok := d.tools.Get(call.Name)
	if !ok {
		err := agent.NewError(agent.CodeToolNotFound,
			"tool not found: %s; available: %v", call.Name, d.tools.Names())
		return fail(span, ledger, rec, "not_found", err)
	}

	state.RecordToolUsage(call.Name)

	if err := validateCall(t, call.Arguments); err != nil {
		verr := agent.WrapError(agent.CodeToolValidationFailed, err,
			"invalid arguments for tool %s", call.Name)
		return fail(span, ledger, rec, "invalid_args", verr)
	}

	outcome, err := execute(ctx, t, call.Arguments)
	if err != nil {
		xerr := agent.WrapError(agent.CodeToolExecutionError, err,
			"tool %s failed", call.Name)
		return fail(span, ledger, rec, "error", xerr)
	}

	if !outcome.Success {
		msg := outcome.Error
		if msg == "" {
			msg = "tool reported failure"
		}
		ledger.Finish(rec, outcome.Data, msg)
		metrics.RecordToolExecution(call.Name, "error", time.Since(rec.StartedAt))
		return outcome
	}

	ledger.Finish(rec, outcome.Data, "")
	metrics.RecordToolExecution(call.Name, "ok", time.Since(rec.StartedAt))
	return outcome
}

// fail closes the ledger entry and converts a classified error into the
// failure outcome returned to the model.
func fail(span *observability.Span, ledger *agent.ToolLedger, rec *agent.ToolCallRecord, status string, err *agent.Error) *agent.ToolOutcome {
	span.SetError(err)
	ledger.Finish(rec, nil, err.Error())
	metrics.RecordToolExecution(rec.ToolName, status, time.Since(rec.StartedAt))
	return &agent.ToolOutcome{Success: false, Error: err.Error()}
}

// validateCall checks the arguments against the tool's schema before the
// tool runs. Tools that expose a typed Schema are checked directly; others
// are checked against the schema decoded from their wire definition. A
// definition that does not decode leaves validation to the tool itself.
func validateCall(t agent.Tool, args map[string]any) error {
	var schema tool.Schema
	if sp, ok := t.(tool.SchemaProvider); ok {
		schema = sp.Schema()
	} else {
		s, err := tool.SchemaFromDefinition(t.Definition())
		if err != nil {
			return nil
		}
		schema = s
	}
	return schema.ValidateArgs(args)
}

// execute invokes the tool, trapping panics so a misbehaving handler
// cannot take the run down with it.
func execute(ctx context.Context, t agent.Tool, args map[string]any) (outcome *agent.ToolOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	outcome, err = t.Execute(ctx, args)
	if err == nil && outcome == nil {
		err = fmt.Errorf("tool returned no outcome")
	}
	return outcome, err
}

// marshalOutcome renders an outcome as the body of the tool-role message
// fed back to the model.
func marshalOutcome(outcome *agent.ToolOutcome) string {
	data, err := json.Marshal(outcome)
	if err != nil {
		log.Printf("Warning: failed to marshal tool outcome: %v", err)
		return `{"success":false,"error":"unserializable tool outcome"}`
	}
	return string(data)
}
