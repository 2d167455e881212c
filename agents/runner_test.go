package agents

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-dev/drover/agent"
	"github.com/drover-dev/drover/pkg/memory"
	"github.com/drover-dev/drover/pkg/pause"
	"github.com/drover-dev/drover/pkg/tool"
)

func echoTool() agent.Tool {
	return tool.New("echo", "Echoes text back.", tool.Schema{
		"text": {Kind: tool.KindString, Description: "Text to echo.", Required: true},
	}, func(ctx context.Context, args tool.Args) (map[string]any, error) {
		return map[string]any{"echo": args.String("text")}, nil
	})
}

func noopTool() agent.Tool {
	return tool.New("noop", "Does nothing.", tool.Schema{},
		func(ctx context.Context, args tool.Args) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		})
}

// stallModel blocks until the context expires, standing in for a hung
// provider.
type stallModel struct{}

func (stallModel) Chat(ctx context.Context, req *agent.ChatRequest) (*agent.ChatResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunnerPlainAnswer(t *testing.T) {
	model := NewMockModel()
	model.AddText("hello there")

	r := NewRunner(model)
	res, err := r.Run(context.Background(), agent.RunConfig{UserMessage: "hi"})
	require.NoError(t, err)

	assert.Equal(t, "hello there", res.Response)
	assert.Equal(t, agent.StatusCompleted, res.Metadata.Status)
	assert.Equal(t, 1, res.Metadata.Iterations)
	assert.Equal(t, 1, res.Metadata.ModelCalls)
	assert.Equal(t, agent.DefaultSessionID, res.Metadata.SessionID)
	assert.NotEmpty(t, res.Metadata.ExecutionID)
	assert.Empty(t, res.ToolCalls)

	// No tools registered, so none are offered.
	calls := model.GetCalls()
	require.Len(t, calls, 1)
	assert.Empty(t, calls[0].Tools)
	assert.Equal(t, agent.ToolChoiceNone, calls[0].ToolChoice)
}

func TestRunnerToolRoundTrip(t *testing.T) {
	model := NewMockModel()
	model.AddToolCall("echo", map[string]any{"text": "marco"})
	model.AddText("polo")

	r := NewRunner(model, WithTools(tool.NewRegistry(echoTool())))
	res, err := r.Run(context.Background(), agent.RunConfig{
		SystemPrompt: "You echo.",
		UserMessage:  "say marco",
	})
	require.NoError(t, err)

	assert.Equal(t, "polo", res.Response)
	assert.Equal(t, 2, model.CallCount())
	assert.Equal(t, 2, res.Metadata.ModelCalls)
	assert.Equal(t, 30, res.Metadata.Usage.TotalTokens)
	assert.Equal(t, []string{"echo"}, res.Metadata.ToolsUsed)

	// Second request carries the tool exchange.
	calls := model.GetCalls()
	require.Len(t, calls[1].Messages, 4)
	assert.Equal(t, agent.RoleSystem, calls[1].Messages[0].Role)
	assert.Equal(t, agent.RoleUser, calls[1].Messages[1].Role)
	assert.Equal(t, agent.RoleAssistant, calls[1].Messages[2].Role)
	require.Equal(t, agent.RoleTool, calls[1].Messages[3].Role)
	assert.Contains(t, calls[1].Messages[3].Content, `"success":true`)
	assert.Contains(t, calls[1].Messages[3].Content, "marco")
	assert.NotEmpty(t, calls[1].Messages[3].ToolCallID)

	require.Len(t, res.ToolCalls, 1)
	rec := res.ToolCalls[0]
	assert.Equal(t, "echo", rec.ToolName)
	assert.Equal(t, agent.RecordSuccess, rec.Status)
	assert.Equal(t, "marco", rec.Output["echo"])
	assert.NotEmpty(t, rec.TrackingID)
}

func TestRunnerMaxIterations(t *testing.T) {
	model := NewMockModel()
	for range 3 {
		model.AddToolCall("noop", map[string]any{})
	}

	r := NewRunner(model, WithTools(tool.NewRegistry(noopTool())))
	res, err := r.Run(context.Background(), agent.RunConfig{
		UserMessage:   "loop forever",
		MaxIterations: 3,
	})

	var aerr *agent.Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, agent.CodeMaxIterations, aerr.Code)
	assert.Contains(t, aerr.Message, "3")

	assert.Equal(t, 3, model.CallCount())
	require.NotNil(t, res)
	assert.Equal(t, agent.StatusMaxIterations, res.Metadata.Status)
	assert.Equal(t, 3, res.Metadata.Iterations)
	assert.Len(t, res.ToolCalls, 3)
}

func TestRunnerToolFailureContinues(t *testing.T) {
	boom := tool.New("boom", "Always fails.", tool.Schema{},
		func(ctx context.Context, args tool.Args) (map[string]any, error) {
			return nil, errors.New("kaput")
		})

	model := NewMockModel()
	model.AddToolCall("boom", map[string]any{})
	model.AddText("recovered")

	r := NewRunner(model, WithTools(tool.NewRegistry(boom)))
	res, err := r.Run(context.Background(), agent.RunConfig{UserMessage: "try it"})
	require.NoError(t, err)

	assert.Equal(t, "recovered", res.Response)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, agent.RecordFailed, res.ToolCalls[0].Status)
	assert.Contains(t, res.ToolCalls[0].Error, string(agent.CodeToolExecutionError))
	assert.Contains(t, res.ToolCalls[0].Error, "kaput")

	// The failure is visible to the model on its next turn.
	calls := model.GetCalls()
	last := calls[1].Messages[len(calls[1].Messages)-1]
	assert.Contains(t, last.Content, `"success":false`)
	assert.Contains(t, last.Content, "kaput")
}

func TestRunnerToolPanicAbsorbed(t *testing.T) {
	wild := tool.New("wild", "Panics.", tool.Schema{},
		func(ctx context.Context, args tool.Args) (map[string]any, error) {
			panic("wild")
		})

	model := NewMockModel()
	model.AddToolCall("wild", map[string]any{})
	model.AddText("fine")

	r := NewRunner(model, WithTools(tool.NewRegistry(wild)))
	res, err := r.Run(context.Background(), agent.RunConfig{UserMessage: "go"})
	require.NoError(t, err)

	assert.Equal(t, "fine", res.Response)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, agent.RecordFailed, res.ToolCalls[0].Status)
	assert.Contains(t, res.ToolCalls[0].Error, "panic: wild")
}

func TestRunnerUnknownToolContinues(t *testing.T) {
	model := NewMockModel()
	model.AddToolCall("missing", map[string]any{"x": 1})
	model.AddText("fine")

	r := NewRunner(model, WithTools(tool.NewRegistry(echoTool())))
	res, err := r.Run(context.Background(), agent.RunConfig{UserMessage: "go"})
	require.NoError(t, err)

	assert.Equal(t, "fine", res.Response)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "missing", res.ToolCalls[0].ToolName)
	assert.Equal(t, agent.RecordFailed, res.ToolCalls[0].Status)
	assert.Contains(t, res.ToolCalls[0].Error, string(agent.CodeToolNotFound))
	assert.Contains(t, res.ToolCalls[0].Error, "echo")

	// Unresolved names never count as used.
	assert.NotContains(t, res.Metadata.ToolsUsed, "missing")
}

func TestRunnerToolValidationFailure(t *testing.T) {
	executed := false
	strict := tool.New("strict", "Needs text.", tool.Schema{
		"text": {Kind: tool.KindString, Required: true},
	}, func(ctx context.Context, args tool.Args) (map[string]any, error) {
		executed = true
		return map[string]any{}, nil
	})

	model := NewMockModel()
	model.AddToolCall("strict", map[string]any{})
	model.AddText("ok then")

	r := NewRunner(model, WithTools(tool.NewRegistry(strict)))
	res, err := r.Run(context.Background(), agent.RunConfig{UserMessage: "go"})
	require.NoError(t, err)

	assert.False(t, executed)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, agent.RecordFailed, res.ToolCalls[0].Status)
	assert.Contains(t, res.ToolCalls[0].Error, string(agent.CodeToolValidationFailed))
	assert.Contains(t, res.ToolCalls[0].Error, "missing required field")
}

func TestRunnerPersistsSanitizedHistory(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemoryStore()

	model1 := NewMockModel()
	model1.AddToolCall("echo", map[string]any{"text": "marco"})
	model1.AddText("polo")

	r1 := NewRunner(model1, WithTools(tool.NewRegistry(echoTool())), WithMemory(store))
	_, err := r1.Run(ctx, agent.RunConfig{
		SystemPrompt: "You echo.",
		UserMessage:  "say marco",
		SessionID:    "s1",
	})
	require.NoError(t, err)

	msgs, err := store.GetMessages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 5) // system, user, assistant tool calls, tool, assistant
	assert.Equal(t, msgs, agent.SanitizeMessages(msgs))

	// A second run on the same session replays the stored history and does
	// not seed a second system prompt.
	model2 := NewMockModel()
	model2.AddText("still here")

	r2 := NewRunner(model2, WithMemory(store))
	res2, err := r2.Run(ctx, agent.RunConfig{
		SystemPrompt: "ignored on a warm session",
		UserMessage:  "and now?",
		SessionID:    "s1",
	})
	require.NoError(t, err)
	assert.Equal(t, "still here", res2.Response)

	calls := model2.GetCalls()
	require.Len(t, calls[0].Messages, 6)
	assert.Equal(t, agent.RoleSystem, calls[0].Messages[0].Role)
	assert.Equal(t, "You echo.", calls[0].Messages[0].Content)

	msgs, err = store.GetMessages(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, msgs, 7)
}

func TestRunnerResetClearsHistory(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemoryStore()
	require.NoError(t, store.AddMessage(ctx, "s2", agent.NewUserMessage("old question")))
	require.NoError(t, store.AddMessage(ctx, "s2", agent.NewAssistantMessage("old answer")))

	model := NewMockModel()
	model.AddText("fresh")

	r := NewRunner(model, WithMemory(store))
	_, err := r.Run(ctx, agent.RunConfig{
		SystemPrompt: "sys",
		UserMessage:  "new",
		SessionID:    "s2",
		Reset:        true,
	})
	require.NoError(t, err)

	calls := model.GetCalls()
	require.Len(t, calls[0].Messages, 2)
	assert.Equal(t, agent.RoleSystem, calls[0].Messages[0].Role)
	assert.Equal(t, agent.RoleUser, calls[0].Messages[1].Role)

	msgs, err := store.GetMessages(ctx, "s2")
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}

func TestRunnerInvalidConfig(t *testing.T) {
	r := NewRunner(NewMockModel())

	_, err := r.Run(context.Background(), agent.RunConfig{})
	var aerr *agent.Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, agent.CodeInvalidRequest, aerr.Code)
	assert.Contains(t, aerr.Message, "userMessage")

	_, err = r.Run(context.Background(), agent.RunConfig{UserMessage: "x", MaxIterations: 99})
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, agent.CodeInvalidRequest, aerr.Code)
	assert.Contains(t, aerr.Message, "maxIterations")
}

func TestRunnerModelFailureFatal(t *testing.T) {
	model := NewMockModel()
	model.AddResponse(nil, agent.NewError(agent.CodeInvalidCredentials, "bad api key"))

	r := NewRunner(model)
	res, err := r.Run(context.Background(), agent.RunConfig{UserMessage: "hi"})

	var aerr *agent.Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, agent.CodeInvalidCredentials, aerr.Code)

	// Non-recoverable failures are not retried.
	assert.Equal(t, 1, model.CallCount())

	require.NotNil(t, res)
	assert.Equal(t, agent.StatusFailed, res.Metadata.Status)
}

func TestRunnerStructuredOutput(t *testing.T) {
	model := NewMockModel()
	model.AddText("```json\n{\"city\": \"Oslo\", \"temp\": 12}\n```")

	r := NewRunner(model)
	res, err := r.Run(context.Background(), agent.RunConfig{
		UserMessage:  "weather in oslo",
		OutputFormat: agent.OutputStructured,
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"city": map[string]any{"type": "string"},
				"temp": map[string]any{"type": "number"},
			},
		},
	})
	require.NoError(t, err)

	require.NotNil(t, res.Structured)
	assert.Equal(t, "Oslo", res.Structured["city"])
	assert.EqualValues(t, 12, res.Structured["temp"])

	rf := model.GetCalls()[0].ResponseFormat
	require.NotNil(t, rf)
	assert.Equal(t, "json_schema", rf.Type)
}

func TestRunnerJSONOutputMalformed(t *testing.T) {
	model := NewMockModel()
	model.AddText("not json at all")

	r := NewRunner(model)
	res, err := r.Run(context.Background(), agent.RunConfig{
		UserMessage:  "give me json",
		OutputFormat: agent.OutputJSON,
	})
	require.NoError(t, err)

	// Unparseable output keeps the raw text and leaves Structured empty.
	assert.Equal(t, "not json at all", res.Response)
	assert.Nil(t, res.Structured)

	rf := model.GetCalls()[0].ResponseFormat
	require.NotNil(t, rf)
	assert.Equal(t, "json_object", rf.Type)
}

func TestRunnerFullOutput(t *testing.T) {
	model := NewMockModel()
	model.AddText("done")

	r := NewRunner(model)
	res, err := r.Run(context.Background(), agent.RunConfig{
		SystemPrompt: "sys",
		UserMessage:  "hi",
		OutputFormat: agent.OutputFull,
	})
	require.NoError(t, err)

	require.Len(t, res.Messages, 3)
	last := res.Messages[len(res.Messages)-1]
	assert.Equal(t, agent.RoleAssistant, last.Role)
	assert.Equal(t, "done", last.Content)
}

func TestRunnerRequiredToolChoiceRelaxes(t *testing.T) {
	model := NewMockModel()
	model.AddToolCall("echo", map[string]any{"text": "x"})
	model.AddText("done")

	r := NewRunner(model, WithTools(tool.NewRegistry(echoTool())))
	_, err := r.Run(context.Background(), agent.RunConfig{
		UserMessage: "go",
		ToolChoice:  agent.ToolChoiceRequired,
	})
	require.NoError(t, err)

	calls := model.GetCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, agent.ToolChoiceRequired, calls[0].ToolChoice)
	assert.Equal(t, agent.ToolChoiceAuto, calls[1].ToolChoice)
}

func TestRunnerToolChoiceNone(t *testing.T) {
	model := NewMockModel()
	model.AddText("no tools used")

	r := NewRunner(model, WithTools(tool.NewRegistry(echoTool())))
	_, err := r.Run(context.Background(), agent.RunConfig{
		UserMessage: "go",
		ToolChoice:  agent.ToolChoiceNone,
	})
	require.NoError(t, err)

	calls := model.GetCalls()
	assert.Empty(t, calls[0].Tools)
	assert.Equal(t, agent.ToolChoiceNone, calls[0].ToolChoice)
}

func TestRunnerPauseAndResume(t *testing.T) {
	ctx := context.Background()
	cp, err := pause.NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)
	reg := pause.NewRegistry()

	model := NewMockModel()
	model.AddToolCall(tool.AskHumanName, map[string]any{"question": "deploy to prod?"})

	r := NewRunner(model,
		WithTools(tool.NewRegistry(tool.AskHuman())),
		WithPauseRegistry(reg, cp))

	res, err := r.Run(ctx, agent.RunConfig{
		SystemPrompt: "ops agent",
		UserMessage:  "ship it",
		SessionID:    "ops",
	})
	require.NoError(t, err)

	require.NotNil(t, res.Paused)
	assert.Equal(t, "deploy to prod?", res.Paused.Question)
	execID := res.Paused.ExecutionID
	require.NotEmpty(t, execID)
	assert.Equal(t, execID, res.Metadata.ExecutionID)
	assert.Equal(t, agent.StatusWaitingHuman, res.Metadata.Status)
	assert.True(t, reg.IsPaused(execID))

	// The checkpoint holds the sanitized conversation: the unanswered
	// tool-call turn is gone.
	saved, err := cp.Load(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, pause.CheckpointPaused, saved.Status)
	assert.Equal(t, "deploy to prod?", saved.Question)
	require.Len(t, saved.Messages, 2)
	assert.Equal(t, agent.RoleSystem, saved.Messages[0].Role)
	assert.Equal(t, agent.RoleUser, saved.Messages[1].Role)

	model.AddText("deployed")
	out, err := r.Resume(ctx, execID, "yes, go ahead")
	require.NoError(t, err)
	assert.Equal(t, "deployed", out.Response)
	assert.Equal(t, agent.StatusCompleted, out.Metadata.Status)
	assert.False(t, reg.IsPaused(execID))

	// The model sees the restored conversation plus the framed response.
	calls := model.GetCalls()
	last := calls[len(calls)-1]
	require.Len(t, last.Messages, 3)
	assert.Equal(t, agent.RoleUser, last.Messages[2].Role)
	assert.Contains(t, last.Messages[2].Content, "deploy to prod?")
	assert.Contains(t, last.Messages[2].Content, "yes, go ahead")

	closed, err := cp.Load(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, pause.CheckpointCompleted, closed.Status)

	// A completed execution cannot be resumed again.
	_, err = r.Resume(ctx, execID, "again")
	var aerr *agent.Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, agent.CodeInvalidRequest, aerr.Code)
}

func TestRunnerCancelPaused(t *testing.T) {
	ctx := context.Background()
	cp, err := pause.NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)
	reg := pause.NewRegistry()

	model := NewMockModel()
	model.AddToolCall(tool.AskHumanName, map[string]any{"question": "proceed?"})

	r := NewRunner(model,
		WithTools(tool.NewRegistry(tool.AskHuman())),
		WithPauseRegistry(reg, cp))

	res, err := r.Run(ctx, agent.RunConfig{UserMessage: "go"})
	require.NoError(t, err)
	require.NotNil(t, res.Paused)
	execID := res.Paused.ExecutionID

	require.NoError(t, r.Cancel(ctx, execID))
	assert.False(t, reg.IsPaused(execID))

	saved, err := cp.Load(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, pause.CheckpointCancelled, saved.Status)

	var aerr *agent.Error
	require.ErrorAs(t, r.Cancel(ctx, execID), &aerr)
	assert.Equal(t, agent.CodeInvalidRequest, aerr.Code)
}

func TestRunnerAskHumanWithoutRegistry(t *testing.T) {
	model := NewMockModel()
	model.AddToolCall(tool.AskHumanName, map[string]any{"question": "ok?"})
	model.AddText("proceeding without approval")

	r := NewRunner(model, WithTools(tool.NewRegistry(tool.AskHuman())))
	res, err := r.Run(context.Background(), agent.RunConfig{UserMessage: "go"})
	require.NoError(t, err)

	// Without a pause registry the run cannot suspend; the model sees a
	// failed tool call instead.
	assert.Nil(t, res.Paused)
	assert.Equal(t, "proceeding without approval", res.Response)

	calls := model.GetCalls()
	last := calls[1].Messages[len(calls[1].Messages)-1]
	assert.Contains(t, last.Content, `"success":false`)
	assert.Contains(t, last.Content, "human input is not available")
}

func TestRunnerResumeValidation(t *testing.T) {
	ctx := context.Background()

	bare := NewRunner(NewMockModel())
	_, err := bare.Resume(ctx, "exec-1", "hello")
	var aerr *agent.Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, agent.CodeInvalidRequest, aerr.Code)
	assert.Contains(t, aerr.Message, "checkpointer")

	cp, err := pause.NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)
	r := NewRunner(NewMockModel(), WithPauseRegistry(pause.NewRegistry(), cp))

	_, err = r.Resume(ctx, "exec-1", "   ")
	require.ErrorAs(t, err, &aerr)
	assert.Contains(t, aerr.Message, "response is required")

	_, err = r.Resume(ctx, "exec-1", "hello")
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, agent.CodeInvalidRequest, aerr.Code)
	assert.Contains(t, aerr.Message, "exec-1")
}

func TestRunnerTimeout(t *testing.T) {
	start := time.Now()
	r := NewRunner(stallModel{})
	res, err := r.Run(context.Background(), agent.RunConfig{
		UserMessage: "hang",
		TimeoutMS:   1000,
	})

	var aerr *agent.Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, agent.CodeExecutionTimeout, aerr.Code)

	require.NotNil(t, res)
	assert.Equal(t, agent.StatusFailed, res.Metadata.Status)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunnerExternalCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	model := NewMockModel()
	model.AddText("never")

	r := NewRunner(model)
	_, err := r.Run(ctx, agent.RunConfig{UserMessage: "hi"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, model.CallCount())
}

func TestRunnerExhaustedScriptStops(t *testing.T) {
	// An unscripted mock answers with an empty completion; the run still
	// terminates instead of spinning to the iteration cap.
	model := NewMockModel()

	r := NewRunner(model)
	res, err := r.Run(context.Background(), agent.RunConfig{UserMessage: "hi", MaxIterations: 5})
	require.NoError(t, err)
	assert.Equal(t, agent.StatusCompleted, res.Metadata.Status)
	assert.Equal(t, "", res.Response)
	assert.Equal(t, 1, model.CallCount())
}
