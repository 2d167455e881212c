// Package agents implements the execution engine: the single-agent run
// loop, tool dispatch, multi-agent coordination, and result aggregation.
package agents

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/drover-dev/drover/agent"
	"github.com/drover-dev/drover/pkg/tool"
)

// Definition describes a locally hosted sub-agent.
type Definition struct {
	// Name is the display name; the coordinator derives the delegation
	// tool name from it.
	Name string

	// Description tells the coordinating model what this agent is for.
	Description string

	// SystemPrompt seeds the agent's conversations.
	SystemPrompt string

	// Model runs the agent. Nil means the coordinator's fallback model is
	// used at delegation time.
	Model agent.Model

	// Tools the agent may call.
	Tools []agent.Tool

	// Memory persists the agent's own scoped history. Nil is stateless.
	Memory agent.Memory

	// MaxIterations bounds each delegated run. Zero selects the default.
	MaxIterations int
}

// LocalAgent hosts a sub-agent in-process, backed by its own run loop.
// It implements agent.SubAgent; every failure, its own panics included,
// is captured in the task result rather than surfaced as an error.
type LocalAgent struct {
	id  string
	def Definition
}

// NewLocalAgent creates a sub-agent from its definition.
func NewLocalAgent(def Definition) *LocalAgent {
	if def.Name == "" {
		def.Name = "agent"
	}
	return &LocalAgent{
		id:  uuid.NewString(),
		def: def,
	}
}

// ID implements agent.SubAgent.
func (a *LocalAgent) ID() string { return a.id }

// Name implements agent.SubAgent.
func (a *LocalAgent) Name() string { return a.def.Name }

// Description implements agent.SubAgent.
func (a *LocalAgent) Description() string { return a.def.Description }

// ExecuteTask runs one delegated task through the agent's own runner.
func (a *LocalAgent) ExecuteTask(ctx context.Context, req *agent.TaskRequest) (res *agent.TaskResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = &agent.TaskResult{
				Success: false,
				Error:   fmt.Sprintf("agent %s panicked: %v", a.def.Name, r),
			}
			err = nil
		}
	}()

	model := a.def.Model
	if model == nil {
		model = req.FallbackModel
		if model == nil {
			return &agent.TaskResult{
				Success: false,
				Error:   fmt.Sprintf("agent %s has no model and no fallback was provided", a.def.Name),
			}, nil
		}
		log.Printf("Warning: agent %s has no model of its own, using the coordinator's", a.def.Name)
	}

	runner := NewRunner(model,
		WithName(a.def.Name),
		WithTools(tool.NewRegistry(a.def.Tools...)),
		WithMemory(a.def.Memory),
	)

	out, rerr := runner.Run(ctx, agent.RunConfig{
		SystemPrompt:  a.def.SystemPrompt,
		UserMessage:   composeTask(req),
		MaxIterations: a.def.MaxIterations,
		SessionID:     scopedSession(req.SessionID, a.def.Name),
	})
	if rerr != nil {
		result := &agent.TaskResult{Success: false, Error: rerr.Error()}
		if out != nil {
			result.Metadata = out.Metadata
		}
		return result, nil
	}

	return &agent.TaskResult{
		Success:  true,
		Response: out.Response,
		Metadata: out.Metadata,
	}, nil
}

// composeTask renders the delegated task plus its accumulated context as
// the sub-agent's user message.
func composeTask(req *agent.TaskRequest) string {
	var b strings.Builder
	b.WriteString(req.Task)
	if req.Context != "" {
		b.WriteString("\n\nContext from earlier steps:\n")
		b.WriteString(req.Context)
	}
	if len(req.SharedContext) > 0 {
		b.WriteString("\n\nRecent results from other agents:")
		for _, s := range req.SharedContext {
			b.WriteString("\n- ")
			b.WriteString(s)
		}
	}
	if req.ExpectedOutput != "" {
		b.WriteString("\n\nExpected output: ")
		b.WriteString(req.ExpectedOutput)
	}
	return b.String()
}

// scopedSession gives each sub-agent its own history under the parent
// session so concurrent delegations never interleave.
func scopedSession(sessionID, agentName string) string {
	if strings.TrimSpace(sessionID) == "" {
		sessionID = agent.DefaultSessionID
	}
	return sessionID + ":" + slugify(agentName)
}
