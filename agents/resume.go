package agents

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/drover-dev/drover/agent"
	"github.com/drover-dev/drover/internal/observability"
	metrics "github.com/drover-dev/drover/pkg/observability"
	"github.com/drover-dev/drover/pkg/pause"
)

// Resume continues a paused execution with a human's response. The
// checkpointed conversation is restored, the response is injected as the
// next user turn, and the loop picks up with a fresh iteration budget.
// When the in-memory pause ticket is still pending it settles with the
// response; after a restart only the checkpoint carries the state.
func (r *Runner) Resume(ctx context.Context, executionID, response string) (*agent.RunResult, error) {
	if r.checkpointer == nil {
		return nil, agent.NewError(agent.CodeInvalidRequest,
			"resume requires a checkpointer")
	}
	if strings.TrimSpace(response) == "" {
		return nil, agent.NewError(agent.CodeInvalidRequest, "response is required")
	}

	cp, err := r.checkpointer.Load(ctx, executionID)
	if err != nil {
		if errors.Is(err, pause.ErrCheckpointNotFound) {
			return nil, agent.WrapError(agent.CodeInvalidRequest, err,
				"no paused execution %s", executionID)
		}
		return nil, agent.WrapError(agent.CodeMemoryError, err,
			"cannot load checkpoint %s", executionID)
	}
	if cp.Status != pause.CheckpointPaused {
		return nil, agent.NewError(agent.CodeInvalidRequest,
			"execution %s is not paused (status %s)", executionID, cp.Status)
	}

	if r.pauses != nil {
		if rerr := r.pauses.Resume(executionID, response); rerr != nil && !errors.Is(rerr, pause.ErrNotPaused) {
			log.Printf("Warning: failed to settle pause ticket %s: %v", executionID, rerr)
		}
		metrics.SetPausedRuns(len(r.pauses.List()))
	}
	metrics.RecordHumanResponse("resumed")

	now := time.Now().UTC()
	cp.Status = pause.CheckpointRunning
	cp.ResumedAt = &now
	if serr := r.checkpointer.Save(ctx, cp); serr != nil {
		log.Printf("Warning: failed to update checkpoint %s: %v", executionID, serr)
	}

	cfg := agent.RunConfig{
		UserMessage: response,
		SessionID:   cp.SessionID,
		ExecutionID: executionID,
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.TimeoutMS)*time.Millisecond)
	defer cancel()

	ctx, span := observability.StartSpan(ctx, "agent.resume", map[string]any{
		"agent.name":   r.name,
		"session.id":   cp.SessionID,
		"execution.id": executionID,
	})
	defer span.End()

	state := agent.NewRunState(cp.SessionID, executionID, cfg.MaxIterations)
	state.SetMessages(cp.Messages)
	state.AddMessage(agent.NewUserMessage(resumeMessage(cp.Question, response)))

	// The checkpoint prefix that memory already holds must not be
	// persisted twice.
	baseLen := min(len(r.loadHistory(ctx, cp.SessionID)), len(cp.Messages))

	result, runErr := r.loop(ctx, span, cfg, state, baseLen)
	if runErr == nil && result.Paused == nil {
		cp.Status = pause.CheckpointCompleted
		cp.Messages = agent.SanitizeMessages(state.Messages)
		if serr := r.checkpointer.Save(ctx, cp); serr != nil {
			log.Printf("Warning: failed to close checkpoint %s: %v", executionID, serr)
		}
	}
	return result, runErr
}

// Cancel rejects a paused execution: a pending ticket settles with the
// cancellation, and the checkpoint, when one exists, is marked cancelled.
func (r *Runner) Cancel(ctx context.Context, executionID string) error {
	settled := false
	if r.pauses != nil {
		switch err := r.pauses.Cancel(executionID); {
		case err == nil:
			settled = true
			metrics.SetPausedRuns(len(r.pauses.List()))
		case !errors.Is(err, pause.ErrNotPaused):
			return err
		}
	}

	if r.checkpointer != nil {
		cp, err := r.checkpointer.Load(ctx, executionID)
		switch {
		case err == nil && cp.Status == pause.CheckpointPaused:
			cp.Status = pause.CheckpointCancelled
			if serr := r.checkpointer.Save(ctx, cp); serr != nil {
				log.Printf("Warning: failed to mark checkpoint %s cancelled: %v", executionID, serr)
			}
			settled = true
		case err != nil && !errors.Is(err, pause.ErrCheckpointNotFound):
			return agent.WrapError(agent.CodeMemoryError, err,
				"cannot load checkpoint %s", executionID)
		}
	}

	if !settled {
		return agent.NewError(agent.CodeInvalidRequest, "no paused execution %s", executionID)
	}
	metrics.RecordHumanResponse("cancelled")
	return nil
}

// resumeMessage frames the human's answer so the model can tie it back to
// the question it asked.
func resumeMessage(question, response string) string {
	if question == "" {
		return response
	}
	return fmt.Sprintf("Human response to %q: %s", question, response)
}
