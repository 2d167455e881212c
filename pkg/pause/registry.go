// Package pause coordinates runs suspended for human input. A paused run
// registers a ticket keyed by execution id; a human (or an operator tool)
// later resumes or cancels it. Each ticket settles exactly once.
package pause

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/drover-dev/drover/agent"
)

// ErrAlreadyPaused is returned when an execution id is paused twice.
var ErrAlreadyPaused = errors.New("execution is already paused")

// ErrNotPaused is returned for resume or cancel of an unknown or already
// settled execution id.
var ErrNotPaused = errors.New("no paused execution with that id")

// Registry tracks paused runs in process memory.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*Ticket
}

// NewRegistry creates an empty pause registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*Ticket)}
}

// PauseRequest describes the run being suspended.
type PauseRequest struct {
	ExecutionID    string
	SessionID      string
	Question       string
	TimeoutSeconds int
}

type resolution struct {
	text      string
	cancelled bool
}

// Ticket is a handle to one paused run. Wait blocks until the run is
// resumed, cancelled, timed out, or the context ends.
type Ticket struct {
	ExecutionID    string
	SessionID      string
	Question       string
	TimeoutSeconds int
	PausedAt       time.Time

	registry *Registry
	resolve  chan resolution
}

// Pause registers a run as waiting for human input and returns its ticket.
func (r *Registry) Pause(req PauseRequest) (*Ticket, error) {
	if req.ExecutionID == "" {
		return nil, errors.New("execution id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runs[req.ExecutionID]; exists {
		return nil, ErrAlreadyPaused
	}

	t := &Ticket{
		ExecutionID:    req.ExecutionID,
		SessionID:      req.SessionID,
		Question:       req.Question,
		TimeoutSeconds: req.TimeoutSeconds,
		PausedAt:       time.Now().UTC(),
		registry:       r,
		resolve:        make(chan resolution, 1),
	}
	r.runs[req.ExecutionID] = t
	return t, nil
}

// Resume delivers a human response to a paused run. The first resume wins;
// any later resume for the same id reports ErrNotPaused.
func (r *Registry) Resume(executionID, response string) error {
	return r.settle(executionID, resolution{text: response})
}

// Cancel abandons a paused run without an answer.
func (r *Registry) Cancel(executionID string) error {
	return r.settle(executionID, resolution{cancelled: true})
}

func (r *Registry) settle(executionID string, res resolution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.runs[executionID]
	if !ok {
		return ErrNotPaused
	}
	delete(r.runs, executionID)
	t.resolve <- res
	return nil
}

// claim removes the entry if still present, reporting whether this caller
// won the settlement. A false return means a resolution was already sent.
func (r *Registry) claim(executionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.runs[executionID]; !ok {
		return false
	}
	delete(r.runs, executionID)
	return true
}

// IsPaused reports whether an execution is currently waiting.
func (r *Registry) IsPaused(executionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runs[executionID]
	return ok
}

// PausedRun is a snapshot of one waiting execution.
type PausedRun struct {
	ExecutionID    string
	SessionID      string
	Question       string
	TimeoutSeconds int
	PausedAt       time.Time
	Waiting        time.Duration
}

// List returns snapshots of all waiting executions, oldest pause first.
func (r *Registry) List() []PausedRun {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	out := make([]PausedRun, 0, len(r.runs))
	for _, t := range r.runs {
		out = append(out, PausedRun{
			ExecutionID:    t.ExecutionID,
			SessionID:      t.SessionID,
			Question:       t.Question,
			TimeoutSeconds: t.TimeoutSeconds,
			PausedAt:       t.PausedAt,
			Waiting:        now.Sub(t.PausedAt),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PausedAt.Before(out[j].PausedAt) })
	return out
}

// SweepOlderThan cancels runs that have been waiting longer than maxAge
// and returns their execution ids. Intended for a periodic janitor.
func (r *Registry) SweepOlderThan(maxAge time.Duration) []string {
	cutoff := time.Now().UTC().Add(-maxAge)

	var stale []string
	for _, run := range r.List() {
		if run.PausedAt.Before(cutoff) {
			stale = append(stale, run.ExecutionID)
		}
	}

	swept := make([]string, 0, len(stale))
	for _, id := range stale {
		if err := r.Cancel(id); err == nil {
			swept = append(swept, id)
		}
	}
	return swept
}

// Wait blocks until the ticket settles. It returns the human response on
// resume, a HUMAN_CANCELLED error on cancel, a HUMAN_RESPONSE_TIMEOUT
// error when the ticket's own timeout elapses, or the context error.
func (t *Ticket) Wait(ctx context.Context) (string, error) {
	var timeout <-chan time.Time
	if t.TimeoutSeconds > 0 {
		timer := time.NewTimer(time.Duration(t.TimeoutSeconds) * time.Second)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-t.resolve:
		return t.settled(res)
	case <-timeout:
		if t.registry.claim(t.ExecutionID) {
			return "", agent.NewError(agent.CodeHumanResponseTimeout,
				"no human response within %d seconds", t.TimeoutSeconds)
		}
		// Settled just before the timer fired; the resolution is already
		// buffered.
		return t.settled(<-t.resolve)
	case <-ctx.Done():
		if t.registry.claim(t.ExecutionID) {
			return "", ctx.Err()
		}
		return t.settled(<-t.resolve)
	}
}

func (t *Ticket) settled(res resolution) (string, error) {
	if res.cancelled {
		return "", agent.NewError(agent.CodeHumanCancelled, "human input request was cancelled")
	}
	return res.text, nil
}
