package agent

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Status describes where a run is in its lifecycle. Transitions only move
// forward from StatusRunning; a terminal status is never overwritten.
type Status string

const (
	StatusRunning       Status = "running"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusMaxIterations Status = "max_iterations"
	StatusWaitingHuman  Status = "waiting_for_human_input"
)

// Terminal reports whether the status ends a run.
func (s Status) Terminal() bool {
	return s != StatusRunning
}

// RunState is the mutable record of one agent run: the conversation so far,
// the iteration budget, and the tools touched. It is owned by exactly one
// loop invocation and is deliberately unsynchronized; nothing outside that
// loop may mutate it.
type RunState struct {
	SessionID   string
	ExecutionID string

	MaxIterations    int
	CurrentIteration int

	Messages []Message

	Status    Status
	StartTime time.Time

	Usage      Usage
	ModelCalls int

	toolsUsed map[string]struct{}
	toolOrder []string
}

// NewRunState creates a running state for a session with the given
// iteration budget. A fresh execution id is generated when none is given.
func NewRunState(sessionID, executionID string, maxIterations int) *RunState {
	if executionID == "" {
		executionID = uuid.NewString()
	}
	return &RunState{
		SessionID:     sessionID,
		ExecutionID:   executionID,
		MaxIterations: maxIterations,
		Status:        StatusRunning,
		StartTime:     time.Now().UTC(),
		toolsUsed:     make(map[string]struct{}),
	}
}

// IncrementIteration advances the iteration counter and returns the new
// count. Called at most once per loop pass.
func (s *RunState) IncrementIteration() int {
	s.CurrentIteration++
	return s.CurrentIteration
}

// HasReachedMaxIterations reports whether the iteration budget is spent.
func (s *RunState) HasReachedMaxIterations() bool {
	return s.CurrentIteration >= s.MaxIterations
}

// AddMessage appends one message to the conversation.
func (s *RunState) AddMessage(msg Message) {
	s.Messages = append(s.Messages, msg)
}

// SetMessages replaces the conversation wholesale. Used when loading
// persisted history at the start of a run.
func (s *RunState) SetMessages(messages []Message) {
	s.Messages = messages
}

// RecordToolUsage notes that a tool was invoked. Repeat calls for the same
// name are no-ops; first-use order is preserved for reporting.
func (s *RunState) RecordToolUsage(name string) {
	if _, ok := s.toolsUsed[name]; ok {
		return
	}
	s.toolsUsed[name] = struct{}{}
	s.toolOrder = append(s.toolOrder, name)
}

// ToolsUsed returns the distinct tool names invoked so far, sorted.
func (s *RunState) ToolsUsed() []string {
	out := make([]string, len(s.toolOrder))
	copy(out, s.toolOrder)
	sort.Strings(out)
	return out
}

// AddUsage folds one model call's token usage into the run totals.
func (s *RunState) AddUsage(u Usage) {
	s.ModelCalls++
	s.Usage.PromptTokens += u.PromptTokens
	s.Usage.CompletionTokens += u.CompletionTokens
	s.Usage.TotalTokens += u.TotalTokens
}

// MarkCompleted moves the run to its successful terminal status.
func (s *RunState) MarkCompleted() { s.transition(StatusCompleted) }

// MarkFailed moves the run to the failed terminal status.
func (s *RunState) MarkFailed() { s.transition(StatusFailed) }

// MarkMaxIterations records that the iteration budget terminated the run.
func (s *RunState) MarkMaxIterations() { s.transition(StatusMaxIterations) }

// MarkWaitingForHuman records that the run suspended for human input.
func (s *RunState) MarkWaitingForHuman() { s.transition(StatusWaitingHuman) }

func (s *RunState) transition(next Status) {
	if s.Status.Terminal() {
		return
	}
	s.Status = next
}

// Metadata returns a reporting snapshot of the run.
func (s *RunState) Metadata() RunMetadata {
	return RunMetadata{
		SessionID:   s.SessionID,
		ExecutionID: s.ExecutionID,
		Iterations:  s.CurrentIteration,
		ToolsUsed:   s.ToolsUsed(),
		Status:      s.Status,
		DurationMS:  time.Since(s.StartTime).Milliseconds(),
		ModelCalls:  s.ModelCalls,
		Usage:       s.Usage,
	}
}

// RunMetadata is the externally reported summary of a run.
type RunMetadata struct {
	SessionID   string   `json:"sessionId"`
	ExecutionID string   `json:"executionId"`
	Iterations  int      `json:"iterations"`
	ToolsUsed   []string `json:"toolsUsed,omitempty"`
	Status      Status   `json:"status"`
	DurationMS  int64    `json:"durationMs"`
	ModelCalls  int      `json:"modelCalls"`
	Usage       Usage    `json:"usage"`
}

// Usage counts tokens consumed by model calls.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// RecordStatus is the lifecycle of a ledger entry.
type RecordStatus string

const (
	RecordPending RecordStatus = "pending"
	RecordSuccess RecordStatus = "success"
	RecordFailed  RecordStatus = "failed"
)

// ToolCallRecord is one ledger entry for a dispatched tool call. Created
// when the dispatch starts and completed exactly once.
type ToolCallRecord struct {
	TrackingID string         `json:"trackingId"`
	ToolName   string         `json:"toolName"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Status     RecordStatus   `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	DurationMS int64          `json:"durationMs"`
}

// ToolLedger records the start and finish of every tool invocation in a
// run, in dispatch order. Like RunState it belongs to a single loop.
type ToolLedger struct {
	records []*ToolCallRecord
}

// Begin opens a pending record for a dispatch and returns it.
func (l *ToolLedger) Begin(toolName string, args map[string]any) *ToolCallRecord {
	rec := &ToolCallRecord{
		TrackingID: uuid.NewString(),
		ToolName:   toolName,
		Arguments:  args,
		Status:     RecordPending,
		StartedAt:  time.Now().UTC(),
	}
	l.records = append(l.records, rec)
	return rec
}

// Finish completes a record with the dispatch outcome. A record that is
// already completed is left untouched.
func (l *ToolLedger) Finish(rec *ToolCallRecord, output map[string]any, errMsg string) {
	if rec == nil || rec.Status != RecordPending {
		return
	}
	rec.DurationMS = time.Since(rec.StartedAt).Milliseconds()
	rec.Output = output
	rec.Error = errMsg
	if errMsg == "" {
		rec.Status = RecordSuccess
	} else {
		rec.Status = RecordFailed
	}
}

// Records returns a copy of the ledger entries in dispatch order.
func (l *ToolLedger) Records() []ToolCallRecord {
	out := make([]ToolCallRecord, len(l.records))
	for i, rec := range l.records {
		out[i] = *rec
	}
	return out
}

// DelegationRecord is one ledger entry for a coordinator's sub-agent
// invocation. Append-only; immutable once completed.
type DelegationRecord struct {
	DelegationID string       `json:"delegationId"`
	AgentID      string       `json:"agentId"`
	AgentName    string       `json:"agentName"`
	Task         string       `json:"task"`
	Status       RecordStatus `json:"status"`
	Result       string       `json:"result,omitempty"`
	Error        string       `json:"error,omitempty"`
	StartedAt    time.Time    `json:"startedAt"`
	DurationMS   int64        `json:"durationMs"`
}
