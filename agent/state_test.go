package agent

import (
	"reflect"
	"testing"
)

func TestRunStateIterationBudget(t *testing.T) {
	state := NewRunState("s1", "", 3)

	for i := 1; i <= 3; i++ {
		if state.HasReachedMaxIterations() {
			t.Fatalf("budget exhausted after %d of 3 iterations", i-1)
		}
		if got := state.IncrementIteration(); got != i {
			t.Fatalf("IncrementIteration = %d, want %d", got, i)
		}
	}
	if !state.HasReachedMaxIterations() {
		t.Error("budget not exhausted after 3 of 3 iterations")
	}
}

func TestRunStateStatusTransitionsForwardOnly(t *testing.T) {
	state := NewRunState("s1", "", 5)
	if state.Status != StatusRunning {
		t.Fatalf("initial status = %s, want %s", state.Status, StatusRunning)
	}

	state.MarkCompleted()
	if state.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s", state.Status, StatusCompleted)
	}

	// Terminal status must never be overwritten.
	state.MarkFailed()
	state.MarkMaxIterations()
	state.MarkWaitingForHuman()
	if state.Status != StatusCompleted {
		t.Errorf("terminal status was overwritten to %s", state.Status)
	}
}

func TestRunStateToolUsageIdempotentAndSorted(t *testing.T) {
	state := NewRunState("s1", "", 5)
	state.RecordToolUsage("clock")
	state.RecordToolUsage("calculator")
	state.RecordToolUsage("clock")
	state.RecordToolUsage("calculator")

	want := []string{"calculator", "clock"}
	if got := state.ToolsUsed(); !reflect.DeepEqual(got, want) {
		t.Errorf("ToolsUsed = %v, want %v", got, want)
	}
}

func TestRunStateGeneratesExecutionID(t *testing.T) {
	a := NewRunState("s1", "", 5)
	b := NewRunState("s1", "", 5)
	if a.ExecutionID == "" || a.ExecutionID == b.ExecutionID {
		t.Errorf("execution ids not unique: %q vs %q", a.ExecutionID, b.ExecutionID)
	}

	c := NewRunState("s1", "given", 5)
	if c.ExecutionID != "given" {
		t.Errorf("ExecutionID = %q, want given", c.ExecutionID)
	}
}

func TestRunStateMetadataSnapshot(t *testing.T) {
	state := NewRunState("session-9", "exec-1", 5)
	state.IncrementIteration()
	state.IncrementIteration()
	state.RecordToolUsage("calculator")
	state.AddUsage(Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15})
	state.AddUsage(Usage{PromptTokens: 20, CompletionTokens: 7, TotalTokens: 27})
	state.MarkCompleted()

	meta := state.Metadata()
	if meta.SessionID != "session-9" || meta.ExecutionID != "exec-1" {
		t.Errorf("metadata ids = %q/%q", meta.SessionID, meta.ExecutionID)
	}
	if meta.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", meta.Iterations)
	}
	if meta.Status != StatusCompleted {
		t.Errorf("Status = %s, want %s", meta.Status, StatusCompleted)
	}
	if meta.ModelCalls != 2 {
		t.Errorf("ModelCalls = %d, want 2", meta.ModelCalls)
	}
	if meta.Usage.TotalTokens != 42 {
		t.Errorf("TotalTokens = %d, want 42", meta.Usage.TotalTokens)
	}
	if meta.DurationMS < 0 {
		t.Errorf("DurationMS = %d, want >= 0", meta.DurationMS)
	}
}

func TestToolLedgerCompletesExactlyOnce(t *testing.T) {
	var ledger ToolLedger

	rec := ledger.Begin("calculator", map[string]any{"expression": "2 + 2"})
	if rec.Status != RecordPending {
		t.Fatalf("new record status = %s, want %s", rec.Status, RecordPending)
	}
	if rec.TrackingID == "" {
		t.Fatal("new record has no tracking id")
	}

	ledger.Finish(rec, map[string]any{"result": 4.0}, "")
	if rec.Status != RecordSuccess {
		t.Fatalf("finished record status = %s, want %s", rec.Status, RecordSuccess)
	}

	// Finishing again must not flip the outcome.
	ledger.Finish(rec, nil, "late failure")
	if rec.Status != RecordSuccess || rec.Error != "" {
		t.Errorf("completed record was mutated: status=%s error=%q", rec.Status, rec.Error)
	}
}

func TestToolLedgerRecordsFailure(t *testing.T) {
	var ledger ToolLedger

	rec := ledger.Begin("flaky", nil)
	ledger.Finish(rec, nil, "boom")

	records := ledger.Records()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].Status != RecordFailed || records[0].Error != "boom" {
		t.Errorf("record = %+v, want failed with error boom", records[0])
	}
}
