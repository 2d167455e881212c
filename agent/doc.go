// Package agent defines the core data model and collaborator contracts for
// the Drover execution engine.
//
// This package exports the Message, RunState, and error taxonomy types that
// the engine mutates while driving a run, together with the four capability
// interfaces the engine consumes: Model, Memory, Tool, and SubAgent.
// Implementations of those interfaces live elsewhere (internal/llm/provider,
// pkg/memory, pkg/tool, agents); the engine itself only ever sees the
// contracts declared here.
//
// # Run Configuration
//
// A run is described by a RunConfig and produces a RunResult:
//
//	cfg := agent.RunConfig{
//	    SystemPrompt: "You are a research assistant.",
//	    UserMessage:  "Summarize the latest findings.",
//	    SessionID:    "research-42",
//	}
//	if err := cfg.Normalize(); err != nil {
//	    // invalid limits, missing schema, ...
//	}
//
// Normalize applies defaults (10 iterations, 5 minute timeout, session
// "default") and rejects out-of-range values with an INVALID_REQUEST error.
//
// # Error Taxonomy
//
// All failures the engine can surface are typed:
//
//	var aerr *agent.Error
//	if errors.As(err, &aerr) && aerr.Code == agent.CodeMaxIterations {
//	    // raise the iteration budget and retry
//	}
//
// Classify maps raw model, memory, and tool failures into the taxonomy with
// a recoverability flag and a backoff hint; Backoff turns an attempt number
// into a sleep duration.
//
// # History Sanitization
//
// SanitizeMessages strips incomplete tool-call exchanges before history is
// persisted or replayed, so a stored conversation never references a tool
// call that has no recorded result.
package agent
