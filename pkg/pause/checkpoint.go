package pause

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/drover-dev/drover/agent"
)

// CheckpointStatus is the lifecycle state of a checkpointed execution.
type CheckpointStatus string

const (
	CheckpointRunning   CheckpointStatus = "RUNNING"
	CheckpointPaused    CheckpointStatus = "PAUSED"
	CheckpointCompleted CheckpointStatus = "COMPLETED"
	CheckpointCancelled CheckpointStatus = "CANCELLED"
)

// ErrCheckpointNotFound is returned when no checkpoint exists for an id.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// ErrInvalidExecutionID is returned when an execution id contains path
// separators or traversal sequences.
var ErrInvalidExecutionID = errors.New("invalid execution id: contains path separator or traversal sequence")

// Checkpoint captures a run's state at a pause boundary so the session can
// survive a process restart. Messages hold the sanitized history.
type Checkpoint struct {
	ExecutionID string           `json:"executionId"`
	SessionID   string           `json:"sessionId"`
	Status      CheckpointStatus `json:"status"`
	Question    string           `json:"question,omitempty"`
	Messages    []agent.Message  `json:"messages"`
	CreatedAt   time.Time        `json:"createdAt"`
	PausedAt    *time.Time       `json:"pausedAt,omitempty"`
	ResumedAt   *time.Time       `json:"resumedAt,omitempty"`
}

// Checkpointer persists checkpoints across process restarts. A nil
// Checkpointer is legal; pauses then live only in the registry.
type Checkpointer interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, executionID string) (*Checkpoint, error)
	List(ctx context.Context) ([]*Checkpoint, error)
	Delete(ctx context.Context, executionID string) error
}

func validateExecutionID(s string) error {
	if s == "" {
		return errors.New("execution id cannot be empty")
	}
	if strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return ErrInvalidExecutionID
	}
	return nil
}

// FileCheckpointer stores one JSON file per checkpoint.
// Storage layout:
//
//	~/.drover/checkpoints/
//	  └── <execution-id>.json
type FileCheckpointer struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileCheckpointer creates a file-backed checkpointer rooted at baseDir.
// If baseDir is empty, ~/.drover/checkpoints is used.
func NewFileCheckpointer(baseDir string) (*FileCheckpointer, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".drover", "checkpoints")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}

	return &FileCheckpointer{baseDir: baseDir}, nil
}

func (f *FileCheckpointer) path(executionID string) string {
	return filepath.Join(f.baseDir, executionID+".json")
}

func (f *FileCheckpointer) Save(_ context.Context, cp *Checkpoint) error {
	if err := validateExecutionID(cp.ExecutionID); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := os.WriteFile(f.path(cp.ExecutionID), data, 0600); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

func (f *FileCheckpointer) Load(_ context.Context, executionID string) (*Checkpoint, error) {
	if err := validateExecutionID(executionID); err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := os.ReadFile(f.path(executionID)) // #nosec G304 - execution id validated to prevent traversal
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	return &cp, nil
}

func (f *FileCheckpointer) List(_ context.Context) ([]*Checkpoint, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := os.ReadDir(f.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Checkpoint{}, nil
		}
		return nil, fmt.Errorf("read checkpoint directory: %w", err)
	}

	var checkpoints []*Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.baseDir, entry.Name())) // #nosec G304 - file name from directory listing
		if err != nil {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			continue
		}
		checkpoints = append(checkpoints, &cp)
	}

	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].CreatedAt.Before(checkpoints[j].CreatedAt)
	})
	return checkpoints, nil
}

func (f *FileCheckpointer) Delete(_ context.Context, executionID string) error {
	if err := validateExecutionID(executionID); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path(executionID)); err != nil {
		if os.IsNotExist(err) {
			return ErrCheckpointNotFound
		}
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}
