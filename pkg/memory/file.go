package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/drover-dev/drover/agent"
)

// ErrInvalidSessionID is returned when a session id contains path
// separators or traversal sequences.
var ErrInvalidSessionID = errors.New("invalid session id: contains path separator or traversal sequence")

// validateSessionID checks that a session id is safe to use as a file name.
func validateSessionID(s string) error {
	if s == "" {
		return errors.New("session id cannot be empty")
	}
	if strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return ErrInvalidSessionID
	}
	return nil
}

// FileStore persists conversation history as one JSONL file per session.
// Storage layout:
//
//	~/.drover/sessions/
//	  └── <session-id>.jsonl
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewFileStore creates a file-backed store rooted at baseDir. If baseDir
// is empty, ~/.drover/sessions is used.
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".drover", "sessions")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &FileStore{baseDir: baseDir}, nil
}

func (f *FileStore) sessionPath(sessionID string) string {
	return filepath.Join(f.baseDir, sessionID+".jsonl")
}

// GetMessages returns the stored history for a session, oldest first.
func (f *FileStore) GetMessages(_ context.Context, sessionID string) ([]agent.Message, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStoreClosed
	}
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	file, err := os.Open(f.sessionPath(sessionID)) // #nosec G304 - session id validated to prevent traversal
	if err != nil {
		if os.IsNotExist(err) {
			return []agent.Message{}, nil
		}
		return nil, fmt.Errorf("open session file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var msgs []agent.Message
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var msg agent.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			return nil, fmt.Errorf("parse message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan session file: %w", err)
	}

	return msgs, nil
}

// AddMessage appends one message to a session's JSONL file.
func (f *FileStore) AddMessage(_ context.Context, sessionID string, msg agent.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStoreClosed
	}
	if err := validateSessionID(sessionID); err != nil {
		return err
	}

	file, err := os.OpenFile(f.sessionPath(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) // #nosec G304 - session id validated to prevent traversal
	if err != nil {
		return fmt.Errorf("open session file: %w", err)
	}
	defer func() { _ = file.Close() }()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Clear removes a session's file. Clearing an unknown session is a no-op.
func (f *FileStore) Clear(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStoreClosed
	}
	if err := validateSessionID(sessionID); err != nil {
		return err
	}

	if err := os.Remove(f.sessionPath(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}

func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
