package drover

import (
	"fmt"
	"sync"
)

// MockFileReader is an in-memory FileReader for tests.
type MockFileReader struct {
	files map[string][]byte
	err   error
	mu    sync.RWMutex
}

// NewMockFileReader creates an empty mock file system.
func NewMockFileReader() *MockFileReader {
	return &MockFileReader{files: make(map[string][]byte)}
}

// ReadFile implements FileReader.
func (m *MockFileReader) ReadFile(path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.err != nil {
		return nil, m.err
	}
	data, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("file not found: %s", path)
	}
	return data, nil
}

// AddFile registers a file and its contents.
func (m *MockFileReader) AddFile(path string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = content
}

// SetError makes every ReadFile call fail with err.
func (m *MockFileReader) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}
