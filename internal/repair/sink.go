package repair

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FailureSink records the text of an unrecoverable parse and returns a handle
// that lets an operator find it again.
type FailureSink interface {
	Record(kind, text string) (handle string, err error)
}

// FileSink writes each failure to Dir/debug_failed_<kind>.txt, overwriting the
// previous failure of the same kind. Two concurrent failures of one kind race
// and the last writer wins.
type FileSink struct {
	Dir string
}

func (s FileSink) Record(kind, text string) (string, error) {
	dir := s.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create dump dir: %w", err)
	}
	path := filepath.Join(dir, "debug_failed_"+kind+".txt")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("write dump: %w", err)
	}
	return path, nil
}

// MemorySink keeps the latest failure per kind in memory.
type MemorySink struct {
	mu      sync.Mutex
	entries map[string]string
}

func NewMemorySink() *MemorySink {
	return &MemorySink{entries: map[string]string{}}
}

func (s *MemorySink) Record(kind, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[kind] = text
	return "memory://" + kind, nil
}

// Last returns the most recent text recorded for kind.
func (s *MemorySink) Last(kind string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.entries[kind]
	return text, ok
}
