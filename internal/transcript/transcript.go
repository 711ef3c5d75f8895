package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ToolCallEntry is the normalized record of one tool invocation in a turn.
type ToolCallEntry struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
}

// Entry is one normalized transcript line.
type Entry struct {
	Time      time.Time       `json:"ts"`
	Role      string          `json:"role"`
	Text      string          `json:"text,omitempty"`
	ToolCalls []ToolCallEntry `json:"tool_calls,omitempty"`
}

// Store appends normalized transcripts to one JSONL file per session.
// Persistence is best-effort; the session never depends on it.
type Store struct {
	dir      string
	maxBytes int64

	mu      sync.Mutex
	files   map[string]*os.File
	pending map[string]int // appends since last size check
}

func NewStore(stateDir string, maxBytes int64) (*Store, error) {
	dir := filepath.Join(stateDir, "transcripts")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}
	return &Store{
		dir:      dir,
		maxBytes: maxBytes,
		files:    make(map[string]*os.File),
		pending:  make(map[string]int),
	}, nil
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".jsonl")
}

// Append writes one entry to the session's transcript.
func (s *Store) Append(sessionID string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.openLocked(sessionID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		return err
	}
	if _, err := file.WriteString("\n"); err != nil {
		return err
	}

	s.pending[sessionID]++
	if s.pending[sessionID] >= 50 {
		s.pending[sessionID] = 0
		return s.maybeCompactLocked(sessionID)
	}
	return nil
}

func (s *Store) openLocked(sessionID string) (*os.File, error) {
	if file, ok := s.files[sessionID]; ok {
		return file, nil
	}
	file, err := os.OpenFile(s.path(sessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	s.files[sessionID] = file
	return file, nil
}

// Load reads a session's transcript back. Invalid lines are skipped.
func (s *Store) Load(sessionID string) ([]Entry, error) {
	file, err := os.Open(s.path(sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// maybeCompactLocked drops the oldest half of a transcript once the file
// outgrows the configured bound.
func (s *Store) maybeCompactLocked(sessionID string) error {
	info, err := os.Stat(s.path(sessionID))
	if err != nil || info.Size() < s.maxBytes {
		return nil
	}

	entries, err := s.loadLocked(sessionID)
	if err != nil {
		return err
	}
	keep := entries[len(entries)/2:]

	tmpPath := s.path(sessionID) + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create transcript file: %w", err)
	}
	for _, e := range keep {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		if _, err := file.Write(data); err != nil {
			file.Close()
			return err
		}
		if _, err := file.WriteString("\n"); err != nil {
			file.Close()
			return err
		}
	}
	if err := file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.path(sessionID)); err != nil {
		return err
	}

	if old, ok := s.files[sessionID]; ok {
		old.Close()
		delete(s.files, sessionID)
	}
	_, err = s.openLocked(sessionID)
	return err
}

func (s *Store) loadLocked(sessionID string) ([]Entry, error) {
	file, err := os.Open(s.path(sessionID))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// Close flushes and closes every open transcript file.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, file := range s.files {
		file.Close()
		delete(s.files, id)
	}
}
