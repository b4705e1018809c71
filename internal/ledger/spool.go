package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/0xtide/epochbot/internal/types"
)

// Spool is the JSON-lines fallback for outcome writes the database refused.
// Appends are fsynced; Drain consumes the whole file and truncates it.
type Spool struct {
	mu   sync.Mutex
	path string
}

func NewSpool(path string) *Spool {
	return &Spool{path: path}
}

// Append writes one outcome as a JSON line and syncs.
func (s *Spool) Append(o types.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("spool: mkdir: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("spool: open: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("spool: marshal: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("spool: write: %w", err)
	}
	return f.Sync()
}

// Drain reads every spooled outcome and truncates the file. Undecodable
// lines are skipped rather than blocking the rest.
func (s *Spool) Drain() ([]types.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("spool: open: %w", err)
	}

	var out []types.Outcome
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var o types.Outcome
		if json.Unmarshal(scanner.Bytes(), &o) != nil {
			continue
		}
		out = append(out, o)
	}
	f.Close()
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("spool: scan: %w", err)
	}

	if err := os.Truncate(s.path, 0); err != nil {
		return out, fmt.Errorf("spool: truncate: %w", err)
	}
	return out, nil
}

// Len counts spooled lines, for tests and startup logging.
func (s *Spool) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return 0
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		n++
	}
	return n
}
