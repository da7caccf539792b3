package executor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// LedgerEntry is the per-job usage summary persisted for a run.
type LedgerEntry struct {
	JobID     string    `yaml:"job"`
	Name      string    `yaml:"name"`
	Rule      string    `yaml:"rule"`
	Target    string    `yaml:"target"`
	Command   string    `yaml:"command"`
	Succeeded bool      `yaml:"succeeded"`
	ExitCode  int       `yaml:"exit_code"`
	Error     string    `yaml:"error,omitempty"`
	Started   time.Time `yaml:"started"`
	Elapsed   float64   `yaml:"elapsed_seconds"`
	User      float64   `yaml:"user_seconds"`
	System    float64   `yaml:"system_seconds"`
	MaxRSSKB  int64     `yaml:"max_rss_kb"`
	Stdout    string    `yaml:"stdout"`
	Stderr    string    `yaml:"stderr"`
}

// Ledger appends job summaries to a multi-document YAML file.
type Ledger struct {
	mu   sync.Mutex
	path string
}

// NewLedger returns a ledger writing to path.
func NewLedger(path string) *Ledger {
	return &Ledger{path: path}
}

// Path returns the ledger file location.
func (l *Ledger) Path() string {
	return l.path
}

// Record appends one entry.
func (l *Ledger) Record(e LedgerEntry) error {
	data, err := yaml.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode ledger entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append([]byte("---\n"), data...)); err != nil {
		return fmt.Errorf("failed to write ledger %s: %w", l.path, err)
	}
	return nil
}

// ReadLedger decodes every entry in the file at path.
func ReadLedger(path string) ([]LedgerEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []LedgerEntry
	dec := yaml.NewDecoder(f)
	for {
		var e LedgerEntry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return entries, nil
			}
			return nil, fmt.Errorf("failed to decode ledger %s: %w", path, err)
		}
		entries = append(entries, e)
	}
}
