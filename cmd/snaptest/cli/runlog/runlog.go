// Package runlog stores a record and a transcript for every snaptest run
// under .snaptest/runs/.
package runlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/snaptest/snaptest/cmd/snaptest/cli/history"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/jsonutil"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/paths"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/validation"
	"github.com/snaptest/snaptest/redact"
)

const (
	recordExt     = ".json"
	transcriptExt = ".transcript"
	logExt        = ".log"
)

// ErrNotFound is returned by Load for an unknown run.
var ErrNotFound = errors.New("run not found")

// Record describes one run. Hashes are full hex strings; empty when the run
// failed before that stage.
type Record struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`

	Branch    string        `json:"branch,omitempty"`
	Commit    string        `json:"commit,omitempty"`
	Parent    string        `json:"parent,omitempty"`
	Empty     bool          `json:"empty"`
	Stats     history.Stats `json:"stats"`
	Formatted []string      `json:"formatted,omitempty"`

	RemoteHost string   `json:"remote_host,omitempty"`
	RemoteName string   `json:"remote_name,omitempty"`
	Commands   []string `json:"commands,omitempty"`
	ExitStatus int      `json:"exit_status"`
	DurationMS int64    `json:"duration_ms"`

	Outcome string `json:"outcome,omitempty"`
	// Error is set when the run ended with a fatal error instead of an outcome.
	Error string `json:"error,omitempty"`
}

// Duration returns the remote run time.
func (r *Record) Duration() time.Duration {
	return time.Duration(r.DurationMS) * time.Millisecond
}

// Store reads and writes run records of one repository.
type Store struct {
	runsDir string
	logsDir string
}

// NewStore returns a Store for the repository at root.
func NewStore(root string) *Store {
	return &Store{
		runsDir: filepath.Join(root, paths.RunsDir),
		logsDir: filepath.Join(root, paths.LogsDir),
	}
}

// Dir returns the directory holding run records.
func (s *Store) Dir() string {
	return s.runsDir
}

// TranscriptPath returns where the transcript of runID is written.
func (s *Store) TranscriptPath(runID string) string {
	return filepath.Join(s.runsDir, runID+transcriptExt)
}

// Save writes rec to <runs>/<run-id>.json with secrets redacted.
func (s *Store) Save(rec *Record) error {
	if err := validation.ValidateRunID(rec.RunID); err != nil {
		return fmt.Errorf("saving run record: %w", err)
	}
	data, err := jsonutil.MarshalIndentWithNewline(rec, "", "  ")
	if err != nil {
		return err //nolint:wrapcheck // already wrapped by jsonutil
	}
	data, err = redact.JSONBytes(data)
	if err != nil {
		return fmt.Errorf("redacting run record: %w", err)
	}
	if err := jsonutil.WriteBytesAtomic(filepath.Join(s.runsDir, rec.RunID+recordExt), data, 0o600); err != nil {
		return fmt.Errorf("saving run record: %w", err)
	}
	return nil
}

// Load reads the record of runID.
func (s *Store) Load(runID string) (*Record, error) {
	if err := validation.ValidateRunID(runID); err != nil {
		return nil, err //nolint:wrapcheck // validation errors are already descriptive
	}
	return readRecord(filepath.Join(s.runsDir, runID+recordExt))
}

func readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is built from a validated run ID
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(path))
		}
		return nil, fmt.Errorf("reading run record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing run record %s: %w", filepath.Base(path), err)
	}
	return &rec, nil
}

// List returns all readable records, newest first. Unreadable files are
// skipped and returned as the second value.
func (s *Store) List() ([]*Record, []string, error) {
	entries, err := os.ReadDir(s.runsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("listing runs: %w", err)
	}

	var records []*Record
	var skipped []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordExt) || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		rec, err := readRecord(filepath.Join(s.runsDir, e.Name()))
		if err != nil {
			skipped = append(skipped, e.Name())
			continue
		}
		records = append(records, rec)
	}

	slices.SortStableFunc(records, func(a, b *Record) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(b.RunID, a.RunID)
	})
	return records, skipped, nil
}

// PruneCandidates returns the records beyond the newest keep.
func (s *Store) PruneCandidates(keep int) ([]*Record, error) {
	if keep < 0 {
		return nil, fmt.Errorf("keep must not be negative, got %d", keep)
	}
	records, _, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(records) <= keep {
		return nil, nil
	}
	return records[keep:], nil
}

// Remove deletes the record, transcript and log of runID. Missing files are
// not an error.
func (s *Store) Remove(runID string) error {
	if err := validation.ValidateRunID(runID); err != nil {
		return err //nolint:wrapcheck // validation errors are already descriptive
	}
	var errs []error
	for _, p := range []string{
		filepath.Join(s.runsDir, runID+recordExt),
		s.TranscriptPath(runID),
		filepath.Join(s.logsDir, runID+logExt),
	} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("removing run %s: %w", runID, errors.Join(errs...))
	}
	return nil
}

// Transcript is an open, redacting transcript file.
type Transcript struct {
	f *os.File
	w *redact.Writer
}

var _ io.WriteCloser = (*Transcript)(nil)

// CreateTranscript opens the transcript of runID for writing.
func (s *Store) CreateTranscript(runID string) (*Transcript, error) {
	if err := validation.ValidateRunID(runID); err != nil {
		return nil, err //nolint:wrapcheck // validation errors are already descriptive
	}
	if err := os.MkdirAll(s.runsDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating runs directory: %w", err)
	}
	f, err := os.OpenFile(s.TranscriptPath(runID), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) //nolint:gosec // run ID validated above
	if err != nil {
		return nil, fmt.Errorf("creating transcript: %w", err)
	}
	return &Transcript{f: f, w: redact.NewWriter(f)}, nil
}

func (t *Transcript) Write(p []byte) (int, error) {
	return t.w.Write(p) //nolint:wrapcheck // redact.Writer wraps its errors
}

// Close flushes a trailing partial line and closes the file.
func (t *Transcript) Close() error {
	flushErr := t.w.Flush()
	if err := t.f.Close(); err != nil {
		return fmt.Errorf("closing transcript: %w", err)
	}
	return flushErr //nolint:wrapcheck // redact.Writer wraps its errors
}

// gitignoreEntries keep run artifacts and local settings out of git status.
var gitignoreEntries = []string{
	"runs/",
	"logs/",
	"settings.local.json",
}

// EnsureGitignore adds any missing entries to .snaptest/.gitignore.
func EnsureGitignore(root string) error {
	path := filepath.Join(root, paths.GitignoreFile)

	var content string
	if data, err := os.ReadFile(path); err == nil { //nolint:gosec // path is built from the repo root
		content = string(data)
	}

	lines := strings.Split(content, "\n")
	var toAdd []string
	for _, entry := range gitignoreEntries {
		if !slices.Contains(lines, entry) {
			toAdd = append(toAdd, entry)
		}
	}
	if len(toAdd) == 0 {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating %s: %w", paths.SnaptestDir, err)
	}
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += strings.Join(toAdd, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil { //nolint:gosec // gitignore is meant to be readable
		return fmt.Errorf("writing gitignore: %w", err)
	}
	return nil
}
