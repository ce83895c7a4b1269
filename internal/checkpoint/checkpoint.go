// Package checkpoint persists per-stage progress records that survive
// process death at any instruction boundary. Writes go through a temp file
// and an atomic rename while the previous record is kept as a backup, so a
// crash mid-write never leaves the stage without a parsable checkpoint.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// Status is the lifecycle state of a stage checkpoint. Transitions:
// initialized → running → {completed | failed | paused}; a checkpoint loaded
// in running becomes recovering before resume, marking an unclean prior exit.
type Status string

// Checkpoint statuses.
const (
	StatusInitialized Status = "initialized"
	StatusRunning     Status = "running"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusRecovering  Status = "recovering"
)

// Terminal reports whether the status ends a run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Sentinel errors for checkpoint loading and resume decisions.
var (
	// ErrNotFound means no checkpoint exists for the stage.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrInputChanged means the stored input fingerprint does not match the
	// current input source; resuming silently would mix two datasets.
	ErrInputChanged = errors.New("checkpoint input changed")
)

// State is the persisted progress record of one stage. It is written
// exclusively by the stage's worker loop and read by the orchestrator and by
// inspection tooling.
type State struct {
	StageName           string    `json:"stage_name"`
	Status              Status    `json:"status"`
	TotalItems          int64     `json:"total_items"`
	ProcessedItems      int64     `json:"processed_items"`
	SuccessfulItems     int64     `json:"successful_items"`
	FailedItems         int64     `json:"failed_items"`
	LastProcessedMarker string    `json:"last_processed_marker"`
	BatchID             string    `json:"batch_id"`
	InputFingerprint    string    `json:"input_fingerprint"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
	ErrorMessage        string    `json:"error_message,omitempty"`
	ErrorCount          int64     `json:"error_count"`
}

// Delta carries the progress of one completed batch into Update.
type Delta struct {
	Processed  int64
	Successful int64
	Failed     int64
	LastMarker string
	BatchID    string
}

const (
	fileSuffix = ".checkpoint.json"
	dirPerm    = 0o755
	filePerm   = 0o600
)

var stageSanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func sanitizeStage(stage string) string {
	return stageSanitizer.ReplaceAllString(stage, "_")
}

func statePath(dir, stage string) string {
	return filepath.Join(dir, sanitizeStage(stage)+fileSuffix)
}

func backupPathFor(canonical string) string {
	return canonical + ".bak"
}

func tempPathFor(canonical string) string {
	return canonical + ".tmp"
}

func readStateFile(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", path, err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	if st.StageName == "" {
		return nil, fmt.Errorf("parse checkpoint %s: missing stage name", path)
	}
	return &st, nil
}

// loadState loads the canonical checkpoint, falling back to the backup when
// the canonical file is missing or fails to parse. It returns ErrNotFound
// when neither file exists, and a load error only once both copies are
// unusable (genuine checkpoint loss).
func loadState(dir, stage string) (st *State, fromBackup bool, err error) {
	canonical := statePath(dir, stage)
	st, canonicalErr := readStateFile(canonical)
	if canonicalErr == nil {
		return st, false, nil
	}
	st, backupErr := readStateFile(backupPathFor(canonical))
	if backupErr == nil {
		return st, true, nil
	}
	if errors.Is(canonicalErr, fs.ErrNotExist) && errors.Is(backupErr, fs.ErrNotExist) {
		return nil, false, ErrNotFound
	}
	return nil, false, fmt.Errorf("checkpoint lost (backup also unusable): %w", canonicalErr)
}
