package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crawlpipe/crawlpipe/internal/pipeline"
)

const (
	defaultAutoSaveEvery    = 20
	defaultAutoSaveInterval = 5 * time.Second
)

// Config controls where and how often a Manager persists its stage state.
//   - Dir: durable directory holding one checkpoint file per stage.
//   - Stage: the stage name this manager owns.
//   - AutoSaveEvery: save after this many Update calls (default 20).
//   - AutoSaveInterval: save when this much time passed since the last save
//     (default 5s). Whichever trips first wins; Complete/Fail/Pause always
//     force a save.
type Config struct {
	Dir              string
	Stage            string
	AutoSaveEvery    int
	AutoSaveInterval time.Duration
}

// Manager owns the checkpoint of a single stage. All methods are safe for
// concurrent use; the stage's worker loop is the only writer by convention,
// but inspection reads may come from anywhere.
type Manager struct {
	cfg    Config
	clock  pipeline.Clock
	logger *zap.Logger

	mu           sync.Mutex
	state        *State
	updatesSince int
	lastSave     time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// NewManager validates the config, applies defaults, and makes sure the
// checkpoint directory exists.
func NewManager(cfg Config, clock pipeline.Clock, logger *zap.Logger) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("checkpoint dir is required")
	}
	if cfg.Stage == "" {
		return nil, fmt.Errorf("checkpoint stage is required")
	}
	if cfg.AutoSaveEvery <= 0 {
		cfg.AutoSaveEvery = defaultAutoSaveEvery
	}
	if cfg.AutoSaveInterval <= 0 {
		cfg.AutoSaveInterval = defaultAutoSaveInterval
	}
	if clock == nil {
		clock = wallClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &Manager{cfg: cfg, clock: clock, logger: logger}, nil
}

// Stage returns the stage name this manager owns.
func (m *Manager) Stage() string {
	return m.cfg.Stage
}

// Start loads any existing checkpoint for the stage and decides between
// resuming and starting fresh. It returns the active state and whether a
// prior run is being resumed.
//
// A checkpoint found in running means the previous process died mid-run; it
// passes through recovering (persisted, so the operator and the backup trail
// see it) before running again. A completed checkpoint with the same input
// is returned as-is so the caller can skip the stage; with a different input
// the old run is finished business and a fresh state replaces it. Any
// non-terminal checkpoint whose input fingerprint differs from the current
// one refuses to resume with ErrInputChanged.
func (m *Manager) Start(total int64, inputFingerprint string) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, fromBackup, err := loadState(m.cfg.Dir, m.cfg.Stage)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return State{}, false, fmt.Errorf("load checkpoint for stage %s: %w", m.cfg.Stage, err)
	}
	now := m.clock.Now()

	if existing == nil {
		st := &State{
			StageName:        m.cfg.Stage,
			Status:           StatusInitialized,
			TotalItems:       total,
			InputFingerprint: inputFingerprint,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		st.Status = StatusRunning
		m.state = st
		if err := m.saveLocked(now); err != nil {
			return State{}, false, err
		}
		return *st, false, nil
	}

	if fromBackup {
		m.logger.Warn("canonical checkpoint unreadable, loaded backup",
			zap.String("stage", m.cfg.Stage),
			zap.String("status", string(existing.Status)),
		)
	}

	if existing.Status == StatusCompleted {
		if existing.InputFingerprint == inputFingerprint {
			m.state = existing
			return *existing, false, nil
		}
		m.logger.Info("input changed after completed run, starting fresh",
			zap.String("stage", m.cfg.Stage),
		)
		st := &State{
			StageName:        m.cfg.Stage,
			Status:           StatusRunning,
			TotalItems:       total,
			InputFingerprint: inputFingerprint,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		m.state = st
		if err := m.saveLocked(now); err != nil {
			return State{}, false, err
		}
		return *st, false, nil
	}

	if ok, reason := validateInput(existing.InputFingerprint, inputFingerprint); !ok {
		// The on-disk checkpoint stays untouched so the operator can
		// inspect it and reset deliberately.
		m.state = existing
		return *existing, false, fmt.Errorf("stage %s: %s: %w", m.cfg.Stage, reason, ErrInputChanged)
	}

	resumedFrom := existing.Status
	if existing.Status == StatusRunning {
		existing.Status = StatusRecovering
		m.logger.Warn("previous run did not exit cleanly, recovering",
			zap.String("stage", m.cfg.Stage),
			zap.Int64("processed", existing.ProcessedItems),
			zap.Int64("failed", existing.FailedItems),
			zap.String("last_marker", existing.LastProcessedMarker),
		)
		m.state = existing
		if err := m.saveLocked(now); err != nil {
			return State{}, false, err
		}
	} else {
		m.state = existing
	}

	m.state.Status = StatusRunning
	if total > 0 {
		m.state.TotalItems = total
	}
	m.state.ErrorMessage = ""
	if err := m.saveLocked(now); err != nil {
		return State{}, false, err
	}
	m.logger.Info("resuming stage from checkpoint",
		zap.String("stage", m.cfg.Stage),
		zap.String("previous_status", string(resumedFrom)),
		zap.Int64("processed", m.state.ProcessedItems),
		zap.String("last_marker", m.state.LastProcessedMarker),
	)
	return *m.state, true, nil
}

// ValidateInputSource compares the stored input fingerprint against the
// current one. It reports (false, "input changed") when they differ, which
// callers must treat as a refusal to resume.
func (m *Manager) ValidateInputSource(current string) (bool, string) {
	m.mu.Lock()
	var stored string
	started := m.state != nil
	if started {
		stored = m.state.InputFingerprint
	}
	m.mu.Unlock()

	if !started {
		st, _, err := loadState(m.cfg.Dir, m.cfg.Stage)
		if err != nil || st == nil {
			return true, ""
		}
		stored = st.InputFingerprint
	}
	return validateInput(stored, current)
}

func validateInput(stored, current string) (bool, string) {
	if stored == "" || stored == current {
		return true, ""
	}
	return false, "input changed"
}

// Update folds one batch's progress into the state and auto-saves at the
// configured cadence. A save failure is a durability error the stage must
// treat as fatal.
func (m *Manager) Update(delta Delta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return fmt.Errorf("checkpoint for stage %s not started", m.cfg.Stage)
	}
	m.state.ProcessedItems += delta.Processed
	m.state.SuccessfulItems += delta.Successful
	m.state.FailedItems += delta.Failed
	m.state.ErrorCount += delta.Failed
	if delta.LastMarker != "" {
		m.state.LastProcessedMarker = delta.LastMarker
	}
	if delta.BatchID != "" {
		m.state.BatchID = delta.BatchID
	}
	m.updatesSince++

	now := m.clock.Now()
	if m.updatesSince < m.cfg.AutoSaveEvery && now.Sub(m.lastSave) < m.cfg.AutoSaveInterval {
		return nil
	}
	return m.saveLocked(now)
}

// Complete marks the stage finished and forces a final save.
func (m *Manager) Complete() error {
	return m.finish(StatusCompleted, "")
}

// Fail marks the stage failed with the given reason and forces a final save.
func (m *Manager) Fail(reason string) error {
	return m.finish(StatusFailed, reason)
}

// Pause records a clean interruption (e.g. shutdown signal) and forces a
// final save; the stage resumes without passing through recovering.
func (m *Manager) Pause() error {
	return m.finish(StatusPaused, "")
}

func (m *Manager) finish(status Status, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return fmt.Errorf("checkpoint for stage %s not started", m.cfg.Stage)
	}
	m.state.Status = status
	if reason != "" {
		m.state.ErrorMessage = reason
		m.state.ErrorCount++
	}
	return m.saveLocked(m.clock.Now())
}

// State returns a copy of the current in-memory state and whether the
// manager has been started.
func (m *Manager) State() (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return State{}, false
	}
	return *m.state, true
}

// saveLocked writes the state durably: marshal to a temp file in the same
// directory, shuffle the previous canonical file to the backup path, then
// atomically rename the temp file over the canonical path.
func (m *Manager) saveLocked(now time.Time) error {
	m.state.UpdatedAt = now

	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	canonical := statePath(m.cfg.Dir, m.cfg.Stage)
	temp := tempPathFor(canonical)
	if err := os.WriteFile(temp, data, filePerm); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}
	if _, err := os.Stat(canonical); err == nil {
		if err := os.Rename(canonical, backupPathFor(canonical)); err != nil {
			return fmt.Errorf("rotate checkpoint backup: %w", err)
		}
	}
	if err := os.Rename(temp, canonical); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	m.lastSave = now
	m.updatesSince = 0
	return nil
}
