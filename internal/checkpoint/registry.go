package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Registry gives inspection tooling read and maintenance access to every
// stage checkpoint under one directory. It never writes progress; that stays
// with the per-stage Manager.
type Registry struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time
}

// Report is the exportable snapshot of all stage checkpoints.
type Report struct {
	GeneratedAt time.Time `json:"generated_at"`
	Checkpoints []State   `json:"checkpoints"`
}

// NewRegistry creates a Registry over the given checkpoint directory,
// creating it if needed.
func NewRegistry(dir string, logger *zap.Logger) (*Registry, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint dir is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &Registry{
		dir:    dir,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// List loads every readable checkpoint, sorted by stage name. Unreadable
// files are logged and skipped so one damaged checkpoint cannot hide the
// rest; orphaned backups (a crash between the two save renames) are included
// through their backup copy.
func (r *Registry) List(ctx context.Context) ([]State, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}
	byStage := make(map[string]State)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("list checkpoints: %w", err)
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileSuffix) {
			continue
		}
		st, err := readStateFile(filepath.Join(r.dir, entry.Name()))
		if err != nil {
			r.logger.Warn("skipping unreadable checkpoint file",
				zap.String("file", entry.Name()),
				zap.Error(err),
			)
			continue
		}
		byStage[st.StageName] = *st
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileSuffix+".bak") {
			continue
		}
		st, err := readStateFile(filepath.Join(r.dir, entry.Name()))
		if err != nil {
			continue
		}
		if _, ok := byStage[st.StageName]; !ok {
			byStage[st.StageName] = *st
		}
	}
	states := make([]State, 0, len(byStage))
	for _, st := range byStage {
		states = append(states, st)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].StageName < states[j].StageName })
	return states, nil
}

// Get loads one stage's checkpoint, using the backup when the canonical file
// is unusable. Returns ErrNotFound when the stage has no checkpoint.
func (r *Registry) Get(_ context.Context, stage string) (State, error) {
	st, fromBackup, err := loadState(r.dir, stage)
	if err != nil {
		return State{}, err
	}
	if fromBackup {
		r.logger.Warn("canonical checkpoint unreadable, loaded backup",
			zap.String("stage", stage),
		)
	}
	return *st, nil
}

// Reset deletes a stage's checkpoint files (canonical, backup, and any
// leftover temp file). The next run of the stage starts fresh. Returns
// ErrNotFound when nothing existed.
func (r *Registry) Reset(_ context.Context, stage string) error {
	canonical := statePath(r.dir, stage)
	removed := 0
	for _, path := range []string{canonical, backupPathFor(canonical), tempPathFor(canonical)} {
		err := os.Remove(path)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, os.ErrNotExist):
		default:
			return fmt.Errorf("remove checkpoint file %s: %w", path, err)
		}
	}
	if removed == 0 {
		return ErrNotFound
	}
	r.logger.Info("checkpoint reset", zap.String("stage", stage))
	return nil
}

// Export returns all checkpoints as a structured report for external
// tooling.
func (r *Registry) Export(ctx context.Context) (Report, error) {
	states, err := r.List(ctx)
	if err != nil {
		return Report{}, err
	}
	return Report{
		GeneratedAt: r.now(),
		Checkpoints: states,
	}, nil
}
