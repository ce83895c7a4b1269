package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func readDiskState(t *testing.T, dir, stage string) State {
	t.Helper()
	data, err := os.ReadFile(statePath(dir, stage))
	require.NoError(t, err)
	var st State
	require.NoError(t, json.Unmarshal(data, &st))
	return st
}

func newTestManager(t *testing.T, dir string, cfg Config, clock *fakeClock) *Manager {
	t.Helper()
	cfg.Dir = dir
	if cfg.Stage == "" {
		cfg.Stage = "validation"
	}
	m, err := NewManager(cfg, clock, nil)
	require.NoError(t, err)
	return m
}

func TestManagerStartFresh(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	clock := newFakeClock()
	m := newTestManager(t, dir, Config{}, clock)

	st, resumed, err := m.Start(100, "input-abc")
	require.NoError(t, err)
	require.False(t, resumed)
	require.Equal(t, StatusRunning, st.Status)
	require.Equal(t, int64(100), st.TotalItems)
	require.Equal(t, "input-abc", st.InputFingerprint)

	onDisk := readDiskState(t, dir, "validation")
	require.Equal(t, StatusRunning, onDisk.Status)
	require.Equal(t, clock.Now(), onDisk.CreatedAt)
}

func TestManagerUpdateThrottlesByCount(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	clock := newFakeClock()
	m := newTestManager(t, dir, Config{AutoSaveEvery: 3, AutoSaveInterval: time.Hour}, clock)

	_, _, err := m.Start(10, "input-abc")
	require.NoError(t, err)

	require.NoError(t, m.Update(Delta{Processed: 1, Successful: 1, LastMarker: "m1"}))
	require.NoError(t, m.Update(Delta{Processed: 1, Successful: 1, LastMarker: "m2"}))
	require.Equal(t, int64(0), readDiskState(t, dir, "validation").ProcessedItems,
		"two updates must not reach disk with AutoSaveEvery=3")

	require.NoError(t, m.Update(Delta{Processed: 1, Failed: 1, LastMarker: "m3", BatchID: "b1"}))
	onDisk := readDiskState(t, dir, "validation")
	require.Equal(t, int64(3), onDisk.ProcessedItems)
	require.Equal(t, int64(2), onDisk.SuccessfulItems)
	require.Equal(t, int64(1), onDisk.FailedItems)
	require.Equal(t, int64(1), onDisk.ErrorCount)
	require.Equal(t, "m3", onDisk.LastProcessedMarker)
	require.Equal(t, "b1", onDisk.BatchID)
}

func TestManagerUpdateThrottlesByInterval(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	clock := newFakeClock()
	m := newTestManager(t, dir, Config{AutoSaveEvery: 1000, AutoSaveInterval: 5 * time.Second}, clock)

	_, _, err := m.Start(10, "input-abc")
	require.NoError(t, err)

	require.NoError(t, m.Update(Delta{Processed: 1}))
	require.Equal(t, int64(0), readDiskState(t, dir, "validation").ProcessedItems)

	clock.Advance(6 * time.Second)
	require.NoError(t, m.Update(Delta{Processed: 1}))
	require.Equal(t, int64(2), readDiskState(t, dir, "validation").ProcessedItems)
}

func TestManagerCompleteAndFailForceSave(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	clock := newFakeClock()
	m := newTestManager(t, dir, Config{AutoSaveEvery: 1000, AutoSaveInterval: time.Hour}, clock)
	_, _, err := m.Start(10, "input-abc")
	require.NoError(t, err)
	require.NoError(t, m.Update(Delta{Processed: 4, Successful: 4}))
	require.NoError(t, m.Complete())

	onDisk := readDiskState(t, dir, "validation")
	require.Equal(t, StatusCompleted, onDisk.Status)
	require.Equal(t, int64(4), onDisk.ProcessedItems)

	dir2 := t.TempDir()
	m2 := newTestManager(t, dir2, Config{AutoSaveEvery: 1000, AutoSaveInterval: time.Hour}, clock)
	_, _, err = m2.Start(10, "input-abc")
	require.NoError(t, err)
	require.NoError(t, m2.Fail("probe target unreachable"))

	onDisk = readDiskState(t, dir2, "validation")
	require.Equal(t, StatusFailed, onDisk.Status)
	require.Equal(t, "probe target unreachable", onDisk.ErrorMessage)
	require.Equal(t, int64(1), onDisk.ErrorCount)
}

func TestManagerLoadFallsBackToBackupOnCorruptCanonical(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	clock := newFakeClock()
	m := newTestManager(t, dir, Config{AutoSaveEvery: 1}, clock)
	_, _, err := m.Start(10, "input-abc")
	require.NoError(t, err)
	require.NoError(t, m.Update(Delta{Processed: 3, Successful: 3, LastMarker: "m3"}))

	canonical := statePath(dir, "validation")
	require.NoError(t, os.WriteFile(canonical, []byte("{not json"), 0o600))

	m2 := newTestManager(t, dir, Config{}, clock)
	st, resumed, err := m2.Start(10, "input-abc")
	require.NoError(t, err)
	require.True(t, resumed)
	require.Equal(t, StatusRunning, st.Status)
}

func TestManagerLoadSurvivesCrashBetweenRenames(t *testing.T) {
	t.Parallel()

	// A crash after the canonical file was rotated to .bak but before the
	// temp file was committed leaves only the backup plus a stray temp file.
	dir := t.TempDir()
	canonical := statePath(dir, "validation")
	prior := State{
		StageName:        "validation",
		Status:           StatusRunning,
		TotalItems:       10,
		ProcessedItems:   5,
		InputFingerprint: "input-abc",
		CreatedAt:        time.Unix(1700000000, 0).UTC(),
		UpdatedAt:        time.Unix(1700000100, 0).UTC(),
	}
	data, err := json.Marshal(prior)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(backupPathFor(canonical), data, 0o600))
	require.NoError(t, os.WriteFile(tempPathFor(canonical), []byte("partial"), 0o600))

	clock := newFakeClock()
	m := newTestManager(t, dir, Config{}, clock)
	st, resumed, err := m.Start(10, "input-abc")
	require.NoError(t, err)
	require.True(t, resumed)
	require.Equal(t, int64(5), st.ProcessedItems)
}

func TestManagerLoadReportsLossWhenBothCopiesUnusable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	canonical := statePath(dir, "validation")
	require.NoError(t, os.WriteFile(canonical, []byte("{corrupt"), 0o600))
	require.NoError(t, os.WriteFile(backupPathFor(canonical), []byte("also corrupt"), 0o600))

	m := newTestManager(t, dir, Config{}, newFakeClock())
	_, _, err := m.Start(10, "input-abc")
	require.Error(t, err)
}

func TestManagerValidateInputSource(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	clock := newFakeClock()
	m := newTestManager(t, dir, Config{}, clock)
	_, _, err := m.Start(10, "abc")
	require.NoError(t, err)

	ok, reason := m.ValidateInputSource("abc")
	if !ok || reason != "" {
		t.Fatalf("matching input rejected: ok=%v reason=%q", ok, reason)
	}
	ok, reason = m.ValidateInputSource("xyz")
	if ok {
		t.Fatal("changed input accepted")
	}
	if reason != "input changed" {
		t.Fatalf("reason = %q, want %q", reason, "input changed")
	}

	// A manager that has not started yet reads the stored fingerprint from
	// disk.
	m2 := newTestManager(t, dir, Config{}, clock)
	ok, reason = m2.ValidateInputSource("xyz")
	if ok || reason != "input changed" {
		t.Fatalf("unstarted manager: ok=%v reason=%q", ok, reason)
	}
}

func TestManagerStartRefusesChangedInput(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	clock := newFakeClock()
	m := newTestManager(t, dir, Config{AutoSaveEvery: 1}, clock)
	_, _, err := m.Start(10, "abc")
	require.NoError(t, err)
	require.NoError(t, m.Update(Delta{Processed: 2, Successful: 2}))

	m2 := newTestManager(t, dir, Config{}, clock)
	_, _, err = m2.Start(10, "xyz")
	require.ErrorIs(t, err, ErrInputChanged)

	// The stored checkpoint is untouched by the refusal.
	onDisk := readDiskState(t, dir, "validation")
	require.Equal(t, "abc", onDisk.InputFingerprint)
	require.Equal(t, int64(2), onDisk.ProcessedItems)
}

func TestManagerStartAfterCompletion(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	clock := newFakeClock()
	m := newTestManager(t, dir, Config{}, clock)
	_, _, err := m.Start(10, "abc")
	require.NoError(t, err)
	require.NoError(t, m.Update(Delta{Processed: 10, Successful: 10}))
	require.NoError(t, m.Complete())

	// Same input: the completed state is handed back so the caller can skip.
	m2 := newTestManager(t, dir, Config{}, clock)
	st, resumed, err := m2.Start(10, "abc")
	require.NoError(t, err)
	require.False(t, resumed)
	require.Equal(t, StatusCompleted, st.Status)

	// Changed input after completion is a new dataset: start fresh.
	m3 := newTestManager(t, dir, Config{}, clock)
	st, resumed, err = m3.Start(25, "xyz")
	require.NoError(t, err)
	require.False(t, resumed)
	require.Equal(t, StatusRunning, st.Status)
	require.Equal(t, int64(25), st.TotalItems)
	require.Equal(t, int64(0), st.ProcessedItems)
}

func TestManagerRecoversFromUncleanShutdown(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	clock := newFakeClock()
	m := newTestManager(t, dir, Config{AutoSaveEvery: 1}, clock)
	_, _, err := m.Start(10, "abc")
	require.NoError(t, err)
	require.NoError(t, m.Update(Delta{Processed: 4, Successful: 3, Failed: 1, LastMarker: "m4"}))
	// No Complete/Fail/Pause: simulates a crash while running.

	m2 := newTestManager(t, dir, Config{}, clock)
	st, resumed, err := m2.Start(10, "abc")
	require.NoError(t, err)
	require.True(t, resumed)
	require.Equal(t, StatusRunning, st.Status)
	require.Equal(t, int64(4), st.ProcessedItems)
	require.Equal(t, "m4", st.LastProcessedMarker)

	// The recovering transition was persisted on the way through; the
	// backup file holds it after the final running save.
	bak, err := os.ReadFile(backupPathFor(statePath(dir, "validation")))
	require.NoError(t, err)
	var bakState State
	require.NoError(t, json.Unmarshal(bak, &bakState))
	require.Equal(t, StatusRecovering, bakState.Status)
}

func TestManagerPauseResumesWithoutRecovering(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	clock := newFakeClock()
	m := newTestManager(t, dir, Config{}, clock)
	_, _, err := m.Start(10, "abc")
	require.NoError(t, err)
	require.NoError(t, m.Update(Delta{Processed: 2, Successful: 2}))
	require.NoError(t, m.Pause())
	require.Equal(t, StatusPaused, readDiskState(t, dir, "validation").Status)

	m2 := newTestManager(t, dir, Config{}, clock)
	st, resumed, err := m2.Start(10, "abc")
	require.NoError(t, err)
	require.True(t, resumed)
	require.Equal(t, StatusRunning, st.Status)
	require.Equal(t, int64(2), st.ProcessedItems)

	bak, err := os.ReadFile(backupPathFor(statePath(dir, "validation")))
	require.NoError(t, err)
	var bakState State
	require.NoError(t, json.Unmarshal(bak, &bakState))
	require.Equal(t, StatusPaused, bakState.Status, "clean pause must not pass through recovering")
}

func TestSanitizeStageKeepsFilenamesSafe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"validation", "validation"},
		{"discover/. urls", "discover_._urls"},
		{"stage name", "stage_name"},
	}
	for _, tc := range tests {
		if got := sanitizeStage(tc.in); got != tc.want {
			t.Fatalf("sanitizeStage(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
	path := statePath("/tmp/checkpoints", "discover/../../etc")
	if filepath.Dir(path) != "/tmp/checkpoints" {
		t.Fatalf("stage name escaped the checkpoint dir: %s", path)
	}
}
