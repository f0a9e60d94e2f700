package flowboard

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

type captureLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *captureLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *captureLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}

func TestCreateDefaultsToBacklog(t *testing.T) {
	board := NewBoard(BoardOptions{})
	entity := board.Create(CreateOptions{})
	if entity.Stage != StageBacklog {
		t.Fatalf("new entity should start in backlog, got %q", entity.Stage)
	}
	if entity.CorrelationID != "" {
		t.Fatal("new entity should be unbound")
	}

	entity = board.Create(CreateOptions{Stage: "nonsense"})
	if entity.Stage != StageBacklog {
		t.Fatalf("unknown stage should fall back to backlog, got %q", entity.Stage)
	}
}

func TestCreateDerivesSequenceFromWorkflowType(t *testing.T) {
	board := NewBoard(BoardOptions{})
	entity := board.Create(CreateOptions{WorkflowType: "adw_plan_build_iso"})
	if len(entity.StageSequence) != 2 || entity.StageSequence[0] != "plan" || entity.StageSequence[1] != "build" {
		t.Fatalf("unexpected stage sequence %v", entity.StageSequence)
	}
	if got := entity.Metadata["workflow_type"]; got != "adw_plan_build_iso" {
		t.Fatalf("workflow type not recorded, got %v", got)
	}
}

func TestBindResolveRoundTrip(t *testing.T) {
	board := NewBoard(BoardOptions{})
	entity := board.Create(CreateOptions{})
	if err := board.Bind(entity.LocalID, "adw-1"); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	localID, ok := board.Resolve("adw-1")
	if !ok || localID != entity.LocalID {
		t.Fatalf("resolve returned (%d, %v), want (%d, true)", localID, ok, entity.LocalID)
	}
	got, _ := board.Get(entity.LocalID)
	if got.CorrelationID != "adw-1" {
		t.Fatalf("entity should record its correlation id, got %q", got.CorrelationID)
	}
}

func TestBindOverwriteClearsPreviousHolder(t *testing.T) {
	logger := &captureLogger{}
	board := NewBoard(BoardOptions{Logger: logger})
	first := board.Create(CreateOptions{})
	second := board.Create(CreateOptions{})
	if err := board.Bind(first.LocalID, "adw-1"); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	if err := board.Bind(second.LocalID, "adw-1"); err != nil {
		t.Fatalf("rebind failed: %v", err)
	}
	localID, ok := board.Resolve("adw-1")
	if !ok || localID != second.LocalID {
		t.Fatalf("index should point at the new holder, got (%d, %v)", localID, ok)
	}
	prev, _ := board.Get(first.LocalID)
	if prev.CorrelationID != "" {
		t.Fatalf("previous holder should be unbound, got %q", prev.CorrelationID)
	}
	if logger.count() == 0 {
		t.Fatal("rebinding should warn")
	}
}

func TestBindRejectsEmptyCorrelationID(t *testing.T) {
	board := NewBoard(BoardOptions{})
	entity := board.Create(CreateOptions{})
	if err := board.Bind(entity.LocalID, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestUnbindRemovesIndexEntry(t *testing.T) {
	board := NewBoard(BoardOptions{})
	entity := board.Create(CreateOptions{CorrelationID: "adw-1"})
	board.Unbind(entity.LocalID)
	if _, ok := board.Resolve("adw-1"); ok {
		t.Fatal("index entry should be gone")
	}
	got, _ := board.Get(entity.LocalID)
	if got.CorrelationID != "" {
		t.Fatal("entity correlation id should be cleared")
	}
}

func TestApplyBatchSingleVersionBump(t *testing.T) {
	board := NewBoard(BoardOptions{})
	entity := board.Create(CreateOptions{})
	before := board.Version()
	_, err := board.ApplyBatch(entity.LocalID, EntityPatch{
		Stage:    stringPtr(StageBuild),
		Progress: intPtr(40),
		Metadata: map[string]any{"workflow_name": "adw_build"},
		AppendLogs: []LogEntry{
			{Level: "info", Source: "test", Message: "first"},
			{Level: "info", Source: "test", Message: "second"},
		},
	})
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if got := board.Version(); got != before+1 {
		t.Fatalf("batch should bump the version exactly once: %d -> %d", before, got)
	}
	got, _ := board.Get(entity.LocalID)
	if got.Stage != StageBuild || got.Progress != 40 || len(got.Logs) != 2 {
		t.Fatalf("batch only partially applied: %+v", got)
	}
}

func TestApplyBatchClampsProgress(t *testing.T) {
	board := NewBoard(BoardOptions{})
	entity := board.Create(CreateOptions{})
	if _, err := board.ApplyBatch(entity.LocalID, EntityPatch{Progress: intPtr(150)}); err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	got, _ := board.Get(entity.LocalID)
	if got.Progress != 100 {
		t.Fatalf("progress should clamp to 100, got %d", got.Progress)
	}
}

func TestApplyBatchUndoRestoresState(t *testing.T) {
	board := NewBoard(BoardOptions{})
	entity := board.Create(CreateOptions{Metadata: map[string]any{"keep": "old"}})
	undo, err := board.ApplyBatch(entity.LocalID, EntityPatch{
		Stage:    stringPtr(StageBuild),
		Progress: intPtr(55),
		Metadata: map[string]any{"keep": "new", "added": true},
	})
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if err := board.Revert(entity.LocalID, undo); err != nil {
		t.Fatalf("revert failed: %v", err)
	}
	got, _ := board.Get(entity.LocalID)
	if got.Stage != StageBacklog || got.Progress != 0 {
		t.Fatalf("scalar fields not reverted: %+v", got)
	}
	if got.Metadata["keep"] != "old" {
		t.Fatalf("overwritten key not reverted, got %v", got.Metadata["keep"])
	}
	if _, present := got.Metadata["added"]; present {
		t.Fatal("added key should be removed on revert")
	}
}

func TestLogCapKeepsNewestEntries(t *testing.T) {
	board := NewBoard(BoardOptions{})
	entity := board.Create(CreateOptions{})
	for i := 0; i < maxLogEntries+25; i++ {
		if _, err := board.ApplyBatch(entity.LocalID, EntityPatch{
			AppendLogs: []LogEntry{{Message: fmt.Sprintf("line %d", i)}},
		}); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}
	got, _ := board.Get(entity.LocalID)
	if len(got.Logs) != maxLogEntries {
		t.Fatalf("log should cap at %d entries, got %d", maxLogEntries, len(got.Logs))
	}
	if got.Logs[len(got.Logs)-1].Message != fmt.Sprintf("line %d", maxLogEntries+24) {
		t.Fatalf("newest entry missing, tail is %q", got.Logs[len(got.Logs)-1].Message)
	}
}

func TestRemoveCleansIndexAndActive(t *testing.T) {
	board := NewBoard(BoardOptions{})
	entity := board.Create(CreateOptions{CorrelationID: "adw-1"})
	board.UpdateActive(ActiveWorkflow{CorrelationID: "adw-1", LocalID: entity.LocalID})
	board.Remove(entity.LocalID)
	if _, ok := board.Get(entity.LocalID); ok {
		t.Fatal("entity should be gone")
	}
	if _, ok := board.Resolve("adw-1"); ok {
		t.Fatal("index entry should be gone")
	}
	if len(board.ActiveWorkflows()) != 0 {
		t.Fatal("active record should be gone")
	}
}

func TestTrackedCorrelationsSkipsTerminal(t *testing.T) {
	board := NewBoard(BoardOptions{})
	running := board.Create(CreateOptions{CorrelationID: "adw-run", Stage: StageBuild})
	board.Create(CreateOptions{CorrelationID: "adw-done", Stage: StageCompleted})
	board.Create(CreateOptions{}) // unbound

	tracked := board.TrackedCorrelations()
	if len(tracked) != 1 {
		t.Fatalf("expected a single tracked correlation, got %v", tracked)
	}
	if tracked["adw-run"] != running.LocalID {
		t.Fatalf("wrong local id for adw-run: %v", tracked)
	}
}

func TestBoardStateSurvivesRestart(t *testing.T) {
	backend := NewInMemoryStateBackend()
	first := NewBoard(BoardOptions{StateBackend: backend})
	entity := first.Create(CreateOptions{CorrelationID: "adw-1", Stage: StageBuild})

	second := NewBoard(BoardOptions{StateBackend: backend})
	localID, ok := second.Resolve("adw-1")
	if !ok || localID != entity.LocalID {
		t.Fatalf("index not rebuilt from snapshot: (%d, %v)", localID, ok)
	}
	restored, _ := second.Get(entity.LocalID)
	if restored.Stage != StageBuild {
		t.Fatalf("stage not restored, got %q", restored.Stage)
	}
	fresh := second.Create(CreateOptions{})
	if fresh.LocalID == entity.LocalID {
		t.Fatal("local id allocation should continue past restored entities")
	}
}
