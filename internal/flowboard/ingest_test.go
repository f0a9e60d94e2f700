package flowboard

import (
	"testing"
	"time"
)

func newTestIngestor(t *testing.T, opts IngestorOptions) (*Board, *Ingestor) {
	t.Helper()
	board := NewBoard(BoardOptions{})
	dedup := NewDedupCache(DedupOptions{TTL: time.Hour})
	ingestor, err := NewIngestor(board, dedup, opts)
	if err != nil {
		t.Fatalf("ingestor setup failed: %v", err)
	}
	return board, ingestor
}

func TestStatusUpdateAppliedThenDeduplicated(t *testing.T) {
	board, ingestor := newTestIngestor(t, IngestorOptions{})
	entity := board.Create(CreateOptions{CorrelationID: "adw-1"})

	event := StatusUpdateEvent{
		CorrelationID:   "adw-1",
		Status:          "running",
		Message:         "working",
		ProgressPercent: 40,
		CurrentStep:     "compiling",
		Timestamp:       "2026-03-01T12:00:00Z",
	}
	ingestor.HandleEvent(event)
	// Retransmission with a fresh timestamp is still the same event.
	event.Timestamp = "2026-03-01T12:00:05Z"
	ingestor.HandleEvent(event)

	status := ingestor.Status()
	if status.AcceptedTotal != 1 || status.DedupedTotal != 1 {
		t.Fatalf("unexpected counters: %+v", status)
	}
	got, _ := board.Get(entity.LocalID)
	if got.Progress != 40 || got.Substage != "compiling" {
		t.Fatalf("update not applied: %+v", got)
	}
	if len(got.Logs) != 1 {
		t.Fatalf("expected a single log entry, got %d", len(got.Logs))
	}
}

func TestStatusUpdateUnresolvedDroppedByDefault(t *testing.T) {
	board, ingestor := newTestIngestor(t, IngestorOptions{})
	ingestor.HandleEvent(StatusUpdateEvent{CorrelationID: "adw-ghost", Status: "running"})
	if status := ingestor.Status(); status.UnresolvedTotal != 1 || status.BufferedTotal != 0 {
		t.Fatalf("unexpected counters: %+v", status)
	}
	if entities := board.List(); len(entities) != 0 {
		t.Fatal("no entity should materialize from an unresolved event")
	}
}

func TestStageTransitionEventMovesEntity(t *testing.T) {
	board, ingestor := newTestIngestor(t, IngestorOptions{})
	entity := board.Create(CreateOptions{CorrelationID: "adw-1", WorkflowType: "adw_plan_build_iso"})
	ingestor.HandleEvent(StageTransitionEvent{CorrelationID: "adw-1", FromStage: StageBacklog, ToStage: StagePlan})
	got, _ := board.Get(entity.LocalID)
	if got.Stage != StagePlan {
		t.Fatalf("entity should be in plan, got %q", got.Stage)
	}
}

func TestTerminalTransitionDropsActiveRecord(t *testing.T) {
	board, ingestor := newTestIngestor(t, IngestorOptions{})
	board.Create(CreateOptions{CorrelationID: "adw-1", Stage: StageReadyToMerge})
	board.UpdateActive(ActiveWorkflow{CorrelationID: "adw-1"})
	ingestor.HandleEvent(StageTransitionEvent{CorrelationID: "adw-1", FromStage: StageReadyToMerge, ToStage: StageCompleted})
	if len(board.ActiveWorkflows()) != 0 {
		t.Fatal("terminal transition should drop the active record")
	}
}

func TestStageInferenceFromCurrentStep(t *testing.T) {
	board, ingestor := newTestIngestor(t, IngestorOptions{})
	entity := board.Create(CreateOptions{CorrelationID: "adw-1", Stage: StagePlan})
	ingestor.HandleEvent(StatusUpdateEvent{
		CorrelationID: "adw-1",
		Status:        "running",
		CurrentStep:   "Stage: build (2/5)",
	})
	got, _ := board.Get(entity.LocalID)
	if got.Stage != StageBuild {
		t.Fatalf("forward stage hint should apply, got %q", got.Stage)
	}

	// Backward hints never move the entity.
	ingestor.HandleEvent(StatusUpdateEvent{
		CorrelationID: "adw-1",
		Status:        "running",
		CurrentStep:   "Stage: plan (revisit)",
	})
	got, _ = board.Get(entity.LocalID)
	if got.Stage != StageBuild {
		t.Fatalf("backward stage hint should be ignored, got %q", got.Stage)
	}
}

func TestStageMismatchRecoveryBypassesDedup(t *testing.T) {
	board, ingestor := newTestIngestor(t, IngestorOptions{})
	entity := board.Create(CreateOptions{CorrelationID: "adw-1", Stage: StagePlan})
	event := StatusUpdateEvent{
		CorrelationID: "adw-1",
		Status:        "running",
		CurrentStep:   "Stage: build",
	}
	ingestor.HandleEvent(event)
	// Local state loses the move; the producer retransmits the same frame.
	if _, err := board.ApplyBatch(entity.LocalID, EntityPatch{Stage: stringPtr(StagePlan)}); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	ingestor.HandleEvent(event)
	got, _ := board.Get(entity.LocalID)
	if got.Stage != StageBuild {
		t.Fatalf("mismatching duplicate should still apply, got %q", got.Stage)
	}
}

func TestMergeFailureKeepsReadyToMerge(t *testing.T) {
	board, ingestor := newTestIngestor(t, IngestorOptions{})
	entity := board.Create(CreateOptions{
		CorrelationID: "adw-1",
		Stage:         StageReadyToMerge,
		Metadata:      map[string]any{"workflow_name": "adw_merge_main"},
	})
	board.UpdateActive(ActiveWorkflow{CorrelationID: "adw-1"})
	ingestor.HandleEvent(StatusUpdateEvent{
		CorrelationID: "adw-1",
		Status:        statusFailed,
		Message:       "conflict on main",
	})
	got, _ := board.Get(entity.LocalID)
	if got.Stage != StageReadyToMerge {
		t.Fatalf("merge failure should keep the stage, got %q", got.Stage)
	}
	if msg, _ := got.Metadata[metaErrorMessage].(string); msg != "conflict on main" {
		t.Fatalf("error message not surfaced, got %q", msg)
	}
	if status, _ := got.Metadata[metaWorkflowStatus].(string); status != statusFailed {
		t.Fatalf("workflow status should be failed, got %q", status)
	}
	if len(board.ActiveWorkflows()) != 0 {
		t.Fatal("failed workflow should leave the active view")
	}
}

func TestNonMergeFailureMovesToErrored(t *testing.T) {
	board, ingestor := newTestIngestor(t, IngestorOptions{})
	entity := board.Create(CreateOptions{
		CorrelationID: "adw-1",
		Stage:         StageBuild,
		Metadata:      map[string]any{"workflow_name": "adw_sdlc"},
	})
	ingestor.HandleEvent(StatusUpdateEvent{
		CorrelationID: "adw-1",
		Status:        statusFailed,
		Message:       "tests broke",
	})
	got, _ := board.Get(entity.LocalID)
	if got.Stage != StageErrored {
		t.Fatalf("failure should move the entity to errored, got %q", got.Stage)
	}
}

func TestMergeCompletionMovesToCompleted(t *testing.T) {
	board, ingestor := newTestIngestor(t, IngestorOptions{})
	entity := board.Create(CreateOptions{
		CorrelationID: "adw-1",
		Stage:         StageReadyToMerge,
		Metadata:      map[string]any{"workflow_name": "adw_merge_main"},
	})
	ingestor.HandleEvent(StatusUpdateEvent{CorrelationID: "adw-1", Status: statusCompleted})
	got, _ := board.Get(entity.LocalID)
	if got.Stage != StageCompleted {
		t.Fatalf("merge completion should land in completed, got %q", got.Stage)
	}
	if got.Progress != 100 {
		t.Fatalf("completion should set progress 100, got %d", got.Progress)
	}
}

func TestNonMergeCompletionIsInformational(t *testing.T) {
	board, ingestor := newTestIngestor(t, IngestorOptions{})
	entity := board.Create(CreateOptions{
		CorrelationID: "adw-1",
		Stage:         StageDocument,
		Metadata:      map[string]any{"workflow_name": "adw_sdlc"},
	})
	ingestor.HandleEvent(StatusUpdateEvent{CorrelationID: "adw-1", Status: statusCompleted})
	got, _ := board.Get(entity.LocalID)
	if got.Stage != StageDocument {
		t.Fatalf("completion status alone should not move the stage, got %q", got.Stage)
	}
}

func TestUnresolvedEventDoesNotRecordFingerprint(t *testing.T) {
	board, ingestor := newTestIngestor(t, IngestorOptions{})
	event := StatusUpdateEvent{
		CorrelationID:   "adw-late-bind",
		Status:          "running",
		ProgressPercent: 25,
		Timestamp:       "2026-03-01T12:00:00Z",
	}
	// First delivery finds no entity and is dropped.
	ingestor.HandleEvent(event)
	if status := ingestor.Status(); status.UnresolvedTotal != 1 {
		t.Fatalf("unexpected counters: %+v", status)
	}

	// A retransmission after the id gets bound must apply; the dropped
	// delivery must not have left a fingerprint behind.
	entity := board.Create(CreateOptions{CorrelationID: "adw-late-bind"})
	ingestor.HandleEvent(event)

	status := ingestor.Status()
	if status.AcceptedTotal != 1 || status.DedupedTotal != 0 {
		t.Fatalf("retransmission misclassified as duplicate: %+v", status)
	}
	got, _ := board.Get(entity.LocalID)
	if got.Progress != 25 {
		t.Fatalf("retransmission not applied: %+v", got)
	}
}

func TestLateFailureNeverRegressesCompletedEntity(t *testing.T) {
	board, ingestor := newTestIngestor(t, IngestorOptions{})
	entity := board.Create(CreateOptions{
		CorrelationID: "adw-1",
		Stage:         StageCompleted,
		Metadata:      map[string]any{"workflow_name": "adw_sdlc"},
	})
	ingestor.HandleEvent(StatusUpdateEvent{
		CorrelationID: "adw-1",
		Status:        statusFailed,
		Message:       "straggler failure report",
	})
	got, _ := board.Get(entity.LocalID)
	if got.Stage != StageCompleted {
		t.Fatalf("completed entity regressed to %q", got.Stage)
	}
	// Metadata still records the late report.
	if status, _ := got.Metadata[metaWorkflowStatus].(string); status != statusFailed {
		t.Fatalf("late status not recorded in metadata, got %q", status)
	}
}

func TestMergeCompletionNeverRevivesErroredEntity(t *testing.T) {
	board, ingestor := newTestIngestor(t, IngestorOptions{})
	entity := board.Create(CreateOptions{
		CorrelationID: "adw-1",
		Stage:         StageErrored,
		Metadata:      map[string]any{"workflow_name": "adw_merge_main"},
	})
	ingestor.HandleEvent(StatusUpdateEvent{CorrelationID: "adw-1", Status: statusCompleted})
	got, _ := board.Get(entity.LocalID)
	if got.Stage != StageErrored {
		t.Fatalf("errored entity pulled to %q by a stale completion", got.Stage)
	}
}

func TestLogFamilyEventsAppend(t *testing.T) {
	board, ingestor := newTestIngestor(t, IngestorOptions{})
	entity := board.Create(CreateOptions{CorrelationID: "adw-1"})

	ingestor.HandleEvent(WorkflowLogEvent{CorrelationID: "adw-1", Level: "warn", Message: "slow step"})
	ingestor.HandleEvent(AgentLogEvent{CorrelationID: "adw-1", AgentName: "planner", Message: "drafting"})
	ingestor.HandleEvent(ThinkingBlockEvent{CorrelationID: "adw-1", Text: "considering options"})
	ingestor.HandleEvent(ToolUseEvent{Phase: EventToolUsePre, CorrelationID: "adw-1", ToolName: "grep", Input: "pattern"})
	ingestor.HandleEvent(FileChangedEvent{CorrelationID: "adw-1", Path: "main.go", ChangeType: "modified"})
	ingestor.HandleEvent(AgentSummaryUpdateEvent{CorrelationID: "adw-1", Summary: "halfway there"})

	got, _ := board.Get(entity.LocalID)
	if len(got.Logs) != 6 {
		t.Fatalf("expected 6 log entries, got %d", len(got.Logs))
	}
	if got.Logs[0].Level != "warn" || got.Logs[0].Source != "workflow" {
		t.Fatalf("workflow log entry wrong: %+v", got.Logs[0])
	}
	if got.Logs[1].Source != "planner" {
		t.Fatalf("agent log should use the agent name as source: %+v", got.Logs[1])
	}
	if got.Metadata["last_changed_file"] != "main.go" {
		t.Fatalf("file change metadata missing: %v", got.Metadata)
	}
	if got.Metadata["agent_summary"] != "halfway there" {
		t.Fatalf("summary metadata missing: %v", got.Metadata)
	}
}

func TestSystemLogWithoutCorrelationSkipsBoard(t *testing.T) {
	logger := &captureLogger{}
	board := NewBoard(BoardOptions{})
	dedup := NewDedupCache(DedupOptions{TTL: time.Hour})
	ingestor, err := NewIngestor(board, dedup, IngestorOptions{Logger: logger})
	if err != nil {
		t.Fatalf("ingestor setup failed: %v", err)
	}
	ingestor.HandleEvent(SystemLogEvent{Message: "backend restarting"})
	if logger.count() == 0 {
		t.Fatal("system message should reach the logger")
	}
	if status := ingestor.Status(); status.UnresolvedTotal != 0 {
		t.Fatalf("system log should not count as unresolved: %+v", status)
	}
}

func TestHandleRawCountsMalformedFrames(t *testing.T) {
	_, ingestor := newTestIngestor(t, IngestorOptions{})
	ingestor.HandleRaw([]byte(`not json`))
	ingestor.HandleRaw([]byte(`{"correlation_id":"adw-1"}`))
	ingestor.HandleRaw([]byte(`{"type":"mystery_event"}`))
	status := ingestor.Status()
	if status.MalformedTotal != 2 {
		t.Fatalf("expected 2 malformed frames, got %d", status.MalformedTotal)
	}
	if status.AnomalyTotal != 1 {
		t.Fatalf("unknown type should count as anomaly, got %d", status.AnomalyTotal)
	}
}

func TestTriggerResponseUnknownRequestDropped(t *testing.T) {
	board, ingestor := newTestIngestor(t, IngestorOptions{})
	ingestor.HandleEvent(TriggerResponseEvent{RequestID: "req_unknown", CorrelationID: "adw-1", Status: "accepted"})
	if status := ingestor.Status(); status.AnomalyTotal != 1 {
		t.Fatalf("unexpected counters: %+v", status)
	}
	if _, ok := board.Resolve("adw-1"); ok {
		t.Fatal("unmatched trigger response must not bind anything")
	}
}

func TestOnConnectResetsSessionState(t *testing.T) {
	board := NewBoard(BoardOptions{})
	dedup := NewDedupCache(DedupOptions{TTL: time.Hour})
	ingestor, err := NewIngestor(board, dedup, IngestorOptions{PendingBufferSize: 4})
	if err != nil {
		t.Fatalf("ingestor setup failed: %v", err)
	}
	board.Create(CreateOptions{CorrelationID: "adw-1"})
	event := StatusUpdateEvent{CorrelationID: "adw-1", Status: "running", ProgressPercent: 10}
	ingestor.HandleEvent(event)
	ingestor.HandleEvent(StatusUpdateEvent{CorrelationID: "adw-buffered", Status: "running"})

	ingestor.OnConnect()

	if dedup.Len() != 0 {
		t.Fatal("dedup cache should reset on connect")
	}
	ingestor.HandleEvent(event)
	if status := ingestor.Status(); status.DedupedTotal != 0 {
		t.Fatalf("pre-connect fingerprints must not suppress: %+v", status)
	}
}
