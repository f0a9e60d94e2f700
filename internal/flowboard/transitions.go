package flowboard

import "fmt"

// Metadata keys written by transition side effects.
const (
	metaWorkflowComplete = "workflowComplete"
	metaWorkflowStatus   = "workflow_status"
	metaErrorMessage     = "error_message"
	metaPatchHistory     = "patch_history"
)

// ApplyTransition is the authoritative stage-progression path. Explicit
// stage_transition events, reconciliation corrections, and the merge
// special cases all move entities through here; nothing else writes Stage.
//
// Unknown target stages are rejected. A target at or behind the entity's
// current position is a stale delivery: logged and ignored, never a
// backward move.
func (b *Board) ApplyTransition(correlationID, fromStage, toStage string) error {
	if !IsKnownStage(toStage) {
		return fmt.Errorf("%w: %q", ErrUnknownStage, toStage)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	localID, ok := b.index[correlationID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnresolved, correlationID)
	}
	entity, ok := b.entities[localID]
	if !ok {
		return fmt.Errorf("%w: entity %d", ErrNotFound, localID)
	}
	if entity.Stage == toStage {
		return nil
	}
	if !isForwardMove(entity.StageSequence, entity.Stage, toStage) {
		b.logf("stale transition for %s: %s -> %s ignored (currently %s)",
			correlationID, fromStage, toStage, entity.Stage)
		return nil
	}
	if fromStage != "" && fromStage != entity.Stage {
		b.logf("transition for %s reports from=%s but entity is at %s",
			correlationID, fromStage, entity.Stage)
	}
	patch := stagePatch(entity, toStage)
	_, err := b.applyPatchLocked(localID, patch)
	return err
}

// stagePatch builds the batch for entering toStage, terminal side effects
// included, so every caller applies the move plus its effects in one state
// version.
func stagePatch(entity *Entity, toStage string) EntityPatch {
	patch := EntityPatch{
		Stage:    stringPtr(toStage),
		Substage: stringPtr(""),
	}
	switch toStage {
	case StageReadyToMerge, StageCompleted:
		patch.Progress = intPtr(100)
		patch.Metadata = map[string]any{metaWorkflowComplete: true}
		if history, changed := completeLatestPatchEntry(entity.Metadata); changed {
			patch.Metadata[metaPatchHistory] = history
		}
	case StageErrored:
		patch.Metadata = map[string]any{metaWorkflowStatus: "failed"}
	}
	return patch
}

// completeLatestPatchEntry marks the newest patch-history entry completed
// when one is still mid-flight. It returns the rewritten history slice.
func completeLatestPatchEntry(metadata map[string]any) ([]any, bool) {
	raw, ok := metadata[metaPatchHistory]
	if !ok {
		return nil, false
	}
	history, ok := raw.([]any)
	if !ok || len(history) == 0 {
		return nil, false
	}
	last, ok := history[len(history)-1].(map[string]any)
	if !ok {
		return nil, false
	}
	if status, _ := last["status"].(string); status == "completed" {
		return nil, false
	}
	updated := append([]any(nil), history...)
	entry := cloneMetadata(last)
	entry["status"] = "completed"
	updated[len(updated)-1] = entry
	return updated, true
}
