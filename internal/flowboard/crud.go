package flowboard

import (
	"context"
	"fmt"
)

// RecordSync keeps persisted workflow records and local entities aligned:
// loading pre-bound records at startup, pushing optimistic metadata updates
// with a structured revert on failure, and confirming deletes with the
// backend before anything disappears locally.
type RecordSync struct {
	board  *Board
	client RemoteClient
	logger Logger
}

func NewRecordSync(board *Board, client RemoteClient, logger Logger) (*RecordSync, error) {
	if board == nil || client == nil {
		return nil, fmt.Errorf("%w: board and client are required", ErrInvalidInput)
	}
	return &RecordSync{board: board, client: client, logger: logger}, nil
}

// LoadExisting pulls the backend's workflow list and creates pre-bound
// entities for any record the board does not track yet.
func (s *RecordSync) LoadExisting(ctx context.Context) (int, error) {
	records, err := s.client.ListWorkflows(ctx)
	if err != nil {
		return 0, err
	}
	loaded := 0
	for _, record := range records {
		if record.CorrelationID == "" {
			continue
		}
		if _, bound := s.board.Resolve(record.CorrelationID); bound {
			continue
		}
		stage := record.CurrentStage
		if !IsKnownStage(stage) {
			s.logf("record %s has unknown stage %q, placing in backlog", record.CorrelationID, stage)
			stage = StageBacklog
		}
		metadata := cloneMetadata(record.Metadata)
		if metadata == nil {
			metadata = map[string]any{}
		}
		if record.WorkflowName != "" {
			metadata["workflow_name"] = record.WorkflowName
		}
		if record.WorkflowStatus != "" {
			metadata[metaWorkflowStatus] = record.WorkflowStatus
		}
		s.board.Create(CreateOptions{
			CorrelationID: record.CorrelationID,
			Stage:         stage,
			WorkflowType:  record.WorkflowType,
			Metadata:      metadata,
		})
		loaded++
	}
	return loaded, nil
}

// UpdateMetadata applies fields locally first, then pushes them to the
// backend. On push failure the captured pre-image reverts the local state,
// field by field, exactly as it was.
func (s *RecordSync) UpdateMetadata(ctx context.Context, localID int64, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	entity, ok := s.board.Get(localID)
	if !ok {
		return fmt.Errorf("%w: entity %d", ErrNotFound, localID)
	}
	undo, err := s.board.ApplyBatch(localID, EntityPatch{Metadata: fields})
	if err != nil {
		return err
	}
	if entity.CorrelationID == "" {
		// Not bound yet; the update is local-only until a trigger binds
		// the entity to a backend record.
		return nil
	}
	if _, err := s.client.UpdateWorkflow(ctx, entity.CorrelationID, fields); err != nil {
		if revertErr := s.board.Revert(localID, undo); revertErr != nil {
			s.logf("revert after failed update of entity %d: %v", localID, revertErr)
		}
		return fmt.Errorf("backend update failed: %w", err)
	}
	return nil
}

// Delete removes an entity. Bound entities are deleted on the backend
// first; local removal is deferred until the backend acks, so a failed
// delete never strands an orphaned backend workflow.
func (s *RecordSync) Delete(ctx context.Context, localID int64) error {
	entity, ok := s.board.Get(localID)
	if !ok {
		return fmt.Errorf("%w: entity %d", ErrNotFound, localID)
	}
	if entity.CorrelationID == "" {
		s.board.Remove(localID)
		return nil
	}
	if err := s.client.DeleteWorkflow(ctx, entity.CorrelationID); err != nil {
		return fmt.Errorf("backend delete failed: %w", err)
	}
	// The ack may have raced other handlers; only remove what still
	// exists and still refers to the same workflow.
	if current, stillThere := s.board.Get(localID); stillThere && current.CorrelationID == entity.CorrelationID {
		s.board.Remove(localID)
	}
	return nil
}

func (s *RecordSync) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
