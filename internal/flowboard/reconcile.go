package flowboard

import (
	"context"
	"fmt"
	"time"
)

const defaultFetchTimeout = 10 * time.Second

// WorkflowRecord is the authoritative backend view of one workflow, as
// returned by the REST collaborator.
type WorkflowRecord struct {
	CorrelationID  string         `json:"correlation_id"`
	WorkflowName   string         `json:"workflow_name,omitempty"`
	WorkflowType   string         `json:"workflow_type,omitempty"`
	CurrentStage   string         `json:"current_stage"`
	WorkflowStatus string         `json:"workflow_status,omitempty"`
	Progress       int            `json:"progress,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// RemoteClient is the REST collaborator surface the core consumes.
type RemoteClient interface {
	GetWorkflow(ctx context.Context, correlationID string) (WorkflowRecord, error)
	ListWorkflows(ctx context.Context) ([]WorkflowRecord, error)
	CreateWorkflow(ctx context.Context, record WorkflowRecord) (WorkflowRecord, error)
	UpdateWorkflow(ctx context.Context, correlationID string, fields map[string]any) (WorkflowRecord, error)
	DeleteWorkflow(ctx context.Context, correlationID string) error
}

// Reconciler corrects local drift against authoritative backend state.
// Events emitted while the transport was down are gone for good; a single
// poll of authoritative stage per tracked entity recovers the end state
// instead of replaying the lost stream.
type Reconciler struct {
	board        *Board
	client       RemoteClient
	logger       Logger
	fetchTimeout time.Duration
}

type ReconcilerOptions struct {
	Logger Logger
	// FetchTimeout bounds each per-entity authoritative fetch.
	FetchTimeout time.Duration
}

func NewReconciler(board *Board, client RemoteClient, opts ReconcilerOptions) (*Reconciler, error) {
	if board == nil || client == nil {
		return nil, fmt.Errorf("%w: board and client are required", ErrInvalidInput)
	}
	fetchTimeout := opts.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}
	return &Reconciler{
		board:        board,
		client:       client,
		logger:       opts.Logger,
		fetchTimeout: fetchTimeout,
	}, nil
}

// ReconcileReport summarizes one bulk pass.
type ReconcileReport struct {
	Checked   int
	Corrected int
	Failed    int
}

// ReconcileAll walks every bound, non-terminal entity and applies the
// authoritative stage through the regular transition path. One unreachable
// entity never aborts the rest: its failure is logged and skipped.
func (r *Reconciler) ReconcileAll(ctx context.Context) ReconcileReport {
	report := ReconcileReport{}
	for correlationID, localID := range r.board.TrackedCorrelations() {
		if ctx.Err() != nil {
			return report
		}
		report.Checked++
		corrected, err := r.reconcileEntity(ctx, correlationID, localID)
		if err != nil {
			r.logf("reconcile %s failed, skipping: %v", correlationID, err)
			report.Failed++
			continue
		}
		if corrected {
			report.Corrected++
		}
	}
	return report
}

// ReconcileOne refreshes a single entity on demand (e.g. a detail view).
func (r *Reconciler) ReconcileOne(ctx context.Context, localID int64) error {
	entity, ok := r.board.Get(localID)
	if !ok {
		return fmt.Errorf("%w: entity %d", ErrNotFound, localID)
	}
	if entity.CorrelationID == "" {
		return fmt.Errorf("%w: entity %d has no bound workflow", ErrUnresolved, localID)
	}
	_, err := r.reconcileEntity(ctx, entity.CorrelationID, localID)
	return err
}

func (r *Reconciler) reconcileEntity(ctx context.Context, correlationID string, localID int64) (bool, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()
	record, err := r.client.GetWorkflow(fetchCtx, correlationID)
	if err != nil {
		return false, err
	}
	// The entity may have been deleted or rebound while the fetch was
	// outstanding; re-validate before applying anything.
	currentLocalID, stillBound := r.board.Resolve(correlationID)
	if !stillBound || currentLocalID != localID {
		return false, nil
	}
	entity, exists := r.board.Get(localID)
	if !exists {
		return false, nil
	}
	if record.CurrentStage == "" || record.CurrentStage == entity.Stage {
		return false, nil
	}
	if !IsKnownStage(record.CurrentStage) {
		return false, fmt.Errorf("%w: backend reports %q", ErrUnknownStage, record.CurrentStage)
	}
	// Same path as live stage_transition events, so resync can never
	// diverge in behavior from event-driven transitions.
	if err := r.board.ApplyTransition(correlationID, entity.Stage, record.CurrentStage); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Reconciler) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}
