package flowboard

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnknownStage = errors.New("unknown stage")
	ErrStaleStage   = errors.New("stale stage transition")
	ErrUnresolved   = errors.New("unresolved correlation id")
	ErrTimeout      = errors.New("timed out")
	ErrRejected     = errors.New("rejected")
)

// Logger is the minimal logging surface accepted throughout the package.
type Logger interface {
	Printf(format string, args ...any)
}

// Board owns the entity store, the correlation-id index, and the active
// workflow view. The index is derived state: every code path that sets or
// clears an entity's correlation id goes through bindLocked/unbindLocked
// inside the same critical section, so no caller can observe the store and
// the index disagreeing.
type Board struct {
	mu          sync.Mutex
	entities    map[int64]*Entity
	index       map[string]int64
	active      map[string]ActiveWorkflow
	nextLocalID int64
	version     uint64

	stateBackend StateBackend
	logger       Logger
	now          func() time.Time
}

type BoardOptions struct {
	// StateBackend, when set, persists entity snapshots across restarts.
	// The dedup cache is never part of the snapshot.
	StateBackend StateBackend
	Logger       Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func NewBoard(opts BoardOptions) *Board {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	b := &Board{
		entities:     map[int64]*Entity{},
		index:        map[string]int64{},
		active:       map[string]ActiveWorkflow{},
		stateBackend: opts.StateBackend,
		logger:       opts.Logger,
		now:          now,
	}
	if err := b.loadFromBackend(); err != nil {
		b.logf("state backend load failed, starting empty: %v", err)
	}
	return b
}

type CreateOptions struct {
	CorrelationID string
	Stage         string
	WorkflowType  string
	Metadata      map[string]any
}

// Create adds a new entity. New entities start in backlog with no bound
// correlation id unless the options say otherwise (records loaded from the
// backend arrive pre-bound).
func (b *Board) Create(opts CreateOptions) Entity {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextLocalID++
	now := b.now()
	stage := opts.Stage
	if stage == "" || !IsKnownStage(stage) {
		stage = StageBacklog
	}
	entity := &Entity{
		LocalID:   b.nextLocalID,
		Stage:     stage,
		Metadata:  cloneMetadata(opts.Metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if entity.Metadata == nil {
		entity.Metadata = map[string]any{}
	}
	if opts.WorkflowType != "" {
		entity.StageSequence = ParseWorkflowStages(opts.WorkflowType)
		entity.Metadata["workflow_type"] = opts.WorkflowType
	}
	b.entities[entity.LocalID] = entity
	if opts.CorrelationID != "" {
		b.bindLocked(entity.LocalID, opts.CorrelationID)
	}
	b.version++
	b.saveLocked()
	return entity.clone()
}

// Get returns a copy of the entity, or false when it does not exist.
func (b *Board) Get(localID int64) (Entity, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entity, ok := b.entities[localID]
	if !ok {
		return Entity{}, false
	}
	return entity.clone(), true
}

// List returns copies of all entities ordered by local id.
func (b *Board) List() []Entity {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entity, 0, len(b.entities))
	for _, entity := range b.entities {
		out = append(out, entity.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalID < out[j].LocalID })
	return out
}

// Resolve maps a correlation id to its local id.
func (b *Board) Resolve(correlationID string) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	localID, ok := b.index[correlationID]
	return localID, ok
}

// Bind associates correlationID with localID and records it on the entity,
// in one step. Re-binding the same pair is a no-op; binding a correlation
// id already held by another entity overwrites with a warning.
func (b *Board) Bind(localID int64, correlationID string) error {
	if correlationID == "" {
		return fmt.Errorf("%w: empty correlation id", ErrInvalidInput)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entities[localID]; !ok {
		return fmt.Errorf("%w: entity %d", ErrNotFound, localID)
	}
	b.bindLocked(localID, correlationID)
	b.version++
	b.saveLocked()
	return nil
}

// Unbind clears whichever index entry maps to localID along with the
// entity's correlation id. Deletes are rare relative to lookups, so the
// reverse scan is fine.
func (b *Board) Unbind(localID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unbindLocked(localID)
	b.version++
	b.saveLocked()
}

func (b *Board) bindLocked(localID int64, correlationID string) {
	if existing, ok := b.index[correlationID]; ok && existing != localID {
		b.logf("correlation id %s rebound from entity %d to %d", correlationID, existing, localID)
		if prev, ok := b.entities[existing]; ok {
			prev.CorrelationID = ""
		}
	}
	if entity, ok := b.entities[localID]; ok {
		if entity.CorrelationID != "" && entity.CorrelationID != correlationID {
			delete(b.index, entity.CorrelationID)
		}
		entity.CorrelationID = correlationID
		entity.UpdatedAt = b.now()
	}
	b.index[correlationID] = localID
}

func (b *Board) unbindLocked(localID int64) {
	entity, ok := b.entities[localID]
	if ok && entity.CorrelationID != "" {
		delete(b.index, entity.CorrelationID)
		entity.CorrelationID = ""
		return
	}
	for correlationID, mapped := range b.index {
		if mapped == localID {
			delete(b.index, correlationID)
		}
	}
}

// ApplyBatch applies every set field of patch as one atomic state version.
// It returns a structured pre-image sufficient to revert the patch, which
// the optimistic CRUD flows use instead of ad hoc field reconstruction.
func (b *Board) ApplyBatch(localID int64, patch EntityPatch) (EntityPatch, error) {
	if patch.isZero() {
		return EntityPatch{}, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.applyPatchLocked(localID, patch)
}

func (b *Board) applyPatchLocked(localID int64, patch EntityPatch) (EntityPatch, error) {
	entity, ok := b.entities[localID]
	if !ok {
		return EntityPatch{}, fmt.Errorf("%w: entity %d", ErrNotFound, localID)
	}
	undo := EntityPatch{}
	if patch.Stage != nil {
		undo.Stage = stringPtr(entity.Stage)
		entity.Stage = *patch.Stage
	}
	if patch.Substage != nil {
		undo.Substage = stringPtr(entity.Substage)
		entity.Substage = *patch.Substage
	}
	if patch.Progress != nil {
		undo.Progress = intPtr(entity.Progress)
		entity.Progress = clampProgress(*patch.Progress)
	}
	if patch.StageSequence != nil {
		undo.StageSequence = append([]string{}, entity.StageSequence...)
		entity.StageSequence = append([]string(nil), patch.StageSequence...)
	}
	if patch.CorrelationID != nil {
		undo.CorrelationID = stringPtr(entity.CorrelationID)
		if *patch.CorrelationID == "" {
			b.unbindLocked(localID)
		} else {
			b.bindLocked(localID, *patch.CorrelationID)
		}
	}
	if len(patch.Metadata) > 0 {
		if entity.Metadata == nil {
			entity.Metadata = map[string]any{}
		}
		undo.Metadata = map[string]any{}
		for key, value := range patch.Metadata {
			if prev, had := entity.Metadata[key]; had {
				undo.Metadata[key] = prev
			} else {
				undo.Metadata[key] = nil
			}
			if value == nil {
				delete(entity.Metadata, key)
				continue
			}
			entity.Metadata[key] = value
		}
	}
	if len(patch.AppendLogs) > 0 {
		entity.Logs = append(entity.Logs, patch.AppendLogs...)
		if len(entity.Logs) > maxLogEntries {
			entity.Logs = append([]LogEntry(nil), entity.Logs[len(entity.Logs)-maxLogEntries:]...)
		}
	}
	entity.UpdatedAt = b.now()
	b.version++
	b.saveLocked()
	return undo, nil
}

// Revert applies a pre-image captured by ApplyBatch. Metadata keys recorded
// as nil are removed.
func (b *Board) Revert(localID int64, undo EntityPatch) error {
	if undo.isZero() {
		return nil
	}
	_, err := b.ApplyBatch(localID, undo)
	return err
}

// Remove deletes the entity and its index entry. Callers that must wait for
// backend confirmation do so before calling Remove (see DeleteWorkflow).
func (b *Board) Remove(localID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entity, ok := b.entities[localID]
	if !ok {
		return
	}
	if entity.CorrelationID != "" {
		delete(b.active, entity.CorrelationID)
	}
	b.unbindLocked(localID)
	delete(b.entities, localID)
	b.version++
	b.saveLocked()
}

// Version returns the observable state version; it increments exactly once
// per completed batch mutation.
func (b *Board) Version() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}

// UpdateActive upserts the ephemeral tracking record for a correlation id.
func (b *Board) UpdateActive(record ActiveWorkflow) {
	if record.CorrelationID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	existing, ok := b.active[record.CorrelationID]
	if ok {
		if record.StartedAt.IsZero() {
			record.StartedAt = existing.StartedAt
		}
		if record.WorkflowName == "" {
			record.WorkflowName = existing.WorkflowName
		}
	} else if record.StartedAt.IsZero() {
		record.StartedAt = b.now()
	}
	b.active[record.CorrelationID] = record
}

// DropActive discards the tracking record for a correlation id.
func (b *Board) DropActive(correlationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.active, correlationID)
}

// ActiveWorkflows returns the current tracking records, newest first.
func (b *Board) ActiveWorkflows() []ActiveWorkflow {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ActiveWorkflow, 0, len(b.active))
	for _, record := range b.active {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// TrackedCorrelations lists bound, non-terminal entities for reconciliation.
func (b *Board) TrackedCorrelations() map[string]int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := map[string]int64{}
	for correlationID, localID := range b.index {
		entity, ok := b.entities[localID]
		if !ok || IsTerminalStage(entity.Stage) {
			continue
		}
		out[correlationID] = localID
	}
	return out
}

func (b *Board) logf(format string, args ...any) {
	if b.logger == nil {
		return
	}
	b.logger.Printf(format, args...)
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
