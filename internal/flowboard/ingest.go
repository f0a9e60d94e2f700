package flowboard

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	statusCompleted = "completed"
	statusFailed    = "failed"

	// Workflow names carrying this marker are merge operations; their
	// terminal statuses get special handling (see handleStatusUpdate).
	mergeWorkflowMarker = "merge"

	// Per-correlation-id cap for the opt-in pending buffer.
	maxPendingPerCorrelation = 32
)

// stagePattern extracts the advisory stage hint from free-text current-step
// labels, e.g. "Stage: build (3/5)".
var stagePattern = regexp.MustCompile(`(?i)stage:\s*([a-z-]+)`)

// IngestStatus reports pipeline counters since startup.
type IngestStatus struct {
	AcceptedTotal   uint64 `json:"acceptedTotal"`
	DedupedTotal    uint64 `json:"dedupedTotal"`
	UnresolvedTotal uint64 `json:"unresolvedTotal"`
	MalformedTotal  uint64 `json:"malformedTotal"`
	AnomalyTotal    uint64 `json:"anomalyTotal"`
	BufferedTotal   uint64 `json:"bufferedTotal"`
	FlushedTotal    uint64 `json:"flushedTotal"`
}

// Ingestor applies the inbound event stream to the board: deduplicate,
// resolve the target entity, transform, then one batched mutation per
// event. Events for unresolved correlation ids are dropped by default; a
// positive PendingBufferSize instead buffers a bounded number per id and
// flushes them when the id gets bound.
type Ingestor struct {
	board  *Board
	dedup  *DedupCache
	logger Logger

	mu                sync.Mutex
	status            IngestStatus
	pendingBufferSize int
	pending           map[string][]Event
	pendingTriggers   map[string]pendingTrigger
	now               func() time.Time
}

type pendingTrigger struct {
	localID      int64
	workflowType string
	done         chan TriggerResponseEvent
}

type IngestorOptions struct {
	Logger Logger
	// PendingBufferSize bounds how many distinct unresolved correlation
	// ids may hold buffered events. Zero keeps the default drop behavior.
	PendingBufferSize int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func NewIngestor(board *Board, dedup *DedupCache, opts IngestorOptions) (*Ingestor, error) {
	if board == nil || dedup == nil {
		return nil, fmt.Errorf("%w: board and dedup cache are required", ErrInvalidInput)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Ingestor{
		board:             board,
		dedup:             dedup,
		logger:            opts.Logger,
		pendingBufferSize: opts.PendingBufferSize,
		pending:           map[string][]Event{},
		pendingTriggers:   map[string]pendingTrigger{},
		now:               now,
	}, nil
}

// Status returns a copy of the pipeline counters.
func (in *Ingestor) Status() IngestStatus {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.status
}

// OnConnect resets session-scoped state for a fresh transport connection.
// The dedup cache is rebuilt empty: the reconciliation pass that follows a
// (re)connect supersedes any fingerprint recorded before it.
func (in *Ingestor) OnConnect() {
	in.dedup.Reset()
	in.mu.Lock()
	in.pending = map[string][]Event{}
	in.mu.Unlock()
}

// HandleRaw validates, decodes, and applies one inbound frame.
func (in *Ingestor) HandleRaw(raw []byte) {
	eventType, err := ValidateEnvelope(raw)
	if err != nil {
		in.countMalformed()
		in.logf("dropping malformed frame: %v", err)
		return
	}
	event, err := DecodeEvent(eventType, raw)
	if err != nil {
		if errors.Is(err, ErrUnknownEventType) {
			in.countAnomaly()
			in.logf("dropping frame of unknown type %q", eventType)
			return
		}
		in.countMalformed()
		in.logf("dropping undecodable %s frame: %v", eventType, err)
		return
	}
	in.HandleEvent(event)
}

// HandleEvent applies one typed event. The switch is exhaustive over the
// inbound union; adding an event type without a branch here fails the
// anomaly counter rather than silently ignoring it.
func (in *Ingestor) HandleEvent(event Event) {
	switch typed := event.(type) {
	case TriggerResponseEvent:
		in.handleTriggerResponse(typed)
	case StatusUpdateEvent:
		in.handleStatusUpdate(typed)
	case StageTransitionEvent:
		in.handleStageTransition(typed)
	case WorkflowLogEvent:
		in.handleEntityLog(typed, typed.Timestamp, typed.Level, "workflow", typed.Message, nil)
	case AgentLogEvent:
		source := "agent"
		if typed.AgentName != "" {
			source = typed.AgentName
		}
		in.handleEntityLog(typed, typed.Timestamp, typed.Level, source, typed.Message, nil)
	case ThinkingBlockEvent:
		in.handleEntityLog(typed, typed.Timestamp, "debug", "thinking", typed.Text, nil)
	case ToolUseEvent:
		in.handleToolUse(typed)
	case TextBlockEvent:
		in.handleEntityLog(typed, typed.Timestamp, "info", "text", typed.Text, nil)
	case FileChangedEvent:
		message := typed.Path
		if typed.ChangeType != "" {
			message = typed.ChangeType + " " + typed.Path
		}
		in.handleEntityLog(typed, typed.Timestamp, "info", "files", message, map[string]any{
			"last_changed_file": typed.Path,
		})
	case AgentSummaryUpdateEvent:
		in.handleEntityLog(typed, typed.Timestamp, "info", "summary", typed.Summary, map[string]any{
			"agent_summary": typed.Summary,
		})
	case SystemLogEvent:
		in.handleSystemLog(typed)
	default:
		in.countAnomaly()
		in.logf("no handler for event type %s", event.Kind())
	}
}

func (in *Ingestor) handleStatusUpdate(event StatusUpdateEvent) {
	fp := EventFingerprint(string(EventStatusUpdate), FingerprintFields{
		CorrelationID: event.CorrelationID,
		Status:        event.Status,
		Progress:      event.ProgressPercent,
		CurrentStep:   event.CurrentStep,
		Message:       event.Message,
	})

	// Resolution comes before the dedup verdict: an unresolved event must
	// not record its fingerprint, or its replay after the bind-time flush
	// would be misclassified as a duplicate and swallowed.
	inferredStage := inferStageFromStep(event.CurrentStep)
	localID, resolved := in.board.Resolve(event.CorrelationID)
	if !resolved {
		in.unresolvedEvent(event)
		return
	}
	entity, ok := in.board.Get(localID)
	if !ok {
		in.unresolvedEvent(event)
		return
	}

	// Recovery exception: a status event whose implied stage disagrees
	// with the entity's current stage must be applied even when its
	// fingerprint matches. A reload can lose board state while the event
	// producer keeps retransmitting the same frame.
	forceRecord := inferredStage != "" && entity.Stage != inferredStage
	if in.dedup.Seen(fp, forceRecord) {
		in.countDeduped()
		return
	}

	workflowName := event.WorkflowName
	if workflowName == "" {
		workflowName, _ = entity.Metadata["workflow_name"].(string)
	}

	patch := EntityPatch{
		Progress: intPtr(event.ProgressPercent),
		Metadata: map[string]any{},
	}
	if event.CurrentStep != "" {
		patch.Substage = stringPtr(event.CurrentStep)
	}
	if event.Status != "" {
		patch.Metadata[metaWorkflowStatus] = event.Status
	}
	if event.WorkflowName != "" {
		patch.Metadata["workflow_name"] = event.WorkflowName
	}
	if event.Message != "" {
		patch.AppendLogs = []LogEntry{{
			Timestamp: in.eventTime(event.Timestamp),
			Level:     "info",
			Source:    "status",
			Message:   event.Message,
		}}
	}

	terminal := false
	switch event.Status {
	case statusFailed:
		terminal = true
		if isMergeWorkflow(workflowName) {
			// Merge failures keep the entity at ready-to-merge so the
			// user can re-trigger; only the error surfaces in metadata.
			patch.Metadata[metaErrorMessage] = mergeFailureMessage(event.Message)
			patch.Metadata[metaWorkflowStatus] = statusFailed
		} else if !IsTerminalStage(entity.Stage) {
			// A late failed status for an entity already in a terminal
			// stage keeps its metadata but never moves the stage;
			// terminal stages are final.
			mergeStagePatch(&patch, stagePatch(&entity, StageErrored))
		}
	case statusCompleted:
		// Completion is informational; the authoritative move arrives as
		// a stage_transition. Merge workflows are the exception: no
		// transition event is guaranteed for them.
		if isMergeWorkflow(workflowName) {
			terminal = true
			if !IsTerminalStage(entity.Stage) {
				mergeStagePatch(&patch, stagePatch(&entity, StageCompleted))
			}
		}
	default:
		if inferredStage != "" && inferredStage != entity.Stage &&
			isForwardMove(entity.StageSequence, entity.Stage, inferredStage) &&
			IsKnownStage(inferredStage) {
			// Advisory inference: bridges the gap until the explicit
			// transition event lands. Folded into this same batch.
			mergeStagePatch(&patch, stagePatch(&entity, inferredStage))
		}
	}

	if _, err := in.board.ApplyBatch(localID, patch); err != nil {
		in.countAnomaly()
		in.logf("status update for %s not applied: %v", event.CorrelationID, err)
		return
	}
	in.countAccepted()

	if terminal {
		in.board.DropActive(event.CorrelationID)
		return
	}
	in.board.UpdateActive(ActiveWorkflow{
		CorrelationID: event.CorrelationID,
		LocalID:       localID,
		WorkflowName:  workflowName,
		Status:        event.Status,
		LastMessage:   event.Message,
		Progress:      event.ProgressPercent,
		CurrentStep:   event.CurrentStep,
	})
}

func (in *Ingestor) handleStageTransition(event StageTransitionEvent) {
	fp := EventFingerprint(string(EventStageTransition), FingerprintFields{
		CorrelationID: event.CorrelationID,
		Status:        event.FromStage,
		CurrentStep:   event.ToStage,
	})
	if _, ok := in.board.Resolve(event.CorrelationID); !ok {
		in.unresolvedEvent(event)
		return
	}
	if in.dedup.Seen(fp, false) {
		in.countDeduped()
		return
	}
	if err := in.board.ApplyTransition(event.CorrelationID, event.FromStage, event.ToStage); err != nil {
		in.countAnomaly()
		in.logf("transition %s -> %s for %s rejected: %v",
			event.FromStage, event.ToStage, event.CorrelationID, err)
		return
	}
	in.countAccepted()
	if IsTerminalStage(event.ToStage) {
		in.board.DropActive(event.CorrelationID)
	}
}

// handleTriggerResponse binds the accepted correlation id before anything
// else can observe it. The transport dispatch loop is a single goroutine,
// so once this returns, any queued event for the new id resolves.
func (in *Ingestor) handleTriggerResponse(event TriggerResponseEvent) {
	in.mu.Lock()
	registration, ok := in.pendingTriggers[event.RequestID]
	if ok {
		delete(in.pendingTriggers, event.RequestID)
	}
	in.mu.Unlock()
	if !ok {
		in.countAnomaly()
		in.logf("trigger response with unknown request id %q dropped", event.RequestID)
		return
	}
	if !isAcceptedStatus(event.Status) || event.CorrelationID == "" {
		// Rejected trigger: the entity stays exactly as it was.
		in.notifyTrigger(registration, event)
		return
	}

	entity, exists := in.board.Get(registration.localID)
	if !exists {
		// Entity deleted while the trigger was in flight.
		in.logf("trigger accepted for deleted entity %d; ignoring", registration.localID)
		in.notifyTrigger(registration, event)
		return
	}

	sequence := ParseWorkflowStages(registration.workflowType)
	patch := EntityPatch{
		CorrelationID: stringPtr(event.CorrelationID),
		StageSequence: sequence,
		Metadata: map[string]any{
			"workflow_type": registration.workflowType,
		},
	}
	if event.WorkflowName != "" {
		patch.Metadata["workflow_name"] = event.WorkflowName
	}
	if event.LogsPath != "" {
		patch.Metadata["logs_path"] = event.LogsPath
	}
	if event.PlanFile != "" {
		patch.Metadata["plan_file"] = event.PlanFile
	}
	if len(sequence) > 0 && entity.Stage == StageBacklog && sequence[0] != entity.Stage {
		patch.Stage = stringPtr(sequence[0])
	}
	if _, err := in.board.ApplyBatch(registration.localID, patch); err != nil {
		in.countAnomaly()
		in.logf("binding trigger response for entity %d failed: %v", registration.localID, err)
		in.notifyTrigger(registration, event)
		return
	}
	in.countAccepted()
	in.board.UpdateActive(ActiveWorkflow{
		CorrelationID: event.CorrelationID,
		LocalID:       registration.localID,
		WorkflowName:  event.WorkflowName,
		Status:        "accepted",
		LastMessage:   event.Message,
		StartedAt:     in.now(),
	})
	in.flushPending(event.CorrelationID)
	in.notifyTrigger(registration, event)
}

func (in *Ingestor) notifyTrigger(registration pendingTrigger, event TriggerResponseEvent) {
	select {
	case registration.done <- event:
	default:
	}
}

// handleEntityLog covers the log-shaped event family: dedupe, resolve,
// append one log entry plus any metadata in a single batch.
func (in *Ingestor) handleEntityLog(event Event, timestamp, level, source, message string, metadata map[string]any) {
	fp := EventFingerprint(string(event.Kind()), FingerprintFields{
		CorrelationID: event.Correlation(),
		Status:        level,
		CurrentStep:   source,
		Message:       message,
	})
	localID, ok := in.board.Resolve(event.Correlation())
	if !ok {
		in.unresolvedEvent(event)
		return
	}
	if in.dedup.Seen(fp, false) {
		in.countDeduped()
		return
	}
	if level == "" {
		level = "info"
	}
	patch := EntityPatch{
		Metadata: metadata,
		AppendLogs: []LogEntry{{
			Timestamp: in.eventTime(timestamp),
			Level:     level,
			Source:    source,
			Message:   message,
		}},
	}
	if _, err := in.board.ApplyBatch(localID, patch); err != nil {
		in.countAnomaly()
		in.logf("%s for %s not applied: %v", event.Kind(), event.Correlation(), err)
		return
	}
	in.countAccepted()
}

func (in *Ingestor) handleToolUse(event ToolUseEvent) {
	verb := "using"
	if event.Phase == EventToolUsePost {
		verb = "finished"
	}
	message := fmt.Sprintf("%s tool %s", verb, event.ToolName)
	if event.Phase == EventToolUsePost && event.Output != "" {
		message += ": " + truncateForLog(event.Output)
	}
	if event.Phase == EventToolUsePre && event.Input != "" {
		message += " " + truncateForLog(event.Input)
	}
	in.handleEntityLog(event, event.Timestamp, "debug", "tools", message, nil)
}

func (in *Ingestor) handleSystemLog(event SystemLogEvent) {
	if event.CorrelationID == "" {
		// System messages without a target entity only hit the logger.
		in.logf("system: %s", event.Message)
		return
	}
	in.handleEntityLog(event, event.Timestamp, event.Level, "system", event.Message, nil)
}

// unresolvedEvent records or drops an event whose correlation id has no
// bound entity. Retrying is deliberately out of scope; the reconciliation
// pass recovers any meaningful state the dropped event carried.
func (in *Ingestor) unresolvedEvent(event Event) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.status.UnresolvedTotal++
	if in.pendingBufferSize <= 0 {
		in.logf("dropping %s for unresolved correlation id %s", event.Kind(), event.Correlation())
		return
	}
	queue := in.pending[event.Correlation()]
	if queue == nil && len(in.pending) >= in.pendingBufferSize {
		in.logf("pending buffer full; dropping %s for %s", event.Kind(), event.Correlation())
		return
	}
	if len(queue) >= maxPendingPerCorrelation {
		queue = queue[1:]
	}
	in.pending[event.Correlation()] = append(queue, event)
	in.status.BufferedTotal++
}

// flushPending replays buffered events for a freshly bound correlation id.
func (in *Ingestor) flushPending(correlationID string) {
	in.mu.Lock()
	queue := in.pending[correlationID]
	delete(in.pending, correlationID)
	in.mu.Unlock()
	for _, event := range queue {
		in.mu.Lock()
		in.status.FlushedTotal++
		in.mu.Unlock()
		in.HandleEvent(event)
	}
}

func (in *Ingestor) eventTime(raw string) time.Time {
	if raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return ts
		}
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			return ts
		}
	}
	return in.now()
}

func (in *Ingestor) countAccepted() {
	in.mu.Lock()
	in.status.AcceptedTotal++
	in.mu.Unlock()
}

func (in *Ingestor) countDeduped() {
	in.mu.Lock()
	in.status.DedupedTotal++
	in.mu.Unlock()
}

func (in *Ingestor) countMalformed() {
	in.mu.Lock()
	in.status.MalformedTotal++
	in.mu.Unlock()
}

func (in *Ingestor) countAnomaly() {
	in.mu.Lock()
	in.status.AnomalyTotal++
	in.mu.Unlock()
}

func (in *Ingestor) logf(format string, args ...any) {
	if in.logger == nil {
		return
	}
	in.logger.Printf(format, args...)
}

// inferStageFromStep extracts the stage hint from a current-step label.
// Best-effort by design: the explicit stage_transition event remains the
// authoritative driver.
func inferStageFromStep(currentStep string) string {
	match := stagePattern.FindStringSubmatch(currentStep)
	if match == nil {
		return ""
	}
	stage := strings.ToLower(strings.TrimSpace(match[1]))
	if !IsKnownStage(stage) {
		return ""
	}
	return stage
}

// isAcceptedStatus matches the backend's accept verdict. Case-insensitive
// so the response handler and the trigger caller agree on one predicate.
func isAcceptedStatus(status string) bool {
	return strings.EqualFold(status, "accepted")
}

func isMergeWorkflow(workflowName string) bool {
	return strings.Contains(strings.ToLower(workflowName), mergeWorkflowMarker)
}

func mergeFailureMessage(message string) string {
	if message == "" {
		return "merge failed; re-trigger to retry"
	}
	return message
}

// mergeStagePatch folds the stage move from src into dst so the move and
// the status fields land in one batch.
func mergeStagePatch(dst *EntityPatch, src EntityPatch) {
	dst.Stage = src.Stage
	if src.Substage != nil {
		dst.Substage = src.Substage
	}
	if src.Progress != nil {
		dst.Progress = src.Progress
	}
	if dst.Metadata == nil {
		dst.Metadata = map[string]any{}
	}
	for key, value := range src.Metadata {
		dst.Metadata[key] = value
	}
}

func truncateForLog(s string) string {
	const limit = 200
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
