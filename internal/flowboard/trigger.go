package flowboard

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

const defaultTriggerTimeout = 30 * time.Second

// Transport is the outbound half of the event channel the core needs:
// frame delivery with context cancellation. Connection lifecycle and
// handler registration live in internal/transport.
type Transport interface {
	Send(ctx context.Context, payload any) error
}

type TriggerOptions struct {
	IssueNumber int
	ModelSet    string
	Extra       map[string]any
	// Timeout bounds the wait for the accept response.
	Timeout time.Duration
}

type TriggerResult struct {
	CorrelationID string
	WorkflowName  string
	Message       string
	LogsPath      string
	PlanFile      string
}

var triggerRequestCounter uint64

func nextTriggerRequestID() string {
	n := atomic.AddUint64(&triggerRequestCounter, 1)
	return fmt.Sprintf("req_%d_%d", time.Now().UnixNano(), n)
}

// TriggerWorkflow sends a trigger_workflow command for the entity and waits
// for the accept response. The response handler binds the new correlation
// id into the board before any later event is dispatched (the transport
// delivers frames from a single goroutine), so an event arriving right
// behind the accept can never be dropped as unresolved.
//
// A failed or rejected trigger leaves the entity exactly as it was.
func (in *Ingestor) TriggerWorkflow(ctx context.Context, transport Transport, localID int64, workflowType string, opts TriggerOptions) (TriggerResult, error) {
	if transport == nil {
		return TriggerResult{}, fmt.Errorf("%w: transport is required", ErrInvalidInput)
	}
	if workflowType == "" {
		return TriggerResult{}, fmt.Errorf("%w: workflow type is required", ErrInvalidInput)
	}
	entity, ok := in.board.Get(localID)
	if !ok {
		return TriggerResult{}, fmt.Errorf("%w: entity %d", ErrNotFound, localID)
	}

	requestID := nextTriggerRequestID()
	registration := pendingTrigger{
		localID:      localID,
		workflowType: workflowType,
		done:         make(chan TriggerResponseEvent, 1),
	}
	in.mu.Lock()
	in.pendingTriggers[requestID] = registration
	in.mu.Unlock()

	command := TriggerCommand{
		Type:         CommandTriggerWorkflow,
		RequestID:    requestID,
		WorkflowType: workflowType,
		// Present only when resuming or patching an existing workflow;
		// omitted so the backend assigns a fresh id for new work.
		CorrelationID: entity.CorrelationID,
		IssueNumber:   opts.IssueNumber,
		ModelSet:      opts.ModelSet,
		Options:       opts.Extra,
	}
	if err := transport.Send(ctx, command); err != nil {
		in.abandonTrigger(requestID)
		return TriggerResult{}, fmt.Errorf("trigger send failed: %w", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTriggerTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case response := <-registration.done:
		if !isAcceptedStatus(response.Status) || response.CorrelationID == "" {
			message := response.Message
			if message == "" {
				message = response.Status
			}
			return TriggerResult{}, fmt.Errorf("%w: %s", ErrRejected, message)
		}
		return TriggerResult{
			CorrelationID: response.CorrelationID,
			WorkflowName:  response.WorkflowName,
			Message:       response.Message,
			LogsPath:      response.LogsPath,
			PlanFile:      response.PlanFile,
		}, nil
	case <-timer.C:
		in.abandonTrigger(requestID)
		return TriggerResult{}, fmt.Errorf("%w: no trigger response within %s", ErrTimeout, timeout)
	case <-ctx.Done():
		in.abandonTrigger(requestID)
		return TriggerResult{}, ctx.Err()
	}
}

func (in *Ingestor) abandonTrigger(requestID string) {
	in.mu.Lock()
	delete(in.pendingTriggers, requestID)
	in.mu.Unlock()
}
