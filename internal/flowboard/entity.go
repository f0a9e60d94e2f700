package flowboard

import "time"

// maxLogEntries caps the per-entity log; the oldest entries are silently
// dropped past the cap.
const maxLogEntries = 500

type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level,omitempty"`
	Source    string    `json:"source,omitempty"`
	Message   string    `json:"message"`
}

// Entity is one tracked task/workflow card. CorrelationID stays empty until
// the backend accepts a trigger (or the record is loaded pre-bound).
type Entity struct {
	LocalID       int64          `json:"localId"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Stage         string         `json:"stage"`
	Substage      string         `json:"substage,omitempty"`
	Progress      int            `json:"progress"`
	StageSequence []string       `json:"stageSequence,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Logs          []LogEntry     `json:"logs,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// clone returns a deep copy so readers never alias board-internal state.
func (e *Entity) clone() Entity {
	out := *e
	if e.StageSequence != nil {
		out.StageSequence = append([]string(nil), e.StageSequence...)
	}
	if e.Metadata != nil {
		out.Metadata = cloneMetadata(e.Metadata)
	}
	if e.Logs != nil {
		out.Logs = append([]LogEntry(nil), e.Logs...)
	}
	return out
}

func cloneMetadata(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for key, value := range src {
		switch typed := value.(type) {
		case map[string]any:
			out[key] = cloneMetadata(typed)
		case []any:
			out[key] = append([]any(nil), typed...)
		default:
			out[key] = value
		}
	}
	return out
}

// EntityPatch is the single mutation unit applied by the board. All set
// fields land in one state version; readers never observe a partial patch.
type EntityPatch struct {
	Stage         *string
	Substage      *string
	Progress      *int
	CorrelationID *string
	StageSequence []string
	Metadata      map[string]any
	AppendLogs    []LogEntry
}

func (p EntityPatch) isZero() bool {
	return p.Stage == nil && p.Substage == nil && p.Progress == nil &&
		p.CorrelationID == nil && p.StageSequence == nil &&
		len(p.Metadata) == 0 && len(p.AppendLogs) == 0
}

// ActiveWorkflow is the ephemeral operational view of one running workflow,
// keyed by correlation id and rebuilt independently of the entity store.
type ActiveWorkflow struct {
	CorrelationID string    `json:"correlationId"`
	LocalID       int64     `json:"localId"`
	WorkflowName  string    `json:"workflowName,omitempty"`
	Status        string    `json:"status,omitempty"`
	LastMessage   string    `json:"lastMessage,omitempty"`
	Progress      int       `json:"progress"`
	CurrentStep   string    `json:"currentStep,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
}

func stringPtr(s string) *string { return &s }

func intPtr(i int) *int { return &i }
