package flowboard

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrMalformedEvent   = errors.New("malformed event")
)

type EventType string

const (
	EventStatusUpdate       EventType = "status_update"
	EventStageTransition    EventType = "stage_transition"
	EventTriggerResponse    EventType = "trigger_response"
	EventWorkflowLog        EventType = "workflow_log"
	EventAgentLog           EventType = "agent_log"
	EventThinkingBlock      EventType = "thinking_block"
	EventToolUsePre         EventType = "tool_use_pre"
	EventToolUsePost        EventType = "tool_use_post"
	EventTextBlock          EventType = "text_block"
	EventFileChanged        EventType = "file_changed"
	EventAgentSummaryUpdate EventType = "agent_summary_update"
	EventSystemLog          EventType = "system_log"

	// Outbound command type.
	CommandTriggerWorkflow EventType = "trigger_workflow"
)

// AllEventTypes lists every inbound type the ingestor handles; the
// transport registers one handler per entry.
func AllEventTypes() []EventType {
	return []EventType{
		EventStatusUpdate,
		EventStageTransition,
		EventTriggerResponse,
		EventWorkflowLog,
		EventAgentLog,
		EventThinkingBlock,
		EventToolUsePre,
		EventToolUsePost,
		EventTextBlock,
		EventFileChanged,
		EventAgentSummaryUpdate,
		EventSystemLog,
	}
}

// Event is the decoded, typed form of one inbound frame.
type Event interface {
	Kind() EventType
	Correlation() string
}

type StatusUpdateEvent struct {
	CorrelationID   string `json:"correlation_id"`
	Status          string `json:"status"`
	Message         string `json:"message,omitempty"`
	ProgressPercent int    `json:"progress_percent,omitempty"`
	CurrentStep     string `json:"current_step,omitempty"`
	WorkflowName    string `json:"workflow_name,omitempty"`
	Timestamp       string `json:"timestamp,omitempty"`
}

func (e StatusUpdateEvent) Kind() EventType     { return EventStatusUpdate }
func (e StatusUpdateEvent) Correlation() string { return e.CorrelationID }

type StageTransitionEvent struct {
	CorrelationID string `json:"correlation_id"`
	FromStage     string `json:"from_stage"`
	ToStage       string `json:"to_stage"`
	Timestamp     string `json:"timestamp,omitempty"`
}

func (e StageTransitionEvent) Kind() EventType     { return EventStageTransition }
func (e StageTransitionEvent) Correlation() string { return e.CorrelationID }

type TriggerResponseEvent struct {
	RequestID     string `json:"request_id,omitempty"`
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
	WorkflowName  string `json:"workflow_name,omitempty"`
	Message       string `json:"message,omitempty"`
	LogsPath      string `json:"logs_path,omitempty"`
	PlanFile      string `json:"plan_file,omitempty"`
}

func (e TriggerResponseEvent) Kind() EventType     { return EventTriggerResponse }
func (e TriggerResponseEvent) Correlation() string { return e.CorrelationID }

type WorkflowLogEvent struct {
	CorrelationID string `json:"correlation_id"`
	Level         string `json:"level,omitempty"`
	Message       string `json:"message"`
	Timestamp     string `json:"timestamp,omitempty"`
}

func (e WorkflowLogEvent) Kind() EventType     { return EventWorkflowLog }
func (e WorkflowLogEvent) Correlation() string { return e.CorrelationID }

type AgentLogEvent struct {
	CorrelationID string `json:"correlation_id"`
	AgentName     string `json:"agent_name,omitempty"`
	Level         string `json:"level,omitempty"`
	Message       string `json:"message"`
	Timestamp     string `json:"timestamp,omitempty"`
}

func (e AgentLogEvent) Kind() EventType     { return EventAgentLog }
func (e AgentLogEvent) Correlation() string { return e.CorrelationID }

type ThinkingBlockEvent struct {
	CorrelationID string `json:"correlation_id"`
	Text          string `json:"text"`
	Timestamp     string `json:"timestamp,omitempty"`
}

func (e ThinkingBlockEvent) Kind() EventType     { return EventThinkingBlock }
func (e ThinkingBlockEvent) Correlation() string { return e.CorrelationID }

type ToolUseEvent struct {
	Phase         EventType `json:"-"`
	CorrelationID string    `json:"correlation_id"`
	ToolName      string    `json:"tool_name"`
	Input         string    `json:"input,omitempty"`
	Output        string    `json:"output,omitempty"`
	Timestamp     string    `json:"timestamp,omitempty"`
}

func (e ToolUseEvent) Kind() EventType     { return e.Phase }
func (e ToolUseEvent) Correlation() string { return e.CorrelationID }

type TextBlockEvent struct {
	CorrelationID string `json:"correlation_id"`
	Text          string `json:"text"`
	Timestamp     string `json:"timestamp,omitempty"`
}

func (e TextBlockEvent) Kind() EventType     { return EventTextBlock }
func (e TextBlockEvent) Correlation() string { return e.CorrelationID }

type FileChangedEvent struct {
	CorrelationID string `json:"correlation_id"`
	Path          string `json:"path"`
	ChangeType    string `json:"change_type,omitempty"`
	Timestamp     string `json:"timestamp,omitempty"`
}

func (e FileChangedEvent) Kind() EventType     { return EventFileChanged }
func (e FileChangedEvent) Correlation() string { return e.CorrelationID }

type AgentSummaryUpdateEvent struct {
	CorrelationID string `json:"correlation_id"`
	Summary       string `json:"summary"`
	Timestamp     string `json:"timestamp,omitempty"`
}

func (e AgentSummaryUpdateEvent) Kind() EventType     { return EventAgentSummaryUpdate }
func (e AgentSummaryUpdateEvent) Correlation() string { return e.CorrelationID }

type SystemLogEvent struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	Level         string `json:"level,omitempty"`
	Message       string `json:"message"`
	Timestamp     string `json:"timestamp,omitempty"`
}

func (e SystemLogEvent) Kind() EventType     { return EventSystemLog }
func (e SystemLogEvent) Correlation() string { return e.CorrelationID }

// TriggerCommand is the outbound trigger_workflow frame. CorrelationID is
// empty for a brand-new workflow and set when resuming or patching one.
type TriggerCommand struct {
	Type          EventType      `json:"type"`
	RequestID     string         `json:"request_id"`
	WorkflowType  string         `json:"workflow_type"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	IssueNumber   int            `json:"issue_number,omitempty"`
	ModelSet      string         `json:"model_set,omitempty"`
	Options       map[string]any `json:"options,omitempty"`
}

const envelopeSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"correlation_id": {"type": "string"},
		"progress_percent": {"type": "integer", "minimum": 0, "maximum": 100},
		"from_stage": {"type": "string"},
		"to_stage": {"type": "string"},
		"timestamp": {"type": "string"}
	},
	"required": ["type"]
}`

var envelopeSchema = mustCompileEnvelopeSchema()

func mustCompileEnvelopeSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(envelopeSchemaJSON)))
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("flowboard-envelope.json", doc); err != nil {
		panic(err)
	}
	schema, err := compiler.Compile("flowboard-envelope.json")
	if err != nil {
		panic(err)
	}
	return schema
}

// ValidateEnvelope checks one raw inbound frame against the envelope schema
// and returns its declared event type.
func ValidateEnvelope(raw []byte) (EventType, error) {
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := envelopeSchema.Validate(value); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	var header struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return header.Type, nil
}

// DecodeEvent turns a validated frame into its typed form. Unknown types
// return ErrUnknownEventType so the caller can log and drop.
func DecodeEvent(eventType EventType, raw []byte) (Event, error) {
	decode := func(target any) error {
		if err := json.Unmarshal(raw, target); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, eventType, err)
		}
		return nil
	}
	switch eventType {
	case EventStatusUpdate:
		var event StatusUpdateEvent
		if err := decode(&event); err != nil {
			return nil, err
		}
		return event, nil
	case EventStageTransition:
		var event StageTransitionEvent
		if err := decode(&event); err != nil {
			return nil, err
		}
		return event, nil
	case EventTriggerResponse:
		var event TriggerResponseEvent
		if err := decode(&event); err != nil {
			return nil, err
		}
		return event, nil
	case EventWorkflowLog:
		var event WorkflowLogEvent
		if err := decode(&event); err != nil {
			return nil, err
		}
		return event, nil
	case EventAgentLog:
		var event AgentLogEvent
		if err := decode(&event); err != nil {
			return nil, err
		}
		return event, nil
	case EventThinkingBlock:
		var event ThinkingBlockEvent
		if err := decode(&event); err != nil {
			return nil, err
		}
		return event, nil
	case EventToolUsePre, EventToolUsePost:
		var event ToolUseEvent
		if err := decode(&event); err != nil {
			return nil, err
		}
		event.Phase = eventType
		return event, nil
	case EventTextBlock:
		var event TextBlockEvent
		if err := decode(&event); err != nil {
			return nil, err
		}
		return event, nil
	case EventFileChanged:
		var event FileChangedEvent
		if err := decode(&event); err != nil {
			return nil, err
		}
		return event, nil
	case EventAgentSummaryUpdate:
		var event AgentSummaryUpdateEvent
		if err := decode(&event); err != nil {
			return nil, err
		}
		return event, nil
	case EventSystemLog:
		var event SystemLogEvent
		if err := decode(&event); err != nil {
			return nil, err
		}
		return event, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
}
