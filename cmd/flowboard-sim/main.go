// Command flowboard-sim is a development stand-in for the workflow
// backend: it serves the workflow REST API from memory, accepts
// trigger_workflow commands over the event socket, and drives triggered
// workflows through their stages with scripted events. Optional fault
// injection re-sends and swaps frames to exercise the client's dedup and
// ordering recovery.
package main

import (
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/flowboard/internal/flowboard"
)

func main() {
	addr := os.Getenv("FLOWBOARD_SIM_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	sim := newSimServer(simConfig{
		tick:             durationEnv("FLOWBOARD_SIM_TICK", 500*time.Millisecond),
		duplicatePercent: intEnv("FLOWBOARD_SIM_DUPLICATE_PERCENT", 0),
		swapPercent:      intEnv("FLOWBOARD_SIM_SWAP_PERCENT", 0),
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/workflows", sim.handleCollection)
	mux.HandleFunc("/v1/workflows/", sim.handleItem)
	mux.HandleFunc("/v1/events", sim.handleEvents)

	log.Printf("flowboard-sim listening on %s (duplicate=%d%% swap=%d%%)",
		addr, sim.cfg.duplicatePercent, sim.cfg.swapPercent)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

type simConfig struct {
	tick             time.Duration
	duplicatePercent int
	swapPercent      int
}

type simWorkflow struct {
	record   flowboard.WorkflowRecord
	sequence []string
}

type subscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
	// held carries a delayed frame for swap injection.
	held []byte
}

type simServer struct {
	cfg simConfig

	mu          sync.Mutex
	workflows   map[string]*simWorkflow
	subscribers map[*subscriber]struct{}
	rng         *rand.Rand
}

func newSimServer(cfg simConfig) *simServer {
	if cfg.tick <= 0 {
		cfg.tick = 500 * time.Millisecond
	}
	return &simServer{
		cfg:         cfg,
		workflows:   map[string]*simWorkflow{},
		subscribers: map[*subscriber]struct{}{},
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *simServer) handleCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.mu.Lock()
		items := make([]flowboard.WorkflowRecord, 0, len(s.workflows))
		for _, wf := range s.workflows {
			items = append(items, wf.record)
		}
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		var record flowboard.WorkflowRecord
		if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		if record.CorrelationID == "" {
			record.CorrelationID = newCorrelationID()
		}
		if record.CurrentStage == "" {
			record.CurrentStage = flowboard.StageBacklog
		}
		s.mu.Lock()
		s.workflows[record.CorrelationID] = &simWorkflow{
			record:   record,
			sequence: flowboard.ParseWorkflowStages(record.WorkflowType),
		}
		s.mu.Unlock()
		writeJSON(w, http.StatusCreated, record)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method)
	}
}

func (s *simServer) handleItem(w http.ResponseWriter, r *http.Request) {
	correlationID := strings.TrimPrefix(r.URL.Path, "/v1/workflows/")
	s.mu.Lock()
	wf, ok := s.workflows[correlationID]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", correlationID)
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, wf.record)
	case http.MethodPatch:
		var fields map[string]any
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		s.mu.Lock()
		if wf.record.Metadata == nil {
			wf.record.Metadata = map[string]any{}
		}
		for key, value := range fields {
			wf.record.Metadata[key] = value
		}
		record := wf.record
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, record)
	case http.MethodDelete:
		s.mu.Lock()
		delete(s.workflows, correlationID)
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method)
	}
}

func (s *simServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("websocket accept failed: %v", err)
		return
	}
	sub := &subscriber{conn: conn}
	s.mu.Lock()
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subscribers, sub)
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		s.handleCommand(ctx, sub, data)
	}
}

func (s *simServer) handleCommand(ctx context.Context, sub *subscriber, raw []byte) {
	var command flowboard.TriggerCommand
	if err := json.Unmarshal(raw, &command); err != nil || command.Type != flowboard.CommandTriggerWorkflow {
		log.Printf("ignoring unrecognized command frame")
		return
	}
	correlationID := command.CorrelationID
	if correlationID == "" {
		correlationID = newCorrelationID()
	}
	workflowName := command.WorkflowType
	record := flowboard.WorkflowRecord{
		CorrelationID: correlationID,
		WorkflowName:  workflowName,
		WorkflowType:  command.WorkflowType,
		CurrentStage:  flowboard.StageBacklog,
	}
	sequence := flowboard.ParseWorkflowStages(command.WorkflowType)
	s.mu.Lock()
	s.workflows[correlationID] = &simWorkflow{record: record, sequence: sequence}
	s.mu.Unlock()

	s.sendTo(ctx, sub, flowboard.EventTriggerResponse, flowboard.TriggerResponseEvent{
		RequestID:     command.RequestID,
		CorrelationID: correlationID,
		Status:        "accepted",
		WorkflowName:  workflowName,
		Message:       "workflow started",
	})
	go s.runWorkflow(correlationID, workflowName, sequence)
}

// runWorkflow walks the workflow through its stages, emitting one status
// update and one transition per stage, then the terminal transition.
func (s *simServer) runWorkflow(correlationID, workflowName string, sequence []string) {
	ctx := context.Background()
	if len(sequence) == 0 {
		sequence = flowboard.CanonicalStageSequence()
	}
	previous := flowboard.StageBacklog
	for i, stage := range sequence {
		progress := (i + 1) * 100 / (len(sequence) + 1)
		s.broadcast(ctx, flowboard.EventStageTransition, flowboard.StageTransitionEvent{
			CorrelationID: correlationID,
			FromStage:     previous,
			ToStage:       stage,
			Timestamp:     time.Now().UTC().Format(time.RFC3339),
		})
		s.setStage(correlationID, stage, progress)
		s.broadcast(ctx, flowboard.EventStatusUpdate, flowboard.StatusUpdateEvent{
			CorrelationID:   correlationID,
			Status:          "running",
			Message:         "working on " + stage,
			ProgressPercent: progress,
			CurrentStep:     "Stage: " + stage,
			WorkflowName:    workflowName,
			Timestamp:       time.Now().UTC().Format(time.RFC3339),
		})
		previous = stage
		time.Sleep(s.cfg.tick)
	}
	s.broadcast(ctx, flowboard.EventStageTransition, flowboard.StageTransitionEvent{
		CorrelationID: correlationID,
		FromStage:     previous,
		ToStage:       flowboard.StageCompleted,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	})
	s.setStage(correlationID, flowboard.StageCompleted, 100)
	s.broadcast(ctx, flowboard.EventStatusUpdate, flowboard.StatusUpdateEvent{
		CorrelationID:   correlationID,
		Status:          "completed",
		Message:         "workflow finished",
		ProgressPercent: 100,
		WorkflowName:    workflowName,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *simServer) setStage(correlationID, stage string, progress int) {
	s.mu.Lock()
	if wf, ok := s.workflows[correlationID]; ok {
		wf.record.CurrentStage = stage
		wf.record.Progress = progress
	}
	s.mu.Unlock()
}

func (s *simServer) broadcast(ctx context.Context, eventType flowboard.EventType, payload any) {
	data, err := encodeFrame(eventType, payload)
	if err != nil {
		log.Printf("encode %s frame: %v", eventType, err)
		return
	}
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		s.deliver(ctx, sub, data)
	}
}

func (s *simServer) sendTo(ctx context.Context, sub *subscriber, eventType flowboard.EventType, payload any) {
	data, err := encodeFrame(eventType, payload)
	if err != nil {
		log.Printf("encode %s frame: %v", eventType, err)
		return
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if err := sub.conn.Write(ctx, websocket.MessageText, data); err != nil {
		log.Printf("send failed: %v", err)
	}
}

// deliver writes one frame, applying the configured fault injection: a
// duplicated frame is written twice, a swapped frame is held back and
// written after the next one.
func (s *simServer) deliver(ctx context.Context, sub *subscriber, data []byte) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	writes := [][]byte{data}
	s.mu.Lock()
	duplicate := s.rng.Intn(100) < s.cfg.duplicatePercent
	swap := s.rng.Intn(100) < s.cfg.swapPercent
	s.mu.Unlock()

	if duplicate {
		writes = append(writes, data)
	}
	if swap && sub.held == nil {
		sub.held = data
		return
	}
	if sub.held != nil {
		writes = append(writes, sub.held)
		sub.held = nil
	}
	for _, frame := range writes {
		if err := sub.conn.Write(ctx, websocket.MessageText, frame); err != nil {
			log.Printf("send failed: %v", err)
			return
		}
	}
}

// encodeFrame marshals payload and stamps the type discriminator into the
// resulting object.
func encodeFrame(eventType flowboard.EventType, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var object map[string]any
	if err := json.Unmarshal(data, &object); err != nil {
		return nil, err
	}
	object["type"] = string(eventType)
	return json.Marshal(object)
}

func newCorrelationID() string {
	return "adw-" + uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
