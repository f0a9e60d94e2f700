package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/flowboard/internal/flowboard"
)

func newTestClient(serverURL string) *HTTPClient {
	client := NewHTTPClient(serverURL, "secret-token", nil)
	client.baseDelay = time.Millisecond
	client.maxDelay = 5 * time.Millisecond
	return client
}

func TestGetWorkflow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/workflows/adw-1" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret-token" {
			t.Errorf("missing bearer token, got %q", got)
		}
		_ = json.NewEncoder(w).Encode(flowboard.WorkflowRecord{
			CorrelationID: "adw-1",
			CurrentStage:  "build",
		})
	}))
	defer server.Close()

	record, err := newTestClient(server.URL).GetWorkflow(context.Background(), "adw-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if record.CorrelationID != "adw-1" || record.CurrentStage != "build" {
		t.Fatalf("unexpected record: %+v", record)
	}
}

func TestListWorkflowsUnwrapsItems(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"items":[{"correlation_id":"adw-1","current_stage":"plan"},{"correlation_id":"adw-2","current_stage":"test"}]}`))
	}))
	defer server.Close()

	records, err := newTestClient(server.URL).ListWorkflows(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 2 || records[1].CurrentStage != "test" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestRetriesTransientServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(flowboard.WorkflowRecord{CorrelationID: "adw-1"})
	}))
	defer server.Close()

	if _, err := newTestClient(server.URL).GetWorkflow(context.Background(), "adw-1"); err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"not_found","message":"no such workflow"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).GetWorkflow(context.Background(), "adw-ghost")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusNotFound || httpErr.Code != "not_found" {
		t.Fatalf("unexpected error detail: %+v", httpErr)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("client errors must not retry, got %d attempts", got)
	}
}

func TestRetryAfterHeaderHonored(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(flowboard.WorkflowRecord{CorrelationID: "adw-1"})
	}))
	defer server.Close()

	if _, err := newTestClient(server.URL).GetWorkflow(context.Background(), "adw-1"); err != nil {
		t.Fatalf("expected success after 429, got %v", err)
	}
}

func TestUpdateWorkflowSendsPatchBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("expected PATCH, got %s", r.Method)
		}
		var fields map[string]any
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			t.Errorf("body decode failed: %v", err)
		}
		if fields["priority"] != "high" {
			t.Errorf("field missing: %v", fields)
		}
		_ = json.NewEncoder(w).Encode(flowboard.WorkflowRecord{CorrelationID: "adw-1"})
	}))
	defer server.Close()

	if _, err := newTestClient(server.URL).UpdateWorkflow(context.Background(), "adw-1", map[string]any{"priority": "high"}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
}

func TestDeleteWorkflowAcceptsNoContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("expected DELETE, got %s", r.Method)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	if err := newTestClient(server.URL).DeleteWorkflow(context.Background(), "adw-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
}

func TestRetryDelayProgression(t *testing.T) {
	client := &HTTPClient{baseDelay: 100 * time.Millisecond, maxDelay: 2 * time.Second}
	if got := client.retryDelay(1, ""); got != 100*time.Millisecond {
		t.Fatalf("first retry delay = %s", got)
	}
	if got := client.retryDelay(2, ""); got != 200*time.Millisecond {
		t.Fatalf("second retry delay = %s", got)
	}
	if got := client.retryDelay(10, ""); got != 2*time.Second {
		t.Fatalf("delay should cap at the max, got %s", got)
	}
	if got := client.retryDelay(1, "1"); got != time.Second {
		t.Fatalf("Retry-After seconds should win, got %s", got)
	}
	if got := client.retryDelay(1, "3600"); got != 2*time.Second {
		t.Fatalf("Retry-After should still cap at the max, got %s", got)
	}
}
