package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/xraph/herald"
	"github.com/xraph/herald/api"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/internal/entity"
	"github.com/xraph/herald/store/memory"
	"github.com/xraph/herald/task"
)

// testServer creates a Handler over an unstarted engine backed by a memory
// store.
func testServer(t *testing.T) (*httptest.Server, *herald.Herald) {
	t.Helper()

	h, err := herald.New(herald.WithStore(memory.New()))
	if err != nil {
		t.Fatalf("herald.New: %v", err)
	}
	srv := httptest.NewServer(api.NewHandler(h, nil))
	t.Cleanup(srv.Close)
	return srv, h
}

func doJSON(t *testing.T, method, url string, body any, headers ...string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, url, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("%s %s: expected %d, got %d: %s",
			resp.Request.Method, resp.Request.URL.Path, want, resp.StatusCode, b)
	}
}

// --- Subscriptions ---

func TestSubscriptions_CRUD(t *testing.T) {
	srv, _ := testServer(t)

	resp := doJSON(t, "POST", srv.URL+"/subscriptions", map[string]any{
		"kind":     "webhook",
		"filter":   []string{"opportunity.*"},
		"endpoint": "https://hooks.example.com/crm",
	})
	expectStatus(t, resp, http.StatusCreated)
	var created map[string]any
	decodeBody(t, resp, &created)
	subID, _ := created["id"].(string)
	if subID == "" {
		t.Fatal("expected subscription id")
	}
	if secret, _ := created["secret"].(string); secret == "" {
		t.Error("expected generated secret on create")
	}

	resp = doJSON(t, "GET", srv.URL+"/subscriptions/"+subID, nil)
	expectStatus(t, resp, http.StatusOK)
	var got map[string]any
	decodeBody(t, resp, &got)
	if _, ok := got["secret"]; ok {
		t.Error("secret must not be returned after creation")
	}
	if got["active"] != true {
		t.Errorf("expected active subscription, got %v", got["active"])
	}

	resp = doJSON(t, "PUT", srv.URL+"/subscriptions/"+subID, map[string]any{
		"description": "pipeline sync",
	})
	expectStatus(t, resp, http.StatusOK)
	decodeBody(t, resp, &got)
	if got["description"] != "pipeline sync" {
		t.Errorf("description = %v", got["description"])
	}
	if got["endpoint"] != "https://hooks.example.com/crm" {
		t.Errorf("endpoint changed by partial update: %v", got["endpoint"])
	}

	resp = doJSON(t, "POST", srv.URL+"/subscriptions/"+subID+"/deactivate", nil)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = doJSON(t, "GET", srv.URL+"/subscriptions?active=false", nil)
	expectStatus(t, resp, http.StatusOK)
	var list []map[string]any
	decodeBody(t, resp, &list)
	if len(list) != 1 {
		t.Fatalf("expected 1 inactive subscription, got %d", len(list))
	}

	resp = doJSON(t, "DELETE", srv.URL+"/subscriptions/"+subID, nil)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = doJSON(t, "GET", srv.URL+"/subscriptions/"+subID, nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestSubscriptions_Validation(t *testing.T) {
	srv, _ := testServer(t)

	resp := doJSON(t, "POST", srv.URL+"/subscriptions", map[string]any{
		"kind":     "webhook",
		"filter":   []string{"contact.created"},
		"endpoint": "not a url",
	})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = doJSON(t, "GET", srv.URL+"/subscriptions/garbage", nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestSubscriptions_TenantScoped(t *testing.T) {
	srv, _ := testServer(t)

	for _, tenant := range []string{"acme", "globex"} {
		resp := doJSON(t, "POST", srv.URL+"/subscriptions", map[string]any{
			"kind":     "webhook",
			"filter":   []string{"*"},
			"endpoint": "https://hooks.example.com/" + tenant,
		}, api.TenantHeader, tenant)
		expectStatus(t, resp, http.StatusCreated)
		resp.Body.Close()
	}

	resp := doJSON(t, "GET", srv.URL+"/subscriptions", nil, api.TenantHeader, "acme")
	expectStatus(t, resp, http.StatusOK)
	var list []map[string]any
	decodeBody(t, resp, &list)
	if len(list) != 1 || list[0]["tenant_id"] != "acme" {
		t.Fatalf("expected only acme subscription, got %v", list)
	}
}

// --- Events ---

func TestEvents_EmitAndRead(t *testing.T) {
	srv, _ := testServer(t)

	var seqs []float64
	for _, typ := range []string{"contact.created", "lead.converted"} {
		resp := doJSON(t, "POST", srv.URL+"/events", map[string]any{
			"event_type":       typ,
			"payload":          map[string]any{"id": "c_1"},
			"source_entity_id": "c_1",
		}, api.TenantHeader, "acme")
		expectStatus(t, resp, http.StatusCreated)
		var out map[string]float64
		decodeBody(t, resp, &out)
		seqs = append(seqs, out["sequence"])
	}
	if seqs[0] != 1 || seqs[1] != 2 {
		t.Fatalf("expected sequences 1,2 got %v", seqs)
	}

	resp := doJSON(t, "GET", srv.URL+"/events?after=1", nil)
	expectStatus(t, resp, http.StatusOK)
	var events []map[string]any
	decodeBody(t, resp, &events)
	if len(events) != 1 || events[0]["event_type"] != "lead.converted" {
		t.Fatalf("expected lead.converted after 1, got %v", events)
	}

	resp = doJSON(t, "GET", srv.URL+"/events", nil, api.TenantHeader, "globex")
	expectStatus(t, resp, http.StatusOK)
	decodeBody(t, resp, &events)
	if len(events) != 0 {
		t.Fatalf("expected no globex events, got %d", len(events))
	}

	resp = doJSON(t, "GET", srv.URL+"/events/2", nil)
	expectStatus(t, resp, http.StatusOK)
	var evt map[string]any
	decodeBody(t, resp, &evt)
	if evt["tenant_id"] != "acme" {
		t.Errorf("tenant_id = %v", evt["tenant_id"])
	}

	resp = doJSON(t, "GET", srv.URL+"/events/99", nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = doJSON(t, "GET", srv.URL+"/events/zero", nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestEvents_EmitRequiresType(t *testing.T) {
	srv, _ := testServer(t)

	resp := doJSON(t, "POST", srv.URL+"/events", map[string]any{
		"payload": map[string]any{},
	})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

// --- Event Types ---

func TestEventTypes_CRUD(t *testing.T) {
	srv, _ := testServer(t)

	resp := doJSON(t, "POST", srv.URL+"/event-types", map[string]any{
		"name":        "opportunity.stage_changed",
		"description": "An opportunity moved to another pipeline stage",
		"group":       "opportunity",
		"schema": map[string]any{
			"type":     "object",
			"required": []string{"stage"},
		},
	})
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = doJSON(t, "GET", srv.URL+"/event-types/opportunity.stage_changed", nil)
	expectStatus(t, resp, http.StatusOK)
	var et map[string]any
	decodeBody(t, resp, &et)
	def, _ := et["definition"].(map[string]any)
	if def["group"] != "opportunity" {
		t.Errorf("group = %v", def["group"])
	}

	// Payload missing the required field.
	resp = doJSON(t, "POST", srv.URL+"/events", map[string]any{
		"event_type": "opportunity.stage_changed",
		"payload":    map[string]any{"amount": 10},
	})
	expectStatus(t, resp, http.StatusUnprocessableEntity)
	resp.Body.Close()

	resp = doJSON(t, "DELETE", srv.URL+"/event-types/opportunity.stage_changed", nil)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = doJSON(t, "GET", srv.URL+"/event-types", nil)
	expectStatus(t, resp, http.StatusOK)
	var list []map[string]any
	decodeBody(t, resp, &list)
	if len(list) != 0 {
		t.Fatalf("deprecated type listed by default: %v", list)
	}

	resp = doJSON(t, "GET", srv.URL+"/event-types?include_deprecated=true", nil)
	expectStatus(t, resp, http.StatusOK)
	decodeBody(t, resp, &list)
	if len(list) != 1 || list[0]["deprecated"] != true {
		t.Fatalf("expected one deprecated type, got %v", list)
	}

	resp = doJSON(t, "POST", srv.URL+"/events", map[string]any{
		"event_type": "opportunity.stage_changed",
		"payload":    map[string]any{"stage": "won"},
	})
	expectStatus(t, resp, http.StatusUnprocessableEntity)
	resp.Body.Close()

	resp = doJSON(t, "DELETE", srv.URL+"/event-types/missing.type", nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

// --- Tasks and dead letters ---

func seedTask(t *testing.T, h *herald.Herald, state task.State) *task.Task {
	t.Helper()
	ctx := context.Background()

	seq, err := h.Emit(ctx, "deal.lost", json.RawMessage(`{}`), "")
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	now := time.Now().UTC()
	tk := &task.Task{
		Entity:         entity.New(),
		ID:             id.NewTaskID(),
		EventSequence:  seq,
		SubscriptionID: id.NewSubscriptionID(),
		State:          state,
		AttemptCount:   10,
		MaxAttempts:    10,
		NextAttemptAt:  now,
		LastError:      "connection refused",
	}
	if state.Terminal() {
		tk.CompletedAt = &now
	}
	if _, err := h.Store().CreateTasks(ctx, []*task.Task{tk}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return tk
}

func TestDeadLetters_Redrive(t *testing.T) {
	srv, h := testServer(t)
	dead := seedTask(t, h, task.StateDeadLettered)
	pending := seedTask(t, h, task.StatePending)

	resp := doJSON(t, "GET", srv.URL+"/dead-letters", nil)
	expectStatus(t, resp, http.StatusOK)
	var entries []map[string]any
	decodeBody(t, resp, &entries)
	if len(entries) != 1 || entries[0]["task_id"] != dead.ID.String() {
		t.Fatalf("expected one dead letter, got %v", entries)
	}

	resp = doJSON(t, "POST", srv.URL+"/tasks/"+pending.ID.String()+"/redrive", nil)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = doJSON(t, "POST", srv.URL+"/tasks/"+dead.ID.String()+"/redrive", nil)
	expectStatus(t, resp, http.StatusOK)
	var redriven map[string]any
	decodeBody(t, resp, &redriven)
	if redriven["state"] != string(task.StatePending) {
		t.Errorf("state = %v", redriven["state"])
	}
	if n, _ := redriven["attempt_count"].(float64); n != 5 {
		t.Errorf("attempt_count = %v, want redrive floor 5", redriven["attempt_count"])
	}

	resp = doJSON(t, "GET", srv.URL+"/dead-letters", nil)
	expectStatus(t, resp, http.StatusOK)
	decodeBody(t, resp, &entries)
	if len(entries) != 0 {
		t.Fatalf("expected empty dead-letter queue, got %v", entries)
	}
}

func TestTasks_GetAndAudit(t *testing.T) {
	srv, h := testServer(t)
	tk := seedTask(t, h, task.StatePending)

	resp := doJSON(t, "GET", srv.URL+"/tasks/"+tk.ID.String(), nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = doJSON(t, "GET", srv.URL+"/tasks/"+tk.ID.String()+"/audit", nil)
	expectStatus(t, resp, http.StatusOK)
	var recs []map[string]any
	decodeBody(t, resp, &recs)
	if len(recs) != 0 {
		t.Fatalf("expected no attempts yet, got %d", len(recs))
	}

	resp = doJSON(t, "GET", srv.URL+"/tasks/"+id.NewTaskID().String()+"/audit", nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = doJSON(t, "GET", srv.URL+"/events/"+itoa(tk.EventSequence)+"/tasks", nil)
	expectStatus(t, resp, http.StatusOK)
	var tasks []map[string]any
	decodeBody(t, resp, &tasks)
	if len(tasks) != 1 || tasks[0]["id"] != tk.ID.String() {
		t.Fatalf("expected the seeded task, got %v", tasks)
	}
}

// --- Stats ---

func TestStats(t *testing.T) {
	srv, h := testServer(t)
	seedTask(t, h, task.StateDeadLettered)
	seedTask(t, h, task.StateSucceeded)

	resp := doJSON(t, "GET", srv.URL+"/stats", nil)
	expectStatus(t, resp, http.StatusOK)
	var stats api.Stats
	decodeBody(t, resp, &stats)
	if stats.LastSequence != 2 {
		t.Errorf("last_sequence = %d", stats.LastSequence)
	}
	if stats.DispatchLag != 2 {
		t.Errorf("dispatch_lag = %d, want 2 with an unstarted dispatcher", stats.DispatchLag)
	}
	if stats.Tasks == nil || stats.Tasks.DeadLettered != 1 || stats.Tasks.Succeeded != 1 {
		t.Fatalf("unexpected task stats: %+v", stats.Tasks)
	}
	if stats.Tasks.SuccessRate != 0.5 {
		t.Errorf("success_rate = %v", stats.Tasks.SuccessRate)
	}
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
