package server_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/user/refsync/internal/action"
	"github.com/user/refsync/internal/connectivity"
	"github.com/user/refsync/internal/engine"
	"github.com/user/refsync/internal/queue"
	"github.com/user/refsync/internal/server"
	"github.com/user/refsync/internal/storage"
)

type noopClient struct{}

func (noopClient) UpdateCompensation(ctx context.Context, actionID, compensationID string, data action.CompensationData) error {
	return nil
}
func (noopClient) ResolveCompensationID(ctx context.Context, assignmentID string) (string, error) {
	return "", nil
}
func (noopClient) BatchUpdateCompensations(ctx context.Context, actionID string, compensationIDs []string, data action.CompensationData) error {
	return nil
}
func (noopClient) ApplyForExchange(ctx context.Context, actionID, exchangeID string) error {
	return nil
}
func (noopClient) AddAssignmentToExchange(ctx context.Context, actionID, assignmentID string) error {
	return nil
}
func (noopClient) RemoveOwnExchange(ctx context.Context, actionID, exchangeID string) error {
	return nil
}

// testServer builds a server whose engine is never run: actions stay where
// the handlers put them, which is what the handler tests need.
func testServer(t *testing.T) (*server.Server, *queue.Store, *connectivity.Monitor) {
	t.Helper()
	store := queue.Open(context.Background(), storage.NewMemory())
	monitor := connectivity.New("", time.Minute)
	eng := engine.New(store, noopClient{}, monitor, nil, engine.DefaultConfig())
	return server.New(store, eng, monitor, "127.0.0.1:0"), store, monitor
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var decoded map[string]any
	if w.Body.Len() > 0 {
		json.Unmarshal(w.Body.Bytes(), &decoded)
	}
	return w, decoded
}

func TestHealthz(t *testing.T) {
	srv, _, _ := testServer(t)
	w, body := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestEnqueueAndList(t *testing.T) {
	srv, store, _ := testServer(t)
	h := srv.Handler()

	w, body := doJSON(t, h, http.MethodPost, "/api/v1/actions",
		`{"kind":"apply_for_exchange","payload":{"exchangeId":"ex-1","gameNumber":"G-1"}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %v", w.Code, body)
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatal("no action id returned")
	}
	if body["status"] != action.StatusPending {
		t.Errorf("status = %v", body["status"])
	}
	if store.Snapshot().Get(id) == nil {
		t.Error("enqueued action not in store")
	}

	w, _ = doJSON(t, h, http.MethodGet, "/api/v1/queue", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var snap struct {
		Actions []struct {
			ID string `json:"id"`
		} `json:"actions"`
	}
	json.Unmarshal(w.Body.Bytes(), &snap)
	if len(snap.Actions) != 1 || snap.Actions[0].ID != id {
		t.Errorf("queue listing = %+v", snap)
	}
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	srv, _, _ := testServer(t)
	h := srv.Handler()

	cases := map[string]string{
		"bad_json":     `{not json`,
		"unknown_kind": `{"kind":"nope","payload":{}}`,
		"missing_id":   `{"kind":"remove_own_exchange","payload":{}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w, _ := doJSON(t, h, http.MethodPost, "/api/v1/actions", body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestQueueStats(t *testing.T) {
	srv, store, monitor := testServer(t)
	h := srv.Handler()
	ctx := context.Background()

	a, _ := action.NewUpdateCompensation("c1", action.CompensationData{}, "")
	b, _ := action.NewUpdateCompensation("c2", action.CompensationData{}, "")
	store.Enqueue(ctx, a)
	store.Enqueue(ctx, b)
	store.FailTerminal(ctx, b.ID, "boom", true)
	monitor.Force(true)

	w, body := doJSON(t, h, http.MethodGet, "/api/v1/queue/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["total"] != float64(2) || body["pending_count"] != float64(1) || body["failed_count"] != float64(1) {
		t.Errorf("stats = %v", body)
	}
	if body["online"] != true {
		t.Errorf("online = %v", body["online"])
	}
}

func TestQueuePending(t *testing.T) {
	srv, store, _ := testServer(t)
	h := srv.Handler()

	a, _ := action.NewApplyForExchange("ex-1", "")
	store.Enqueue(context.Background(), a)

	w, body := doJSON(t, h, http.MethodGet, "/api/v1/queue/pending?entity=exchange%2Fex-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["pending"] != true {
		t.Errorf("pending = %v", body["pending"])
	}

	w, body = doJSON(t, h, http.MethodGet, "/api/v1/queue/pending?entity=exchange%2Fother", "")
	if body["pending"] != false {
		t.Errorf("pending = %v for unrelated entity", body["pending"])
	}

	w, _ = doJSON(t, h, http.MethodGet, "/api/v1/queue/pending", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing entity param status = %d, want 400", w.Code)
	}
}

func TestRetryAndDiscard(t *testing.T) {
	srv, store, _ := testServer(t)
	h := srv.Handler()
	ctx := context.Background()

	a, _ := action.NewRemoveOwnExchange("ex-1")
	store.Enqueue(ctx, a)

	// Pending action: retry is invalid.
	w, _ := doJSON(t, h, http.MethodPost, "/api/v1/queue/"+a.ID+"/retry", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("retry pending status = %d, want 400", w.Code)
	}

	store.FailTerminal(ctx, a.ID, "boom", false)
	w, _ = doJSON(t, h, http.MethodPost, "/api/v1/queue/"+a.ID+"/retry", "")
	if w.Code != http.StatusOK {
		t.Errorf("retry failed-action status = %d, want 200", w.Code)
	}
	if got := store.Snapshot().Get(a.ID); got == nil || got.Status != action.StatusPending {
		t.Errorf("action not re-armed: %v", got)
	}

	w, _ = doJSON(t, h, http.MethodPost, "/api/v1/queue/act_unknown/retry", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("retry unknown status = %d, want 404", w.Code)
	}

	w, _ = doJSON(t, h, http.MethodDelete, "/api/v1/queue/"+a.ID, "")
	if w.Code != http.StatusOK {
		t.Errorf("discard status = %d", w.Code)
	}
	if store.Snapshot().Get(a.ID) != nil {
		t.Error("action still queued after discard")
	}
}

func TestRetryAllAndClear(t *testing.T) {
	srv, store, _ := testServer(t)
	h := srv.Handler()
	ctx := context.Background()

	a, _ := action.NewUpdateCompensation("c1", action.CompensationData{}, "")
	b, _ := action.NewUpdateCompensation("c2", action.CompensationData{}, "")
	store.Enqueue(ctx, a)
	store.Enqueue(ctx, b)
	store.FailTerminal(ctx, a.ID, "x", false)
	store.FailTerminal(ctx, b.ID, "y", false)

	w, body := doJSON(t, h, http.MethodPost, "/api/v1/queue/retry-all", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["retried"] != float64(2) {
		t.Errorf("retried = %v, want 2", body["retried"])
	}

	w, _ = doJSON(t, h, http.MethodPost, "/api/v1/queue/clear", "")
	if w.Code != http.StatusOK {
		t.Fatalf("clear status = %d", w.Code)
	}
	if got := len(store.Snapshot().Actions); got != 0 {
		t.Errorf("queue length after clear = %d", got)
	}
}

func TestConnectivityOverride(t *testing.T) {
	srv, _, monitor := testServer(t)
	h := srv.Handler()

	w, body := doJSON(t, h, http.MethodPost, "/api/v1/connectivity", `{"online":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["online"] != true || !monitor.Online() {
		t.Error("force online not applied")
	}

	w, body = doJSON(t, h, http.MethodPost, "/api/v1/connectivity", `{"online":false}`)
	if body["online"] != false || monitor.Online() {
		t.Error("force offline not applied")
	}

	// null clears the override; with no probe the monitor falls back offline.
	w, body = doJSON(t, h, http.MethodPost, "/api/v1/connectivity", `{"online":null}`)
	if w.Code != http.StatusOK {
		t.Fatalf("unforce status = %d", w.Code)
	}
	if body["online"] != false {
		t.Errorf("online after unforce = %v", body["online"])
	}
}

func TestSyncEndpoint(t *testing.T) {
	srv, _, _ := testServer(t)
	w, body := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/sync", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	if body["status"] != "sync requested" {
		t.Errorf("body = %v", body)
	}
}

func TestQueueWatchStreamsSnapshots(t *testing.T) {
	srv, store, _ := testServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/queue/watch", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("watch request: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readEvent := func() string {
		var data string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			if strings.HasPrefix(line, "data: ") {
				data = strings.TrimPrefix(line, "data: ")
			}
			if line == "" && data != "" {
				return data
			}
		}
	}

	// Initial snapshot arrives before any mutation.
	var snap struct {
		Actions []json.RawMessage `json:"actions"`
	}
	if err := json.Unmarshal([]byte(readEvent()), &snap); err != nil {
		t.Fatalf("decode initial snapshot: %v", err)
	}
	if len(snap.Actions) != 0 {
		t.Errorf("initial snapshot has %d actions", len(snap.Actions))
	}

	a, _ := action.NewApplyForExchange("ex-1", "")
	store.Enqueue(context.Background(), a)

	if err := json.Unmarshal([]byte(readEvent()), &snap); err != nil {
		t.Fatalf("decode update snapshot: %v", err)
	}
	if len(snap.Actions) != 1 {
		t.Errorf("update snapshot has %d actions, want 1", len(snap.Actions))
	}
}
