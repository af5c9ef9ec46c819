package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/fentz26/quizpilot/internal/audit"
	"github.com/fentz26/quizpilot/internal/events"
	"github.com/fentz26/quizpilot/internal/models"
	"github.com/fentz26/quizpilot/internal/scheduler"
	"github.com/fentz26/quizpilot/internal/store"
)

const testSecret = "peacock"

// fakeQueue records jobs instead of running them.
type fakeQueue struct {
	mu   sync.Mutex
	jobs []scheduler.Job
	err  error
}

func (q *fakeQueue) Submit(job scheduler.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type testEnv struct {
	server  *Server
	service *Service
	store   *store.Store
	queue   *fakeQueue
	events  *events.Memory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	pub := &events.Memory{}
	service := NewService(st, audit.NewWriter(st), pub, testSecret, nil)
	queue := &fakeQueue{}
	service.AttachQueue(queue)

	stats := func() map[string]interface{} {
		return map[string]interface{}{"active_workers": 0, "global_max": 4}
	}
	return &testEnv{
		server:  NewServer(service, stats, "127.0.0.1:0", nil),
		service: service,
		store:   st,
		queue:   queue,
		events:  pub,
	}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint_OK(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.server.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !health.OK {
		t.Error("Expected health.OK to be true")
	}
	if health.DB != "ok" {
		t.Errorf("Expected DB status 'ok', got '%s'", health.DB)
	}
	if health.Version == "" {
		t.Error("Expected version to be set")
	}
	if health.Time == "" {
		t.Error("Expected time to be set")
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/health", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestHealthEndpoint_DBError(t *testing.T) {
	env := newTestEnv(t)
	// Close the store to simulate DB error
	env.store.Close()

	w := env.do(http.MethodGet, "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}

	var health HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if health.OK {
		t.Error("Expected health.OK to be false when DB is down")
	}
	if health.DB == "ok" {
		t.Error("Expected DB status to indicate error")
	}
}

func TestReceiveRequest(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantMsg    string
		wantQueued int
	}{
		{
			name:       "accepted",
			body:       `{"email":"a@example.org","secret":"peacock","url":"https://quiz.example.net/start"}`,
			wantStatus: http.StatusOK,
			wantMsg:    "Request received successfully",
			wantQueued: 1,
		},
		{
			name:       "wrong secret",
			body:       `{"email":"a@example.org","secret":"nope","url":"https://quiz.example.net/start"}`,
			wantStatus: http.StatusForbidden,
			wantMsg:    "Forbidden",
		},
		{
			name:       "missing secret",
			body:       `{"email":"a@example.org","url":"https://quiz.example.net/start"}`,
			wantStatus: http.StatusForbidden,
			wantMsg:    "Forbidden",
		},
		{
			name:       "malformed json",
			body:       `{"email":`,
			wantStatus: http.StatusBadRequest,
			wantMsg:    "invalid json",
		},
		{
			name:       "missing url",
			body:       `{"email":"a@example.org","secret":"peacock"}`,
			wantStatus: http.StatusBadRequest,
			wantMsg:    "invalid task: url is required",
		},
		{
			name:       "relative url",
			body:       `{"email":"a@example.org","secret":"peacock","url":"/quiz"}`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			w := env.do(http.MethodPost, "/receive_request", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}

			var body map[string]string
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if tt.wantMsg != "" && body["message"] != tt.wantMsg {
				t.Errorf("Expected message %q, got %q", tt.wantMsg, body["message"])
			}
			if len(env.queue.jobs) != tt.wantQueued {
				t.Errorf("Expected %d queued jobs, got %d", tt.wantQueued, len(env.queue.jobs))
			}

			if tt.wantStatus == http.StatusOK {
				if body["email"] != "a@example.org" || body["chain_id"] == "" {
					t.Errorf("Unexpected acknowledgement: %v", body)
				}
				job := env.queue.jobs[0]
				if job.ChainID != body["chain_id"] || job.Task.Secret != testSecret {
					t.Errorf("Queued job does not match request: %+v", job)
				}
				chain, err := env.store.GetChain(context.Background(), body["chain_id"])
				if err != nil || chain == nil || chain.State != models.StatePending {
					t.Errorf("Expected pending chain in store, got %+v (%v)", chain, err)
				}
			}
		})
	}
}

func TestReceiveRequest_QueueFull(t *testing.T) {
	env := newTestEnv(t)
	env.queue.err = scheduler.ErrQueueFull

	w := env.do(http.MethodPost, "/receive_request", `{"email":"a@example.org","secret":"peacock","url":"https://q.example/1"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected status 503, got %d", w.Code)
	}

	chains, _ := env.store.ListChains(context.Background(), store.ChainFilter{})
	if len(chains) != 1 || chains[0].State != models.StateFailed {
		t.Fatalf("Expected one failed chain, got %+v", chains)
	}
	if chains[0].Failure != models.FailureRejected {
		t.Errorf("Expected failure %q, got %q", models.FailureRejected, chains[0].Failure)
	}
}

func TestReceiveRequest_NoSecretConfigured(t *testing.T) {
	env := newTestEnv(t)
	env.service.secret = ""

	w := env.do(http.MethodPost, "/receive_request", `{"email":"a@example.org","secret":"","url":"https://q.example/1"}`)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", w.Code)
	}
}

func TestChainEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	chain, err := env.service.Submit(ctx, models.Task{Email: "a@example.org", Secret: testSecret, URL: "https://q.example/1"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := env.service.Submit(ctx, models.Task{Email: "b@example.org", URL: "https://q.example/2"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	attempt := &models.Attempt{ID: "att-1", ChainID: chain.ID, Seq: 1, URL: chain.URL, State: models.StateExecuted,
		Outcome: &models.Outcome{Kind: models.OutcomeSuccess}}
	if err := env.service.RecordAttempt(ctx, attempt); err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}
	chain.State = models.StateDone
	chain.Attempts = 1
	if err := env.service.FinishChain(ctx, chain); err != nil {
		t.Fatalf("FinishChain failed: %v", err)
	}

	// list by email
	w := env.do(http.MethodGet, "/chains?email=a@example.org", "")
	var chains []models.Chain
	if err := json.NewDecoder(w.Body).Decode(&chains); err != nil {
		t.Fatalf("Failed to decode chains: %v", err)
	}
	if len(chains) != 1 || chains[0].State != models.StateDone {
		t.Errorf("Unexpected chains for email: %+v", chains)
	}

	// list by state
	w = env.do(http.MethodGet, "/chains?state=pending", "")
	chains = nil
	_ = json.NewDecoder(w.Body).Decode(&chains)
	if len(chains) != 1 || chains[0].Email != "b@example.org" {
		t.Errorf("Unexpected pending chains: %+v", chains)
	}

	// bad limit
	if w := env.do(http.MethodGet, "/chains?limit=x", ""); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad limit, got %d", w.Code)
	}

	// detail with history
	w = env.do(http.MethodGet, "/chains/"+chain.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var got models.Chain
	_ = json.NewDecoder(w.Body).Decode(&got)
	if len(got.History) != 1 || got.History[0].Outcome == nil {
		t.Errorf("Expected one attempt with outcome, got %+v", got.History)
	}

	// audit trail
	w = env.do(http.MethodGet, "/chains/"+chain.ID+"/audit", "")
	var entries []models.AuditEntry
	_ = json.NewDecoder(w.Body).Decode(&entries)
	if len(entries) != 2 {
		t.Errorf("Expected submit and finish audit entries, got %d", len(entries))
	}
	for _, e := range entries {
		if strings.Contains(e.Details, testSecret) {
			t.Errorf("Secret leaked into audit details: %+v", e)
		}
	}

	// missing chain
	if w := env.do(http.MethodGet, "/chains/does-not-exist", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
	if w := env.do(http.MethodGet, "/chains/does-not-exist/audit", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}

	// terminal event published
	evts := env.events.Events()
	if len(evts) != 1 || evts[0].ChainID != chain.ID || evts[0].State != models.StateDone {
		t.Errorf("Unexpected events: %+v", evts)
	}
}

func TestWorkersEndpoint(t *testing.T) {
	env := newTestEnv(t)
	_, _ = env.service.Submit(context.Background(), models.Task{Email: "a@example.org", URL: "https://q.example/1"})

	w := env.do(http.MethodGet, "/workers", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var stats map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	if stats["global_max"].(float64) != 4 {
		t.Errorf("Unexpected global_max: %v", stats["global_max"])
	}
	counts := stats["chains"].(map[string]interface{})
	if counts["pending"].(float64) != 1 {
		t.Errorf("Unexpected chain counts: %v", counts)
	}
}

func TestRouting_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(http.MethodGet, "/receive_request", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", w.Code)
	}
}
