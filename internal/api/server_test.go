package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"Model-Council/internal/auth"
	"Model-Council/internal/llm"
	"Model-Council/internal/orchestrator"
	"Model-Council/internal/prompt"
	"Model-Council/internal/task"
)

type stubClient struct {
	generate func(req llm.GenerateRequest) (*llm.GenerateResult, error)
	models   []llm.ModelInfo
	listErr  error
}

func (s *stubClient) Generate(_ context.Context, req llm.GenerateRequest) (*llm.GenerateResult, error) {
	if s.generate != nil {
		return s.generate(req)
	}
	return &llm.GenerateResult{Model: req.Model, Response: "answer from " + req.Model, Done: true}, nil
}

func (s *stubClient) ListModels(context.Context) ([]llm.ModelInfo, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.models, nil
}

func newTestOrchestrator(client llm.Client, defaults ...string) *orchestrator.Orchestrator {
	return orchestrator.New(client, prompt.NewLibrary(nil, ""), defaults)
}

func TestHandleQueries(t *testing.T) {
	server := NewServer(":0", newTestOrchestrator(&stubClient{}))

	body := `{"question": "which database?", "models": ["m1", "m2"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/queries", strings.NewReader(body))
	rec := httptest.NewRecorder()

	server.handleQueries(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d want %d, body %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var got queryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got.Results) != 2 || got.Results[0].Model != "m1" || got.Results[1].Model != "m2" {
		t.Fatalf("unexpected results: %+v", got.Results)
	}
	if !strings.Contains(got.Report, "## M1") || !strings.Contains(got.Report, "## M2") {
		t.Fatalf("report missing sections:\n%s", got.Report)
	}
}

func TestHandleQueriesValidation(t *testing.T) {
	server := NewServer(":0", newTestOrchestrator(&stubClient{}, "m1"))

	t.Run("invalid method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/queries", nil)
		rec := httptest.NewRecorder()
		server.handleQueries(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/queries", strings.NewReader("{"))
		rec := httptest.NewRecorder()
		server.handleQueries(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("blank question", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/queries", strings.NewReader(`{"question": "  "}`))
		rec := httptest.NewRecorder()
		server.handleQueries(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected %d, got %d", http.StatusBadRequest, rec.Code)
		}
		var body errorBody
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode error body: %v", err)
		}
		if body.Code != "INVALID_ARGUMENT" {
			t.Fatalf("unexpected error code: %s", body.Code)
		}
	})
}

func TestHandleModels(t *testing.T) {
	client := &stubClient{
		models: []llm.ModelInfo{
			{Name: "m1", SizeBytes: 1073741824, ParameterSize: "7B", QuantizationLevel: "Q4"},
		},
	}
	server := NewServer(":0", newTestOrchestrator(client, "m1"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/models", nil)
	rec := httptest.NewRecorder()
	server.handleModels(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var got struct {
		Models  []orchestrator.CatalogEntry `json:"models"`
		Listing string                      `json:"listing"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got.Models) != 1 || !got.Models[0].Default {
		t.Fatalf("unexpected models: %+v", got.Models)
	}
	if !strings.Contains(got.Listing, "1.00 GB") {
		t.Fatalf("listing missing size:\n%s", got.Listing)
	}
}

func TestHandleTaskDetail(t *testing.T) {
	store := task.NewMemoryStore()
	svc := task.NewService(store, task.NewMemoryQueue(4), 3)
	server := NewServer(":0", newTestOrchestrator(&stubClient{}), WithTaskService(svc))

	sample := &task.Task{
		ID:         "task-success",
		Question:   "demo",
		Status:     task.StatusSucceeded,
		Attempts:   1,
		MaxRetries: 3,
		Result: &task.ExecutionResult{
			Report: "# Model Responses",
		},
	}
	if err := store.Create(context.Background(), sample); err != nil {
		t.Fatalf("create sample task: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/task-success", nil)
	rec := httptest.NewRecorder()
	server.handleTaskDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	var got task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != sample.ID || got.Result == nil || got.Result.Report == "" {
		t.Fatalf("unexpected task: %+v", got)
	}

	t.Run("not found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/absent", nil)
		rec := httptest.NewRecorder()
		server.handleTaskDetail(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected %d, got %d", http.StatusNotFound, rec.Code)
		}
	})

	t.Run("missing id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/", nil)
		rec := httptest.NewRecorder()
		server.handleTaskDetail(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})
}

func TestHandleCreateTask(t *testing.T) {
	store := task.NewMemoryStore()
	svc := task.NewService(store, task.NewMemoryQueue(4), 3)
	server := NewServer(":0", newTestOrchestrator(&stubClient{}), WithTaskService(svc))

	body := `{"question": "queue me", "models": ["m1"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.handleTasks(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: got %d, body %s", rec.Code, rec.Body.String())
	}
	var created task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.ID == "" || created.Status != task.StatusPending {
		t.Fatalf("unexpected created task: %+v", created)
	}
}

func TestHandlerRequiresAuth(t *testing.T) {
	server := NewServer(":0", newTestOrchestrator(&stubClient{}, "m1"),
		WithAuth(auth.NewService([]string{"secret"})))
	handler := server.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/models", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}

	// 健康检查不需要认证。
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for healthz, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/models", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", rec.Code)
	}
}
