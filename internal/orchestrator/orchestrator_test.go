package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	xerrors "Model-Council/internal/errors"
	"Model-Council/internal/llm"
	"Model-Council/internal/prompt"
)

// stubClient 以可编程的方式伪造推理后端。
type stubClient struct {
	mu       sync.Mutex
	calls    int
	generate func(req llm.GenerateRequest) (*llm.GenerateResult, error)
	models   []llm.ModelInfo
	listErr  error
}

func (s *stubClient) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.generate != nil {
		return s.generate(req)
	}
	return &llm.GenerateResult{Model: req.Model, Response: "answer from " + req.Model, Done: true}, nil
}

func (s *stubClient) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.models, nil
}

func (s *stubClient) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestLibrary(t *testing.T, defaults map[string]string) *prompt.Library {
	t.Helper()
	return prompt.NewLibrary(defaults, "")
}

func TestQueryPreservesOrder(t *testing.T) {
	// 故意让先发出的请求最后返回,验证结果顺序只取决于请求顺序。
	client := &stubClient{
		generate: func(req llm.GenerateRequest) (*llm.GenerateResult, error) {
			switch req.Model {
			case "alpha":
				time.Sleep(60 * time.Millisecond)
			case "beta":
				time.Sleep(30 * time.Millisecond)
			}
			return &llm.GenerateResult{Model: req.Model, Response: "reply:" + req.Model, Done: true}, nil
		},
	}
	orch := New(client, newTestLibrary(t, nil), nil)

	batch, err := orch.Query(context.Background(), QueryRequest{
		Question: "what is consensus?",
		Models:   []string{"alpha", "beta", "gamma"},
	})
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	want := []string{"alpha", "beta", "gamma"}
	if len(batch.Results) != len(want) {
		t.Fatalf("expected %d results, got %d", len(want), len(batch.Results))
	}
	for i, model := range want {
		if batch.Results[i].Model != model {
			t.Errorf("result %d: expected model %q, got %q", i, model, batch.Results[i].Model)
		}
		if batch.Results[i].Response != "reply:"+model {
			t.Errorf("result %d: unexpected response %q", i, batch.Results[i].Response)
		}
	}
	if client.callCount() != 3 {
		t.Errorf("expected 3 backend calls, got %d", client.callCount())
	}
}

func TestQueryIsolatesFailures(t *testing.T) {
	boom := errors.New("connection refused")
	client := &stubClient{
		generate: func(req llm.GenerateRequest) (*llm.GenerateResult, error) {
			if req.Model == "broken" {
				return nil, boom
			}
			return &llm.GenerateResult{Model: req.Model, Response: "ok", Done: true}, nil
		},
	}
	orch := New(client, newTestLibrary(t, nil), nil)

	batch, err := orch.Query(context.Background(), QueryRequest{
		Question: "anything",
		Models:   []string{"good", "broken", "fine"},
	})
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	if batch.Results[0].Failed() || batch.Results[2].Failed() {
		t.Error("healthy targets should not be marked failed")
	}
	if !batch.Results[1].Failed() {
		t.Fatal("broken target should be marked failed")
	}
	text := batch.Results[1].FailureText()
	if !strings.Contains(text, "broken") {
		t.Errorf("failure text should name the target, got %q", text)
	}
	if !strings.Contains(text, "connection refused") {
		t.Errorf("failure text should carry the cause, got %q", text)
	}
}

func TestQueryRejectsEmptyQuestion(t *testing.T) {
	client := &stubClient{}
	orch := New(client, newTestLibrary(t, nil), []string{"m1"})

	_, err := orch.Query(context.Background(), QueryRequest{Question: "   "})
	if err == nil {
		t.Fatal("expected error for blank question")
	}
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Errorf("expected CodeInvalidArgument, got %v", xerrors.CodeOf(err))
	}
	// 校验失败必须发生在任何网络请求之前。
	if client.callCount() != 0 {
		t.Errorf("expected no backend calls, got %d", client.callCount())
	}
}

func TestQueryRejectsEmptyTargetSet(t *testing.T) {
	orch := New(&stubClient{}, newTestLibrary(t, nil), nil)
	_, err := orch.Query(context.Background(), QueryRequest{Question: "hello"})
	if err == nil {
		t.Fatal("expected error when no targets are available")
	}
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Errorf("expected CodeInvalidArgument, got %v", xerrors.CodeOf(err))
	}
}

func TestQueryFallsBackToDefaultModels(t *testing.T) {
	client := &stubClient{}
	orch := New(client, newTestLibrary(t, nil), []string{"d1", "d2"})

	batch, err := orch.Query(context.Background(), QueryRequest{Question: "hi"})
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	if len(batch.Results) != 2 || batch.Results[0].Model != "d1" || batch.Results[1].Model != "d2" {
		t.Fatalf("expected default targets d1,d2, got %+v", batch.Results)
	}
}

func TestQueryPromptResolution(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]string{}
	client := &stubClient{
		generate: func(req llm.GenerateRequest) (*llm.GenerateResult, error) {
			mu.Lock()
			seen[req.Model] = req.System
			mu.Unlock()
			return &llm.GenerateResult{Model: req.Model, Response: "ok", Done: true}, nil
		},
	}
	library := prompt.NewLibrary(map[string]string{"configured": "configured role"}, "fallback role")
	orch := New(client, library, nil)

	_, err := orch.Query(context.Background(), QueryRequest{
		Question:     "q",
		Models:       []string{"pinned", "muted", "global", "configured"},
		SystemPrompt: "",
		ModelPrompts: map[string]string{
			"pinned": "pinned role",
			"muted":  "",
		},
	})
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	if seen["pinned"] != "pinned role" {
		t.Errorf("per-model override lost: %q", seen["pinned"])
	}
	// 逐模型覆盖即使为空串也按字面生效。
	if seen["muted"] != "" {
		t.Errorf("empty per-model override should pass through verbatim, got %q", seen["muted"])
	}
	if seen["configured"] != "configured role" {
		t.Errorf("configured default lost: %q", seen["configured"])
	}
	if seen["global"] != "fallback role" {
		t.Errorf("fallback lost: %q", seen["global"])
	}

	seen = map[string]string{}
	_, err = orch.Query(context.Background(), QueryRequest{
		Question:     "q",
		Models:       []string{"configured"},
		SystemPrompt: "batch-wide role",
	})
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	if seen["configured"] != "batch-wide role" {
		t.Errorf("batch-wide prompt should beat configured default, got %q", seen["configured"])
	}
}

func TestQueryHonorsConcurrencyLimit(t *testing.T) {
	var mu sync.Mutex
	inflight, peak := 0, 0
	client := &stubClient{
		generate: func(req llm.GenerateRequest) (*llm.GenerateResult, error) {
			mu.Lock()
			inflight++
			if inflight > peak {
				peak = inflight
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			inflight--
			mu.Unlock()
			return &llm.GenerateResult{Model: req.Model, Response: "ok", Done: true}, nil
		},
	}
	orch := New(client, newTestLibrary(t, nil), nil, WithMaxConcurrency(2))

	models := make([]string, 6)
	for i := range models {
		models[i] = fmt.Sprintf("m%d", i)
	}
	if _, err := orch.Query(context.Background(), QueryRequest{Question: "q", Models: models}); err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	if peak > 2 {
		t.Errorf("expected at most 2 in-flight requests, observed %d", peak)
	}
}

func TestQueryPerCallTimeout(t *testing.T) {
	slow := &ctxAwareClient{delay: 80 * time.Millisecond}
	orch := New(slow, newTestLibrary(t, nil), nil, WithPerCallTimeout(10*time.Millisecond))

	batch, err := orch.Query(context.Background(), QueryRequest{Question: "q", Models: []string{"m1"}})
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	if !batch.Results[0].Failed() {
		t.Fatal("expected timeout to surface as a per-target failure")
	}
}

func TestQueryReturnsErrorOnCallerCancellation(t *testing.T) {
	slow := &ctxAwareClient{delay: time.Second}
	orch := New(slow, newTestLibrary(t, nil), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	batch, err := orch.Query(ctx, QueryRequest{Question: "q", Models: []string{"m1", "m2"}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if batch != nil {
		t.Errorf("cancelled invocation should not yield a batch, got %+v", batch)
	}
}

// ctxAwareClient 在 ctx 到期前不返回,用于验证单目标超时。
type ctxAwareClient struct {
	delay time.Duration
}

func (c *ctxAwareClient) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResult, error) {
	select {
	case <-time.After(c.delay):
		return &llm.GenerateResult{Model: req.Model, Response: "slow", Done: true}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *ctxAwareClient) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	return nil, nil
}

func TestQueryWithoutClient(t *testing.T) {
	orch := New(nil, newTestLibrary(t, nil), []string{"m1"})
	_, err := orch.Query(context.Background(), QueryRequest{Question: "q"})
	if err == nil {
		t.Fatal("expected error when backend client is missing")
	}
	if xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Errorf("expected CodeInitializationFailure, got %v", xerrors.CodeOf(err))
	}
}

func TestCatalogAnnotatesDefaults(t *testing.T) {
	client := &stubClient{
		models: []llm.ModelInfo{
			{Name: "m1", SizeBytes: 1073741824},
			{Name: "m2", SizeBytes: 2048},
		},
	}
	orch := New(client, newTestLibrary(t, nil), []string{"m1", "absent"})

	entries, err := orch.Catalog(context.Background())
	if err != nil {
		t.Fatalf("Catalog returned error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if !entries[0].Default {
		t.Error("m1 should be marked as default")
	}
	if entries[1].Default {
		t.Error("m2 should not be marked as default")
	}
}

func TestAnnotateDefaults(t *testing.T) {
	catalog := []llm.ModelInfo{{Name: "m1"}, {Name: "m2"}}
	annotated := AnnotateDefaults(catalog, []string{"m1", "m3"})
	if !annotated["m1"] {
		t.Error("m1 is in the catalog and should be annotated true")
	}
	if annotated["m3"] {
		t.Error("m3 is absent from the catalog and should be annotated false")
	}
	if _, ok := annotated["m2"]; ok {
		t.Error("non-default models should not appear in the annotation")
	}
}
