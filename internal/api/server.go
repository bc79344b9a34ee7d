package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"Model-Council/internal/auth"
	xerrors "Model-Council/internal/errors"
	"Model-Council/internal/observability/metrics"
	"Model-Council/internal/orchestrator"
	"Model-Council/internal/task"
)

// Server 负责暴露 REST 接口，供外部提交问询与查询任务状态。
type Server struct {
	addr         string
	orchestrator *orchestrator.Orchestrator
	tasks        *task.Service
	authn        *auth.Service
	name         string
	version      string
}

// ServerOption 定义可选的 Server 配置。
type ServerOption func(*Server)

// WithTaskService 启用异步任务接口。
func WithTaskService(service *task.Service) ServerOption {
	return func(s *Server) {
		s.tasks = service
	}
}

// WithAuth 启用 API Key 认证。
func WithAuth(service *auth.Service) ServerOption {
	return func(s *Server) {
		s.authn = service
	}
}

// WithIdentity 设置健康检查中返回的服务标识。
func WithIdentity(name, version string) ServerOption {
	return func(s *Server) {
		s.name = name
		s.version = version
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, orch *orchestrator.Orchestrator, opts ...ServerOption) *Server {
	s := &Server{addr: addr, orchestrator: orch}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 构建完整的路由表。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	api := http.NewServeMux()
	api.HandleFunc("/api/v1/models", s.instrument("models", s.handleModels))
	api.HandleFunc("/api/v1/queries", s.instrument("queries", s.handleQueries))
	api.HandleFunc("/api/v1/tasks", s.instrument("tasks", s.handleTasks))
	api.HandleFunc("/api/v1/tasks/stats", s.instrument("task_stats", s.handleTaskStats))
	api.HandleFunc("/api/v1/tasks/", s.instrument("task_detail", s.handleTaskDetail))

	var protected http.Handler = api
	if s.authn != nil {
		protected = s.authn.Middleware()(api)
	}
	mux.Handle("/api/v1/", protected)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"name":    s.name,
		"version": s.version,
	})
}

// handleModels 返回后端当前可用的模型目录。
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 GET"), http.StatusMethodNotAllowed)
		return
	}
	if s.orchestrator == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "服务未初始化"), http.StatusServiceUnavailable)
		return
	}
	entries, err := s.orchestrator.Catalog(r.Context())
	if err != nil {
		writeError(w, err, statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"models":  entries,
		"listing": orchestrator.ComposeCatalog(entries, s.orchestrator.DefaultModels()),
	})
}

// queryResponse 是同步问询接口的响应体。
type queryResponse struct {
	Question string        `json:"question"`
	Results  []modelResult `json:"results"`
	Report   string        `json:"report"`
}

// modelResult 是单个目标结果的线上表示。
type modelResult struct {
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Response     string `json:"response,omitempty"`
	Error        string `json:"error,omitempty"`
}

// handleQueries 同步执行一次多模型问询并返回合并报告。
func (s *Server) handleQueries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 POST"), http.StatusMethodNotAllowed)
		return
	}
	if s.orchestrator == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "服务未初始化"), http.StatusServiceUnavailable)
		return
	}

	var req orchestrator.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"), http.StatusBadRequest)
		return
	}

	batch, err := s.orchestrator.Query(r.Context(), req)
	if err != nil {
		writeError(w, err, statusFor(err))
		return
	}

	failed := 0
	results := make([]modelResult, 0, len(batch.Results))
	for _, result := range batch.Results {
		wire := modelResult{
			Model:        result.Model,
			SystemPrompt: result.SystemPrompt,
			Response:     result.Response,
		}
		if result.Failed() {
			wire.Error = result.Err.Error()
			failed++
		}
		results = append(results, wire)
	}
	metrics.ObserveQuery(len(results), failed)

	writeJSON(w, http.StatusOK, queryResponse{
		Question: batch.Question,
		Results:  results,
		Report:   orchestrator.ComposeReport(batch),
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateTask(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 GET/POST"), http.StatusMethodNotAllowed)
	}
}

// createTaskRequest 是异步任务提交接口的请求体。
type createTaskRequest struct {
	ID string `json:"id,omitempty"`
	orchestrator.QueryRequest
	Metadata map[string]any `json:"metadata,omitempty"`
}

// handleCreateTask 创建异步问询任务。
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"), http.StatusServiceUnavailable)
		return
	}
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"), http.StatusBadRequest)
		return
	}
	created, err := s.tasks.Submit(r.Context(), task.SubmitRequest{
		ID:       req.ID,
		Query:    req.QueryRequest,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeError(w, err, statusFor(err))
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

// handleListTasks 按过滤条件返回任务列表。
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"), http.StatusServiceUnavailable)
		return
	}

	opts := make([]task.ListOption, 0, 4)
	query := r.URL.Query()
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, task.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, task.WithOffset(parsed))
		}
	}
	if raw := query.Get("status"); raw != "" {
		statuses := make([]task.Status, 0, 2)
		for _, value := range strings.Split(raw, ",") {
			statuses = append(statuses, task.Status(strings.TrimSpace(value)))
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := query.Get("q"); raw != "" {
		opts = append(opts, task.WithQuery(raw))
	}
	if query.Get("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}

	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err, statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// handleTaskStats 返回任务统计信息。
func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 GET"), http.StatusMethodNotAllowed)
		return
	}
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"), http.StatusServiceUnavailable)
		return
	}
	stats, err := s.tasks.Stats(r.Context())
	if err != nil {
		writeError(w, err, statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleTaskDetail 返回单个任务的状态。
func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 GET"), http.StatusMethodNotAllowed)
		return
	}
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"), http.StatusServiceUnavailable)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 无效"), http.StatusBadRequest)
		return
	}
	found, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, err, statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, found)
}

// instrument 记录每个接口的请求量与时延。
func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// errorBody 是统一的 JSON 错误响应。
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error, status int) {
	body := errorBody{
		Code:    string(xerrors.CodeOf(err)),
		Message: err.Error(),
	}
	writeJSON(w, status, body)
}

// statusFor 将错误码映射为 HTTP 状态码。
func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, task.CodeTaskNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, task.CodeTaskConflict:
		return http.StatusConflict
	case xerrors.CodeBackendUnreachable:
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
