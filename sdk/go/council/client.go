package council

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Synchronous queries fan out to several models, so the
// default is generous.
const DefaultHTTPTimeout = 180 * time.Second

// Client wraps the HTTP interactions with the Model Council REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu     sync.RWMutex
	apiKey string
}

// QueryRequest asks several models the same question.
type QueryRequest struct {
	Question     string            `json:"question"`
	Models       []string          `json:"models,omitempty"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	ModelPrompts map[string]string `json:"model_system_prompts,omitempty"`
}

// ModelResult is the outcome for a single target model.
type ModelResult struct {
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Response     string `json:"response,omitempty"`
	Error        string `json:"error,omitempty"`
}

// QueryResult is the response of a synchronous query.
type QueryResult struct {
	Question string        `json:"question"`
	Results  []ModelResult `json:"results"`
	Report   string        `json:"report"`
}

// CatalogEntry describes one model available on the backend.
type CatalogEntry struct {
	Name              string `json:"name"`
	SizeBytes         int64  `json:"size_bytes"`
	ParameterSize     string `json:"parameter_size,omitempty"`
	QuantizationLevel string `json:"quantization_level,omitempty"`
	Family            string `json:"family,omitempty"`
	Format            string `json:"format,omitempty"`
	Default           bool   `json:"default"`
}

// Catalog is the response of the model listing endpoint.
type Catalog struct {
	Models  []CatalogEntry `json:"models"`
	Listing string         `json:"listing"`
}

// TaskSubmission creates an asynchronous query task.
type TaskSubmission struct {
	ID string `json:"id,omitempty"`
	QueryRequest
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Task mirrors the server side task state.
type Task struct {
	ID           string            `json:"id"`
	Question     string            `json:"question"`
	Models       []string          `json:"models,omitempty"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	ModelPrompts map[string]string `json:"model_system_prompts,omitempty"`
	Status       string            `json:"status"`
	Attempts     int               `json:"attempts"`
	MaxRetries   int               `json:"max_retries"`
	LastError    string            `json:"last_error,omitempty"`
	ErrorCode    string            `json:"error_code,omitempty"`
	Result       *TaskResult       `json:"result,omitempty"`
	CreatedAt    int64             `json:"created_at"`
	UpdatedAt    int64             `json:"updated_at"`
}

// TaskResult carries the composed report of a finished task.
type TaskResult struct {
	Report   string        `json:"report"`
	Outcomes []ModelResult `json:"outcomes"`
	Failed   int           `json:"failed"`
}

// TaskStats aggregates task counters per status.
type TaskStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("council api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("council api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the Model Council API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAPIKey stores a bearer key for subsequent calls.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
}

// APIKey returns the currently stored key.
func (c *Client) APIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

// Query runs a synchronous fan-out query and returns the composed report.
func (c *Client) Query(ctx context.Context, req QueryRequest) (QueryResult, error) {
	var result QueryResult
	if err := c.post(ctx, "/api/v1/queries", req, &result); err != nil {
		return QueryResult{}, err
	}
	return result, nil
}

// ListModels fetches the backend model catalog.
func (c *Client) ListModels(ctx context.Context) (Catalog, error) {
	var catalog Catalog
	if err := c.get(ctx, "/api/v1/models", &catalog); err != nil {
		return Catalog{}, err
	}
	return catalog, nil
}

// SubmitTask creates an asynchronous query task.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (Task, error) {
	var created Task
	if err := c.post(ctx, "/api/v1/tasks", submission, &created); err != nil {
		return Task{}, err
	}
	return created, nil
}

// GetTask fetches task details by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var detail Task
	endpoint := "/api/v1/tasks/" + url.PathEscape(taskID)
	if err := c.get(ctx, endpoint, &detail); err != nil {
		return Task{}, err
	}
	return detail, nil
}

// TaskStats fetches aggregate task counters.
func (c *Client) TaskStats(ctx context.Context) (TaskStats, error) {
	var stats TaskStats
	if err := c.get(ctx, "/api/v1/tasks/stats", &stats); err != nil {
		return TaskStats{}, err
	}
	return stats, nil
}

// WaitForTask polls the task until it reaches a terminal status.
func (c *Client) WaitForTask(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		detail, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if detail.Status == "succeeded" || detail.Status == "failed" {
			return detail, nil
		}
		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if key := c.APIKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
