package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "Model-Council/internal/errors"
	"Model-Council/internal/llm"
)

const (
	defaultBaseURL = "http://localhost:11434"
	defaultTimeout = 120 * time.Second
)

// Config 描述了调用 Ollama HTTP API 所需的信息。
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 Ollama 风格的推理后端。
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient 根据配置创建 Ollama 客户端。
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// generatePayload 对应 POST /api/generate 的请求体。非流式调用固定 stream=false。
type generatePayload struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`
}

// Generate 调用 /api/generate 获取一次完整回复。
func (c *Client) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResult, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "目标模型名不能为空")
	}

	payload, err := json.Marshal(generatePayload{
		Model:  req.Model,
		Prompt: req.Prompt,
		System: req.System,
		Stream: false,
	})
	if err != nil {
		return nil, fmt.Errorf("序列化生成请求失败: %w", err)
	}

	endpoint := c.baseURL + "/api/generate"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建生成请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBackendUnreachable, err, fmt.Sprintf("请求模型 %s 失败", req.Model))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(xerrors.CodeTargetFailure,
			fmt.Sprintf("模型 %s 返回非预期状态 %d: %s", req.Model, resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTargetFailure, err, fmt.Sprintf("解析模型 %s 的响应失败", req.Model))
	}

	return &llm.GenerateResult{
		Model:     decoded.Model,
		Response:  decoded.Response,
		CreatedAt: decoded.CreatedAt,
		Done:      decoded.Done,
	}, nil
}

// tagsResponse 对应 GET /api/tags 的响应体。
type tagsResponse struct {
	Models []struct {
		Name    string `json:"name"`
		Size    int64  `json:"size"`
		Details struct {
			ParameterSize     string   `json:"parameter_size"`
			QuantizationLevel string   `json:"quantization_level"`
			Family            string   `json:"family"`
			Format            string   `json:"format"`
			Families          []string `json:"families"`
		} `json:"details"`
	} `json:"models"`
}

// ListModels 调用 /api/tags 查询后端当前可用的模型目录。
func (c *Client) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	endpoint := c.baseURL + "/api/tags"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("构建目录请求失败: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBackendUnreachable, err, "请求模型目录失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(xerrors.CodeBackendUnreachable,
			fmt.Sprintf("模型目录返回非预期状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMalformedCatalog, err, "解析模型目录响应失败")
	}

	models := make([]llm.ModelInfo, 0, len(decoded.Models))
	for _, m := range decoded.Models {
		models = append(models, llm.ModelInfo{
			Name:              m.Name,
			SizeBytes:         m.Size,
			ParameterSize:     m.Details.ParameterSize,
			QuantizationLevel: m.Details.QuantizationLevel,
			Family:            m.Details.Family,
			Format:            m.Details.Format,
		})
	}
	return models, nil
}

var _ llm.Client = (*Client)(nil)
