package llm

import "context"

// GenerateRequest 描述了发送给单个目标模型的一次生成请求。
type GenerateRequest struct {
	Model  string
	Prompt string
	System string
}

// GenerateResult 是目标模型返回的一次完整（非流式）回复。
type GenerateResult struct {
	Model     string
	Response  string
	CreatedAt string
	Done      bool
}

// ModelInfo 描述后端目录中一个可用模型的元信息。
type ModelInfo struct {
	Name              string `json:"name"`
	SizeBytes         int64  `json:"size_bytes"`
	ParameterSize     string `json:"parameter_size,omitempty"`
	QuantizationLevel string `json:"quantization_level,omitempty"`
	Family            string `json:"family,omitempty"`
	Format            string `json:"format,omitempty"`
}

// Client 定义了访问推理后端的统一接口。
type Client interface {
	// Generate 发起一次同步生成请求，每个请求对应一个完整回复。
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
	// ListModels 查询后端当前可用的模型目录。目录不做缓存，
	// 每次调用都会重新请求后端。
	ListModels(ctx context.Context) ([]ModelInfo, error)
}
