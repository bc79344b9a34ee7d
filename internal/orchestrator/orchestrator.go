package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	xerrors "Model-Council/internal/errors"
	"Model-Council/internal/llm"
	"Model-Council/internal/prompt"
	"Model-Council/pkg/logger"
)

// QueryRequest 描述了一次多模型问询。
type QueryRequest struct {
	Question     string            `json:"question"`
	Models       []string          `json:"models,omitempty"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	ModelPrompts map[string]string `json:"model_system_prompts,omitempty"`
}

// ModelResult 记录单个目标模型的结果。成功时携带回复文本，
// 失败时携带导致失败的错误，二者不会同时出现。
type ModelResult struct {
	Model        string
	SystemPrompt string
	Response     string
	Err          error
}

// Failed 判断该目标是否失败。
func (r ModelResult) Failed() bool {
	return r.Err != nil
}

// FailureText 返回面向调用方的失败占位文本，始终点名目标模型。
func (r ModelResult) FailureText() string {
	if r.Err == nil {
		return ""
	}
	return fmt.Sprintf("No response from %s: %v", r.Model, r.Err)
}

// QueryBatch 汇总一次问询中所有目标的结果，顺序与请求的目标顺序一致。
type QueryBatch struct {
	Question string
	Results  []ModelResult
}

// Orchestrator 将一个问题扇出到多个目标模型并汇总结果，是系统的业务核心。
type Orchestrator struct {
	llmClient      llm.Client
	prompts        *prompt.Library
	defaultModels  []string
	maxConcurrency int
	perCallTimeout time.Duration
}

// Option 定义可选的 Orchestrator 配置。
type Option func(*Orchestrator)

// defaultMaxConcurrency 限制同时在途的目标请求数量。
const defaultMaxConcurrency = 4

// WithMaxConcurrency 设置扇出时同时在途的请求上限。
func WithMaxConcurrency(limit int) Option {
	return func(o *Orchestrator) {
		if limit > 0 {
			o.maxConcurrency = limit
		}
	}
}

// WithPerCallTimeout 设置单个目标请求的超时时间。
func WithPerCallTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout <= 0 {
			o.perCallTimeout = 0
			return
		}
		o.perCallTimeout = timeout
	}
}

// New 创建一个 Orchestrator。defaults 是请求未指定模型时使用的目标集合。
func New(llmClient llm.Client, prompts *prompt.Library, defaults []string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		llmClient:      llmClient,
		prompts:        prompts,
		defaultModels:  append([]string(nil), defaults...),
		maxConcurrency: defaultMaxConcurrency,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.maxConcurrency <= 0 {
		o.maxConcurrency = defaultMaxConcurrency
	}
	return o
}

// DefaultModels 返回配置的默认目标集合。
func (o *Orchestrator) DefaultModels() []string {
	return append([]string(nil), o.defaultModels...)
}

// Query 校验请求后并发地向每个目标模型发起一次生成请求。
// 单个目标的失败只体现在它自己的结果里，不会中断或污染其他目标；
// 所有目标都有结果之后才返回，结果顺序与目标顺序一致。
func (o *Orchestrator) Query(ctx context.Context, req QueryRequest) (*QueryBatch, error) {
	if o.llmClient == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置推理后端客户端")
	}
	if strings.TrimSpace(req.Question) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "问题内容不能为空")
	}

	targets := req.Models
	if len(targets) == 0 {
		targets = o.defaultModels
	}
	if len(targets) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "没有可用的目标模型")
	}

	// 在扇出前完成提示词解析，解析是纯计算，失败路径只剩网络调用。
	resolved := make([]string, len(targets))
	for i, model := range targets {
		resolved[i] = o.prompts.Resolve(model, req.SystemPrompt, req.ModelPrompts)
	}

	results := make([]ModelResult, len(targets))
	sem := make(chan struct{}, o.maxConcurrency)
	var wg sync.WaitGroup

	started := time.Now()
	for i, model := range targets {
		wg.Add(1)
		go func(idx int, model, system string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[idx] = o.queryOne(ctx, model, req.Question, system)
		}(i, model, resolved[i])
	}
	wg.Wait()

	// 调用方主动取消时不再返回残缺的批次，等待在途请求收尾后直接报错。
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	failed := 0
	for _, result := range results {
		if result.Failed() {
			failed++
		}
	}
	logger.Audit().Info("问询执行完成",
		slog.Int("targets", len(targets)),
		slog.Int("failed", failed),
		slog.Duration("elapsed", time.Since(started)),
	)

	return &QueryBatch{Question: req.Question, Results: results}, nil
}

// queryOne 执行单个目标的生成请求，任何错误都被捕获为该目标的失败结果。
func (o *Orchestrator) queryOne(ctx context.Context, model, question, system string) ModelResult {
	callCtx := ctx
	if o.perCallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.perCallTimeout)
		defer cancel()
	}

	output, err := o.llmClient.Generate(callCtx, llm.GenerateRequest{
		Model:  model,
		Prompt: question,
		System: system,
	})
	if err != nil {
		logger.L().Warn("目标模型请求失败",
			slog.String("model", model),
			slog.Any("error", err),
		)
		return ModelResult{Model: model, SystemPrompt: system, Err: err}
	}
	return ModelResult{Model: model, SystemPrompt: system, Response: output.Response}
}

// CatalogEntry 描述目录中的一个模型及其是否属于配置的默认集合。
type CatalogEntry struct {
	llm.ModelInfo
	Default bool `json:"default"`
}

// Catalog 查询后端当前可用的模型目录并标注默认集合。
// 目录每次调用都重新查询，不做缓存。
func (o *Orchestrator) Catalog(ctx context.Context) ([]CatalogEntry, error) {
	if o.llmClient == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置推理后端客户端")
	}
	models, err := o.llmClient.ListModels(ctx)
	if err != nil {
		return nil, err
	}

	present := AnnotateDefaults(models, o.defaultModels)
	entries := make([]CatalogEntry, 0, len(models))
	for _, info := range models {
		entries = append(entries, CatalogEntry{ModelInfo: info, Default: present[info.Name]})
	}
	return entries, nil
}

// AnnotateDefaults 标注配置的默认模型在目录中是否存在。
func AnnotateDefaults(catalog []llm.ModelInfo, defaults []string) map[string]bool {
	available := make(map[string]struct{}, len(catalog))
	for _, info := range catalog {
		available[info.Name] = struct{}{}
	}
	annotated := make(map[string]bool, len(defaults))
	for _, model := range defaults {
		_, ok := available[model]
		annotated[model] = ok
	}
	return annotated
}
