package prompt

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultFallback 是在没有任何配置命中时使用的通用系统提示词。
const DefaultFallback = "You are a helpful assistant answering a user's question."

// Role 描述角色库文件中的一个条目：某个模型的默认系统提示词。
type Role struct {
	Model       string `yaml:"model"`
	Prompt      string `yaml:"prompt"`
	Description string `yaml:"description"`
}

// rolesFile 对应角色库 YAML 文件的整体结构。
type rolesFile struct {
	Roles []Role `yaml:"roles"`
}

// Library 保存进程级的系统提示词映射。启动时构建一次，之后只读。
type Library struct {
	defaults map[string]string
	fallback string
}

// NewLibrary 根据模型到提示词的映射构建提示词库。
func NewLibrary(defaults map[string]string, fallback string) *Library {
	cloned := make(map[string]string, len(defaults))
	for model, text := range defaults {
		model = strings.TrimSpace(model)
		if model == "" {
			continue
		}
		cloned[model] = text
	}
	if strings.TrimSpace(fallback) == "" {
		fallback = DefaultFallback
	}
	return &Library{defaults: cloned, fallback: fallback}
}

// LoadLibrary 从 YAML 角色库文件加载提示词，再叠加 overrides 中的条目。
// overrides 里的映射优先于文件内容。
func LoadLibrary(path string, overrides map[string]string, fallback string) (*Library, error) {
	merged := make(map[string]string)

	if strings.TrimSpace(path) != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取角色库文件失败: %w", err)
		}
		var parsed rolesFile
		if err := yaml.Unmarshal(content, &parsed); err != nil {
			return nil, fmt.Errorf("解析角色库文件失败: %w", err)
		}
		for _, role := range parsed.Roles {
			model := strings.TrimSpace(role.Model)
			if model == "" || strings.TrimSpace(role.Prompt) == "" {
				continue
			}
			merged[model] = role.Prompt
		}
	}

	for model, text := range overrides {
		model = strings.TrimSpace(model)
		if model == "" {
			continue
		}
		merged[model] = text
	}

	return NewLibrary(merged, fallback), nil
}

// Default 返回模型配置的默认提示词。
func (l *Library) Default(model string) (string, bool) {
	if l == nil {
		return "", false
	}
	text, ok := l.defaults[model]
	return text, ok
}

// Fallback 返回通用兜底提示词。
func (l *Library) Fallback() string {
	if l == nil || l.fallback == "" {
		return DefaultFallback
	}
	return l.fallback
}

// Resolve 按固定的优先级为目标模型确定系统提示词：
// 调用方的按模型覆盖 > 调用方的全局提示词 > 配置的模型默认值 > 通用兜底。
// 提示词内容不做任何校验，命中即原样返回。
func (l *Library) Resolve(model, globalPrompt string, perModel map[string]string) string {
	if perModel != nil {
		if text, ok := perModel[model]; ok {
			return text
		}
	}
	if globalPrompt != "" {
		return globalPrompt
	}
	if text, ok := l.Default(model); ok {
		return text
	}
	return l.Fallback()
}
