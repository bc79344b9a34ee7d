package orchestrator

import (
	"fmt"
	"strings"
	"unicode"
)

// promptPreviewLimit 是报告中系统提示词预览的最大长度。
const promptPreviewLimit = 100

// advisoryNote 固定附在报告末尾，提醒消费方校准对结果的信任程度。
const advisoryNote = "Note: the models consulted above are locally hosted and may be small or low-capacity. " +
	"Treat their answers as viewpoints to weigh, not as authoritative conclusions."

// ComposeReport 将一次问询的全部结果合并为单个 Markdown 文档。
// 每个目标一节，顺序与请求顺序一致；失败的目标保留占位说明，绝不丢弃。
// 报告不对各模型的回答做任何语义上的合并或取舍。
func ComposeReport(batch *QueryBatch) string {
	var builder strings.Builder
	builder.WriteString("# Model Responses\n\n")
	builder.WriteString(fmt.Sprintf("Question: %s\n\n", batch.Question))

	for _, result := range batch.Results {
		builder.WriteString(fmt.Sprintf("## %s\n", sectionTitle(result.Model)))
		builder.WriteString(fmt.Sprintf("Role: %s\n\n", previewPrompt(result.SystemPrompt)))
		if result.Failed() {
			builder.WriteString(result.FailureText())
		} else {
			builder.WriteString(result.Response)
		}
		builder.WriteString("\n\n")
	}

	builder.WriteString("---\n")
	builder.WriteString(advisoryNote)
	builder.WriteString("\n")
	return builder.String()
}

// ComposeCatalog 将模型目录格式化为列表文档，并在末尾
// 指出配置的默认模型中当前缺失的部分。
func ComposeCatalog(entries []CatalogEntry, defaults []string) string {
	var builder strings.Builder
	builder.WriteString("# Available Models\n\n")

	if len(entries) == 0 {
		builder.WriteString("No models are currently available on the backend.\n")
	}
	for _, entry := range entries {
		marker := ""
		if entry.Default {
			marker = " [default]"
		}
		builder.WriteString(fmt.Sprintf("- %s (size: %s, parameters: %s, quantization: %s)%s\n",
			entry.Name,
			humanSize(entry.SizeBytes),
			orUnknown(entry.ParameterSize),
			orUnknown(entry.QuantizationLevel),
			marker,
		))
	}

	present := make(map[string]bool, len(entries))
	for _, entry := range entries {
		present[entry.Name] = true
	}
	missing := make([]string, 0, len(defaults))
	for _, model := range defaults {
		if !present[model] {
			missing = append(missing, model)
		}
	}
	if len(missing) > 0 {
		builder.WriteString(fmt.Sprintf("\nConfigured default models not currently available: %s\n",
			strings.Join(missing, ", ")))
	}
	return builder.String()
}

// sectionTitle 将模型名首字母大写后用作小节标题。
func sectionTitle(model string) string {
	runes := []rune(model)
	if len(runes) == 0 {
		return model
	}
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

// previewPrompt 截断过长的系统提示词，超出部分以省略号标记。
func previewPrompt(text string) string {
	runes := []rune(text)
	if len(runes) <= promptPreviewLimit {
		return text
	}
	return string(runes[:promptPreviewLimit]) + "..."
}

// humanSize 将字节数格式化为带两位小数的可读形式，如 "1.00 GB"。
func humanSize(bytes int64) string {
	const unit = 1024
	switch {
	case bytes >= unit*unit*unit:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(unit*unit*unit))
	case bytes >= unit*unit:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(unit*unit))
	case bytes >= unit:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(unit))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

func orUnknown(value string) string {
	if strings.TrimSpace(value) == "" {
		return "unknown"
	}
	return value
}
