package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了 Council 守护进程在启动阶段需要加载的全部配置。
// 配置在加载后不再修改，各组件只读取。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Backend   BackendConfig   `json:"backend"`
	Models    ModelsConfig    `json:"models"`
	Prompts   PromptsConfig   `json:"prompts"`
	Storage   StorageConfig   `json:"storage"`
	TaskQueue TaskQueueConfig `json:"task_queue"`
	Logging   LoggingConfig   `json:"logging"`
	Debug     bool            `json:"debug"`
}

// ServerConfig 控制 API 服务的监听地址与服务标识。
// MetricsAddress 非空时会额外启动一个独立的指标服务，
// 供不希望指标暴露在业务端口上的部署使用。
type ServerConfig struct {
	Address        string   `json:"address"`
	MetricsAddress string   `json:"metrics_address"`
	Name           string   `json:"name"`
	Version        string   `json:"version"`
	APIKeys        []string `json:"api_keys"`
}

// BackendConfig 描述推理后端（Ollama 风格 HTTP 服务）的访问方式。
type BackendConfig struct {
	BaseURL               string `json:"base_url"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// Timeout 返回单次推理请求的超时时间。
func (c BackendConfig) Timeout() time.Duration {
	if c.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ModelsConfig 描述默认的目标模型集合与扇出并发上限。
type ModelsConfig struct {
	Defaults       []string `json:"defaults"`
	MaxConcurrency int      `json:"max_concurrency"`
}

// PromptsConfig 描述系统提示词的默认来源。
// Defaults 为模型名到提示词的映射；RolesFile 指向可选的 YAML 角色库，
// 文件中的条目会被 Defaults 覆盖。
type PromptsConfig struct {
	Defaults  map[string]string `json:"defaults"`
	RolesFile string            `json:"roles_file"`
	Fallback  string            `json:"fallback"`
}

// StorageConfig 统一描述任务存储后端的连接信息。
type StorageConfig struct {
	TaskStore TaskStoreConfig `json:"task_store"`
}

// TaskStoreConfig 目前支持内存与 MySQL 两种驱动。
type TaskStoreConfig struct {
	Driver  string `json:"driver"`
	DSN     string `json:"dsn"`
	Retries int    `json:"retries"`
}

// TaskQueueConfig 描述异步任务队列的驱动与参数。
type TaskQueueConfig struct {
	Driver   string         `json:"driver"`
	Worker   int            `json:"worker"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// LoggingConfig 控制结构化日志与审计日志的输出。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.Name == "" {
		c.Server.Name = "model-council"
	}
	if c.Server.Version == "" {
		c.Server.Version = "dev"
	}

	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = "http://localhost:11434"
	}
	if c.Backend.RequestTimeoutSeconds <= 0 {
		c.Backend.RequestTimeoutSeconds = 120
	}

	if c.Models.MaxConcurrency <= 0 {
		c.Models.MaxConcurrency = 4
	}

	if c.Prompts.RolesFile != "" && !filepath.IsAbs(c.Prompts.RolesFile) {
		c.Prompts.RolesFile = filepath.Join(baseDir, c.Prompts.RolesFile)
	}

	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.TaskStore.Retries <= 0 {
		c.Storage.TaskStore.Retries = 3
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Worker <= 0 {
		c.TaskQueue.Worker = 2
	}

	if c.Logging.Level == "" {
		if c.Debug {
			c.Logging.Level = "debug"
		} else {
			c.Logging.Level = "info"
		}
	}
}
