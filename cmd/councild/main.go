package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"Model-Council/internal/api"
	"Model-Council/internal/auth"
	"Model-Council/internal/config"
	"Model-Council/internal/llm/ollama"
	"Model-Council/internal/observability/alerting"
	"Model-Council/internal/observability/metrics"
	"Model-Council/internal/orchestrator"
	"Model-Council/internal/prompt"
	"Model-Council/internal/task"
	"Model-Council/pkg/logger"
)

// main 是 councild 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("councild 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("COUNCIL_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "council.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	// 初始化推理后端客户端。
	llmClient := ollama.NewClient(ollama.Config{
		BaseURL: cfg.Backend.BaseURL,
		Timeout: cfg.Backend.Timeout(),
	})

	// 加载系统提示词库。
	library, err := prompt.LoadLibrary(cfg.Prompts.RolesFile, cfg.Prompts.Defaults, cfg.Prompts.Fallback)
	if err != nil {
		return err
	}

	orch := orchestrator.New(llmClient, library, cfg.Models.Defaults,
		orchestrator.WithMaxConcurrency(cfg.Models.MaxConcurrency),
		orchestrator.WithPerCallTimeout(cfg.Backend.Timeout()),
	)

	var taskStore task.Store
	switch cfg.Storage.TaskStore.Driver {
	case "", "memory":
		taskStore = task.NewMemoryStore()
	case "mysql":
		store, err := task.NewMySQLStore(cfg.Storage.TaskStore.DSN)
		if err != nil {
			return err
		}
		taskStore = store
	default:
		return fmt.Errorf("未知的任务存储驱动: %s", cfg.Storage.TaskStore.Driver)
	}
	defer func() {
		if taskStore != nil {
			_ = taskStore.Close()
		}
	}()

	var taskQueue task.Queue
	switch cfg.TaskQueue.Driver {
	case "", "memory":
		taskQueue = task.NewMemoryQueue(1024)
	case "redis":
		queue, err := task.NewRedisQueue(task.RedisQueueConfig{
			Address:   cfg.TaskQueue.Redis.Address,
			Password:  cfg.TaskQueue.Redis.Password,
			DB:        cfg.TaskQueue.Redis.DB,
			Queue:     cfg.TaskQueue.Redis.Queue,
			BlockWait: time.Duration(cfg.TaskQueue.Redis.BlockWait) * time.Second,
		})
		if err != nil {
			return err
		}
		taskQueue = queue
	case "rabbitmq":
		queue, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.TaskQueue.RabbitMQ.URL,
			Queue:      cfg.TaskQueue.RabbitMQ.Queue,
			Prefetch:   cfg.TaskQueue.RabbitMQ.Prefetch,
			Durable:    cfg.TaskQueue.RabbitMQ.Durable,
			AutoDelete: cfg.TaskQueue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		taskQueue = queue
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.TaskQueue.Driver)
	}
	defer func() {
		if taskQueue != nil {
			if err := taskQueue.Close(); err != nil {
				logger.L().Warn("关闭任务队列失败", slog.Any("error", err))
			}
		}
	}()

	taskService := task.NewService(taskStore, taskQueue, cfg.Storage.TaskStore.Retries)
	processor := task.NewProcessor(orch, taskStore, taskQueue, taskQueue,
		task.WithWorkerCount(cfg.TaskQueue.Worker),
		task.WithProcessorLogger(logger.Named("processor")),
		task.WithAlertDispatcher(alerting.NewFanout(&alerting.LogNotifier{})),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, orch,
		api.WithTaskService(taskService),
		api.WithAuth(auth.NewService(cfg.Server.APIKeys)),
		api.WithIdentity(cfg.Server.Name, cfg.Server.Version),
	)

	logger.L().Info("councild 已启动",
		slog.String("address", cfg.Server.Address),
		slog.String("backend", cfg.Backend.BaseURL),
		slog.Int("default_models", len(cfg.Models.Defaults)),
	)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
