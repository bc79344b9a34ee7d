package task

import (
	"context"

	xerrors "Model-Council/internal/errors"
)

// Store 抽象了任务状态的持久化接口。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Claim 将待执行的任务置为运行中并递增尝试次数。
	Claim(ctx context.Context, id string) (*Task, error)
	MarkSucceeded(ctx context.Context, id string, result ExecutionResult) error
	// MarkFailed 记录失败；terminal 为假时任务回到待执行状态等待重试。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ...ListOption) ([]*Task, error)
	Stats(ctx context.Context) (TaskStats, error)
	Close() error
}
