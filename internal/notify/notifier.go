package notify

import (
	"context"

	"token_console/internal/model"
)

// JobFinishedEvent 在批量任务第一次进入终态时发出。
type JobFinishedEvent struct {
	At      int64           `json:"atMs"`
	Kind    model.JobKind   `json:"kind"`
	TaskID  string          `json:"taskId"`
	Status  model.JobStatus `json:"status"`
	Summary string          `json:"summary"`
	Started int64           `json:"startedAtMs,omitempty"`
}

type Notifier interface {
	NotifyJobFinished(ctx context.Context, evt JobFinishedEvent)
}

// Nop 什么也不做，未配置通知时使用。
type Nop struct{}

func (Nop) NotifyJobFinished(context.Context, JobFinishedEvent) {}
