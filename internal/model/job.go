package model

import "fmt"

type JobKind string

const (
	JobRegistration JobKind = "registration"
	JobBatchRefresh JobKind = "batch_refresh"
)

func (k JobKind) Valid() bool {
	return k == JobRegistration || k == JobBatchRefresh
}

// Label 用于提示文案。
func (k JobKind) Label() string {
	switch k {
	case JobRegistration:
		return "批量注册"
	case JobBatchRefresh:
		return "批量刷新"
	default:
		return string(k)
	}
}

const (
	// StatusProcessing 是唯一的非终态，其余任何值都视为任务结束。
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
)

type JobStart struct {
	TaskID string `json:"task_id"`
	Count  int    `json:"count"`
}

type JobStatus struct {
	Status    string            `json:"status"`
	Total     int               `json:"total"`
	Processed int               `json:"processed"`
	Success   int               `json:"success"`
	Failed    int               `json:"failed"`
	Details   map[string]string `json:"details,omitempty"`
}

func (s JobStatus) Terminal() bool {
	return s.Status != StatusProcessing
}

type JobPhase string

const (
	JobIdle       JobPhase = "idle"
	JobStarted    JobPhase = "started"
	JobProcessing JobPhase = "processing"
	JobTerminal   JobPhase = "terminal"
)

// JobState 是某一类任务在控制台里的当前快照。
type JobState struct {
	Kind        JobKind    `json:"kind"`
	Phase       JobPhase   `json:"phase"`
	TaskID      string     `json:"taskId,omitempty"`
	Status      *JobStatus `json:"status,omitempty"`
	StartedAtMs int64      `json:"startedAtMs,omitempty"`
	LastPollMs  int64      `json:"lastPollMs,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// Summary 生成任务结束时的提示文案。
func (s JobState) Summary() string {
	if s.Status == nil {
		return fmt.Sprintf("%s完成", s.Kind.Label())
	}
	return fmt.Sprintf("%s完成: 成功%d个, 失败%d个", s.Kind.Label(), s.Status.Success, s.Status.Failed)
}
