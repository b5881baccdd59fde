// Package events 发布任务生命周期的追踪事件。
//
// 每次状态变更后都会发布一个事件，发布失败只记录日志，不影响请求结果。
package events

import (
	"context"
	"encoding/json"
	"time"

	"AgentForge/pkg/logger"
)

// Type 表示事件类型。
type Type string

const (
	TaskCreated     Type = "task.created"
	StepCreated     Type = "step.created"
	StepCompleted   Type = "step.completed"
	StepFailed      Type = "step.failed"
	ArtifactCreated Type = "artifact.created"
	ArtifactFetched Type = "artifact.fetched"
)

// Event 是一次追踪记录。
type Event struct {
	Type       Type              `json:"type"`
	TaskID     string            `json:"task_id"`
	StepID     string            `json:"step_id,omitempty"`
	ArtifactID string            `json:"artifact_id,omitempty"`
	Name       string            `json:"name"`
	OccurredAt time.Time         `json:"occurred_at"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Publisher 投递追踪事件。
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// Emit 补全时间戳后发布事件，失败时仅记录日志。
func Emit(ctx context.Context, pub Publisher, evt Event) {
	if pub == nil {
		return
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	if err := pub.Publish(ctx, evt); err != nil {
		logger.L().Warn("发布追踪事件失败",
			"type", evt.Type,
			"task_id", evt.TaskID,
			"error", err,
		)
	}
}

func encode(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

// LogPublisher 将事件写入结构化日志。
type LogPublisher struct{}

var _ Publisher = LogPublisher{}

// Publish 实现 Publisher 接口。
func (LogPublisher) Publish(_ context.Context, evt Event) error {
	attrs := []any{
		"type", evt.Type,
		"task_id", evt.TaskID,
		"name", evt.Name,
	}
	if evt.StepID != "" {
		attrs = append(attrs, "step_id", evt.StepID)
	}
	if evt.ArtifactID != "" {
		attrs = append(attrs, "artifact_id", evt.ArtifactID)
	}
	for k, v := range evt.Attributes {
		attrs = append(attrs, k, v)
	}
	logger.Named("events").Info("追踪事件", attrs...)
	return nil
}

// Close 实现 Publisher 接口。
func (LogPublisher) Close() error { return nil }
