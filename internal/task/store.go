package task

import (
	"context"

	"AgentForge/internal/pagination"
)

// Store 抽象了任务、步骤与产物元数据的持久化接口。
//
// 所有写操作只追加或更新步骤状态，列表按创建顺序返回，并同时给出总数，
// 保证读者看到的是同一时刻的快照。
type Store interface {
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, taskID string) (*Task, error)
	ListTasks(ctx context.Context, opts ListOptions) ([]*Task, int, error)

	CreateStep(ctx context.Context, step *Step) error
	UpdateStep(ctx context.Context, step *Step) error
	GetStep(ctx context.Context, taskID, stepID string) (*Step, error)
	// LastStep 返回最近追加的步骤；任务没有步骤时返回 nil, nil。
	LastStep(ctx context.Context, taskID string) (*Step, error)
	ListSteps(ctx context.Context, taskID string, opts ListOptions) ([]*Step, int, error)

	CreateArtifact(ctx context.Context, artifact *Artifact) error
	GetArtifact(ctx context.Context, taskID, artifactID string) (*Artifact, error)
	ListArtifacts(ctx context.Context, taskID string, opts ListOptions) ([]*Artifact, int, error)

	Close() error
}

// ListOptions 描述列表查询的分页窗口。
type ListOptions struct {
	Offset int
	Limit  int
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithOffset 跳过前 n 条记录。
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithLimit 限制返回的记录数。
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// BuildListOptions 合并所有选项并填充默认值。
func BuildListOptions(opts ...ListOption) ListOptions {
	var options ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func (opts *ListOptions) applyDefaults() {
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Limit < 0 {
		opts.Limit = 0
	}
}

// window 返回 [start, end) 区间，Limit 为 0 时表示不返回任何记录。
func (opts ListOptions) window(total int) (int, int) {
	w := pagination.Bound(opts.Offset, opts.Limit, total)
	return w.Start, w.End
}
