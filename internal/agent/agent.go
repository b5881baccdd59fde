package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"AgentForge/internal/artifact"
	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/events"
	"AgentForge/internal/lock"
	"AgentForge/internal/observability/alerting"
	"AgentForge/internal/observability/metrics"
	"AgentForge/internal/pagination"
	"AgentForge/internal/task"
	"AgentForge/pkg/logger"
)

// defaultStepTimeout 是单个步骤执行的默认超时时间。
const defaultStepTimeout = 5 * time.Minute

// Agent 协调任务存储、步骤执行与产物内容，是系统的业务核心。
type Agent struct {
	store       task.Store
	blobs       artifact.BlobStore
	executor    Executor
	locker      lock.Locker
	fetcher     artifact.Fetcher
	publisher   events.Publisher
	metrics     *metrics.Metrics
	alerts      alerting.Dispatcher
	stepTimeout time.Duration
	now         func() time.Time
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithLocker 替换按任务互斥的锁实现，多实例部署时使用 Redis 锁。
func WithLocker(locker lock.Locker) Option {
	return func(a *Agent) {
		if locker != nil {
			a.locker = locker
		}
	}
}

// WithFetcher 替换远程产物的获取器。
func WithFetcher(fetcher artifact.Fetcher) Option {
	return func(a *Agent) {
		if fetcher != nil {
			a.fetcher = fetcher
		}
	}
}

// WithPublisher 设置追踪事件的发布器。
func WithPublisher(pub events.Publisher) Option {
	return func(a *Agent) {
		a.publisher = pub
	}
}

// WithMetrics 设置步骤与产物指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Agent) {
		a.metrics = m
	}
}

// WithAlerts 设置告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(a *Agent) {
		a.alerts = d
	}
}

// WithStepTimeout 设置单个步骤执行的超时时间，非正数表示不限制。
func WithStepTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout <= 0 {
			a.stepTimeout = 0
			return
		}
		a.stepTimeout = timeout
	}
}

// New 创建一个 Agent。
func New(store task.Store, blobs artifact.BlobStore, executor Executor, opts ...Option) *Agent {
	ag := &Agent{
		store:       store,
		blobs:       blobs,
		executor:    executor,
		locker:      lock.NewMemoryLocker(),
		fetcher:     artifact.NewHTTPFetcher(),
		stepTimeout: defaultStepTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	return ag
}

// CreateTask 分配任务标识并持久化一个没有步骤与产物的任务。
func (a *Agent) CreateTask(ctx context.Context, req TaskRequest) (*task.Task, error) {
	if a.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置任务存储")
	}
	if len(req.AdditionalInput) > 0 && !json.Valid(req.AdditionalInput) {
		return nil, xerrors.New(task.CodeTaskValidation, "additional_input must be valid JSON")
	}

	now := a.now()
	t := &task.Task{
		TaskID:          uuid.NewString(),
		Input:           req.Input,
		AdditionalInput: req.AdditionalInput,
		Steps:           []*task.Step{},
		Artifacts:       []*task.Artifact{},
		CreatedAt:       now,
		ModifiedAt:      now,
	}
	if err := a.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}

	logger.Audit().Info("任务已创建", "task_id", t.TaskID)
	events.Emit(ctx, a.publisher, events.Event{
		Type:   events.TaskCreated,
		TaskID: t.TaskID,
		Name:   "Creating new task",
	})
	return t, nil
}

// GetTask 返回任务及其全部步骤与产物。
func (a *Agent) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	if a.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置任务存储")
	}
	return a.store.GetTask(ctx, taskID)
}

// ListTasks 按创建顺序分页返回任务摘要。
func (a *Agent) ListTasks(ctx context.Context, page, pageSize int) (*TaskListResponse, error) {
	if a.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置任务存储")
	}
	opts, err := listOptions(page, pageSize)
	if err != nil {
		return nil, err
	}
	items, total, err := a.store.ListTasks(ctx, opts)
	if err != nil {
		return nil, err
	}
	_, meta := pagination.Paginate(total, page, pageSize)
	return &TaskListResponse{Items: nonNil(items), Pagination: meta}, nil
}

// GetStep 返回单个步骤。
func (a *Agent) GetStep(ctx context.Context, taskID, stepID string) (*task.Step, error) {
	if a.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置任务存储")
	}
	return a.store.GetStep(ctx, taskID, stepID)
}

// ListSteps 按追加顺序分页返回步骤。
func (a *Agent) ListSteps(ctx context.Context, taskID string, page, pageSize int) (*StepListResponse, error) {
	if a.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置任务存储")
	}
	opts, err := listOptions(page, pageSize)
	if err != nil {
		return nil, err
	}
	items, total, err := a.store.ListSteps(ctx, taskID, opts)
	if err != nil {
		return nil, err
	}
	_, meta := pagination.Paginate(total, page, pageSize)
	return &StepListResponse{Items: nonNil(items), Pagination: meta}, nil
}

// listOptions 将页码换算为存储层的偏移量，过大的页码视为越界而非溢出。
func listOptions(page, pageSize int) (task.ListOptions, error) {
	if page < 1 || pageSize < 1 {
		return task.ListOptions{}, xerrors.New(xerrors.CodeInvalidArgument, "page and pageSize must be at least 1")
	}
	offset := pagination.Offset(page, pageSize)
	return task.BuildListOptions(task.WithOffset(offset), task.WithLimit(pageSize)), nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
