package task

import (
	"context"
	"sync"
	"time"

	xerrors "AgentForge/internal/errors"
)

// MemoryStore 以内存方式保存任务、步骤与产物，适合单实例部署与测试。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*taskEntry
	order []string
}

type taskEntry struct {
	task      *Task
	steps     []*Step
	stepIndex map[string]int
	artifacts []*Artifact
	artIndex  map[string]int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*taskEntry)}
}

// CreateTask 实现 Store 接口。
func (m *MemoryStore) CreateTask(_ context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if task.TaskID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.TaskID]; ok {
		return ErrTaskConflict
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.ModifiedAt = task.CreatedAt
	stored := cloneTask(task)
	stored.Steps = nil
	stored.Artifacts = nil
	m.tasks[task.TaskID] = &taskEntry{
		task:      stored,
		stepIndex: make(map[string]int),
		artIndex:  make(map[string]int),
	}
	m.order = append(m.order, task.TaskID)
	return nil
}

// GetTask 返回任务及其全部步骤与产物。
func (m *MemoryStore) GetTask(_ context.Context, taskID string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.tasks[taskID]
	if !ok {
		return nil, taskNotFound(taskID)
	}
	out := cloneTask(entry.task)
	for _, step := range entry.steps {
		out.Steps = append(out.Steps, entry.hydrate(step))
	}
	out.Artifacts = cloneArtifacts(entry.artifacts)
	return out, nil
}

// ListTasks 按创建顺序返回任务摘要，不包含步骤与产物。
func (m *MemoryStore) ListTasks(_ context.Context, opts ListOptions) ([]*Task, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := len(m.order)
	start, end := opts.window(total)
	items := make([]*Task, 0, end-start)
	for _, id := range m.order[start:end] {
		items = append(items, cloneTask(m.tasks[id].task))
	}
	return items, total, nil
}

// CreateStep 向任务追加步骤。
func (m *MemoryStore) CreateStep(_ context.Context, step *Step) error {
	if step == nil || step.StepID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "步骤 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.tasks[step.TaskID]
	if !ok {
		return taskNotFound(step.TaskID)
	}
	if _, exists := entry.stepIndex[step.StepID]; exists {
		return ErrTaskConflict
	}
	now := time.Now().UTC()
	if step.CreatedAt.IsZero() {
		step.CreatedAt = now
	}
	step.ModifiedAt = step.CreatedAt
	if step.Status == "" {
		step.Status = StepCreated
	}
	stored := cloneStep(step)
	stored.Artifacts = nil
	entry.stepIndex[step.StepID] = len(entry.steps)
	entry.steps = append(entry.steps, stored)
	entry.task.ModifiedAt = now
	return nil
}

// UpdateStep 覆盖步骤的可变字段。
func (m *MemoryStore) UpdateStep(_ context.Context, step *Step) error {
	if step == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "step 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.tasks[step.TaskID]
	if !ok {
		return taskNotFound(step.TaskID)
	}
	idx, ok := entry.stepIndex[step.StepID]
	if !ok {
		return stepNotFound(step.TaskID, step.StepID)
	}
	now := time.Now().UTC()
	step.ModifiedAt = now
	stored := entry.steps[idx]
	stored.Name = step.Name
	stored.Status = step.Status
	stored.Output = step.Output
	stored.AdditionalOutput = cloneRaw(step.AdditionalOutput)
	stored.IsLast = step.IsLast
	stored.ModifiedAt = now
	entry.task.ModifiedAt = now
	return nil
}

// GetStep 返回单个步骤及其产物。
func (m *MemoryStore) GetStep(_ context.Context, taskID, stepID string) (*Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.tasks[taskID]
	if !ok {
		return nil, taskNotFound(taskID)
	}
	idx, ok := entry.stepIndex[stepID]
	if !ok {
		return nil, stepNotFound(taskID, stepID)
	}
	return entry.hydrate(entry.steps[idx]), nil
}

// LastStep 实现 Store 接口。
func (m *MemoryStore) LastStep(_ context.Context, taskID string) (*Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.tasks[taskID]
	if !ok {
		return nil, taskNotFound(taskID)
	}
	if len(entry.steps) == 0 {
		return nil, nil
	}
	return entry.hydrate(entry.steps[len(entry.steps)-1]), nil
}

// ListSteps 按追加顺序分页返回步骤。
func (m *MemoryStore) ListSteps(_ context.Context, taskID string, opts ListOptions) ([]*Step, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.tasks[taskID]
	if !ok {
		return nil, 0, taskNotFound(taskID)
	}
	total := len(entry.steps)
	start, end := opts.window(total)
	items := make([]*Step, 0, end-start)
	for _, step := range entry.steps[start:end] {
		items = append(items, entry.hydrate(step))
	}
	return items, total, nil
}

// CreateArtifact 记录产物元数据。
func (m *MemoryStore) CreateArtifact(_ context.Context, artifact *Artifact) error {
	if artifact == nil || artifact.ArtifactID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "产物 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.tasks[artifact.TaskID]
	if !ok {
		return taskNotFound(artifact.TaskID)
	}
	if _, exists := entry.artIndex[artifact.ArtifactID]; exists {
		return ErrTaskConflict
	}
	if artifact.StepID != "" {
		if _, ok := entry.stepIndex[artifact.StepID]; !ok {
			return stepNotFound(artifact.TaskID, artifact.StepID)
		}
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	copied := *artifact
	entry.artIndex[artifact.ArtifactID] = len(entry.artifacts)
	entry.artifacts = append(entry.artifacts, &copied)
	entry.task.ModifiedAt = artifact.CreatedAt
	return nil
}

// GetArtifact 返回产物元数据。
func (m *MemoryStore) GetArtifact(_ context.Context, taskID, artifactID string) (*Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.tasks[taskID]
	if !ok {
		return nil, taskNotFound(taskID)
	}
	idx, ok := entry.artIndex[artifactID]
	if !ok {
		return nil, artifactNotFound(taskID, artifactID)
	}
	copied := *entry.artifacts[idx]
	return &copied, nil
}

// ListArtifacts 按追加顺序分页返回产物。
func (m *MemoryStore) ListArtifacts(_ context.Context, taskID string, opts ListOptions) ([]*Artifact, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.tasks[taskID]
	if !ok {
		return nil, 0, taskNotFound(taskID)
	}
	total := len(entry.artifacts)
	start, end := opts.window(total)
	return cloneArtifacts(entry.artifacts[start:end]), total, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

// hydrate 复制步骤并附带由该步骤生成的产物，调用方需持有读锁。
func (e *taskEntry) hydrate(step *Step) *Step {
	out := cloneStep(step)
	for _, artifact := range e.artifacts {
		if artifact.StepID == step.StepID {
			copied := *artifact
			out.Artifacts = append(out.Artifacts, &copied)
		}
	}
	return out
}
