package agent

import (
	"bytes"
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"AgentForge/internal/artifact"
	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/events"
	"AgentForge/internal/observability/alerting"
	"AgentForge/internal/observability/metrics"
	"AgentForge/internal/task"
	"AgentForge/pkg/logger"
)

// persistTimeout 限制执行失败后回写步骤状态的时间，调用方上下文可能已经取消。
const persistTimeout = 10 * time.Second

// CreateAndExecuteStep 在任务上追加一个步骤并同步执行。
//
// 同一任务上的调用按任务锁串行化。最后一步已完成的任务不再接受新步骤；
// 执行失败或超时的步骤会被标记为 failed，不会停留在 running 状态。
func (a *Agent) CreateAndExecuteStep(ctx context.Context, taskID string, req StepRequest) (*task.Step, error) {
	// 验证必要的组件是否已配置。
	if a.store == nil || a.executor == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置任务存储或步骤执行器")
	}

	unlock, err := a.locker.Lock(ctx, taskID)
	if err != nil {
		return nil, lockError(err, taskID)
	}
	defer unlock()

	// 检查任务是否存在以及是否已经结束。
	last, err := a.store.LastStep(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if last.Terminal() {
		return nil, xerrors.New(task.CodeTaskTerminal,
			fmt.Sprintf("Task %s has already completed its last step", taskID),
			xerrors.WithMetadata("task_id", taskID),
			xerrors.WithMetadata("step_id", last.StepID))
	}
	current, err := a.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	// 持久化新步骤并进入 running 状态。
	step := &task.Step{
		TaskID:          taskID,
		StepID:          uuid.NewString(),
		Name:            req.Name,
		Input:           req.Input,
		AdditionalInput: req.AdditionalInput,
		Status:          task.StepCreated,
		Artifacts:       []*task.Artifact{},
		CreatedAt:       a.now(),
	}
	if err := a.store.CreateStep(ctx, step); err != nil {
		return nil, err
	}
	events.Emit(ctx, a.publisher, events.Event{
		Type:   events.StepCreated,
		TaskID: taskID,
		StepID: step.StepID,
		Name:   "Creating and executing Step",
	})

	step.Status = task.StepRunning
	if err := a.store.UpdateStep(ctx, step); err != nil {
		return nil, a.failStep(ctx, step, err, 0)
	}

	// 在步骤超时与调用方上下文的约束下执行。
	execCtx, cancel := ctx, context.CancelFunc(func() {})
	if a.stepTimeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, a.stepTimeout)
	}
	start := time.Now()
	result, execErr := a.executor.Execute(execCtx, ExecutionContext{Task: current, Step: step})
	timedOut := stdErrors.Is(execCtx.Err(), context.DeadlineExceeded)
	cancel()
	elapsed := time.Since(start)

	if execErr != nil || timedOut {
		return nil, a.failStep(ctx, step, classifyExecError(execErr, timedOut, taskID, step.StepID), elapsed)
	}
	if result == nil {
		result = &StepResult{}
	}

	// 保存执行结果与智能体生成的文件。全部内容写入成功后才记录产物元数据，
	// 失败的步骤不会留下部分产物。
	if result.Name != "" {
		step.Name = result.Name
	}
	step.Output = result.Output
	step.AdditionalOutput = result.AdditionalOutput
	outputs, err := a.putOutputFiles(ctx, step, result.Files)
	if err != nil {
		return nil, a.failStep(ctx, step, err, elapsed)
	}
	for _, meta := range outputs {
		if err := a.recordArtifact(ctx, meta, "agent"); err != nil {
			return nil, a.failStep(ctx, step, err, elapsed)
		}
	}
	// is_last 只在步骤完成时写入，失败的步骤不会结束任务。
	step.IsLast = result.IsLast
	step.Status = task.StepCompleted
	if err := a.store.UpdateStep(ctx, step); err != nil {
		return nil, a.failStep(ctx, step, err, elapsed)
	}

	a.metrics.ObserveStep(metrics.OutcomeCompleted, elapsed)
	logger.Audit().Info("步骤执行完成",
		"task_id", taskID,
		"step_id", step.StepID,
		"is_last", step.IsLast,
		"duration_ms", elapsed.Milliseconds(),
	)
	events.Emit(ctx, a.publisher, events.Event{
		Type:       events.StepCompleted,
		TaskID:     taskID,
		StepID:     step.StepID,
		Name:       "Step completed",
		Attributes: map[string]string{"is_last": fmt.Sprint(step.IsLast)},
	})
	return a.store.GetStep(ctx, taskID, step.StepID)
}

// failStep 将步骤标记为 failed 并返回 cause，回写使用不随调用方取消的上下文。
func (a *Agent) failStep(ctx context.Context, step *task.Step, cause error, elapsed time.Duration) error {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	step.Status = task.StepFailed
	step.IsLast = false
	if err := a.store.UpdateStep(persistCtx, step); err != nil {
		logger.L().Error("回写失败步骤状态失败",
			"task_id", step.TaskID,
			"step_id", step.StepID,
			"error", err,
		)
	}

	outcome := metrics.OutcomeFailed
	if xerrors.CodeOf(cause) == xerrors.CodeTimeout {
		outcome = metrics.OutcomeTimeout
	}
	a.metrics.ObserveStep(outcome, elapsed)
	logger.Audit().Warn("步骤执行失败",
		"task_id", step.TaskID,
		"step_id", step.StepID,
		"code", string(xerrors.CodeOf(cause)),
		"error", cause,
	)
	events.Emit(persistCtx, a.publisher, events.Event{
		Type:       events.StepFailed,
		TaskID:     step.TaskID,
		StepID:     step.StepID,
		Name:       "Step failed",
		Attributes: map[string]string{"code": string(xerrors.CodeOf(cause))},
	})
	if a.alerts != nil && xerrors.ShouldAlert(cause) {
		if err := a.alerts.Notify(persistCtx, alerting.FromError(cause, step.TaskID, step.StepID)); err != nil {
			logger.L().Warn("发送告警失败", "task_id", step.TaskID, "error", err)
		}
	}
	return cause
}

// putOutputFiles 写入执行器生成的文件内容，返回尚未持久化的产物元数据。
func (a *Agent) putOutputFiles(ctx context.Context, step *task.Step, files []OutputFile) ([]*task.Artifact, error) {
	if len(files) == 0 {
		return nil, nil
	}
	if a.blobs == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置产物存储")
	}
	out := make([]*task.Artifact, 0, len(files))
	for _, file := range files {
		id := uuid.NewString()
		name := artifact.SafeFileName(file.Name)
		key := artifact.Key(step.TaskID, id, name)
		content := []byte(file.Content)
		if _, err := a.blobs.Put(ctx, key, bytes.NewReader(content), int64(len(content))); err != nil {
			return nil, err
		}
		out = append(out, &task.Artifact{
			ArtifactID:   id,
			TaskID:       step.TaskID,
			StepID:       step.StepID,
			FileName:     name,
			URI:          artifact.FileURI(key),
			AgentCreated: true,
			CreatedAt:    a.now(),
		})
	}
	return out, nil
}

func classifyExecError(err error, timedOut bool, taskID, stepID string) error {
	opts := []xerrors.Option{
		xerrors.WithMetadata("task_id", taskID),
		xerrors.WithMetadata("step_id", stepID),
	}
	if timedOut || stdErrors.Is(err, context.DeadlineExceeded) {
		if err == nil {
			err = context.DeadlineExceeded
		}
		return xerrors.Wrap(xerrors.CodeTimeout, err, "step execution timed out", opts...)
	}
	return xerrors.Wrap(xerrors.CodeExecutorFailure, err, "step execution failed", opts...)
}

func lockError(err error, taskID string) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "waiting for task lock timed out",
			xerrors.WithMetadata("task_id", taskID))
	}
	return xerrors.Wrap(xerrors.CodeUnavailable, err, "acquire task lock",
		xerrors.WithMetadata("task_id", taskID))
}
