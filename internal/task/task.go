package task

import (
	"encoding/json"
	"time"

	xerrors "AgentForge/internal/errors"
)

// StepStatus 表示步骤在生命周期中的状态。
type StepStatus string

const (
	StepCreated   StepStatus = "created"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Task 是智能体的顶层工作单元。
//
// Input 与 AdditionalInput 创建后不可变，之后只会追加步骤与产物。
type Task struct {
	TaskID          string          `json:"task_id"`
	Input           string          `json:"input"`
	AdditionalInput json.RawMessage `json:"additional_input,omitempty"`
	Steps           []*Step         `json:"steps"`
	Artifacts       []*Artifact     `json:"artifacts"`
	CreatedAt       time.Time       `json:"created_at"`
	ModifiedAt      time.Time       `json:"modified_at"`
}

// Step 是任务中的一次离散推进。
type Step struct {
	TaskID           string          `json:"task_id"`
	StepID           string          `json:"step_id"`
	Name             string          `json:"name,omitempty"`
	Input            string          `json:"input"`
	AdditionalInput  json.RawMessage `json:"additional_input,omitempty"`
	Status           StepStatus      `json:"status"`
	Output           string          `json:"output,omitempty"`
	AdditionalOutput json.RawMessage `json:"additional_output,omitempty"`
	Artifacts        []*Artifact     `json:"artifacts"`
	IsLast           bool            `json:"is_last"`
	CreatedAt        time.Time       `json:"created_at"`
	ModifiedAt       time.Time       `json:"modified_at"`
}

// Artifact 描述与任务（以及可选的步骤）关联的文件。
type Artifact struct {
	ArtifactID   string    `json:"artifact_id"`
	TaskID       string    `json:"task_id"`
	StepID       string    `json:"step_id,omitempty"`
	FileName     string    `json:"file_name"`
	URI          string    `json:"uri"`
	AgentCreated bool      `json:"agent_created"`
	CreatedAt    time.Time `json:"created_at"`
}

// Terminal 判断该步骤是否已经结束了整个任务。
func (s *Step) Terminal() bool {
	return s != nil && s.IsLast && s.Status == StepCompleted
}

const (
	CodeTaskNotFound     xerrors.Code = "TASK_NOT_FOUND"
	CodeStepNotFound     xerrors.Code = "STEP_NOT_FOUND"
	CodeArtifactNotFound xerrors.Code = "ARTIFACT_NOT_FOUND"
	CodeTaskConflict     xerrors.Code = "TASK_CONFLICT"
	CodeTaskTerminal     xerrors.Code = "TASK_TERMINAL"
	CodeTaskValidation   xerrors.Code = "TASK_VALIDATION_FAILED"
)

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrStepNotFound 表示指定的步骤不存在。
	ErrStepNotFound = xerrors.New(CodeStepNotFound, "step not found")
	// ErrArtifactNotFound 表示指定的产物不存在。
	ErrArtifactNotFound = xerrors.New(CodeArtifactNotFound, "artifact not found")
	// ErrTaskConflict 表示标识已被占用。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict")
	// ErrTaskTerminal 表示任务的最后一步已经完成，不再接受新的步骤。
	ErrTaskTerminal = xerrors.New(CodeTaskTerminal, "task already completed its last step")
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:  "task not found",
		Family:   xerrors.CodeNotFound,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeStepNotFound, xerrors.Attributes{
		Message:  "step not found",
		Family:   xerrors.CodeNotFound,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeArtifactNotFound, xerrors.Attributes{
		Message:  "artifact not found",
		Family:   xerrors.CodeNotFound,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:  "task conflict",
		Family:   xerrors.CodeConflict,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeTaskTerminal, xerrors.Attributes{
		Message:  "task already completed its last step",
		Family:   xerrors.CodeTerminalState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:  "task validation failed",
		Family:   xerrors.CodeInvalidArgument,
		Severity: xerrors.SeverityInfo,
	})
}

func taskNotFound(id string) error {
	return xerrors.New(CodeTaskNotFound, "task not found", xerrors.WithMetadata("task_id", id))
}

func stepNotFound(taskID, stepID string) error {
	return xerrors.New(CodeStepNotFound, "step not found",
		xerrors.WithMetadata("task_id", taskID),
		xerrors.WithMetadata("step_id", stepID))
}

func artifactNotFound(taskID, artifactID string) error {
	return xerrors.New(CodeArtifactNotFound, "artifact not found",
		xerrors.WithMetadata("task_id", taskID),
		xerrors.WithMetadata("artifact_id", artifactID))
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneTask(t *Task) *Task {
	clone := *t
	clone.AdditionalInput = cloneRaw(t.AdditionalInput)
	clone.Steps = make([]*Step, 0, len(t.Steps))
	for _, step := range t.Steps {
		clone.Steps = append(clone.Steps, cloneStep(step))
	}
	clone.Artifacts = cloneArtifacts(t.Artifacts)
	return &clone
}

func cloneStep(s *Step) *Step {
	clone := *s
	clone.AdditionalInput = cloneRaw(s.AdditionalInput)
	clone.AdditionalOutput = cloneRaw(s.AdditionalOutput)
	clone.Artifacts = cloneArtifacts(s.Artifacts)
	return &clone
}

func cloneArtifacts(artifacts []*Artifact) []*Artifact {
	out := make([]*Artifact, 0, len(artifacts))
	for _, a := range artifacts {
		copied := *a
		out = append(out, &copied)
	}
	return out
}
