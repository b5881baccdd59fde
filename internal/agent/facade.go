package agent

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"AgentForge/internal/artifact"
	"AgentForge/internal/pagination"
	"AgentForge/internal/task"
)

// Facade 是协议层唯一依赖的业务入口。
type Facade interface {
	CreateTask(ctx context.Context, req TaskRequest) (*task.Task, error)
	ListTasks(ctx context.Context, page, pageSize int) (*TaskListResponse, error)
	GetTask(ctx context.Context, taskID string) (*task.Task, error)

	ListSteps(ctx context.Context, taskID string, page, pageSize int) (*StepListResponse, error)
	CreateAndExecuteStep(ctx context.Context, taskID string, req StepRequest) (*task.Step, error)
	GetStep(ctx context.Context, taskID, stepID string) (*task.Step, error)

	ListArtifacts(ctx context.Context, taskID string, page, pageSize int) (*ArtifactListResponse, error)
	CreateArtifact(ctx context.Context, taskID string, upload ArtifactUpload) (*task.Artifact, error)
	GetArtifact(ctx context.Context, taskID, artifactID string) (*task.Artifact, io.ReadCloser, error)
}

var _ Facade = (*Agent)(nil)

// TaskRequest 是创建任务的请求体。
type TaskRequest struct {
	Input           string          `json:"input"`
	AdditionalInput json.RawMessage `json:"additional_input,omitempty"`
}

// StepRequest 是创建并执行步骤的请求体，所有字段均可省略。
type StepRequest struct {
	Name            string          `json:"name,omitempty"`
	Input           string          `json:"input"`
	AdditionalInput json.RawMessage `json:"additional_input,omitempty"`
}

// File 是一次上传的文件内容。Size 未知时为 -1。
type File struct {
	Name   string
	Reader io.Reader
	Size   int64
}

// ArtifactUpload 描述产物来源，File 与 URI 必须且只能提供其一。
type ArtifactUpload struct {
	File *File
	URI  string
}

// Validate 校验产物来源的形态。
func (u ArtifactUpload) Validate() error {
	hasFile := u.File != nil && u.File.Reader != nil
	hasURI := strings.TrimSpace(u.URI) != ""
	if hasFile == hasURI {
		return artifact.ErrInvalidSource
	}
	return nil
}

// TaskListResponse 是任务列表的分页信封。
type TaskListResponse struct {
	Items      []*task.Task          `json:"items"`
	Pagination pagination.Pagination `json:"pagination"`
}

// StepListResponse 是步骤列表的分页信封。
type StepListResponse struct {
	Items      []*task.Step          `json:"items"`
	Pagination pagination.Pagination `json:"pagination"`
}

// ArtifactListResponse 是产物列表的分页信封。
type ArtifactListResponse struct {
	Items      []*task.Artifact      `json:"items"`
	Pagination pagination.Pagination `json:"pagination"`
}
