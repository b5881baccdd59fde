package agent

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/google/uuid"

	"AgentForge/internal/artifact"
	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/events"
	"AgentForge/internal/pagination"
	"AgentForge/internal/task"
	"AgentForge/pkg/logger"
)

// 产物来源，用于指标与审计。
const (
	sourceUpload    = "upload"
	sourceRemote    = "remote"
	sourceReference = "reference"
)

// CreateArtifact 根据上传的文件或 URI 创建任务级产物。
//
// 上传内容与 http(s) 资源在创建时写入产物存储，file URI 只记录引用，
// 下载时再读取。
func (a *Agent) CreateArtifact(ctx context.Context, taskID string, upload ArtifactUpload) (*task.Artifact, error) {
	if a.store == nil || a.blobs == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置任务存储或产物存储")
	}
	if err := upload.Validate(); err != nil {
		return nil, err
	}

	// 在写入内容前确认任务存在。
	if _, err := a.store.LastStep(ctx, taskID); err != nil {
		return nil, err
	}

	meta := &task.Artifact{
		ArtifactID: uuid.NewString(),
		TaskID:     taskID,
		CreatedAt:  a.now(),
	}
	var (
		source string
		err    error
	)
	if upload.File != nil {
		source = sourceUpload
		err = a.putUpload(ctx, meta, upload.File)
	} else {
		source, err = a.putURI(ctx, meta, upload.URI)
	}
	if err != nil {
		return nil, err
	}

	if err := a.recordArtifact(ctx, meta, source); err != nil {
		return nil, err
	}
	return meta, nil
}

func (a *Agent) putUpload(ctx context.Context, meta *task.Artifact, file *File) error {
	reader := bufio.NewReaderSize(file.Reader, 4096)
	// 缺少文件名时依据内容类型生成。
	head, err := reader.Peek(3072)
	if err != nil && err != io.EOF {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "read uploaded file")
	}
	meta.FileName = artifact.NameFor(file.Name, head)

	key := artifact.Key(meta.TaskID, meta.ArtifactID, meta.FileName)
	size := file.Size
	if size <= 0 {
		size = -1
	}
	if _, err := a.blobs.Put(ctx, key, reader, size); err != nil {
		return err
	}
	meta.URI = artifact.FileURI(key)
	return nil
}

func (a *Agent) putURI(ctx context.Context, meta *task.Artifact, raw string) (string, error) {
	u, err := artifact.ParseURI(raw)
	if err != nil {
		return "", err
	}
	meta.URI = strings.TrimSpace(raw)

	if strings.EqualFold(u.Scheme, artifact.SchemeFile) {
		meta.FileName = artifact.NameFromURI(u)
		return sourceReference, nil
	}

	remote, err := a.fetcher.Fetch(ctx, u)
	if err != nil {
		return "", err
	}
	defer remote.Body.Close()

	meta.FileName = remote.FileName
	key := artifact.Key(meta.TaskID, meta.ArtifactID, meta.FileName)
	size := remote.Size
	if size < 0 {
		size = -1
	}
	if _, err := a.blobs.Put(ctx, key, remote.Body, size); err != nil {
		return "", err
	}
	events.Emit(ctx, a.publisher, events.Event{
		Type:       events.ArtifactFetched,
		TaskID:     meta.TaskID,
		ArtifactID: meta.ArtifactID,
		Name:       "Fetching remote artifact",
		Attributes: map[string]string{"uri": meta.URI},
	})
	return sourceRemote, nil
}

// recordArtifact 写入元数据并记录审计、指标与追踪事件。
func (a *Agent) recordArtifact(ctx context.Context, meta *task.Artifact, source string) error {
	if err := a.store.CreateArtifact(ctx, meta); err != nil {
		return err
	}
	a.metrics.ObserveArtifact(source)
	logger.Audit().Info("产物已创建",
		"task_id", meta.TaskID,
		"artifact_id", meta.ArtifactID,
		"step_id", meta.StepID,
		"source", source,
		"file_name", meta.FileName,
	)
	events.Emit(ctx, a.publisher, events.Event{
		Type:       events.ArtifactCreated,
		TaskID:     meta.TaskID,
		StepID:     meta.StepID,
		ArtifactID: meta.ArtifactID,
		Name:       "Uploading task artifact",
		Attributes: map[string]string{"source": source, "file_name": meta.FileName},
	})
	return nil
}

// GetArtifact 返回产物元数据与内容流，调用方负责关闭内容流。
func (a *Agent) GetArtifact(ctx context.Context, taskID, artifactID string) (*task.Artifact, io.ReadCloser, error) {
	if a.store == nil || a.blobs == nil {
		return nil, nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置任务存储或产物存储")
	}
	meta, err := a.store.GetArtifact(ctx, taskID, artifactID)
	if err != nil {
		return nil, nil, err
	}
	key, err := artifact.StorageKey(meta.TaskID, meta.ArtifactID, meta.FileName, meta.URI)
	if err != nil {
		return nil, nil, xerrors.Wrap(artifact.CodeContentMissing, err, "artifact content not found",
			xerrors.WithMetadata("task_id", taskID),
			xerrors.WithMetadata("artifact_id", artifactID))
	}
	body, err := a.blobs.Open(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	return meta, body, nil
}

// ListArtifacts 按创建顺序分页返回产物。
func (a *Agent) ListArtifacts(ctx context.Context, taskID string, page, pageSize int) (*ArtifactListResponse, error) {
	if a.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置任务存储")
	}
	opts, err := listOptions(page, pageSize)
	if err != nil {
		return nil, err
	}
	items, total, err := a.store.ListArtifacts(ctx, taskID, opts)
	if err != nil {
		return nil, err
	}
	_, meta := pagination.Paginate(total, page, pageSize)
	return &ArtifactListResponse{Items: nonNil(items), Pagination: meta}, nil
}
