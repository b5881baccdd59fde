package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"AgentForge/internal/agent"
	"AgentForge/internal/artifact"
	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/pagination"
	"AgentForge/pkg/logger"
)

// multipartMemory 是解析上传表单时保存在内存中的上限，超出部分写入临时文件。
const multipartMemory = 8 << 20

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeText(w, "Welcome to the AgentForge")
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, _ *http.Request) {
	writeText(w, "Server is running.")
}

// handleCreateTask 处理创建任务的请求。
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req agent.TaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	created, err := s.facade.CreateTask(r.Context(), req)
	if err != nil {
		fail(w, r, err, failure{})
		return
	}
	writeJSON(w, http.StatusOK, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pageParams(r)
	list, err := s.facade.ListTasks(r.Context(), page, pageSize)
	if err != nil {
		fail(w, r, err, failure{})
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	found, err := s.facade.GetTask(r.Context(), r.PathValue("task_id"))
	if err != nil {
		fail(w, r, err, failure{})
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pageParams(r)
	list, err := s.facade.ListSteps(r.Context(), r.PathValue("task_id"), page, pageSize)
	if err != nil {
		fail(w, r, err, failure{})
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleExecuteStep 创建并同步执行一个步骤，请求体可以为空。
func (s *Server) handleExecuteStep(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	var req agent.StepRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	step, err := s.facade.CreateAndExecuteStep(r.Context(), taskID, req)
	if err != nil {
		fail(w, r, err, failure{notFound: fmt.Sprintf("Task not found %s", taskID)})
		return
	}
	writeJSON(w, http.StatusOK, step)
}

func (s *Server) handleGetStep(w http.ResponseWriter, r *http.Request) {
	step, err := s.facade.GetStep(r.Context(), r.PathValue("task_id"), r.PathValue("step_id"))
	if err != nil {
		fail(w, r, err, failure{})
		return
	}
	writeJSON(w, http.StatusOK, step)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pageParams(r)
	list, err := s.facade.ListArtifacts(r.Context(), r.PathValue("task_id"), page, pageSize)
	if err != nil {
		fail(w, r, err, failure{})
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleUploadArtifact 接收 multipart 表单中的 file 部分或 uri 字段，uri 也可以放在查询参数中。
func (s *Server) handleUploadArtifact(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)

	var upload agent.ArtifactUpload
	if err := r.ParseMultipartForm(multipartMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("Upload exceeds %d bytes", s.maxUploadBytes))
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	upload.URI = strings.TrimSpace(r.FormValue("uri"))
	file, header, err := r.FormFile("file")
	switch {
	case err == nil:
		defer file.Close()
		upload.File = &agent.File{Name: header.Filename, Reader: file, Size: header.Size}
	case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
	default:
		writeError(w, http.StatusBadRequest, "Invalid file part")
		return
	}

	// 形态校验在进入业务层之前完成。
	if msg := uploadShapeError(upload); msg != "" {
		writeError(w, http.StatusNotFound, msg)
		return
	}

	created, err := s.facade.CreateArtifact(r.Context(), taskID, upload)
	if err != nil {
		fail(w, r, err, failure{validationStatus: http.StatusNotFound})
		return
	}
	writeJSON(w, http.StatusOK, created)
}

func uploadShapeError(upload agent.ArtifactUpload) string {
	switch {
	case upload.File == nil && upload.URI == "":
		return "Either file or uri must be specified"
	case upload.File != nil && upload.URI != "":
		return "Both file and uri cannot be specified at the same time"
	case upload.URI != "":
		if _, err := artifact.ParseURI(upload.URI); err != nil {
			if xerrors.CodeOf(err) == artifact.CodeUnsupportedScheme {
				return "URI must start with http, https or file"
			}
			msg := "Invalid URI"
			if e, ok := xerrors.From(err); ok {
				msg += ": " + e.Message()
			}
			return msg
		}
	}
	return ""
}

// handleDownloadArtifact 以流的形式返回产物内容。
func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	taskID, artifactID := r.PathValue("task_id"), r.PathValue("artifact_id")
	meta, body, err := s.facade.GetArtifact(r.Context(), taskID, artifactID)
	if err != nil {
		fail(w, r, err, failure{
			notFound: fmt.Sprintf("Artifact not found - task_id: %s, artifact_id: %s", taskID, artifactID),
			internal: fmt.Sprintf("Internal server error - task_id: %s, artifact_id: %s", taskID, artifactID),
		})
		return
	}
	defer body.Close()

	contentType, content, err := artifact.ContentType(meta.FileName, body)
	if err != nil {
		fail(w, r, err, failure{
			internal: fmt.Sprintf("Internal server error - task_id: %s, artifact_id: %s", taskID, artifactID),
		})
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": meta.FileName}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, content); err != nil {
		logger.Named("api").Warn("产物内容传输中断",
			"task_id", taskID,
			"artifact_id", artifactID,
			"error", err,
		)
	}
}

// decodeJSON 解析请求体，空请求体视为 {}。
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// pageParams 读取分页参数并在边界处截断到合法范围。
func pageParams(r *http.Request) (int, int) {
	query := r.URL.Query()
	page := intParam(query.Get("page"), pagination.DefaultPage)
	pageSize := intParam(query.Get("pageSize"), pagination.DefaultPageSize)
	return pagination.Clamp(page, pageSize)
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func writeText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body)
}
