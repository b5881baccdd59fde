package api

import (
	"encoding/json"
	"net/http"

	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/task"
	"AgentForge/pkg/logger"
)

const internalErrorMessage = "Internal server error"

// errorBody 是所有失败响应的结构。
type errorBody struct {
	Error string `json:"error"`
}

// failure 描述某个路由对错误的个性化呈现。
type failure struct {
	// notFound 覆盖 404 的消息。
	notFound string
	// internal 覆盖 500 的消息，不得包含内部细节。
	internal string
	// validationStatus 覆盖校验失败的状态码，默认 400。
	validationStatus int
}

// statusFor 依据错误类别决定状态码，协议层是唯一做这种翻译的地方。
func statusFor(err error, f failure) int {
	switch xerrors.FamilyOfError(err) {
	case xerrors.CodeInvalidArgument:
		if f.validationStatus != 0 {
			return f.validationStatus
		}
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeTerminalState, xerrors.CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// fail 将业务错误写为 {"error": ...}，内部错误只返回通用消息并记录完整错误。
func fail(w http.ResponseWriter, r *http.Request, err error, f failure) {
	status := statusFor(err, f)
	switch status {
	case http.StatusInternalServerError:
		logger.Named("api").Error("请求处理失败",
			"method", r.Method,
			"path", r.URL.Path,
			"code", string(xerrors.CodeOf(err)),
			"error", err,
		)
		msg := f.internal
		if msg == "" {
			msg = internalErrorMessage
		}
		writeError(w, status, msg)
	case http.StatusNotFound:
		writeError(w, status, notFoundMessage(err, f))
	default:
		writeError(w, status, messageOf(err))
	}
}

func notFoundMessage(err error, f failure) string {
	if f.notFound != "" {
		return f.notFound
	}
	switch xerrors.CodeOf(err) {
	case task.CodeTaskNotFound:
		return "Task not found"
	case task.CodeStepNotFound:
		return "Step not found"
	case task.CodeArtifactNotFound:
		return "Artifact not found"
	}
	return messageOf(err)
}

func messageOf(err error) string {
	if e, ok := xerrors.From(err); ok {
		return e.Message()
	}
	return err.Error()
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Named("api").Warn("写入响应失败", "error", err)
	}
}
