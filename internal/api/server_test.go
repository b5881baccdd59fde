package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"AgentForge/internal/agent"
	"AgentForge/internal/artifact"
	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/observability/metrics"
	"AgentForge/internal/task"
)

func newTestServer(t *testing.T, exec agent.Executor, opts ...Option) http.Handler {
	t.Helper()
	blobs, err := artifact.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("local store: %v", err)
	}
	ag := agent.New(task.NewMemoryStore(), blobs, exec)
	return NewServer(":0", ag, opts...).Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[errorBody](t, rec).Error
}

func createTask(t *testing.T, h http.Handler) task.Task {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/agent/tasks", strings.NewReader(`{"input":"goal","additional_input":{"k":"v"}}`), "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("create task: %d %s", rec.Code, rec.Body.String())
	}
	return decode[task.Task](t, rec)
}

func multipartBody(t *testing.T, fields map[string]string, fileName, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if fileName != "" {
		part, err := mw.CreateFormFile("file", fileName)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		_, _ = io.WriteString(part, content)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestRootAndHeartbeat(t *testing.T) {
	h := newTestServer(t, nil)
	if rec := do(t, h, http.MethodGet, "/", nil, ""); rec.Code != http.StatusOK || rec.Body.String() != "Welcome to the AgentForge" {
		t.Fatalf("unexpected root response: %d %q", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodGet, "/heartbeat", nil, ""); rec.Code != http.StatusOK || rec.Body.String() != "Server is running." {
		t.Fatalf("unexpected heartbeat response: %d %q", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodGet, "/nope", nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status for unknown route: %d", rec.Code)
	}
}

func TestTaskRoutes(t *testing.T) {
	h := newTestServer(t, nil)
	created := createTask(t, h)
	if created.TaskID == "" || created.Input != "goal" || string(created.AdditionalInput) != `{"k":"v"}` {
		t.Fatalf("unexpected task: %+v", created)
	}
	createTask(t, h)

	rec := do(t, h, http.MethodGet, "/agent/tasks?page=0&pageSize=abc", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list tasks: %d", rec.Code)
	}
	list := decode[agent.TaskListResponse](t, rec)
	if len(list.Items) != 2 || list.Pagination.CurrentPage != 1 || list.Pagination.PageSize != 10 || list.Pagination.TotalPages != 1 {
		t.Fatalf("unexpected list: %+v", list)
	}

	rec = do(t, h, http.MethodGet, "/agent/tasks?page=3&pageSize=1", nil, "")
	list = decode[agent.TaskListResponse](t, rec)
	if len(list.Items) != 0 || list.Pagination.TotalItems != 2 || list.Pagination.TotalPages != 2 {
		t.Fatalf("unexpected out of range page: %+v", list)
	}
	if !strings.Contains(rec.Body.String(), `"items":[]`) {
		t.Fatalf("empty page must encode items as an empty array: %s", rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/agent/tasks/"+created.TaskID, nil, "")
	if rec.Code != http.StatusOK || decode[task.Task](t, rec).TaskID != created.TaskID {
		t.Fatalf("get task: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/agent/tasks/missing", nil, "")
	if rec.Code != http.StatusNotFound || errorMessage(t, rec) != "Task not found" {
		t.Fatalf("unexpected not found response: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/agent/tasks", strings.NewReader("{"), "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", rec.Code)
	}
}

func TestStepRoutes(t *testing.T) {
	calls := 0
	exec := agent.ExecutorFunc(func(_ context.Context, ec agent.ExecutionContext) (*agent.StepResult, error) {
		calls++
		return &agent.StepResult{Output: "did " + ec.Step.Input, IsLast: calls == 2}, nil
	})
	h := newTestServer(t, exec)
	created := createTask(t, h)
	stepsPath := "/agent/tasks/" + created.TaskID + "/steps"

	// An empty body is accepted.
	rec := do(t, h, http.MethodPost, stepsPath, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("first step: %d %s", rec.Code, rec.Body.String())
	}
	first := decode[task.Step](t, rec)
	if first.Status != task.StepCompleted || first.IsLast {
		t.Fatalf("unexpected first step: %+v", first)
	}

	rec = do(t, h, http.MethodPost, stepsPath, strings.NewReader(`{"input":"finish"}`), "application/json")
	last := decode[task.Step](t, rec)
	if rec.Code != http.StatusOK || !last.IsLast || last.Output != "did finish" {
		t.Fatalf("unexpected last step: %d %+v", rec.Code, last)
	}

	rec = do(t, h, http.MethodPost, stepsPath, strings.NewReader(`{}`), "application/json")
	if rec.Code != http.StatusConflict || !strings.Contains(errorMessage(t, rec), created.TaskID) {
		t.Fatalf("expected terminal conflict, got %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, stepsPath+"?pageSize=1&page=2", nil, "")
	steps := decode[agent.StepListResponse](t, rec)
	if len(steps.Items) != 1 || steps.Items[0].StepID != last.StepID || steps.Pagination.TotalItems != 2 {
		t.Fatalf("unexpected steps page: %+v", steps)
	}

	rec = do(t, h, http.MethodGet, stepsPath+"/"+first.StepID, nil, "")
	if rec.Code != http.StatusOK || decode[task.Step](t, rec).StepID != first.StepID {
		t.Fatalf("get step: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodGet, stepsPath+"/missing", nil, "")
	if rec.Code != http.StatusNotFound || errorMessage(t, rec) != "Step not found" {
		t.Fatalf("unexpected missing step response: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/agent/tasks/missing/steps", nil, "")
	if rec.Code != http.StatusNotFound || errorMessage(t, rec) != "Task not found missing" {
		t.Fatalf("unexpected unknown task response: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodGet, "/agent/tasks/missing/steps", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 listing steps of unknown task, got %d", rec.Code)
	}
}

func TestStepFailureIsInternalError(t *testing.T) {
	exec := agent.ExecutorFunc(func(context.Context, agent.ExecutionContext) (*agent.StepResult, error) {
		return nil, errors.New("secret provider detail")
	})
	h := newTestServer(t, exec)
	created := createTask(t, h)

	rec := do(t, h, http.MethodPost, "/agent/tasks/"+created.TaskID+"/steps", nil, "")
	if rec.Code != http.StatusInternalServerError || errorMessage(t, rec) != internalErrorMessage {
		t.Fatalf("unexpected failure response: %d %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "secret") {
		t.Fatalf("internal detail leaked: %s", rec.Body.String())
	}
}

func TestArtifactRoutes(t *testing.T) {
	h := newTestServer(t, nil)
	created := createTask(t, h)
	artifactsPath := "/agent/tasks/" + created.TaskID + "/artifacts"

	body, contentType := multipartBody(t, nil, "report.json", `{"ok":true}`)
	rec := do(t, h, http.MethodPost, artifactsPath, body, contentType)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body.String())
	}
	uploaded := decode[task.Artifact](t, rec)
	if uploaded.FileName != "report.json" || !strings.HasPrefix(uploaded.URI, "file://") {
		t.Fatalf("unexpected artifact: %+v", uploaded)
	}

	rec = do(t, h, http.MethodGet, artifactsPath+"/"+uploaded.ArtifactID, nil, "")
	if rec.Code != http.StatusOK || rec.Body.String() != `{"ok":true}` {
		t.Fatalf("download: %d %q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "report.json") {
		t.Fatalf("unexpected content disposition %q", cd)
	}

	// A file reference may be passed as a query parameter.
	rec = do(t, h, http.MethodPost, artifactsPath+"?uri=file://shared/data.csv", nil, "")
	if rec.Code != http.StatusOK || decode[task.Artifact](t, rec).URI != "file://shared/data.csv" {
		t.Fatalf("uri artifact: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, artifactsPath+"?page=1&pageSize=1", nil, "")
	list := decode[agent.ArtifactListResponse](t, rec)
	if len(list.Items) != 1 || list.Items[0].ArtifactID != uploaded.ArtifactID || list.Pagination.TotalPages != 2 {
		t.Fatalf("unexpected artifact list: %+v", list)
	}

	rec = do(t, h, http.MethodGet, artifactsPath+"/missing", nil, "")
	want := "Artifact not found - task_id: " + created.TaskID + ", artifact_id: missing"
	if rec.Code != http.StatusNotFound || errorMessage(t, rec) != want {
		t.Fatalf("unexpected missing artifact response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestArtifactUploadValidation(t *testing.T) {
	h := newTestServer(t, nil)
	created := createTask(t, h)
	artifactsPath := "/agent/tasks/" + created.TaskID + "/artifacts"

	neither, ct := multipartBody(t, nil, "", "")
	both, ctBoth := multipartBody(t, map[string]string{"uri": "https://example.com/a"}, "a.txt", "a")
	badScheme, ctBad := multipartBody(t, map[string]string{"uri": "ftp://example.com/a"}, "", "")
	noHost, ctNoHost := multipartBody(t, map[string]string{"uri": "http://"}, "", "")
	noPath, ctNoPath := multipartBody(t, map[string]string{"uri": "file://"}, "", "")

	cases := []struct {
		body        io.Reader
		contentType string
		want        string
	}{
		{neither, ct, "Either file or uri must be specified"},
		{both, ctBoth, "Both file and uri cannot be specified at the same time"},
		{badScheme, ctBad, "URI must start with http, https or file"},
		{noHost, ctNoHost, "Invalid URI: uri is missing a host"},
		{noPath, ctNoPath, "Invalid URI: file uri has no path"},
	}
	for _, tc := range cases {
		rec := do(t, h, http.MethodPost, artifactsPath, tc.body, tc.contentType)
		if rec.Code != http.StatusNotFound || errorMessage(t, rec) != tc.want {
			t.Fatalf("unexpected validation response: %d %s", rec.Code, rec.Body.String())
		}
	}

	body, contentType := multipartBody(t, nil, "a.txt", "a")
	rec := do(t, h, http.MethodPost, "/agent/tasks/missing/artifacts", body, contentType)
	if rec.Code != http.StatusNotFound || errorMessage(t, rec) != "Task not found" {
		t.Fatalf("unexpected unknown task response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestArtifactUploadSizeLimit(t *testing.T) {
	h := newTestServer(t, nil, WithMaxUploadBytes(64))
	created := createTask(t, h)

	body, contentType := multipartBody(t, nil, "big.bin", strings.Repeat("x", 4096))
	rec := do(t, h, http.MethodPost, "/agent/tasks/"+created.TaskID+"/artifacts", body, contentType)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d %s", rec.Code, rec.Body.String())
	}
}

type failingFacade struct {
	agent.Facade
	err error
}

func (f failingFacade) ListTasks(context.Context, int, int) (*agent.TaskListResponse, error) {
	return nil, f.err
}

func TestErrorFamiliesMapToStatus(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{xerrors.New(xerrors.CodeInvalidArgument, "bad page"), http.StatusBadRequest},
		{task.ErrTaskNotFound, http.StatusNotFound},
		{task.ErrTaskTerminal, http.StatusConflict},
		{xerrors.New(xerrors.CodeStorageFailure, "db down"), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		h := NewServer(":0", failingFacade{err: tc.err}).Handler()
		rec := do(t, h, http.MethodGet, "/agent/tasks", nil, "")
		if rec.Code != tc.code {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.code, rec.Code)
		}
	}
}

func TestMetricsRoute(t *testing.T) {
	h := newTestServer(t, nil, WithMetrics(metrics.New()))
	do(t, h, http.MethodGet, "/heartbeat", nil, "")

	rec := do(t, h, http.MethodGet, "/metrics", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `agentforge_http_requests_total{code="200",handler="GET /heartbeat",method="GET"} 1`) {
		t.Fatalf("heartbeat request not recorded:\n%s", rec.Body.String())
	}
}
