package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Step execution can be slow, so it is longer than a
// typical REST timeout.
const DefaultHTTPTimeout = 5 * time.Minute

// Client wraps the HTTP interactions with the AgentForge agent protocol API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Task mirrors the task resource returned by the server.
type Task struct {
	TaskID          string          `json:"task_id"`
	Input           string          `json:"input"`
	AdditionalInput json.RawMessage `json:"additional_input,omitempty"`
	Steps           []Step          `json:"steps"`
	Artifacts       []Artifact      `json:"artifacts"`
	CreatedAt       time.Time       `json:"created_at"`
	ModifiedAt      time.Time       `json:"modified_at"`
}

// Step mirrors the step resource returned by the server.
type Step struct {
	TaskID           string          `json:"task_id"`
	StepID           string          `json:"step_id"`
	Name             string          `json:"name,omitempty"`
	Input            string          `json:"input"`
	AdditionalInput  json.RawMessage `json:"additional_input,omitempty"`
	Status           string          `json:"status"`
	Output           string          `json:"output,omitempty"`
	AdditionalOutput json.RawMessage `json:"additional_output,omitempty"`
	Artifacts        []Artifact      `json:"artifacts"`
	IsLast           bool            `json:"is_last"`
	CreatedAt        time.Time       `json:"created_at"`
	ModifiedAt       time.Time       `json:"modified_at"`
}

// Artifact mirrors the artifact resource returned by the server.
type Artifact struct {
	ArtifactID   string    `json:"artifact_id"`
	TaskID       string    `json:"task_id"`
	StepID       string    `json:"step_id,omitempty"`
	FileName     string    `json:"file_name"`
	URI          string    `json:"uri"`
	AgentCreated bool      `json:"agent_created"`
	CreatedAt    time.Time `json:"created_at"`
}

// Pagination describes a page of a listing.
type Pagination struct {
	TotalItems  int `json:"total_items"`
	TotalPages  int `json:"total_pages"`
	CurrentPage int `json:"current_page"`
	PageSize    int `json:"page_size"`
}

// TaskList is a page of tasks.
type TaskList struct {
	Items      []Task     `json:"items"`
	Pagination Pagination `json:"pagination"`
}

// StepList is a page of steps.
type StepList struct {
	Items      []Step     `json:"items"`
	Pagination Pagination `json:"pagination"`
}

// ArtifactList is a page of artifacts.
type ArtifactList struct {
	Items      []Artifact `json:"items"`
	Pagination Pagination `json:"pagination"`
}

// TaskRequest is the payload used to create a task.
type TaskRequest struct {
	Input           string `json:"input"`
	AdditionalInput any    `json:"additional_input,omitempty"`
}

// StepRequest is the payload used to execute the next step of a task.
type StepRequest struct {
	Name            string `json:"name,omitempty"`
	Input           string `json:"input"`
	AdditionalInput any    `json:"additional_input,omitempty"`
}

// Page selects a page of a listing. Zero values use the server defaults.
type Page struct {
	Page     int
	PageSize int
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("agentforge api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentForge API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// CreateTask creates a new task.
func (c *Client) CreateTask(ctx context.Context, in TaskRequest) (Task, error) {
	var task Task
	err := c.postJSON(ctx, "/agent/tasks", in, &task)
	return task, err
}

// ListTasks returns a page of tasks.
func (c *Client) ListTasks(ctx context.Context, page Page) (TaskList, error) {
	var list TaskList
	err := c.get(ctx, "/agent/tasks", page.values(), &list)
	return list, err
}

// GetTask fetches a task with its steps and artifacts.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var task Task
	err := c.get(ctx, "/agent/tasks/"+url.PathEscape(taskID), nil, &task)
	return task, err
}

// ExecuteStep creates and runs the next step of a task and returns it once it
// has finished.
func (c *Client) ExecuteStep(ctx context.Context, taskID string, in StepRequest) (Step, error) {
	var step Step
	err := c.postJSON(ctx, "/agent/tasks/"+url.PathEscape(taskID)+"/steps", in, &step)
	return step, err
}

// ListSteps returns a page of the steps of a task.
func (c *Client) ListSteps(ctx context.Context, taskID string, page Page) (StepList, error) {
	var list StepList
	err := c.get(ctx, "/agent/tasks/"+url.PathEscape(taskID)+"/steps", page.values(), &list)
	return list, err
}

// GetStep fetches a single step.
func (c *Client) GetStep(ctx context.Context, taskID, stepID string) (Step, error) {
	var step Step
	err := c.get(ctx, "/agent/tasks/"+url.PathEscape(taskID)+"/steps/"+url.PathEscape(stepID), nil, &step)
	return step, err
}

// ListArtifacts returns a page of the artifacts of a task.
func (c *Client) ListArtifacts(ctx context.Context, taskID string, page Page) (ArtifactList, error) {
	var list ArtifactList
	err := c.get(ctx, "/agent/tasks/"+url.PathEscape(taskID)+"/artifacts", page.values(), &list)
	return list, err
}

// UploadArtifact uploads content as a multipart file.
func (c *Client) UploadArtifact(ctx context.Context, taskID, fileName string, content io.Reader) (Artifact, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("file", fileName)
	if err != nil {
		return Artifact{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return Artifact{}, fmt.Errorf("copy artifact content: %w", err)
	}
	if err := form.Close(); err != nil {
		return Artifact{}, fmt.Errorf("close multipart body: %w", err)
	}
	return c.postArtifact(ctx, taskID, form.FormDataContentType(), &buf)
}

// ArtifactFromURI registers an artifact by reference. http(s) URIs are
// fetched by the server; file URIs are read when the artifact is downloaded.
func (c *Client) ArtifactFromURI(ctx context.Context, taskID, uri string) (Artifact, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if err := form.WriteField("uri", uri); err != nil {
		return Artifact{}, fmt.Errorf("write uri field: %w", err)
	}
	if err := form.Close(); err != nil {
		return Artifact{}, fmt.Errorf("close multipart body: %w", err)
	}
	return c.postArtifact(ctx, taskID, form.FormDataContentType(), &buf)
}

// DownloadArtifact streams the artifact content. The caller must close the
// returned reader.
func (c *Client) DownloadArtifact(ctx context.Context, taskID, artifactID string) (io.ReadCloser, string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/agent/tasks/"+url.PathEscape(taskID)+"/artifacts/"+url.PathEscape(artifactID), nil, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("perform request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, "", decodeError(resp)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

func (c *Client) postArtifact(ctx context.Context, taskID, contentType string, body io.Reader) (Artifact, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/agent/tasks/"+url.PathEscape(taskID)+"/artifacts", nil, body)
	if err != nil {
		return Artifact{}, err
	}
	req.Header.Set("Content-Type", contentType)
	var out Artifact
	err = c.do(req, &out)
	return out, err
}

func (c *Client) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	u.RawPath = ""
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		// non-JSON bodies fall back to the raw text
		_ = json.Unmarshal(data, apiErr)
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}

func (p Page) values() url.Values {
	q := url.Values{}
	if p.Page > 0 {
		q.Set("page", strconv.Itoa(p.Page))
	}
	if p.PageSize > 0 {
		q.Set("pageSize", strconv.Itoa(p.PageSize))
	}
	return q
}
