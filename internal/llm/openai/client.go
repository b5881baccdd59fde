package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/llm"
	"AgentForge/pkg/logger"
)

const (
	defaultBaseURL     = "https://api.openai.com/v1"
	defaultModelName   = "gpt-4o-mini"
	defaultTimeout     = 60 * time.Second
	defaultMaxRetries  = 10
	defaultBackoffUnit = time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	// MaxRetries 为限流（429）与网关错误（502）时的最大尝试次数。
	MaxRetries int
	// BackoffUnit 为退避时间单位，第 n 次失败后等待 2^(n+2) 个单位。
	BackoffUnit time.Duration
}

// Client 通过 HTTP 调用 OpenAI 兼容的 Chat Completions 接口。
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	maxRetries  int
	backoffUnit time.Duration
	httpClient  *http.Client
	sleep       func(ctx context.Context, d time.Duration) error
}

var _ llm.Client = (*Client)(nil)

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}
	unit := cfg.BackoffUnit
	if unit <= 0 {
		unit = defaultBackoffUnit
	}

	return &Client{
		apiKey:      apiKey,
		baseURL:     baseURL,
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		maxRetries:  retries,
		backoffUnit: unit,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		sleep: sleepContext,
	}, nil
}

// statusError 记录非成功的 HTTP 状态。
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("OpenAI 返回错误状态 %d: %s", e.status, e.body)
}

func (e *statusError) retryable() bool {
	return e.status == http.StatusTooManyRequests || e.status == http.StatusBadGateway
}

// Complete 调用 Chat Completions 接口，遇到限流或网关错误时指数退避重试。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		resp, err := c.do(ctx, payload)
		if err == nil {
			return resp, nil
		}
		var statusErr *statusError
		if !errors.As(err, &statusErr) || !statusErr.retryable() {
			return nil, err
		}
		lastErr = err
		if attempt == c.maxRetries-1 {
			break
		}
		backoff := time.Duration(1<<(attempt+2)) * c.backoffUnit
		logger.L().Warn("OpenAI 请求受限，等待重试",
			"status", statusErr.status,
			"attempt", attempt+1,
			"backoff", backoff.String(),
		)
		if err := c.sleep(ctx, backoff); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "等待重试时上下文结束")
		}
	}
	return nil, xerrors.Wrap(xerrors.CodeRetriesExhausted, lastErr,
		fmt.Sprintf("failed to get response after %d retries", c.maxRetries))
}

func (c *Client) do(ctx context.Context, payload []byte) (*llm.Response, error) {
	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnavailable, err, "构建 OpenAI 请求失败")
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "请求 OpenAI 超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeUnavailable, err, "请求 OpenAI 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		statusErr := &statusError{status: resp.StatusCode, body: strings.TrimSpace(string(body))}
		if statusErr.retryable() {
			return nil, statusErr
		}
		return nil, xerrors.Wrap(xerrors.CodeUnavailable, statusErr, "OpenAI 请求失败", xerrors.WithRetryable(false))
	}

	var decoded struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnavailable, err, "解析 OpenAI 响应失败")
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeUnavailable, "OpenAI 响应中没有有效的 choices")
	}

	return &llm.Response{
		Content: decoded.Choices[0].Message.Content,
		Model:   decoded.Model,
	}, nil
}

func (c *Client) buildPayload(req llm.Request) ([]byte, error) {
	if len(req.Messages) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "补全请求缺少消息")
	}
	model := req.Model
	if model == "" {
		model = c.model
	}
	temperature := c.temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	body := map[string]any{
		"model":       model,
		"messages":    req.Messages,
		"temperature": temperature,
	}
	maxTokens := c.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	if maxTokens > 0 {
		body["max_tokens"] = maxTokens
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}
	return encoded, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
