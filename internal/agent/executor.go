package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"AgentForge/internal/knowledge"
	"AgentForge/internal/llm"
	"AgentForge/internal/task"
)

// ExecutionContext 是执行器可见的任务状态。Task 只包含当前步骤之前的步骤。
type ExecutionContext struct {
	Task *task.Task
	Step *task.Step
}

// OutputFile 是执行器生成、需要保存为产物的文件。
type OutputFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// StepResult 是一次步骤执行的结果。IsLast 由执行器决定。
type StepResult struct {
	Name             string          `json:"name,omitempty"`
	Output           string          `json:"output"`
	AdditionalOutput json.RawMessage `json:"additional_output,omitempty"`
	IsLast           bool            `json:"is_last"`
	Files            []OutputFile    `json:"files,omitempty"`
}

// Executor 执行一个步骤。实现需要遵守 ctx 的取消与超时。
type Executor interface {
	Execute(ctx context.Context, exec ExecutionContext) (*StepResult, error)
}

// ExecutorFunc 让普通函数实现 Executor。
type ExecutorFunc func(ctx context.Context, exec ExecutionContext) (*StepResult, error)

// Execute 实现 Executor 接口。
func (f ExecutorFunc) Execute(ctx context.Context, exec ExecutionContext) (*StepResult, error) {
	return f(ctx, exec)
}

// defaultHistoryDepth 是提示词中可参考的历史步骤数量的默认值。
const defaultHistoryDepth = 5

const systemPrompt = `You are an autonomous agent advancing a task one step at a time.
Reply with a single JSON object and nothing else:
{"name": "<short step name>", "output": "<what you did or found>", "additional_output": {}, "is_last": <true when the task is complete>, "files": [{"name": "<file name>", "content": "<file text>"}]}
Only "output" and "is_last" are required.`

// LLMExecutor 通过大模型推进步骤。
type LLMExecutor struct {
	client       llm.Client
	model        string
	temperature  *float64
	maxTokens    int
	historyDepth int
	knowledge    knowledge.Provider
}

// ExecutorOption 定义 LLMExecutor 的可选配置。
type ExecutorOption func(*LLMExecutor)

// WithModel 指定模型名称，为空时使用提供方的默认模型。
func WithModel(model string) ExecutorOption {
	return func(e *LLMExecutor) { e.model = model }
}

// WithTemperature 指定采样温度。
func WithTemperature(v float64) ExecutorOption {
	return func(e *LLMExecutor) { e.temperature = llm.Temperature(v) }
}

// WithMaxTokens 限制单次回复的长度。
func WithMaxTokens(n int) ExecutorOption {
	return func(e *LLMExecutor) { e.maxTokens = n }
}

// WithHistoryDepth 设置提示词中可参考的历史步骤数量。
func WithHistoryDepth(depth int) ExecutorOption {
	return func(e *LLMExecutor) {
		if depth > 0 {
			e.historyDepth = depth
		}
	}
}

// WithKnowledgeProvider 配置知识库，用于在推理前补充上下文。
func WithKnowledgeProvider(provider knowledge.Provider) ExecutorOption {
	return func(e *LLMExecutor) { e.knowledge = provider }
}

// NewLLMExecutor 创建基于大模型的执行器。
func NewLLMExecutor(client llm.Client, opts ...ExecutorOption) *LLMExecutor {
	e := &LLMExecutor{client: client, historyDepth: defaultHistoryDepth}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

var _ Executor = (*LLMExecutor)(nil)

// Execute 实现 Executor 接口。
func (e *LLMExecutor) Execute(ctx context.Context, exec ExecutionContext) (*StepResult, error) {
	if e.client == nil {
		return nil, fmt.Errorf("未配置大模型客户端")
	}
	resp, err := e.client.Complete(ctx, llm.Request{
		Model: e.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: systemPrompt},
			{Role: llm.RoleUser, Content: e.prompt(exec)},
		},
		Temperature: e.temperature,
		MaxTokens:   e.maxTokens,
	})
	if err != nil {
		return nil, err
	}
	return ParseStepResult(resp.Content), nil
}

func (e *LLMExecutor) prompt(exec ExecutionContext) string {
	var b strings.Builder
	if exec.Task != nil {
		fmt.Fprintf(&b, "Task: %s\n", exec.Task.Input)
		if len(exec.Task.AdditionalInput) > 0 {
			fmt.Fprintf(&b, "Task additional input: %s\n", exec.Task.AdditionalInput)
		}
		steps := exec.Task.Steps
		if len(steps) > e.historyDepth {
			steps = steps[len(steps)-e.historyDepth:]
		}
		if len(steps) > 0 {
			b.WriteString("\nPrevious steps:\n")
			for _, s := range steps {
				fmt.Fprintf(&b, "- [%s] %s: %s\n", s.Status, stepLabel(s), s.Output)
			}
		}
	}
	if e.knowledge != nil && exec.Task != nil {
		query := exec.Task.Input
		if exec.Step != nil {
			query += " " + exec.Step.Input
		}
		if snippets := e.knowledge.Query(query); len(snippets) > 0 {
			b.WriteString("\nReference notes:\n")
			for _, s := range snippets {
				fmt.Fprintf(&b, "- %s: %s\n", s.Title, s.Content)
			}
		}
	}
	if exec.Step != nil {
		fmt.Fprintf(&b, "\nCurrent step input: %s\n", exec.Step.Input)
		if len(exec.Step.AdditionalInput) > 0 {
			fmt.Fprintf(&b, "Current step additional input: %s\n", exec.Step.AdditionalInput)
		}
	}
	return b.String()
}

func stepLabel(s *task.Step) string {
	if s.Name != "" {
		return s.Name
	}
	return s.StepID
}

// ParseStepResult 解析模型回复；无法解析为 JSON 对象的回复整体作为 output，is_last 为 false。
func ParseStepResult(content string) *StepResult {
	trimmed := stripFence(strings.TrimSpace(content))
	var parsed struct {
		Name             string          `json:"name"`
		Output           *string         `json:"output"`
		AdditionalOutput json.RawMessage `json:"additional_output"`
		IsLast           bool            `json:"is_last"`
		Files            []OutputFile    `json:"files"`
	}
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil || parsed.Output == nil {
		return &StepResult{Output: strings.TrimSpace(content)}
	}
	result := &StepResult{
		Name:   parsed.Name,
		Output: *parsed.Output,
		IsLast: parsed.IsLast,
		Files:  parsed.Files,
	}
	if raw := parsed.AdditionalOutput; len(raw) > 0 && string(raw) != "null" {
		result.AdditionalOutput = raw
	}
	return result
}

// stripFence 去掉模型常见的 ```json 代码块包裹。
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
