package llm

import (
	"context"
	"fmt"
	"strings"
)

// 消息角色。
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message 是对话中的一条消息。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request 描述一次补全请求。Temperature 为 nil 时使用提供方的默认值。
type Request struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Response 是补全结果。
type Response struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc 让普通函数实现 Client。
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Complete 实现 Client 接口。
func (f ClientFunc) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Temperature 返回指向 v 的指针，便于构造请求。
func Temperature(v float64) *float64 {
	return &v
}

// CallFunction 让模型扮演给定签名的函数，只返回其 return 值。
// 参数为 nil 时以 "None" 表示。
func CallFunction(ctx context.Context, client Client, function string, args []any, description string) (string, error) {
	rendered := make([]string, 0, len(args))
	for _, arg := range args {
		if arg == nil {
			rendered = append(rendered, "None")
			continue
		}
		rendered = append(rendered, fmt.Sprint(arg))
	}
	resp, err := client.Complete(ctx, Request{
		Messages: []Message{
			{
				Role: RoleSystem,
				Content: fmt.Sprintf("You are now the following function: ```# %s\n%s```\n\nOnly respond with your `return` value.",
					description, function),
			},
			{Role: RoleUser, Content: strings.Join(rendered, ", ")},
		},
		Temperature: Temperature(0),
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// LastUserMessage 返回最后一条用户消息的内容。
func LastUserMessage(req Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}
