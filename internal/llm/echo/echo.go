// Package echo 提供离线的确定性补全实现，便于本地开发与测试。
package echo

import (
	"context"

	"AgentForge/internal/llm"
)

// Client 原样返回最后一条用户消息。
type Client struct {
	Model string
}

var _ llm.Client = (*Client)(nil)

// New 创建 echo 客户端。
func New() *Client {
	return &Client{Model: "echo"}
}

// Complete 实现 llm.Client 接口。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &llm.Response{Content: llm.LastUserMessage(req), Model: c.Model}, nil
}
