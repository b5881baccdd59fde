// Package command 通过外部进程完成补全：请求以 JSON 写入标准输入，
// 进程在标准输出返回 {"content": "..."} 或纯文本。
package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/llm"
)

// Config 描述外部命令。
type Config struct {
	Path       string
	Args       []string
	WorkingDir string
	Env        []string
}

// Client 通过调用外部命令实现补全。
type Client struct {
	path       string
	args       []string
	workingDir string
	env        []string
}

var _ llm.Client = (*Client)(nil)

// NewClient 创建命令客户端。
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("未指定补全命令路径")
	}
	return &Client{
		path:       cfg.Path,
		args:       cfg.Args,
		workingDir: cfg.WorkingDir,
		env:        cfg.Env,
	}, nil
}

// Complete 执行外部命令，并解析输出。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.path, c.args...)
	if c.workingDir != "" {
		cmd.Dir = c.workingDir
	}
	if len(c.env) > 0 {
		cmd.Env = append(cmd.Environ(), c.env...)
	}
	cmd.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "补全命令超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeUnavailable, err,
			fmt.Sprintf("执行补全命令失败, stderr=%s", strings.TrimSpace(stderr.String())))
	}

	out := bytes.TrimSpace(stdout.Bytes())
	var resp llm.Response
	if len(out) > 0 && out[0] == '{' {
		if err := json.Unmarshal(out, &resp); err == nil && resp.Content != "" {
			return &resp, nil
		}
	}
	return &llm.Response{Content: string(out)}, nil
}

// ResolvePath 根据工作目录推导命令的绝对路径。
func ResolvePath(baseDir, path string) string {
	if path == "" {
		return ""
	}
	if filepath.IsAbs(path) || !strings.ContainsRune(path, filepath.Separator) {
		return path
	}
	if baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}
