package artifact

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"time"

	xerrors "AgentForge/internal/errors"
)

// Remote 是远程获取到的内容，调用方负责关闭 Body。
type Remote struct {
	Body        io.ReadCloser
	FileName    string
	ContentType string
	Size        int64
}

// Fetcher 获取 http(s) 产物。
type Fetcher interface {
	Fetch(ctx context.Context, u *url.URL) (*Remote, error)
}

// HTTPFetcher 使用 net/http 获取远程内容。
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
}

// FetcherOption 自定义 HTTPFetcher。
type FetcherOption func(*HTTPFetcher)

// WithHTTPClient 替换底层 HTTP 客户端。
func WithHTTPClient(client *http.Client) FetcherOption {
	return func(f *HTTPFetcher) {
		if client != nil {
			f.client = client
		}
	}
}

// WithMaxBytes 限制单个远程产物的大小。
func WithMaxBytes(limit int64) FetcherOption {
	return func(f *HTTPFetcher) {
		if limit > 0 {
			f.maxBytes = limit
		}
	}
}

// NewHTTPFetcher 创建远程获取器。
func NewHTTPFetcher(opts ...FetcherOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client:   &http.Client{Timeout: 60 * time.Second},
		maxBytes: 32 << 20,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Fetch 实现 Fetcher 接口。
func (f *HTTPFetcher) Fetch(ctx context.Context, u *url.URL) (*Remote, error) {
	if u.Scheme != SchemeHTTP && u.Scheme != SchemeHTTPS {
		return nil, xerrors.New(CodeUnsupportedScheme, "only http and https can be fetched")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, xerrors.Wrap(CodeFetchFailed, err, "构造远程请求失败")
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(CodeFetchFailed, err, "获取远程产物失败")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, xerrors.New(CodeFetchFailed, fmt.Sprintf("remote artifact returned status %d", resp.StatusCode),
			xerrors.WithMetadata("uri", u.String()))
	}
	if resp.ContentLength > f.maxBytes {
		resp.Body.Close()
		return nil, xerrors.New(CodeFetchFailed, "remote artifact exceeds size limit",
			xerrors.WithMetadata("uri", u.String()))
	}

	name := NameFromURI(u)
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		name = SafeFileName(params["filename"])
	}
	return &Remote{
		Body:        &limitedBody{r: io.LimitReader(resp.Body, f.maxBytes+1), c: resp.Body, limit: f.maxBytes},
		FileName:    name,
		ContentType: resp.Header.Get("Content-Type"),
		Size:        resp.ContentLength,
	}, nil
}

// limitedBody 在内容超过上限时返回错误，而不是静默截断。
type limitedBody struct {
	r     io.Reader
	c     io.Closer
	limit int64
	read  int64
}

func (b *limitedBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	b.read += int64(n)
	if b.read > b.limit {
		return n, xerrors.New(CodeFetchFailed, "remote artifact exceeds size limit")
	}
	return n, err
}

func (b *limitedBody) Close() error { return b.c.Close() }
