// Package artifact 负责产物内容的存放、远程获取与类型识别。
//
// 元数据由 task.Store 记录，本包只处理字节内容：上传与远程获取的内容
// 统一存放在 "<task_id>/<artifact_id>/<file_name>" 键下。
package artifact

import (
	"context"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	xerrors "AgentForge/internal/errors"
)

const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
	SchemeFile  = "file"

	CodeInvalidSource     xerrors.Code = "ARTIFACT_INVALID_SOURCE"
	CodeUnsupportedScheme xerrors.Code = "ARTIFACT_UNSUPPORTED_SCHEME"
	CodeInvalidURI        xerrors.Code = "ARTIFACT_INVALID_URI"
	CodeContentMissing    xerrors.Code = "ARTIFACT_CONTENT_MISSING"
	CodeFetchFailed       xerrors.Code = "ARTIFACT_FETCH_FAILED"
)

var (
	// ErrInvalidSource 表示上传时文件与 URI 必须且只能提供其一。
	ErrInvalidSource = xerrors.New(CodeInvalidSource, "either file or uri must be specified")
	// ErrContentMissing 表示元数据存在但内容已不可读。
	ErrContentMissing = xerrors.New(CodeContentMissing, "artifact content not found")
)

func init() {
	xerrors.Register(CodeInvalidSource, xerrors.Attributes{
		Message:  "either file or uri must be specified",
		Family:   xerrors.CodeInvalidArgument,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeUnsupportedScheme, xerrors.Attributes{
		Message:  "unsupported uri scheme",
		Family:   xerrors.CodeInvalidArgument,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidURI, xerrors.Attributes{
		Message:  "invalid uri",
		Family:   xerrors.CodeInvalidArgument,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeContentMissing, xerrors.Attributes{
		Message:  "artifact content not found",
		Family:   xerrors.CodeNotFound,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeFetchFailed, xerrors.Attributes{
		Message:   "fetching remote artifact failed",
		Family:    xerrors.CodeUnavailable,
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// Info 描述已存放内容的基本信息。
type Info struct {
	Key         string
	Size        int64
	ContentType string
	ModTime     time.Time
}

// BlobStore 抽象产物内容的存储后端。
type BlobStore interface {
	// Put 写入内容，size 未知时传入 -1，返回实际写入的字节数。
	Put(ctx context.Context, key string, r io.Reader, size int64) (int64, error)
	// Open 打开内容，键不存在时返回 ErrContentMissing。
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (Info, error)
}

// Key 返回上传或远程获取内容的存放键。
func Key(taskID, artifactID, fileName string) string {
	return path.Join(taskID, artifactID, SafeFileName(fileName))
}

// FileURI 将存放键表示为 file URI。
func FileURI(key string) string {
	return SchemeFile + "://" + key
}

// SafeFileName 去除目录部分，空名称回退为 "artifact"。
func SafeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	base := path.Base(strings.TrimSpace(name))
	if base == "." || base == "/" || base == ".." || base == "" {
		return "artifact"
	}
	return base
}

// ParseURI 校验产物 URI，只接受 http、https 与 file。
// 不支持的 scheme 返回 CodeUnsupportedScheme，scheme 正确但内容不完整时返回 CodeInvalidURI。
func ParseURI(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidSource
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalidURI, err, "uri cannot be parsed")
	}
	switch strings.ToLower(u.Scheme) {
	case SchemeHTTP, SchemeHTTPS:
		if u.Host == "" {
			return nil, xerrors.New(CodeInvalidURI, "uri is missing a host")
		}
	case SchemeFile:
		if _, err := FileKey(u); err != nil {
			return nil, err
		}
	default:
		return nil, xerrors.New(CodeUnsupportedScheme, "unsupported uri scheme",
			xerrors.WithMetadata("scheme", u.Scheme))
	}
	return u, nil
}

// FileKey 将 file URI 映射为存放键，拒绝越出存储根目录的路径。
func FileKey(u *url.URL) (string, error) {
	joined := strings.TrimPrefix(path.Join(u.Host, u.Path), "/")
	if joined == "" || joined == "." {
		return "", xerrors.New(CodeInvalidURI, "file uri has no path")
	}
	raw := u.Host + u.Path
	for _, part := range strings.Split(raw, "/") {
		if part == ".." {
			return "", xerrors.New(CodeInvalidURI, "file uri escapes the workspace")
		}
	}
	return joined, nil
}

// NameFromURI 从 URI 路径推断文件名。
func NameFromURI(u *url.URL) string {
	return SafeFileName(path.Base(u.Path))
}

// StorageKey 返回产物内容所在的键：file 引用直接映射，其余使用标准键布局。
func StorageKey(taskID, artifactID, fileName, uri string) (string, error) {
	u, err := ParseURI(uri)
	if err != nil {
		return "", err
	}
	if strings.EqualFold(u.Scheme, SchemeFile) {
		return FileKey(u)
	}
	return Key(taskID, artifactID, fileName), nil
}
