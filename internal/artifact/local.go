package artifact

import (
	"context"
	stdErrors "errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	xerrors "AgentForge/internal/errors"
)

// LocalStore 将内容存放在本地工作目录中。
type LocalStore struct {
	root string
}

var _ BlobStore = (*LocalStore)(nil)

// NewLocalStore 创建本地存储，目录不存在时自动创建。
func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		root = "workspace"
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析工作目录失败")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建工作目录失败")
	}
	return &LocalStore{root: abs}, nil
}

// Root 返回工作目录的绝对路径。
func (s *LocalStore) Root() string { return s.root }

// Put 先写入临时文件再重命名，读者不会看到写了一半的内容。
func (s *LocalStore) Put(ctx context.Context, key string, r io.Reader, _ int64) (int64, error) {
	target, err := s.resolve(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建产物目录失败")
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建临时文件失败")
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, contextReader{ctx: ctx, r: r})
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入产物失败")
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return n, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存产物失败")
	}
	return n, nil
}

// Open 实现 BlobStore 接口。
func (s *LocalStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	target, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(target)
	if err != nil {
		if stdErrors.Is(err, fs.ErrNotExist) {
			return nil, xerrors.Wrap(CodeContentMissing, err, "", xerrors.WithMetadata("key", key))
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开产物失败")
	}
	if info, err := file.Stat(); err == nil && info.IsDir() {
		file.Close()
		return nil, xerrors.New(CodeContentMissing, "", xerrors.WithMetadata("key", key))
	}
	return file, nil
}

// Stat 实现 BlobStore 接口。
func (s *LocalStore) Stat(_ context.Context, key string) (Info, error) {
	target, err := s.resolve(key)
	if err != nil {
		return Info{}, err
	}
	info, err := os.Stat(target)
	if err != nil {
		if stdErrors.Is(err, fs.ErrNotExist) {
			return Info{}, xerrors.Wrap(CodeContentMissing, err, "", xerrors.WithMetadata("key", key))
		}
		return Info{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取产物信息失败")
	}
	return Info{Key: key, Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (s *LocalStore) resolve(key string) (string, error) {
	rel := filepath.FromSlash(key)
	if !filepath.IsLocal(rel) {
		return "", xerrors.New(CodeInvalidURI, "artifact key escapes the workspace",
			xerrors.WithMetadata("key", key))
	}
	return filepath.Join(s.root, rel), nil
}

// contextReader 在每次读取前检查 ctx，使大文件写入可被取消。
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
