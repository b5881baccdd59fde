package artifact

import (
	"context"
	"fmt"
	"io"
	"net/http"

	xerrors "AgentForge/internal/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig 描述 S3 兼容存储的连接参数。
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
	Prefix    string
}

// MinIOStore 将内容存放在 S3 兼容的对象存储中。
type MinIOStore struct {
	client *minio.Client
	bucket string
	prefix string
}

var _ BlobStore = (*MinIOStore)(nil)

// NewMinIOStore 创建客户端并确保存储桶存在。
func NewMinIOStore(ctx context.Context, cfg MinIOConfig) (*MinIOStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MinIO endpoint 与 bucket 不能为空")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "无法创建 MinIO 客户端")
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "MinIO 健康检查失败")
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, fmt.Sprintf("创建存储桶 %s 失败", cfg.Bucket))
		}
	}
	return &MinIOStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Put 实现 BlobStore 接口。
func (s *MinIOStore) Put(ctx context.Context, key string, r io.Reader, size int64) (int64, error) {
	contentType, body, err := Sniff(r)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取产物内容失败")
	}
	info, err := s.client.PutObject(ctx, s.bucket, s.object(key), body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "上传产物到 MinIO 失败")
	}
	return info.Size, nil
}

// Open 实现 BlobStore 接口。GetObject 是惰性的，因此先 Stat 以便区分不存在的键。
func (s *MinIOStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if _, err := s.Stat(ctx, key); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, s.object(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, s.mapError(err, key, "读取 MinIO 产物失败")
	}
	return obj, nil
}

// Stat 实现 BlobStore 接口。
func (s *MinIOStore) Stat(ctx context.Context, key string) (Info, error) {
	info, err := s.client.StatObject(ctx, s.bucket, s.object(key), minio.StatObjectOptions{})
	if err != nil {
		return Info{}, s.mapError(err, key, "读取 MinIO 产物信息失败")
	}
	return Info{Key: key, Size: info.Size, ContentType: info.ContentType, ModTime: info.LastModified}, nil
}

func (s *MinIOStore) object(key string) string {
	return s.prefix + key
}

func (s *MinIOStore) mapError(err error, key, message string) error {
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey" {
		return xerrors.Wrap(CodeContentMissing, err, "", xerrors.WithMetadata("key", key))
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}
