package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"ShareFM/config"
	"ShareFM/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// piecePrefix 加密分片在桶内的目录
const piecePrefix = "pieces/"

// BucketStats 存储桶统计信息
type BucketStats struct {
	TotalObjects int64
	TotalSize    int64
	LastModified time.Time
}

// ObjectInfo 文件信息
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
}

// MinioPieceStore 以 MinIO 作为 piece 的存储后端
type MinioPieceStore struct {
	client *minio.Client
	bucket string
}

// NewMinioPieceStore 初始化 MinIO 客户端并确认存储桶存在
func NewMinioPieceStore(ctx context.Context, cfg *config.Config) (*MinioPieceStore, error) {
	if cfg.MinioEndpoint == "" {
		return nil, errors.New("MINIO_ENDPOINT not configured")
	}
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
		Region: cfg.MinioRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("创建 MinIO 客户端失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.MinioBucket)
	if err != nil {
		return nil, fmt.Errorf("检查存储桶失败: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("存储桶 %s 不存在", cfg.MinioBucket)
	}

	logger.Info("MinIO 连接成功", logger.String("endpoint", cfg.MinioEndpoint), logger.String("bucket", cfg.MinioBucket))
	return &MinioPieceStore{client: client, bucket: cfg.MinioBucket}, nil
}

// ObjectKey piece pointer 对应的对象名
func ObjectKey(piecePointer string) string {
	p := strings.TrimSpace(piecePointer)
	p = strings.TrimPrefix(p, "ipfs://")
	p = strings.TrimPrefix(p, "ar://")
	return piecePrefix + path.Base(p)
}

// Fetch 读取加密负载
func (s *MinioPieceStore) Fetch(ctx context.Context, piecePointer string) ([]byte, error) {
	key := ObjectKey(piecePointer)
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrPieceNotFound, key)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Put 上传加密负载，用于预置分片
func (s *MinioPieceStore) Put(ctx context.Context, piecePointer string, data []byte) error {
	key := ObjectKey(piecePointer)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// ListPieces 列出桶内的分片及统计
func (s *MinioPieceStore) ListPieces(ctx context.Context, prefix string) ([]ObjectInfo, *BucketStats, error) {
	stats := &BucketStats{}
	var objects []ObjectInfo
	opts := minio.ListObjectsOptions{Prefix: piecePrefix + prefix, Recursive: true}
	for object := range s.client.ListObjects(ctx, s.bucket, opts) {
		if object.Err != nil {
			return objects, stats, fmt.Errorf("列出对象时出错: %w", object.Err)
		}
		objects = append(objects, ObjectInfo{
			Key:          object.Key,
			Size:         object.Size,
			LastModified: object.LastModified,
			ETag:         object.ETag,
		})
		stats.TotalObjects++
		stats.TotalSize += object.Size
		if object.LastModified.After(stats.LastModified) {
			stats.LastModified = object.LastModified
		}
	}
	return objects, stats, nil
}

// FormatSize 人类可读的大小
func FormatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
