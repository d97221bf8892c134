package service

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gabriel-vasile/mimetype"
)

// ==================== 接口定义 ====================

// BlobStorage 对象存储接口
type BlobStorage interface {
	// Store 按调用方给定的 key 保存文件，返回可公开访问的 URL
	Store(ctx context.Context, key string, data []byte, contentType string) (url string, err error)
}

// ==================== 配置 ====================

type StorageConfig struct {
	Provider  string // "s3" | "cos" | "local"
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	Endpoint  string // 自定义端点 (腾讯云COS等)；本地存储时为访问前缀
	CDNDomain string // CDN域名 (可选)
	BasePath  string // 本地存储根目录
}

// ==================== 工厂方法 ====================

func NewBlobStorage(cfg StorageConfig) (BlobStorage, error) {
	switch cfg.Provider {
	case "s3":
		return NewS3Storage(cfg)
	case "cos":
		return NewCOSStorage(cfg)
	case "local":
		return NewLocalStorage(cfg)
	default:
		return nil, fmt.Errorf("不支持的存储提供者: %s", cfg.Provider)
	}
}

// ==================== S3 实现 ====================

// S3Storage S3 及兼容协议的对象存储
// 大文件由 manager.Uploader 自动分片
type S3Storage struct {
	uploader  *manager.Uploader
	bucket    string
	publicURL func(key string) string
}

func loadAWSConfig(cfg StorageConfig) (aws.Config, error) {
	return config.LoadDefaultConfig(context.Background(),
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	)
}

func NewS3Storage(cfg StorageConfig) (*S3Storage, error) {
	awsCfg, err := loadAWSConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("加载AWS配置失败: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)

	return &S3Storage{
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		publicURL: func(key string) string {
			if cfg.CDNDomain != "" {
				return fmt.Sprintf("https://%s/%s", cfg.CDNDomain, key)
			}
			return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", cfg.Bucket, cfg.Region, key)
		},
	}, nil
}

// NewCOSStorage 腾讯云COS，兼容S3协议
func NewCOSStorage(cfg StorageConfig) (*S3Storage, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://cos.%s.myqcloud.com", cfg.Region)
	}

	awsCfg, err := loadAWSConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("加载COS配置失败: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	return &S3Storage{
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		publicURL: func(key string) string {
			if cfg.CDNDomain != "" {
				return fmt.Sprintf("https://%s/%s", cfg.CDNDomain, key)
			}
			return fmt.Sprintf("https://%s.cos.%s.myqcloud.com/%s", cfg.Bucket, cfg.Region, key)
		},
	}, nil
}

func (s *S3Storage) Store(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = detectContentType(data)
	}

	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("上传对象存储失败: %w", err)
	}

	return s.publicURL(key), nil
}

// ==================== 本地存储 (开发测试用) ====================

type LocalStorage struct {
	basePath string
	baseURL  string
}

func NewLocalStorage(cfg StorageConfig) (*LocalStorage, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "./uploads"
	}
	baseURL := cfg.Endpoint
	if baseURL == "" {
		baseURL = "http://localhost:8080/uploads"
	}

	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("创建本地存储目录失败: %w", err)
	}

	return &LocalStorage{
		basePath: basePath,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
	}, nil
}

// Root 本地存储根目录，供静态文件路由使用
func (s *LocalStorage) Root() string { return s.basePath }

func (s *LocalStorage) Store(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	clean := filepath.Clean("/" + key)
	full := filepath.Join(s.basePath, clean)

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("创建目录失败: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("写入文件失败: %w", err)
	}

	return s.baseURL + filepath.ToSlash(clean), nil
}

// ==================== 工具函数 ====================

// detectContentType 根据文件内容识别类型
func detectContentType(data []byte) string {
	return mimetype.Detect(data).String()
}
