package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"aiInterview/internal/config"
	"aiInterview/internal/errcode"
)

const transcriptContentType = "application/json"

// Client 封装 MinIO 客户端，负责面试对话记录的归档与下载链接。
type Client struct {
	internalClient *minio.Client
	publicClient   *minio.Client
	bucketName     string
}

func bucketLookup(raw string) (minio.BucketLookupType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "auto":
		return minio.BucketLookupAuto, nil
	case "dns":
		return minio.BucketLookupDNS, nil
	case "path":
		return minio.BucketLookupPath, nil
	}
	return minio.BucketLookupAuto, fmt.Errorf("%w: invalid minio bucket lookup %q", errcode.ErrConfiguration, raw)
}

// newClients 只构造客户端，不访问网络。
func newClients(cfg config.MinIOConfig) (internal, public *minio.Client, err error) {
	lookup, err := bucketLookup(cfg.BucketLookup)
	if err != nil {
		return nil, nil, err
	}

	internal, err = minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:       cfg.UseSSL,
		Region:       cfg.Region,
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init internal minio client: %w", err)
	}

	parsed, err := url.Parse(cfg.PublicEndpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parse minio public endpoint: %v", errcode.ErrConfiguration, err)
	}
	if parsed.Host == "" {
		return nil, nil, fmt.Errorf("%w: invalid minio public endpoint, host missing", errcode.ErrConfiguration)
	}

	public, err = minio.New(parsed.Host, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:       parsed.Scheme == "https",
		Region:       cfg.Region,
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init public minio client: %w", err)
	}
	return internal, public, nil
}

// NewClient 根据配置初始化 MinIO 客户端，并确保目标 Bucket 存在。
func NewClient(ctx context.Context, cfg config.MinIOConfig) (*Client, error) {
	internalClient, publicClient, err := newClients(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	exists, err := internalClient.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if !cfg.AutoCreateBucket {
			return nil, fmt.Errorf("%w: bucket %q does not exist (auto create disabled)", errcode.ErrConfiguration, cfg.Bucket)
		}
		if err := internalClient.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("make bucket %q: %w", cfg.Bucket, err)
		}
	}

	return &Client{
		internalClient: internalClient,
		publicClient:   publicClient,
		bucketName:     cfg.Bucket,
	}, nil
}

// PutTranscript 上传一份 JSON 对话记录。同一 key 重复上传会覆盖。
func (c *Client) PutTranscript(ctx context.Context, key string, data []byte) error {
	opts := minio.PutObjectOptions{ContentType: transcriptContentType}
	if _, err := c.internalClient.PutObject(ctx, c.bucketName, key, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return translate(key, err)
	}
	return nil
}

// PresignedTranscriptURL 生成对话记录的限时下载链接。
func (c *Client) PresignedTranscriptURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	params := url.Values{}
	params.Set("response-content-type", transcriptContentType)
	u, err := c.publicClient.PresignedGetObject(ctx, c.bucketName, key, ttl, params)
	if err != nil {
		return "", fmt.Errorf("generate presigned url for %q: %w", key, err)
	}
	return u.String(), nil
}

// DeleteTranscript 删除对话记录；对象不存在视为成功。
func (c *Client) DeleteTranscript(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	if err := c.internalClient.RemoveObject(ctx, c.bucketName, key, minio.RemoveObjectOptions{}); err != nil {
		if IsNoSuchKey(err) {
			return nil
		}
		return translate(key, err)
	}
	return nil
}
