package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"

	"aiInterview/internal/errcode"
)

// IsNoSuchKey 判断错误是否明确表示对象不存在（S3/MinIO: NoSuchKey/NotFound）。
func IsNoSuchKey(err error) bool {
	if err == nil {
		return false
	}

	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) {
		switch strings.ToLower(strings.TrimSpace(minioErr.Code)) {
		case "nosuchkey", "notfound":
			return true
		}
	}

	// 兜底：不同网关/代理可能会把错误包装成字符串。
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "nosuchkey") ||
		strings.Contains(lower, "specified key does not exist")
}

// translate 把对象存储错误归入统一的错误分类。
func translate(key string, err error) error {
	if IsNoSuchKey(err) {
		return fmt.Errorf("%w: transcript %q", errcode.ErrNotFound, key)
	}
	return fmt.Errorf("%w: object %q: %v", errcode.ErrTransport, key, err)
}
