package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MaxAttachmentSize caps uploaded images at 5 MiB.
const MaxAttachmentSize = 5 << 20

// ErrUnsupportedType rejects uploads that are not browser-renderable images.
var ErrUnsupportedType = errors.New("storage: unsupported attachment type")

// ErrTooLarge rejects uploads over MaxAttachmentSize.
var ErrTooLarge = errors.New("storage: attachment too large")

// imageExtensions maps accepted content types to the extension baked into
// the object key, so attachment URLs match the relay's image classifier.
var imageExtensions = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpg",
	"image/gif":  "gif",
	"image/webp": "webp",
}

// Attachments stores chat image uploads and hands out fetchable URLs.
type Attachments interface {
	Upload(ctx context.Context, roomKey, contentType string, r io.Reader, size int64) (string, error)
}

// MinioAttachments implements Attachments on MinIO/S3 compatible storage.
type MinioAttachments struct {
	client *minio.Client
	bucket string
	expiry time.Duration
}

// NewMinioAttachments connects to MinIO and ensures the bucket exists.
func NewMinioAttachments(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioAttachments, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &MinioAttachments{client: client, bucket: bucket, expiry: 7 * 24 * time.Hour}, nil
}

// Upload stores one image and returns a presigned GET URL for it.
func (m *MinioAttachments) Upload(ctx context.Context, roomKey, contentType string, r io.Reader, size int64) (string, error) {
	key, err := attachmentKey(roomKey, contentType, size)
	if err != nil {
		return "", err
	}
	if _, err := m.client.PutObject(ctx, m.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return "", fmt.Errorf("put attachment: %w", err)
	}
	url, err := m.client.PresignedGetObject(ctx, m.bucket, key, m.expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign attachment: %w", err)
	}
	return url.String(), nil
}

func attachmentKey(roomKey, contentType string, size int64) (string, error) {
	roomKey = strings.TrimSpace(roomKey)
	if roomKey == "" {
		return "", errors.New("storage: room key is required")
	}
	ext, ok := imageExtensions[strings.ToLower(strings.TrimSpace(contentType))]
	if !ok {
		return "", ErrUnsupportedType
	}
	if size <= 0 || size > MaxAttachmentSize {
		return "", ErrTooLarge
	}
	return fmt.Sprintf("rooms/%s/%s.%s", roomKey, uuid.NewString(), ext), nil
}
