// Package storage archives validated uploads to an S3-compatible object
// store. Like the database archive it is optional and best-effort.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/clearscan/ocr-service/internal/config"
)

// Store wraps the MinIO client and the target bucket.
type Store struct {
	client *minio.Client
	bucket string
}

// Connect creates the client and verifies the bucket exists.
func Connect(ctx context.Context, cfg config.StorageConfig) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("no storage configuration")
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "ocr-uploads"
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %s does not exist", bucket)
	}
	return &Store{client: client, bucket: bucket}, nil
}

// SaveUpload stores one validated upload under YYYY/MM/<request-id><ext> and
// returns the object key.
func (s *Store) SaveUpload(ctx context.Context, requestID string, data []byte, contentType string) (string, error) {
	now := time.Now()
	objectName := fmt.Sprintf("%d/%02d/%s%s", now.Year(), now.Month(), requestID, FileExtension(contentType))

	_, err := s.client.PutObject(ctx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload image: %w", err)
	}
	return objectName, nil
}

// Ping verifies the bucket is reachable, for the health probe.
func (s *Store) Ping(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}

// FileExtension maps a content type to a file extension.
func FileExtension(contentType string) string {
	switch contentType {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}
