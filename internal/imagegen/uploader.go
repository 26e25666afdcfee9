package imagegen

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const presignExpiry = 7 * 24 * time.Hour

// Uploader stores rendered images in a MinIO bucket. Each upload gets
// a fresh random object key so URLs never collide or get reused.
type Uploader struct {
	client        *minio.Client
	bucket        string
	publicBaseURL string
}

type UploaderConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	UseSSL        bool
	PublicBaseURL string
}

func NewUploader(ctx context.Context, cfg UploaderConfig) (*Uploader, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %q: %w", cfg.Bucket, err)
		}
	}

	return &Uploader{
		client:        client,
		bucket:        cfg.Bucket,
		publicBaseURL: strings.TrimSuffix(cfg.PublicBaseURL, "/"),
	}, nil
}

var _ ObjectStore = (*Uploader)(nil)

func (u *Uploader) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	objectName := uuid.New().String() + extensionFor(contentType)
	_, err := u.client.PutObject(ctx, u.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object %q: %w", objectName, err)
	}

	if u.publicBaseURL != "" {
		return u.publicBaseURL + "/" + u.bucket + "/" + objectName, nil
	}
	presigned, err := u.client.PresignedGetObject(ctx, u.bucket, objectName, presignExpiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign object %q: %w", objectName, err)
	}
	return presigned.String(), nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}
