// Package minio uploads objects to a MinIO server.
package minio

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/italolelis/asset_uploader/internal/blob"
	"github.com/italolelis/asset_uploader/internal/logctx"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
	UseSSL          bool
	PresignTTL      time.Duration
}

type objectAPI interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
	EndpointURL() *url.URL
}

type Store struct {
	client     objectAPI
	bucket     string
	presignTTL time.Duration
}

func NewStore(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("minio bucket is required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &Store{client: client, bucket: cfg.Bucket, presignTTL: cfg.PresignTTL}, nil
}

// Open implements blob.Store.
func (s *Store) Open(ctx context.Context, obj blob.Object, r io.Reader) (blob.Handle, error) {
	if obj.Name == "" {
		return nil, fmt.Errorf("object name cannot be empty")
	}

	return blob.StartStream(ctx, obj, r, 0, s.upload), nil
}

func (s *Store) upload(ctx context.Context, obj blob.Object, r io.Reader) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	info, err := s.client.PutObject(ctx, s.bucket, obj.Path(), r, obj.Size, minio.PutObjectOptions{
		ContentType: obj.ContentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to put object %s: %w", obj.Path(), err)
	}

	logger.InfoContext(ctx, "object uploaded to minio", "bucket", info.Bucket, "key", info.Key, "etag", info.ETag)

	if s.presignTTL > 0 {
		u, err := s.client.PresignedGetObject(ctx, s.bucket, obj.Path(), s.presignTTL, nil)
		if err != nil {
			return "", fmt.Errorf("failed to presign %s: %w", obj.Path(), err)
		}

		return u.String(), nil
	}

	return s.client.EndpointURL().JoinPath(s.bucket, obj.Path()).String(), nil
}
