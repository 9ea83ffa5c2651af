// Package s3 uploads objects to Amazon S3 or any S3 compatible endpoint.
package s3

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/italolelis/asset_uploader/internal/blob"
	"github.com/italolelis/asset_uploader/internal/logctx"
)

type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	PresignTTL      time.Duration // zero returns the plain object location
}

type uploader interface {
	Upload(ctx context.Context, input *awss3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type presigner interface {
	PresignGetObject(ctx context.Context, params *awss3.GetObjectInput, optFns ...func(*awss3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

type Store struct {
	bucket     string
	presignTTL time.Duration
	uploader   uploader
	presigner  presigner
}

func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}

		o.UsePathStyle = cfg.UsePathStyle
	})

	return &Store{
		bucket:     cfg.Bucket,
		presignTTL: cfg.PresignTTL,
		uploader:   manager.NewUploader(client),
		presigner:  awss3.NewPresignClient(client),
	}, nil
}

// Open implements blob.Store.
func (s *Store) Open(ctx context.Context, obj blob.Object, r io.Reader) (blob.Handle, error) {
	if obj.Name == "" {
		return nil, fmt.Errorf("object name cannot be empty")
	}

	return blob.StartStream(ctx, obj, r, 0, s.upload), nil
}

func (s *Store) upload(ctx context.Context, obj blob.Object, r io.Reader) (string, error) {
	logger := logctx.LoggerFromContext(ctx).With("bucket", s.bucket, "key", obj.Path())

	input := &awss3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(obj.Path()),
		Body:   r,
	}
	if obj.ContentType != "" {
		input.ContentType = aws.String(obj.ContentType)
	}

	out, err := s.uploader.Upload(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to put object %s: %w", obj.Path(), err)
	}

	logger.InfoContext(ctx, "object uploaded to s3")

	if s.presignTTL <= 0 {
		return out.Location, nil
	}

	presigned, err := s.presigner.PresignGetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(obj.Path()),
	}, awss3.WithPresignExpires(s.presignTTL))
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", obj.Path(), err)
	}

	return presigned.URL, nil
}
