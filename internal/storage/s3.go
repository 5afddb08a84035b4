package storage

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config selects buckets and endpoint of an S3 compatible object store.
type S3Config struct {
	VolatileBucket string
	StableBucket   string
	Region         string
	Endpoint       string
	PathStyle      bool
	AccessKey      string
	SecretKey      string
}

// S3API is the subset of the S3 client used for artifacts.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, opts ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type S3 struct {
	client S3API
	cfg    S3Config
	logger *slog.Logger
}

// NewS3 loads the default AWS configuration and builds the client.
func NewS3(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3, error) {
	if cfg.VolatileBucket == "" || cfg.StableBucket == "" {
		return nil, fmt.Errorf("volatile and stable buckets are required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
	})
	return NewS3WithClient(client, cfg, logger), nil
}

func NewS3WithClient(client S3API, cfg S3Config, logger *slog.Logger) *S3 {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3{client: client, cfg: cfg, logger: logger}
}

func (s *S3) Upload(ctx context.Context, key, localPath string, volatile bool) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	bucket := s.cfg.StableBucket
	if volatile {
		bucket = s.cfg.VolatileBucket
	}
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	s.logger.Debug("uploaded artifact", "bucket", bucket, "key", key)
	return nil
}

func (s *S3) Promote(ctx context.Context, src, dst string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.cfg.StableBucket),
		Key:        aws.String(dst),
		CopySource: aws.String((&url.URL{Path: s.cfg.VolatileBucket + "/" + src}).EscapedPath()),
	})
	if err != nil {
		// A previous attempt may have copied and deleted the source already.
		if _, headErr := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.cfg.StableBucket),
			Key:    aws.String(dst),
		}); headErr == nil {
			return nil
		}
		return fmt.Errorf("copy %s to stable bucket: %w", src, err)
	}
	if err := s.Discard(ctx, src); err != nil {
		s.logger.Warn("failed to delete promoted volatile object", "key", src, "error", err)
	}
	return nil
}

func (s *S3) Discard(ctx context.Context, key string) error {
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.VolatileBucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("delete %s/%s: %w", s.cfg.VolatileBucket, key, err)
	}
	return nil
}
