package client

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/tccmarket/api/internal/config"
)

// ObjectStorage defines the interface for object storage operations
type ObjectStorage interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	URLFor(key string) string
}

// ObjectInfo describes one stored object
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// S3Storage implements ObjectStorage for an S3-compatible bucket
type S3Storage struct {
	s3Client *s3.Client
	urls     urlBuilder
}

// NewS3Storage creates a new S3-compatible storage client
func NewS3Storage(cfg *config.StorageConfig) (*S3Storage, error) {
	if cfg.Endpoint == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("object storage configuration incomplete")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})

	return &S3Storage{
		s3Client: s3Client,
		urls: urlBuilder{
			endpoint:  cfg.Endpoint,
			bucket:    cfg.Bucket,
			publicURL: cfg.PublicURL,
		},
	}, nil
}

// Put writes an object
func (c *S3Storage) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(c.urls.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}

	if _, err := c.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to object storage: %w", err)
	}
	return nil
}

// Delete removes an object
func (c *S3Storage) Delete(ctx context.Context, key string) error {
	input := &s3.DeleteObjectInput{
		Bucket: aws.String(c.urls.bucket),
		Key:    aws.String(key),
	}

	if _, err := c.s3Client.DeleteObject(ctx, input); err != nil {
		return fmt.Errorf("failed to delete from object storage: %w", err)
	}
	return nil
}

// List returns every object under prefix
func (c *S3Storage) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	paginator := s3.NewListObjectsV2Paginator(c.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.urls.bucket),
		Prefix: aws.String(prefix),
	})

	var objects []ObjectInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return objects, nil
}

// URLFor returns the public URL for a key
func (c *S3Storage) URLFor(key string) string {
	return c.urls.urlFor(key)
}

// IsConfigured returns true if the client has valid configuration
func (c *S3Storage) IsConfigured() bool {
	return c.s3Client != nil && c.urls.bucket != ""
}

type urlBuilder struct {
	endpoint  string
	bucket    string
	publicURL string
}

// urlFor keeps absolute URLs as they are and avoids doubling the bucket segment
func (u urlBuilder) urlFor(key string) string {
	if key == "" {
		return ""
	}
	if strings.HasPrefix(key, "http://") || strings.HasPrefix(key, "https://") {
		return key
	}
	if u.publicURL != "" {
		return fmt.Sprintf("%s/%s", u.publicURL, key)
	}
	if strings.HasPrefix(key, u.bucket+"/") {
		return fmt.Sprintf("%s/%s", u.endpoint, key)
	}
	return fmt.Sprintf("%s/%s/%s", u.endpoint, u.bucket, key)
}
