package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spinstage/spinstage/pkg/errors"
)

// S3Fetcher reads objects from public S3 mirrors addressed as
// s3://bucket/key. One client is created per bucket on first use.
type S3Fetcher struct {
	region string

	mu      sync.Mutex
	clients map[string]*s3.Client
}

// NewS3Fetcher creates a fetcher for anonymous access in region.
func NewS3Fetcher(region string) *S3Fetcher {
	return &S3Fetcher{region: region, clients: make(map[string]*s3.Client)}
}

// ParseS3URL splits s3://bucket/key into its parts.
func ParseS3URL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("not an s3 url: %s", raw)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("s3 url has no key: %s", raw)
	}
	return u.Host, key, nil
}

func (f *S3Fetcher) client(ctx context.Context, bucket string) (*s3.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[bucket]; ok {
		return c, nil
	}

	slog.Info("s3_client_init", "bucket", bucket, "region", f.region)
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(f.region),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	c := s3.NewFromConfig(cfg)
	f.clients[bucket] = c
	return c, nil
}

func (f *S3Fetcher) Fetch(ctx context.Context, raw string) (io.ReadCloser, int64, error) {
	bucket, key, err := ParseS3URL(raw)
	if err != nil {
		return nil, 0, err
	}
	c, err := f.client(ctx, bucket)
	if err != nil {
		return nil, 0, err
	}

	out, err := c.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "bucket", bucket, "s3_key", key, "error", err)
		return nil, 0, errors.Wrap(err, "failed to get object from S3")
	}

	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}
