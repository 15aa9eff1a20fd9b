// Package storage serves deployer artifacts from an S3 bucket mirror.
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/nabu-linux/lon-deployer/pkg/artifact"
	"github.com/nabu-linux/lon-deployer/pkg/errors"
)

// Client provides S3 storage operations
type Client struct {
	s3Client *s3.Client
	bucket   string
}

// NewClient creates a new S3 client for anonymous access
func NewClient(ctx context.Context, bucket, region string) (*Client, error) {
	slog.Info("s3_client_init", "bucket", bucket, "region", region)

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return &Client{
		s3Client: s3.NewFromConfig(cfg),
		bucket:   bucket,
	}, nil
}

// Key maps an artifact to its object key: the URL path without the leading slash.
func Key(a artifact.Artifact) string {
	return strings.TrimPrefix(a.RemotePath(), "/")
}

// ETagMD5 returns the MD5 encoded in a single-part ETag. Multipart ETags
// carry a "-<parts>" suffix and are not content digests.
func ETagMD5(etag string) (string, bool) {
	etag = strings.Trim(etag, `"`)
	if etag == "" || strings.Contains(etag, "-") || len(etag) != 32 {
		return "", false
	}
	return strings.ToLower(etag), true
}

// Checksum reads the object's ETag.
func (c *Client) Checksum(ctx context.Context, a artifact.Artifact) (string, error) {
	key := Key(a)
	head, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Warn("s3_head_object_failed", "s3_key", key, "error", err)
		return "", errors.Wrap(err, "failed to head object")
	}

	sum, ok := ETagMD5(aws.ToString(head.ETag))
	if !ok {
		return "", fmt.Errorf("object %s has no single-part etag", key)
	}
	return sum, nil
}

// Open starts the object download.
func (c *Client) Open(ctx context.Context, a artifact.Artifact) (io.ReadCloser, int64, error) {
	key := Key(a)
	slog.Info("s3_download_start", "bucket", c.bucket, "s3_key", key)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			slog.Error("s3_object_not_found", "s3_key", key)
			return nil, 0, fmt.Errorf("%w: %s not found in bucket %s", errors.ErrArtifactUnavailable, key, c.bucket)
		}
		slog.Error("s3_get_object_failed", "s3_key", key, "error", err)
		return nil, 0, fmt.Errorf("%w: %s: %v", errors.ErrArtifactUnavailable, key, err)
	}

	return result.Body, aws.ToInt64(result.ContentLength), nil
}

// ListObjects lists all objects in the bucket with a given prefix
func (c *Client) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	slog.Info("s3_list_start", "bucket", c.bucket, "prefix", prefix)

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(c.s3Client, input)

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			slog.Error("s3_list_failed", "prefix", prefix, "error", err)
			return nil, errors.Wrap(err, "failed to list objects")
		}

		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}

	slog.Info("s3_list_complete", "prefix", prefix, "object_count", len(keys))

	return keys, nil
}

var _ artifact.Source = (*Client)(nil)
