// Package s3 implements cloud.Client on top of any S3-compatible object
// store (AWS S3, MinIO, R2).
//
// One object per filesystem path, keyed `<prefix>/files<path>`. The content
// hash rides along as object metadata so Download can verify and dedup
// without rehashing remote state, and the object's ETag serves as the
// revision token: S3 assigns a fresh ETag on every write, so token
// inequality means someone else wrote the path.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/driftfs/driftfs/pkg/cloud"
	"github.com/driftfs/driftfs/pkg/metadata"
)

// hashMetadataKey is the S3 user-metadata key carrying the content hash.
const hashMetadataKey = "driftfs-content-hash"

// S3Client implements cloud.Client against an S3-compatible bucket.
type S3Client struct {
	client *awss3.Client
	bucket string
	prefix string
}

// S3ClientConfig contains configuration for creating an S3 cloud client.
type S3ClientConfig struct {
	// Bucket is the target bucket name
	Bucket string `mapstructure:"bucket"`

	// Prefix namespaces this mount's objects within the bucket
	Prefix string `mapstructure:"prefix"`

	// Region is the bucket's region (default: us-east-1)
	Region string `mapstructure:"region"`

	// Endpoint overrides the S3 endpoint for MinIO/R2-style deployments
	Endpoint string `mapstructure:"endpoint"`

	// AccessKey and SecretKey are static credentials. Empty means the
	// SDK's default credential chain (env, profile, instance role).
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`

	// ForcePathStyle uses path-style addressing, required by most
	// S3-compatible stores outside AWS
	ForcePathStyle bool `mapstructure:"force_path_style"`
}

// NewS3Client creates a cloud client for the configured bucket.
func NewS3Client(ctx context.Context, cfg S3ClientConfig) (*S3Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &S3Client{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// key maps a filesystem path to its object key.
func (c *S3Client) key(path string) string {
	k := "files" + path
	if c.prefix != "" {
		k = c.prefix + "/" + k
	}
	return k
}

// Upload replaces the remote object at path and returns its new ETag.
func (c *S3Client) Upload(ctx context.Context, path string, hash metadata.ContentHash, data []byte) (string, error) {
	out, err := c.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(path)),
		Body:   bytes.NewReader(data),
		Metadata: map[string]string{
			hashMetadataKey: string(hash),
		},
	})
	if err != nil {
		return "", classify(fmt.Errorf("failed to upload %s: %w", path, err))
	}
	return cleanETag(out.ETag), nil
}

// Download fetches the remote object at path.
func (c *S3Client) Download(ctx context.Context, path string) (*cloud.Object, error) {
	out, err := c.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(path)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, cloud.Permanent(fmt.Errorf("no remote copy of %s", path))
		}
		return nil, classify(fmt.Errorf("failed to download %s: %w", path, err))
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, cloud.Transient(fmt.Errorf("failed to read body of %s: %w", path, err))
	}

	return &cloud.Object{
		Data:     data,
		Hash:     metadata.ContentHash(out.Metadata[hashMetadataKey]),
		Revision: cleanETag(out.ETag),
	}, nil
}

// RemoteRevision returns the current ETag for path, or "" when absent.
func (c *S3Client) RemoteRevision(ctx context.Context, path string) (string, error) {
	out, err := c.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(path)),
	})
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", classify(fmt.Errorf("failed to head %s: %w", path, err))
	}
	return cleanETag(out.ETag), nil
}

// Delete removes the remote object at path.
func (c *S3Client) Delete(ctx context.Context, path string) error {
	_, err := c.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(path)),
	})
	if err != nil && !isNotFound(err) {
		return classify(fmt.Errorf("failed to delete %s: %w", path, err))
	}
	return nil
}

// Rename moves the remote object via copy + delete. S3 has no native move.
func (c *S3Client) Rename(ctx context.Context, oldPath, newPath string) (string, error) {
	source := c.bucket + "/" + c.key(oldPath)
	out, err := c.client.CopyObject(ctx, &awss3.CopyObjectInput{
		Bucket:     aws.String(c.bucket),
		Key:        aws.String(c.key(newPath)),
		CopySource: aws.String(url.PathEscape(source)),
	})
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", classify(fmt.Errorf("failed to copy %s to %s: %w", oldPath, newPath, err))
	}
	if err := c.Delete(ctx, oldPath); err != nil {
		return "", err
	}

	var revision string
	if out.CopyObjectResult != nil {
		revision = cleanETag(out.CopyObjectResult.ETag)
	}
	return revision, nil
}

// cleanETag strips the quotes S3 wraps ETags in.
func cleanETag(etag *string) string {
	if etag == nil {
		return ""
	}
	return strings.Trim(*etag, `"`)
}

// isNotFound reports whether err is an S3 missing-key condition.
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound"
}

// classify sorts an S3 failure into the transient/permanent taxonomy the
// sync coordinator retries on.
func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch",
			"NoSuchBucket", "EntityTooLarge":
			return cloud.Permanent(err)
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return cloud.Transient(err)
		}
	}
	// Network-level failures reach here without an API error code.
	return cloud.Transient(err)
}

var _ cloud.Client = (*S3Client)(nil)
