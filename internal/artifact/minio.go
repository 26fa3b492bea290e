package artifact

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dwsmith1983/riskcheck/pkg/types"
)

// ObjectStater is the subset of the MinIO client used to resolve artifacts.
type ObjectStater interface {
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
}

// MinioConfig holds connection settings for an S3-compatible store.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// NewMinioClient creates a MinIO client. The endpoint is host:port without a scheme.
func NewMinioClient(cfg MinioConfig) (*minio.Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("minio endpoint is required")
	}
	if strings.Contains(cfg.Endpoint, "://") {
		return nil, fmt.Errorf("minio endpoint must not include scheme: %q", cfg.Endpoint)
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return client, nil
}

// MinioAccessor resolves artifacts in a MinIO or other S3-compatible store.
type MinioAccessor struct {
	client ObjectStater
	bucket string
	prefix string
}

// NewMinioAccessor creates an accessor for the given default bucket and key prefix.
func NewMinioAccessor(client ObjectStater, bucket, prefix string) *MinioAccessor {
	return &MinioAccessor{client: client, bucket: bucket, prefix: prefix}
}

// Fetch stats the artifact object.
func (a *MinioAccessor) Fetch(ctx context.Context, art types.ModelArtifact) (Handle, error) {
	bucket, key, err := Locate(art, a.bucket, a.prefix)
	if err != nil {
		return Handle{}, err
	}
	info, err := a.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return Handle{}, classifyMinioError(bucket, key, err)
	}
	return handleFor(art, bucket, key, info.Size, info.ETag)
}

func classifyMinioError(bucket, key string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return fmt.Errorf("%w: s3://%s/%s", ErrNotFound, bucket, key)
	case "AccessDenied":
		return fmt.Errorf("%w: s3://%s/%s", ErrAccessDenied, bucket, key)
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
