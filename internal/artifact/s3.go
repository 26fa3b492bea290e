package artifact

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/dwsmith1983/riskcheck/pkg/types"
)

// S3API is the subset of the S3 client used to resolve artifacts.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Accessor resolves artifacts stored in S3.
type S3Accessor struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Accessor creates an accessor for the given default bucket and key prefix.
func NewS3Accessor(client S3API, bucket, prefix string) *S3Accessor {
	return &S3Accessor{client: client, bucket: bucket, prefix: prefix}
}

// Fetch checks the artifact object with a HEAD request.
func (a *S3Accessor) Fetch(ctx context.Context, art types.ModelArtifact) (Handle, error) {
	bucket, key, err := Locate(art, a.bucket, a.prefix)
	if err != nil {
		return Handle{}, err
	}
	out, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return Handle{}, classifyS3Error(bucket, key, err)
	}
	return handleFor(art, bucket, key, aws.ToInt64(out.ContentLength), aws.ToString(out.ETag))
}

func classifyS3Error(bucket, key string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return fmt.Errorf("%w: s3://%s/%s", ErrNotFound, bucket, key)
		case "AccessDenied", "Forbidden":
			return fmt.Errorf("%w: s3://%s/%s", ErrAccessDenied, bucket, key)
		}
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
