// Package blobstore offloads oversized job results to an S3-compatible
// bucket, leaving a pointer URI behind in the jobs row instead of the full
// document. Wired in as an optional component of the worker runtime.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Classified sentinels callers use with errors.Is to decide whether a failed
// offload is worth retrying.
var (
	ErrNotFound     = errors.New("object not found")
	ErrAccessDenied = errors.New("access denied")
	ErrThrottled    = errors.New("throttled")
)

// classify maps provider error shapes onto this package's sentinels,
// returning nil when the error carries no recognized code.
func classify(err error) error {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return ErrNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return ErrNotFound
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return ErrAccessDenied
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			return ErrThrottled
		}
	}
	return nil
}

// wrapErr attaches the operation and key, surfacing a classified sentinel
// when one applies while keeping the provider's own error text.
func wrapErr(op, key string, err error) error {
	if mapped := classify(err); mapped != nil {
		return fmt.Errorf("blobstore: %s %s: %w: %v", op, key, mapped, err)
	}
	return fmt.Errorf("blobstore: %s %s: %w", op, key, err)
}

// Config describes the bucket results are offloaded to.
type Config struct {
	Bucket string
	// Region and Endpoint follow AWS SDK v2 defaults when empty, letting the
	// SDK resolve from environment/profile. Endpoint is set for
	// S3-compatible backends (MinIO, R2, Wasabi).
	Region         string
	Endpoint       string
	ForcePathStyle bool
	// AccessKeyID and SecretAccessKey, when both set, are used as a static
	// credential provider instead of the SDK's default chain. Needed for
	// S3-compatible backends that don't participate in AWS's environment
	// or instance-role credential resolution.
	AccessKeyID     string
	SecretAccessKey string
	// Threshold is the result size, in bytes, above which a job's result is
	// offloaded. Results at or below Threshold stay inline.
	Threshold int
}

func (c Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("blobstore: bucket is required")
	}
	return nil
}

// Store writes and reads job-result blobs.
type Store struct {
	client    *s3.Client
	bucket    string
	threshold int
}

const defaultThreshold = 32 * 1024 // 32 KiB

// New constructs a Store using the AWS SDK v2 default credential chain, or
// static credentials when both AccessKeyID and SecretAccessKey are set.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("blobstore: load aws config: %w", err)
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = defaultThreshold
	}

	return &Store{
		client:    s3.NewFromConfig(awsCfg, s3Opts...),
		bucket:    cfg.Bucket,
		threshold: threshold,
	}, nil
}

// ShouldOffload reports whether a result of the given size should be moved
// to object storage instead of staying inline in the jobs row.
func (s *Store) ShouldOffload(resultSize int) bool {
	return resultSize > s.threshold
}

// Put uploads a job result under a key derived from the job id and returns
// its s3:// URI.
func (s *Store) Put(ctx context.Context, jobID string, result []byte) (string, error) {
	key := fmt.Sprintf("job-results/%s.json", jobID)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(result),
	})
	if err != nil {
		return "", wrapErr("put", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Get retrieves a previously offloaded result by job id.
func (s *Store) Get(ctx context.Context, jobID string) ([]byte, error) {
	key := fmt.Sprintf("job-results/%s.json", jobID)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, wrapErr("get", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("blobstore: read %s: %w", key, err)
	}
	return data, nil
}
