// Package archive ships evidence packs to object storage.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/agrotrace/tracecore/pkg/audit"
	"github.com/agrotrace/tracecore/pkg/canonicalize"
)

// checksumMetaKey is the object metadata entry holding the pack's sha256.
const checksumMetaKey = "sha256"

var (
	// ErrChecksumMismatch is returned by Fetch when the stored bytes do not match their recorded checksum.
	ErrChecksumMismatch = errors.New("archive: checksum mismatch")
	// ErrBucketNotConfigured is returned when no bucket is set.
	ErrBucketNotConfigured = errors.New("archive: bucket not configured")
)

// S3API is the subset of *s3.Client the sink uses.
type S3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config holds configuration for S3Sink.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (MinIO, LocalStack)
	Prefix   string
}

// S3Sink stores evidence packs under <prefix>/<tenant>/<bundle>.zip.
type S3Sink struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Sink creates a sink backed by the default AWS credential chain.
func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, ErrBucketNotConfigured
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3SinkWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3SinkWithClient wires an existing client.
func NewS3SinkWithClient(client S3API, bucket, prefix string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Key returns the object key of a bundle.
func (s *S3Sink) Key(tenantID, bundleID string) string {
	return path.Join(s.prefix, tenantID, bundleID+".zip")
}

// Upload stores pack and returns its key. Bundles are immutable: an
// existing object with the same key is left untouched.
func (s *S3Sink) Upload(ctx context.Context, pack *audit.EvidencePack) (string, error) {
	if pack == nil || pack.Manifest.TenantID == "" || pack.Manifest.BundleID == "" {
		return "", fmt.Errorf("archive: incomplete evidence pack")
	}
	key := s.Key(pack.Manifest.TenantID, pack.Manifest.BundleID)

	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err == nil {
		return key, nil
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(pack.Zip),
		ContentType: aws.String("application/zip"),
		Metadata: map[string]string{
			checksumMetaKey: pack.Checksum,
			"tenant-id":     pack.Manifest.TenantID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("s3 put failed: %w", err)
	}
	return key, nil
}

// Fetch downloads a bundle and checks it against its recorded checksum.
func (s *S3Sink) Fetch(ctx context.Context, tenantID, bundleID string) ([]byte, error) {
	key := s.Key(tenantID, bundleID)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get failed for %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read failed for %s: %w", key, err)
	}
	if want := out.Metadata[checksumMetaKey]; want != "" && want != canonicalize.HashBytes(data) {
		return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, key)
	}
	return data, nil
}
