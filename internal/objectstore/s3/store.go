// Package s3 implements the object store for AWS S3 and S3-compatible
// services such as MinIO.
package s3

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/tmarkov/reelvault/internal/objectstore"
)

// multipartPartSize is the size for S3 multipart upload parts (5MB minimum).
const multipartPartSize = 5 * 1024 * 1024

// Config holds configuration for the S3 object store.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string // Custom endpoint for MinIO or other S3-compatible services
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool // Use path-style addressing (required for MinIO)
}

// Store implements objectstore.ObjectStore backed by S3.
type Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	presign  *s3.PresignClient
	bucket   string
}

// New creates an S3 object store and verifies bucket access with a HEAD
// request so misconfiguration fails at startup rather than at first assembly.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket name is required")
	}

	var optFuncs []func(*config.LoadOptions) error
	if cfg.Region != "" {
		optFuncs = append(optFuncs, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFuncs = append(optFuncs, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFuncs...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.PathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = multipartPartSize
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	}); err != nil {
		return nil, fmt.Errorf("failed to access S3 bucket %q: %w", cfg.Bucket, err)
	}

	slog.Info("S3 object store initialized",
		"bucket", cfg.Bucket,
		"region", cfg.Region,
		"endpoint", cfg.Endpoint,
		"path_style", cfg.PathStyle,
	)

	return &Store{
		client:   client,
		uploader: uploader,
		presign:  s3.NewPresignClient(client),
		bucket:   cfg.Bucket,
	}, nil
}

// validateKey rejects keys with traversal patterns or unsafe characters.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty key not allowed")
	}
	if strings.ContainsRune(key, '\x00') {
		return fmt.Errorf("null bytes not allowed in key")
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("absolute key not allowed")
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return fmt.Errorf("path traversal not allowed in key")
		}
	}
	return nil
}

type hashingReader struct {
	reader io.Reader
	hasher hash.Hash
}

func newHashingReader(r io.Reader) *hashingReader {
	h := sha256.New()
	return &hashingReader{
		reader: io.TeeReader(r, h),
		hasher: h,
	}
}

func (hr *hashingReader) Read(p []byte) (n int, err error) {
	return hr.reader.Read(p)
}

func (hr *hashingReader) Hash() string {
	return hex.EncodeToString(hr.hasher.Sum(nil))
}

// Put streams the object to S3 using multipart upload, computing the SHA-256
// as the bytes pass through.
func (s *Store) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, string, error) {
	if err := validateKey(key); err != nil {
		return "", "", objectstore.NewStoreError("Put", key, err)
	}

	hr := newHashingReader(reader)

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   hr,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return "", "", objectstore.NewStoreError("Put", key, err)
	}

	location := fmt.Sprintf("s3://%s/%s", s.bucket, key)
	checksum := hr.Hash()

	slog.Debug("object stored in S3",
		"key", key,
		"size", size,
		"hash", checksum[:16]+"...",
	)

	return location, checksum, nil
}

// Open returns a reader for a stored object.
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := validateKey(key); err != nil {
		return nil, objectstore.NewStoreError("Open", key, err)
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, objectstore.NewStoreError("Open", key, err)
	}

	return result.Body, nil
}

// Exists checks whether an object is present via HEAD.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, objectstore.NewStoreError("Exists", key, err)
	}

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return false, nil
		}
		return false, objectstore.NewStoreError("Exists", key, err)
	}

	return true, nil
}

// Delete removes an object. S3 DeleteObject is idempotent.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return objectstore.NewStoreError("Delete", key, err)
	}

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return objectstore.NewStoreError("Delete", key, err)
	}

	return nil
}

// SignedReadURL returns a presigned GET URL for an object.
func (s *Store) SignedReadURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := validateKey(key); err != nil {
		return "", objectstore.NewStoreError("SignedReadURL", key, err)
	}

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", objectstore.NewStoreError("SignedReadURL", key, err)
	}

	return req.URL, nil
}

// Ping verifies bucket access.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	}); err != nil {
		return fmt.Errorf("failed to access S3 bucket %q: %w", s.bucket, err)
	}
	return nil
}

var _ objectstore.ObjectStore = (*Store)(nil)
