// Package objectstore wraps the S3-style object storage the matcher,
// ingest validator, and project validator consult to confirm that an
// uploaded object still matches the etag an upload event announced, and to
// fetch object bytes for downstream processing (spec §3 "etag", §4.1
// "Parsing", §4.3 "Execute workflow").
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awshttp "github.com/aws/smithy-go/transport/http"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("objectstore: object not found")

// ErrETagMismatch is returned by VerifyETag when the live object's etag
// disagrees with the etag an upload event announced (spec §7
// Data-integrity error).
var ErrETagMismatch = errors.New("objectstore: etag mismatch")

// Object describes the metadata objectstore returns for a HEAD or GET.
type Object struct {
	ETag          string
	Size          int64
	LastModified  time.Time
	ContentLength int64
}

// Store is the interface the matcher, ingest validator, and project
// validator depend on. Concrete implementations (Client below, or a fake in
// tests) satisfy it; callers are never coupled to the AWS SDK directly,
// following the dependency-inversion pattern used throughout this codebase.
type Store interface {
	// Head returns the object's current metadata without downloading its
	// body.
	Head(ctx context.Context, bucket, key string) (Object, error)

	// Get downloads the object body. The caller must close the returned
	// ReadCloser.
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, Object, error)

	// PresignGet returns a time-limited URL for downstream tools (project
	// validator workflow executors) that need direct object access without
	// holding pipeline credentials.
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)

	// Put uploads body to bucket/key, used by the project validator to
	// publish a derived artifact (e.g. an assembly) before presigning a
	// retrieval URL for it (spec §4.3 "Publish artifacts").
	Put(ctx context.Context, bucket, key string, body io.Reader) error
}

// Client implements Store using the AWS SDK v2 S3 client. It is safe for
// concurrent use.
type Client struct {
	s3        *s3.Client
	presigner *s3.PresignClient
}

// compile-time interface assertion.
var _ Store = (*Client)(nil)

// NewClient builds a Client from the default AWS configuration chain
// (environment variables, shared config, instance profile), optionally
// overridden by endpoint for S3-compatible deployments (MinIO and similar),
// following the same path-style override buildkite's artifact uploader
// applies for non-AWS endpoints.
func NewClient(ctx context.Context, endpoint string, usePathStyle bool) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("objectstore: loading AWS config: %w", err)
	}

	var optFns []func(*s3.Options)

	if endpoint != "" {
		cfg.BaseEndpoint = aws.String(endpoint)
	}

	if usePathStyle {
		optFns = append(optFns, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(cfg, optFns...)

	return &Client{
		s3:        client,
		presigner: s3.NewPresignClient(client),
	}, nil
}

// Head returns the object's current metadata.
func (c *Client) Head(ctx context.Context, bucket, key string) (Object, error) {
	out, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return Object{}, fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
		}

		return Object{}, fmt.Errorf("objectstore: head %s/%s: %w", bucket, key, err)
	}

	return toObject(out.ETag, out.ContentLength, out.LastModified), nil
}

// Get downloads the object body.
func (c *Client) Get(ctx context.Context, bucket, key string) (io.ReadCloser, Object, error) {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, Object{}, fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
		}

		return nil, Object{}, fmt.Errorf("objectstore: get %s/%s: %w", bucket, key, err)
	}

	return out.Body, toObject(out.ETag, out.ContentLength, out.LastModified), nil
}

// Put uploads body to bucket/key.
func (c *Client) Put(ctx context.Context, bucket, key string, body io.Reader) error {
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("objectstore: put %s/%s: %w", bucket, key, err)
	}

	return nil
}

// PresignGet returns a time-limited URL for the object.
func (c *Client) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	req, err := c.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("objectstore: presign %s/%s: %w", bucket, key, err)
	}

	return req.URL, nil
}

// VerifyETag compares an object's live etag against the etag an upload
// event announced, returning ErrETagMismatch if they disagree (spec §4.1
// "if the live etag disagrees with the announced etag, fail the event with
// a data-integrity error").
func VerifyETag(obj Object, announced string) error {
	if obj.ETag != announced {
		return fmt.Errorf("%w: live=%s announced=%s", ErrETagMismatch, obj.ETag, announced)
	}

	return nil
}

func toObject(etag *string, size int64, lastModified *time.Time) Object {
	o := Object{Size: size, ContentLength: size}

	if etag != nil {
		o.ETag = unquoteETag(*etag)
	}

	if lastModified != nil {
		o.LastModified = *lastModified
	}

	return o
}

// unquoteETag strips the double quotes S3 wraps etags in.
func unquoteETag(etag string) string {
	if len(etag) >= 2 && etag[0] == '"' && etag[len(etag)-1] == '"' {
		return etag[1 : len(etag)-1]
	}

	return etag
}

func isNotFound(err error) bool {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == http.StatusNotFound
	}

	return false
}
