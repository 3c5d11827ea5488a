package storagesink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/mysqlbak/transfer/internal/errs"
)

// S3Options configures an S3Sink. Endpoint lets it target
// S3-compatible providers (MinIO, Garage) instead of AWS proper.
type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Prefix    string
}

// S3Sink stores artifacts as objects in an S3-compatible bucket. It
// reports unbounded capacity: HasSpace always succeeds, since bucket
// quotas aren't something this package can introspect.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Sink constructs a Sink backed by AWS SDK v2.
func NewS3Sink(ctx context.Context, opts S3Options) (*S3Sink, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" {
		// Static credentials when configured; otherwise the SDK's usual
		// chain (env, shared config, instance role) applies.
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errs.New(errs.KindInternal, "S3Sink.new", err)
	}

	var s3Opts []func(*s3.Options)
	if opts.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Sink{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: opts.Bucket,
		prefix: opts.Prefix,
	}, nil
}

func (s *S3Sink) HasSpace(ctx context.Context, size int64) (bool, error) {
	return true, nil
}

func (s *S3Sink) ResolvePath(transferID, logicalName string) string {
	if s.prefix == "" {
		return transferID + "/" + logicalName
	}
	return s.prefix + "/" + transferID + "/" + logicalName
}

func (s *S3Sink) Store(ctx context.Context, dest string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, errs.New(errs.KindInternal, "S3Sink.store", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(dest),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return 0, errs.New(errs.KindTransport, "S3Sink.store", fmt.Errorf("put %s/%s: %w", s.bucket, dest, err))
	}
	return int64(len(data)), nil
}

func (s *S3Sink) Open(ctx context.Context, dest string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(dest),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, errs.New(errs.KindNotFound, "S3Sink.open", fmt.Errorf("%s/%s: %w", s.bucket, dest, err))
		}
		return nil, errs.New(errs.KindTransport, "S3Sink.open", err)
	}
	return out.Body, nil
}

func (s *S3Sink) Remove(ctx context.Context, dest string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(dest),
	})
	if err != nil {
		return errs.New(errs.KindTransport, "S3Sink.remove", fmt.Errorf("delete %s/%s: %w", s.bucket, dest, err))
	}
	return nil
}

// isNotFound narrows an HTTP response error to the 404 case, without
// depending on every service-specific NotFound error type.
func isNotFound(err error) bool {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 404
	}
	return false
}
