package state

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"github.com/ajitpratap0/tap-salesforce/pkg/models"
)

// s3API is the subset of the S3 client used by S3Backend.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Backend stores the state document as one S3 object.
type S3Backend struct {
	client s3API
	bucket string
	key    string
	writer documentWriter
}

// S3Options configures NewS3Backend.
type S3Options struct {
	Bucket string
	Key    string
	Region string
	// Endpoint targets an S3-compatible store instead of AWS
	Endpoint string
}

// NewS3Backend creates a backend using the default AWS credential chain.
func NewS3Backend(ctx context.Context, opts S3Options) (*S3Backend, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load AWS configuration")
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Backend(client, opts.Bucket, opts.Key), nil
}

func newS3Backend(client s3API, bucket, key string) *S3Backend {
	return &S3Backend{client: client, bucket: bucket, key: key}
}

func (b *S3Backend) Load(ctx context.Context) (models.SyncState, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return models.NewSyncState(), nil
		}
		return models.SyncState{}, fmt.Errorf("failed to get s3://%s/%s: %w", b.bucket, b.key, err)
	}
	defer out.Body.Close()
	return DecodeState(out.Body)
}

func (b *S3Backend) Save(ctx context.Context, stream string, bm models.Bookmark, snapshot Snapshot) error {
	return b.writer.write(ctx, snapshot, b.put)
}

func (b *S3Backend) put(ctx context.Context, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to put s3://%s/%s: %w", b.bucket, b.key, err)
	}
	return nil
}

func (b *S3Backend) Close() error { return nil }
