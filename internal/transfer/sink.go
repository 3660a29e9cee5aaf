package transfer

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Sink publishes a verified download.
type Sink interface {
	// Promote takes ownership of the verified file at tmp and publishes it
	// as dest (a local path) or key (relative to the download root).
	Promote(ctx context.Context, tmp, dest, key string) error
	// Describe names where Promote puts the file, for logs and the CLI.
	Describe(dest, key string) string
}

// LocalSink renames the temp file onto its destination.
type LocalSink struct{}

// Promote implements Sink.
func (LocalSink) Promote(_ context.Context, tmp, dest, _ string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create dirs for %s: %w", dest, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Describe implements Sink.
func (LocalSink) Describe(dest, _ string) string { return dest }

// S3Config configures an S3Sink.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	// PathStyle addresses the bucket in the URL path, as MinIO expects.
	PathStyle bool `yaml:"path_style"`
}

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink uploads the verified temp file to a bucket and removes it.
type S3Sink struct {
	client objectPutter
	bucket string
	prefix string
}

// NewS3Sink creates an S3 sink. Static credentials are used when both keys
// are set; otherwise the default AWS credential chain applies.
func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 sink: bucket is required")
	}
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return newS3Sink(client, cfg), nil
}

func newS3Sink(client objectPutter, cfg S3Config) *S3Sink {
	return &S3Sink{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}
}

func (s *S3Sink) objectKey(key string) string {
	key = strings.TrimPrefix(key, "/")
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

// Promote implements Sink.
func (s *S3Sink) Promote(ctx context.Context, tmp, _, key string) error {
	f, err := os.Open(tmp)
	if err != nil {
		return err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	start := time.Now()
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(key)),
		Body:          f,
		ContentLength: aws.Int64(fi.Size()),
	})
	f.Close()
	if err != nil {
		return fmt.Errorf("put s3 object %s after %s: %w", s.objectKey(key), time.Since(start).Round(time.Millisecond), err)
	}
	return os.Remove(tmp)
}

// Describe implements Sink.
func (s *S3Sink) Describe(_, key string) string {
	return "s3://" + s.bucket + "/" + s.objectKey(key)
}
