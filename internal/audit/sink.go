package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/roach88/tillsync/internal/config"
)

// DirSink writes objects as files below a root directory. Keys map to
// relative paths.
type DirSink struct {
	root string
}

// NewDirSink creates root if needed.
func NewDirSink(root string) (*DirSink, error) {
	if root == "" {
		return nil, errors.New("audit: directory is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &DirSink{root: root}, nil
}

// Put writes data to a temporary file and renames it into place so a
// reader never sees a partial object.
func (d *DirSink) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Root returns the directory objects are written under.
func (d *DirSink) Root() string {
	return d.root
}

func (d *DirSink) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("audit: invalid key %q", key)
	}
	return filepath.Join(d.root, clean), nil
}

// S3Config configures an S3 or S3-compatible sink.
type S3Config struct {
	Bucket   string
	Prefix   string // Prepended to every key
	Region   string
	Endpoint string // For S3-compatible services; enables path-style addressing

	// Static credentials. When empty the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
}

// S3Sink writes objects to a bucket.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Sink loads AWS configuration and builds the client.
func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("audit: bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})

	return &S3Sink{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.TrimSuffix(cfg.Prefix, "/"),
	}, nil
}

// Put uploads data under the sink prefix.
func (s *S3Sink) Put(ctx context.Context, key string, data []byte) error {
	fullKey := key
	if s.prefix != "" {
		fullKey = s.prefix + "/" + key
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(fullKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-snappy-framed"),
	})
	if err != nil {
		return fmt.Errorf("S3 put object failed: %w", err)
	}
	return nil
}

// SinkFromConfig picks the sink cfg names: S3 when a bucket is set,
// otherwise a directory. Returns nil when auditing is disabled.
func SinkFromConfig(ctx context.Context, cfg config.AuditConfig) (Sink, error) {
	switch {
	case cfg.S3Bucket != "":
		sink, err := NewS3Sink(ctx, S3Config{
			Bucket:   cfg.S3Bucket,
			Prefix:   cfg.S3Prefix,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		})
		if err != nil {
			return nil, err
		}
		return sink, nil
	case cfg.Dir != "":
		sink, err := NewDirSink(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return sink, nil
	}
	return nil, nil
}
