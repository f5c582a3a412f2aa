package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Mirror keeps copies of deployed bundles outside the daemon, so a fresh
// node can restore them before it loads its root directory.
type Mirror interface {
	Put(ctx context.Context, name string, r io.Reader, size int64) error
	Get(ctx context.Context, name string, w io.Writer) error
	List(ctx context.Context) ([]string, error)
}

// S3API is the part of the S3 client the mirror uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config describes the bucket bundles are mirrored to.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PathStyle bool   `yaml:"path_style"`
}

// Enabled reports whether a bucket is configured.
func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

// S3Mirror mirrors bundles to an S3 bucket.
//
// Example usage:
//
//	m, _ := deploy.NewS3Mirror(deploy.S3Config{Bucket: "rupy", Region: "eu-north-1"})
//	loader := deploy.NewLoader(srv, deploy.WithMirror(m))
type S3Mirror struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Mirror builds an S3 client from cfg. Static keys are used when set,
// otherwise the SDK's anonymous access.
func NewS3Mirror(cfg S3Config) (*S3Mirror, error) {
	if !cfg.Enabled() {
		return nil, errors.New("deploy: s3 mirror needs a bucket")
	}
	opts := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: cfg.PathStyle,
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKey != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		opts.Credentials = aws.AnonymousCredentials{}
	}
	return NewS3MirrorWithClient(s3.New(opts), cfg.Bucket, cfg.Prefix), nil
}

// NewS3MirrorWithClient wraps an existing client.
func NewS3MirrorWithClient(client S3API, bucket, prefix string) *S3Mirror {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Mirror{client: client, bucket: bucket, prefix: prefix}
}

func (m *S3Mirror) key(name string) string {
	return m.prefix + name
}

// Put uploads a bundle.
func (m *S3Mirror) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(m.key(name)),
		Body:          r,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/zip"),
		Metadata: map[string]string{
			"deploy-time": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("deploy: s3 put %s: %w", name, err)
	}
	return nil
}

// Get downloads a bundle into w.
func (m *S3Mirror) Get(ctx context.Context, name string, w io.Writer) error {
	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.key(name)),
	})
	if err != nil {
		return fmt.Errorf("deploy: s3 get %s: %w", name, err)
	}
	defer out.Body.Close()
	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("deploy: s3 get %s: %w", name, err)
	}
	return nil
}

// List returns the mirrored bundle names.
func (m *S3Mirror) List(ctx context.Context) ([]string, error) {
	var (
		names []string
		token *string
	)
	for {
		out, err := m.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(m.bucket),
			Prefix:            aws.String(m.prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("deploy: s3 list: %w", err)
		}
		for _, obj := range out.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), m.prefix)
			if strings.HasSuffix(name, BundleExt) && !strings.Contains(name, "/") {
				names = append(names, name)
			}
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			return names, nil
		}
		token = out.NextContinuationToken
	}
}
