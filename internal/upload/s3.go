// Package upload stores outgoing attachments in S3-compatible object storage.
package upload

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options configures an S3 uploader.
type Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	// PublicBaseURL prefixes object keys in returned URLs. Empty means
	// Endpoint/Bucket.
	PublicBaseURL string
	KeyPrefix     string
	PathStyle     bool
	Now           func() time.Time
}

// S3 uploads local files as objects.
type S3 struct {
	client *s3.Client
	opts   Options
	logger *zap.Logger
}

// ErrDisabled is returned by New when no bucket is configured.
var ErrDisabled = errors.New("uploader disabled: no bucket configured")

// New builds the S3 client. Static credentials are used when given,
// otherwise the default AWS credential chain.
func New(ctx context.Context, opts Options, logger *zap.Logger) (*S3, error) {
	if opts.Bucket == "" {
		return nil, ErrDisabled
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})
	return &S3{client: client, opts: opts, logger: logger.Named("upload")}, nil
}

// Upload puts the file at localRef under a fresh key and returns its URL.
func (u *S3) Upload(ctx context.Context, localRef string) (string, error) {
	f, err := os.Open(localRef)
	if err != nil {
		return "", fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	key := u.objectKey(localRef)
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(localRef)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if _, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.opts.Bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	}); err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}

	url := u.publicURL(key)
	u.logger.Debug("attachment uploaded", zap.String("key", key), zap.String("url", url))
	return url, nil
}

func (u *S3) objectKey(localRef string) string {
	d := u.opts.Now().UTC()
	name := fmt.Sprintf("%04d/%02d/%02d/%s%s", d.Year(), d.Month(), d.Day(), uuid.NewString(), strings.ToLower(filepath.Ext(localRef)))
	return path.Join(u.opts.KeyPrefix, name)
}

func (u *S3) publicURL(key string) string {
	base := u.opts.PublicBaseURL
	if base == "" {
		base = strings.TrimRight(u.opts.Endpoint, "/") + "/" + u.opts.Bucket
	}
	return strings.TrimRight(base, "/") + "/" + key
}
