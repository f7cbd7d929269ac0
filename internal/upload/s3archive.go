package upload

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// S3ColdArchive implements ColdArchive against an S3-compatible bucket,
// for fleets that want oversized raw data frames kept durably rather
// than only referenced. Optional: a fleet with no archive configured
// simply never retains bytes above the threshold. There is no read
// path — retrieval of archived raw frames is an out-of-band cloud
// operation, not something the agent itself needs.
type S3ColdArchive struct {
	client *s3.Client
	bucket string
	prefix string
	log    zerolog.Logger
}

// S3Config configures an S3ColdArchive.
type S3Config struct {
	Region    string
	Bucket    string
	Prefix    string
	Endpoint  string // non-empty for S3-compatible non-AWS endpoints
	AccessKey string
	SecretKey string
}

// NewS3ColdArchive builds an archive from static credentials.
func NewS3ColdArchive(ctx context.Context, cfg S3Config, log zerolog.Logger) (*S3ColdArchive, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3ColdArchive{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		log:    log.With().Str("component", "s3-cold-archive").Logger(),
	}, nil
}

func (a *S3ColdArchive) objectKey(key string) string {
	if a.prefix == "" {
		return key
	}
	return a.prefix + "/" + key
}

// Archive uploads data under key, tagged as an opaque binary blob.
func (a *S3ColdArchive) Archive(ctx context.Context, key string, data []byte) error {
	objKey := a.objectKey(key)
	contentType := "application/octet-stream"
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &a.bucket,
		Key:         &objKey,
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
	})
	return err
}
