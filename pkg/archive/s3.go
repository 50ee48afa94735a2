package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Archive uploads rotated audit files to an S3 bucket.
type S3Archive struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Config holds S3 archive settings.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for MinIO/LocalStack
	Prefix   string // optional key prefix, e.g. "audit/"
}

// NewS3Archive creates an S3-backed archive.
func NewS3Archive(ctx context.Context, cfg S3Config) (*S3Archive, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("archive: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Archive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Archive uploads the file under prefix+basename. The upload must succeed
// before the caller removes the local copy.
func (a *S3Archive) Archive(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("archive: open source: %w", err)
	}
	defer f.Close()

	key := a.prefix + filepath.Base(path)
	_, err = a.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("archive: put s3://%s/%s: %w", a.bucket, key, err)
	}
	return nil
}
