package storage

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/KogFlow/internal/pkg/config"
)

// S3Store writes objects to S3-compatible buckets.
type S3Store struct {
	client  *s3.Client
	cfg     config.StorageConfig
	buckets []string
}

func NewS3Store(ctx context.Context, cfg config.StorageConfig) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})

	log.Infof("[Storage] S3 store initialized (region %s, endpoint %q)", cfg.Region, cfg.EndpointURL)
	return &S3Store{
		client:  client,
		cfg:     cfg,
		buckets: []string{cfg.UploadsBucket, cfg.ResultsBucket, cfg.VideosBucket},
	}, nil
}

func (s *S3Store) Put(ctx context.Context, bucket, key string, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = getContentType(filepath.Ext(key))
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata: map[string]string{
			"upload-source": "kogflow",
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload s3://%s/%s: %w", bucket, key, err)
	}
	log.Debugf("[Storage] Uploaded s3://%s/%s (%d bytes)", bucket, key, len(data))
	return publicURL(s.cfg.PublicBaseURL, bucket, key), nil
}

func (s *S3Store) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete s3://%s/%s: %w", bucket, key, err)
	}
	log.Infof("[Storage] Deleted s3://%s/%s", bucket, key)
	return nil
}

// Check verifies that every configured bucket is reachable.
func (s *S3Store) Check(ctx context.Context) error {
	for _, bucket := range s.buckets {
		if bucket == "" {
			continue
		}
		if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
			return fmt.Errorf("bucket %s not accessible: %w", bucket, err)
		}
	}
	return nil
}
