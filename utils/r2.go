// utils/r2.go
package utils

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	AccessKeySecret string
	Bucket          string
	// Prefix is prepended to every object key, e.g. "settlements/".
	Prefix string
}

// R2Archiver stores settlement reports in a Cloudflare R2 bucket through the
// S3 API.
type R2Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewR2Archiver(ctx context.Context, c R2Config) (*R2Archiver, error) {
	if c.AccountID == "" || c.Bucket == "" {
		return nil, fmt.Errorf("r2: account id and bucket are required")
	}
	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", c.AccountID)

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("auto"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			c.AccessKeyID, c.AccessKeySecret, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load R2 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})
	return &R2Archiver{client: client, bucket: c.Bucket, prefix: c.Prefix}, nil
}

// Archive uploads body under key and returns the full object key.
func (a *R2Archiver) Archive(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	fullKey := a.prefix + key
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(fullKey),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to R2: %w", err)
	}
	return fullKey, nil
}
