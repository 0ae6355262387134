package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethpandaops/reportoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// s3Writer writes archive documents to S3-compatible storage.
type s3Writer struct {
	log    logrus.FieldLogger
	cfg    *config.S3ArchiveConfig
	client *s3.Client
}

// Ensure interface compliance.
var _ Writer = (*s3Writer)(nil)

// NewS3Writer creates a Writer backed by an S3-compatible bucket.
func NewS3Writer(log logrus.FieldLogger, cfg *config.S3ArchiveConfig) (Writer, error) {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return &s3Writer{
		log:    log.WithField("component", "archive-s3"),
		cfg:    cfg,
		client: s3.New(s3.Options{}, opts...),
	}, nil
}

// Put writes one document under the configured prefix.
func (w *s3Writer) Put(ctx context.Context, key string, data []byte, contentType string) error {
	fullKey := key
	if w.cfg.Prefix != "" {
		fullKey = strings.TrimSuffix(w.cfg.Prefix, "/") + "/" + key
	}

	_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.cfg.Bucket),
		Key:         aws.String(fullKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("writing object to s3://%s/%s: %w", w.cfg.Bucket, fullKey, err)
	}

	return nil
}
