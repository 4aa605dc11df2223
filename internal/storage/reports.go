// Package storage archives dispatch run reports as JSON objects in S3.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/newsletter-dispatch/internal/config"
)

// S3API is the part of the S3 client the report store uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Reports writes run reports under <prefix>/<kind>/<yyyy/mm/dd>/. A
// Reports without a client discards everything, so callers need not
// check whether archiving is configured.
type Reports struct {
	client S3API
	bucket string
	prefix string
}

// NewReports builds an S3 client for cfg. An empty bucket disables
// archiving.
func NewReports(ctx context.Context, cfg config.S3Config) (*Reports, error) {
	if cfg.Bucket == "" {
		log.Println("[Reports] No report bucket configured, run reports are not archived")
		return &Reports{}, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewReportsWithClient(s3.NewFromConfig(awsCfg), cfg.Bucket, cfg.Prefix), nil
}

func NewReportsWithClient(client S3API, bucket, prefix string) *Reports {
	return &Reports{client: client, bucket: bucket, prefix: prefix}
}

// Enabled reports whether reports reach a bucket.
func (r *Reports) Enabled() bool { return r.client != nil }

// Bucket returns the configured bucket name.
func (r *Reports) Bucket() string { return r.bucket }

// Key returns the object key for a report named id taken at ts.
func (r *Reports) Key(kind, id string, ts time.Time) string {
	ts = ts.UTC()
	return path.Join(r.prefix, kind, ts.Format("2006/01/02"), fmt.Sprintf("%s-%s.json", id, ts.Format("150405")))
}

// Save marshals v and writes it under Key(kind, id, ts). It returns the key.
func (r *Reports) Save(ctx context.Context, kind, id string, ts time.Time, v interface{}) (string, error) {
	if r.client == nil {
		return "", nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling report: %w", err)
	}

	key := r.Key(kind, id, ts)
	_, err = r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("putting report to S3: %w", err)
	}
	return key, nil
}

// Load reads the report at key into target.
func (r *Reports) Load(ctx context.Context, key string, target interface{}) error {
	if r.client == nil {
		return fmt.Errorf("report archive not configured")
	}
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("getting report from S3: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return fmt.Errorf("reading report body: %w", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("unmarshaling report: %w", err)
	}
	return nil
}

// Ping checks the bucket is reachable.
func (r *Reports) Ping(ctx context.Context) error {
	if r.client == nil {
		return fmt.Errorf("report archive not configured")
	}
	_, err := r.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(r.bucket)})
	return err
}
