package results

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config holds S3 or MinIO connection settings.
type S3Config struct {
	Endpoint        string // e.g. "minio:9000"
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
}

// S3Store keeps blobs in one bucket of an S3-compatible store.
type S3Store struct {
	mc     *minio.Client
	bucket string
	region string
}

// NewS3Store creates an S3Store. The bucket is created on first Put.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &S3Store{mc: mc, bucket: cfg.Bucket, region: cfg.Region}, nil
}

func (s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s.mc.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.mc.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
}

func (s *S3Store) Put(ctx context.Context, key string, r io.Reader) error {
	if err := s.ensureBucket(ctx); err != nil {
		return err
	}
	_, err := s.mc.PutObject(ctx, s.bucket, key, r, -1, minio.PutObjectOptions{ContentType: "application/x-ndjson"})
	return err
}

func (s *S3Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.mc.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}
	return obj, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	return s.mc.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
}
