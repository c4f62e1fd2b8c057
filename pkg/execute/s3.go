package execute

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/relaymesh/relay/pkg/registry"
)

// S3Dir serves files from a bucket prefix of an S3-compatible store.
type S3Dir struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Dir creates an S3Dir, reading credentials from the environment
// variables named in opts.
func NewS3Dir(opts registry.S3Options) (*S3Dir, error) {
	var access, secret string
	if opts.AccessKeyEnv != "" {
		access = os.Getenv(opts.AccessKeyEnv)
	}
	if opts.SecretKeyEnv != "" {
		secret = os.Getenv(opts.SecretKeyEnv)
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}
	return &S3Dir{client: client, bucket: opts.Bucket, prefix: strings.Trim(opts.Prefix, "/")}, nil
}

func (d *S3Dir) key(p string) string {
	return strings.TrimPrefix(path.Join(d.prefix, p), "/")
}

func (d *S3Dir) List(ctx context.Context, p string) ([]string, error) {
	key := d.key(p)
	if _, err := d.client.StatObject(ctx, d.bucket, key, minio.StatObjectOptions{}); err == nil {
		return []string{key}, nil
	}
	var out []string
	for obj := range d.client.ListObjects(ctx, d.bucket, minio.ListObjectsOptions{Prefix: key + "/", Recursive: false}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if !strings.HasSuffix(obj.Key, "/") {
			out = append(out, obj.Key)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no objects under s3://%s/%s", d.bucket, key)
	}
	sort.Strings(out)
	return out, nil
}

func (d *S3Dir) Open(ctx context.Context, file string) (io.ReadCloser, error) {
	obj, err := d.client.GetObject(ctx, d.bucket, file, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	return obj, nil
}
