// Package archive copies raw artifacts to an S3-compatible bucket.
package archive

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Archiver uploads files under their base name, which already carries the
// run key and provider.
type Archiver struct {
	client *minio.Client
	bucket string
}

func New(opts Options) (*Archiver, error) {
	cli, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &Archiver{client: cli, bucket: opts.Bucket}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket %s: %w", a.bucket, err)
	}
	zap.L().Info("archive bucket created", zap.String("bucket", a.bucket))
	return nil
}

// Archive uploads the file at path.
func (a *Archiver) Archive(ctx context.Context, path string) error {
	key := filepath.Base(path)
	info, err := a.client.FPutObject(ctx, a.bucket, key, path, minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}
	zap.L().Debug("artifact archived",
		zap.String("bucket", a.bucket),
		zap.String("key", key),
		zap.Int64("size", info.Size),
	)
	return nil
}
