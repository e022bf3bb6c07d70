// Package archive keeps the last snapshot of permanently deleted documents
// in object storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type objectPutter interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Archive struct {
	client objectPutter
	bucket string
	logger *zap.Logger
	now    func() time.Time
}

// New connects to MinIO and makes sure the bucket exists.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Archive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		logger.Info("archive bucket created", zap.String("bucket", cfg.Bucket))
	}
	return newArchive(client, cfg.Bucket, logger), nil
}

func newArchive(client objectPutter, bucket string, logger *zap.Logger) *Archive {
	return &Archive{client: client, bucket: bucket, logger: logger, now: time.Now}
}

// ObjectKey names one archived snapshot.
func ObjectKey(documentID string, at time.Time) string {
	return fmt.Sprintf("documents/%s/%d.json", documentID, at.UnixNano())
}

// Put stores content and returns its object key. Empty content is stored as
// JSON null so every deletion leaves a record.
func (a *Archive) Put(ctx context.Context, documentID string, content []byte) (string, error) {
	if len(content) == 0 {
		content = []byte("null")
	}
	key := ObjectKey(documentID, a.now())
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"document-id": documentID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", documentID, err)
	}
	a.logger.Info("document archived", zap.String("document_id", documentID), zap.String("key", key))
	return key, nil
}
