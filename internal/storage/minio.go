package storage

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/dante-gpu/experiment-orchestrator/internal/models"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// objectClient is the part of *minio.Client the output bucket uses.
type objectClient interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PresignedPutObject(ctx context.Context, bucketName, objectName string, expires time.Duration) (*url.URL, error)
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
}

// MinioConfig configures the output bucket.
type MinioConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string
	PresignExpiry   time.Duration
}

// OutputBucket keeps experiment output archives in an S3-compatible bucket
// instead of the storage service. Instances upload directly to a presigned
// URL; every other call goes to the wrapped Storage.
type OutputBucket struct {
	Storage

	client objectClient
	bucket string
	expiry time.Duration
	logger *zap.Logger
}

// NewOutputBucket connects to the MinIO endpoint and makes sure the bucket
// exists.
func NewOutputBucket(ctx context.Context, next Storage, cfg MinioConfig, logger *zap.Logger) (*OutputBucket, error) {
	logger.Info("Initializing MinIO output bucket",
		zap.String("endpoint", cfg.Endpoint),
		zap.Bool("useSSL", cfg.UseSSL),
		zap.String("bucket", cfg.Bucket),
	)

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	b := newOutputBucket(next, client, cfg.Bucket, cfg.PresignExpiry, logger)
	if err := b.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}
	return b, nil
}

func newOutputBucket(next Storage, client objectClient, bucket string, expiry time.Duration, logger *zap.Logger) *OutputBucket {
	if expiry <= 0 {
		expiry = 12 * time.Hour
	}
	return &OutputBucket{
		Storage: next,
		client:  client,
		bucket:  bucket,
		expiry:  expiry,
		logger:  logger.Named("output_bucket"),
	}
}

func (b *OutputBucket) ensureBucket(ctx context.Context, region string) error {
	exists, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return fmt.Errorf("failed to check for bucket %s: %w", b.bucket, err)
	}
	if exists {
		return nil
	}

	b.logger.Info("Bucket does not exist, creating it", zap.String("bucket", b.bucket), zap.String("region", region))
	if err := b.client.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", b.bucket, err)
	}
	return nil
}

func outputKey(expID string) string {
	return path.Join(expID, models.OutputArchiveFileName)
}

// GetExperimentOutputURL returns a presigned PUT URL for the output archive.
func (b *OutputBucket) GetExperimentOutputURL(ctx context.Context, expID string) (string, error) {
	u, err := b.client.PresignedPutObject(ctx, b.bucket, outputKey(expID), b.expiry)
	if err != nil {
		return "", models.NewRemoteError("presignOutput", expID, err)
	}
	b.logger.Debug("Presigned output URL generated", zap.String("experiment_id", expID), zap.Duration("expiry", b.expiry))
	return u.String(), nil
}

// RemoveExperimentData deletes every object under the experiment's prefix and
// then lets the storage service remove its own data.
func (b *OutputBucket) RemoveExperimentData(ctx context.Context, expID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	objects := b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Prefix: expID + "/", Recursive: true})

	removed := 0
	for object := range objects {
		if object.Err != nil {
			return models.NewRemoteError("listOutputs", expID, object.Err)
		}
		if err := b.client.RemoveObject(ctx, b.bucket, object.Key, minio.RemoveObjectOptions{}); err != nil {
			return models.NewRemoteError("removeOutput", expID, err)
		}
		removed++
	}
	b.logger.Info("Experiment outputs removed", zap.String("experiment_id", expID), zap.Int("count", removed))

	return b.Storage.RemoveExperimentData(ctx, expID)
}

var _ Storage = (*OutputBucket)(nil)
