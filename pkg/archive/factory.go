package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Backend selects a BlobStore implementation.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// NewBlobStoreFromEnv builds a blob store from environment variables.
//
//	MESHFORGE_ARCHIVE_BACKEND   "fs" (default), "s3", or "gcs"
//	MESHFORGE_DATA_DIR          base directory for the fs backend (default "data")
//
// S3:
//
//	MESHFORGE_ARCHIVE_S3_BUCKET    required
//	MESHFORGE_ARCHIVE_S3_REGION    falls back to AWS_REGION, then us-east-1
//	MESHFORGE_ARCHIVE_S3_ENDPOINT  optional, for MinIO/LocalStack
//	MESHFORGE_ARCHIVE_S3_PREFIX    optional key prefix
//
// GCS (requires the gcp build tag):
//
//	MESHFORGE_ARCHIVE_GCS_BUCKET   required
//	MESHFORGE_ARCHIVE_GCS_PREFIX   optional key prefix
func NewBlobStoreFromEnv(ctx context.Context) (BlobStore, error) {
	backend := Backend(os.Getenv("MESHFORGE_ARCHIVE_BACKEND"))
	if backend == "" {
		backend = BackendFS
	}

	switch backend {
	case BackendFS:
		return newFSStoreFromEnv()
	case BackendS3:
		return newS3StoreFromEnv(ctx)
	case BackendGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported archive backend: %s", backend)
	}
}

func newFSStoreFromEnv() (BlobStore, error) {
	dataDir := os.Getenv("MESHFORGE_DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	return NewFSStore(filepath.Join(dataDir, "archive"))
}

func newS3StoreFromEnv(ctx context.Context) (BlobStore, error) {
	bucket := os.Getenv("MESHFORGE_ARCHIVE_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("MESHFORGE_ARCHIVE_S3_BUCKET is required for the s3 backend")
	}

	region := os.Getenv("MESHFORGE_ARCHIVE_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Store(ctx, S3Config{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("MESHFORGE_ARCHIVE_S3_ENDPOINT"),
		Prefix:   os.Getenv("MESHFORGE_ARCHIVE_S3_PREFIX"),
	})
}
