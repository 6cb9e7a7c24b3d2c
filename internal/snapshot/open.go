package snapshot

import (
	"context"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/config"
)

// Open builds a Store over the backend named in cfg.
func Open(ctx context.Context, cfg config.SnapshotConfig) (*Store, error) {
	var blobs BlobStore
	switch cfg.Backend {
	case "file", "":
		fs, err := NewFileStore(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		blobs = fs
	case "s3":
		s3, err := NewS3Store(ctx, S3Config{Bucket: cfg.Bucket, Region: cfg.Region, Endpoint: cfg.Endpoint})
		if err != nil {
			return nil, err
		}
		blobs = s3
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", cfg.Backend)
	}
	return NewStore(blobs, cfg.Prefix, cfg.PartitionWindow), nil
}
